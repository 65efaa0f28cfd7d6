package kfmt

import (
	"bytes"
	"errors"
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"testing"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		disableInterruptsFn = cpu.DisableInterrupts
		outputSink = nil
	}()

	var (
		buf           bytes.Buffer
		cpuHaltCalled bool
		cliCalled     bool
	)
	cpuHaltFn = func() { cpuHaltCalled = true }
	disableInterruptsFn = func() { cliCalled = true }
	SetOutputSink(&buf)

	banner := "\n-----------------------------------\n"
	trailer := "*** kernel panic: system halted ***\n-----------------------------------\n"

	specs := []struct {
		descr string
		err   interface{}
		exp   string
	}{
		{
			"with *kernel.Error",
			&kernel.Error{Module: "test", Message: "panic test"},
			banner + "[test] unrecoverable error: panic test\n" + trailer,
		},
		{
			"with error",
			errors.New("go error"),
			banner + "[rt] unrecoverable error: go error\n" + trailer,
		},
		{
			"with string",
			"string error",
			banner + "[rt] unrecoverable error: string error\n" + trailer,
		},
		{
			"without error",
			nil,
			banner + trailer,
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			buf.Reset()
			cpuHaltCalled, cliCalled = false, false

			Panic(spec.err)

			if got := buf.String(); got != spec.exp {
				t.Fatalf("expected to get:\n%q\ngot:\n%q", spec.exp, got)
			}
			if !cpuHaltCalled {
				t.Fatal("expected cpu.Halt() to be called by Panic")
			}
			if !cliCalled {
				t.Fatal("expected interrupts to be disabled by Panic")
			}
		})
	}
}
