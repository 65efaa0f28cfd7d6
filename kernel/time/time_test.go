package time

import (
	"kestrel/kernel/cpu"
	"testing"
)

func restore() {
	readTSCFn = cpu.ReadTSC
	portReadByteFn = cpu.PortReadByte
	portWriteByteFn = cpu.PortWriteByte
	tscFreqMHz = 3000
	tscStart = 0
}

func TestCalibrate(t *testing.T) {
	defer restore()

	// Simulate a 2.5 GHz TSC: the PIT one-shot takes 65535/1193182 s,
	// during which the TSC advances by rate * elapsed.
	const rateHz = 2.5e9
	elapsed := float64(pitReload) / pitFrequency
	delta := uint64(rateHz * elapsed)

	var (
		tsc       uint64 = 1000
		polls     int
		pitWrites []uint8
	)
	readTSCFn = func() uint64 { return tsc }
	portWriteByteFn = func(port uint16, value uint8) { pitWrites = append(pitWrites, value) }
	portReadByteFn = func(port uint16) uint8 {
		polls++
		if polls < 3 {
			return 0
		}
		// Output pin high; the calibration window is over.
		tsc += delta
		return 0x80
	}

	calibrate()

	// 2500 MHz rounds to itself.
	if got := TSCFreqMHz(); got != 2500 {
		t.Errorf("expected 2500 MHz; got %d", got)
	}

	// The PIT was programmed as a one-shot with a full reload.
	if len(pitWrites) < 3 || pitWrites[0] != 0x30 || pitWrites[1] != 0xff || pitWrites[2] != 0xff {
		t.Errorf("unexpected PIT programming: %v", pitWrites)
	}

	if Uptime() <= 0 {
		t.Error("expected a positive uptime after calibration")
	}
}

func TestCalibrateRounding(t *testing.T) {
	defer restore()

	// A 2.96 GHz rate rounds to 3000 MHz.
	elapsed := float64(pitReload) / pitFrequency
	delta := uint64(2.96e9 * elapsed)

	var tsc uint64
	readTSCFn = func() uint64 { return tsc }
	portWriteByteFn = func(uint16, uint8) {}
	portReadByteFn = func(uint16) uint8 {
		tsc += delta
		return 0x80
	}

	calibrate()

	if got := TSCFreqMHz(); got != 3000 {
		t.Errorf("expected 3000 MHz; got %d", got)
	}
}

func TestSleepAndFuture(t *testing.T) {
	defer restore()

	var tsc uint64
	readTSCFn = func() uint64 {
		tsc += 100000
		return tsc
	}
	tscFreqMHz = 1000

	// future = now + us * MHz
	before := tsc
	deadline := Future(50)
	if deadline <= before {
		t.Error("expected the deadline to lie in the future")
	}

	// Sleep terminates once the fake TSC passes the deadline.
	Sleep(100)

	if Elapsed(0) <= 0 {
		t.Error("expected elapsed time to be positive")
	}
}

func TestUptimeBeforeCalibration(t *testing.T) {
	defer restore()

	tscStart = 0
	if Uptime() != 0 {
		t.Error("expected zero uptime before calibration")
	}
}
