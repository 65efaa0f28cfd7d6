// Package time maintains the kernel time base: the time-stamp counter
// frequency calibrated once at boot against PIT channel 0, plus busy-wait
// sleeps for short delays.
package time

import (
	"kestrel/kernel/cpu"
	"kestrel/kernel/kfmt"
	"sync/atomic"
)

const (
	pitChannel0 = uint16(0x40)
	pitCommand  = uint16(0x43)

	// pitFrequency is the PIT input clock in Hz.
	pitFrequency = 1193182.0

	// pitReload is the one-shot reload value used for calibration.
	pitReload = 0xffff
)

var (
	// readTSCFn, portReadByteFn and portWriteByteFn are used by tests to
	// drive the calibration loop deterministically.
	readTSCFn       = cpu.ReadTSC
	portReadByteFn  = cpu.PortReadByte
	portWriteByteFn = cpu.PortWriteByte

	// tscFreqMHz holds the calibrated TSC frequency. The conservative
	// default keeps sleeps roughly correct if calibration never runs.
	tscFreqMHz uint64 = 3000

	// tscStart records the counter at calibration time for Uptime.
	tscStart uint64
)

// TSCFreqMHz returns the calibrated TSC frequency in MHz.
func TSCFreqMHz() uint64 {
	return atomic.LoadUint64(&tscFreqMHz)
}

// Future returns the TSC value that lies microseconds ahead of now.
func Future(microseconds uint64) uint64 {
	return readTSCFn() + microseconds*TSCFreqMHz()
}

// Elapsed returns the seconds elapsed since the start TSC value.
func Elapsed(start uint64) float64 {
	return float64(readTSCFn()-start) / float64(TSCFreqMHz()) / 1000000.0
}

// Uptime returns the seconds since calibration, or 0 before it ran.
func Uptime() float64 {
	start := atomic.LoadUint64(&tscStart)
	if start == 0 {
		return 0
	}
	return Elapsed(start)
}

// Sleep busy-waits for the given number of microseconds.
func Sleep(microseconds uint64) {
	wait := Future(microseconds)
	for readTSCFn() < wait {
	}
}

// calibrate programs PIT channel 0 as a one-shot with a full reload, spins
// until the output pin goes high and derives the TSC rate from the elapsed
// counter delta. The result is rounded to the nearest 100 MHz.
func calibrate() {
	atomic.StoreUint64(&tscStart, readTSCFn())

	start := readTSCFn()

	portWriteByteFn(pitCommand, 0x30) // channel 0, lo/hi access, mode 0
	portWriteByteFn(pitChannel0, 0xff)
	portWriteByteFn(pitChannel0, 0xff)

	for {
		portWriteByteFn(pitCommand, 0xe2) // read-back: status, channel 0

		if portReadByteFn(pitChannel0)&0x80 != 0 {
			break
		}
	}

	end := readTSCFn()

	elapsed := float64(pitReload) / pitFrequency
	computedRate := float64(end-start) / elapsed / 1000000.0
	roundedRate := uint64(computedRate/100.0+0.5) * 100

	kfmt.Printf("[time] TSC frequency: %d MHz\n", roundedRate)

	atomic.StoreUint64(&tscFreqMHz, roundedRate)
}

// Init calibrates the TSC. It runs once during bring-up.
func Init() {
	calibrate()
}
