// Package uart drives the 16550 serial port that serves as the kernel
// console. Writes poll the line status register; the port never interrupts.
package uart

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/ksync"
	"unsafe"
)

// COM1 is the I/O port base of the first serial port.
const COM1 = uint16(0x3f8)

var (
	// portReadByteFn and portWriteByteFn are used by tests to capture the
	// port I/O this driver performs.
	portReadByteFn  = cpu.PortReadByte
	portWriteByteFn = cpu.PortWriteByte
)

// Device is a single serial port.
type Device struct {
	port uint16
	lock ksync.Spinlock
}

// New programs the serial port at base for 38400 baud, 8 data bits, no
// parity, one stop bit with FIFOs enabled and returns the driver for it.
func New(base uint16) *Device {
	portWriteByteFn(base+1, 0x00) // disable interrupts
	portWriteByteFn(base+3, 0x80) // enable DLAB to set the divisor
	portWriteByteFn(base+0, 0x03) // divisor low byte: 38400 baud
	portWriteByteFn(base+1, 0x00) // divisor high byte
	portWriteByteFn(base+3, 0x03) // 8 bits, no parity, one stop bit
	portWriteByteFn(base+2, 0xc7) // enable and clear FIFOs, 14-byte threshold
	portWriteByteFn(base+4, 0x0b) // IRQs enabled, RTS/DTR set
	portWriteByteFn(base+4, 0x0f)

	return &Device{port: base}
}

// transmitEmpty returns true when the transmit holding register can accept
// another byte.
func (dev *Device) transmitEmpty() bool {
	return portReadByteFn(dev.port+5)&0x20 != 0
}

// WriteByte transmits a single byte, busy-waiting until the port is ready.
func (dev *Device) WriteByte(b byte) {
	for !dev.transmitEmpty() {
	}
	portWriteByteFn(dev.port, b)
}

// Write implements io.Writer so the device can serve as the kfmt output sink.
func (dev *Device) Write(p []byte) (int, error) {
	dev.lock.Acquire()
	defer dev.lock.Release()

	for _, b := range p {
		dev.WriteByte(b)
	}
	return len(p), nil
}

// Ioctl implements the device control interface. Request 0x01 stores the
// driver probe cookie through the pointer in arg0.
func (dev *Device) Ioctl(request, arg0, arg1 uintptr) *kernel.Error {
	switch request {
	case 0x01:
		*(*uintptr)(unsafe.Pointer(arg0)) = 0x1337
		return nil
	}
	return errBadRequest
}

var errBadRequest = &kernel.Error{Module: "uart", Message: "unsupported ioctl request"}
