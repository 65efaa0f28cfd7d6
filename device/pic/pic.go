// Package pic drives the legacy 8259 interrupt controllers. The kernel
// remaps them away from the CPU exception vectors and keeps them fully masked
// since interrupt delivery goes through the APIC; the EOI path stays around
// for the legacy vectors.
package pic

import "kestrel/kernel/cpu"

const (
	pic1Cmd  = uint16(0x20)
	pic1Data = uint16(0x21)
	pic2Cmd  = uint16(0xa0)
	pic2Data = uint16(0xa1)

	cmdInit = 0x10
	cmdICW4 = 0x01
	cmdEOI  = 0x20

	mode8086 = 0x01

	// RemapBase is the first vector the PICs deliver to after Init.
	RemapBase = uint8(32)

	numInterrupts = 16
)

var (
	portWriteByteFn = cpu.PortWriteByte
)

// Init remaps both controllers so IRQs 0-15 land on vectors 32-47 and masks
// every line.
func Init() {
	portWriteByteFn(pic1Cmd, cmdInit|cmdICW4)
	portWriteByteFn(pic2Cmd, cmdInit|cmdICW4)
	portWriteByteFn(pic1Data, RemapBase)
	portWriteByteFn(pic2Data, RemapBase+8)
	portWriteByteFn(pic1Data, 4) // slave on IRQ2
	portWriteByteFn(pic2Data, 2)
	portWriteByteFn(pic1Data, mode8086)
	portWriteByteFn(pic2Data, mode8086)

	Disable()
}

// Disable masks every interrupt line on both controllers.
func Disable() {
	portWriteByteFn(pic1Data, 0xff)
	portWriteByteFn(pic2Data, 0xff)
}

// SendEOI acknowledges the interrupt for vector if it belongs to the
// controllers' remapped range.
func SendEOI(vector uint8) {
	if vector < RemapBase || vector >= RemapBase+numInterrupts {
		return
	}

	if vector >= RemapBase+8 {
		portWriteByteFn(pic2Cmd, cmdEOI)
	}
	portWriteByteFn(pic1Cmd, cmdEOI)
}
