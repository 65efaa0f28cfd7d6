package pic

import (
	"kestrel/kernel/cpu"
	"testing"
)

type portWrite struct {
	port  uint16
	value uint8
}

func captureWrites(t *testing.T) *[]portWrite {
	t.Helper()

	var writes []portWrite
	portWriteByteFn = func(port uint16, value uint8) {
		writes = append(writes, portWrite{port, value})
	}
	t.Cleanup(func() { portWriteByteFn = cpu.PortWriteByte })

	return &writes
}

func TestInitRemapsAndMasks(t *testing.T) {
	writes := captureWrites(t)

	Init()

	exp := []portWrite{
		{pic1Cmd, cmdInit | cmdICW4},
		{pic2Cmd, cmdInit | cmdICW4},
		{pic1Data, RemapBase},
		{pic2Data, RemapBase + 8},
		{pic1Data, 4},
		{pic2Data, 2},
		{pic1Data, mode8086},
		{pic2Data, mode8086},
		{pic1Data, 0xff},
		{pic2Data, 0xff},
	}

	if len(*writes) != len(exp) {
		t.Fatalf("expected %d port writes; got %d", len(exp), len(*writes))
	}
	for i, w := range exp {
		if (*writes)[i] != w {
			t.Errorf("[write %d] expected %+v; got %+v", i, w, (*writes)[i])
		}
	}
}

func TestSendEOI(t *testing.T) {
	writes := captureWrites(t)

	// Vectors outside the remapped range are ignored.
	SendEOI(14)
	SendEOI(48)
	if len(*writes) != 0 {
		t.Fatalf("expected no writes for out-of-range vectors; got %d", len(*writes))
	}

	// Master-only EOI.
	SendEOI(RemapBase + 1)
	if len(*writes) != 1 || (*writes)[0] != (portWrite{pic1Cmd, cmdEOI}) {
		t.Fatalf("unexpected master EOI sequence: %v", *writes)
	}

	// Slave vectors acknowledge both controllers.
	*writes = nil
	SendEOI(RemapBase + 10)
	if len(*writes) != 2 ||
		(*writes)[0] != (portWrite{pic2Cmd, cmdEOI}) ||
		(*writes)[1] != (portWrite{pic1Cmd, cmdEOI}) {
		t.Fatalf("unexpected slave EOI sequence: %v", *writes)
	}
}
