package mm

import "kestrel/kernel"

// FrameAllocator is implemented by physical frame allocators. The page-table
// engine uses it to obtain frames for new tables and returns frames to it
// when tables become empty.
type FrameAllocator interface {
	// AllocFrame reserves a free physical frame.
	AllocFrame() (Frame, *kernel.Error)

	// FreeFrame releases a frame previously obtained via AllocFrame.
	FreeFrame(frame Frame) *kernel.Error
}
