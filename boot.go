package main

import "kestrel/kernel/kmain"

var bootInfoAddr uint64

// main makes a dummy call to the actual kernel entrypoint function. It is
// intentionally defined to prevent the Go compiler from optimizing away the
// real kernel code.
//
// A global variable is passed as an argument to KernelInit to prevent the
// compiler from inlining the actual call and removing KernelInit from the
// generated .o file. The real invocation happens in the rt0 assembly code
// which passes the boot information address provided by the loader.
func main() {
	kmain.KernelInit(bootInfoAddr)
}
