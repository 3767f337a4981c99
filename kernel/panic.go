package kernel

import "lumenkernel/kernel/klog"

// haltFn is invoked by Panic after reporting the error and is mocked by
// tests. In a booted kernel image it would be wired to the arch-specific
// halt instruction; here it defaults to a no-op so library callers keep
// control of process lifetime.
var haltFn = func() {}

var errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}

// Panic logs the supplied error (if not nil) via klog and calls haltFn.
// Use for violations of this module's own invariants (double-map, wrong-
// cache slab free) that a caller could not meaningfully recover from.
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	klog.Printf("\n-----------------------------------\n")
	if err != nil {
		klog.Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	klog.Printf("*** kernel panic: system halted ***")
	klog.Printf("\n-----------------------------------\n")

	haltFn()
}
