// Copyright (c) OpenMMLab. All rights reserved.

// Package unwind is the native stack unwinder spec.md §1 keeps external.
// No third-party native/DWARF unwinder is a direct, general-purpose
// dependency anywhere in the retrieved pack, so this wraps the stdlib's
// own unwinder, runtime.Callers, which is the idiomatic Go substitute.
package unwind

import "runtime"

// Unwind returns the calling goroutine's program counters, skipping the
// innermost `skip` frames (spec.md §4.D: "skipping the two innermost
// frames, which are the interposer and this function"). An unwind that
// yields zero frames is tolerated by the caller per spec.md §7 and simply
// returns an empty slice here.
func Unwind(skip int) []uintptr {
	pcs := make([]uintptr, 64)
	// +2 to also skip runtime.Callers itself and this function's frame.
	n := runtime.Callers(skip+2, pcs)
	return pcs[:n]
}
