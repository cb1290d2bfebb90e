// Copyright (c) OpenMMLab. All rights reserved.

package tracker

import "sync"

// threadState is the per-thread record backing components A (in_tracker),
// B (shadow stack, pending pops, entry frame) and H (hook-installed flag).
// Every field here is exclusively owned by the thread that owns this
// record; nothing here is ever touched from another goroutine/thread.
type threadState struct {
	tid int64

	inTracker bool

	// stack is nil until push() first allocates it (spec.md §4.B: "This
	// is the only operation permitted to create the shadow-stack
	// container; all others treat its absence as 'no frames'"). Every
	// other method on this state must only ever read or shrink stack,
	// never grow or re-create it, so that a thread which has already
	// drained its stack cannot have it resurrected from some other path.
	stack []lazyFrame

	pendingPops uint32
	entryFrame  HostFrame // nil when absent

	// hookInstalled guards InstallHook's idempotence (spec.md §4.H).
	hookInstalled bool
}

// threads maps a caller-supplied thread id (typically the OS tid the
// embedding captured, e.g. via gettid()) to its threadState. Go has no
// per-OS-thread storage with destructors the way the spec's source
// language does, so this core takes the thread id as an explicit
// parameter on every call instead of relying on TLS; see DESIGN.md for
// the reasoning.
type threadRegistry struct {
	mu sync.Mutex
	m  map[int64]*threadState
}

func newThreadRegistry() *threadRegistry {
	return &threadRegistry{m: make(map[int64]*threadState)}
}

// get returns the existing state for tid, or nil if none exists yet.
// This is the "treat absence as no frames" read path; it must never
// create an entry.
func (r *threadRegistry) get(tid int64) *threadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m[tid]
}

// getOrCreate materialises per-thread state. Its callers are push(),
// reset(), InstallHook, the allocation path, BeforeFork,
// RegisterThreadName and the background sampler's Start; the shadow
// stack inside the record is still only grown by push().
func (r *threadRegistry) getOrCreate(tid int64) *threadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.m[tid]
	if !ok {
		st = &threadState{tid: tid}
		r.m[tid] = st
	}
	return st
}

// forget drops a thread's state entirely. Safe to call from the owning
// thread during its own teardown; a concurrent push() on the same tid
// (which should never happen for a genuinely exited thread, but is
// harmless even if the id were reused) simply re-creates a fresh record.
func (r *threadRegistry) forget(tid int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, tid)
}

// RecursionGuard is a scoped acquisition of a thread's in_tracker flag
// (spec.md §4.A). Construction stores the previous value and sets the
// flag true; Release restores the previous value. It must be safe to
// construct during thread teardown: the underlying storage is a plain
// struct field, never a type with a non-trivial destructor.
type RecursionGuard struct {
	st  *threadState
	was bool
}

// AcquireGuard polls in_tracker and, if it was already set, returns
// (nil, false) meaning the caller must return immediately without
// touching any other state (spec.md §4.D step 1).
func AcquireGuard(st *threadState) (*RecursionGuard, bool) {
	if st.inTracker {
		return nil, false
	}
	g := &RecursionGuard{st: st, was: st.inTracker}
	st.inTracker = true
	return g, true
}

// Release restores in_tracker to what it was before Acquire.
func (g *RecursionGuard) Release() {
	if g == nil {
		return
	}
	g.st.inTracker = g.was
}
