// Copyright (c) OpenMMLab. All rights reserved.

package tracker

import (
	"memtrace/logger"
	"memtrace/pkg/metrics"
	"memtrace/pkg/unwind"
	"memtrace/pkg/writer"

	"go.uber.org/zap"
)

// TrackAllocation is one of the interposer's two entry functions
// (spec.md §6), called on every intercepted allocation.
func (t *Tracker) TrackAllocation(tid int64, address, size uint64, kind AllocatorKind) {
	t.allocationPath(tid, address, size, kind)
}

// TrackDeallocation is the interposer's other entry function, called on
// every intercepted release. It takes the same path; IsDeallocation
// suppresses native unwinding so the record always carries
// native_trace_index = 0 (spec.md §4.D).
func (t *Tracker) TrackDeallocation(tid int64, address, size uint64, kind AllocatorKind) {
	t.allocationPath(tid, address, size, kind)
}

// allocationPath implements component D, the AllocationPath, in the
// seven steps of spec.md §4.D.
func (t *Tracker) allocationPath(tid int64, address, size uint64, kind AllocatorKind) {
	// 1. Inactive tracker or a thread already inside the tracker is a
	// silent no-op: this call is itself the product of some allocator
	// function the tracker's own bookkeeping invoked.
	if !t.active.Load() {
		return
	}
	st := t.threads.get(tid)
	if st != nil && st.inTracker {
		return
	}
	if st == nil {
		st = t.threads.getOrCreate(tid)
	}

	// 2. Acquire the recursion guard for the rest of this call.
	guard, ok := AcquireGuard(st)
	if !ok {
		return
	}
	defer guard.Release()

	// 3. Read the current source line before the stack can change.
	lineno := t.stack.currentLine(tid)

	// 4-5. Flush any queued pops, then any queued pushes, so the
	// allocation record lands after a fully caught-up shadow stack.
	if err := t.stack.flushPendingPops(tid); err != nil {
		t.fail(err)
		return
	}
	if err := t.stack.flushPendingPushes(tid); err != nil {
		t.fail(err)
		return
	}

	// 6. Native unwind + trie lookup, allocations only.
	var nativeIndex uint64
	if t.cfg.NativeTraces && !kind.IsDeallocation() {
		trace := unwind.Unwind(2)
		idx, err := t.trie.GetTraceIndex(trace, func(index uint64, trace []uintptr) error {
			return t.w.WriteRecord(writer.KindNativeTraceIndex, writer.EncodeNativeTraceIndex(index, trace))
		})
		if err != nil {
			t.fail(err)
			return
		}
		nativeIndex = idx
	}

	// 7. Emit the allocation record.
	payload := writer.EncodeAllocation(tid, address, size, uint8(kind), lineno, nativeIndex)
	if err := t.w.WriteRecord(writer.KindAllocation, payload); err != nil {
		t.fail(err)
		return
	}
	metrics.RecordAllocation(kind.String(), size)
}

// fail implements spec.md §7's write-failure policy: one diagnostic line,
// then deactivate. No retries — every later event short-circuits at step
// 1 of whichever entry point it calls until a new tracker is created.
func (t *Tracker) fail(err error) {
	t.active.Store(false)
	metrics.SetActive(false)
	metrics.RecordWriteFailure()
	logger.Logger.Warn("memtrace: write failed, deactivating tracker", zap.Error(err))
}
