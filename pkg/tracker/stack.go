// Copyright (c) OpenMMLab. All rights reserved.

package tracker

import (
	"memtrace/pkg/writer"
)

// lazyFrame is spec.md §3's "lazily-emitted frame": a host frame handle
// paired with its raw identity and whether a FRAME_PUSH has been written
// for it yet.
type lazyFrame struct {
	handle  HostFrame
	raw     RawFrame
	emitted bool
	frameID uint64
}

// stackTracker implements component B, the PythonStackTracker. It is
// shared process-wide (it only holds the thread registry, the
// FrameRegistry and the writer);
// all of the actual per-thread state lives in the threadState records
// it is handed.
type stackTracker struct {
	threads *threadRegistry
	frames  *FrameRegistry
	w       writer.Writer
}

func newStackTracker(threads *threadRegistry, frames *FrameRegistry, w writer.Writer) *stackTracker {
	return &stackTracker{threads: threads, frames: frames, w: w}
}

// reset clears the shadow stack and sets the entry frame. Called on
// trace installation and again during teardown with entry == nil.
func (s *stackTracker) reset(tid int64, entry HostFrame) {
	st := s.threads.getOrCreate(tid)
	st.stack = nil
	st.pendingPops = 0
	st.entryFrame = entry
}

// push appends a new, unemitted frame. This is the only operation
// permitted to create the shadow-stack container (spec.md §4.B).
func (s *stackTracker) push(tid int64, frame HostFrame, function, file string, parentLineno int32) {
	st := s.threads.getOrCreate(tid)
	st.stack = append(st.stack, lazyFrame{
		handle: frame,
		raw:    RawFrame{Function: function, File: file, ParentLineno: parentLineno},
	})
}

// pop removes the shadow-stack top. If the popped frame had been
// emitted, its pop is queued in pendingPops rather than written
// immediately (spec.md §4.B lazy emission). If the stack drains to
// empty, pending pops are flushed right away (invariant S3). If the
// stack was already empty, this call means we are unwinding above the
// point tracing began: clear the entry frame and return.
func (s *stackTracker) pop(tid int64) error {
	st := s.threads.get(tid)
	if st == nil || len(st.stack) == 0 {
		if st != nil {
			st.entryFrame = nil
		}
		return nil
	}

	top := st.stack[len(st.stack)-1]
	st.stack = st.stack[:len(st.stack)-1]
	if top.emitted {
		st.pendingPops++
	}
	if len(st.stack) == 0 {
		return s.flushPendingPops(tid)
	}
	return nil
}

// currentLine returns the source line of the top of the shadow stack if
// any, else of the entry frame if any, else 0.
func (s *stackTracker) currentLine(tid int64) int32 {
	st := s.threads.get(tid)
	if st == nil {
		return 0
	}
	if n := len(st.stack); n > 0 {
		return st.stack[n-1].handle.Line()
	}
	if st.entryFrame != nil {
		return st.entryFrame.Line()
	}
	return 0
}

// flushPendingPops writes a run of FRAME_POP records totalling the
// pending-pop counter and resets it to zero. Each record's count is
// capped at 255 (spec.md §8 scenario 3), so a large coalesced run may
// need more than one record.
func (s *stackTracker) flushPendingPops(tid int64) error {
	st := s.threads.get(tid)
	if st == nil || st.pendingPops == 0 {
		return nil
	}

	remaining := st.pendingPops
	for remaining > 0 {
		n := remaining
		if n > 255 {
			n = 255
		}
		if err := s.w.WriteRecord(writer.KindFramePop, writer.EncodeFramePop(tid, uint8(n))); err != nil {
			// Leave the un-flushed remainder queued for the next attempt.
			st.pendingPops = remaining
			return err
		}
		remaining -= n
	}
	st.pendingPops = 0
	return nil
}

// flushPendingPushes locates the topmost already-emitted frame (or the
// bottom of the stack if none) and writes a FRAME_PUSH for every frame
// above it, interning each one via the FrameRegistry first. If a write
// fails partway through, the remaining frames stay unemitted and are
// retried on the next event.
func (s *stackTracker) flushPendingPushes(tid int64) error {
	st := s.threads.get(tid)
	if st == nil {
		return nil
	}

	base := -1
	for i := len(st.stack) - 1; i >= 0; i-- {
		if st.stack[i].emitted {
			base = i
			break
		}
	}

	for i := base + 1; i < len(st.stack); i++ {
		frame := &st.stack[i]
		id, err := s.frames.Intern(frame.raw)
		if err != nil {
			return err
		}
		if err := s.w.WriteRecord(writer.KindFramePush, writer.EncodeFramePush(tid, id)); err != nil {
			return err
		}
		frame.frameID = id
		frame.emitted = true
	}
	return nil
}

// resetInChild marks every frame as unemitted and clears the pending-pop
// counter, so the next flush re-emits the whole surviving shadow stack
// (spec.md §4.B, exercised by §8 scenario 6). The shadow stack itself
// survives the fork in the calling thread.
func (s *stackTracker) resetInChild(tid int64) {
	st := s.threads.get(tid)
	if st == nil {
		return
	}
	for i := range st.stack {
		st.stack[i].emitted = false
		st.stack[i].frameID = 0
	}
	st.pendingPops = 0
}
