// Copyright (c) OpenMMLab. All rights reserved.

package tracker

import "memtrace/pkg/writer"

// FrameRegistry interns raw frames to compact, process-lifetime-stable
// ids (component C). It is shared across every thread, so insertions
// serialise on the writer's own lock rather than a private one — per
// spec.md §4.C, "the writer's own lock is sufficient if taken around the
// insert+emit pair".
type FrameRegistry struct {
	w    writer.Writer
	ids  map[RawFrame]uint64
	next uint64
}

func NewFrameRegistry(w writer.Writer) *FrameRegistry {
	return &FrameRegistry{w: w, ids: make(map[RawFrame]uint64)}
}

// Intern returns raw's frame id, assigning and emitting a new one (via a
// FRAME_INDEX record) if this is the first time this exact raw frame has
// been seen. Equal raw frames always return equal ids; distinct raw
// frames always get distinct ids (spec.md §8 P3).
func (r *FrameRegistry) Intern(raw RawFrame) (uint64, error) {
	r.w.Lock()
	defer r.w.Unlock()

	if id, ok := r.ids[raw]; ok {
		return id, nil
	}

	id := r.next + 1
	payload := writer.EncodeFrameIndex(id, raw.Function, raw.File, raw.ParentLineno)
	if err := r.w.WriteRecordLocked(writer.KindFrameIndex, payload); err != nil {
		return 0, err
	}
	r.next = id
	r.ids[raw] = id
	return id, nil
}
