// Copyright (c) OpenMMLab. All rights reserved.

package tracker

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memtrace/pkg/writer"
)

type fakeFrame struct{ line int32 }

func (f fakeFrame) Line() int32 { return f.line }

func newTestStackTracker(t *testing.T) (*stackTracker, *threadRegistry, writer.Writer) {
	t.Helper()
	w := openTestWriter(t)
	threads := newThreadRegistry()
	frames := NewFrameRegistry(w)
	return newStackTracker(threads, frames, w), threads, w
}

func TestStackTracker_PushIsLazyUntilFlush(t *testing.T) {
	s, threads, _ := newTestStackTracker(t)
	s.reset(1, nil)
	s.push(1, fakeFrame{line: 5}, "f", "a.py", 1)

	st := threads.get(1)
	require.Len(t, st.stack, 1)
	assert.False(t, st.stack[0].emitted, "push must not itself emit a FRAME_PUSH")
}

func TestStackTracker_FlushPendingPushesEmitsOnlyUnemittedSuffix(t *testing.T) {
	s, threads, _ := newTestStackTracker(t)
	s.reset(1, nil)
	s.push(1, fakeFrame{line: 1}, "f", "a.py", 1)
	s.push(1, fakeFrame{line: 2}, "g", "a.py", 1)

	require.NoError(t, s.flushPendingPushes(1))
	st := threads.get(1)
	assert.True(t, st.stack[0].emitted)
	assert.True(t, st.stack[1].emitted)

	s.push(1, fakeFrame{line: 3}, "h", "a.py", 2)
	require.NoError(t, s.flushPendingPushes(1))
	assert.True(t, st.stack[2].emitted)
	// The already-emitted prefix keeps its original frame ids.
	assert.NotZero(t, st.stack[0].frameID)
}

func TestStackTracker_PopOfUnemittedFrameQueuesNothing(t *testing.T) {
	s, threads, _ := newTestStackTracker(t)
	s.reset(1, nil)
	s.push(1, fakeFrame{line: 1}, "f", "a.py", 1)

	require.NoError(t, s.pop(1))
	st := threads.get(1)
	assert.Equal(t, uint32(0), st.pendingPops)
}

func TestStackTracker_PopOfEmittedFrameQueuesAPendingPop(t *testing.T) {
	s, threads, _ := newTestStackTracker(t)
	s.reset(1, nil)
	s.push(1, fakeFrame{line: 1}, "f", "a.py", 1)
	s.push(1, fakeFrame{line: 1}, "g", "a.py", 1)
	require.NoError(t, s.flushPendingPushes(1))

	require.NoError(t, s.pop(1))
	st := threads.get(1)
	assert.Equal(t, uint32(1), st.pendingPops)
	assert.Len(t, st.stack, 1)
}

func TestStackTracker_StackDrainingToEmptyFlushesPendingPopsImmediately(t *testing.T) {
	s, threads, _ := newTestStackTracker(t)
	s.reset(1, nil)
	s.push(1, fakeFrame{line: 1}, "f", "a.py", 1)
	require.NoError(t, s.flushPendingPushes(1))

	require.NoError(t, s.pop(1))
	st := threads.get(1)
	assert.Equal(t, uint32(0), st.pendingPops, "draining to empty must flush, per invariant S3")
}

func TestStackTracker_PopBelowEmptyClearsEntryFrame(t *testing.T) {
	s, threads, _ := newTestStackTracker(t)
	s.reset(1, fakeFrame{line: 99})

	require.NoError(t, s.pop(1))
	st := threads.get(1)
	assert.Nil(t, st.entryFrame)
}

func TestStackTracker_CurrentLinePrefersStackTopOverEntryFrame(t *testing.T) {
	s, threads, _ := newTestStackTracker(t)
	_ = threads
	s.reset(1, fakeFrame{line: 7})
	assert.Equal(t, int32(7), s.currentLine(1))

	s.push(1, fakeFrame{line: 42}, "f", "a.py", 7)
	assert.Equal(t, int32(42), s.currentLine(1))
}

func TestStackTracker_FlushPendingPopsCapsRecordsAt255(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.bin")
	w, err := writer.Open(path)
	require.NoError(t, err)
	threads := newThreadRegistry()
	s := newStackTracker(threads, NewFrameRegistry(w), w)
	s.reset(1, nil)
	st := threads.get(1)
	st.pendingPops = 300

	require.NoError(t, s.flushPendingPops(1))
	assert.Equal(t, uint32(0), st.pendingPops)
	require.NoError(t, w.Close())

	// 300 pops are written as one record of 255 and one of 45; the count
	// byte follows the 8-byte thread id in each FRAME_POP payload.
	records, err := writer.ReadRecords(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, byte(255), records[0].Payload[8])
	assert.Equal(t, byte(45), records[1].Payload[8])
}

func TestStackTracker_ResetInChildMarksSurvivingFramesUnemitted(t *testing.T) {
	s, threads, _ := newTestStackTracker(t)
	s.reset(1, nil)
	s.push(1, fakeFrame{line: 1}, "f", "a.py", 1)
	s.push(1, fakeFrame{line: 1}, "g", "a.py", 1)
	require.NoError(t, s.flushPendingPushes(1))

	s.resetInChild(1)

	st := threads.get(1)
	require.Len(t, st.stack, 2)
	assert.False(t, st.stack[0].emitted)
	assert.False(t, st.stack[1].emitted)
	assert.Equal(t, uint32(0), st.pendingPops)

	// The next flush must re-push every surviving frame from scratch.
	require.NoError(t, s.flushPendingPushes(1))
	assert.True(t, st.stack[0].emitted)
	assert.True(t, st.stack[1].emitted)
}
