// Copyright (c) OpenMMLab. All rights reserved.

package tracker

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"memtrace/pkg/writer"
)

func openTestWriter(t *testing.T) writer.Writer {
	t.Helper()
	w, err := writer.Open(filepath.Join(t.TempDir(), "out.bin"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestFrameRegistry_SameRawFrameReturnsSameID(t *testing.T) {
	w := openTestWriter(t)
	r := NewFrameRegistry(w)

	raw := RawFrame{Function: "f", File: "a.py", ParentLineno: 10}
	id1, err := r.Intern(raw)
	require.NoError(t, err)
	id2, err := r.Intern(raw)
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
}

func TestFrameRegistry_DistinctRawFramesGetDistinctIDs(t *testing.T) {
	w := openTestWriter(t)
	r := NewFrameRegistry(w)

	id1, err := r.Intern(RawFrame{Function: "f", File: "a.py", ParentLineno: 10})
	require.NoError(t, err)
	id2, err := r.Intern(RawFrame{Function: "g", File: "a.py", ParentLineno: 10})
	require.NoError(t, err)
	id3, err := r.Intern(RawFrame{Function: "f", File: "a.py", ParentLineno: 11})
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
	assert.NotEqual(t, id1, id3)
	assert.NotEqual(t, id2, id3)
}

func TestFrameRegistry_IDsAreAssignedInFirstSeenOrder(t *testing.T) {
	w := openTestWriter(t)
	r := NewFrameRegistry(w)

	id1, err := r.Intern(RawFrame{Function: "first"})
	require.NoError(t, err)
	id2, err := r.Intern(RawFrame{Function: "second"})
	require.NoError(t, err)

	assert.Less(t, id1, id2)
}
