// Copyright (c) OpenMMLab. All rights reserved.

package writer

import (
	"bufio"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAllRecords(t *testing.T, path string) []RecordKind {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var kinds []RecordKind
	r := bufio.NewReader(f)
	for {
		var hdr [5]byte
		if _, err := r.Read(hdr[:1]); err != nil {
			break
		}
		if _, err := r.Read(hdr[1:]); err != nil {
			break
		}
		length := binary.LittleEndian.Uint32(hdr[1:])
		payload := make([]byte, length)
		if length > 0 {
			if _, err := r.Read(payload); err != nil {
				break
			}
		}
		kinds = append(kinds, RecordKind(hdr[0]))
	}
	return kinds
}

func TestFileWriter_WriteHeaderAndRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.bin")

	w, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, w.WriteHeader(false))
	require.NoError(t, w.WriteRecord(KindAllocation, EncodeAllocation(1, 0xAA, 16, 0, 0, 0)))
	require.NoError(t, w.WriteHeader(true))
	require.NoError(t, w.Close())

	kinds := readAllRecords(t, path)
	assert.Equal(t, []RecordKind{KindHeader, KindAllocation, KindHeader}, kinds)
}

func TestFileWriter_WriteAfterCloseFails(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(filepath.Join(dir, "trace.bin"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	err = w.WriteRecord(KindThreadRecord, EncodeThreadRecord(1, "main"))
	assert.Error(t, err)
}

func TestFileWriter_LockUnlockAroundMultipleRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.bin")
	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()

	w.Lock()
	require.NoError(t, w.WriteRecordLocked(KindMemoryMapStart, nil))
	require.NoError(t, w.WriteRecordLocked(KindSegmentHeader, EncodeSegmentHeader("/lib/libc.so", 0x1000, 1)))
	require.NoError(t, w.WriteRecordLocked(KindSegment, EncodeSegment(0x1000, 0x2000)))
	w.Unlock()

	kinds := readAllRecords(t, path)
	assert.Equal(t, []RecordKind{KindMemoryMapStart, KindSegmentHeader, KindSegment}, kinds)
}

func TestFileWriter_CloneOpensSiblingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.bin")
	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()

	clone, err := w.Clone()
	require.NoError(t, err)
	defer clone.Close()

	require.NoError(t, clone.WriteHeader(false))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestFileWriter_SecondOpenOnSamePathFailsToLock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.bin")
	w, err := Open(path)
	require.NoError(t, err)
	defer w.Close()

	_, err = Open(path)
	assert.Error(t, err)
}
