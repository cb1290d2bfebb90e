// Copyright (c) OpenMMLab. All rights reserved.

// Package writer implements the binary output sink the tracker core
// streams allocation, frame and memory-map events into. spec.md treats
// the RecordWriter as an external collaborator; this package is the
// concrete implementation this repo exercises the core against.
package writer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// RecordKind tags the payload that follows in the length-framed stream.
type RecordKind uint8

const (
	KindHeader RecordKind = iota + 1
	KindAllocation
	KindFrameIndex
	KindFramePush
	KindFramePop
	KindNativeTraceIndex
	KindSegmentHeader
	KindSegment
	KindMemoryMapStart
	KindMemoryRecord
	KindThreadRecord
)

// Writer is the interface the tracker core depends on. Lock/Unlock/
// WriteRecordLocked exist so the module-map snapshotter (§4.E) can hold
// the lock across a whole header+segment run.
type Writer interface {
	WriteHeader(terminal bool) error
	WriteRecord(kind RecordKind, payload []byte) error
	WriteRecordLocked(kind RecordKind, payload []byte) error
	Lock()
	Unlock()
	Clone() (Writer, error)
	Close() error
}

// FileWriter is a length-framed binary sink backed by a single *os.File.
// In-process writers serialise on mu; cross-process writers serialise on
// an advisory flock of the underlying file, generalising the teacher's
// in-process-only storage.FileLockManager to the multi-process reality of
// a forking tracker.
type FileWriter struct {
	mu     sync.Mutex
	f      *os.File
	bw     *bufio.Writer
	path   string
	runID  uuid.UUID
	closed bool
}

// Open creates (or truncates) the file at path and takes an exclusive
// advisory lock on it for the lifetime of the writer.
func Open(path string) (*FileWriter, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("writer: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("writer: flock %s: %w", path, err)
	}
	return &FileWriter{
		f:     f,
		bw:    bufio.NewWriter(f),
		path:  path,
		runID: uuid.New(),
	}, nil
}

// WriteHeader writes a non-terminal header on construction and a terminal
// one on teardown, per spec.md §6.
func (w *FileWriter) WriteHeader(terminal bool) error {
	payload := make([]byte, 17)
	if terminal {
		payload[0] = 1
	}
	copy(payload[1:], w.runID[:])
	return w.WriteRecord(KindHeader, payload)
}

func (w *FileWriter) WriteRecord(kind RecordKind, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeLocked(kind, payload)
}

func (w *FileWriter) WriteRecordLocked(kind RecordKind, payload []byte) error {
	return w.writeLocked(kind, payload)
}

func (w *FileWriter) writeLocked(kind RecordKind, payload []byte) error {
	if w.closed {
		return fmt.Errorf("writer: closed")
	}
	var hdr [5]byte
	hdr[0] = byte(kind)
	binary.LittleEndian.PutUint32(hdr[1:], uint32(len(payload)))
	if _, err := w.bw.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.bw.Write(payload); err != nil {
			return err
		}
	}
	return w.bw.Flush()
}

func (w *FileWriter) Lock()   { w.mu.Lock() }
func (w *FileWriter) Unlock() { w.mu.Unlock() }

// Clone opens a fresh sibling file for a forked child process, per
// spec.md §4.G's "ask its writer to clone itself for the child process".
// Rather than duplicating the parent's fd (which would interleave two
// processes' records into one file) each process gets its own file,
// suffixed with its pid, and takes its own exclusive lock.
func (w *FileWriter) Clone() (Writer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, fmt.Errorf("writer: clone of closed writer")
	}
	childPath := fmt.Sprintf("%s.%d", w.path, os.Getpid())
	return Open(childPath)
}

func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return err
	}
	// Unlocked implicitly when the fd is closed.
	return w.f.Close()
}
