// Copyright (c) OpenMMLab. All rights reserved.

package writer

import (
	"bytes"
	"encoding/binary"
)

// Payload encoders for each record kind in spec.md §3/§6. Every record
// that can be attributed to a thread embeds its thread id, per §5's
// ordering guarantee ("each record embeds its owning thread id").

func putString(buf *bytes.Buffer, s string) {
	var n [2]byte
	binary.LittleEndian.PutUint16(n[:], uint16(len(s)))
	buf.Write(n[:])
	buf.WriteString(s)
}

func putUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putInt64(buf *bytes.Buffer, v int64) {
	putUint64(buf, uint64(v))
}

func putUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putInt32(buf *bytes.Buffer, v int32) {
	putUint32(buf, uint32(v))
}

// EncodeAllocation builds the ALLOCATION record payload of spec.md §3.
func EncodeAllocation(threadID int64, address, size uint64, allocatorKind uint8, hostLineno int32, nativeTraceIndex uint64) []byte {
	var buf bytes.Buffer
	putInt64(&buf, threadID)
	putUint64(&buf, address)
	putUint64(&buf, size)
	buf.WriteByte(allocatorKind)
	putInt32(&buf, hostLineno)
	putUint64(&buf, nativeTraceIndex)
	return buf.Bytes()
}

// EncodeFrameIndex builds the FRAME_INDEX record: the id-to-raw-frame
// binding the FrameRegistry writes on first sight of a raw frame.
func EncodeFrameIndex(frameID uint64, function, file string, parentLineno int32) []byte {
	var buf bytes.Buffer
	putUint64(&buf, frameID)
	putString(&buf, function)
	putString(&buf, file)
	putInt32(&buf, parentLineno)
	return buf.Bytes()
}

// EncodeFramePush builds a FRAME_PUSH record for one emitted frame.
func EncodeFramePush(threadID int64, frameID uint64) []byte {
	var buf bytes.Buffer
	putInt64(&buf, threadID)
	putUint64(&buf, frameID)
	return buf.Bytes()
}

// EncodeFramePop builds a FRAME_POP record coalescing `count` pops,
// count is capped at 255 by the caller (§8 scenario 3).
func EncodeFramePop(threadID int64, count uint8) []byte {
	var buf bytes.Buffer
	putInt64(&buf, threadID)
	buf.WriteByte(count)
	return buf.Bytes()
}

// EncodeNativeTraceIndex builds a NATIVE_TRACE_INDEX record binding a
// compact index to the instruction-pointer vector it was assigned to.
func EncodeNativeTraceIndex(index uint64, trace []uintptr) []byte {
	var buf bytes.Buffer
	putUint64(&buf, index)
	var n [2]byte
	binary.LittleEndian.PutUint16(n[:], uint16(len(trace)))
	buf.Write(n[:])
	for _, ip := range trace {
		putUint64(&buf, uint64(ip))
	}
	return buf.Bytes()
}

// EncodeSegmentHeader builds a SEGMENT_HEADER record for one loaded
// shared object; segmentCount tells the reader how many SEGMENT records
// follow it in the stream.
func EncodeSegmentHeader(path string, loadBias uint64, segmentCount uint16) []byte {
	var buf bytes.Buffer
	putString(&buf, path)
	putUint64(&buf, loadBias)
	var n [2]byte
	binary.LittleEndian.PutUint16(n[:], segmentCount)
	buf.Write(n[:])
	return buf.Bytes()
}

// EncodeSegment builds one PT_LOAD segment entry.
func EncodeSegment(vaddr, memsz uint64) []byte {
	var buf bytes.Buffer
	putUint64(&buf, vaddr)
	putUint64(&buf, memsz)
	return buf.Bytes()
}

// EncodeMemoryRecord builds a MEMORY_RECORD (RSS) sample.
func EncodeMemoryRecord(wallclockMs int64, rssBytes uint64) []byte {
	var buf bytes.Buffer
	putInt64(&buf, wallclockMs)
	putUint64(&buf, rssBytes)
	return buf.Bytes()
}

// EncodeThreadRecord builds a THREAD_RECORD binding a thread id to a name.
func EncodeThreadRecord(threadID int64, name string) []byte {
	var buf bytes.Buffer
	putInt64(&buf, threadID)
	putString(&buf, name)
	return buf.Bytes()
}
