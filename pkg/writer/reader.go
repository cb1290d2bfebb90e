// Copyright (c) OpenMMLab. All rights reserved.

package writer

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Record is one length-framed entry as read back from a FileWriter's
// output: a kind tag and its raw payload.
type Record struct {
	Kind    RecordKind
	Payload []byte
}

// ReadRecords decodes every record in path in order. It is the inverse
// of FileWriter's length-framing, used by offline tooling (memtracectl
// dump) and tests that need to assert on what a run actually wrote.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("writer: open %s: %w", path, err)
	}
	defer f.Close()

	var records []Record
	br := bufio.NewReader(f)
	for {
		var hdr [5]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("writer: read record header: %w", err)
		}

		kind := RecordKind(hdr[0])
		size := binary.LittleEndian.Uint32(hdr[1:])
		payload := make([]byte, size)
		if size > 0 {
			if _, err := io.ReadFull(br, payload); err != nil {
				return nil, fmt.Errorf("writer: read record payload: %w", err)
			}
		}
		records = append(records, Record{Kind: kind, Payload: payload})
	}
	return records, nil
}
