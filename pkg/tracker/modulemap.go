// Copyright (c) OpenMMLab. All rights reserved.

package tracker

import (
	"bufio"
	"debug/elf"
	"fmt"
	"os"
	"strconv"
	"strings"

	"memtrace/pkg/writer"
)

// moduleMapSnapshotter implements component E: it walks the process's
// loaded shared objects and records their PT_LOAD segments. Grounded on
// the pack's own stdlib-only ELF reading (debug/elf, debug/buildinfo) —
// see DESIGN.md for why no third-party unwinder/ELF library from the
// pack is a better fit here.
type moduleMapSnapshotter struct {
	w writer.Writer
}

func newModuleMapSnapshotter(w writer.Writer) *moduleMapSnapshotter {
	return &moduleMapSnapshotter{w: w}
}

// Snapshot writes a MEMORY_MAP_START record followed by one
// SEGMENT_HEADER/SEGMENT run per loaded object, holding the writer's
// lock for the whole run so nothing else can interleave records into the
// middle of a snapshot (spec.md §4.E).
func (m *moduleMapSnapshotter) Snapshot() error {
	entries, err := readProcMaps(os.Getpid())
	if err != nil {
		return err
	}

	m.w.Lock()
	defer m.w.Unlock()

	if err := m.w.WriteRecordLocked(writer.KindMemoryMapStart, nil); err != nil {
		return err
	}

	for _, e := range entries {
		path := e.path
		if isVDSO(path) {
			continue
		}
		if path == "" {
			exe, err := os.Executable()
			if err != nil {
				continue
			}
			path = exe
		}

		segs, err := elfLoadSegments(path)
		if err != nil {
			// Not every mapped path is an ELF object this process can
			// parse (e.g. a data file mapped read-only); skip it rather
			// than fail the whole snapshot.
			continue
		}
		if len(segs) == 0 {
			continue
		}

		header := writer.EncodeSegmentHeader(path, e.start, uint16(len(segs)))
		if err := m.w.WriteRecordLocked(writer.KindSegmentHeader, header); err != nil {
			return err
		}
		for _, s := range segs {
			payload := writer.EncodeSegment(s.vaddr, s.memsz)
			if err := m.w.WriteRecordLocked(writer.KindSegment, payload); err != nil {
				return err
			}
		}
	}
	return nil
}

type mapsEntry struct {
	start uint64
	path  string
}

// readProcMaps parses /proc/<pid>/maps into one entry per distinct
// mapped path, keeping the lowest start address seen for each (the
// convention debuggers use to compute a module's load bias).
func readProcMaps(pid int) ([]mapsEntry, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lowest := make(map[string]uint64)
	var order []string

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			continue
		}
		start, err := strconv.ParseUint(bounds[0], 16, 64)
		if err != nil {
			continue
		}
		path := ""
		if len(fields) >= 6 {
			path = strings.Join(fields[5:], " ")
		}
		if path == "" || strings.HasPrefix(path, "[") {
			continue
		}
		if cur, ok := lowest[path]; !ok {
			lowest[path] = start
			order = append(order, path)
		} else if start < cur {
			lowest[path] = start
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	entries := make([]mapsEntry, 0, len(order))
	for _, p := range order {
		entries = append(entries, mapsEntry{start: lowest[p], path: p})
	}
	return entries, nil
}

func isVDSO(path string) bool {
	base := path
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	return strings.HasPrefix(base, "linux-vdso.so")
}

type ptload struct{ vaddr, memsz uint64 }

func elfLoadSegments(path string) ([]ptload, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var segs []ptload
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		segs = append(segs, ptload{vaddr: prog.Vaddr, memsz: prog.Memsz})
	}
	return segs, nil
}
