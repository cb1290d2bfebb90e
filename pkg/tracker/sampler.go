// Copyright (c) OpenMMLab. All rights reserved.

package tracker

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"memtrace/pkg/metrics"
	"memtrace/pkg/writer"
)

// backgroundSampler implements component F: a goroutine that periodically
// samples process RSS and writes a MEMORY_RECORD, until stopped or until
// it hits a condition spec.md §4.F says should deactivate the tracker.
type backgroundSampler struct {
	w        writer.Writer
	threads  *threadRegistry
	interval time.Duration
	onFail   func(error)

	tid int64 // synthetic thread id, permanently marked in_tracker

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// samplerTID is out of range of any real OS thread id the embedding would
// hand the tracker, so it can never collide with a genuine caller thread.
const samplerTID = -1

func newBackgroundSampler(w writer.Writer, threads *threadRegistry, interval time.Duration, onFail func(error)) *backgroundSampler {
	return &backgroundSampler{
		w:        w,
		threads:  threads,
		interval: interval,
		onFail:   onFail,
		tid:      samplerTID,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start marks the sampler's own synthetic thread permanently in_tracker
// (so it can never recursively trigger the allocation path on its own
// bookkeeping) and launches the sampling loop.
func (s *backgroundSampler) Start() {
	st := s.threads.getOrCreate(s.tid)
	st.inTracker = true
	go s.run()
}

// Stop requests shutdown and waits for the loop to exit. Safe to call
// more than once or concurrently with the loop's own exit.
func (s *backgroundSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *backgroundSampler) run() {
	defer close(s.doneCh)

	for {
		select {
		case <-s.stopCh:
			return
		case <-time.After(s.interval):
		}

		rss, err := readRSSBytes()
		if err != nil {
			s.onFail(fmt.Errorf("rss sample: %w", err))
			return
		}
		if rss == 0 {
			s.onFail(fmt.Errorf("rss sample: got zero resident set size"))
			return
		}

		payload := writer.EncodeMemoryRecord(time.Now().UnixMilli(), rss)
		if err := s.w.WriteRecord(writer.KindMemoryRecord, payload); err != nil {
			s.onFail(fmt.Errorf("rss write: %w", err))
			return
		}
		metrics.SetRSS(rss)
	}
}

// readRSSBytes reads the resident-set-size field of /proc/self/statm and
// converts it from pages to bytes.
func readRSSBytes() (uint64, error) {
	data, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, fmt.Errorf("unexpected /proc/self/statm format: %q", data)
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, err
	}
	return pages * uint64(unix.Getpagesize()), nil
}
