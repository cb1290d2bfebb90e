// Copyright (c) OpenMMLab. All rights reserved.

package tracker

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"memtrace/pkg/metrics"
	"memtrace/pkg/nativetrie"
	"memtrace/pkg/writer"
)

// Config is the tracker configuration of spec.md §3/§6.
type Config struct {
	// NativeTraces enables native-stack unwinding on each allocation.
	NativeTraces bool
	// MemoryIntervalMs is the RSS background sampler's period.
	MemoryIntervalMs uint32
	// FollowFork keeps tracking across fork(2) in the child when true.
	FollowFork bool
}

// Tracker is the process-wide singleton of component G. Construction and
// destruction are control-surface operations spec.md §6 requires the
// host's own global lock to serialise; this type does not take its own
// lock around Create/Destroy for that reason.
type Tracker struct {
	cfg     Config
	w       writer.Writer
	threads *threadRegistry
	frames  *FrameRegistry
	stack   *stackTracker
	trie    *nativetrie.Trie
	sampler *backgroundSampler
	active  atomic.Bool
}

var (
	procOnce sync.Once
	observer atomic.Pointer[Tracker]
)

// GetTracker is the control surface's observer accessor (spec.md §6). It
// never blocks and never touches the tracker it returns.
func GetTracker() *Tracker {
	return observer.Load()
}

// Active reports whether tracking is currently active.
func (t *Tracker) Active() bool {
	return t.active.Load()
}

// CreateTracker constructs and activates the singleton, per the
// seven-step sequence of spec.md §4.G. tid/currentFrame identify the
// calling thread and its currently executing host frame, used to install
// the trace hook there and seed the entry frame.
func CreateTracker(w writer.Writer, cfg Config, tid int64, currentFrame HostFrame) (*Tracker, error) {
	t := &Tracker{cfg: cfg, w: w, threads: newThreadRegistry()}
	t.frames = NewFrameRegistry(w)
	t.stack = newStackTracker(t.threads, t.frames, w)
	t.trie = nativetrie.New()

	// 1. Store the observer pointer before hooks are installed.
	observer.Store(t)

	// 2. One-time-per-process initialisation.
	procOnce.Do(registerForkHandlers)

	// 3. Write the non-terminal header.
	if err := w.WriteHeader(false); err != nil {
		observer.Store(nil)
		return nil, fmt.Errorf("tracker: write header: %w", err)
	}

	// 4. Initial module-map snapshot.
	if err := newModuleMapSnapshotter(w).Snapshot(); err != nil {
		observer.Store(nil)
		return nil, fmt.Errorf("tracker: module map snapshot: %w", err)
	}

	// 5. Install the trace hook on the current thread.
	t.InstallHook(tid, currentFrame)

	// 6. Start the background sampler, unless sampling is disabled
	// (MemoryIntervalMs == 0).
	if cfg.MemoryIntervalMs > 0 {
		interval := time.Duration(cfg.MemoryIntervalMs) * time.Millisecond
		t.sampler = newBackgroundSampler(w, t.threads, interval, t.fail)
		t.sampler.Start()
	}

	// 7. Activate.
	t.active.Store(true)
	metrics.SetActive(true)
	return t, nil
}

// DestroyTracker tears the tracker down per spec.md §4.G's seven-step
// sequence, clearing the observer pointer last.
func DestroyTracker(t *Tracker, tid int64) error {
	t.active.Store(false)
	metrics.SetActive(false)

	if t.sampler != nil {
		t.sampler.Stop()
	}

	t.stack.reset(tid, nil)

	// Restoring the interposer's original symbols is the interposer's
	// own responsibility (spec.md §1 out-of-scope collaborator); nothing
	// to do here.

	var err error
	if werr := t.w.WriteHeader(true); werr != nil {
		err = werr
	}
	if cerr := t.w.Close(); cerr != nil && err == nil {
		err = cerr
	}

	observer.Store(nil)
	return err
}

// RegisterThreadName is the control surface's registerThreadName
// operation (spec.md §6): writes a THREAD_RECORD binding tid to name,
// under the same re-entrancy guard as the allocation path.
func (t *Tracker) RegisterThreadName(tid int64, name string) error {
	if !t.active.Load() {
		return nil
	}
	st := t.threads.getOrCreate(tid)
	guard, ok := AcquireGuard(st)
	if !ok {
		return nil
	}
	defer guard.Release()

	if err := t.w.WriteRecord(writer.KindThreadRecord, writer.EncodeThreadRecord(tid, name)); err != nil {
		t.fail(err)
		return err
	}
	return nil
}
