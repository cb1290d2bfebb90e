// Copyright (c) OpenMMLab. All rights reserved.

package replay

import (
	"fmt"
	"sync"

	"memtrace/pkg/tracker"
)

// simLine is replay's HostFrame implementation: a fixed line captured
// from the scenario script rather than queried live from a running
// interpreter frame.
type simLine struct{ line int32 }

func (s simLine) Line() int32 { return s.line }

// Run drives every thread script in the scenario against tr,
// concurrently, and waits for all of them to finish. The tid named in
// each ThreadScript is passed straight through to the tracker's entry
// points, exactly as an embedding would pass an OS thread id.
func Run(tr *tracker.Tracker, s *Scenario) error {
	var wg sync.WaitGroup
	errs := make([]error, len(s.Threads))

	for i, script := range s.Threads {
		wg.Add(1)
		go func(i int, script ThreadScript) {
			defer wg.Done()
			errs[i] = runThread(tr, script)
		}(i, script)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func runThread(tr *tracker.Tracker, script ThreadScript) error {
	tr.InstallHook(script.TID, nil)

	for i, ev := range script.Events {
		switch {
		case ev.Call != nil:
			if err := tr.HandleEvent(script.TID, simLine{line: ev.Call.Line}, tracker.EventCall,
				[]byte(ev.Call.Function), []byte(ev.Call.File)); err != nil {
				return fmt.Errorf("replay: thread %d event %d: %w", script.TID, i, err)
			}
		case ev.Return != nil:
			if err := tr.HandleEvent(script.TID, nil, tracker.EventReturn, nil, nil); err != nil {
				return fmt.Errorf("replay: thread %d event %d: %w", script.TID, i, err)
			}
		case ev.Allocate != nil:
			kind, err := tracker.ParseAllocatorKind(ev.Allocate.Kind)
			if err != nil {
				return fmt.Errorf("replay: thread %d event %d: %w", script.TID, i, err)
			}
			tr.TrackAllocation(script.TID, ev.Allocate.Address, ev.Allocate.Size, kind)
		case ev.Deallocate != nil:
			kind, err := tracker.ParseAllocatorKind(ev.Deallocate.Kind)
			if err != nil {
				return fmt.Errorf("replay: thread %d event %d: %w", script.TID, i, err)
			}
			tr.TrackDeallocation(script.TID, ev.Deallocate.Address, ev.Deallocate.Size, kind)
		case ev.RegisterName != nil:
			if err := tr.RegisterThreadName(script.TID, *ev.RegisterName); err != nil {
				return fmt.Errorf("replay: thread %d event %d: %w", script.TID, i, err)
			}
		case ev.Fork != nil:
			// A simulated fork is only meaningful replayed sequentially,
			// since it reassigns the process-wide observer; scenarios
			// that fork should use a single-threaded script.
			tr.BeforeFork(script.TID)
			next, err := tr.AfterForkChild(script.TID, simLine{})
			if err != nil {
				return fmt.Errorf("replay: thread %d event %d: %w", script.TID, i, err)
			}
			if next != nil {
				tr = next
			}
		}
	}
	return nil
}
