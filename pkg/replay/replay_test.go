// Copyright (c) OpenMMLab. All rights reserved.

package replay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"memtrace/pkg/tracker"
	"memtrace/pkg/writer"
)

func newScenarioFile(t *testing.T, s Scenario) string {
	t.Helper()
	data, err := yaml.Marshal(s)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoad_ParsesScenarioFile(t *testing.T) {
	s := Scenario{Threads: []ThreadScript{
		{TID: 1, Events: []Event{
			{Call: &CallEvent{Function: "f", File: "a.py", Line: 1}},
			{Allocate: &AllocEvent{Address: 1, Size: 128, Kind: "malloc"}},
			{Return: &struct{}{}},
		}},
	}}
	path := newScenarioFile(t, s)

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Len(t, loaded.Threads, 1)
	require.Len(t, loaded.Threads[0].Events, 3)
}

func TestRun_SingleThreadCallAllocateReturn(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "out.bin")
	w, err := writer.Open(outPath)
	require.NoError(t, err)

	tr, err := tracker.CreateTracker(w, tracker.Config{}, 1, nil)
	require.NoError(t, err)
	defer tracker.DestroyTracker(tr, 1)

	s := &Scenario{Threads: []ThreadScript{
		{TID: 1, Events: []Event{
			{Call: &CallEvent{Function: "f", File: "a.py", Line: 1}},
			{Allocate: &AllocEvent{Address: 0x1000, Size: 64, Kind: "malloc"}},
			{Return: &struct{}{}},
		}},
	}}

	require.NoError(t, Run(tr, s))
}

func TestRun_UnknownAllocatorKindIsAnError(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "out.bin")
	w, err := writer.Open(outPath)
	require.NoError(t, err)

	tr, err := tracker.CreateTracker(w, tracker.Config{}, 1, nil)
	require.NoError(t, err)
	defer tracker.DestroyTracker(tr, 1)

	s := &Scenario{Threads: []ThreadScript{
		{TID: 1, Events: []Event{
			{Allocate: &AllocEvent{Address: 1, Size: 1, Kind: "bogus"}},
		}},
	}}

	require.Error(t, Run(tr, s))
}

func TestRun_MultipleThreadsRunConcurrentlyWithoutError(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "out.bin")
	w, err := writer.Open(outPath)
	require.NoError(t, err)

	tr, err := tracker.CreateTracker(w, tracker.Config{}, 1, nil)
	require.NoError(t, err)
	defer tracker.DestroyTracker(tr, 1)

	s := &Scenario{Threads: []ThreadScript{
		{TID: 1, Events: []Event{{Allocate: &AllocEvent{Address: 1, Size: 1, Kind: "malloc"}}}},
		{TID: 2, Events: []Event{{Allocate: &AllocEvent{Address: 2, Size: 2, Kind: "malloc"}}}},
		{TID: 3, Events: []Event{{Allocate: &AllocEvent{Address: 3, Size: 3, Kind: "malloc"}}}},
	}}

	require.NoError(t, Run(tr, s))
}
