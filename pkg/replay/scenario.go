// Copyright (c) OpenMMLab. All rights reserved.

// Package replay feeds a YAML-scripted scenario of synthetic host events
// through the tracker core. Since this repo has no real CPython (or any
// other host interpreter) to embed, this is how both its own tests and
// the --replay flag of `memtraced run` exercise the allocation path and the
// trace hook bridge end to end.
package replay

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is the top-level scenario document: one script per simulated
// thread, run concurrently.
type Scenario struct {
	Threads []ThreadScript `yaml:"threads"`
}

// ThreadScript is one simulated thread's ordered event sequence.
type ThreadScript struct {
	TID    int64   `yaml:"tid"`
	Events []Event `yaml:"events"`
}

// Event is a tagged union of the host events the tracker understands.
// Exactly one field should be non-nil.
type Event struct {
	Call         *CallEvent  `yaml:"call,omitempty"`
	Return       *struct{}   `yaml:"return,omitempty"`
	Allocate     *AllocEvent `yaml:"allocate,omitempty"`
	Deallocate   *AllocEvent `yaml:"deallocate,omitempty"`
	Fork         *ForkEvent  `yaml:"fork,omitempty"`
	RegisterName *string     `yaml:"register_name,omitempty"`
}

// CallEvent pushes a synthetic frame.
type CallEvent struct {
	Function string `yaml:"function"`
	File     string `yaml:"file"`
	Line     int32  `yaml:"line"`
}

// AllocEvent drives TrackAllocation/TrackDeallocation.
type AllocEvent struct {
	Address uint64 `yaml:"address"`
	Size    uint64 `yaml:"size"`
	Kind    string `yaml:"kind"`
}

// ForkEvent simulates a fork at this point in the thread's script. A
// scenario may only fork on the thread that created the tracker, since
// that is the only thread replay has a real OS-level fork story for.
// Load does not check this; it only parses the file.
type ForkEvent struct {
	FollowFork bool `yaml:"follow_fork"`
}

// Load reads and parses a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("replay: read %s: %w", path, err)
	}
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("replay: parse %s: %w", path, err)
	}
	return &s, nil
}
