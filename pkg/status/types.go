// Copyright (c) OpenMMLab. All rights reserved.

package status

import "memtrace/pkg/version"

// StatsResponse is the /stats endpoint's JSON body.
type StatsResponse struct {
	Version version.Info `json:"version"`
	Active  bool         `json:"tracker_active"`
}
