// Copyright 2024-present the postpone authors. All rights reserved.
// Use of this source code is governed by a MIT-license that can be
// found in the LICENSE file.

package postpone

// QueueStats is the per-queue breakdown of job counts by status. All four
// status counts are always present; a status with no jobs counts zero.
type QueueStats struct {
	Name      string `json:"name"`       // queue name
	JobsCount int    `json:"jobs_count"` // total number of jobs
	Todo      int    `json:"todo"`
	Doing     int    `json:"doing"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// TaskStats is the per-task breakdown of job counts by status.
type TaskStats struct {
	Name      string `json:"name"`       // task name
	JobsCount int    `json:"jobs_count"` // total number of jobs
	Todo      int    `json:"todo"`
	Doing     int    `json:"doing"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}
