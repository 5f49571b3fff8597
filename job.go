// Copyright 2024-present the postpone authors. All rights reserved.
// Use of this source code is governed by a MIT-license that can be
// found in the LICENSE file.

package postpone

import (
	"encoding/json"
	"time"
)

// Status describes where a job is in its lifecycle.
type Status string

const (
	// StatusTodo means the job is waiting to be claimed by a worker.
	StatusTodo Status = "todo"
	// StatusDoing means the job has been claimed and is being executed.
	StatusDoing Status = "doing"
	// StatusSucceeded means the job completed without error.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means the job completed with an error.
	StatusFailed Status = "failed"
)

// Valid reports whether s is one of the four known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusTodo, StatusDoing, StatusSucceeded, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// DefaultQueue is used when a job is deferred without a queue name.
const DefaultQueue = "default"

// Job is a unit of work stored in the queue.
//
// Lock serializes execution: no two jobs sharing the same lock are ever
// in the doing state at the same time, and jobs sharing a lock are
// claimed in creation order. QueueingLock enforces uniqueness at defer
// time: at most one job carrying a given queueing lock may be active
// (todo or doing) at any instant.
type Job struct {
	ID           int64           `json:"id"`            // store-assigned identifier
	Queue        string          `json:"queue"`         // logical queue name
	TaskName     string          `json:"task"`          // task that processes this job
	Lock         string          `json:"lock"`          // execution serialization token
	QueueingLock string          `json:"queueing_lock"` // defer-time uniqueness token
	Args         json.RawMessage `json:"args"`          // opaque payload passed to the task
	Status       Status          `json:"status"`        // current lifecycle status
	ScheduledAt  *time.Time      `json:"scheduled_at"`  // earliest claim time, nil for immediately
	Attempts     int             `json:"attempts"`      // number of times the job was claimed
}
