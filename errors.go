// Copyright 2024-present the postpone authors. All rights reserved.
// Use of this source code is governed by a MIT-license that can be
// found in the LICENSE file.

package postpone

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound must be returned from Store implementations when a job
	// addressed by its identifier does not exist.
	ErrNotFound = errors.New("postpone: job not found")
)

// QueueingLockConstraint is the canonical identity of the store constraint
// that enforces queueing-lock uniqueness. Store implementations must report
// violations of their native constraint under this name so that the manager
// can distinguish them from any other uniqueness failure.
const QueueingLockConstraint = "postpone_jobs_queueing_lock_idx"

// UniqueViolationError is returned by Store implementations when an insert
// hits a uniqueness constraint. Constraint identifies which one.
type UniqueViolationError struct {
	Constraint string
	Err        error
}

func (e *UniqueViolationError) Error() string {
	return fmt.Sprintf("postpone: unique constraint %q violated: %v", e.Constraint, e.Err)
}

func (e *UniqueViolationError) Unwrap() error { return e.Err }

// AlreadyEnqueuedError is returned by Defer when a job with the same
// queueing lock is already active. It is an expected outcome for callers
// using queueing locks, not a store failure.
type AlreadyEnqueuedError struct {
	QueueingLock string
	Err          error
}

func (e *AlreadyEnqueuedError) Error() string {
	return fmt.Sprintf("postpone: a job with queueing lock %q is already enqueued", e.QueueingLock)
}

func (e *AlreadyEnqueuedError) Unwrap() error { return e.Err }
