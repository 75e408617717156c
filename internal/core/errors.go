// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package core

import (
	"context"
)

// Error is our own defined error type for sending errors over an RPC layer.
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	//------ Block store level errors ------//

	// ErrIOFault is returned if there is an OS-level IO error on the local disk.
	// The replica retries it a bounded number of times before surfacing it.
	ErrIOFault

	// ErrCapacityExceeded is returned when a write is beyond the volume size
	// or the disk has no room left for a new block.
	ErrCapacityExceeded

	// ErrCorruptData is returned if stored metadata or a delta can't be decoded.
	ErrCorruptData

	// ErrStoreClosed is returned for all store calls after Close.
	ErrStoreClosed

	//------ Replica level errors ------//

	// ErrStaleEpoch is returned when a request carries an epoch lower than
	// the highest epoch the replica has accepted. The sender is a superseded
	// engine and must stop operating.
	ErrStaleEpoch

	// ErrNotHealthy is returned when a replica is asked to serve a request
	// that its current state doesn't allow.
	ErrNotHealthy

	// ErrNoSuchReplica is returned when an operation names a replica that
	// isn't hosted or known.
	ErrNoSuchReplica

	// ErrNoSuchSnapshot is returned when a snapshot or delta doesn't exist.
	ErrNoSuchSnapshot

	//------ Engine level errors ------//

	// ErrWriteFailed is returned when a write couldn't reach a quorum of
	// healthy replicas within the retry window.
	ErrWriteFailed

	// ErrReadFailed is returned when every readable replica failed a read.
	ErrReadFailed

	// ErrNotAttached is returned when I/O is issued to an engine with no
	// active attachment.
	ErrNotAttached

	//------ Controller level errors ------//

	// ErrInvalidArgument is returned if an argument is bad or confusing (eg negative size)
	ErrInvalidArgument

	// ErrNoSuchVolume is returned if the volume doesn't exist.
	ErrNoSuchVolume

	// ErrVolumeExists is returned when creating a volume with a name in use.
	ErrVolumeExists

	// ErrAlreadyAttached is returned when attaching a volume that has an
	// active engine on a different node.
	ErrAlreadyAttached

	// ErrNoEligibleNode is returned when placement finds no node satisfying
	// the anti-affinity and capacity constraints.
	ErrNoEligibleNode

	// ErrNodeUnreachable is returned when a node can't be contacted. It
	// drives failover in the controller and is not surfaced to I/O callers.
	ErrNodeUnreachable

	// ErrInvalidState is returned if a request doesn't make sense for the
	// current state of the object.
	ErrInvalidState

	//------ Errors from any level ------//

	// ErrTooBusy means the server is too busy to do whatever it was asked to do.
	ErrTooBusy

	// ErrRPC is returned when the RPC layer errors during sending/receiving.
	ErrRPC

	// ErrBackupFailed is returned when exporting or fetching a backup fails.
	ErrBackupFailed

	// ErrNoSuchBackup is returned when a backup isn't in the target.
	ErrNoSuchBackup

	//------ Meta-error ------//

	// ErrUnknown is an error that we're not really sure about.
	ErrUnknown

	// ErrCanceled is returned when a request is canceled.
	ErrCanceled
)

var description = map[Error]string{
	NoError: "no error",

	ErrIOFault:          "I/O level error",
	ErrCapacityExceeded: "capacity exceeded",
	ErrCorruptData:      "stored data is corrupt",
	ErrStoreClosed:      "operation on store after it has been closed",

	ErrStaleEpoch:     "request carries a stale epoch, a newer engine is attached",
	ErrNotHealthy:     "replica is not in a state to serve this request",
	ErrNoSuchReplica:  "replica does not exist",
	ErrNoSuchSnapshot: "snapshot does not exist",

	ErrWriteFailed: "write quorum not reached",
	ErrReadFailed:  "all replicas failed the read",
	ErrNotAttached: "engine is not attached",

	ErrInvalidArgument: "invalid argument",
	ErrNoSuchVolume:    "volume does not exist",
	ErrVolumeExists:    "volume already exists",
	ErrAlreadyAttached: "volume is attached elsewhere",
	ErrNoEligibleNode:  "no eligible node for placement",
	ErrNodeUnreachable: "node unreachable",
	ErrInvalidState:    "invalid state",

	ErrTooBusy:      "too busy",
	ErrRPC:          "RPC-level error",
	ErrBackupFailed: "backup failed",
	ErrNoSuchBackup: "backup does not exist",

	ErrUnknown:  "unknown error!!!! contact a programming professional to diagnose",
	ErrCanceled: "request canceled",
}

// String returns a human readable error message.
func (e Error) String() string {
	if s, ok := description[e]; ok {
		return s
	}
	return "NO DESCRIPTION FOR ERROR FIX THIS"
}

// Error returns a golang error object with an error message corresponding to
// this core.Error.
func (e Error) Error() error {
	if e == NoError {
		return nil
	}
	return goError(e)
}

// Is checks whether the generic Go error 'g' is actually the receiver error
// underneath.
func (e Error) Is(g error) bool {
	b, ok := g.(goError)
	return ok && (Error)(b) == e
}

// goError is a wrapper type to make our Error act like Go's 'error'
type goError Error

// Error implements the 'error' interface.
func (g goError) Error() string {
	return (Error)(g).String()
}

// VolError gets the underlying core.Error from an error.
func VolError(err error) (Error, bool) {
	e, ok := err.(goError)
	return Error(e), ok
}

// FromError converts any error to a core.Error. nil maps to NoError,
// context errors map to ErrCanceled, and anything else that isn't already a
// core.Error maps to ErrUnknown.
func FromError(err error) Error {
	if err == nil {
		return NoError
	}
	if e, ok := VolError(err); ok {
		return e
	}
	if err == context.Canceled || err == context.DeadlineExceeded {
		return ErrCanceled
	}
	return ErrUnknown
}

// IsRetriableError checks if we should retry on a given returned error.
// We consider errors that might be transient to be retriable errors.
// Structural errors (epoch conflicts, capacity) are surfaced immediately.
func IsRetriableError(err Error) bool {
	switch err {
	case ErrRPC, // Failed to connect to a host, retry connecting it.
		// Make sense to backoff a little bit and retry.
		ErrTooBusy,
		// Local disk hiccup; bounded retries happen on the replica.
		ErrIOFault:
		return true
	}
	return false
}

// IsRetriableVolError checks if this is 1) core.Error 2) retriable
func IsRetriableVolError(err error) bool {
	if goerr, ok := err.(goError); ok {
		return IsRetriableError(Error(goerr))
	}
	return false
}
