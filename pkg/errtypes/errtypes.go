// Copyright 2026 The Hyperfs Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errtypes contains definitions for the errors the hard core
// surfaces. It would have been nice to call this package errors, err or
// error, but errors clashes with github.com/pkg/errors, err is used for any
// error variable, and error is a reserved word.
//
// Every member is a named string type with an IsXxx() marker method, so
// callers map errors to behavior with a type switch instead of string
// matching.
package errtypes

// NotFound is returned when a node or blob does not exist.
type NotFound string

func (e NotFound) Error() string { return "not found: " + string(e) }

// IsNotFound implements IsNotFound.
func (e NotFound) IsNotFound() {}

// AlreadyExists is returned when an insert would violate a uniqueness
// constraint outside of the name-conflict path (e.g. inserting a blob record
// that already exists with a different caller expectation).
type AlreadyExists string

func (e AlreadyExists) Error() string { return "already exists: " + string(e) }

// IsAlreadyExists implements IsAlreadyExists.
func (e AlreadyExists) IsAlreadyExists() {}

// BadRequest is returned when a caller-supplied parameter is missing or
// malformed.
type BadRequest string

func (e BadRequest) Error() string { return "bad request: " + string(e) }

// IsBadRequest implements IsBadRequest.
func (e BadRequest) IsBadRequest() {}

// IsDirectory is returned when a file-only operation is applied to a
// directory node.
type IsDirectory string

func (e IsDirectory) Error() string { return "is a directory: " + string(e) }

// IsIsDirectory implements IsIsDirectory.
func (e IsDirectory) IsIsDirectory() {}

// BadTarget is returned when an operation's target node is not the right
// kind (e.g. a move destination parent that is a file, not a directory).
type BadTarget string

func (e BadTarget) Error() string { return "bad target: " + string(e) }

// IsBadTarget implements IsBadTarget.
func (e BadTarget) IsBadTarget() {}

// NameConflict is returned when (parent_id, name) already has a sibling and
// the caller's conflict strategy is FAIL.
type NameConflict string

func (e NameConflict) Error() string { return "name conflict: " + string(e) }

// IsNameConflict implements IsNameConflict.
func (e NameConflict) IsNameConflict() {}

// CycleForbidden is returned when a move would place a node inside its own
// subtree.
type CycleForbidden string

func (e CycleForbidden) Error() string { return "cycle forbidden: " + string(e) }

// IsCycleForbidden implements IsCycleForbidden.
func (e CycleForbidden) IsCycleForbidden() {}

// DigestCollision is returned when a blob insert observes the same digest
// with a different size than the stored record — an invariant breach.
type DigestCollision string

func (e DigestCollision) Error() string { return "digest collision: " + string(e) }

// IsDigestCollision implements IsDigestCollision.
func (e DigestCollision) IsDigestCollision() {}

// InvalidState is returned when a blob operation is attempted against a
// record whose refcount has already fallen to zero or below.
type InvalidState string

func (e InvalidState) Error() string { return "invalid state: " + string(e) }

// IsInvalidState implements IsInvalidState.
func (e InvalidState) IsInvalidState() {}

// InvariantViolation is returned when the catalog or blob store observes
// state that should be impossible under the documented invariants.
type InvariantViolation string

func (e InvariantViolation) Error() string { return "invariant violation: " + string(e) }

// IsInvariantViolation implements IsInvariantViolation.
func (e InvariantViolation) IsInvariantViolation() {}

// MissingBlob is returned when a file node references a digest with no
// backing blob record or on-disk file — catalog/filesystem divergence.
type MissingBlob string

func (e MissingBlob) Error() string { return "missing blob: " + string(e) }

// IsMissingBlob implements IsMissingBlob.
func (e MissingBlob) IsMissingBlob() {}

// RangeNotSatisfiable is returned when an HTTP Range header cannot be
// satisfied against the resource's size.
type RangeNotSatisfiable string

func (e RangeNotSatisfiable) Error() string { return "range not satisfiable: " + string(e) }

// IsRangeNotSatisfiable implements IsRangeNotSatisfiable.
func (e RangeNotSatisfiable) IsRangeNotSatisfiable() {}

// TransportError wraps an I/O failure that should surface as an opaque
// internal error to callers outside the core.
type TransportError string

func (e TransportError) Error() string { return "transport error: " + string(e) }

// IsTransportError implements IsTransportError.
func (e TransportError) IsTransportError() {}

// IsNotFound is the interface to implement to specify that a resource is
// not found.
type IsNotFound interface{ IsNotFound() }

// IsAlreadyExists is the interface to implement to specify that a resource
// already exists.
type IsAlreadyExists interface{ IsAlreadyExists() }

// IsBadRequest is the interface to implement to specify a malformed request.
type IsBadRequest interface{ IsBadRequest() }

// IsIsDirectory is the interface to implement to specify that the node is a
// directory.
type IsIsDirectory interface{ IsIsDirectory() }

// IsBadTarget is the interface to implement to specify that the wrong kind
// of node was targeted.
type IsBadTarget interface{ IsBadTarget() }

// IsNameConflict is the interface to implement to specify a sibling name
// collision.
type IsNameConflict interface{ IsNameConflict() }

// IsCycleForbidden is the interface to implement to specify a forbidden
// move into a node's own subtree.
type IsCycleForbidden interface{ IsCycleForbidden() }

// IsDigestCollision is the interface to implement to specify a digest/size
// mismatch.
type IsDigestCollision interface{ IsDigestCollision() }

// IsInvalidState is the interface to implement to specify an operation
// attempted against an invalid refcount state.
type IsInvalidState interface{ IsInvalidState() }

// IsInvariantViolation is the interface to implement to specify a broken
// catalog invariant.
type IsInvariantViolation interface{ IsInvariantViolation() }

// IsMissingBlob is the interface to implement to specify catalog/filesystem
// divergence.
type IsMissingBlob interface{ IsMissingBlob() }

// IsRangeNotSatisfiable is the interface to implement to specify an
// unsatisfiable Range request.
type IsRangeNotSatisfiable interface{ IsRangeNotSatisfiable() }

// IsTransportError is the interface to implement to specify an I/O failure.
type IsTransportError interface{ IsTransportError() }
