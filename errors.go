// Copyright 2019 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package perfdb

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateIdentifier is matched (using errors.Is) by errors
	// reporting that an entity identifier was registered twice.
	ErrDuplicateIdentifier = errors.New("perfdb: duplicate identifier")

	// ErrNotInitialized is returned by Session methods called before Init.
	ErrNotInitialized = errors.New("perfdb: session not initialized")

	// ErrAlreadyInitialized is returned by a second call to Session.Init.
	ErrAlreadyInitialized = errors.New("perfdb: session already initialized")

	// ErrFinalized is returned by Session methods called after Finalize.
	ErrFinalized = errors.New("perfdb: session finalized")
)

// DuplicateIdentifierError reports an attempt to register an identifier
// which is already present in a registry. The existing entry is kept.
type DuplicateIdentifierError struct {
	Registry string
	ID       uint64
}

func (e *DuplicateIdentifierError) Error() string {
	return fmt.Sprintf("perfdb: %s: duplicate identifier %d", e.Registry, e.ID)
}

// Is makes DuplicateIdentifierError match ErrDuplicateIdentifier.
func (e *DuplicateIdentifierError) Is(target error) bool {
	return target == ErrDuplicateIdentifier
}

// PersistenceError wraps a failure of the underlying Store. A session
// which observes a PersistenceError becomes unusable.
type PersistenceError struct {
	Op    string // "create schema", "insert", "insert batch", "create index"
	Table string // empty if the operation concerns no specific table
	Err   error
}

func (e *PersistenceError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("perfdb: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("perfdb: %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistenceError reports whether err is, or wraps, a PersistenceError.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
