// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package domain

import (
	"errors"
	"fmt"
)

// -----------------------------------------------------------------------------
// Error Kinds
// -----------------------------------------------------------------------------

// ErrorKind classifies every failure the catalog core can report to a caller.
type ErrorKind int

const (
	// KindUnknown is never returned by the core; it marks foreign errors.
	KindUnknown ErrorKind = iota
	KindValidation
	KindNotFound
	KindDuplicateName
	KindCycle
	KindHasChildren
	KindNotEmpty
	KindStoreUnavailable
	KindDerivedStoreDegraded
	KindConflict
)

// String returns the taxonomy name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "ValidationFailure"
	case KindNotFound:
		return "NotFound"
	case KindDuplicateName:
		return "DuplicateName"
	case KindCycle:
		return "CycleError"
	case KindHasChildren:
		return "HasChildren"
	case KindNotEmpty:
		return "NotEmpty"
	case KindStoreUnavailable:
		return "StoreUnavailable"
	case KindDerivedStoreDegraded:
		return "DerivedStoreDegraded"
	case KindConflict:
		return "Conflict"
	default:
		return "Unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinels
// -----------------------------------------------------------------------------

var (
	// ErrValidation is returned when malformed input reaches the core.
	ErrValidation = errors.New("validation failure")

	// ErrNotFound is returned when a referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateName is returned when a category or tag name is already taken.
	ErrDuplicateName = errors.New("duplicate name")

	// ErrCycle is returned when a move would make a node its own ancestor.
	ErrCycle = errors.New("cycle detected")

	// ErrHasChildren is returned when deleting a category that still has children.
	ErrHasChildren = errors.New("category has children")

	// ErrNotEmpty is returned when deleting an entity that resources still reference.
	ErrNotEmpty = errors.New("entity has attached resources")

	// ErrStoreUnavailable is returned when the primary store cannot serve a request.
	ErrStoreUnavailable = errors.New("primary store unavailable")

	// ErrDerivedStoreDegraded marks search index or cache failures. Never returned to callers.
	ErrDerivedStoreDegraded = errors.New("derived store degraded")

	// ErrConflict is returned when an optimistic update lost against a concurrent writer.
	ErrConflict = errors.New("version conflict")
)

var sentinels = map[ErrorKind]error{
	KindValidation:           ErrValidation,
	KindNotFound:             ErrNotFound,
	KindDuplicateName:        ErrDuplicateName,
	KindCycle:                ErrCycle,
	KindHasChildren:          ErrHasChildren,
	KindNotEmpty:             ErrNotEmpty,
	KindStoreUnavailable:     ErrStoreUnavailable,
	KindDerivedStoreDegraded: ErrDerivedStoreDegraded,
	KindConflict:             ErrConflict,
}

// -----------------------------------------------------------------------------
// Structured Error
// -----------------------------------------------------------------------------

// Error is the structured error returned by every catalog operation.
//
// Description:
//
//	Carries the taxonomy kind, the operation that failed and the entity it
//	concerned. errors.Is matches the kind's sentinel, so callers can write
//	errors.Is(err, domain.ErrCycle) without inspecting fields.
//
//	For KindStoreUnavailable the message never includes the cause text, so raw
//	store errors do not leak to callers. The cause stays reachable via Unwrap.
type Error struct {
	Kind   ErrorKind
	Op     string
	ID     string
	Detail string
	Err    error
}

// Error implements error.
func (e *Error) Error() string {
	msg := sentinels[e.Kind]
	text := "unknown error"
	if msg != nil {
		text = msg.Error()
	}
	if e.Detail != "" {
		text = text + ": " + e.Detail
	}
	if e.ID != "" {
		text = fmt.Sprintf("%s %q: %s", e.Op, e.ID, text)
	} else if e.Op != "" {
		text = e.Op + ": " + text
	}
	return text
}

// Unwrap exposes the cause for errors.As and the sentinel for errors.Is.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := sentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// E builds a structured error.
func E(kind ErrorKind, op, id string, cause error) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: cause}
}

// Errorf builds a structured error with a formatted detail message.
func Errorf(kind ErrorKind, op, id, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Detail: fmt.Sprintf(format, args...)}
}

// KindOf reports the taxonomy kind of err, or KindUnknown.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	for kind, s := range sentinels {
		if errors.Is(err, s) {
			return kind
		}
	}
	return KindUnknown
}

// Normalize converts any error into a taxonomy error for op.
//
// Errors that already carry a kind keep it. Everything else is treated as a
// primary store failure, because that is the only foreign error source on the
// authoritative path.
func Normalize(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		if de.Op == "" {
			de.Op = op
		}
		return de
	}
	if kind := KindOf(err); kind != KindUnknown {
		return &Error{Kind: kind, Op: op, ID: id, Err: err}
	}
	return &Error{Kind: KindStoreUnavailable, Op: op, ID: id, Err: err}
}
