// Package feederr defines the tagged-enum error kinds used across the feed
// value provider (spec §7), replacing the string-keyed exception hierarchies
// the teacher's source language relies on.
package feederr

import (
	"errors"
	"fmt"
)

// Kind is a coarse, switchable error classification.
type Kind int

const (
	KindUnknown Kind = iota
	KindNoValidData
	KindInsufficientSources
	KindCircuitOpen
	KindSourceTransient
	KindCacheMiss
	KindCancelled
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindNoValidData:
		return "no_valid_data"
	case KindInsufficientSources:
		return "insufficient_sources"
	case KindCircuitOpen:
		return "circuit_open"
	case KindSourceTransient:
		return "source_transient"
	case KindCacheMiss:
		return "cache_miss"
	case KindCancelled:
		return "cancelled"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a Kind plus structured context and an optional cause.
type Error struct {
	Kind    Kind
	Feed    string
	Source  string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	parts := e.Kind.String()
	if e.Feed != "" {
		parts += " feed=" + e.Feed
	}
	if e.Source != "" {
		parts += " source=" + e.Source
	}
	if e.Message != "" {
		parts += ": " + e.Message
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", parts, e.Cause)
	}
	return parts
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, feederr.ErrX) style checks against another
// *Error such as a sentinel: errors.As extracts the *Error from target and
// the two match when their Kind is equal.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// New builds an *Error with the given kind and message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap builds an *Error with the given kind wrapping an underlying cause.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// WithFeed returns a copy of e with the Feed context field set. e itself is
// left untouched, since callers routinely chain this off package-level
// sentinels (ErrNoValidData, ErrCircuitOpen, ...) shared across goroutines.
func (e *Error) WithFeed(feed string) *Error {
	c := *e
	c.Feed = feed
	return &c
}

// WithSource returns a copy of e with the Source context field set. See
// WithFeed for why this doesn't mutate the receiver.
func (e *Error) WithSource(source string) *Error {
	c := *e
	c.Source = source
	return &c
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, otherwise
// KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Sentinel errors for simple comparisons where no context is needed.
var (
	ErrNoValidData         = New(KindNoValidData, "no valid updates to aggregate")
	ErrInsufficientSources = New(KindInsufficientSources, "too few sources after validation")
	ErrCircuitOpen         = New(KindCircuitOpen, "circuit is open")
	ErrCancelled           = New(KindCancelled, "caller cancelled")
)
