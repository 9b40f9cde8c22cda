package ingest

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind partitions failures so the worker pool can decide between retry,
// terminal failure, and requeue-for-adapter-fix.
type ErrorKind int

// Error kinds recognized by the worker pool.
const (
	// KindTransient covers timeouts, resets and 5xx; retried with backoff
	// and proxy rotation up to the attempts ceiling.
	KindTransient ErrorKind = iota
	// KindPermanent covers 404s and explicit block signatures; terminal.
	KindPermanent
	// KindParse covers sentinel or empty extracted fields; the entry ends
	// up parked so a revised adapter can reprocess it.
	KindParse
	// KindInvariant marks identity/dedup violations. Never retried; these
	// must be impossible by construction, so one surfacing is fatal.
	KindInvariant
)

// ErrNoPending is returned by LeaseNext when no entry is leasable.
var ErrNoPending = errors.New("no pending frontier entries")

// ErrDuplicateAllocation reports a globalId handed out twice. Fatal.
var ErrDuplicateAllocation = errors.New("duplicate global id allocation")

// FetchError wraps a fetch failure with its kind and HTTP status, if any.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch failed (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch failed: %v", e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError classifies an HTTP status into a FetchError.
func NewFetchError(status int, err error) *FetchError {
	kind := KindTransient
	switch status {
	case http.StatusNotFound, http.StatusGone:
		kind = KindPermanent
	case http.StatusForbidden, http.StatusUnavailableForLegalReasons:
		// Explicit block signature from the target.
		kind = KindPermanent
	}
	return &FetchError{Kind: kind, StatusCode: status, Err: err}
}

// ParseError reports that an adapter produced a known-bad or empty field.
type ParseError struct {
	Field  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse failed: %s: %s", e.Field, e.Reason)
}

// KindOf maps an error to its ErrorKind. Unknown errors default to
// transient so they stay bounded by the attempts ceiling rather than being
// silently dropped.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindTransient
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var pe *ParseError
	if errors.As(err, &pe) {
		return KindParse
	}
	if errors.Is(err, ErrDuplicateAllocation) {
		return KindInvariant
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindTransient
}
