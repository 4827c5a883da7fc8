package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so callers can map it to a response without the
// core knowing about any transport.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindUpstream   Kind = "upstream"
	KindInternal   Kind = "internal"
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return e.Op + ": " + msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors by kind and message so wrapped copies still compare equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message && t.Op == ""
}

var (
	ErrScannerAlreadyRunning = &Error{Kind: KindConflict, Message: "scanner already running"}
	ErrScannerNotFound       = &Error{Kind: KindNotFound, Message: "scanner not found"}
	ErrBlockchainNotFound    = &Error{Kind: KindNotFound, Message: "blockchain not found"}
	ErrBlockchainDisabled    = &Error{Kind: KindValidation, Message: "blockchain is currently disabled"}
	ErrScanningDisabled      = &Error{Kind: KindValidation, Message: "scanning is disabled for blockchain"}
	ErrEventsNotFound        = &Error{Kind: KindNotFound, Message: "no events found"}
)

// WithChain attaches chain context to a sentinel while keeping errors.Is working.
func WithChain(sentinel *Error, chainID ChainID) error {
	return fmt.Errorf("chain %d: %w", chainID, sentinel)
}

func ValidationError(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Message: msg}
}

func NotFoundError(op, msg string) error {
	return &Error{Kind: KindNotFound, Op: op, Message: msg}
}

func ConflictError(op, msg string) error {
	return &Error{Kind: KindConflict, Op: op, Message: msg}
}

func UpstreamError(op, msg string, err error) error {
	return &Error{Kind: KindUpstream, Op: op, Message: msg, Err: err}
}

// KindOf returns the kind of the first classified error in the chain, or
// KindInternal for anything unclassified.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// ClassifyScanError maps a range-scan failure to a classified error.
// Validation errors pass through; timeouts and rate limits become upstream
// errors with a stable message; anything else is an upstream scanner error.
func ClassifyScanError(chainID ChainID, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) == KindValidation {
		return err
	}

	op := fmt.Sprintf("scan chain %d", chainID)
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout") || strings.Contains(s, "deadline exceeded"):
		return UpstreamError(op, "request timeout", err)
	case strings.Contains(s, "rate limit") ||
		strings.Contains(s, "429") ||
		strings.Contains(s, "too many requests"):
		return UpstreamError(op, "rate limit exceeded", err)
	default:
		return UpstreamError(op, "scanner error", err)
	}
}
