// Package classify implements the error taxonomy from SPEC_FULL.md §7 as a
// result type rather than exceptions-as-control-flow: callers get a Kind
// back alongside the error, and retry policy is a pure function of
// (Kind, attempt count) — never a type switch buried in a catch block.
package classify

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry/DLQ routing purposes.
type Kind int

const (
	// KindUnknown is returned by Classify only for a nil error; a non-nil
	// error that was never wrapped with a Kind classifies as KindTransient.
	KindUnknown Kind = iota
	// KindTransient covers I/O timeouts and lock contention: retried with
	// backoff, never surfaced past the component boundary if retries
	// succeed.
	KindTransient
	// KindSchema covers field validation failures: always permanent,
	// always routed to the DLQ.
	KindSchema
	// KindReferential covers races like a CDC record referencing a
	// batch_id not yet readable across a restart: transient with capped
	// retries, DLQ on exhaustion.
	KindReferential
	// KindInvariant covers internal inconsistency (e.g. batch_id going
	// backward): never retried, the owning component fails fast so a
	// supervising process restart triggers pending-entry recovery.
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindSchema:
		return "schema"
	case KindReferential:
		return "referential"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

// Retryable reports whether an error of this Kind should ever be retried.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindReferential
}

// classified wraps an error with its Kind, implementing error unwrapping so
// errors.Is/errors.As keep working through the wrapper.
type classified struct {
	kind Kind
	err  error
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Transient wraps err as a KindTransient error.
func Transient(err error) error { return wrap(KindTransient, err) }

// Schema wraps err as a KindSchema error.
func Schema(err error) error { return wrap(KindSchema, err) }

// Referential wraps err as a KindReferential error.
func Referential(err error) error { return wrap(KindReferential, err) }

// Invariant wraps err as a KindInvariant error.
func Invariant(err error) error { return wrap(KindInvariant, err) }

func wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &classified{kind: kind, err: err}
}

// Transientf/Schemaf/Referentialf/Invariantf build a classified error from a
// format string, mirroring fmt.Errorf.
func Transientf(format string, args ...any) error   { return Transient(fmt.Errorf(format, args...)) }
func Schemaf(format string, args ...any) error       { return Schema(fmt.Errorf(format, args...)) }
func Referentialf(format string, args ...any) error  { return Referential(fmt.Errorf(format, args...)) }
func Invariantf(format string, args ...any) error    { return Invariant(fmt.Errorf(format, args...)) }

// Classify extracts the Kind from an error produced by this package. An
// error never classified here (e.g. a bare stdlib error) reports
// KindTransient: the safe default is to retry rather than silently drop
// work, since the commit/dispatch protocols only escalate to the DLQ on an
// explicit permanent classification.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var c *classified
	if errors.As(err, &c) {
		return c.kind
	}
	return KindTransient
}
