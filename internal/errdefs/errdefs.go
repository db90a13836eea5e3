package errdefs

import (
	"errors"
	"strings"
)

// Error kinds. Every error returned by the lifecycle packages wraps exactly
// one of these so callers can classify failures with errors.Is.
var (
	ErrExecutableNotFound    = errors.New("executable not found")
	ErrInitializationFailure = errors.New("data directory initialization failed")
	ErrUnsupportedVersion    = errors.New("unsupported server version")
	ErrPortUnavailable       = errors.New("port unavailable")
	ErrProcessStartTimeout   = errors.New("server start timed out")
	ErrProcessCrashed        = errors.New("server process crashed")
	ErrTemplateBuildFailure  = errors.New("template build failed")
	ErrDatabaseCreateFailure = errors.New("database create failed")
	ErrDatabaseDropFailure   = errors.New("database drop failed")
	ErrConfiguration         = errors.New("configuration error")
)

// Error decorates a kind with the operation and subject that failed.
type Error struct {
	Kind    error
	Op      string // e.g. "start", "drop"
	Subject string // executable path, database name, layer name...
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	}
	if e.Subject != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(e.Subject)
	}
	if b.Len() > 0 {
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New wraps err under kind. A nil kind panics since it indicates a programming error.
func New(kind error, op, subject string, err error) error {
	if kind == nil {
		panic("errdefs: nil kind")
	}
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

// Config is shorthand for configuration errors found during validation.
func Config(subject, msg string) error {
	return &Error{Kind: ErrConfiguration, Op: "validate", Subject: subject, Err: errors.New(msg)}
}

// Fatal reports whether err ends the session: no further databases can be
// provisioned against the supervisor that produced it.
func Fatal(err error) bool {
	if err == nil {
		return false
	}
	for _, k := range []error{ErrExecutableNotFound, ErrInitializationFailure, ErrUnsupportedVersion, ErrProcessStartTimeout, ErrProcessCrashed} {
		if errors.Is(err, k) {
			return true
		}
	}
	return false
}

// KindOf returns the kind wrapped by err, or nil.
func KindOf(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}
