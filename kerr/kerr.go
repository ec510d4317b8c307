// Package kerr defines the kernel's stable error taxonomy.
/*
 * Copyright (c) 2024, The ocap kernel authors. All rights reserved.
 */
package kerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is a stable code surfaced in RPC error objects.
type Kind string

const (
	InvalidConfig    Kind = "InvalidConfig"
	BadRef           Kind = "BadRef"
	VatTerminated    Kind = "VatTerminated"
	PromiseRejected  Kind = "PromiseRejected"
	ServiceForbidden Kind = "ServiceForbidden"
	NotFound         Kind = "NotFound"
	StoreCorrupt     Kind = "StoreCorrupt"
	VatDispatchFailed Kind = "VatDispatchFailed"
	Timeout          Kind = "Timeout"
	BadSyscall       Kind = "BadSyscall"
)

// kernelError wraps an underlying cause with a stable Kind and an RPC code.
type kernelError struct {
	kind Kind
	msg  string
	code int
	err  error
}

func (e *kernelError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *kernelError) Unwrap() error { return e.err }

// GetKind recovers the stable kind code of err, or "" if err is not one of ours.
func GetKind(err error) Kind {
	var ke *kernelError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return ""
}

// Code recovers the RPC error code of err, defaulting to -32000 (implementation-defined
// server error, per JSON-RPC 2.0) when err carries no kernel kind.
func Code(err error) int {
	var ke *kernelError
	if errors.As(err, &ke) {
		return ke.code
	}
	return -32000
}

func newf(kind Kind, code int, cause error, format string, args ...any) error {
	return &kernelError{kind: kind, code: code, msg: fmt.Sprintf(format, args...), err: cause}
}

func NewInvalidConfig(format string, args ...any) error {
	return newf(InvalidConfig, -32001, nil, format, args...)
}

func NewBadRef(format string, args ...any) error {
	return newf(BadRef, -32002, nil, format, args...)
}

func NewVatTerminated(format string, args ...any) error {
	return newf(VatTerminated, -32003, nil, format, args...)
}

func NewPromiseRejected(format string, args ...any) error {
	return newf(PromiseRejected, -32004, nil, format, args...)
}

func NewServiceForbidden(format string, args ...any) error {
	return newf(ServiceForbidden, -32005, nil, format, args...)
}

func NewNotFound(format string, args ...any) error {
	return newf(NotFound, -32006, nil, format, args...)
}

func NewStoreCorrupt(cause error, format string, args ...any) error {
	return newf(StoreCorrupt, -32007, cause, format, args...)
}

func NewVatDispatchFailed(cause error, format string, args ...any) error {
	return newf(VatDispatchFailed, -32008, cause, format, args...)
}

func NewTimeout(format string, args ...any) error {
	return newf(Timeout, -32009, nil, format, args...)
}

func NewBadSyscall(format string, args ...any) error {
	return newf(BadSyscall, -32010, nil, format, args...)
}

// Wrap annotates err with additional context without losing its Kind, in the
// teacher's errors.Wrap idiom.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// Fatal reports whether err is one of the kinds the crank treats as fatal to
// the whole kernel (store commit failures, corruption) rather than scoped to
// a single delivery.
func Fatal(err error) bool {
	switch GetKind(err) {
	case StoreCorrupt:
		return true
	default:
		return false
	}
}
