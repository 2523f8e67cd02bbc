// Copyright 2024 The Silica Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package moerr

import (
	"context"
	"fmt"
)

// Error codes of the execution engine. The grouping mirrors the failure
// taxonomy the engine reports to the query-failure layer: resource
// exhaustion, data corruption, and contract violations are all fatal to
// the query; blocking is never an error.
const (
	Ok uint16 = 0

	// Group 1: internal errors
	ErrInternal         uint16 = 20101
	ErrQueryInterrupted uint16 = 20104

	// Group 2: resource exhaustion
	ErrMemoryLimitExceeded uint16 = 20201
	ErrHashTableCapacity   uint16 = 20202
	ErrSpillIO             uint16 = 20203
	ErrAggValueTooLarge    uint16 = 20204

	// Group 3: data errors
	ErrDataCorruption uint16 = 20301
	ErrTypeMismatch   uint16 = 20302

	// Group 4: contract violations, these indicate a bug in the caller
	ErrContractViolation uint16 = 20401
)

type Error struct {
	code    uint16
	message string
}

func (e *Error) Error() string {
	return e.message
}

func (e *Error) ErrorCode() uint16 {
	return e.code
}

func (e *Error) Is(err error) bool {
	if me, ok := err.(*Error); ok {
		return me.code == e.code
	}
	return false
}

func newError(code uint16, msg string) *Error {
	return &Error{code: code, message: msg}
}

// IsMoErrCode reports whether err is an engine error with the given code.
func IsMoErrCode(err error, code uint16) bool {
	me, ok := err.(*Error)
	if !ok {
		return false
	}
	return me.code == code
}

func NewInternal(msg string) *Error {
	return newError(ErrInternal, "internal error: "+msg)
}

func NewInternalf(format string, args ...any) *Error {
	return NewInternal(fmt.Sprintf(format, args...))
}

func NewQueryInterrupted(ctx context.Context) *Error {
	msg := "query interrupted"
	if ctx != nil && ctx.Err() != nil {
		msg = fmt.Sprintf("query interrupted: %v", ctx.Err())
	}
	return newError(ErrQueryInterrupted, msg)
}

// NewMemoryLimitExceeded reports an operator blowing through its memory
// budget. The operator name, the limit and the observed size all go into
// the message so the failure is diagnosable from the query error alone.
func NewMemoryLimitExceeded(operator string, limit, observed int64) *Error {
	return newError(ErrMemoryLimitExceeded,
		fmt.Sprintf("memory limit exceeded in %s: limit %d bytes, observed %d bytes", operator, limit, observed))
}

func NewHashTableCapacity(need uint64, cap uint64) *Error {
	return newError(ErrHashTableCapacity,
		fmt.Sprintf("hash table would need %d slots, exceeding the maximum of %d", need, cap))
}

func NewSpillIO(op string, err error) *Error {
	return newError(ErrSpillIO, fmt.Sprintf("spill %s failed: %v", op, err))
}

func NewAggValueTooLarge(fn string, limit, observed int64) *Error {
	return newError(ErrAggValueTooLarge,
		fmt.Sprintf("single aggregation value of %s too large: limit %d bytes, observed %d bytes", fn, limit, observed))
}

func NewDataCorruption(where string) *Error {
	return newError(ErrDataCorruption, "data corruption in "+where)
}

func NewDataCorruptionf(format string, args ...any) *Error {
	return NewDataCorruption(fmt.Sprintf(format, args...))
}

func NewTypeMismatch(expected, got string) *Error {
	return newError(ErrTypeMismatch,
		fmt.Sprintf("type mismatch: expected %s, got %s", expected, got))
}

// NewContractViolation marks a misuse of an operator by the surrounding
// driver, for example AddInput after Finish. These fail fast.
func NewContractViolation(msg string) *Error {
	return newError(ErrContractViolation, "contract violation: "+msg)
}

func NewContractViolationf(format string, args ...any) *Error {
	return NewContractViolation(fmt.Sprintf(format, args...))
}

// ConvertPanicError turns a recovered panic into an internal error so a
// crashing operator fails its query instead of the worker.
func ConvertPanicError(v any) *Error {
	if err, ok := v.(*Error); ok {
		return err
	}
	return newError(ErrInternal, fmt.Sprintf("panic: %v", v))
}
