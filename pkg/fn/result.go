// Package fn provides small generic helpers for results, fan-out and retry.
package fn

// Result carries either a value or the error that prevented producing it.
// The zero Result is a successful zero value.
type Result[T any] struct {
	val T
	err error
}

func Ok[T any](v T) Result[T] { return Result[T]{val: v} }

// Err wraps a failure. A nil err yields a successful zero Result.
func Err[T any](err error) Result[T] { return Result[T]{err: err} }

// FromPair adapts a (value, error) return.
func FromPair[T any](v T, err error) Result[T] { return Result[T]{val: v, err: err} }

func (r Result[T]) IsOk() bool  { return r.err == nil }
func (r Result[T]) IsErr() bool { return r.err != nil }

// Error returns the failure, or nil.
func (r Result[T]) Error() error { return r.err }

// Unwrap returns the value and error as a pair.
func (r Result[T]) Unwrap() (T, error) { return r.val, r.err }
