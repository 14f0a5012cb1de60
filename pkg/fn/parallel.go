package fn

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
)

// ParMap applies f to each item with bounded concurrency, preserving order.
func ParMap[T, U any](items []T, workers int, f func(T) U) []U {
	out := make([]U, len(items))
	var wg sync.WaitGroup

	if workers <= 0 {
		workers = len(items)
	}
	if workers == 0 {
		return out
	}

	sem := make(chan struct{}, workers)
	for i, v := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, v T) {
			defer func() { <-sem; wg.Done() }()
			out[i] = f(v)
		}(i, v)
	}
	wg.Wait()
	return out
}

// FanOut runs functions concurrently and returns results in order. Each
// function settles independently; FanOut returns once all have.
func FanOut[T any](fns ...func() T) []T {
	out := make([]T, len(fns))
	var wg sync.WaitGroup
	for i, f := range fns {
		wg.Add(1)
		go func(i int, f func() T) {
			defer wg.Done()
			out[i] = f()
		}(i, f)
	}
	wg.Wait()
	return out
}

// Traced runs f inside an OTel span, recording the error on failure.
func Traced[T any](ctx context.Context, name string, f func(context.Context) Result[T]) Result[T] {
	ctx, span := otel.Tracer("pkg/fn").Start(ctx, name)
	defer span.End()
	result := f(ctx)
	if err := result.Error(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result
}
