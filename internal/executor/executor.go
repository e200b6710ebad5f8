// Package executor defines the contract between the event processor and
// the engine that evaluates a subscribed operation against one event.
package executor

import (
	"context"
	"errors"

	"github.com/syntrixbase/broker/pkg/model"
)

// ErrNotIterable is returned by Execute when the operation cannot produce
// a stream of results. The processor skips such subscribers.
var ErrNotIterable = errors.New("executor: operation result is not iterable")

// Request scopes one execution to a single subscriber and a single event.
type Request struct {
	Connection model.Connection
	Operation  model.Operation
	Event      model.Event
}

// Result is one execution result, typically {"data": ...}.
type Result map[string]interface{}

// Stream is a lazy sequence of results.
type Stream interface {
	// Next returns the next result. ok is false when the stream is done.
	Next(ctx context.Context) (res Result, ok bool, err error)
	Close() error
}

type Executor interface {
	Execute(ctx context.Context, req Request) (Stream, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, req Request) (Stream, error)

func (f Func) Execute(ctx context.Context, req Request) (Stream, error) {
	return f(ctx, req)
}

type sliceStream struct {
	results []Result
}

// Single is a stream of exactly one result.
func Single(r Result) Stream {
	return &sliceStream{results: []Result{r}}
}

// Empty is a stream with no results.
func Empty() Stream {
	return &sliceStream{}
}

func (s *sliceStream) Next(ctx context.Context) (Result, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	if len(s.results) == 0 {
		return nil, false, nil
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r, true, nil
}

func (s *sliceStream) Close() error {
	s.results = nil
	return nil
}
