// Package celexec executes operations whose query is a CEL expression.
//
// The expression sees three variables:
//
//	event    the published event's fields (id, event, ttl and payload)
//	vars     the operation's variables
//	context  the connection context captured at subscribe time
//
// A bool result filters: true yields {"data": {<event name>: payload}}.
// A map result is a projection and yields {"data": <map>}. Any other type
// is not iterable.
package celexec

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/syntrixbase/broker/internal/executor"
	"github.com/syntrixbase/broker/pkg/model"
)

// MaxCacheSize is the maximum number of compiled programs kept.
const MaxCacheSize = 1000

const matchAll = "true"

var mapType = reflect.TypeOf(map[string]interface{}{})

type Executor struct {
	env    *cel.Env
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]cel.Program
	order []string
}

var _ executor.Executor = (*Executor)(nil)

func New(logger *slog.Logger) (*Executor, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("vars", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		env:    env,
		logger: logger.With("component", "celexec"),
		cache:  make(map[string]cel.Program),
	}, nil
}

func (e *Executor) Execute(ctx context.Context, req executor.Request) (executor.Stream, error) {
	query := req.Operation.Query
	if query == "" {
		query = matchAll
	}
	prg, err := e.program(query)
	if err != nil {
		return nil, err
	}

	input := map[string]interface{}{
		"event":   req.Event.Fields(),
		"vars":    orEmpty(req.Operation.Variables),
		"context": orEmpty(req.Connection.Data.Context),
	}
	out, _, err := prg.ContextEval(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate operation %s: %w", req.Operation.OperationID, err)
	}
	return e.stream(req.Event, out)
}

func (e *Executor) stream(evt model.Event, out ref.Val) (executor.Stream, error) {
	if b, ok := out.Value().(bool); ok {
		if !b {
			return executor.Empty(), nil
		}
		return executor.Single(executor.Result{
			"data": map[string]interface{}{evt.Name: evt.Payload},
		}), nil
	}
	if _, ok := out.(traits.Mapper); ok {
		native, err := out.ConvertToNative(mapType)
		if err != nil {
			return nil, fmt.Errorf("failed to convert projection: %w", err)
		}
		return executor.Single(executor.Result{"data": native}), nil
	}
	return nil, fmt.Errorf("%w: got %s", executor.ErrNotIterable, out.Type().TypeName())
}

func (e *Executor) program(query string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[query]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.cache[query]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(query)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidArgument, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidArgument, err)
	}

	if len(e.cache) >= MaxCacheSize {
		oldest := e.order[0]
		delete(e.cache, oldest)
		e.order = e.order[1:]
		e.logger.Debug("CEL cache full, evicted oldest entry")
	}
	e.cache[query] = prg
	e.order = append(e.order, query)
	return prg, nil
}

// Compile checks that query is a valid expression without running it.
func (e *Executor) Compile(query string) error {
	if query == "" {
		return nil
	}
	_, err := e.program(query)
	return err
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
