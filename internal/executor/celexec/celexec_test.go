package celexec

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syntrixbase/broker/internal/executor"
	"github.com/syntrixbase/broker/pkg/model"
)

func newRequest(query string) executor.Request {
	return executor.Request{
		Connection: model.Connection{ID: "c1", Data: model.ConnectionData{Context: map[string]interface{}{"user": "ada"}}},
		Operation: model.Operation{
			OperationID: "op1",
			Query:       query,
			Variables:   map[string]interface{}{"room": "lobby"},
		},
		Event: model.Event{ID: "e1", Name: "msgAdded", Payload: map[string]interface{}{"room": "lobby", "text": "hi", "author": "ada"}},
	}
}

func first(t *testing.T, s executor.Stream) (executor.Result, bool) {
	t.Helper()
	r, ok, err := s.Next(context.Background())
	require.NoError(t, err)
	return r, ok
}

func TestExecute_Filter(t *testing.T) {
	ex, err := New(nil)
	require.NoError(t, err)
	ctx := context.Background()

	s, err := ex.Execute(ctx, newRequest(`event.room == vars.room`))
	require.NoError(t, err)
	r, ok := first(t, s)
	require.True(t, ok)
	assert.Equal(t, executor.Result{"data": map[string]interface{}{
		"msgAdded": map[string]interface{}{"room": "lobby", "text": "hi", "author": "ada"},
	}}, r)

	s, err = ex.Execute(ctx, newRequest(`event.author != context.user`))
	require.NoError(t, err)
	_, ok = first(t, s)
	assert.False(t, ok, "false filter yields nothing")

	s, err = ex.Execute(ctx, newRequest(""))
	require.NoError(t, err)
	_, ok = first(t, s)
	assert.True(t, ok, "empty query matches everything")
}

func TestExecute_Projection(t *testing.T) {
	ex, err := New(nil)
	require.NoError(t, err)

	s, err := ex.Execute(context.Background(), newRequest(`{"text": event.text, "id": event.id}`))
	require.NoError(t, err)
	r, ok := first(t, s)
	require.True(t, ok)
	assert.Equal(t, executor.Result{"data": map[string]interface{}{"text": "hi", "id": "e1"}}, r)
}

func TestExecute_Errors(t *testing.T) {
	ex, err := New(nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = ex.Execute(ctx, newRequest(`event.text`))
	assert.ErrorIs(t, err, executor.ErrNotIterable)

	_, err = ex.Execute(ctx, newRequest(`event.room ==`))
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	assert.ErrorIs(t, ex.Compile(`(`), model.ErrInvalidArgument)
	assert.NoError(t, ex.Compile(`true`))
	assert.NoError(t, ex.Compile(""))

	_, err = ex.Execute(ctx, newRequest(`event.missing == "x"`))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, executor.ErrNotIterable)
}

func TestProgramCacheEvicts(t *testing.T) {
	ex, err := New(nil)
	require.NoError(t, err)
	for i := 0; i < MaxCacheSize+5; i++ {
		require.NoError(t, ex.Compile(`event.n == `+strconv.Itoa(i)))
	}
	assert.Len(t, ex.cache, MaxCacheSize)
	assert.Len(t, ex.order, MaxCacheSize)
	_, ok := ex.cache[`event.n == 0`]
	assert.False(t, ok)
}
