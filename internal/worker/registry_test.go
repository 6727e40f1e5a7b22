package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/import-ai/magic-box-wizard/internal/store"
)

type constRunner struct{ out string }

func (r constRunner) Run(context.Context, store.Task) (json.RawMessage, error) {
	return json.RawMessage(r.out), nil
}

func TestRegistryDispatch(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterRunner("collect", constRunner{out: `{"markdown":""}`})
	reg.Register("delete_index", func(context.Context, store.Task) (json.RawMessage, error) { return nil, nil })

	assert.Equal(t, []string{"collect", "delete_index"}, reg.Names())

	out, err := reg.Dispatch(context.Background(), store.Task{Function: "collect"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"markdown":""}`, string(out))
}

func TestRegistryUnknownFunction(t *testing.T) {
	_, err := NewRegistry().Dispatch(context.Background(), store.Task{Function: "unknown_fn"})
	require.ErrorIs(t, err, ErrUnknownFunction)

	exc := ExceptionFor(err)
	assert.Equal(t, KindUnknownFunction, exc.Kind)
	assert.Equal(t, "unknown_fn", exc.Context["function"])
}

func TestRegistryRecoversPanic(t *testing.T) {
	reg := NewRegistry()
	reg.Register("boom", func(context.Context, store.Task) (json.RawMessage, error) {
		var m map[string]int
		m["x"]++ // nil map write
		return nil, nil
	})
	out, err := reg.Dispatch(context.Background(), store.Task{Function: "boom"})
	require.Error(t, err)
	assert.Nil(t, out)

	exc := ExceptionFor(err)
	assert.Equal(t, KindPanic, exc.Kind)
	assert.Contains(t, exc.Message, "handler panic")
	assert.NotEmpty(t, exc.Context["stack"])
}

func TestExceptionFor(t *testing.T) {
	assert.Equal(t, KindHandlerError, ExceptionFor(errors.New("x")).Kind)
	assert.Equal(t, KindTimeout, ExceptionFor(fmt.Errorf("call: %w", context.DeadlineExceeded)).Kind)

	te := &TaskError{Kind: "quota", Message: "over quota", Context: map[string]any{"limit": 3}}
	exc := ExceptionFor(fmt.Errorf("wrapped: %w", te))
	assert.Equal(t, "quota", exc.Kind)
	assert.Equal(t, "wrapped: over quota", exc.Message)
	assert.Equal(t, 3, exc.Context["limit"])

	assert.Equal(t, KindHandlerError, ExceptionFor(&TaskError{Message: "no kind"}).Kind)
}

func TestTaskErrorMessage(t *testing.T) {
	inner := errors.New("inner")
	assert.Equal(t, "msg: inner", (&TaskError{Message: "msg", Err: inner}).Error())
	assert.Equal(t, "inner", (&TaskError{Err: inner}).Error())
	assert.Equal(t, "kind", (&TaskError{Kind: "kind"}).Error())
	assert.ErrorIs(t, &TaskError{Err: inner}, inner)
}
