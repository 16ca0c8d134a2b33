// Package handler provides reflection-based processor execution for queues.
package handler

import (
	"context"
	"encoding/json"
	"reflect"

	"github.com/cockroachdb/errors"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Handler holds metadata about a registered queue processor.
type Handler struct {
	Fn         reflect.Value
	ArgsType   reflect.Type
	HasContext bool
	HasResult  bool
}

// NewHandler creates a Handler from a function.
// The function must have signature: func(ctx context.Context, payload T) error
// or func(ctx context.Context, payload T) (R, error). The context argument is optional.
func NewHandler(fn any) (*Handler, error) {
	if fn == nil {
		return nil, errors.New("handler cannot be nil")
	}

	fnVal := reflect.ValueOf(fn)
	if fnVal.Kind() != reflect.Func {
		return nil, errors.New("handler must be a function")
	}
	if fnVal.IsNil() {
		return nil, errors.New("handler function cannot be nil")
	}

	fnType := fnVal.Type()
	h := &Handler{Fn: fnVal}

	numIn := fnType.NumIn()
	if numIn < 1 || numIn > 2 {
		return nil, errors.New("handler must have 1-2 arguments")
	}

	argIdx := 0
	if fnType.In(0).Implements(contextType) {
		h.HasContext = true
		argIdx = 1
	}
	if argIdx < numIn {
		h.ArgsType = fnType.In(argIdx)
	}

	switch fnType.NumOut() {
	case 1:
		if !fnType.Out(0).Implements(errorType) {
			return nil, errors.New("handler must return error")
		}
	case 2:
		if !fnType.Out(1).Implements(errorType) {
			return nil, errors.New("handler must return (R, error)")
		}
		h.HasResult = true
	default:
		return nil, errors.New("handler must return error or (R, error)")
	}

	return h, nil
}

// Execute decodes the payload, runs the handler and returns the JSON-encoded
// result. Handlers without a result return a nil slice.
func (h *Handler) Execute(ctx context.Context, payload []byte) ([]byte, error) {
	if !h.Fn.IsValid() || h.Fn.IsNil() {
		return nil, errors.New("handler function is nil or invalid")
	}

	var args []reflect.Value
	if h.HasContext {
		args = append(args, reflect.ValueOf(ctx))
	}

	if h.ArgsType != nil {
		argVal := reflect.New(h.ArgsType)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, argVal.Interface()); err != nil {
				return nil, errors.Wrap(err, "unmarshal payload")
			}
		}
		args = append(args, argVal.Elem())
	}

	results := h.Fn.Call(args)

	errVal := results[len(results)-1]
	if !errVal.IsNil() {
		return nil, errVal.Interface().(error)
	}
	if !h.HasResult {
		return nil, nil
	}

	out, err := json.Marshal(results[0].Interface())
	if err != nil {
		return nil, errors.Wrap(err, "marshal result")
	}
	return out, nil
}
