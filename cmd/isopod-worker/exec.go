package main

import (
	"encoding/json"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/portofcontext/isopod/protocol"
)

var errorInterface = reflect.TypeOf((*error)(nil)).Elem()

// prelude imports the packages call sources may reference without carrying
// their own import block.
const prelude = `import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)`

// evaluator applies Go function literals to JSON-encoded arguments inside
// an embedded interpreter. Each call gets a fresh interpreter so state
// never leaks between jobs; the provisioned module cache under GOPATH is
// what makes reuse warm.
type evaluator struct {
	mu     sync.Mutex
	gopath string
}

func newEvaluator(gopath string) *evaluator {
	return &evaluator{gopath: gopath}
}

func (e *evaluator) call(req protocol.Request) protocol.Response {
	start := time.Now()

	var payload protocol.CallPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return protocol.Response{
			ID:         req.ID,
			Type:       protocol.ResponseError,
			ErrMessage: "decode call: " + err.Error(),
		}
	}

	resp := e.apply(payload)
	resp.ID = req.ID
	resp.DurationMs = time.Since(start).Milliseconds()
	return resp
}

func (e *evaluator) apply(call protocol.CallPayload) (resp protocol.Response) {
	e.mu.Lock()
	defer e.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			resp = appError(fmt.Sprintf("panic: %v", r), string(debug.Stack()))
		}
	}()

	i := interp.New(interp.Options{GoPath: e.gopath})
	if err := i.Use(stdlib.Symbols); err != nil {
		return protocol.Response{Type: protocol.ResponseError, ErrMessage: "interpreter init: " + err.Error()}
	}
	if _, err := i.Eval(prelude); err != nil {
		return protocol.Response{Type: protocol.ResponseError, ErrMessage: "interpreter prelude: " + err.Error()}
	}

	// Parenthesized so a bare function literal parses as an expression
	// and evaluates to the function itself rather than a wrapped value.
	// Trailing whitespace is trimmed so the closing paren stays on the
	// last source line, keeping semicolon insertion out of the way.
	v, err := i.Eval("(" + strings.TrimSpace(call.Source) + ")")
	if err != nil {
		return appError("evaluating source: "+err.Error(), "")
	}
	for v.Kind() == reflect.Interface && !v.IsNil() {
		v = v.Elem()
	}
	if !v.IsValid() || v.Kind() != reflect.Func {
		return appError("source did not evaluate to a function", "")
	}

	in, errResp := buildArgs(v.Type(), call.Args)
	if errResp != nil {
		return *errResp
	}

	results := v.Call(in)

	// A trailing non-nil error return fails the call.
	if n := len(results); n > 0 && results[n-1].Type().Implements(errorInterface) {
		if !results[n-1].IsNil() {
			return appError(results[n-1].Interface().(error).Error(), "")
		}
		results = results[:n-1]
	}

	out, err := marshalResults(results)
	if err != nil {
		return appError("encoding result: "+err.Error(), "")
	}
	return protocol.Response{Type: protocol.ResponseResult, Payload: out}
}

func buildArgs(ft reflect.Type, args []json.RawMessage) ([]reflect.Value, *protocol.Response) {
	fixed := ft.NumIn()
	if ft.IsVariadic() {
		fixed--
		if len(args) < fixed {
			r := appError(fmt.Sprintf("function takes at least %d arguments, got %d", fixed, len(args)), "")
			return nil, &r
		}
	} else if len(args) != fixed {
		r := appError(fmt.Sprintf("function takes %d arguments, got %d", fixed, len(args)), "")
		return nil, &r
	}

	in := make([]reflect.Value, len(args))
	for idx, raw := range args {
		var pt reflect.Type
		if ft.IsVariadic() && idx >= fixed {
			pt = ft.In(ft.NumIn() - 1).Elem()
		} else {
			pt = ft.In(idx)
		}
		pv := reflect.New(pt)
		if err := json.Unmarshal(raw, pv.Interface()); err != nil {
			r := appError(fmt.Sprintf("argument %d: %s", idx, err), "")
			return nil, &r
		}
		in[idx] = pv.Elem()
	}
	return in, nil
}

func marshalResults(results []reflect.Value) ([]byte, error) {
	switch len(results) {
	case 0:
		return []byte("null"), nil
	case 1:
		return json.Marshal(results[0].Interface())
	default:
		vals := make([]any, len(results))
		for i, r := range results {
			vals[i] = r.Interface()
		}
		return json.Marshal(vals)
	}
}

func appError(msg, trace string) protocol.Response {
	return protocol.Response{
		Type:       protocol.ResponseResult,
		Error:      true,
		ErrMessage: msg,
		Trace:      trace,
	}
}
