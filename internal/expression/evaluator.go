// Copyright 2025 The Gobby Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package expression evaluates workflow condition expressions in a sandbox.
// Expressions see only the variables and helper functions explicitly placed
// in their environment; there is no filesystem, network or process access.
package expression

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// Undefined is the sentinel env builders bind for values that do not exist,
// such as a step variable before its first assignment. It is always falsy.
// Expressions probing optional structure should use expr's ?. navigation.
type Undefined struct{}

// Evaluator compiles and runs condition expressions, caching compiled
// programs keyed by source text.
type Evaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
	funcs map[string]any
}

// New creates an evaluator with the built-in helper functions registered.
func New() *Evaluator {
	e := &Evaluator{
		cache: make(map[string]*vm.Program),
		funcs: make(map[string]any),
	}
	// "contains" is a reserved operator in expr, so membership helpers get
	// their own names.
	e.funcs["has"] = containsFunc
	e.funcs["includes"] = containsFunc
	e.funcs["length"] = lenFunc
	return e
}

// Register adds (or replaces) a named function available to every
// expression. Plugins and the workflow engine use this for domain
// predicates.
func (e *Evaluator) Register(name string, fn any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.funcs[name] = fn
	// Registered names change compilation scope; stale programs must go.
	e.cache = make(map[string]*vm.Program)
}

// Evaluate runs an expression against env and returns the raw result.
// Variables absent from env evaluate to Undefined rather than failing.
func (e *Evaluator) Evaluate(expression string, env map[string]any) (any, error) {
	if expression == "" {
		return true, nil
	}

	program, err := e.compile(expression)
	if err != nil {
		return nil, &gerrors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("failed to compile expression: %s", err.Error()),
			Suggestion: "check expression syntax and ensure all referenced variables exist",
		}
	}

	evalEnv := make(map[string]any, len(env)+8)
	e.mu.RLock()
	for k, v := range e.funcs {
		evalEnv[k] = v
	}
	e.mu.RUnlock()
	for k, v := range env {
		evalEnv[k] = v
	}

	result, err := expr.Run(program, evalEnv)
	if err != nil {
		return nil, &gerrors.ValidationError{
			Field:      "expression",
			Message:    fmt.Sprintf("expression evaluation failed: %s", err.Error()),
			Suggestion: "verify that all referenced variables exist in the workflow context",
		}
	}
	return result, nil
}

// EvaluateBool runs an expression and coerces the result to a boolean.
// Coercion rules: nil, Undefined, false, zero numbers, empty strings and
// empty collections are false; everything else is true.
func (e *Evaluator) EvaluateBool(expression string, env map[string]any) (bool, error) {
	result, err := e.Evaluate(expression, env)
	if err != nil {
		return false, err
	}
	return Truthy(result), nil
}

func (e *Evaluator) compile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	env := make(map[string]any, len(e.funcs))
	for k, v := range e.funcs {
		env[k] = v
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

// CacheSize returns the number of cached programs.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// Truthy applies the boolean coercion used at every condition boundary.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case Undefined, *Undefined:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case uint64:
		return val != 0
	case float64:
		return val != 0
	case float32:
		return val != 0
	case []any:
		return len(val) > 0
	case []string:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}

func containsFunc(collection any, item any) bool {
	switch c := collection.(type) {
	case []any:
		for _, v := range c {
			if fmt.Sprint(v) == fmt.Sprint(item) {
				return true
			}
		}
	case []string:
		s := fmt.Sprint(item)
		for _, v := range c {
			if v == s {
				return true
			}
		}
	case map[string]any:
		_, ok := c[fmt.Sprint(item)]
		return ok
	case string:
		return strings.Contains(c, fmt.Sprint(item))
	}
	return false
}

func lenFunc(v any) int {
	switch c := v.(type) {
	case string:
		return len(c)
	case []any:
		return len(c)
	case []string:
		return len(c)
	case map[string]any:
		return len(c)
	default:
		return 0
	}
}
