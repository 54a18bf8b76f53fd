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

package pipeline

import (
	"fmt"
	"strings"

	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// resolveValue resolves a string holding refs. A string that is exactly one
// ref keeps the referenced value's type; embedded refs stringify.
func resolveValue(s string, inputs, outputs map[string]any) (any, error) {
	if m := refPattern.FindStringIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		sub := refPattern.FindStringSubmatch(s)
		return lookupRef(refFromMatch(sub), inputs, outputs)
	}
	return resolveString(s, inputs, outputs)
}

// resolveString substitutes every ref in s with its stringified value.
func resolveString(s string, inputs, outputs map[string]any) (string, error) {
	var firstErr error
	out := refPattern.ReplaceAllStringFunc(s, func(m string) string {
		sub := refPattern.FindStringSubmatch(m)
		v, err := lookupRef(refFromMatch(sub), inputs, outputs)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return m
		}
		return fmt.Sprint(v)
	})
	return out, firstErr
}

// resolveMap resolves ref strings recursively through maps and slices.
func resolveMap(in map[string]any, inputs, outputs map[string]any) (map[string]any, error) {
	if in == nil {
		return nil, nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		resolved, err := resolveAny(v, inputs, outputs)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func resolveAny(v any, inputs, outputs map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		return resolveValue(t, inputs, outputs)
	case map[string]any:
		return resolveMap(t, inputs, outputs)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			r, err := resolveAny(e, inputs, outputs)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func refFromMatch(sub []string) ref {
	r := ref{name: sub[1]}
	if sub[2] != "" {
		r.path = strings.Split(strings.TrimPrefix(sub[2], "."), ".")
	}
	return r
}

// lookupRef walks $inputs.<field...> through the inputs bag or
// $<step>.output[.field...] through the step's recorded output map.
func lookupRef(r ref, inputs, outputs map[string]any) (any, error) {
	if r.name == "inputs" {
		return walkPath(inputs, r.path, "$inputs")
	}
	m, ok := outputs[r.name]
	if !ok {
		return nil, &gerrors.ValidationError{
			Field:   r.name,
			Message: fmt.Sprintf("step %q has no recorded output", r.name),
		}
	}
	// r.path starts with "output", matching the {"output": value} wrapper
	// recorded for every completed step.
	return walkPath(m, r.path, "$"+r.name)
}

func walkPath(v any, path []string, label string) (any, error) {
	cur := v
	for i, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, &gerrors.ValidationError{
				Field:   label,
				Message: fmt.Sprintf("%s.%s is not an object", label, strings.Join(path[:i], ".")),
			}
		}
		cur, ok = m[seg]
		if !ok {
			return nil, &gerrors.ValidationError{
				Field:   label,
				Message: fmt.Sprintf("%s has no field %q", label, seg),
			}
		}
	}
	return cur, nil
}
