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

package store

import (
	"database/sql"
	"encoding/json"
	"time"
)

// parseTime parses the stored RFC3339 representation; zero time on NULL or
// parse failure.
func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

// timeArg converts a time to its stored representation; NULL for zero times.
func timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// strArg converts a string to a nullable argument.
func strArg(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// str unwraps a nullable string column.
func str(s sql.NullString) string {
	if !s.Valid {
		return ""
	}
	return s.String
}

// jsonText marshals v for storage in a TEXT column, defaulting to the given
// empty literal.
func jsonText(v any, empty string) string {
	if v == nil {
		return empty
	}
	b, err := json.Marshal(v)
	if err != nil {
		return empty
	}
	return string(b)
}

// fromJSON unmarshals a TEXT column into out, tolerating empty values.
func fromJSON(s string, out any) {
	if s == "" {
		return
	}
	_ = json.Unmarshal([]byte(s), out)
}
