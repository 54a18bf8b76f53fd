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

package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gobbyhq/gobby/internal/store"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// defaultTemplate frames injected context ahead of the prompt.
const defaultTemplate = "<context>\n{{ context }}\n</context>\n\n{{ prompt }}"

// renderPrompt fills the {{ context }} and {{ prompt }} placeholders. An
// empty context passes the prompt through unchanged.
func renderPrompt(tmpl, contextText, prompt string) string {
	if contextText == "" {
		return prompt
	}
	if tmpl == "" {
		tmpl = defaultTemplate
	}
	return strings.NewReplacer(
		"{{ context }}", contextText,
		"{{ prompt }}", prompt,
	).Replace(tmpl)
}

// buildContext materializes one context_source form:
//
//	summary_markdown  | compact_markdown
//	session_id:<ref>  another session's summary
//	transcript:<n>    the parent's last N messages, clamped
//	file:<path>       a text file inside the project root
func (sv *Supervisor) buildContext(ctx context.Context, parent *store.Session, source string) (string, error) {
	switch {
	case source == "":
		return "", nil
	case source == "summary_markdown":
		return parent.SummaryMarkdown, nil
	case source == "compact_markdown":
		return parent.CompactMarkdown, nil
	case strings.HasPrefix(source, "session_id:"):
		other, err := sv.store.GetSession(ctx, strings.TrimPrefix(source, "session_id:"))
		if err != nil {
			return "", err
		}
		if other.SummaryMarkdown != "" {
			return other.SummaryMarkdown, nil
		}
		return other.CompactMarkdown, nil
	case strings.HasPrefix(source, "transcript:"):
		n, err := strconv.Atoi(strings.TrimPrefix(source, "transcript:"))
		if err != nil || n <= 0 {
			return "", &gerrors.ValidationError{
				Field: "context_source", Message: "transcript count must be a positive integer",
			}
		}
		if n > sv.cfg.TranscriptCeiling {
			n = sv.cfg.TranscriptCeiling
		}
		msgs, err := sv.store.LastMessages(ctx, parent.ID, n)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		for _, m := range msgs {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		return b.String(), nil
	case strings.HasPrefix(source, "file:"):
		return sv.readContextFile(ctx, parent, strings.TrimPrefix(source, "file:"))
	default:
		return "", &gerrors.ValidationError{
			Field:      "context_source",
			Message:    fmt.Sprintf("unknown form %q", source),
			Suggestion: "use summary_markdown, compact_markdown, session_id:<id>, transcript:<n>, or file:<path>",
		}
	}
}

// readContextFile reads a text file for injection. The path must resolve
// inside the project root; binary content is rejected and oversized content
// truncated at the cap.
func (sv *Supervisor) readContextFile(ctx context.Context, parent *store.Session, path string) (string, error) {
	root := parent.Cwd
	if parent.ProjectID != "" {
		if proj, err := sv.store.GetProject(ctx, parent.ProjectID); err == nil {
			root = proj.RepoPath
		}
	}
	if root == "" {
		return "", &gerrors.ValidationError{
			Field: "context_source", Message: "file sources need a project root",
		}
	}

	full := path
	if !filepath.IsAbs(full) {
		full = filepath.Join(root, path)
	}
	full = filepath.Clean(full)
	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &gerrors.ValidationError{
			Field:      "context_source",
			Message:    fmt.Sprintf("path traversal blocked: %q resolves outside the project root %q", path, root),
			Suggestion: "remove ../ segments; file sources are confined to the project",
		}
	}

	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", &gerrors.NotFoundError{Resource: "file", ID: path}
		}
		return "", &gerrors.ExternalError{System: "filesystem", Message: err.Error(), Cause: err}
	}

	probe := data
	if len(probe) > 8192 {
		probe = probe[:8192]
	}
	if bytes.IndexByte(probe, 0) >= 0 {
		return "", &gerrors.ValidationError{
			Field:   "context_source",
			Message: fmt.Sprintf("%q looks binary", path),
		}
	}
	if len(data) > sv.cfg.FileSizeCap {
		data = data[:sv.cfg.FileSizeCap]
	}
	return string(data), nil
}
