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

package config

import (
	"os"
	"path/filepath"
)

// UserDir returns the user-global gobby directory (~/.gobby), honoring
// GOBBY_HOME for tests and relocated installs.
func UserDir() string {
	if dir := os.Getenv("GOBBY_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		// Fall back to the working directory; a daemon without a home
		// directory is already in trouble.
		return ".gobby"
	}
	return filepath.Join(home, ".gobby")
}

// WorkflowsDir returns the user-global workflow definition directory.
func WorkflowsDir() string {
	return filepath.Join(UserDir(), "workflows")
}

// SkillsDir returns the user-global skills directory.
func SkillsDir() string {
	return filepath.Join(UserDir(), "skills")
}

// LogsDir returns the log directory.
func LogsDir() string {
	return filepath.Join(UserDir(), "logs")
}

// TmpDir returns the sync staging directory.
func TmpDir() string {
	return filepath.Join(UserDir(), "tmp")
}

// StorePath returns the sqlite database path.
func StorePath() string {
	return filepath.Join(UserDir(), "gobby.db")
}

// PidFilePath returns the daemon pid file path.
func PidFilePath() string {
	return filepath.Join(UserDir(), "gobby.pid")
}
