// Copyright 2025 UMH Systems GmbH
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

package topic

import (
	"regexp"
	"strings"
)

var filterPattern = regexp.MustCompile(`^(#$|(\+|[^+#]*)(/(\+|[^+#]*))*(/(\+|#|[^+#]*))?$)`)

// ValidFilter reports whether filter is an acceptable MQTT subscription filter:
// '+' must occupy a whole level and '#' may only appear as the last level.
func ValidFilter(filter string) bool {
	if filter == "" {
		return false
	}
	return filterPattern.MatchString(filter)
}

// Matcher reports whether a concrete topic matches the filter it was built from.
type Matcher func(topic string) bool

// NewMatcher compiles filter into a Matcher.
//
//   - literal levels must be equal
//   - '+' matches exactly one non-empty level
//   - a trailing '/#' matches the remaining levels, including none
//   - '#' on its own matches every topic
func NewMatcher(filter string) Matcher {
	if filter == "#" {
		return func(string) bool { return true }
	}

	levels := strings.Split(filter, "/")
	multi := false
	if len(levels) > 1 && levels[len(levels)-1] == "#" {
		multi = true
		levels = levels[:len(levels)-1]
	}

	return func(t string) bool {
		parts := strings.Split(t, "/")
		if multi {
			if len(parts) < len(levels) {
				return false
			}
		} else if len(parts) != len(levels) {
			return false
		}

		for i, level := range levels {
			if level == "+" {
				if parts[i] == "" {
					return false
				}
				continue
			}
			if level != parts[i] {
				return false
			}
		}
		return true
	}
}

// Match is a one-shot NewMatcher(filter)(t).
func Match(filter, t string) bool {
	return NewMatcher(filter)(t)
}
