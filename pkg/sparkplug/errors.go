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

package sparkplug

import (
	"errors"

	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/topic"
)

var (
	// ErrValidation marks input that was rejected and dropped. Processing continues.
	ErrValidation = errors.New("validation failed")
	// ErrUnknownMetric is returned for metrics that are not part of a session's definitions.
	ErrUnknownMetric = errors.New("unknown metric")
	// ErrNotConnected is returned by operations that only make sense while connected.
	ErrNotConnected = errors.New("not connected to broker")
	// ErrClosed is returned after the connection was closed.
	ErrClosed = errors.New("connection closed")
	// ErrInvalidTopic is returned for malformed topics and subscription filters.
	ErrInvalidTopic = topic.ErrInvalidTopic
)
