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

package payload

import "errors"

var (
	// ErrMissingType is returned when a metric without a data type is encoded.
	ErrMissingType = errors.New("metric has no type")
	// ErrUnsupportedType is returned for data types the codec cannot represent.
	ErrUnsupportedType = errors.New("unsupported metric type")
	// ErrInvalidValue is returned when a value cannot be converted to its declared type.
	ErrInvalidValue = errors.New("value does not match metric type")
	// ErrUnsupportedAlgorithm is returned for unknown compression algorithms.
	ErrUnsupportedAlgorithm = errors.New("unsupported compression algorithm")
	// ErrMalformed is returned when bytes cannot be decoded as a Sparkplug payload.
	ErrMalformed = errors.New("malformed sparkplug payload")
)
