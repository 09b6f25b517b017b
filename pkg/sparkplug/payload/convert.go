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

import (
	"math"
	"strconv"
	"time"
)

// Values arriving from JSON bodies are numbers or strings, values built in
// Go are whatever the caller used. These helpers coerce them to the wire type
// declared for the metric.

// jsonNumber matches json.Number from encoding/json and goccy/go-json alike.
type jsonNumber interface {
	String() string
	Int64() (int64, error)
	Float64() (float64, error)
}

// numberText turns a decoded JSON number back into its literal so it parses
// without a round trip through float64.
func numberText(value any) any {
	if n, ok := value.(jsonNumber); ok {
		return n.String()
	}
	return value
}

func toInt64(value any) (int64, bool) {
	value = numberText(value)
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int8:
		return int64(v), true
	case int16:
		return int64(v), true
	case int32:
		return int64(v), true
	case int64:
		return v, true
	case uint:
		if uint64(v) > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case uint8:
		return int64(v), true
	case uint16:
		return int64(v), true
	case uint32:
		return int64(v), true
	case uint64:
		if v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case float32:
		return int64(v), true
	case float64:
		if v < math.MinInt64 || v > math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			return parsed, true
		}
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return toInt64(parsed)
		}
	}
	return 0, false
}

func toUint64(value any) (uint64, bool) {
	value = numberText(value)
	switch v := value.(type) {
	case uint:
		return uint64(v), true
	case uint8:
		return uint64(v), true
	case uint16:
		return uint64(v), true
	case uint32:
		return uint64(v), true
	case uint64:
		return v, true
	case float64:
		if v < 0 || v > math.MaxUint64 {
			return 0, false
		}
		return uint64(v), true
	case string:
		if parsed, err := strconv.ParseUint(v, 10, 64); err == nil {
			return parsed, true
		}
	case time.Time:
		if v.UnixMilli() < 0 {
			return 0, false
		}
		return uint64(v.UnixMilli()), true
	}
	i, ok := toInt64(value)
	if !ok || i < 0 {
		return 0, false
	}
	return uint64(i), true
}

func toFloat64(value any) (float64, bool) {
	value = numberText(value)
	switch v := value.(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case string:
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed, true
		}
		return 0, false
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	if u, ok := value.(uint64); ok {
		return float64(u), true
	}
	if i, ok := toInt64(value); ok {
		return float64(i), true
	}
	return 0, false
}

func toBool(value any) (bool, bool) {
	value = numberText(value)
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed, true
		}
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed != 0, true
		}
		return false, false
	}
	if f, ok := toFloat64(value); ok {
		return f != 0, true
	}
	return false, false
}

func toString(value any) (string, bool) {
	value = numberText(value)
	switch v := value.(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	case bool:
		return strconv.FormatBool(v), true
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32), true
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64), true
	case uint64:
		return strconv.FormatUint(v, 10), true
	case time.Time:
		return v.Format(time.RFC3339Nano), true
	}
	if i, ok := toInt64(value); ok {
		return strconv.FormatInt(i, 10), true
	}
	return "", false
}

func toBytes(value any) ([]byte, bool) {
	switch v := value.(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	}
	return nil, false
}

// inRange reports whether i fits the integer type dt.
func inRange(dt DataType, i int64) bool {
	switch dt {
	case Int8:
		return i >= math.MinInt8 && i <= math.MaxInt8
	case Int16:
		return i >= math.MinInt16 && i <= math.MaxInt16
	case Int32:
		return i >= math.MinInt32 && i <= math.MaxInt32
	case UInt8:
		return i >= 0 && i <= math.MaxUint8
	case UInt16:
		return i >= 0 && i <= math.MaxUint16
	case UInt32:
		return i >= 0 && i <= math.MaxUint32
	}
	return true
}

// InferType guesses the Sparkplug type of a Go value.
func InferType(value any) DataType {
	switch value.(type) {
	case bool:
		return Boolean
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int, int64:
		return Int64
	case uint8:
		return UInt8
	case uint16:
		return UInt16
	case uint32:
		return UInt32
	case uint, uint64:
		return UInt64
	case float32:
		return Float
	case float64:
		return Double
	case string:
		return String
	case []byte:
		return Bytes
	case time.Time:
		return DateTime
	}
	return Unknown
}
