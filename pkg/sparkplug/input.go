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
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/payload"
)

// Session commands accepted by EdgeSession.Handle.
const (
	CommandRebirth = "rebirth"
	CommandDeath   = "death"
)

// Input is a message addressed to an edge session.
type Input struct {
	Command string
	Metrics []payload.Metric
}

type jsonMetric struct {
	Name         string          `json:"name"`
	Alias        *uint64         `json:"alias"`
	Type         json.RawMessage `json:"type"`
	Value        any             `json:"value"`
	Timestamp    json.RawMessage `json:"timestamp"`
	IsHistorical bool            `json:"isHistorical"`
	IsTransient  bool            `json:"isTransient"`
}

// ParseMetrics decodes a body of the form {"metrics": [...]}. Metric types
// may be given by name or number, timestamps as epoch milliseconds or
// RFC 3339 strings.
func ParseMetrics(body []byte) ([]payload.Metric, error) {
	var doc struct {
		Metrics json.RawMessage `json:"metrics"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	raw := bytes.TrimSpace(doc.Metrics)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] != '[' {
		return nil, fmt.Errorf("%w: metrics must be an array", ErrValidation)
	}

	// numbers stay json.Number until jsonValue so 64-bit integers keep
	// every digit
	var in []jsonMetric
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	out := make([]payload.Metric, 0, len(in))
	for i, jm := range in {
		m := payload.Metric{
			Name:         jm.Name,
			Alias:        jm.Alias,
			Value:        jsonValue(jm.Value),
			IsNull:       jm.Value == nil,
			IsHistorical: jm.IsHistorical,
			IsTransient:  jm.IsTransient,
		}
		dt, err := parseJSONType(jm.Type)
		if err != nil {
			return nil, fmt.Errorf("%w: metric %d: %v", ErrValidation, i, err)
		}
		m.Type = dt
		ts, err := parseJSONTimestamp(jm.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("%w: metric %d: %v", ErrValidation, i, err)
		}
		m.Timestamp = ts
		out = append(out, m)
	}
	return out, nil
}

// jsonValue replaces every json.Number in v with an int64, a uint64 or a
// float64, in that order of preference.
func jsonValue(v any) any {
	switch v := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(string(v), 10, 64); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(string(v), 10, 64); err == nil {
			return u
		}
		if f, err := strconv.ParseFloat(string(v), 64); err == nil {
			return f
		}
		return string(v)
	case []any:
		for i := range v {
			v[i] = jsonValue(v[i])
		}
		return v
	case map[string]any:
		for k := range v {
			v[k] = jsonValue(v[k])
		}
		return v
	}
	return v
}

func parseJSONType(raw json.RawMessage) (payload.DataType, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return payload.Unknown, nil
	}
	if raw[0] == '"' {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return payload.Unknown, err
		}
		if name == "" {
			return payload.Unknown, nil
		}
		return payload.ParseDataType(name)
	}
	var n uint32
	if err := json.Unmarshal(raw, &n); err != nil {
		return payload.Unknown, fmt.Errorf("invalid type %s", raw)
	}
	return payload.DataType(n), nil
}

func parseJSONTimestamp(raw json.RawMessage) (*uint64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		return payload.Uint64(payload.MillisFromTime(t)), nil
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err != nil || ms < 0 {
		return nil, fmt.Errorf("invalid timestamp %s", raw)
	}
	return payload.Uint64(uint64(ms)), nil
}
