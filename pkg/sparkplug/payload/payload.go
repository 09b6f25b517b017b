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

// Package payload models Sparkplug B payloads and converts them to and from
// the protobuf wire format. It also implements the compressed payload
// envelope (uuid "SPBV1.0_COMPRESSED") used by Sparkplug B clients.
package payload

import (
	"fmt"
	"strconv"
	"strings"
)

// DataType is the Sparkplug B metric data type.
type DataType uint32

const (
	Unknown DataType = iota
	Int8
	Int16
	Int32
	Int64
	UInt8
	UInt16
	UInt32
	UInt64
	Float
	Double
	Boolean
	String
	DateTime
	Text
	UUID
	DataSet
	Bytes
	File
	Template
	PropertySet
	PropertySetList
)

var dataTypeNames = [...]string{
	"Unknown", "Int8", "Int16", "Int32", "Int64", "UInt8", "UInt16", "UInt32", "UInt64",
	"Float", "Double", "Boolean", "String", "DateTime", "Text", "UUID", "DataSet",
	"Bytes", "File", "Template", "PropertySet", "PropertySetList",
}

func (d DataType) String() string {
	if int(d) < len(dataTypeNames) {
		return dataTypeNames[d]
	}
	return "DataType(" + strconv.FormatUint(uint64(d), 10) + ")"
}

// ParseDataType resolves a type name case-insensitively ("Int32", "uint64",
// "boolean"). "bool" is accepted as an alias for Boolean.
func ParseDataType(s string) (DataType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "bool" {
		return Boolean, nil
	}
	for i, n := range dataTypeNames {
		if strings.ToLower(n) == name {
			if i == 0 {
				break
			}
			return DataType(i), nil
		}
	}
	return Unknown, fmt.Errorf("%w: %q", ErrUnsupportedType, s)
}

// MarshalText writes the type name, so JSON bodies carry "Int32" rather than 3.
func (d DataType) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText accepts either a type name or its numeric value.
func (d *DataType) UnmarshalText(b []byte) error {
	if n, err := strconv.ParseUint(string(b), 10, 32); err == nil {
		*d = DataType(n)
		return nil
	}
	dt, err := ParseDataType(string(b))
	if err != nil {
		return err
	}
	*d = dt
	return nil
}

// PropertyValue is a single entry of a metric property set.
type PropertyValue struct {
	Type   DataType `json:"type"`
	Value  any      `json:"value"`
	IsNull bool     `json:"isNull,omitempty"`
}

// Metric is a single Sparkplug metric. A nil Value is encoded as an explicit
// null rather than being omitted.
type Metric struct {
	Name         string                   `json:"name,omitempty"`
	Alias        *uint64                  `json:"alias,omitempty"`
	Timestamp    *uint64                  `json:"timestamp,omitempty"`
	Type         DataType                 `json:"type,omitempty"`
	Value        any                      `json:"value"`
	IsNull       bool                     `json:"isNull,omitempty"`
	IsHistorical bool                     `json:"isHistorical,omitempty"`
	IsTransient  bool                     `json:"isTransient,omitempty"`
	Properties   map[string]PropertyValue `json:"properties,omitempty"`
}

// Payload is a decoded Sparkplug B payload.
type Payload struct {
	Timestamp *uint64  `json:"timestamp,omitempty"`
	Seq       *uint64  `json:"seq,omitempty"`
	UUID      string   `json:"uuid,omitempty"`
	Body      []byte   `json:"body,omitempty"`
	Metrics   []Metric `json:"metrics"`
}

// Uint64 returns a pointer to v.
func Uint64(v uint64) *uint64 {
	return &v
}

// Clone returns a copy of the metric whose pointer and map fields are not
// shared with m.
func (m Metric) Clone() Metric {
	out := m
	if m.Alias != nil {
		out.Alias = Uint64(*m.Alias)
	}
	if m.Timestamp != nil {
		out.Timestamp = Uint64(*m.Timestamp)
	}
	if m.Properties != nil {
		out.Properties = make(map[string]PropertyValue, len(m.Properties))
		for k, v := range m.Properties {
			out.Properties[k] = v
		}
	}
	return out
}

// Metric returns the first metric with the given name, matched case-insensitively.
func (p *Payload) Metric(name string) (Metric, bool) {
	for _, m := range p.Metrics {
		if strings.EqualFold(m.Name, name) {
			return m, true
		}
	}
	return Metric{}, false
}
