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
	"fmt"
	"maps"
	"math"
	"slices"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Codec converts payloads to and from their binary representation.
type Codec interface {
	Encode(p *Payload) ([]byte, error)
	Decode(b []byte) (*Payload, error)
}

// ProtoCodec implements the Sparkplug B protobuf schema (sparkplug_b.proto).
// DataSet, Template and nested PropertySet values are not supported.
type ProtoCodec struct{}

// NewProtoCodec returns the Sparkplug B protobuf codec.
func NewProtoCodec() *ProtoCodec {
	return &ProtoCodec{}
}

// Payload fields.
const (
	fieldPayloadTimestamp protowire.Number = 1
	fieldPayloadMetrics   protowire.Number = 2
	fieldPayloadSeq       protowire.Number = 3
	fieldPayloadUUID      protowire.Number = 4
	fieldPayloadBody      protowire.Number = 5
)

// Metric fields.
const (
	fieldMetricName         protowire.Number = 1
	fieldMetricAlias        protowire.Number = 2
	fieldMetricTimestamp    protowire.Number = 3
	fieldMetricDatatype     protowire.Number = 4
	fieldMetricIsHistorical protowire.Number = 5
	fieldMetricIsTransient  protowire.Number = 6
	fieldMetricIsNull       protowire.Number = 7
	fieldMetricProperties   protowire.Number = 9
)

// PropertySet and PropertyValue fields.
const (
	fieldSetKeys        protowire.Number = 1
	fieldSetValues      protowire.Number = 2
	fieldPropertyType   protowire.Number = 1
	fieldPropertyIsNull protowire.Number = 2
)

// valueFields maps the oneof value kinds to field numbers, which differ
// between Metric and PropertyValue.
type valueFields struct {
	intValue, longValue, floatValue, doubleValue, boolValue, stringValue, bytesValue protowire.Number
}

var (
	metricValueFields   = valueFields{10, 11, 12, 13, 14, 15, 16}
	propertyValueFields = valueFields{3, 4, 5, 6, 7, 8, 0}
)

type valueKind uint8

const (
	kindNone valueKind = iota
	kindInt
	kindLong
	kindFloat
	kindDouble
	kindBool
	kindString
	kindBytes
)

// rawValue holds a oneof value as read from the wire, before the datatype is known.
type rawValue struct {
	kind valueKind
	num  uint64
	str  string
	raw  []byte
}

func malformed(what string, n int) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformed, what, protowire.ParseError(n))
}

// Encode validates and serializes p.
func (c *ProtoCodec) Encode(p *Payload) ([]byte, error) {
	var b []byte
	if p.Timestamp != nil {
		b = protowire.AppendTag(b, fieldPayloadTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, *p.Timestamp)
	}
	for i := range p.Metrics {
		mb, err := encodeMetric(&p.Metrics[i])
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldPayloadMetrics, protowire.BytesType)
		b = protowire.AppendBytes(b, mb)
	}
	if p.Seq != nil {
		b = protowire.AppendTag(b, fieldPayloadSeq, protowire.VarintType)
		b = protowire.AppendVarint(b, *p.Seq)
	}
	if p.UUID != "" {
		b = protowire.AppendTag(b, fieldPayloadUUID, protowire.BytesType)
		b = protowire.AppendString(b, p.UUID)
	}
	if p.Body != nil {
		b = protowire.AppendTag(b, fieldPayloadBody, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Body)
	}
	return b, nil
}

func encodeMetric(m *Metric) ([]byte, error) {
	if m.Type == Unknown {
		return nil, fmt.Errorf("metric %q: %w", metricLabel(m), ErrMissingType)
	}

	var b []byte
	if m.Name != "" {
		b = protowire.AppendTag(b, fieldMetricName, protowire.BytesType)
		b = protowire.AppendString(b, m.Name)
	}
	if m.Alias != nil {
		b = protowire.AppendTag(b, fieldMetricAlias, protowire.VarintType)
		b = protowire.AppendVarint(b, *m.Alias)
	}
	if m.Timestamp != nil {
		b = protowire.AppendTag(b, fieldMetricTimestamp, protowire.VarintType)
		b = protowire.AppendVarint(b, *m.Timestamp)
	}
	b = protowire.AppendTag(b, fieldMetricDatatype, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Type))
	if m.IsHistorical {
		b = protowire.AppendTag(b, fieldMetricIsHistorical, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if m.IsTransient {
		b = protowire.AppendTag(b, fieldMetricIsTransient, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	isNull := m.IsNull || m.Value == nil
	if isNull {
		b = protowire.AppendTag(b, fieldMetricIsNull, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	if len(m.Properties) > 0 {
		pb, err := encodePropertySet(m.Properties)
		if err != nil {
			return nil, fmt.Errorf("metric %q: %w", metricLabel(m), err)
		}
		b = protowire.AppendTag(b, fieldMetricProperties, protowire.BytesType)
		b = protowire.AppendBytes(b, pb)
	}
	if isNull {
		return b, nil
	}

	b, err := appendValue(b, metricValueFields, m.Type, m.Value)
	if err != nil {
		return nil, fmt.Errorf("metric %q: %w", metricLabel(m), err)
	}
	return b, nil
}

// ValidateMetric reports whether m would encode: its type is known and its
// value and properties convert to their declared types.
func ValidateMetric(m Metric) error {
	_, err := encodeMetric(&m)
	return err
}

func metricLabel(m *Metric) string {
	if m.Name == "" && m.Alias != nil {
		return fmt.Sprintf("alias %d", *m.Alias)
	}
	return m.Name
}

func encodePropertySet(props map[string]PropertyValue) ([]byte, error) {
	var b []byte
	keys := slices.Sorted(maps.Keys(props))
	for _, k := range keys {
		b = protowire.AppendTag(b, fieldSetKeys, protowire.BytesType)
		b = protowire.AppendString(b, k)
	}
	for _, k := range keys {
		pv := props[k]
		if pv.Type == Unknown {
			return nil, fmt.Errorf("property %q: %w", k, ErrMissingType)
		}
		var vb []byte
		vb = protowire.AppendTag(vb, fieldPropertyType, protowire.VarintType)
		vb = protowire.AppendVarint(vb, uint64(pv.Type))
		if pv.IsNull || pv.Value == nil {
			vb = protowire.AppendTag(vb, fieldPropertyIsNull, protowire.VarintType)
			vb = protowire.AppendVarint(vb, protowire.EncodeBool(true))
		} else {
			var err error
			vb, err = appendValue(vb, propertyValueFields, pv.Type, pv.Value)
			if err != nil {
				return nil, fmt.Errorf("property %q: %w", k, err)
			}
		}
		b = protowire.AppendTag(b, fieldSetValues, protowire.BytesType)
		b = protowire.AppendBytes(b, vb)
	}
	return b, nil
}

func appendValue(b []byte, f valueFields, dt DataType, value any) ([]byte, error) {
	invalid := func() error {
		return fmt.Errorf("%w: %v (%T) as %s", ErrInvalidValue, value, value, dt)
	}

	switch dt {
	case Int8, Int16, Int32:
		i, ok := toInt64(value)
		if !ok || !inRange(dt, i) {
			return nil, invalid()
		}
		b = protowire.AppendTag(b, f.intValue, protowire.VarintType)
		return protowire.AppendVarint(b, uint64(uint32(int32(i)))), nil
	case UInt8, UInt16, UInt32:
		u, ok := toUint64(value)
		if !ok || u > math.MaxUint32 || !inRange(dt, int64(u)) {
			return nil, invalid()
		}
		b = protowire.AppendTag(b, f.intValue, protowire.VarintType)
		return protowire.AppendVarint(b, u), nil
	case Int64:
		i, ok := toInt64(value)
		if !ok {
			return nil, invalid()
		}
		b = protowire.AppendTag(b, f.longValue, protowire.VarintType)
		return protowire.AppendVarint(b, uint64(i)), nil
	case UInt64, DateTime:
		u, ok := toUint64(value)
		if !ok {
			return nil, invalid()
		}
		b = protowire.AppendTag(b, f.longValue, protowire.VarintType)
		return protowire.AppendVarint(b, u), nil
	case Float:
		v, ok := toFloat64(value)
		if !ok {
			return nil, invalid()
		}
		b = protowire.AppendTag(b, f.floatValue, protowire.Fixed32Type)
		return protowire.AppendFixed32(b, math.Float32bits(float32(v))), nil
	case Double:
		v, ok := toFloat64(value)
		if !ok {
			return nil, invalid()
		}
		b = protowire.AppendTag(b, f.doubleValue, protowire.Fixed64Type)
		return protowire.AppendFixed64(b, math.Float64bits(v)), nil
	case Boolean:
		v, ok := toBool(value)
		if !ok {
			return nil, invalid()
		}
		b = protowire.AppendTag(b, f.boolValue, protowire.VarintType)
		return protowire.AppendVarint(b, protowire.EncodeBool(v)), nil
	case String, Text, UUID:
		v, ok := toString(value)
		if !ok {
			return nil, invalid()
		}
		b = protowire.AppendTag(b, f.stringValue, protowire.BytesType)
		return protowire.AppendString(b, v), nil
	case Bytes, File:
		if f.bytesValue == 0 {
			break
		}
		v, ok := toBytes(value)
		if !ok {
			return nil, invalid()
		}
		b = protowire.AppendTag(b, f.bytesValue, protowire.BytesType)
		return protowire.AppendBytes(b, v), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, dt)
}

// Decode parses b as a Sparkplug B payload. Unknown fields are skipped.
func (c *ProtoCodec) Decode(b []byte) (*Payload, error) {
	p := &Payload{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("payload tag", n)
		}
		b = b[n:]

		switch {
		case num == fieldPayloadTimestamp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("payload timestamp", n)
			}
			p.Timestamp = Uint64(v)
			b = b[n:]
		case num == fieldPayloadMetrics && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("metric", n)
			}
			m, err := decodeMetric(v)
			if err != nil {
				return nil, err
			}
			p.Metrics = append(p.Metrics, m)
			b = b[n:]
		case num == fieldPayloadSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, malformed("payload seq", n)
			}
			p.Seq = Uint64(v)
			b = b[n:]
		case num == fieldPayloadUUID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, malformed("payload uuid", n)
			}
			p.UUID = v
			b = b[n:]
		case num == fieldPayloadBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("payload body", n)
			}
			p.Body = slices.Clone(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("payload field", n)
			}
			b = b[n:]
		}
	}
	return p, nil
}

// consumeValue reads a oneof value field into rv. It returns the number of
// bytes consumed, or 0 if num is not a value field of f.
func consumeValue(f valueFields, num protowire.Number, typ protowire.Type, b []byte, rv *rawValue) int {
	switch {
	case num == f.intValue && typ == protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		*rv = rawValue{kind: kindInt, num: v}
		return n
	case num == f.longValue && typ == protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		*rv = rawValue{kind: kindLong, num: v}
		return n
	case num == f.floatValue && typ == protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(b)
		*rv = rawValue{kind: kindFloat, num: uint64(v)}
		return n
	case num == f.doubleValue && typ == protowire.Fixed64Type:
		v, n := protowire.ConsumeFixed64(b)
		*rv = rawValue{kind: kindDouble, num: v}
		return n
	case num == f.boolValue && typ == protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		*rv = rawValue{kind: kindBool, num: v}
		return n
	case num == f.stringValue && typ == protowire.BytesType:
		v, n := protowire.ConsumeString(b)
		*rv = rawValue{kind: kindString, str: v}
		return n
	case f.bytesValue != 0 && num == f.bytesValue && typ == protowire.BytesType:
		v, n := protowire.ConsumeBytes(b)
		*rv = rawValue{kind: kindBytes, raw: slices.Clone(v)}
		return n
	}
	return 0
}

func decodeMetric(b []byte) (Metric, error) {
	var (
		m  Metric
		rv rawValue
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Metric{}, malformed("metric tag", n)
		}
		b = b[n:]

		if n := consumeValue(metricValueFields, num, typ, b, &rv); n != 0 {
			if n < 0 {
				return Metric{}, malformed("metric value", n)
			}
			b = b[n:]
			continue
		}

		switch {
		case num == fieldMetricName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Metric{}, malformed("metric name", n)
			}
			m.Name = v
			b = b[n:]
		case num == fieldMetricProperties && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Metric{}, malformed("metric properties", n)
			}
			props, err := decodePropertySet(v)
			if err != nil {
				return Metric{}, err
			}
			m.Properties = props
			b = b[n:]
		case typ == protowire.VarintType && num >= fieldMetricAlias && num <= fieldMetricIsNull:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Metric{}, malformed("metric field", n)
			}
			switch num {
			case fieldMetricAlias:
				m.Alias = Uint64(v)
			case fieldMetricTimestamp:
				m.Timestamp = Uint64(v)
			case fieldMetricDatatype:
				m.Type = DataType(v)
			case fieldMetricIsHistorical:
				m.IsHistorical = protowire.DecodeBool(v)
			case fieldMetricIsTransient:
				m.IsTransient = protowire.DecodeBool(v)
			case fieldMetricIsNull:
				m.IsNull = protowire.DecodeBool(v)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Metric{}, malformed("metric field", n)
			}
			b = b[n:]
		}
	}

	if m.IsNull {
		return m, nil
	}
	m.Value = rv.value(m.Type)
	return m, nil
}

func decodePropertySet(b []byte) (map[string]PropertyValue, error) {
	var (
		keys   []string
		values []PropertyValue
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, malformed("property set tag", n)
		}
		b = b[n:]

		switch {
		case num == fieldSetKeys && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, malformed("property key", n)
			}
			keys = append(keys, v)
			b = b[n:]
		case num == fieldSetValues && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, malformed("property value", n)
			}
			pv, err := decodePropertyValue(v)
			if err != nil {
				return nil, err
			}
			values = append(values, pv)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, malformed("property set field", n)
			}
			b = b[n:]
		}
	}

	if len(keys) != len(values) {
		return nil, fmt.Errorf("%w: %d property keys but %d values", ErrMalformed, len(keys), len(values))
	}
	props := make(map[string]PropertyValue, len(keys))
	for i, k := range keys {
		props[k] = values[i]
	}
	return props, nil
}

func decodePropertyValue(b []byte) (PropertyValue, error) {
	var (
		pv PropertyValue
		rv rawValue
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return PropertyValue{}, malformed("property value tag", n)
		}
		b = b[n:]

		if n := consumeValue(propertyValueFields, num, typ, b, &rv); n != 0 {
			if n < 0 {
				return PropertyValue{}, malformed("property value", n)
			}
			b = b[n:]
			continue
		}

		switch {
		case (num == fieldPropertyType || num == fieldPropertyIsNull) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return PropertyValue{}, malformed("property value field", n)
			}
			if num == fieldPropertyType {
				pv.Type = DataType(v)
			} else {
				pv.IsNull = protowire.DecodeBool(v)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return PropertyValue{}, malformed("property value field", n)
			}
			b = b[n:]
		}
	}
	if !pv.IsNull {
		pv.Value = rv.value(pv.Type)
	}
	return pv, nil
}

// value converts the wire value to the canonical Go type for dt. Without a
// datatype the natural type of the wire field is used.
func (rv rawValue) value(dt DataType) any {
	if rv.kind == kindNone {
		return nil
	}

	switch dt {
	case Int8:
		return int8(int32(uint32(rv.num)))
	case Int16:
		return int16(int32(uint32(rv.num)))
	case Int32:
		return int32(uint32(rv.num))
	case Int64:
		return int64(rv.num)
	case UInt8:
		return uint8(rv.num)
	case UInt16:
		return uint16(rv.num)
	case UInt32:
		return uint32(rv.num)
	case UInt64, DateTime:
		return rv.num
	case Float:
		return math.Float32frombits(uint32(rv.num))
	case Double:
		return math.Float64frombits(rv.num)
	case Boolean:
		return rv.num != 0
	case String, Text, UUID:
		return rv.str
	case Bytes, File:
		return rv.raw
	}

	switch rv.kind {
	case kindInt:
		return uint32(rv.num)
	case kindLong:
		return rv.num
	case kindFloat:
		return math.Float32frombits(uint32(rv.num))
	case kindDouble:
		return math.Float64frombits(rv.num)
	case kindBool:
		return rv.num != 0
	case kindString:
		return rv.str
	default:
		return rv.raw
	}
}

// MillisFromTime converts t to Sparkplug epoch milliseconds.
func MillisFromTime(t time.Time) uint64 {
	return uint64(t.UnixMilli())
}

// Now returns the current time in Sparkplug epoch milliseconds.
func Now() uint64 {
	return MillisFromTime(time.Now())
}
