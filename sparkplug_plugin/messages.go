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

package sparkplug_plugin

import (
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/payload"
	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/topic"
)

// setTopicMetadata copies the parts of a Sparkplug topic into metadata.
// Topics outside the Sparkplug namespace only get mqtt_topic.
func setTopicMetadata(msg *service.Message, t string) {
	msg.MetaSet(metaMQTTTopic, t)
	info, err := topic.Parse(t)
	if err != nil {
		return
	}
	msg.MetaSet(metaMsgType, info.Type.String())
	msg.MetaSet(metaDeviceKey, info.DeviceKey())
	msg.MetaSet("group_id", info.Group)
	msg.MetaSet("edge_node_id", info.EdgeNode)
	if info.Device != "" {
		msg.MetaSet("device_id", info.Device)
	}
}

// metricName is the name of a metric, or alias_<n> when only the alias is known.
func metricName(m payload.Metric) string {
	switch {
	case m.Name != "":
		return m.Name
	case m.Alias != nil:
		return "alias_" + strconv.FormatUint(*m.Alias, 10)
	default:
		return "unknown_metric"
	}
}

// metricValue is the JSON body of a single metric. Null metrics carry a BAD
// quality.
type metricValue struct {
	Value     any    `json:"value"`
	Type      string `json:"type,omitempty"`
	Timestamp uint64 `json:"timestamp,omitempty"`
	Quality   string `json:"quality"`
}

func metricBody(m payload.Metric) ([]byte, error) {
	v := metricValue{Value: m.Value, Type: m.Type.String(), Quality: "GOOD"}
	if m.IsNull || m.Value == nil {
		v.Value, v.Quality = nil, "BAD"
	}
	if m.Timestamp != nil {
		v.Timestamp = *m.Timestamp
	}
	return json.Marshal(v)
}

// payloadMessage renders a whole payload as one JSON message.
func payloadMessage(t string, p *payload.Payload) (*service.Message, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload from %s to JSON: %w", t, err)
	}
	msg := service.NewMessage(body)
	setTopicMetadata(msg, t)
	return msg, nil
}

// splitMessages renders one JSON message per metric.
func splitMessages(t string, p *payload.Payload) (service.MessageBatch, error) {
	batch := make(service.MessageBatch, 0, len(p.Metrics))
	for _, m := range p.Metrics {
		body, err := metricBody(m)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metric %s from %s: %w", metricName(m), t, err)
		}
		msg := service.NewMessage(body)
		setTopicMetadata(msg, t)
		msg.MetaSet(metaMetric, metricName(m))
		msg.MetaSet(metaType, m.Type.String())
		batch = append(batch, msg)
	}
	return batch, nil
}
