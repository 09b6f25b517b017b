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
	"fmt"

	"github.com/goccy/go-json"
)

// Message is an outbound MQTT publish.
type Message struct {
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
	QoS     byte   `json:"qos"`
	Retain  bool   `json:"retain"`
}

// InboundMessage is a message delivered by the broker.
type InboundMessage struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
	// SubscriptionID is the MQTT 5 subscription identifier, 0 when the
	// transport does not report one.
	SubscriptionID int
}

// MessageFromValue builds a message whose payload is v serialized for the
// wire: bytes pass through unchanged, strings are sent as-is, nil becomes an
// empty payload and anything else is sent as JSON.
func MessageFromValue(topic string, v any) (Message, error) {
	msg := Message{Topic: topic}
	switch body := v.(type) {
	case nil:
		msg.Payload = []byte{}
	case []byte:
		msg.Payload = body
	case string:
		msg.Payload = []byte(body)
	case fmt.Stringer:
		msg.Payload = []byte(body.String())
	default:
		raw, err := json.Marshal(body)
		if err != nil {
			return Message{}, fmt.Errorf("serializing payload for %s: %w", topic, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}
