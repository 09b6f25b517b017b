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
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/redpanda-data/benthos/v4/public/service"
)

// PahoDelivery exposes the receive path of the paho transport without a
// broker: deliver feeds the default publish handler, ordered reports the
// client option that keeps paho's router sequential.
func PahoDelivery(events TransportEvents) (deliver func(mqtt.Message), ordered bool, stop func()) {
	t := &pahoTransport{
		opts:    TransportOptions{MQTT: MQTTConfig{URLs: []string{"tcp://localhost:1883"}, ClientID: "test"}},
		events:  events,
		log:     service.MockResources().Logger(),
		metrics: newPahoMetrics(service.MockResources()),
		inbound: make(chan InboundMessage, inboundBuffer),
		stop:    make(chan struct{}),
	}
	go t.deliverLoop()
	opts := t.clientOptions()
	handler := opts.DefaultPublishHandler
	return func(m mqtt.Message) { handler(nil, m) }, opts.Order, func() { t.stopOnce.Do(func() { close(t.stop) }) }
}
