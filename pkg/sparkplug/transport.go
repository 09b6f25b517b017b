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

// Will is the last-will message registered with the broker on connect.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// TransportOptions configures a single transport instance.
type TransportOptions struct {
	MQTT MQTTConfig
	Will *Will
}

// TransportEvents are the callbacks a transport reports its lifecycle
// through. Implementations must never invoke them synchronously from within
// a Transport method call.
type TransportEvents struct {
	OnConnect func()
	// OnReconnecting is called before every retry. A non-nil return value
	// replaces the will used for the next attempt.
	OnReconnecting   func() *Will
	OnConnectionLost func(err error)
	OnMessage        func(msg InboundMessage)
}

// Transport is the wire-level MQTT client used by a Connection. It owns
// connecting, reconnecting and keepalive; the connection only reacts to the
// events it reports.
type Transport interface {
	// Start begins connecting in the background.
	Start()
	// Publish sends a message. done is called asynchronously once the broker
	// acknowledged it (or it failed).
	Publish(topic string, payload []byte, qos byte, retain bool, done func(error))
	Subscribe(filter string, qos byte, subscriptionID int, done func(error))
	Unsubscribe(filter string)
	// End disconnects and stops reconnecting. done is called asynchronously
	// once the transport is shut down.
	End(done func())
}

// TransportFactory creates a transport for one connection cycle.
type TransportFactory func(opts TransportOptions, events TransportEvents) (Transport, error)
