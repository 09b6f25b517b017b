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
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/redpanda-data/benthos/v4/public/service"
)

// NewPahoTransportFactory returns a TransportFactory backed by the Eclipse
// Paho MQTT client.
func NewPahoTransportFactory(mgr *service.Resources) TransportFactory {
	metrics := newPahoMetrics(mgr)
	return func(opts TransportOptions, events TransportEvents) (Transport, error) {
		if len(opts.MQTT.URLs) == 0 {
			return nil, fmt.Errorf("at least one broker URL is required")
		}
		if opts.MQTT.ClientID == "" {
			return nil, fmt.Errorf("client ID is required")
		}
		return &pahoTransport{
			opts:    opts,
			will:    opts.Will,
			events:  events,
			log:     mgr.Logger(),
			metrics: metrics,
			inbound: make(chan InboundMessage, inboundBuffer),
			stop:    make(chan struct{}),
		}, nil
	}
}

type pahoMetrics struct {
	connectionAttempts *service.MetricCounter
	connectionFailures *service.MetricCounter
	messagesReceived   *service.MetricCounter
	publishFailures    *service.MetricCounter
	subscriptionErrors *service.MetricCounter
}

func newPahoMetrics(mgr *service.Resources) *pahoMetrics {
	return &pahoMetrics{
		connectionAttempts: mgr.Metrics().NewCounter("mqtt_connection_attempts"),
		connectionFailures: mgr.Metrics().NewCounter("mqtt_connection_failures"),
		messagesReceived:   mgr.Metrics().NewCounter("mqtt_messages_received"),
		publishFailures:    mgr.Metrics().NewCounter("mqtt_publish_failures"),
		subscriptionErrors: mgr.Metrics().NewCounter("mqtt_subscription_errors"),
	}
}

// inboundBuffer is how many received messages may wait for delivery before
// the paho router blocks.
const inboundBuffer = 1024

type pahoTransport struct {
	opts    TransportOptions
	events  TransportEvents
	log     *service.Logger
	metrics *pahoMetrics
	inbound chan InboundMessage

	mu       sync.Mutex
	client   mqtt.Client
	will     *Will
	stop     chan struct{}
	stopOnce sync.Once
}

func (t *pahoTransport) Start() {
	go t.deliverLoop()
	go t.connectLoop()
}

// deliverLoop hands received messages to OnMessage one at a time, in the
// order the broker sent them. STATE updates depend on that order.
func (t *pahoTransport) deliverLoop() {
	for {
		select {
		case msg := <-t.inbound:
			if t.events.OnMessage != nil {
				t.events.OnMessage(msg)
			}
		case <-t.stop:
			return
		}
	}
}

// connectLoop retries the initial connect until it succeeds. Once connected,
// paho's auto-reconnect takes over.
func (t *pahoTransport) connectLoop() {
	for {
		client := mqtt.NewClient(t.clientOptions())
		t.mu.Lock()
		t.client = client
		t.mu.Unlock()

		t.metrics.connectionAttempts.Incr(1)
		token := client.Connect()
		select {
		case <-token.Done():
		case <-t.stop:
			return
		}
		if token.Error() == nil {
			return
		}

		t.metrics.connectionFailures.Incr(1)
		if t.events.OnConnectionLost != nil {
			t.events.OnConnectionLost(token.Error())
		}

		select {
		case <-time.After(t.opts.MQTT.ReconnectInterval):
		case <-t.stop:
			return
		}

		if t.events.OnReconnecting != nil {
			if w := t.events.OnReconnecting(); w != nil {
				t.mu.Lock()
				t.will = w
				t.mu.Unlock()
			}
		}
	}
}

func (t *pahoTransport) clientOptions() *mqtt.ClientOptions {
	cfg := t.opts.MQTT
	opts := mqtt.NewClientOptions()
	for _, url := range cfg.URLs {
		opts.AddBroker(url)
	}

	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetCleanSession(cfg.CleanSession)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(cfg.ReconnectInterval)
	// the handler only queues for deliverLoop, which keeps the order
	opts.SetOrderMatters(true)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}
	if cfg.TLS != nil {
		opts.SetTLSConfig(cfg.TLS)
	}

	t.mu.Lock()
	if w := t.will; w != nil {
		opts.SetBinaryWill(w.Topic, w.Payload, w.QoS, w.Retain)
	}
	t.mu.Unlock()

	opts.SetOnConnectHandler(func(mqtt.Client) {
		if t.stopped() {
			return
		}
		if t.events.OnConnect != nil {
			t.events.OnConnect()
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if t.events.OnConnectionLost != nil {
			t.events.OnConnectionLost(err)
		}
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, o *mqtt.ClientOptions) {
		t.metrics.connectionAttempts.Incr(1)
		if t.events.OnReconnecting == nil {
			return
		}
		if w := t.events.OnReconnecting(); w != nil {
			o.SetBinaryWill(w.Topic, w.Payload, w.QoS, w.Retain)
		}
	})
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		t.metrics.messagesReceived.Incr(1)
		select {
		case t.inbound <- InboundMessage{
			Topic:    msg.Topic(),
			Payload:  msg.Payload(),
			QoS:      msg.Qos(),
			Retained: msg.Retained(),
		}:
		case <-t.stop:
		}
	})
	return opts
}

func (t *pahoTransport) stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

func (t *pahoTransport) current() mqtt.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

func (t *pahoTransport) Publish(topic string, payload []byte, qos byte, retain bool, done func(error)) {
	client := t.current()
	if client == nil || !client.IsConnectionOpen() {
		t.metrics.publishFailures.Incr(1)
		if done != nil {
			go done(ErrNotConnected)
		}
		return
	}

	token := client.Publish(topic, qos, retain, payload)
	go func() {
		<-token.Done()
		err := token.Error()
		if err != nil {
			t.metrics.publishFailures.Incr(1)
		}
		if done != nil {
			done(err)
		}
	}()
}

// Subscribe issues an MQTT 3.1.1 subscribe. Paho does not report
// subscription identifiers, so subscriptionID is not sent to the broker;
// inbound routing falls back to topic matching.
func (t *pahoTransport) Subscribe(filter string, qos byte, _ int, done func(error)) {
	client := t.current()
	if client == nil {
		if done != nil {
			go done(ErrNotConnected)
		}
		return
	}

	token := client.Subscribe(filter, qos, nil)
	go func() {
		<-token.Done()
		err := token.Error()
		if err != nil {
			t.metrics.subscriptionErrors.Incr(1)
			t.log.Errorf("Failed to subscribe to %s: %v", filter, err)
		}
		if done != nil {
			done(err)
		}
	}()
}

func (t *pahoTransport) Unsubscribe(filter string) {
	client := t.current()
	if client == nil || !client.IsConnectionOpen() {
		return
	}
	token := client.Unsubscribe(filter)
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			t.log.Warnf("Failed to unsubscribe from %s: %v", filter, err)
		}
	}()
}

func (t *pahoTransport) End(done func()) {
	t.stopOnce.Do(func() { close(t.stop) })
	client := t.current()
	go func() {
		if client != nil {
			client.Disconnect(250)
		}
		if done != nil {
			done()
		}
	}()
}
