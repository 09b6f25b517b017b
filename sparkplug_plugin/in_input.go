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
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug"
)

func inInputSpec() *service.ConfigSpec {
	spec := service.NewConfigSpec().
		Version("1.0.0").
		Summary("Subscribes to Sparkplug B topics and emits the decoded payloads").
		Description(`Subscribes to an MQTT topic filter and decodes every message as a Sparkplug B
payload, decompressing it when it carries the SPBV1.0_COMPRESSED envelope.
Messages that cannot be decoded are logged and dropped.

By default one message is emitted per payload, with the payload as JSON body.
With split_metrics one message is emitted per metric instead.

Metadata: mqtt_topic, mqtt_qos, mqtt_retained and, for Sparkplug topics,
sparkplug_msg_type, sparkplug_device_key, group_id, edge_node_id and device_id.`)
	for _, f := range connectionFields() {
		spec = spec.Field(f)
	}
	return spec.
		Field(service.NewStringField("topic").
			Description("Topic filter to subscribe to. '+' and a trailing '#' are supported.").
			Example("spBv1.0/+/DDATA/#").
			Default("spBv1.0/#")).
		Field(service.NewBoolField("split_metrics").
			Description("Emit one message per metric, with sparkplug_metric and sparkplug_type metadata").
			Default(false)).
		Field(service.NewIntField("buffer_size").
			Description("Decoded messages held until read. Messages arriving while it is full are dropped.").
			Default(1000).
			Advanced())
}

func init() {
	err := service.RegisterBatchInput(
		"sparkplug_in",
		inInputSpec(),
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.BatchInput, error) {
			in, err := newInInput(conf, mgr)
			if err != nil {
				return nil, err
			}
			return service.AutoRetryNacksBatched(in), nil
		})
	if err != nil {
		panic(err)
	}
}

type inInput struct {
	conn   connectionConfig
	filter string
	split  bool
	logger *service.Logger
	mgr    *service.Resources
	pool   *connectionPool

	messages chan service.MessageBatch
	done     chan struct{}

	mu       sync.Mutex
	shared   *sparkplug.Connection
	listener *sparkplug.Listener

	messagesReceived *service.MetricCounter
	messagesDropped  *service.MetricCounter
}

func newInInput(conf *service.ParsedConfig, mgr *service.Resources) (*inInput, error) {
	cc, err := parseConnectionConfig(conf)
	if err != nil {
		return nil, err
	}
	filter, err := conf.FieldString("topic")
	if err != nil {
		return nil, err
	}
	split, err := conf.FieldBool("split_metrics")
	if err != nil {
		return nil, err
	}
	size, err := conf.FieldInt("buffer_size")
	if err != nil {
		return nil, err
	}
	if size < 1 {
		return nil, fmt.Errorf("buffer_size must be positive, got %d", size)
	}

	return &inInput{
		conn:             cc,
		filter:           filter,
		split:            split,
		logger:           mgr.Logger(),
		mgr:              mgr,
		pool:             connections,
		messages:         make(chan service.MessageBatch, size),
		done:             make(chan struct{}),
		messagesReceived: mgr.Metrics().NewCounter("sparkplug_in_messages_received"),
		messagesDropped:  mgr.Metrics().NewCounter("sparkplug_in_messages_dropped"),
	}, nil
}

func (s *inInput) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	conn, err := s.pool.acquire(s.conn, s.mgr)
	if err != nil {
		return err
	}
	listener, err := sparkplug.NewListener(conn, sparkplug.ListenerConfig{
		Topic:     s.filter,
		QoS:       s.conn.Config.MQTT.QoS,
		OnMessage: s.onMessage,
		OnStatus:  statusLogger(s.logger, "sparkplug_in "+s.filter),
	})
	if err == nil {
		err = listener.Start()
	}
	if err != nil {
		_ = s.pool.release(ctx, s.conn.Name, conn)
		return fmt.Errorf("failed to subscribe to %s: %w", s.filter, err)
	}
	s.shared, s.listener = conn, listener
	s.logger.Infof("Subscribed to Sparkplug topic: %s", s.filter)
	return nil
}

func (s *inInput) render(d sparkplug.Delivery) (service.MessageBatch, error) {
	var batch service.MessageBatch
	if s.split {
		var err error
		if batch, err = splitMessages(d.Topic, d.Payload); err != nil {
			return nil, err
		}
	} else {
		msg, err := payloadMessage(d.Topic, d.Payload)
		if err != nil {
			return nil, err
		}
		batch = service.MessageBatch{msg}
	}
	for _, msg := range batch {
		msg.MetaSet(metaMQTTQoS, strconv.Itoa(int(d.QoS)))
		msg.MetaSet(metaMQTTRetained, strconv.FormatBool(d.Retained))
	}
	return batch, nil
}

func (s *inInput) onMessage(d sparkplug.Delivery) {
	s.messagesReceived.Incr(1)
	batch, err := s.render(d)
	if err != nil {
		s.logger.Errorf("Dropping message: %v", err)
		s.messagesDropped.Incr(1)
		return
	}
	if len(batch) == 0 {
		return
	}

	select {
	case <-s.done:
	case s.messages <- batch:
	default:
		s.logger.Warn("Message buffer full, dropping message")
		s.messagesDropped.Incr(1)
	}
}

func (s *inInput) ReadBatch(ctx context.Context) (service.MessageBatch, service.AckFunc, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-s.done:
		return nil, nil, service.ErrEndOfInput
	case batch := <-s.messages:
		return batch, func(ctx context.Context, err error) error { return nil }, nil
	}
}

func (s *inInput) Close(ctx context.Context) error {
	s.mu.Lock()
	listener, conn := s.listener, s.shared
	s.listener, s.shared = nil, nil
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()
	if listener == nil {
		return nil
	}

	if err := listener.Close(ctx); err != nil {
		s.logger.Warnf("Failed to close sparkplug_in cleanly: %v", err)
	}
	return s.pool.release(ctx, s.conn.Name, conn)
}
