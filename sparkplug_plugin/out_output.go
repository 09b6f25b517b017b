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
	"errors"
	"fmt"
	"sync"

	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug"
	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/payload"
)

const (
	formatMetrics = "metrics"
	formatRaw     = "raw"
)

func outOutputSpec() *service.ConfigSpec {
	spec := service.NewConfigSpec().
		Version("1.0.0").
		Summary("Publishes caller-built Sparkplug B payloads to any topic").
		Description(`Encodes the message body as a Sparkplug B payload and publishes it without any
session bookkeeping: no BIRTH, no sequence numbers and no buffering. Messages that
arrive while disconnected are dropped.

With body_format 'metrics' the body has the form {"metrics": [...]} and every metric
needs a type. With 'raw' the body is published unchanged.

The topic comes from the topic field or, when that is empty, from the mqtt_topic metadata.`)
	for _, f := range connectionFields() {
		spec = spec.Field(f)
	}
	return spec.
		Field(service.NewInterpolatedStringField("topic").
			Description("Topic to publish to. Empty uses the mqtt_topic metadata of each message.").
			Example("spBv1.0/FactoryA/NCMD/Line1").
			Default("")).
		Field(service.NewStringEnumField("body_format", formatMetrics, formatRaw).
			Description("How the message body is turned into the MQTT payload").
			Default(formatMetrics)).
		Field(service.NewBoolField("retain").
			Description("Publish with the MQTT retain flag").
			Default(false))
}

func init() {
	err := service.RegisterOutput(
		"sparkplug_out",
		outOutputSpec(),
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.Output, int, error) {
			out, err := newOutOutput(conf, mgr)
			return out, 1, err
		})
	if err != nil {
		panic(err)
	}
}

type outOutput struct {
	conn   connectionConfig
	topic  *service.InterpolatedString
	format string
	retain bool
	logger *service.Logger
	mgr    *service.Resources
	pool   *connectionPool

	mu        sync.Mutex
	shared    *sparkplug.Connection
	publisher *sparkplug.Publisher

	messagesDropped *service.MetricCounter
}

func newOutOutput(conf *service.ParsedConfig, mgr *service.Resources) (*outOutput, error) {
	cc, err := parseConnectionConfig(conf)
	if err != nil {
		return nil, err
	}
	t, err := conf.FieldInterpolatedString("topic")
	if err != nil {
		return nil, err
	}
	format, err := conf.FieldString("body_format")
	if err != nil {
		return nil, err
	}
	retain, err := conf.FieldBool("retain")
	if err != nil {
		return nil, err
	}
	return &outOutput{
		conn:            cc,
		topic:           t,
		format:          format,
		retain:          retain,
		logger:          mgr.Logger(),
		mgr:             mgr,
		pool:            connections,
		messagesDropped: mgr.Metrics().NewCounter("sparkplug_out_messages_dropped"),
	}, nil
}

func (o *outOutput) Connect(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.publisher != nil {
		return nil
	}

	conn, err := o.pool.acquire(o.conn, o.mgr)
	if err != nil {
		return err
	}
	publisher := sparkplug.NewPublisher(conn, statusLogger(o.logger, "sparkplug_out"))
	if err := publisher.Start(); err != nil {
		_ = o.pool.release(ctx, o.conn.Name, conn)
		return fmt.Errorf("failed to start sparkplug_out: %w", err)
	}
	o.shared, o.publisher = conn, publisher
	return nil
}

func (o *outOutput) resolveTopic(msg *service.Message) (string, error) {
	t, err := o.topic.TryString(msg)
	if err != nil {
		return "", fmt.Errorf("%w: topic interpolation: %v", sparkplug.ErrValidation, err)
	}
	if t == "" {
		t, _ = msg.MetaGet(metaMQTTTopic)
	}
	if t == "" {
		return "", fmt.Errorf("%w: no topic configured and no %s metadata", sparkplug.ErrValidation, metaMQTTTopic)
	}
	return t, nil
}

func (o *outOutput) publish(msg *service.Message, done func(error)) error {
	o.mu.Lock()
	publisher := o.publisher
	o.mu.Unlock()
	if publisher == nil {
		return service.ErrNotConnected
	}

	t, err := o.resolveTopic(msg)
	if err != nil {
		return err
	}
	body, err := msg.AsBytes()
	if err != nil {
		return fmt.Errorf("%w: %v", sparkplug.ErrValidation, err)
	}
	qos := o.conn.Config.MQTT.QoS

	if o.format == formatRaw {
		return publisher.PublishValue(t, body, qos, o.retain, done)
	}
	metrics, err := sparkplug.ParseMetrics(body)
	if err != nil {
		return err
	}
	p := &payload.Payload{Timestamp: payload.Uint64(payload.Now()), Metrics: metrics}
	return publisher.Publish(t, p, qos, o.retain, done)
}

func (o *outOutput) Write(ctx context.Context, msg *service.Message) error {
	acked := make(chan error, 1)
	err := o.publish(msg, func(err error) { acked <- err })
	switch {
	case err == nil:
	case errors.Is(err, sparkplug.ErrValidation), errors.Is(err, sparkplug.ErrInvalidTopic), errors.Is(err, sparkplug.ErrNotConnected), permanentEncodeError(err):
		o.messagesDropped.Incr(1)
		o.logger.Warnf("Dropping message: %v", err)
		return nil
	default:
		return err
	}

	select {
	case err := <-acked:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *outOutput) Close(ctx context.Context) error {
	o.mu.Lock()
	publisher, conn := o.publisher, o.shared
	o.publisher, o.shared = nil, nil
	o.mu.Unlock()
	if publisher == nil {
		return nil
	}

	if err := publisher.Close(ctx); err != nil {
		o.logger.Warnf("Failed to close sparkplug_out cleanly: %v", err)
	}
	return o.pool.release(ctx, o.conn.Name, conn)
}
