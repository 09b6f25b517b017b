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
	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/payload"
	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/topic"
)

func deviceListenerInputSpec() *service.ConfigSpec {
	spec := service.NewConfigSpec().
		Version("1.0.0").
		Summary("Watches selected metrics of one Sparkplug B edge node or device").
		Description(`Subscribes to every message type of one edge node (device_id empty) or device
and emits the configured metrics whenever they appear in a DATA message, or in BIRTH and
command messages when enabled. Aliases are learned from BIRTH messages.

One message is emitted per watched metric present in the inbound payload. Its body is
{"value": ..., "type": ..., "timestamp": ..., "quality": "GOOD"} and the metadata carries
sparkplug_metric, sparkplug_slot (position in the metrics list) and sparkplug_type.`)
	for _, f := range connectionFields() {
		spec = spec.Field(f)
	}
	return spec.
		Field(service.NewObjectField("target",
			service.NewStringField("group_id").
				Description("Group ID of the watched edge node"),
			service.NewStringField("edge_node_id").
				Description("Edge node ID to watch"),
			service.NewStringField("device_id").
				Description("Device ID to watch. Empty watches the node itself.").
				Default("")).
			Description("Edge node or device to watch")).
		Field(service.NewStringListField("metrics").
			Description("Names of the metrics to watch").
			Example([]string{"Temperature", "Pressure"})).
		Field(service.NewBoolField("include_birth").
			Description("Also emit metrics found in BIRTH messages").
			Default(false)).
		Field(service.NewBoolField("include_commands").
			Description("Also emit metrics found in NCMD/DCMD messages").
			Default(false)).
		Field(service.NewIntField("buffer_size").
			Description("Batches held until read. Batches arriving while it is full are dropped.").
			Default(1000).
			Advanced())
}

func init() {
	err := service.RegisterBatchInput(
		"sparkplug_device_listener",
		deviceListenerInputSpec(),
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.BatchInput, error) {
			in, err := newDeviceListenerInput(conf, mgr)
			if err != nil {
				return nil, err
			}
			return service.AutoRetryNacksBatched(in), nil
		})
	if err != nil {
		panic(err)
	}
}

type deviceListenerInput struct {
	conn   connectionConfig
	cfg    sparkplug.DeviceListenerConfig
	logger *service.Logger
	mgr    *service.Resources
	pool   *connectionPool

	messages chan service.MessageBatch
	done     chan struct{}

	mu       sync.Mutex
	shared   *sparkplug.Connection
	listener *sparkplug.DeviceListener

	messagesDropped *service.MetricCounter
}

func newDeviceListenerInput(conf *service.ParsedConfig, mgr *service.Resources) (*deviceListenerInput, error) {
	cc, err := parseConnectionConfig(conf)
	if err != nil {
		return nil, err
	}

	cfg := sparkplug.DeviceListenerConfig{QoS: cc.Config.MQTT.QoS}
	targetConf := conf.Namespace("target")
	if cfg.GroupID, err = targetConf.FieldString("group_id"); err != nil {
		return nil, err
	}
	if cfg.EdgeNodeID, err = targetConf.FieldString("edge_node_id"); err != nil {
		return nil, err
	}
	if cfg.DeviceID, err = targetConf.FieldString("device_id"); err != nil {
		return nil, err
	}
	if cfg.Metrics, err = conf.FieldStringList("metrics"); err != nil {
		return nil, err
	}
	if cfg.IncludeBirth, err = conf.FieldBool("include_birth"); err != nil {
		return nil, err
	}
	if cfg.IncludeCommands, err = conf.FieldBool("include_commands"); err != nil {
		return nil, err
	}
	size, err := conf.FieldInt("buffer_size")
	if err != nil {
		return nil, err
	}
	if size < 1 {
		return nil, fmt.Errorf("buffer_size must be positive, got %d", size)
	}

	in := &deviceListenerInput{
		conn:            cc,
		logger:          mgr.Logger(),
		mgr:             mgr,
		pool:            connections,
		messages:        make(chan service.MessageBatch, size),
		done:            make(chan struct{}),
		messagesDropped: mgr.Metrics().NewCounter("sparkplug_device_listener_messages_dropped"),
	}
	target := sparkplug.Identity{GroupID: cfg.GroupID, EdgeNodeID: cfg.EdgeNodeID, DeviceID: cfg.DeviceID}
	cfg.OnSlots = in.onSlots
	cfg.OnStatus = statusLogger(mgr.Logger(), "sparkplug_device_listener "+target.String())
	in.cfg = cfg
	return in, nil
}

func (s *deviceListenerInput) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	conn, err := s.pool.acquire(s.conn, s.mgr)
	if err != nil {
		return err
	}
	listener, err := sparkplug.NewDeviceListener(conn, s.cfg)
	if err == nil {
		err = listener.Start()
	}
	if err != nil {
		_ = s.pool.release(ctx, s.conn.Name, conn)
		return fmt.Errorf("failed to start sparkplug_device_listener: %w", err)
	}
	s.shared, s.listener = conn, listener
	return nil
}

func slotMessage(t string, index int, slot *sparkplug.Slot) (*service.Message, error) {
	body, err := metricBody(payload.Metric{Name: slot.Name, Type: slot.Type, Value: slot.Value, Timestamp: slot.Timestamp})
	if err != nil {
		return nil, err
	}
	msg := service.NewMessage(body)
	setTopicMetadata(msg, t)
	msg.MetaSet(metaMetric, slot.Name)
	msg.MetaSet(metaSlot, strconv.Itoa(index))
	msg.MetaSet(metaType, slot.Type.String())
	return msg, nil
}

func (s *deviceListenerInput) onSlots(info topic.Info, slots []*sparkplug.Slot) {
	t := topic.Build(info.Group, info.Type, info.EdgeNode, info.Device)
	var batch service.MessageBatch
	for i, slot := range slots {
		if slot == nil {
			continue
		}
		msg, err := slotMessage(t, i, slot)
		if err != nil {
			s.logger.Errorf("Failed to render metric %s from %s: %v", slot.Name, t, err)
			continue
		}
		batch = append(batch, msg)
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

func (s *deviceListenerInput) ReadBatch(ctx context.Context) (service.MessageBatch, service.AckFunc, error) {
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-s.done:
		return nil, nil, service.ErrEndOfInput
	case batch := <-s.messages:
		return batch, func(ctx context.Context, err error) error { return nil }, nil
	}
}

func (s *deviceListenerInput) Close(ctx context.Context) error {
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
		s.logger.Warnf("Failed to close sparkplug_device_listener cleanly: %v", err)
	}
	return s.pool.release(ctx, s.conn.Name, conn)
}
