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
	"strings"
	"sync"

	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug"
	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/payload"
)

func deviceOutputSpec() *service.ConfigSpec {
	spec := service.NewConfigSpec().
		Version("1.0.0").
		Summary("Publishes metrics as a Sparkplug B edge node or device").
		Description(`Runs the BIRTH/DATA/DEATH lifecycle of one Sparkplug B edge node (device_id empty)
or one device below it.

Each message body has the form:

` + "```json" + `
{"metrics": [{"name": "Temperature", "value": 21.5, "timestamp": 1700000000000}]}
` + "```" + `

Values are cached per metric. The BIRTH goes out once every configured metric has a value
(or immediately with birth_immediately), later messages are published as DATA.
Setting the metadata field sparkplug_command to "rebirth" or "death" triggers those
lifecycle messages instead of an update.

Messages with unknown metrics or malformed bodies are logged and dropped.
Requires identity.group_id and identity.edge_node_id on the connection.`)
	for _, f := range connectionFields() {
		spec = spec.Field(f)
	}
	return spec.
		Field(service.NewStringField("device_id").
			Description("Device ID below the edge node. Empty makes this the edge node session itself.").
			Default("")).
		Field(service.NewObjectListField("metrics", metricFields()...).
			Description("Metrics this node or device reports, published in order in every BIRTH")).
		Field(service.NewBoolField("birth_immediately").
			Description("Publish the BIRTH as soon as connected, with null for metrics not seen yet").
			Default(false))
}

func init() {
	err := service.RegisterOutput(
		"sparkplug_device",
		deviceOutputSpec(),
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.Output, int, error) {
			out, err := newDeviceOutput(conf, mgr)
			return out, 1, err
		})
	if err != nil {
		panic(err)
	}
}

type deviceOutput struct {
	conn    connectionConfig
	session sparkplug.SessionConfig
	logger  *service.Logger
	mgr     *service.Resources
	pool    *connectionPool

	mu     sync.Mutex
	shared *sparkplug.Connection
	edge   *sparkplug.EdgeSession

	messagesDropped  *service.MetricCounter
	commandsReceived *service.MetricCounter
}

func newDeviceOutput(conf *service.ParsedConfig, mgr *service.Resources) (*deviceOutput, error) {
	cc, err := parseConnectionConfig(conf)
	if err != nil {
		return nil, err
	}
	if cc.Config.Identity.IsZero() {
		return nil, errors.New("identity.group_id and identity.edge_node_id are required")
	}

	deviceID, err := conf.FieldString("device_id")
	if err != nil {
		return nil, err
	}
	defs, err := parseMetricDefinitions(conf, "metrics")
	if err != nil {
		return nil, err
	}
	birthImmediately, err := conf.FieldBool("birth_immediately")
	if err != nil {
		return nil, err
	}

	o := &deviceOutput{
		conn:             cc,
		logger:           mgr.Logger(),
		mgr:              mgr,
		pool:             connections,
		messagesDropped:  mgr.Metrics().NewCounter("sparkplug_device_messages_dropped"),
		commandsReceived: mgr.Metrics().NewCounter("sparkplug_device_commands_received"),
	}
	o.session = sparkplug.SessionConfig{
		DeviceID:         deviceID,
		Metrics:          defs,
		BirthImmediately: birthImmediately,
		OnCommand:        o.onCommand,
		OnStatus:         statusLogger(mgr.Logger(), o.name()),
	}
	return o, nil
}

func (o *deviceOutput) name() string {
	id := o.conn.Config.Identity
	id.DeviceID = o.session.DeviceID
	return "sparkplug_device " + id.String()
}

func (o *deviceOutput) Connect(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.edge != nil {
		return nil
	}

	conn, err := o.pool.acquire(o.conn, o.mgr)
	if err != nil {
		return err
	}
	edge, err := sparkplug.NewEdgeSession(conn, o.session)
	if err == nil {
		err = edge.Start()
	}
	if err != nil {
		_ = o.pool.release(ctx, o.conn.Name, conn)
		return fmt.Errorf("failed to start %s: %w", o.name(), err)
	}
	o.shared, o.edge = conn, edge
	o.logger.Infof("Started %s on %v", o.name(), o.conn.Config.MQTT.URLs)
	return nil
}

func (o *deviceOutput) onCommand(cmd sparkplug.Command) {
	o.commandsReceived.Incr(1)
	names := make([]string, 0, len(cmd.Payload.Metrics))
	for _, m := range cmd.Payload.Metrics {
		names = append(names, m.Name)
	}
	o.logger.Infof("Received command on %s: %s", cmd.Topic, strings.Join(names, ", "))
}

// parseInput turns a message into a session input.
func parseInput(msg *service.Message) (sparkplug.Input, error) {
	if cmd, ok := msg.MetaGet(metaCommand); ok && cmd != "" {
		return sparkplug.Input{Command: strings.ToLower(strings.TrimSpace(cmd))}, nil
	}
	body, err := msg.AsBytes()
	if err != nil {
		return sparkplug.Input{}, fmt.Errorf("%w: %v", sparkplug.ErrValidation, err)
	}
	metrics, err := sparkplug.ParseMetrics(body)
	if err != nil {
		return sparkplug.Input{}, err
	}
	return sparkplug.Input{Metrics: metrics}, nil
}

// permanentEncodeError reports encode failures caused by the message itself.
// Retrying such a message can never succeed.
func permanentEncodeError(err error) bool {
	return errors.Is(err, payload.ErrInvalidValue) ||
		errors.Is(err, payload.ErrMissingType) ||
		errors.Is(err, payload.ErrUnsupportedType)
}

func (o *deviceOutput) Write(ctx context.Context, msg *service.Message) error {
	o.mu.Lock()
	edge := o.edge
	o.mu.Unlock()
	if edge == nil {
		return service.ErrNotConnected
	}

	in, err := parseInput(msg)
	if err == nil {
		err = edge.Handle(in)
	}
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sparkplug.ErrValidation), errors.Is(err, sparkplug.ErrNotConnected), permanentEncodeError(err):
		o.messagesDropped.Incr(1)
		o.logger.Warnf("Dropping message for %s: %v", o.name(), err)
		return nil
	default:
		return err
	}
}

func (o *deviceOutput) Close(ctx context.Context) error {
	o.mu.Lock()
	edge, conn := o.edge, o.shared
	o.edge, o.shared = nil, nil
	o.mu.Unlock()
	if edge == nil {
		return nil
	}

	if err := edge.Close(ctx); err != nil {
		o.logger.Warnf("Failed to close %s cleanly: %v", o.name(), err)
	}
	return o.pool.release(ctx, o.conn.Name, conn)
}
