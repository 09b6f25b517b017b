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

	"github.com/goccy/go-json"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug"
)

func commandOutputSpec() *service.ConfigSpec {
	spec := service.NewConfigSpec().
		Version("1.0.0").
		Summary("Sends Sparkplug B commands (NCMD/DCMD) to an edge node or device").
		Description(`Each message is one command. The metric name comes from the sparkplug_metric
metadata (or the command field when set) and the body is the scalar value, e.g. 'true',
'42.5' or '"auto"'. Bodies that are not valid JSON are sent as strings.

Only the metrics listed in commands can be sent. Commands are never buffered and are
dropped with a warning while the broker is unreachable.`)
	for _, f := range connectionFields() {
		spec = spec.Field(f)
	}
	return spec.
		Field(service.NewObjectField("target",
			service.NewStringField("group_id").
				Description("Group ID of the target edge node"),
			service.NewStringField("edge_node_id").
				Description("Edge node ID of the target"),
			service.NewStringField("device_id").
				Description("Device ID of the target. Empty sends NCMD to the node.").
				Default("")).
			Description("Edge node or device the commands are addressed to")).
		Field(service.NewObjectListField("commands", metricFields()...).
			Description("Command metrics that may be sent").
			Example([]any{
				map[string]any{"name": sparkplug.RebirthMetric, "type": "Boolean"},
			})).
		Field(service.NewStringField("command").
			Description("Fixed command metric name used when the sparkplug_metric metadata is missing").
			Default(""))
}

func init() {
	err := service.RegisterOutput(
		"sparkplug_command",
		commandOutputSpec(),
		func(conf *service.ParsedConfig, mgr *service.Resources) (service.Output, int, error) {
			out, err := newCommandOutput(conf, mgr)
			return out, 1, err
		})
	if err != nil {
		panic(err)
	}
}

type commandOutput struct {
	conn           connectionConfig
	cfg            sparkplug.CommanderConfig
	defaultCommand string
	logger         *service.Logger
	mgr            *service.Resources
	pool           *connectionPool

	mu        sync.Mutex
	shared    *sparkplug.Connection
	commander *sparkplug.Commander

	commandsSent    *service.MetricCounter
	commandsDropped *service.MetricCounter
}

func newCommandOutput(conf *service.ParsedConfig, mgr *service.Resources) (*commandOutput, error) {
	cc, err := parseConnectionConfig(conf)
	if err != nil {
		return nil, err
	}

	var target sparkplug.Identity
	targetConf := conf.Namespace("target")
	if target.GroupID, err = targetConf.FieldString("group_id"); err != nil {
		return nil, err
	}
	if target.EdgeNodeID, err = targetConf.FieldString("edge_node_id"); err != nil {
		return nil, err
	}
	if target.DeviceID, err = targetConf.FieldString("device_id"); err != nil {
		return nil, err
	}
	commands, err := parseMetricDefinitions(conf, "commands")
	if err != nil {
		return nil, err
	}
	if len(commands) == 0 {
		return nil, errors.New("at least one command metric is required")
	}
	defaultCommand, err := conf.FieldString("command")
	if err != nil {
		return nil, err
	}

	return &commandOutput{
		conn: cc,
		cfg: sparkplug.CommanderConfig{
			Target:   target,
			Commands: commands,
			OnStatus: statusLogger(mgr.Logger(), "sparkplug_command "+target.String()),
		},
		defaultCommand:  defaultCommand,
		logger:          mgr.Logger(),
		mgr:             mgr,
		pool:            connections,
		commandsSent:    mgr.Metrics().NewCounter("sparkplug_commands_sent"),
		commandsDropped: mgr.Metrics().NewCounter("sparkplug_commands_dropped"),
	}, nil
}

func (o *commandOutput) Connect(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.commander != nil {
		return nil
	}

	conn, err := o.pool.acquire(o.conn, o.mgr)
	if err != nil {
		return err
	}
	commander, err := sparkplug.NewCommander(conn, o.cfg)
	if err == nil {
		err = commander.Start()
	}
	if err != nil {
		_ = o.pool.release(ctx, o.conn.Name, conn)
		return fmt.Errorf("failed to start sparkplug_command: %w", err)
	}
	o.shared, o.commander = conn, commander
	return nil
}

// commandValue reads a scalar JSON body. Anything that does not parse is
// taken as a string.
func commandValue(body []byte) any {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body)
	}
	return v
}

func (o *commandOutput) Write(ctx context.Context, msg *service.Message) error {
	o.mu.Lock()
	commander := o.commander
	o.mu.Unlock()
	if commander == nil {
		return service.ErrNotConnected
	}

	name, _ := msg.MetaGet(metaMetric)
	if name == "" {
		name = o.defaultCommand
	}
	body, err := msg.AsBytes()
	if err != nil {
		return err
	}

	acked := make(chan error, 1)
	err = commander.Send(name, commandValue(body), func(err error) { acked <- err })
	switch {
	case err == nil:
	case errors.Is(err, sparkplug.ErrValidation), errors.Is(err, sparkplug.ErrUnknownMetric), errors.Is(err, sparkplug.ErrNotConnected), permanentEncodeError(err):
		o.commandsDropped.Incr(1)
		o.logger.Warnf("Dropping command %q for %s: %v", name, o.cfg.Target, err)
		return nil
	default:
		return err
	}

	select {
	case err := <-acked:
		if err == nil {
			o.commandsSent.Incr(1)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *commandOutput) Close(ctx context.Context) error {
	o.mu.Lock()
	commander, conn := o.commander, o.shared
	o.commander, o.shared = nil, nil
	o.mu.Unlock()
	if commander == nil {
		return nil
	}

	if err := commander.Close(ctx); err != nil {
		o.logger.Warnf("Failed to close sparkplug_command cleanly: %v", err)
	}
	return o.pool.release(ctx, o.conn.Name, conn)
}
