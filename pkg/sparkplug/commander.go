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
	"context"
	"fmt"
	"time"

	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/payload"
	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/topic"
)

// CommanderConfig configures a Commander.
type CommanderConfig struct {
	// Target is the node (DeviceID empty) or device the commands go to.
	Target   Identity
	Commands []MetricDefinition
	OnStatus func(Status)
}

// Commander sends NCMD/DCMD messages for a fixed set of command metrics.
// Commands are never buffered.
type Commander struct {
	clientSession
	cfg  CommanderConfig
	defs map[string]MetricDefinition
}

// NewCommander creates an unstarted commander.
func NewCommander(conn *Connection, cfg CommanderConfig) (*Commander, error) {
	if err := cfg.Target.validate(); err != nil {
		return nil, err
	}
	defs := make(map[string]MetricDefinition, len(cfg.Commands))
	for _, def := range cfg.Commands {
		if def.Name == "" || def.Type == payload.Unknown {
			return nil, fmt.Errorf("%w: command metrics need a name and a type", ErrValidation)
		}
		defs[def.Name] = def
	}
	return &Commander{clientSession: newClientSession(conn, cfg.OnStatus), cfg: cfg, defs: defs}, nil
}

func (c *Commander) Start() error {
	return c.start(c, "", 0, nil)
}

func (c *Commander) Close(ctx context.Context) error {
	return c.close(ctx, c, "")
}

// Send publishes one command metric. done runs once the broker acknowledged
// the message.
func (c *Commander) Send(name string, value any, done func(error)) error {
	def, ok := c.defs[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMetric, name)
	}
	if !isScalar(value) {
		return fmt.Errorf("%w: command %q needs a scalar value, got %T", ErrValidation, name, value)
	}

	mt := topic.NCMD
	if c.cfg.Target.DeviceID != "" {
		mt = topic.DCMD
	}
	metric := payload.Metric{
		Name:      def.Name,
		Type:      def.Type,
		Value:     value,
		IsNull:    value == nil,
		Timestamp: payload.Uint64(payload.Now()),
	}

	conn := c.conn
	conn.mu.Lock()
	defer conn.unlock()
	if conn.state != StateConnected {
		return ErrNotConnected
	}
	return conn.sendLocked(c.cfg.Target, mt, []payload.Metric{metric}, true, done)
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, bool, string, []byte, time.Time,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}
