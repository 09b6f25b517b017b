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
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"

	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/payload"
	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/topic"
)

// MetricDefinition declares a metric an edge session reports.
type MetricDefinition struct {
	Name       string
	Type       payload.DataType
	Properties map[string]payload.PropertyValue
}

// Command is an NCMD or DCMD addressed to a session.
type Command struct {
	Topic   string
	Payload *payload.Payload
}

// SessionConfig configures an EdgeSession.
type SessionConfig struct {
	// DeviceID selects a device session. Empty means the node itself.
	DeviceID string
	Metrics  []MetricDefinition
	// BirthImmediately seeds every metric with null so the BIRTH goes out as
	// soon as the connection is up.
	BirthImmediately bool

	OnCommand func(cmd Command)
	OnStatus  func(status Status)
}

// EdgeSession is the BIRTH/DATA/DEATH state machine of one edge node or
// device. It keeps the latest value of every defined metric so a BIRTH can
// be assembled from values that arrived at different times.
//
// Session state is guarded by the connection lock.
type EdgeSession struct {
	id       string
	conn     *Connection
	identity Identity
	cfg      SessionConfig

	defs  map[string]MetricDefinition
	order []string
	cache map[string]payload.Metric
	state SessionState

	statusMu sync.Mutex
	status   Status
}

// NewEdgeSession creates a session on conn. It does nothing until Start.
func NewEdgeSession(conn *Connection, cfg SessionConfig) (*EdgeSession, error) {
	if conn.cfg.Identity.IsZero() {
		return nil, fmt.Errorf("%w: edge sessions need a connection with group_id and edge_node_id", ErrValidation)
	}
	identity := conn.cfg.Identity
	identity.DeviceID = cfg.DeviceID
	if err := identity.validate(); err != nil {
		return nil, err
	}

	s := &EdgeSession{
		id:       uuid.NewString(),
		conn:     conn,
		identity: identity,
		cfg:      cfg,
		defs:     make(map[string]MetricDefinition, len(cfg.Metrics)),
		cache:    make(map[string]payload.Metric, len(cfg.Metrics)),
		status:   StatusDisconnected,
	}
	for _, def := range cfg.Metrics {
		if def.Name == "" {
			return nil, fmt.Errorf("%w: metric definition without name", ErrValidation)
		}
		if def.Type == payload.Unknown {
			return nil, fmt.Errorf("%w: metric %q has no type", ErrValidation, def.Name)
		}
		if _, dup := s.defs[def.Name]; dup {
			return nil, fmt.Errorf("%w: metric %q defined twice", ErrValidation, def.Name)
		}
		s.defs[def.Name] = def
		s.order = append(s.order, def.Name)
	}

	if cfg.BirthImmediately {
		now := payload.Now()
		for _, name := range s.order {
			s.cache[name] = payload.Metric{
				Name:      name,
				Type:      s.defs[name].Type,
				IsNull:    true,
				Timestamp: payload.Uint64(now),
			}
		}
	}
	return s, nil
}

func (s *EdgeSession) ID() string         { return s.id }
func (s *EdgeSession) ShouldBuffer() bool { return true }
func (s *EdgeSession) Identity() Identity { return s.identity }
func (s *EdgeSession) isNode() bool       { return s.identity.DeviceID == "" }

func (s *EdgeSession) SetStatus(status Status) {
	s.statusMu.Lock()
	s.status = status
	s.statusMu.Unlock()
	if s.cfg.OnStatus != nil {
		s.cfg.OnStatus(status)
	}
}

// Status returns the last reported connection status.
func (s *EdgeSession) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

// State returns the birth state of the session.
func (s *EdgeSession) State() SessionState {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.state
}

func (s *EdgeSession) commandTopic() string {
	return topic.CommandTopic(s.identity.GroupID, s.identity.EdgeNodeID, s.identity.DeviceID)
}

// Start subscribes to the session's command topic and registers it with the
// connection, which connects on the first registration.
func (s *EdgeSession) Start() error {
	c := s.conn
	c.mu.Lock()
	defer c.unlock()

	if err := c.subscribeLocked(s.commandTopic(), 1, s.handleCommand, s.id); err != nil {
		return err
	}
	if err := c.registerLocked(s); err != nil {
		c.unsubscribeLocked(s.commandTopic(), s.id)
		return err
	}
	_ = s.birthLocked()
	return nil
}

// Update merges metrics into the cache and publishes them. Unknown or
// unnamed metrics and values that do not convert to the metric's type are
// dropped with a warning and reported as ErrValidation after the accepted
// ones were processed. Before the first BIRTH no DATA is sent: the BIRTH
// already carries every cached value.
func (s *EdgeSession) Update(metrics []payload.Metric) error {
	c := s.conn
	c.mu.Lock()
	defer c.unlock()

	now := payload.Now()
	accepted := make([]payload.Metric, 0, len(metrics))
	var rejected []error
	for _, in := range metrics {
		if in.Name == "" {
			c.log.Warnf("Dropping metric without name for %s", s.identity)
			rejected = append(rejected, fmt.Errorf("metric without name"))
			continue
		}
		def, ok := s.defs[in.Name]
		if !ok {
			c.log.Warnf("Dropping metric %q for %s: %v", in.Name, s.identity, ErrUnknownMetric)
			rejected = append(rejected, fmt.Errorf("%q: %w", in.Name, ErrUnknownMetric))
			continue
		}

		m := in.Clone()
		m.Alias = nil
		if m.Type == payload.Unknown {
			m.Type = def.Type
		}
		if m.Value == nil {
			m.IsNull = true
		}
		if m.Timestamp == nil {
			m.Timestamp = payload.Uint64(now)
		}
		// a cached value that cannot encode would fail every later BIRTH
		if err := payload.ValidateMetric(m); err != nil {
			c.log.Warnf("Dropping metric %q for %s: %v", in.Name, s.identity, err)
			rejected = append(rejected, err)
			continue
		}
		s.cache[m.Name] = m
		accepted = append(accepted, m)
	}

	var sendErr error
	if c.state == StateConnected {
		if s.state == SessionBirthed {
			if len(accepted) > 0 {
				dataType := topic.DDATA
				if s.isNode() {
					dataType = topic.NDATA
				}
				sendErr = c.sendLocked(s.identity, dataType, accepted, false, nil)
			}
		} else {
			sendErr = s.birthLocked()
		}
	}
	if sendErr != nil {
		return sendErr
	}

	if len(rejected) > 0 {
		return fmt.Errorf("%w: %d of %d metrics dropped for %s: %w",
			ErrValidation, len(rejected), len(metrics), s.identity, errors.Join(rejected...))
	}
	return nil
}

// Handle applies an input message: a command or a metric update.
func (s *EdgeSession) Handle(in Input) error {
	switch in.Command {
	case "":
		return s.Update(in.Metrics)
	case CommandRebirth:
		return s.Rebirth()
	case CommandDeath:
		return s.Death()
	default:
		return fmt.Errorf("%w: unknown command %q", ErrValidation, in.Command)
	}
}

// Rebirth publishes DEATH (when birthed) followed by a fresh BIRTH.
func (s *EdgeSession) Rebirth() error {
	c := s.conn
	c.mu.Lock()
	defer c.unlock()
	if c.state != StateConnected {
		return ErrNotConnected
	}
	return s.rebirthLocked()
}

// Death publishes DEATH without attempting a rebirth.
func (s *EdgeSession) Death() error {
	c := s.conn
	c.mu.Lock()
	defer c.unlock()
	if c.state != StateConnected {
		return ErrNotConnected
	}
	if s.state == SessionBirthed {
		s.deathLocked(false, nil)
	}
	return nil
}

// Close unsubscribes and deregisters the session. For the last session on
// the connection this waits for the NDEATH and the transport shutdown.
func (s *EdgeSession) Close(ctx context.Context) error {
	c := s.conn
	c.Unsubscribe(s.commandTopic(), s.id)

	done := make(chan struct{})
	c.Deregister(s, func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *EdgeSession) completeLocked() bool {
	if len(s.defs) == 0 {
		return false
	}
	for name := range s.defs {
		if _, ok := s.cache[name]; !ok {
			return false
		}
	}
	return true
}

// cachedMetricsLocked returns the full cache in definition order with the
// definition's properties attached.
func (s *EdgeSession) cachedMetricsLocked() []payload.Metric {
	out := make([]payload.Metric, 0, len(s.order))
	for _, name := range s.order {
		m, ok := s.cache[name]
		if !ok {
			continue
		}
		m = m.Clone()
		if m.Properties == nil && len(s.defs[name].Properties) > 0 {
			m.Properties = maps.Clone(s.defs[name].Properties)
		}
		out = append(out, m)
	}
	return out
}

func (s *EdgeSession) birthLocked() error {
	c := s.conn
	if c.state != StateConnected || s.state == SessionBirthed || !s.completeLocked() {
		return nil
	}
	if s.isNode() || !c.nodeBirthed {
		// NBIRTH cascades to every complete device, this one included
		return c.publishNodeBirthLocked()
	}
	if err := c.sendLocked(s.identity, topic.DBIRTH, s.cachedMetricsLocked(), false, nil); err != nil {
		return err
	}
	s.state = SessionBirthed
	return nil
}

func (s *EdgeSession) rebirthLocked() error {
	if s.conn.state != StateConnected {
		return nil
	}
	if s.state == SessionBirthed {
		s.deathLocked(false, nil)
	}
	return s.birthLocked()
}

func (s *EdgeSession) deathLocked(bypass bool, done func(error)) {
	c := s.conn
	if s.isNode() {
		c.publishNodeDeathLocked(bypass, done)
	} else if err := c.sendLocked(s.identity, topic.DDEATH, nil, bypass, done); err != nil {
		return
	}
	s.state = SessionDead
}

func (s *EdgeSession) handleCommand(msg InboundMessage) {
	c := s.conn
	p, err := c.decode(msg.Payload)
	if err != nil {
		c.decodeFailed(msg.Topic, err)
		return
	}

	c.mu.Lock()
	c.aliases.Resolve(p.Metrics)
	// node rebirths are answered by the connection's own NCMD handler
	if !s.isNode() && isRebirthRequest(p) {
		c.log.Infof("Rebirth requested for %s", s.identity)
		_ = s.rebirthLocked()
	}
	c.unlock()

	if s.cfg.OnCommand != nil {
		s.cfg.OnCommand(Command{Topic: msg.Topic, Payload: p})
	}
}
