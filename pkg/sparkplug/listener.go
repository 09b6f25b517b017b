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
	"sync"

	"github.com/google/uuid"

	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/payload"
	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/topic"
)

// clientSession is the part shared by the sessions that never buffer.
type clientSession struct {
	id       string
	conn     *Connection
	onStatus func(Status)

	mu     sync.Mutex
	status Status
}

func newClientSession(conn *Connection, onStatus func(Status)) clientSession {
	return clientSession{
		id:       uuid.NewString(),
		conn:     conn,
		onStatus: onStatus,
		status:   StatusDisconnected,
	}
}

func (s *clientSession) ID() string         { return s.id }
func (s *clientSession) ShouldBuffer() bool { return false }

func (s *clientSession) SetStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	if s.onStatus != nil {
		s.onStatus(status)
	}
}

// Status returns the last reported connection status.
func (s *clientSession) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// start subscribes filter (when set) and registers self.
func (s *clientSession) start(self Session, filter string, qos byte, handler MessageHandler) error {
	c := s.conn
	c.mu.Lock()
	defer c.unlock()

	if filter != "" {
		if err := c.subscribeLocked(filter, qos, handler, s.id); err != nil {
			return err
		}
	}
	if err := c.registerLocked(self); err != nil {
		if filter != "" {
			c.unsubscribeLocked(filter, s.id)
		}
		return err
	}
	return nil
}

func (s *clientSession) close(ctx context.Context, self Session, filter string) error {
	if filter != "" {
		s.conn.Unsubscribe(filter, s.id)
	}
	done := make(chan struct{})
	s.conn.Deregister(self, func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Delivery is a decoded inbound Sparkplug message.
type Delivery struct {
	Topic    string
	Payload  *payload.Payload
	QoS      byte
	Retained bool
}

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Topic     string
	QoS       byte
	OnMessage func(Delivery)
	OnStatus  func(Status)
}

// Listener subscribes an arbitrary filter and hands every decoded message
// to OnMessage. Undecodable messages are logged and dropped.
type Listener struct {
	clientSession
	cfg ListenerConfig
}

// NewListener validates the filter and creates an unstarted listener.
func NewListener(conn *Connection, cfg ListenerConfig) (*Listener, error) {
	if !topic.ValidFilter(cfg.Topic) {
		return nil, fmt.Errorf("%w: filter %q", ErrInvalidTopic, cfg.Topic)
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("%w: qos must be 0, 1 or 2, got %d", ErrValidation, cfg.QoS)
	}
	return &Listener{clientSession: newClientSession(conn, cfg.OnStatus), cfg: cfg}, nil
}

func (l *Listener) Start() error {
	return l.start(l, l.cfg.Topic, l.cfg.QoS, l.handle)
}

func (l *Listener) Close(ctx context.Context) error {
	return l.close(ctx, l, l.cfg.Topic)
}

func (l *Listener) handle(msg InboundMessage) {
	p, err := l.conn.decode(msg.Payload)
	if err != nil {
		l.conn.decodeFailed(msg.Topic, err)
		return
	}
	if l.cfg.OnMessage != nil {
		l.cfg.OnMessage(Delivery{Topic: msg.Topic, Payload: p, QoS: msg.QoS, Retained: msg.Retained})
	}
}

// Slot is the value of one watched metric in an inbound message.
type Slot struct {
	Name      string
	Value     any
	Type      payload.DataType
	Timestamp *uint64
}

// DeviceListenerConfig configures a DeviceListener.
type DeviceListenerConfig struct {
	GroupID    string
	EdgeNodeID string
	DeviceID   string
	// Metrics are the watched metric names, one slot each.
	Metrics []string

	IncludeBirth    bool
	IncludeCommands bool
	QoS             byte

	OnSlots  func(t topic.Info, slots []*Slot)
	OnStatus func(Status)
}

// DeviceListener watches one node or device and reports the configured
// metrics as slots. BIRTH messages teach it the aliases used by later DATA.
type DeviceListener struct {
	clientSession
	cfg     DeviceListenerConfig
	filter  string
	aliases *AliasCache
}

// NewDeviceListener creates an unstarted device listener.
func NewDeviceListener(conn *Connection, cfg DeviceListenerConfig) (*DeviceListener, error) {
	id := Identity{GroupID: cfg.GroupID, EdgeNodeID: cfg.EdgeNodeID, DeviceID: cfg.DeviceID}
	if err := id.validate(); err != nil {
		return nil, err
	}
	if len(cfg.Metrics) == 0 {
		return nil, fmt.Errorf("%w: device listener needs at least one metric", ErrValidation)
	}
	return &DeviceListener{
		clientSession: newClientSession(conn, cfg.OnStatus),
		cfg:           cfg,
		filter:        topic.ListenerFilter(cfg.GroupID, cfg.EdgeNodeID, cfg.DeviceID),
		aliases:       NewAliasCache(),
	}, nil
}

func (l *DeviceListener) Start() error {
	return l.start(l, l.filter, l.cfg.QoS, l.handle)
}

func (l *DeviceListener) Close(ctx context.Context) error {
	return l.close(ctx, l, l.filter)
}

func (l *DeviceListener) wants(mt topic.MessageType) bool {
	switch {
	case mt.IsData():
		return true
	case mt.IsBirth():
		return l.cfg.IncludeBirth
	case mt.IsCommand():
		return l.cfg.IncludeCommands
	default:
		return false
	}
}

func (l *DeviceListener) handle(msg InboundMessage) {
	info, err := topic.Parse(msg.Topic)
	if err != nil {
		l.conn.log.Debugf("Ignoring message on %s: %v", msg.Topic, err)
		return
	}
	p, err := l.conn.decode(msg.Payload)
	if err != nil {
		l.conn.decodeFailed(msg.Topic, err)
		return
	}

	key := info.DeviceKey()
	switch {
	case info.Type.IsBirth():
		l.aliases.CacheAliases(key, p.Metrics)
	case info.Type.IsDeath():
		l.aliases.Forget(key)
	default:
		l.aliases.ResolveAliases(key, p.Metrics)
	}

	if !l.wants(info.Type) || l.cfg.OnSlots == nil {
		return
	}
	l.cfg.OnSlots(info, l.slots(p))
}

func (l *DeviceListener) slots(p *payload.Payload) []*Slot {
	slots := make([]*Slot, len(l.cfg.Metrics))
	for i, name := range l.cfg.Metrics {
		for _, m := range p.Metrics {
			if m.Name != name || m.IsNull || m.Value == nil {
				continue
			}
			slots[i] = &Slot{Name: name, Value: m.Value, Type: m.Type, Timestamp: m.Timestamp}
			break
		}
	}
	return slots
}
