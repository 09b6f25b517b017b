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
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/payload"
	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/topic"
)

const (
	// RebirthMetric is the node control metric requesting a rebirth.
	RebirthMetric = "Node Control/Rebirth"
	// BdSeqMetric carries the birth/death sequence number.
	BdSeqMetric = "bdSeq"

	connectionRef = "connection"
)

// Session is anything registered on a Connection.
type Session interface {
	ID() string
	// ShouldBuffer reports whether messages of this session are held back
	// while the primary host is offline.
	ShouldBuffer() bool
	// SetStatus is called with every connection status change.
	SetStatus(status Status)
}

type connectionMetrics struct {
	published       *service.MetricCounter
	queued          *service.MetricCounter
	evicted         *service.MetricCounter
	queueDepth      *service.MetricGauge
	births          *service.MetricCounter
	deaths          *service.MetricCounter
	encodeErrors    *service.MetricCounter
	decodeErrors    *service.MetricCounter
	connectionState *service.MetricGauge
}

func newConnectionMetrics(mgr *service.Resources) *connectionMetrics {
	return &connectionMetrics{
		published:       mgr.Metrics().NewCounter("sparkplug_messages_published"),
		queued:          mgr.Metrics().NewCounter("sparkplug_messages_queued"),
		evicted:         mgr.Metrics().NewCounter("sparkplug_messages_evicted"),
		queueDepth:      mgr.Metrics().NewGauge("sparkplug_queue_depth"),
		births:          mgr.Metrics().NewCounter("sparkplug_births_published"),
		deaths:          mgr.Metrics().NewCounter("sparkplug_deaths_published"),
		encodeErrors:    mgr.Metrics().NewCounter("sparkplug_encode_errors"),
		decodeErrors:    mgr.Metrics().NewCounter("sparkplug_decode_errors"),
		connectionState: mgr.Metrics().NewGauge("sparkplug_connection_state"),
	}
}

// Option customizes a Connection.
type Option func(*Connection)

// WithTransportFactory replaces the paho transport.
func WithTransportFactory(f TransportFactory) Option {
	return func(c *Connection) { c.newTransport = f }
}

// WithCodec replaces the protobuf codec.
func WithCodec(codec payload.Codec) Option {
	return func(c *Connection) { c.codec = codec }
}

// WithQueue replaces the store-and-forward queue.
func WithQueue(q Queue) Option {
	return func(c *Connection) { c.queue = q }
}

// Connection is one broker connection shared by any number of sessions. It
// owns the connect lifecycle, the seq and bdSeq counters, the alias table,
// the subscription registry and the store-and-forward queue.
//
// All connection and session state is guarded by mu. Callbacks into user
// code (status changes, message handlers, completions) are collected while
// the lock is held and run after it is released.
type Connection struct {
	cfg          Config
	log          *service.Logger
	metrics      *connectionMetrics
	codec        payload.Codec
	newTransport TransportFactory

	mu      sync.Mutex
	pending []func()

	state         State
	transport     Transport
	gen           uint64
	everConnected bool
	connectFailed bool
	closed        bool

	seq          SequenceCounter
	bdSeq        SequenceCounter
	bdSeqCurrent uint8

	aliases *AliasTable
	subs    *subscriptionRegistry

	queue             Queue
	draining          bool
	rebirthAfterDrain bool
	primaryOnline     bool

	sessions    []Session
	nodeSession *EdgeSession
	nodeBirthed bool
}

// NewConnection validates cfg and creates an unconnected Connection. The
// first registered session opens it.
func NewConnection(cfg Config, mgr *service.Resources, opts ...Option) (*Connection, error) {
	if cleanForced := cfg.ApplyDefaults(); cleanForced {
		mgr.Logger().Debug("No client id configured, forcing a clean session")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Compression, _ = payload.ParseAlgorithm(string(cfg.Compression))

	c := &Connection{
		cfg:     cfg,
		log:     mgr.Logger(),
		metrics: newConnectionMetrics(mgr),
		codec:   payload.NewProtoCodec(),
		aliases: NewAliasTable(),
		subs:    newSubscriptionRegistry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.newTransport == nil {
		c.newTransport = NewPahoTransportFactory(mgr)
	}
	if c.queue == nil {
		if dir := cfg.StoreForward.PersistDir; dir != "" {
			q, err := NewBadgerQueue(dir)
			if err != nil {
				return nil, err
			}
			c.queue = q
		} else {
			c.queue = NewMemoryQueue()
		}
	}

	if cfg.StoreForward.Enabled {
		host := cfg.StoreForward.PrimaryHost
		if _, _, err := c.subs.add(topic.LegacyStateTopic(host), connectionRef, 1, c.handleLegacyState); err != nil {
			return nil, err
		}
		if _, _, err := c.subs.add(topic.StateTopic(host), connectionRef, 1, c.handleState); err != nil {
			return nil, err
		}
	}
	if id := cfg.Identity; !id.IsZero() {
		if _, _, err := c.subs.add(topic.CommandTopic(id.GroupID, id.EdgeNodeID, ""), connectionRef, 1, c.handleNodeCommand); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Config returns the effective configuration.
func (c *Connection) Config() Config {
	return c.cfg
}

// Codec returns the payload codec used by the connection.
func (c *Connection) Codec() payload.Codec {
	return c.codec
}

// Logger returns the connection's logger.
func (c *Connection) Logger() *service.Logger {
	return c.log
}

// unlock releases mu and runs the callbacks deferred while it was held.
func (c *Connection) unlock() {
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (c *Connection) later(fn func()) {
	c.pending = append(c.pending, fn)
}

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the broker connection is up.
func (c *Connection) Connected() bool {
	return c.State() == StateConnected
}

// PrimaryOnline reports the last observed primary host state.
func (c *Connection) PrimaryOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.primaryOnline
}

// QueueLen returns the number of buffered messages.
func (c *Connection) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue.Len()
}

// NextSeq returns the current message sequence number and advances it.
func (c *Connection) NextSeq() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq.Next()
}

// NextBdSeq returns the current birth/death sequence number and advances it.
func (c *Connection) NextBdSeq() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bdSeq.Next()
}

// Connect opens the connection. It is a no-op while connected or while a
// connect attempt is in flight.
func (c *Connection) Connect() error {
	c.mu.Lock()
	defer c.unlock()
	return c.connectLocked()
}

func (c *Connection) connectLocked() error {
	if c.closed {
		return ErrClosed
	}
	if c.transport != nil {
		return nil
	}
	switch c.state {
	case StateConnected, StateConnecting, StateReconnecting:
		return nil
	}

	c.state = StateConnecting
	c.everConnected = false
	c.connectFailed = false
	c.bdSeqCurrent = c.bdSeq.Next()
	c.gen++

	t, err := c.newTransport(TransportOptions{MQTT: c.cfg.MQTT, Will: c.willLocked()}, c.eventsFor(c.gen))
	if err != nil {
		c.state = StateDisconnected
		c.connectFailed = true
		c.reportStatusLocked()
		return fmt.Errorf("creating transport: %w", err)
	}
	c.transport = t
	c.log.Debugf("Connecting to MQTT broker %v as %s (bdSeq %d)", c.cfg.MQTT.URLs, c.cfg.MQTT.ClientID, c.bdSeqCurrent)
	t.Start()
	return nil
}

func (c *Connection) eventsFor(gen uint64) TransportEvents {
	return TransportEvents{
		OnConnect:        func() { c.handleConnect(gen) },
		OnReconnecting:   func() *Will { return c.handleReconnecting(gen) },
		OnConnectionLost: func(err error) { c.handleConnectionLost(gen, err) },
		OnMessage:        func(msg InboundMessage) { c.dispatch(gen, msg) },
	}
}

// willLocked builds the NDEATH registered as last will for the current bdSeq.
func (c *Connection) willLocked() *Will {
	msg, ok := c.nodeDeathMessageLocked()
	if !ok {
		return nil
	}
	return &Will{Topic: msg.Topic, Payload: msg.Payload, QoS: msg.QoS, Retain: false}
}

// nodeDeathMessageLocked encodes an NDEATH carrying only bdSeq. It has no seq.
func (c *Connection) nodeDeathMessageLocked() (Message, bool) {
	id := c.cfg.Identity
	if id.IsZero() {
		return Message{}, false
	}
	p := &payload.Payload{
		Timestamp: payload.Uint64(payload.Now()),
		Metrics: []payload.Metric{{
			Name:  BdSeqMetric,
			Type:  payload.UInt64,
			Value: uint64(c.bdSeqCurrent),
		}},
	}
	raw, err := c.codec.Encode(p)
	if err != nil {
		c.metrics.encodeErrors.Incr(1)
		c.log.Errorf("Failed to encode NDEATH: %v", err)
		return Message{}, false
	}
	return Message{
		Topic:   topic.Build(id.GroupID, topic.NDEATH, id.EdgeNodeID, ""),
		Payload: raw,
		QoS:     1,
	}, true
}

func (c *Connection) handleConnect(gen uint64) {
	c.mu.Lock()
	defer c.unlock()
	if gen != c.gen || c.state == StateClosing {
		return
	}

	c.state = StateConnected
	c.everConnected = true
	c.connectFailed = false
	c.nodeBirthed = false
	c.rebirthAfterDrain = false
	c.metrics.connectionState.Set(1)
	c.log.Infof("Connected to MQTT broker %v as %s", c.cfg.MQTT.URLs, c.cfg.MQTT.ClientID)

	c.reportStatusLocked()
	for _, sub := range c.subs.all() {
		c.transportSubscribeLocked(sub)
	}
	_ = c.publishNodeBirthLocked()
	c.startDrainLocked()
}

func (c *Connection) handleConnectionLost(gen uint64, err error) {
	c.mu.Lock()
	defer c.unlock()
	if gen != c.gen || c.state == StateClosing {
		return
	}

	if c.everConnected {
		c.log.Warnf("Disconnected from MQTT broker %v as %s: %v", c.cfg.MQTT.URLs, c.cfg.MQTT.ClientID, err)
	} else {
		c.log.Errorf("Failed to connect to MQTT broker %v as %s: %v", c.cfg.MQTT.URLs, c.cfg.MQTT.ClientID, err)
		c.connectFailed = true
	}
	c.state = StateDisconnected
	c.nodeBirthed = false
	c.metrics.connectionState.Set(0)
	c.reportStatusLocked()
}

// handleReconnecting assigns a fresh bdSeq for the next attempt and returns
// the will carrying it.
func (c *Connection) handleReconnecting(gen uint64) *Will {
	c.mu.Lock()
	defer c.unlock()
	if gen != c.gen || c.state == StateClosing {
		return nil
	}

	c.state = StateReconnecting
	c.bdSeqCurrent = c.bdSeq.Next()
	c.reportStatusLocked()
	return c.willLocked()
}

func (c *Connection) statusLocked(s Session) Status {
	switch c.state {
	case StateConnected:
		if c.cfg.StoreForward.Enabled && !c.primaryOnline && s.ShouldBuffer() {
			return StatusBuffering
		}
		return StatusConnected
	case StateReconnecting:
		return StatusReconnecting
	default:
		if c.connectFailed {
			return StatusConnectFailed
		}
		return StatusDisconnected
	}
}

func (c *Connection) reportStatusLocked() {
	for _, s := range c.sessions {
		s, status := s, c.statusLocked(s)
		c.later(func() { s.SetStatus(status) })
	}
}

// Register attaches a session and opens the connection for the first one.
func (c *Connection) Register(s Session) error {
	c.mu.Lock()
	defer c.unlock()
	return c.registerLocked(s)
}

func (c *Connection) registerLocked(s Session) error {
	if c.closed {
		return ErrClosed
	}
	for _, existing := range c.sessions {
		if existing.ID() == s.ID() {
			return nil
		}
	}
	if es, ok := s.(*EdgeSession); ok {
		if c.cfg.Identity.IsZero() {
			return fmt.Errorf("%w: edge sessions need a connection with group_id and edge_node_id", ErrValidation)
		}
		if es.isNode() {
			if c.nodeSession != nil {
				return fmt.Errorf("%w: node %s already has a session", ErrValidation, c.cfg.Identity)
			}
			c.nodeSession = es
		}
	}

	c.sessions = append(c.sessions, s)
	status := c.statusLocked(s)
	c.later(func() { s.SetStatus(status) })

	if len(c.sessions) == 1 {
		return c.connectLocked()
	}
	return nil
}

// Deregister detaches a session. When it was the last one, a DEATH is
// published and the transport closed before done is called.
func (c *Connection) Deregister(s Session, done func()) {
	if done == nil {
		done = func() {}
	}
	c.mu.Lock()
	defer c.unlock()

	idx := -1
	for i, existing := range c.sessions {
		if existing.ID() == s.ID() {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.later(done)
		return
	}
	c.sessions = append(c.sessions[:idx], c.sessions[idx+1:]...)
	if c.nodeSession != nil && c.nodeSession.ID() == s.ID() {
		c.nodeSession = nil
	}

	if c.state == StateClosing {
		c.later(done)
		return
	}
	if len(c.sessions) > 0 {
		if es, ok := s.(*EdgeSession); ok && !es.isNode() && es.state == SessionBirthed && c.state == StateConnected {
			es.deathLocked(true, nil)
		}
		c.later(done)
		return
	}
	c.shutdownLocked(done)
}

// shutdownLocked publishes NDEATH (when connected) and then ends the
// transport. done runs once the transport is closed.
func (c *Connection) shutdownLocked(done func()) {
	t := c.transport
	if t == nil {
		c.state = StateDisconnected
		c.later(done)
		return
	}

	wasConnected := c.state == StateConnected
	c.transport = nil
	c.gen++
	c.state = StateClosing
	c.nodeBirthed = false
	c.metrics.connectionState.Set(0)

	finish := func() {
		t.End(func() {
			c.mu.Lock()
			if c.state == StateClosing {
				c.state = StateDisconnected
			}
			c.reportStatusLocked()
			c.unlock()
			c.log.Infof("Disconnected from MQTT broker %v as %s", c.cfg.MQTT.URLs, c.cfg.MQTT.ClientID)
			done()
		})
	}

	if msg, ok := c.nodeDeathMessageLocked(); ok && wasConnected {
		c.metrics.deaths.Incr(1)
		c.metrics.published.Incr(1)
		t.Publish(msg.Topic, msg.Payload, msg.QoS, msg.Retain, func(err error) {
			if err != nil {
				c.log.Warnf("Failed to publish NDEATH: %v", err)
			}
			finish()
		})
		return
	}
	finish()
}

// Close shuts the connection down regardless of registered sessions and
// releases the queue.
func (c *Connection) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.unlock()
		return nil
	}
	c.closed = true
	c.sessions = nil
	c.nodeSession = nil
	closed := make(chan struct{})
	c.shutdownLocked(func() { close(closed) })
	c.unlock()

	select {
	case <-closed:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.queue.Close()
}

// CreateMessage builds the topic and encoded payload for a message of type
// mt, consuming one seq value.
func (c *Connection) CreateMessage(id Identity, mt topic.MessageType, metrics []payload.Metric) (Message, error) {
	c.mu.Lock()
	defer c.unlock()
	return c.createMessageLocked(id, mt, metrics)
}

func (c *Connection) createMessageLocked(id Identity, mt topic.MessageType, metrics []payload.Metric) (Message, error) {
	seq := c.seq.Next()
	p := &payload.Payload{
		Timestamp: payload.Uint64(payload.Now()),
		Seq:       payload.Uint64(uint64(seq)),
		Metrics:   make([]payload.Metric, len(metrics)),
	}
	for i, m := range metrics {
		p.Metrics[i] = m.Clone()
	}
	if c.cfg.AliasMetrics {
		c.aliases.Apply(mt, p.Metrics)
	}

	fail := func(err error) (Message, error) {
		// an abandoned message must not leave a gap in seq
		c.seq.Set(seq)
		c.metrics.encodeErrors.Incr(1)
		c.log.Errorf("Failed to encode %s for %s: %v", mt, id, err)
		return Message{}, err
	}

	if c.cfg.Compression != payload.None {
		compressed, err := payload.Compress(c.codec, p, c.cfg.Compression)
		if err != nil {
			return fail(err)
		}
		p = compressed
	}
	raw, err := c.codec.Encode(p)
	if err != nil {
		return fail(err)
	}
	return Message{
		Topic:   topic.Build(id.GroupID, mt, id.EdgeNodeID, id.DeviceID),
		Payload: raw,
		QoS:     c.cfg.MQTT.QoS,
	}, nil
}

// Send creates and publishes a message in one step, so publish order always
// follows seq order.
func (c *Connection) Send(id Identity, mt topic.MessageType, metrics []payload.Metric, bypass bool) error {
	c.mu.Lock()
	defer c.unlock()
	return c.sendLocked(id, mt, metrics, bypass, nil)
}

func (c *Connection) sendLocked(id Identity, mt topic.MessageType, metrics []payload.Metric, bypass bool, done func(error)) error {
	msg, err := c.createMessageLocked(id, mt, metrics)
	if err != nil {
		return err
	}
	switch {
	case mt.IsBirth():
		c.metrics.births.Incr(1)
	case mt.IsDeath():
		c.metrics.deaths.Incr(1)
	}
	c.publishLocked(msg, bypass, done)
	return nil
}

// Publish sends msg immediately when possible and buffers it otherwise.
// bypass skips the store-and-forward gate, but not the connected check.
func (c *Connection) Publish(msg Message, bypass bool, done func(error)) {
	c.mu.Lock()
	defer c.unlock()
	c.publishLocked(msg, bypass, done)
}

func (c *Connection) publishLocked(msg Message, bypass bool, done func(error)) {
	sf := c.cfg.StoreForward.Enabled
	if c.state == StateConnected && (bypass || !sf || (c.primaryOnline && c.queue.Len() == 0)) {
		c.transportPublishLocked(msg, done)
		return
	}

	err := c.enqueueLocked(msg)
	if done != nil {
		c.later(func() { done(err) })
	}
}

func (c *Connection) enqueueLocked(msg Message) error {
	limit := c.cfg.StoreForward.MaxQueueSize
	n := c.queue.Len()
	if n >= limit {
		if _, _, err := c.queue.Pop(); err != nil {
			c.log.Errorf("Failed to evict from store-and-forward queue: %v", err)
		}
		c.metrics.evicted.Incr(1)
	} else if n == limit-1 {
		c.log.Warnf("Store-and-forward buffer is full (%d messages), dropping oldest messages from now on", limit)
	}

	if err := c.queue.Push(msg); err != nil {
		c.log.Errorf("Failed to buffer message for %s: %v", msg.Topic, err)
		return err
	}
	c.metrics.queued.Incr(1)
	c.metrics.queueDepth.Set(int64(c.queue.Len()))
	return nil
}

func (c *Connection) transportPublishLocked(msg Message, done func(error)) {
	t := c.transport
	if t == nil {
		if done != nil {
			c.later(func() { done(ErrNotConnected) })
		}
		return
	}
	c.metrics.published.Incr(1)
	t.Publish(msg.Topic, msg.Payload, msg.QoS, msg.Retain, func(err error) {
		if err != nil {
			c.log.Errorf("Failed to publish to %s: %v", msg.Topic, err)
		}
		if done != nil {
			done(err)
		}
	})
}

func (c *Connection) canDrainLocked() bool {
	return c.state == StateConnected && (!c.cfg.StoreForward.Enabled || c.primaryOnline)
}

func (c *Connection) startDrainLocked() {
	if c.draining || !c.canDrainLocked() {
		return
	}
	if c.queue.Len() == 0 && !c.rebirthAfterDrain {
		return
	}
	c.draining = true
	go c.drain()
}

// drain publishes buffered messages in FIFO order, one batch per lock
// acquisition, pausing between batches. It stops as soon as the connection
// drops or the primary host goes offline.
func (c *Connection) drain() {
	batch := c.cfg.StoreForward.DrainBatchSize
	for {
		c.mu.Lock()
		if !c.canDrainLocked() {
			c.draining = false
			c.unlock()
			return
		}

		for i := 0; i < batch; i++ {
			msg, ok, err := c.queue.Pop()
			if err != nil {
				c.log.Errorf("Failed to read from store-and-forward queue: %v", err)
				c.draining = false
				c.unlock()
				return
			}
			if !ok {
				break
			}
			c.transportPublishLocked(msg, nil)
		}
		c.metrics.queueDepth.Set(int64(c.queue.Len()))

		if c.queue.Len() == 0 {
			c.draining = false
			if c.rebirthAfterDrain {
				c.rebirthAfterDrain = false
				_ = c.publishNodeBirthLocked()
			}
			c.reportStatusLocked()
			c.unlock()
			return
		}
		c.unlock()
		time.Sleep(c.cfg.StoreForward.DrainPause)
	}
}

// publishNodeBirthLocked resets seq, publishes NBIRTH with the control
// metrics (plus the node session's metrics once complete) and then rebirths
// every complete device session.
func (c *Connection) publishNodeBirthLocked() error {
	id := c.cfg.Identity
	if id.IsZero() || c.state != StateConnected {
		return nil
	}

	c.seq.Reset()
	metrics := []payload.Metric{
		{Name: RebirthMetric, Type: payload.Boolean, Value: false},
		{Name: BdSeqMetric, Type: payload.UInt64, Value: uint64(c.bdSeqCurrent)},
	}
	ns := c.nodeSession
	nodeComplete := ns != nil && ns.completeLocked()
	if nodeComplete {
		metrics = append(metrics, ns.cachedMetricsLocked()...)
	}

	if err := c.sendLocked(id, topic.NBIRTH, metrics, false, nil); err != nil {
		return err
	}
	c.nodeBirthed = true
	if nodeComplete {
		ns.state = SessionBirthed
	}

	var errs []error
	for _, s := range c.sessions {
		if es, ok := s.(*EdgeSession); ok && !es.isNode() {
			es.state = SessionNoBirth
			if err := es.birthLocked(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// publishNodeDeathLocked publishes NDEATH and marks the node and all devices
// as not birthed.
func (c *Connection) publishNodeDeathLocked(bypass bool, done func(error)) {
	msg, ok := c.nodeDeathMessageLocked()
	if !ok {
		return
	}
	c.metrics.deaths.Incr(1)
	c.publishLocked(msg, bypass, done)

	c.nodeBirthed = false
	for _, s := range c.sessions {
		if es, ok := s.(*EdgeSession); ok && es.state == SessionBirthed {
			es.state = SessionNoBirth
		}
	}
}

// rebirthNodeLocked answers a rebirth request for the node.
func (c *Connection) rebirthNodeLocked() {
	if c.state != StateConnected {
		return
	}
	if c.nodeSession != nil && c.nodeSession.completeLocked() {
		_ = c.nodeSession.rebirthLocked()
		return
	}
	// an incomplete node session has only the control NBIRTH to repeat
	if c.nodeBirthed {
		c.publishNodeDeathLocked(false, nil)
	}
	_ = c.publishNodeBirthLocked()
}

// Subscribe registers handler for filter under ref. A filter is subscribed at
// the broker once, no matter how many refs share it.
func (c *Connection) Subscribe(filter string, qos byte, handler MessageHandler, ref string) error {
	c.mu.Lock()
	defer c.unlock()
	return c.subscribeLocked(filter, qos, handler, ref)
}

func (c *Connection) subscribeLocked(filter string, qos byte, handler MessageHandler, ref string) error {
	sub, _, err := c.subs.add(filter, ref, qos, handler)
	if err != nil {
		return err
	}
	if c.state == StateConnected {
		c.transportSubscribeLocked(sub)
	}
	return nil
}

func (c *Connection) transportSubscribeLocked(sub *subscription) {
	if c.transport == nil {
		return
	}
	filter := sub.filter
	c.transport.Subscribe(filter, sub.maxQoS(), sub.id, func(err error) {
		if err != nil {
			c.log.Errorf("Failed to subscribe to %s: %v", filter, err)
		}
	})
}

// Unsubscribe removes (filter, ref). The broker subscription is dropped with
// the last ref.
func (c *Connection) Unsubscribe(filter, ref string) {
	c.mu.Lock()
	defer c.unlock()
	c.unsubscribeLocked(filter, ref)
}

func (c *Connection) unsubscribeLocked(filter, ref string) {
	if c.subs.remove(filter, ref) && c.transport != nil && c.state == StateConnected {
		c.transport.Unsubscribe(filter)
	}
}

func (c *Connection) dispatch(gen uint64, msg InboundMessage) {
	c.mu.Lock()
	if gen != c.gen {
		c.unlock()
		return
	}
	for _, h := range c.subs.handlers(msg) {
		h := h
		c.later(func() { h(msg) })
	}
	c.unlock()
}

// decode turns an inbound payload into a Payload, unwrapping compression.
func (c *Connection) decode(raw []byte) (*payload.Payload, error) {
	p, err := c.codec.Decode(raw)
	if err != nil {
		return nil, err
	}
	return payload.MaybeDecompress(c.codec, p)
}

func (c *Connection) decodeFailed(t string, err error) {
	c.metrics.decodeErrors.Incr(1)
	c.log.Errorf("Failed to decode message on %s: %v", t, err)
}

func (c *Connection) handleLegacyState(msg InboundMessage) {
	c.setPrimaryOnline(strings.TrimSpace(string(msg.Payload)) == string(HostOnline))
}

func (c *Connection) handleState(msg InboundMessage) {
	var body struct {
		Online *bool `json:"online"`
	}
	if err := json.Unmarshal(msg.Payload, &body); err != nil || body.Online == nil {
		c.log.Warnf("Invalid primary host state on %s, treating host as offline: %q", msg.Topic, msg.Payload)
		c.setPrimaryOnline(false)
		return
	}
	c.setPrimaryOnline(*body.Online)
}

func (c *Connection) setPrimaryOnline(online bool) {
	c.mu.Lock()
	defer c.unlock()

	if online == c.primaryOnline {
		return
	}
	c.primaryOnline = online
	if online {
		c.log.Infof("Primary host %s is online", c.cfg.StoreForward.PrimaryHost)
		c.rebirthAfterDrain = !c.cfg.Identity.IsZero()
	} else {
		c.log.Infof("Primary host %s is offline, buffering", c.cfg.StoreForward.PrimaryHost)
	}
	c.reportStatusLocked()
	c.startDrainLocked()
}

// handleNodeCommand watches NCMD for rebirth requests.
func (c *Connection) handleNodeCommand(msg InboundMessage) {
	p, err := c.decode(msg.Payload)
	if err != nil {
		c.decodeFailed(msg.Topic, err)
		return
	}

	c.mu.Lock()
	defer c.unlock()
	c.aliases.Resolve(p.Metrics)
	if isRebirthRequest(p) {
		c.log.Infof("Rebirth requested for %s", c.cfg.Identity)
		c.rebirthNodeLocked()
	}
}

func isRebirthRequest(p *payload.Payload) bool {
	m, ok := p.Metric(RebirthMetric)
	if !ok {
		return false
	}
	v, _ := m.Value.(bool)
	return v
}
