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
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug"
)

// connectionPool hands out one sparkplug.Connection per connection name.
// Unnamed connections are never shared.
type connectionPool struct {
	mu      sync.Mutex
	entries map[string]*pooledConnection
	// factory overrides the paho transport, used by tests.
	factory sparkplug.TransportFactory
}

type pooledConnection struct {
	conn        *sparkplug.Connection
	fingerprint uint64
	refs        int
}

var connections = newConnectionPool(nil)

func newConnectionPool(factory sparkplug.TransportFactory) *connectionPool {
	return &connectionPool{
		entries: make(map[string]*pooledConnection),
		factory: factory,
	}
}

// fingerprint hashes everything that defines a connection, so two
// components naming the same connection can be checked for agreement.
func fingerprint(cc connectionConfig) uint64 {
	cfg := cc.Config
	h := xxhash.New()
	write := func(parts ...string) {
		for _, p := range parts {
			_, _ = h.WriteString(p)
			_, _ = h.Write([]byte{0})
		}
	}
	write(strings.Join(cfg.MQTT.URLs, ","), cfg.MQTT.ClientID, cfg.MQTT.Username, cfg.MQTT.Password)
	write(strconv.Itoa(int(cfg.MQTT.QoS)), cfg.MQTT.KeepAlive.String(), cfg.MQTT.ConnectTimeout.String(),
		cfg.MQTT.ReconnectInterval.String(), strconv.FormatBool(cfg.MQTT.CleanSession), strconv.FormatBool(cc.TLSEnabled))
	write(cfg.Identity.GroupID, cfg.Identity.EdgeNodeID)
	write(string(cfg.Compression), strconv.FormatBool(cfg.AliasMetrics))
	sf := cfg.StoreForward
	write(strconv.FormatBool(sf.Enabled), sf.PrimaryHost, strconv.Itoa(sf.MaxQueueSize),
		strconv.Itoa(sf.DrainBatchSize), sf.DrainPause.String(), sf.PersistDir)
	return h.Sum64()
}

func (p *connectionPool) open(cfg sparkplug.Config, mgr *service.Resources) (*sparkplug.Connection, error) {
	var opts []sparkplug.Option
	if p.factory != nil {
		opts = append(opts, sparkplug.WithTransportFactory(p.factory))
	}
	return sparkplug.NewConnection(cfg, mgr, opts...)
}

// acquire returns the connection registered under cc.Name, creating it on
// first use.
func (p *connectionPool) acquire(cc connectionConfig, mgr *service.Resources) (*sparkplug.Connection, error) {
	if cc.Name == "" {
		return p.open(cc.Config, mgr)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	fp := fingerprint(cc)
	if entry, ok := p.entries[cc.Name]; ok {
		if entry.fingerprint != fp {
			return nil, fmt.Errorf("connection %q is already defined with a different configuration", cc.Name)
		}
		entry.refs++
		return entry.conn, nil
	}

	conn, err := p.open(cc.Config, mgr)
	if err != nil {
		return nil, err
	}
	p.entries[cc.Name] = &pooledConnection{conn: conn, fingerprint: fp, refs: 1}
	mgr.Logger().Debugf("Opened shared Sparkplug connection %q", cc.Name)
	return conn, nil
}

// release drops one reference and closes the connection with the last one.
func (p *connectionPool) release(ctx context.Context, name string, conn *sparkplug.Connection) error {
	if name == "" {
		return conn.Close(ctx)
	}

	p.mu.Lock()
	entry, ok := p.entries[name]
	if !ok || entry.conn != conn {
		p.mu.Unlock()
		return nil
	}
	entry.refs--
	last := entry.refs == 0
	if last {
		delete(p.entries, name)
	}
	p.mu.Unlock()

	if !last {
		return nil
	}
	return conn.Close(ctx)
}

// refs reports how many components hold the named connection.
func (p *connectionPool) refs(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.entries[name]; ok {
		return entry.refs
	}
	return 0
}
