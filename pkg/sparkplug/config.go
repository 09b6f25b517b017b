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
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/payload"
)

const (
	DefaultBrokerURL         = "tcp://localhost:1883"
	DefaultKeepAlive         = 60 * time.Second
	DefaultConnectTimeout    = 30 * time.Second
	DefaultReconnectInterval = 5 * time.Second
	DefaultMaxQueueSize      = 100000
	DefaultDrainBatchSize    = 500
	DefaultDrainPause        = 250 * time.Millisecond
)

// MQTTConfig holds the broker connection settings handed to the transport.
type MQTTConfig struct {
	URLs              []string
	ClientID          string
	Username          string
	Password          string
	QoS               byte
	KeepAlive         time.Duration
	ConnectTimeout    time.Duration
	ReconnectInterval time.Duration
	CleanSession      bool
	TLS               *tls.Config
}

// StoreForwardConfig controls buffering of outbound messages while the
// primary host application is offline.
type StoreForwardConfig struct {
	Enabled     bool
	PrimaryHost string

	MaxQueueSize   int
	DrainBatchSize int
	DrainPause     time.Duration

	// PersistDir keeps the queue in a badger database when set.
	PersistDir string
}

// Config is the complete configuration of one broker connection.
//
// A connection with an Identity acts as that edge node: it arms an NDEATH
// will, publishes NBIRTH on every connect and answers node rebirth requests.
// A connection without one is a plain client for listeners and publishers.
type Config struct {
	MQTT         MQTTConfig
	Identity     Identity
	Compression  payload.Algorithm
	AliasMetrics bool
	StoreForward StoreForwardConfig
}

// ApplyDefaults fills zero values. It reports whether CleanSession had to be
// forced on because no client id was configured.
func (c *Config) ApplyDefaults() (cleanSessionForced bool) {
	if !c.MQTT.CleanSession && c.MQTT.ClientID == "" {
		c.MQTT.CleanSession = true
		cleanSessionForced = true
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "sparkplug-" + uuid.NewString()
	}
	if len(c.MQTT.URLs) == 0 {
		c.MQTT.URLs = []string{DefaultBrokerURL}
	}
	if c.MQTT.KeepAlive <= 0 {
		c.MQTT.KeepAlive = DefaultKeepAlive
	}
	if c.MQTT.ConnectTimeout <= 0 {
		c.MQTT.ConnectTimeout = DefaultConnectTimeout
	}
	if c.MQTT.ReconnectInterval <= 0 {
		c.MQTT.ReconnectInterval = DefaultReconnectInterval
	}
	if c.StoreForward.MaxQueueSize <= 0 {
		c.StoreForward.MaxQueueSize = DefaultMaxQueueSize
	}
	if c.StoreForward.DrainBatchSize <= 0 {
		c.StoreForward.DrainBatchSize = DefaultDrainBatchSize
	}
	if c.StoreForward.DrainPause <= 0 {
		c.StoreForward.DrainPause = DefaultDrainPause
	}
	return cleanSessionForced
}

// Validate checks the configuration for values the connection cannot work with.
func (c *Config) Validate() error {
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("%w: qos must be 0, 1 or 2, got %d", ErrValidation, c.MQTT.QoS)
	}
	for _, u := range c.MQTT.URLs {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("%w: empty broker url", ErrValidation)
		}
	}
	if !c.Identity.IsZero() {
		if err := c.Identity.validate(); err != nil {
			return err
		}
		if c.Identity.DeviceID != "" {
			return fmt.Errorf("%w: a connection identity cannot carry a device id", ErrValidation)
		}
	}
	if _, err := payload.ParseAlgorithm(string(c.Compression)); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if c.StoreForward.Enabled && c.StoreForward.PrimaryHost == "" {
		return fmt.Errorf("%w: store and forward requires a primary host id", ErrValidation)
	}
	return nil
}

// Identity addresses an edge node (DeviceID empty) or one of its devices.
type Identity struct {
	GroupID    string
	EdgeNodeID string
	DeviceID   string
}

// IsZero reports whether no group or edge node is set.
func (i Identity) IsZero() bool {
	return i.GroupID == "" && i.EdgeNodeID == ""
}

// IsNode reports whether the identity addresses the edge node itself.
func (i Identity) IsNode() bool {
	return i.DeviceID == ""
}

// Node returns the edge node identity the device belongs to.
func (i Identity) Node() Identity {
	return Identity{GroupID: i.GroupID, EdgeNodeID: i.EdgeNodeID}
}

// Key returns group/edge[/device].
func (i Identity) Key() string {
	if i.DeviceID == "" {
		return i.GroupID + "/" + i.EdgeNodeID
	}
	return i.GroupID + "/" + i.EdgeNodeID + "/" + i.DeviceID
}

func (i Identity) String() string {
	return i.Key()
}

func (i Identity) validate() error {
	if i.GroupID == "" || i.EdgeNodeID == "" {
		return fmt.Errorf("%w: group_id and edge_node_id are both required", ErrValidation)
	}
	for _, part := range []string{i.GroupID, i.EdgeNodeID, i.DeviceID} {
		if strings.ContainsAny(part, "/+#") {
			return fmt.Errorf("%w: identity element %q must not contain '/', '+' or '#'", ErrValidation, part)
		}
	}
	return nil
}
