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
	"strings"

	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/payload"
)

// Publisher publishes caller-built payloads to arbitrary topics. Nothing is
// buffered: publishing while disconnected fails with ErrNotConnected.
type Publisher struct {
	clientSession
}

// NewPublisher creates an unstarted publisher.
func NewPublisher(conn *Connection, onStatus func(Status)) *Publisher {
	return &Publisher{clientSession: newClientSession(conn, onStatus)}
}

func (p *Publisher) Start() error {
	return p.start(p, "", 0, nil)
}

func (p *Publisher) Close(ctx context.Context) error {
	return p.close(ctx, p, "")
}

func validPublishTopic(t string) error {
	if t == "" || strings.ContainsAny(t, "+#") {
		return fmt.Errorf("%w: cannot publish to %q", ErrInvalidTopic, t)
	}
	return nil
}

// Publish encodes p, compressing it when the connection is configured to.
// A failed compression is logged and the payload goes out uncompressed.
func (p *Publisher) Publish(t string, pl *payload.Payload, qos byte, retain bool, done func(error)) error {
	if err := validPublishTopic(t); err != nil {
		return err
	}
	c := p.conn
	c.mu.Lock()
	defer c.unlock()
	if c.state != StateConnected {
		return ErrNotConnected
	}

	out := pl
	if alg := c.cfg.Compression; alg != payload.None {
		compressed, err := payload.Compress(c.codec, pl, alg)
		if err != nil {
			c.log.Warnf("Failed to compress payload for %s, sending it uncompressed: %v", t, err)
		} else {
			out = compressed
		}
	}
	raw, err := c.codec.Encode(out)
	if err != nil {
		c.metrics.encodeErrors.Incr(1)
		c.log.Errorf("Failed to encode payload for %s: %v", t, err)
		return err
	}
	c.publishLocked(Message{Topic: t, Payload: raw, QoS: qos, Retain: retain}, true, done)
	return nil
}

// PublishValue publishes a non-Sparkplug body as-is (see MessageFromValue).
func (p *Publisher) PublishValue(t string, v any, qos byte, retain bool, done func(error)) error {
	if err := validPublishTopic(t); err != nil {
		return err
	}
	msg, err := MessageFromValue(t, v)
	if err != nil {
		return err
	}
	msg.QoS, msg.Retain = qos, retain

	c := p.conn
	c.mu.Lock()
	defer c.unlock()
	if c.state != StateConnected {
		return ErrNotConnected
	}
	c.publishLocked(msg, true, done)
	return nil
}
