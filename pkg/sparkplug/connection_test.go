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

package sparkplug_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug"
	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/payload"
	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/topic"
)

func newTestConnection(cfg sparkplug.Config, factory *fakeFactory) *sparkplug.Connection {
	GinkgoHelper()
	return newConnectionWith(cfg, factory, service.MockResources())
}

func newConnectionWith(cfg sparkplug.Config, factory *fakeFactory, mgr *service.Resources) *sparkplug.Connection {
	GinkgoHelper()
	if cfg.StoreForward.DrainPause == 0 {
		cfg.StoreForward.DrainPause = time.Millisecond
	}
	conn, err := sparkplug.NewConnection(cfg, mgr, sparkplug.WithTransportFactory(factory.New))
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = conn.Close(ctx)
	})
	return conn
}

var nodeIdentity = sparkplug.Identity{GroupID: "G", EdgeNodeID: "E"}

// logBuffer collects log output of a connection.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *logBuffer) resources() *service.Resources {
	logger := service.NewLoggerFromSlog(slog.New(slog.NewTextHandler(b, nil)))
	return service.MockResources(service.MockResourcesOptUseLogger(logger))
}

func publishedTopics(fake *fakeTransport) []string {
	var topics []string
	for _, msg := range fake.Published() {
		topics = append(topics, msg.Topic)
	}
	return topics
}

// statusRecorder collects status notifications of a session.
type statusRecorder struct {
	mu       sync.Mutex
	statuses []sparkplug.Status
}

func (r *statusRecorder) record(s sparkplug.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *statusRecorder) last() sparkplug.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1]
}

var _ = Describe("Connection", func() {
	var factory *fakeFactory

	BeforeEach(func() {
		factory = &fakeFactory{}
	})

	Context("configuration", func() {
		It("should reject invalid configurations", func() {
			_, err := sparkplug.NewConnection(sparkplug.Config{
				Identity:     nodeIdentity,
				StoreForward: sparkplug.StoreForwardConfig{Enabled: true},
			}, service.MockResources(), sparkplug.WithTransportFactory(factory.New))
			Expect(errors.Is(err, sparkplug.ErrValidation)).To(BeTrue())

			_, err = sparkplug.NewConnection(sparkplug.Config{
				Identity:    nodeIdentity,
				Compression: "LZ4",
			}, service.MockResources(), sparkplug.WithTransportFactory(factory.New))
			Expect(errors.Is(err, sparkplug.ErrValidation)).To(BeTrue())

			_, err = sparkplug.NewConnection(sparkplug.Config{
				Identity: sparkplug.Identity{GroupID: "G/1", EdgeNodeID: "E"},
			}, service.MockResources(), sparkplug.WithTransportFactory(factory.New))
			Expect(errors.Is(err, sparkplug.ErrValidation)).To(BeTrue())
		})

		It("should generate a client id and force a clean session", func() {
			conn := newTestConnection(sparkplug.Config{Identity: nodeIdentity}, factory)
			cfg := conn.Config()
			Expect(cfg.MQTT.ClientID).To(HavePrefix("sparkplug-"))
			Expect(cfg.MQTT.CleanSession).To(BeTrue())
			Expect(cfg.MQTT.URLs).To(Equal([]string{sparkplug.DefaultBrokerURL}))
			Expect(cfg.StoreForward.MaxQueueSize).To(Equal(sparkplug.DefaultMaxQueueSize))
		})
	})

	Context("sequence numbers", func() {
		It("should hand out seq values in issue order and wrap after 255", func() {
			conn := newTestConnection(sparkplug.Config{Identity: nodeIdentity}, factory)
			for i := 0; i < 600; i++ {
				Expect(conn.NextSeq()).To(Equal(uint8(i % 256)))
			}
		})

		It("should embed consecutive seq values in created messages", func() {
			conn := newTestConnection(sparkplug.Config{Identity: nodeIdentity}, factory)
			id := sparkplug.Identity{GroupID: "G", EdgeNodeID: "E", DeviceID: "D"}
			for i := 0; i < 5; i++ {
				msg, err := conn.CreateMessage(id, topic.DDATA, []payload.Metric{
					{Name: "m", Type: payload.Int32, Value: i},
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(msg.Topic).To(Equal("spBv1.0/G/DDATA/E/D"))
				Expect(*decodeMessage(msg).Seq).To(Equal(uint64(i)))
			}
		})

		It("should not consume a seq value for a message that fails to encode", func() {
			conn := newTestConnection(sparkplug.Config{Identity: nodeIdentity}, factory)
			_, err := conn.CreateMessage(nodeIdentity, topic.NDATA, []payload.Metric{{Name: "untyped", Value: 1}})
			Expect(errors.Is(err, payload.ErrMissingType)).To(BeTrue())

			msg, err := conn.CreateMessage(nodeIdentity, topic.NDATA, []payload.Metric{{Name: "typed", Type: payload.Int32, Value: 1}})
			Expect(err).NotTo(HaveOccurred())
			Expect(*decodeMessage(msg).Seq).To(Equal(uint64(0)))
		})

		It("should wrap bdSeq after 255", func() {
			conn := newTestConnection(sparkplug.Config{Identity: nodeIdentity}, factory)
			for i := 0; i < 600; i++ {
				Expect(conn.NextBdSeq()).To(Equal(uint8(i % 256)))
			}
		})

		It("should advance bdSeq independently of seq", func() {
			conn := newTestConnection(sparkplug.Config{Identity: nodeIdentity}, factory)
			Expect(conn.NextBdSeq()).To(Equal(uint8(0)))
			Expect(conn.NextBdSeq()).To(Equal(uint8(1)))
			Expect(conn.NextSeq()).To(Equal(uint8(0)))
		})
	})

	Context("lifecycle", func() {
		It("should open the transport for the first session only", func() {
			conn := newTestConnection(sparkplug.Config{Identity: nodeIdentity}, factory)
			first := sparkplug.NewPublisher(conn, nil)
			second := sparkplug.NewPublisher(conn, nil)
			Expect(first.Start()).To(Succeed())
			Expect(second.Start()).To(Succeed())
			Expect(factory.Count()).To(Equal(1))
			Expect(conn.State()).To(Equal(sparkplug.StateConnecting))
		})

		It("should register the NDEATH as last will", func() {
			conn := newTestConnection(sparkplug.Config{Identity: nodeIdentity}, factory)
			Expect(conn.Connect()).To(Succeed())

			will := factory.Last().opts.Will
			Expect(will).NotTo(BeNil())
			Expect(will.Topic).To(Equal("spBv1.0/G/NDEATH/E"))
			p, err := codec.Decode(will.Payload)
			Expect(err).NotTo(HaveOccurred())
			Expect(metricValue(p, "bdSeq")).To(Equal(uint64(0)))
			Expect(p.Seq).To(BeNil())
		})

		It("should report connect failures and disconnects to sessions", func() {
			conn := newTestConnection(sparkplug.Config{Identity: nodeIdentity}, factory)
			rec := &statusRecorder{}
			pub := sparkplug.NewPublisher(conn, rec.record)
			Expect(pub.Start()).To(Succeed())
			fake := factory.Last()

			fake.Lose(errors.New("connection refused"))
			Expect(rec.last()).To(Equal(sparkplug.StatusConnectFailed))

			fake.Reconnecting()
			Expect(rec.last()).To(Equal(sparkplug.StatusReconnecting))

			fake.Connect()
			Expect(rec.last()).To(Equal(sparkplug.StatusConnected))
			Expect(conn.Connected()).To(BeTrue())

			fake.Lose(errors.New("EOF"))
			Expect(rec.last()).To(Equal(sparkplug.StatusDisconnected))
		})

		It("should re-arm the will with a new bdSeq before reconnecting", func() {
			conn := newTestConnection(sparkplug.Config{Identity: nodeIdentity}, factory)
			Expect(conn.Connect()).To(Succeed())
			fake := factory.Last()
			fake.Connect()
			fake.Lose(errors.New("EOF"))

			will := fake.Reconnecting()
			Expect(will).NotTo(BeNil())
			p, err := codec.Decode(will.Payload)
			Expect(err).NotTo(HaveOccurred())
			Expect(metricValue(p, "bdSeq")).To(Equal(uint64(1)))

			fake.Connect()
			published := fake.Published()
			birth := decodeMessage(published[len(published)-1])
			Expect(metricValue(birth, "bdSeq")).To(Equal(uint64(1)))
		})

		It("should ignore events of a replaced transport", func() {
			conn := newTestConnection(sparkplug.Config{Identity: nodeIdentity}, factory)
			pub := sparkplug.NewPublisher(conn, nil)
			Expect(pub.Start()).To(Succeed())
			stale := factory.Last()

			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			Expect(pub.Close(ctx)).To(Succeed())

			stale.Connect()
			Expect(conn.State()).To(Equal(sparkplug.StateDisconnected))
		})
	})

	Context("store and forward", func() {
		var cfg sparkplug.Config

		BeforeEach(func() {
			cfg = sparkplug.Config{
				StoreForward: sparkplug.StoreForwardConfig{
					Enabled:      true,
					PrimaryHost:  "scada",
					MaxQueueSize: 2,
				},
			}
		})

		It("should buffer while disconnected and evict the oldest message when full", func() {
			conn := newTestConnection(cfg, factory)
			for _, name := range []string{"a", "b", "c"} {
				conn.Publish(sparkplug.Message{Topic: "t/" + name, Payload: []byte(name)}, false, nil)
			}
			Expect(conn.QueueLen()).To(Equal(2))

			Expect(conn.Connect()).To(Succeed())
			fake := factory.Last()
			fake.Connect()
			Expect(fake.Published()).To(BeEmpty())

			fake.Deliver("STATE/scada", []byte("ONLINE"))
			Eventually(func() []string {
				var topics []string
				for _, msg := range fake.Published() {
					topics = append(topics, msg.Topic)
				}
				return topics
			}).Should(Equal([]string{"t/b", "t/c"}))
			Expect(conn.QueueLen()).To(Equal(0))
		})

		It("should warn once when the buffer fills up", func() {
			logs := &logBuffer{}
			cfg.StoreForward.MaxQueueSize = 3
			conn := newConnectionWith(cfg, factory, logs.resources())
			for i := 0; i < 6; i++ {
				conn.Publish(sparkplug.Message{Topic: fmt.Sprintf("t/%d", i)}, false, nil)
			}
			Expect(conn.QueueLen()).To(Equal(3))
			Expect(strings.Count(logs.String(), "buffer is full")).To(Equal(1))
		})

		Context("draining in batches", func() {
			BeforeEach(func() {
				cfg.StoreForward.MaxQueueSize = 10
				cfg.StoreForward.DrainBatchSize = 2
				cfg.StoreForward.DrainPause = 300 * time.Millisecond
			})

			queued := []string{"t/0", "t/1", "t/2", "t/3", "t/4", "t/5"}

			fill := func(conn *sparkplug.Connection) *fakeTransport {
				GinkgoHelper()
				for _, t := range queued {
					conn.Publish(sparkplug.Message{Topic: t}, false, nil)
				}
				Expect(conn.Connect()).To(Succeed())
				fake := factory.Last()
				fake.Connect()
				fake.Deliver("STATE/scada", []byte("ONLINE"))
				Eventually(func() []string { return publishedTopics(fake) }).Should(Equal(queued[:2]))
				return fake
			}

			It("should stop between batches when the primary host goes offline and resume in order", func() {
				conn := newTestConnection(cfg, factory)
				fake := fill(conn)

				fake.Deliver("STATE/scada", []byte("OFFLINE"))
				Consistently(func() []string { return publishedTopics(fake) }, 500*time.Millisecond).Should(Equal(queued[:2]))
				Expect(conn.QueueLen()).To(Equal(4))

				fake.Deliver("STATE/scada", []byte("ONLINE"))
				Eventually(func() []string { return publishedTopics(fake) }, 2*time.Second).Should(Equal(queued))
				Expect(conn.QueueLen()).To(Equal(0))
			})

			It("should stop between batches when the connection drops and resume on reconnect", func() {
				conn := newTestConnection(cfg, factory)
				fake := fill(conn)

				fake.Lose(errors.New("EOF"))
				Consistently(func() []string { return publishedTopics(fake) }, 500*time.Millisecond).Should(Equal(queued[:2]))
				Expect(conn.QueueLen()).To(Equal(4))

				fake.Connect()
				Eventually(func() []string { return publishedTopics(fake) }, 2*time.Second).Should(Equal(queued))
			})
		})

		It("should publish immediately when bypassing the buffer", func() {
			conn := newTestConnection(cfg, factory)
			Expect(conn.Connect()).To(Succeed())
			fake := factory.Last()
			fake.Connect()

			conn.Publish(sparkplug.Message{Topic: "cmd"}, true, nil)
			Expect(fake.Published()).To(HaveLen(1))
			Expect(conn.QueueLen()).To(Equal(0))
		})

		It("should stop publishing directly once the primary host goes offline", func() {
			conn := newTestConnection(cfg, factory)
			Expect(conn.Connect()).To(Succeed())
			fake := factory.Last()
			fake.Connect()

			fake.Deliver("spBv1.0/STATE/scada", []byte(`{"online": true, "timestamp": 1}`))
			Expect(conn.PrimaryOnline()).To(BeTrue())
			conn.Publish(sparkplug.Message{Topic: "live"}, false, nil)
			Expect(fake.Published()).To(HaveLen(1))

			fake.Deliver("spBv1.0/STATE/scada", []byte(`{"online": false}`))
			Expect(conn.PrimaryOnline()).To(BeFalse())
			conn.Publish(sparkplug.Message{Topic: "held"}, false, nil)
			Expect(fake.Published()).To(HaveLen(1))
			Expect(conn.QueueLen()).To(Equal(1))
		})

		It("should treat a malformed state body as offline", func() {
			conn := newTestConnection(cfg, factory)
			Expect(conn.Connect()).To(Succeed())
			fake := factory.Last()
			fake.Connect()

			fake.Deliver("STATE/scada", []byte("ONLINE"))
			Expect(conn.PrimaryOnline()).To(BeTrue())
			fake.Deliver("spBv1.0/STATE/scada", []byte("not json"))
			Expect(conn.PrimaryOnline()).To(BeFalse())
		})

		It("should report BUFFERING to buffering sessions while the primary host is offline", func() {
			cfg.Identity = nodeIdentity
			conn := newTestConnection(cfg, factory)
			rec := &statusRecorder{}
			session, err := sparkplug.NewEdgeSession(conn, sparkplug.SessionConfig{
				DeviceID: "D",
				Metrics:  []sparkplug.MetricDefinition{{Name: "m", Type: payload.Int32}},
				OnStatus: rec.record,
			})
			Expect(err).NotTo(HaveOccurred())
			pubRec := &statusRecorder{}
			pub := sparkplug.NewPublisher(conn, pubRec.record)

			Expect(session.Start()).To(Succeed())
			Expect(pub.Start()).To(Succeed())
			fake := factory.Last()
			fake.Connect()
			Expect(rec.last()).To(Equal(sparkplug.StatusBuffering))
			Expect(pubRec.last()).To(Equal(sparkplug.StatusConnected))

			fake.Deliver("STATE/scada", []byte("ONLINE"))
			Expect(rec.last()).To(Equal(sparkplug.StatusConnected))
		})

		It("should persist the queue in badger when a directory is configured", func() {
			cfg.StoreForward.PersistDir = GinkgoT().TempDir()
			conn := newTestConnection(cfg, factory)
			conn.Publish(sparkplug.Message{Topic: "t/a", Payload: []byte("a")}, false, nil)
			Expect(conn.QueueLen()).To(Equal(1))
		})
	})

	Context("subscriptions", func() {
		It("should subscribe a filter once and unsubscribe with the last ref", func() {
			conn := newTestConnection(sparkplug.Config{}, factory)
			Expect(conn.Connect()).To(Succeed())
			fake := factory.Last()
			fake.Connect()

			var mu sync.Mutex
			got := map[string]int{}
			handler := func(ref string) sparkplug.MessageHandler {
				return func(sparkplug.InboundMessage) {
					mu.Lock()
					defer mu.Unlock()
					got[ref]++
				}
			}
			Expect(conn.Subscribe("spBv1.0/G/+/E/#", 1, handler("a"), "a")).To(Succeed())
			Expect(conn.Subscribe("spBv1.0/G/+/E/#", 0, handler("b"), "b")).To(Succeed())
			Expect(fake.Subscribed()).To(ContainElement("spBv1.0/G/+/E/#"))

			fake.Deliver("spBv1.0/G/DDATA/E/D", nil)
			fake.Deliver("spBv1.0/G/NDATA/E", nil)
			fake.Deliver("spBv1.0/H/NDATA/E", nil)
			mu.Lock()
			Expect(got).To(Equal(map[string]int{"a": 2, "b": 2}))
			mu.Unlock()

			conn.Unsubscribe("spBv1.0/G/+/E/#", "a")
			Expect(fake.Unsubscribed()).To(BeEmpty())
			conn.Unsubscribe("spBv1.0/G/+/E/#", "b")
			Expect(fake.Unsubscribed()).To(Equal([]string{"spBv1.0/G/+/E/#"}))
		})

		It("should reject invalid filters", func() {
			conn := newTestConnection(sparkplug.Config{}, factory)
			err := conn.Subscribe("a/#/b", 0, func(sparkplug.InboundMessage) {}, sparkplug.DefaultRef)
			Expect(errors.Is(err, sparkplug.ErrInvalidTopic)).To(BeTrue())
		})

		It("should re-issue every subscription after a reconnect", func() {
			conn := newTestConnection(sparkplug.Config{}, factory)
			Expect(conn.Subscribe("x/y", 0, func(sparkplug.InboundMessage) {}, sparkplug.DefaultRef)).To(Succeed())
			Expect(conn.Connect()).To(Succeed())
			fake := factory.Last()
			fake.Connect()
			fake.Lose(errors.New("EOF"))
			fake.Reconnecting()
			fake.Connect()
			Expect(fake.Subscribed()).To(Equal([]string{"x/y", "x/y"}))
		})
	})

	Context("rebirth requests", func() {
		It("should answer an NCMD rebirth with NDEATH and a new NBIRTH", func() {
			conn := newTestConnection(sparkplug.Config{Identity: nodeIdentity}, factory)
			Expect(conn.Connect()).To(Succeed())
			fake := factory.Last()
			fake.Connect()
			Expect(messageTypes(fake.Published())).To(Equal([]string{"NBIRTH"}))

			fake.Deliver("spBv1.0/G/NCMD/E", encodePayload(&payload.Payload{
				Metrics: []payload.Metric{{Name: "node control/rebirth", Type: payload.Boolean, Value: true}},
			}))
			Expect(messageTypes(fake.Published())).To(Equal([]string{"NBIRTH", "NDEATH", "NBIRTH"}))
		})

		It("should drop undecodable commands", func() {
			conn := newTestConnection(sparkplug.Config{Identity: nodeIdentity}, factory)
			Expect(conn.Connect()).To(Succeed())
			fake := factory.Last()
			fake.Connect()
			fake.Deliver("spBv1.0/G/NCMD/E", []byte{0xff, 0xff, 0xff})
			Expect(fake.Published()).To(HaveLen(1))
		})
	})

	It("should publish raw values through the publisher", func() {
		conn := newTestConnection(sparkplug.Config{}, factory)
		pub := sparkplug.NewPublisher(conn, nil)
		Expect(pub.PublishValue("raw", "x", 0, false, nil)).To(MatchError(sparkplug.ErrNotConnected))

		Expect(pub.Start()).To(Succeed())
		fake := factory.Last()
		fake.Connect()

		done := make(chan error, 1)
		Expect(pub.PublishValue("raw", map[string]int{"a": 1}, 1, true, func(err error) { done <- err })).To(Succeed())
		Eventually(done).Should(Receive(BeNil()))
		msg := fake.Published()[0]
		Expect(string(msg.Payload)).To(Equal(`{"a":1}`))
		Expect(msg.Retain).To(BeTrue())

		Expect(pub.PublishValue("a/+", "x", 0, false, nil)).To(MatchError(sparkplug.ErrInvalidTopic))
	})

	It("should compress publisher payloads when configured", func() {
		conn := newTestConnection(sparkplug.Config{Compression: payload.Gzip}, factory)
		pub := sparkplug.NewPublisher(conn, nil)
		Expect(pub.Start()).To(Succeed())
		fake := factory.Last()
		fake.Connect()

		Expect(pub.Publish("spBv1.0/G/NDATA/E", &payload.Payload{
			Metrics: []payload.Metric{{Name: "m", Type: payload.Double, Value: 1.5}},
		}, 0, false, nil)).To(Succeed())

		envelope := decodeMessage(fake.Published()[0])
		Expect(envelope.UUID).To(Equal(payload.CompressedUUID))
		p, err := payload.MaybeDecompress(codec, envelope)
		Expect(err).NotTo(HaveOccurred())
		Expect(metricValue(p, "m")).To(Equal(1.5))
	})

	It("should serialize concurrent sends without reusing a seq value", func() {
		conn := newTestConnection(sparkplug.Config{Identity: nodeIdentity}, factory)
		Expect(conn.Connect()).To(Succeed())
		fake := factory.Last()
		fake.Connect()

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				defer GinkgoRecover()
				for i := 0; i < 25; i++ {
					Expect(conn.Send(nodeIdentity, topic.NDATA, []payload.Metric{
						{Name: fmt.Sprintf("w%d", w), Type: payload.Int32, Value: i},
					}, false)).To(Succeed())
				}
			}(w)
		}
		wg.Wait()

		published := fake.Published()
		Expect(published).To(HaveLen(101))
		for i, msg := range published {
			Expect(*decodeMessage(msg).Seq).To(Equal(uint64(i % 256)))
		}
	})
})
