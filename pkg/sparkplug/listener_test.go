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
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug"
	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/payload"
	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/topic"
)

var _ = Describe("Listener", func() {
	var (
		factory *fakeFactory
		conn    *sparkplug.Connection
	)

	BeforeEach(func() {
		factory = &fakeFactory{}
		conn = newTestConnection(sparkplug.Config{}, factory)
	})

	It("should deliver decoded and decompressed messages and drop corrupt ones", func() {
		deliveries := make(chan sparkplug.Delivery, 4)
		l, err := sparkplug.NewListener(conn, sparkplug.ListenerConfig{
			Topic:     "spBv1.0/+/DDATA/#",
			QoS:       1,
			OnMessage: func(d sparkplug.Delivery) { deliveries <- d },
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(l.Start()).To(Succeed())
		fake := factory.Last()
		fake.Connect()
		Expect(fake.Subscribed()).To(Equal([]string{"spBv1.0/+/DDATA/#"}))

		inner := &payload.Payload{Metrics: []payload.Metric{{Name: "temp", Type: payload.Double, Value: 21.5}}}
		envelope, err := payload.Compress(codec, inner, payload.Deflate)
		Expect(err).NotTo(HaveOccurred())

		fake.Deliver("spBv1.0/G/DDATA/E/D", []byte{0xff, 0xff, 0xff})
		fake.Deliver("spBv1.0/G/DDATA/E/D", encodePayload(envelope))

		var d sparkplug.Delivery
		Eventually(deliveries).Should(Receive(&d))
		Expect(d.Topic).To(Equal("spBv1.0/G/DDATA/E/D"))
		Expect(metricValue(d.Payload, "temp")).To(Equal(21.5))
		Consistently(deliveries).ShouldNot(Receive())
	})

	It("should reject invalid filters", func() {
		_, err := sparkplug.NewListener(conn, sparkplug.ListenerConfig{Topic: "a/#/b"})
		Expect(err).To(MatchError(sparkplug.ErrInvalidTopic))
		_, err = sparkplug.NewListener(conn, sparkplug.ListenerConfig{Topic: ""})
		Expect(err).To(MatchError(sparkplug.ErrInvalidTopic))
	})
})

var _ = Describe("DeviceListener", func() {
	var (
		factory *fakeFactory
		conn    *sparkplug.Connection
		fake    *fakeTransport
		got     chan []*sparkplug.Slot
	)

	start := func(cfg sparkplug.DeviceListenerConfig) {
		GinkgoHelper()
		cfg.GroupID, cfg.EdgeNodeID, cfg.DeviceID = "G", "E", "D"
		cfg.OnSlots = func(_ topic.Info, slots []*sparkplug.Slot) { got <- slots }
		l, err := sparkplug.NewDeviceListener(conn, cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(l.Start()).To(Succeed())
		fake = factory.Last()
		fake.Connect()
	}

	BeforeEach(func() {
		factory = &fakeFactory{}
		conn = newTestConnection(sparkplug.Config{}, factory)
		got = make(chan []*sparkplug.Slot, 8)
	})

	It("should subscribe to every message type of the device", func() {
		start(sparkplug.DeviceListenerConfig{Metrics: []string{"a"}})
		Expect(fake.Subscribed()).To(Equal([]string{"spBv1.0/G/+/E/D"}))
	})

	It("should emit one slot per watched metric with nil for absent or null values", func() {
		start(sparkplug.DeviceListenerConfig{Metrics: []string{"a", "b", "c"}})
		fake.Deliver("spBv1.0/G/DDATA/E/D", encodePayload(&payload.Payload{Metrics: []payload.Metric{
			{Name: "a", Type: payload.Int32, Value: 7},
			{Name: "c", Type: payload.String, IsNull: true},
		}}))

		var slots []*sparkplug.Slot
		Eventually(got).Should(Receive(&slots))
		Expect(slots).To(HaveLen(3))
		Expect(slots[0].Value).To(Equal(int32(7)))
		Expect(slots[0].Type).To(Equal(payload.Int32))
		Expect(slots[1]).To(BeNil())
		Expect(slots[2]).To(BeNil())
	})

	It("should learn aliases from BIRTH and resolve them in DATA", func() {
		start(sparkplug.DeviceListenerConfig{Metrics: []string{"temp"}})
		fake.Deliver("spBv1.0/G/DBIRTH/E/D", encodePayload(&payload.Payload{Metrics: []payload.Metric{
			{Name: "temp", Alias: payload.Uint64(5), Type: payload.Double, Value: 1.0},
		}}))
		Consistently(got).ShouldNot(Receive())

		fake.Deliver("spBv1.0/G/DDATA/E/D", encodePayload(&payload.Payload{Metrics: []payload.Metric{
			{Alias: payload.Uint64(5), Type: payload.Double, Value: 2.5},
		}}))
		var slots []*sparkplug.Slot
		Eventually(got).Should(Receive(&slots))
		Expect(slots[0]).NotTo(BeNil())
		Expect(slots[0].Value).To(Equal(2.5))
	})

	It("should include BIRTH and CMD messages only when enabled", func() {
		start(sparkplug.DeviceListenerConfig{Metrics: []string{"x"}, IncludeBirth: true, IncludeCommands: true})
		msg := encodePayload(&payload.Payload{Metrics: []payload.Metric{{Name: "x", Type: payload.Boolean, Value: true}}})
		fake.Deliver("spBv1.0/G/DBIRTH/E/D", msg)
		fake.Deliver("spBv1.0/G/DCMD/E/D", msg)
		fake.Deliver("spBv1.0/G/DDEATH/E/D", msg)
		Eventually(got).Should(HaveLen(2))
	})

	It("should require at least one metric", func() {
		_, err := sparkplug.NewDeviceListener(conn, sparkplug.DeviceListenerConfig{GroupID: "G", EdgeNodeID: "E"})
		Expect(err).To(MatchError(sparkplug.ErrValidation))
	})
})

var _ = Describe("Commander", func() {
	var (
		factory *fakeFactory
		conn    *sparkplug.Connection
	)

	BeforeEach(func() {
		factory = &fakeFactory{}
		conn = newTestConnection(sparkplug.Config{Identity: sparkplug.Identity{GroupID: "G", EdgeNodeID: "Host"}}, factory)
	})

	It("should send DCMD for known command metrics while connected", func() {
		cmd, err := sparkplug.NewCommander(conn, sparkplug.CommanderConfig{
			Target:   sparkplug.Identity{GroupID: "G", EdgeNodeID: "E", DeviceID: "D"},
			Commands: []sparkplug.MetricDefinition{{Name: "setpoint", Type: payload.Double}},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(cmd.Send("setpoint", 1.5, nil)).To(MatchError(sparkplug.ErrNotConnected))

		Expect(cmd.Start()).To(Succeed())
		fake := factory.Last()
		fake.Connect()

		Expect(cmd.Send("unknown", 1, nil)).To(MatchError(sparkplug.ErrUnknownMetric))
		Expect(cmd.Send("setpoint", map[string]any{"a": 1}, nil)).To(MatchError(sparkplug.ErrValidation))
		Expect(cmd.Send("setpoint", 42.0, nil)).To(Succeed())

		published := fake.Published()
		last := published[len(published)-1]
		Expect(last.Topic).To(Equal("spBv1.0/G/DCMD/E/D"))
		Expect(metricValue(decodeMessage(last), "setpoint")).To(Equal(42.0))
	})

	It("should send NCMD to a node target", func() {
		cmd, err := sparkplug.NewCommander(conn, sparkplug.CommanderConfig{
			Target:   sparkplug.Identity{GroupID: "G", EdgeNodeID: "E"},
			Commands: []sparkplug.MetricDefinition{{Name: sparkplug.RebirthMetric, Type: payload.Boolean}},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(cmd.Start()).To(Succeed())
		fake := factory.Last()
		fake.Connect()

		Expect(cmd.Send(sparkplug.RebirthMetric, true, nil)).To(Succeed())
		published := fake.Published()
		Expect(published[len(published)-1].Topic).To(Equal("spBv1.0/G/NCMD/E"))
	})
})
