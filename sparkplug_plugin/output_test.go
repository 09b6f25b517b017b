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

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug"
)

const deviceYAML = `
connection: line1
identity:
  group_id: G
  edge_node_id: E
device_id: D
metrics:
  - name: temp
    type: Double
  - name: running
    type: Boolean
`

var _ = Describe("sparkplug_device output", func() {
	var (
		stubs *brokerStubs
		out   *deviceOutput
	)

	BeforeEach(func() {
		stubs = useBrokerStubs()
		var err error
		out, err = newDeviceOutput(parseSpec(deviceOutputSpec(), deviceYAML), service.MockResources())
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Connect(context.Background())).To(Succeed())
		DeferCleanup(func() { _ = out.Close(context.Background()) })
		stubs.Last().Connect()
	})

	write := func(body string) {
		GinkgoHelper()
		Expect(out.Write(context.Background(), service.NewMessage([]byte(body)))).To(Succeed())
	}

	It("should birth once every metric has a value and send DATA afterwards", func() {
		broker := stubs.Last()
		Expect(topics(broker.Published())).To(Equal([]string{"spBv1.0/G/NBIRTH/E"}))

		write(`{"metrics":[{"name":"temp","value":21.5}]}`)
		Expect(topics(broker.Published())).To(HaveLen(1))

		write(`{"metrics":[{"name":"running","value":true}]}`)
		write(`{"metrics":[{"name":"temp","value":22}]}`)

		published := broker.Published()
		Expect(topics(published)).To(Equal([]string{
			"spBv1.0/G/NBIRTH/E",
			"spBv1.0/G/DBIRTH/E/D",
			"spBv1.0/G/DDATA/E/D",
		}))
		birth := decode(published[1])
		Expect(birth.Metrics).To(HaveLen(2))
		data := decode(published[2])
		Expect(data.Metrics[0].Value).To(Equal(22.0))
	})

	It("should drop malformed bodies and unknown metrics without failing", func() {
		write(`not json`)
		write(`{"metrics":{"temp":1}}`)
		write(`{"metrics":[{"name":"pressure","value":1}]}`)
		Expect(topics(stubs.Last().Published())).To(Equal([]string{"spBv1.0/G/NBIRTH/E"}))
	})

	It("should drop values that do not convert to the metric type", func() {
		write(`{"metrics":[{"name":"temp","value":"abc"},{"name":"running","value":true}]}`)
		Expect(topics(stubs.Last().Published())).To(Equal([]string{"spBv1.0/G/NBIRTH/E"}))

		write(`{"metrics":[{"name":"temp","value":3}]}`)
		published := stubs.Last().Published()
		Expect(topics(published)).To(Equal([]string{"spBv1.0/G/NBIRTH/E", "spBv1.0/G/DBIRTH/E/D"}))
		temp, ok := decode(published[1]).Metric("temp")
		Expect(ok).To(BeTrue())
		Expect(temp.Value).To(Equal(3.0))
	})

	It("should run lifecycle commands from metadata", func() {
		write(`{"metrics":[{"name":"temp","value":1},{"name":"running","value":false}]}`)

		msg := service.NewMessage(nil)
		msg.MetaSet(metaCommand, "REBIRTH")
		Expect(out.Write(context.Background(), msg)).To(Succeed())

		Expect(topics(stubs.Last().Published())).To(Equal([]string{
			"spBv1.0/G/NBIRTH/E",
			"spBv1.0/G/DBIRTH/E/D",
			"spBv1.0/G/DDEATH/E/D",
			"spBv1.0/G/DBIRTH/E/D",
		}))
	})

	It("should publish NDEATH and release the connection on close", func() {
		broker := stubs.Last()
		Expect(out.Close(context.Background())).To(Succeed())

		published := broker.Published()
		Expect(published[len(published)-1].Topic).To(Equal("spBv1.0/G/NDEATH/E"))
		Expect(broker.Ended()).To(BeTrue())
		Expect(connections.refs("line1")).To(Equal(0))
	})

	It("should share the named connection with a second device", func() {
		other, err := newDeviceOutput(parseSpec(deviceOutputSpec(), `
connection: line1
identity:
  group_id: G
  edge_node_id: E
device_id: D2
birth_immediately: true
metrics:
  - name: speed
    type: Int32
`), service.MockResources())
		Expect(err).NotTo(HaveOccurred())
		Expect(other.Connect(context.Background())).To(Succeed())
		DeferCleanup(func() { _ = other.Close(context.Background()) })

		Expect(stubs.Count()).To(Equal(1))
		Expect(connections.refs("line1")).To(Equal(2))
		Eventually(func() []string { return topics(stubs.Last().Published()) }).
			Should(ContainElement("spBv1.0/G/DBIRTH/E/D2"))
	})

	It("should require an edge node identity", func() {
		_, err := newDeviceOutput(parseSpec(deviceOutputSpec(), `
metrics:
  - name: temp
    type: Double
`), service.MockResources())
		Expect(err).To(MatchError(ContainSubstring("identity")))
	})
})

var _ = Describe("sparkplug_out output", func() {
	var stubs *brokerStubs

	BeforeEach(func() {
		stubs = useBrokerStubs()
	})

	newOut := func(yaml string) *outOutput {
		GinkgoHelper()
		out, err := newOutOutput(parseSpec(outOutputSpec(), yaml), service.MockResources())
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Connect(context.Background())).To(Succeed())
		DeferCleanup(func() { _ = out.Close(context.Background()) })
		return out
	}

	It("should encode metrics and publish to the topic from metadata", func() {
		out := newOut(`{}`)
		msg := service.NewMessage([]byte(`{"metrics":[{"name":"Node Control/Rebirth","type":"Boolean","value":true}]}`))
		msg.MetaSet(metaMQTTTopic, "spBv1.0/G/NCMD/E")

		Expect(out.Write(context.Background(), msg)).To(Succeed())
		Expect(stubs.Last().Published()).To(BeEmpty())

		stubs.Last().Connect()
		Expect(out.Write(context.Background(), msg)).To(Succeed())
		published := stubs.Last().Published()
		Expect(topics(published)).To(Equal([]string{"spBv1.0/G/NCMD/E"}))
		m, ok := decode(published[0]).Metric(sparkplug.RebirthMetric)
		Expect(ok).To(BeTrue())
		Expect(m.Value).To(Equal(true))
	})

	It("should publish raw bodies to the configured topic", func() {
		out := newOut(`
topic: 'plant/${! meta("line") }'
body_format: raw
retain: true
`)
		stubs.Last().Connect()
		msg := service.NewMessage([]byte("hello"))
		msg.MetaSet("line", "L1")
		Expect(out.Write(context.Background(), msg)).To(Succeed())

		published := stubs.Last().Published()
		Expect(published).To(HaveLen(1))
		Expect(published[0].Topic).To(Equal("plant/L1"))
		Expect(string(published[0].Payload)).To(Equal("hello"))
		Expect(published[0].Retain).To(BeTrue())
	})

	It("should drop metrics whose value does not match the declared type", func() {
		out := newOut(`{}`)
		stubs.Last().Connect()
		msg := service.NewMessage([]byte(`{"metrics":[{"name":"count","type":"Int32","value":"abc"}]}`))
		msg.MetaSet(metaMQTTTopic, "spBv1.0/G/NCMD/E")
		Expect(out.Write(context.Background(), msg)).To(Succeed())
		Expect(stubs.Last().Published()).To(BeEmpty())
	})

	It("should drop messages without a topic", func() {
		out := newOut(`{}`)
		stubs.Last().Connect()
		Expect(out.Write(context.Background(), service.NewMessage([]byte(`{"metrics":[]}`)))).To(Succeed())
		Expect(stubs.Last().Published()).To(BeEmpty())
	})
})

var _ = Describe("sparkplug_command output", func() {
	var (
		stubs *brokerStubs
		out   *commandOutput
	)

	BeforeEach(func() {
		stubs = useBrokerStubs()
		var err error
		out, err = newCommandOutput(parseSpec(commandOutputSpec(), `
target:
  group_id: G
  edge_node_id: E
  device_id: D
commands:
  - name: setpoint
    type: Double
  - name: mode
    type: String
command: setpoint
`), service.MockResources())
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Connect(context.Background())).To(Succeed())
		DeferCleanup(func() { _ = out.Close(context.Background()) })
		stubs.Last().Connect()
	})

	It("should send DCMD with the metric named in metadata", func() {
		msg := service.NewMessage([]byte(`auto`))
		msg.MetaSet(metaMetric, "mode")
		Expect(out.Write(context.Background(), msg)).To(Succeed())
		Expect(out.Write(context.Background(), service.NewMessage([]byte(`42.5`)))).To(Succeed())

		published := stubs.Last().Published()
		Expect(topics(published)).To(Equal([]string{"spBv1.0/G/DCMD/E/D", "spBv1.0/G/DCMD/E/D"}))
		mode, _ := decode(published[0]).Metric("mode")
		Expect(mode.Value).To(Equal("auto"))
		setpoint, _ := decode(published[1]).Metric("setpoint")
		Expect(setpoint.Value).To(Equal(42.5))
	})

	It("should drop unknown commands and non-scalar values", func() {
		unknown := service.NewMessage([]byte(`1`))
		unknown.MetaSet(metaMetric, "speed")
		Expect(out.Write(context.Background(), unknown)).To(Succeed())
		Expect(out.Write(context.Background(), service.NewMessage([]byte(`{"a":1}`)))).To(Succeed())
		Expect(stubs.Last().Published()).To(BeEmpty())
	})
})
