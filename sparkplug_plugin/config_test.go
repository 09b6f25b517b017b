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
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redpanda-data/benthos/v4/public/service"

	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug"
	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/payload"
)

var _ = Describe("Connection configuration", func() {
	It("should apply the documented defaults", func() {
		conf := parseSpec(inInputSpec(), `topic: "spBv1.0/#"`)
		cc, err := parseConnectionConfig(conf)
		Expect(err).NotTo(HaveOccurred())

		Expect(cc.Name).To(BeEmpty())
		Expect(cc.Config.MQTT.URLs).To(Equal([]string{sparkplug.DefaultBrokerURL}))
		Expect(cc.Config.MQTT.QoS).To(Equal(byte(1)))
		Expect(cc.Config.MQTT.KeepAlive).To(Equal(60 * time.Second))
		Expect(cc.Config.MQTT.ReconnectInterval).To(Equal(5 * time.Second))
		Expect(cc.Config.MQTT.TLS).To(BeNil())
		Expect(cc.Config.Identity.IsZero()).To(BeTrue())
		Expect(cc.Config.Compression).To(Equal(payload.None))
		Expect(cc.Config.StoreForward.Enabled).To(BeFalse())
		Expect(cc.Config.StoreForward.MaxQueueSize).To(Equal(sparkplug.DefaultMaxQueueSize))
		Expect(cc.Config.StoreForward.DrainPause).To(Equal(sparkplug.DefaultDrainPause))
	})

	It("should read every section", func() {
		conf := parseSpec(inInputSpec(), `
connection: plant
mqtt:
  urls: ["tcp://broker:1883"]
  client_id: edge-1
  credentials:
    username: user
    password: secret
  qos: 0
  clean_session: false
identity:
  group_id: FactoryA
  edge_node_id: Line1
compression: GZIP
alias_metrics: true
store_forward:
  enabled: true
  primary_host: scada
  max_queue_size: 10
  drain_batch_size: 2
  drain_pause: 10ms
`)
		cc, err := parseConnectionConfig(conf)
		Expect(err).NotTo(HaveOccurred())
		Expect(cc.Name).To(Equal("plant"))
		Expect(cc.Config.MQTT.ClientID).To(Equal("edge-1"))
		Expect(cc.Config.MQTT.Username).To(Equal("user"))
		Expect(cc.Config.MQTT.Password).To(Equal("secret"))
		Expect(cc.Config.MQTT.QoS).To(Equal(byte(0)))
		Expect(cc.Config.MQTT.CleanSession).To(BeFalse())
		Expect(cc.Config.Identity).To(Equal(sparkplug.Identity{GroupID: "FactoryA", EdgeNodeID: "Line1"}))
		Expect(cc.Config.Compression).To(Equal(payload.Gzip))
		Expect(cc.Config.AliasMetrics).To(BeTrue())
		Expect(cc.Config.StoreForward).To(Equal(sparkplug.StoreForwardConfig{
			Enabled:        true,
			PrimaryHost:    "scada",
			MaxQueueSize:   10,
			DrainBatchSize: 2,
			DrainPause:     10 * time.Millisecond,
		}))
	})

	DescribeTable("should reject invalid connections",
		func(yaml, message string) {
			_, err := parseConnectionConfig(parseSpec(inInputSpec(), yaml))
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring(message))
		},
		Entry("qos out of range", "mqtt:\n  qos: 3", "QoS"),
		Entry("store and forward without primary host", "store_forward:\n  enabled: true", "primary host"),
		Entry("half an identity", "identity:\n  group_id: G", "edge_node_id"),
		Entry("wildcards in the identity", "identity:\n  group_id: G/x\n  edge_node_id: E", "must not contain"),
	)
})

var _ = Describe("Metric definitions", func() {
	spec := service.NewConfigSpec().Field(service.NewObjectListField("metrics", metricFields()...))

	It("should parse names, types and properties", func() {
		defs, err := parseMetricDefinitions(parseSpec(spec, `
metrics:
  - name: Temperature
    type: double
    properties:
      engUnit: "°C"
  - name: Running
    type: Boolean
`), "metrics")
		Expect(err).NotTo(HaveOccurred())
		Expect(defs).To(HaveLen(2))
		Expect(defs[0].Type).To(Equal(payload.Double))
		Expect(defs[0].Properties).To(HaveKeyWithValue("engUnit", payload.PropertyValue{Type: payload.String, Value: "°C"}))
		Expect(defs[1].Type).To(Equal(payload.Boolean))
		Expect(defs[1].Properties).To(BeNil())
	})

	It("should reject unknown types", func() {
		_, err := parseMetricDefinitions(parseSpec(spec, `
metrics:
  - name: x
    type: Quaternion
`), "metrics")
		Expect(err).To(MatchError(payload.ErrUnsupportedType))
	})
})
