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

package main

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redpanda-data/benthos/v4/public/service"
)

var _ = Describe("exportSchemas", func() {
	var schemas *SchemaOutput

	BeforeEach(func() {
		var err error
		schemas, err = exportSchemas(service.GlobalEnvironment())
		Expect(err).NotTo(HaveOccurred())
	})

	It("should export every Sparkplug component and nothing else", func() {
		Expect(schemas.Inputs).To(HaveKey("sparkplug_in"))
		Expect(schemas.Inputs).To(HaveKey("sparkplug_device_listener"))
		Expect(schemas.Outputs).To(HaveKey("sparkplug_device"))
		Expect(schemas.Outputs).To(HaveKey("sparkplug_out"))
		Expect(schemas.Outputs).To(HaveKey("sparkplug_command"))
		Expect(schemas.Processors).To(HaveKey("sparkplug_b_decode"))

		Expect(schemas.Inputs).NotTo(HaveKey("generate"))
		Expect(schemas.Outputs).NotTo(HaveKey("stdout"))
	})

	It("should carry defaults and nested fields", func() {
		in := schemas.Inputs["sparkplug_in"]
		Expect(in.Kind).To(Equal("input"))
		Expect(in.Summary).NotTo(BeEmpty())
		Expect(in.Config).To(HaveKey("topic"))
		Expect(in.Config["topic"].Default).To(Equal("spBv1.0/#"))
		Expect(in.Config["topic"].Required).To(BeFalse())

		identity := schemas.Outputs["sparkplug_device"].Config["identity"]
		names := []string{}
		for _, c := range identity.Children {
			names = append(names, c.Name)
		}
		Expect(names).To(ContainElements("group_id", "edge_node_id"))
	})

	It("should fill in the metadata", func() {
		Expect(schemas.Metadata.GeneratedAt.IsZero()).To(BeFalse())
		Expect(schemas.Metadata.BenthosVersion).NotTo(BeEmpty())
		Expect(schemas.Metadata.SparkplugVersion).NotTo(BeEmpty())
	})
})

var _ = Describe("parseComponentSpec", func() {
	raw := []byte(`{
	  "name": "sparkplug_test",
	  "config": {
	    "name": "", "type": "object", "kind": "scalar",
	    "children": [
	      {"name": "qos", "type": "int", "kind": "scalar", "default": 1, "description": "QoS"},
	      {"name": "url", "type": "string", "kind": "scalar"},
	      {"name": "compression", "type": "string", "kind": "scalar", "default": "", "options": ["", "DEFLATE", "GZIP"]},
	      {"name": "persist_dir", "type": "string", "kind": "scalar", "is_optional": true, "is_advanced": true},
	      {"name": "metrics", "type": "object", "kind": "array", "examples": [[{"name": "temp"}]], "children": [
	        {"name": "name", "type": "string", "kind": "scalar"}
	      ]}
	    ]
	  }
	}`)

	It("should convert the field tree", func() {
		spec, err := parseComponentSpec("sparkplug_test", "output", "summary", "", raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(spec.Config).To(HaveLen(5))

		Expect(spec.Config["qos"].Required).To(BeFalse())
		Expect(spec.Config["qos"].Default).To(BeEquivalentTo(1))
		Expect(spec.Config["url"].Required).To(BeTrue())
		Expect(spec.Config["compression"].Options).To(Equal([]string{"", "DEFLATE", "GZIP"}))
		Expect(spec.Config["persist_dir"].Required).To(BeFalse())
		Expect(spec.Config["persist_dir"].Advanced).To(BeTrue())

		metrics := spec.Config["metrics"]
		Expect(metrics.Examples).To(HaveLen(1))
		Expect(metrics.Children).To(HaveLen(1))
		Expect(metrics.Children[0].Name).To(Equal("name"))
		Expect(metrics.Children[0].Required).To(BeTrue())
	})

	It("should report undecodable specs", func() {
		_, err := parseComponentSpec("sparkplug_test", "output", "", "", []byte("{"))
		Expect(err).To(MatchError(ContainSubstring("output sparkplug_test")))
	})
})

var _ = Describe("isSparkplugComponent", func() {
	DescribeTable("classifies component names",
		func(name string, expected bool) {
			Expect(isSparkplugComponent(name)).To(Equal(expected))
		},
		Entry("device output", "sparkplug_device", true),
		Entry("decode processor", "sparkplug_b_decode", true),
		Entry("bare prefix", "sparkplug", false),
		Entry("upstream mqtt", "mqtt", false),
	)
})
