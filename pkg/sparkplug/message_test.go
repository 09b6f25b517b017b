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
)

var _ = Describe("MessageFromValue", func() {
	DescribeTable("serializes bodies",
		func(v any, expected string) {
			msg, err := sparkplug.MessageFromValue("t", v)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(msg.Payload)).To(Equal(expected))
		},
		Entry("bytes pass through", []byte("raw"), "raw"),
		Entry("strings as-is", "text", "text"),
		Entry("nil as empty", nil, ""),
		Entry("objects as JSON", map[string]bool{"ok": true}, `{"ok":true}`),
		Entry("numbers as JSON", 42, "42"),
	)
})
