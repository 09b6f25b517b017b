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

// Command schema-export writes the configuration schema of the Sparkplug B
// components to a versioned JSON file.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/redpanda-data/benthos/v4/public/service"
)

const usage = "Usage: schema-export -version 0.3.0 [-format benthos|json-schema]"

// outputFilename strips a leading "v" so tags and plain versions agree.
func outputFilename(version, format string) string {
	clean := strings.TrimPrefix(version, "v")
	if format == formatJSONSchema {
		return fmt.Sprintf("sparkplug-schemas-v%s-json-schema.json", clean)
	}
	return fmt.Sprintf("sparkplug-schemas-v%s.json", clean)
}

func validateVersion(version string) error {
	if version == "" {
		return fmt.Errorf("-version flag is required")
	}
	if strings.ContainsAny(version, `/\`) || strings.Contains(version, "..") {
		return fmt.Errorf("-version %q contains invalid path characters", version)
	}
	return nil
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n%s\n", err, usage)
	os.Exit(1)
}

func main() {
	version := flag.String("version", "", "release version (required)")
	format := flag.String("format", formatBenthos, "output format: benthos or json-schema")
	flag.Parse()

	if err := validateVersion(*version); err != nil {
		fail(err)
	}
	if err := validateFormat(*format); err != nil {
		fail(err)
	}

	schemas, err := exportSchemas(service.GlobalEnvironment())
	if err != nil {
		fail(fmt.Errorf("exporting schemas: %w", err))
	}
	doc, err := render(schemas, *format, *version)
	if err != nil {
		fail(err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		fail(fmt.Errorf("marshaling schema: %w", err))
	}

	file := outputFilename(*version, *format)
	if err := os.WriteFile(file, data, 0o644); err != nil {
		fail(err)
	}
	fmt.Fprintf(os.Stderr, "Generated %s (%s): %d inputs, %d processors, %d outputs\n",
		file, *format, len(schemas.Inputs), len(schemas.Processors), len(schemas.Outputs))
}
