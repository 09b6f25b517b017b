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
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/redpanda-data/benthos/v4/public/service"

	_ "github.com/united-manufacturing-hub/benthos-sparkplug/cmd/benthos/bundle"
)

const (
	modulePath    = "github.com/united-manufacturing-hub/benthos-sparkplug"
	componentName = "sparkplug"
)

// SchemaOutput is the "benthos" export format consumed by configuration UIs.
type SchemaOutput struct {
	Metadata   Metadata                 `json:"metadata"`
	Inputs     map[string]ComponentSpec `json:"inputs"`
	Processors map[string]ComponentSpec `json:"processors"`
	Outputs    map[string]ComponentSpec `json:"outputs"`
}

type Metadata struct {
	BenthosVersion   string    `json:"benthos_version"`
	SparkplugVersion string    `json:"sparkplug_version"`
	GeneratedAt      time.Time `json:"generated_at"`
}

// ComponentSpec describes one registered input, processor or output.
type ComponentSpec struct {
	Name        string               `json:"name"`
	Kind        string               `json:"kind"`
	Summary     string               `json:"summary"`
	Description string               `json:"description,omitempty"`
	Config      map[string]FieldSpec `json:"config"`
}

type FieldSpec struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Kind        string      `json:"kind"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     any         `json:"default"`
	Examples    []any       `json:"examples,omitempty"`
	Options     []string    `json:"options,omitempty"`
	Advanced    bool        `json:"advanced,omitempty"`
	Children    []FieldSpec `json:"children,omitempty"`
}

// rawField mirrors the field documents produced by ConfigView.FormatJSON.
type rawField struct {
	Name        string     `json:"name"`
	Type        string     `json:"type"`
	Kind        string     `json:"kind"`
	Description string     `json:"description"`
	Optional    bool       `json:"is_optional"`
	Advanced    bool       `json:"is_advanced"`
	Default     any        `json:"default"`
	Examples    []any      `json:"examples"`
	Options     []any      `json:"options"`
	Children    []rawField `json:"children"`
}

type rawComponent struct {
	Config rawField `json:"config"`
}

// isSparkplugComponent reports whether name belongs to this module rather
// than to the bundled upstream components.
func isSparkplugComponent(name string) bool {
	return strings.HasPrefix(name, componentName+"_")
}

// exportSchemas walks env and collects the Sparkplug components.
func exportSchemas(env *service.Environment) (*SchemaOutput, error) {
	out := &SchemaOutput{
		Metadata: Metadata{
			BenthosVersion:   dependencyVersion("github.com/redpanda-data/benthos/v4"),
			SparkplugVersion: moduleVersion(),
			GeneratedAt:      time.Now().UTC(),
		},
		Inputs:     map[string]ComponentSpec{},
		Processors: map[string]ComponentSpec{},
		Outputs:    map[string]ComponentSpec{},
	}

	var errs []error
	collect := func(kind string, into map[string]ComponentSpec) func(string, *service.ConfigView) {
		return func(name string, view *service.ConfigView) {
			if !isSparkplugComponent(name) {
				return
			}
			spec, err := componentSpec(name, kind, view)
			if err != nil {
				errs = append(errs, err)
				return
			}
			into[name] = spec
		}
	}

	env.WalkInputs(collect("input", out.Inputs))
	env.WalkProcessors(collect("processor", out.Processors))
	env.WalkOutputs(collect("output", out.Outputs))

	return out, errors.Join(errs...)
}

func componentSpec(name, kind string, view *service.ConfigView) (ComponentSpec, error) {
	raw, err := view.FormatJSON()
	if err != nil {
		return ComponentSpec{}, fmt.Errorf("%s %s: formatting spec: %w", kind, name, err)
	}
	return parseComponentSpec(name, kind, view.Summary(), view.Description(), raw)
}

func parseComponentSpec(name, kind, summary, description string, raw []byte) (ComponentSpec, error) {
	var doc rawComponent
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ComponentSpec{}, fmt.Errorf("%s %s: decoding spec: %w", kind, name, err)
	}

	spec := ComponentSpec{
		Name:        name,
		Kind:        kind,
		Summary:     summary,
		Description: description,
		Config:      make(map[string]FieldSpec, len(doc.Config.Children)),
	}
	for _, f := range convertFields(doc.Config.Children) {
		spec.Config[f.Name] = f
	}
	return spec, nil
}

func convertFields(raw []rawField) []FieldSpec {
	if len(raw) == 0 {
		return nil
	}
	fields := make([]FieldSpec, 0, len(raw))
	for _, r := range raw {
		f := FieldSpec{
			Name:        r.Name,
			Type:        r.Type,
			Kind:        r.Kind,
			Description: r.Description,
			Required:    !r.Optional && r.Default == nil,
			Default:     r.Default,
			Examples:    r.Examples,
			Advanced:    r.Advanced,
			Children:    convertFields(r.Children),
		}
		for _, o := range r.Options {
			if s, ok := o.(string); ok {
				f.Options = append(f.Options, s)
			}
		}
		fields = append(fields, f)
	}
	return fields
}

func dependencyVersion(path string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, dep := range info.Deps {
		if dep.Path == path {
			return dep.Version
		}
	}
	return "unknown"
}

// moduleVersion returns the stamped module version, or "dev" for local builds.
func moduleVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Path != modulePath {
		return "dev"
	}
	if v := info.Main.Version; v != "" && v != "(devel)" {
		return v
	}
	return "dev"
}
