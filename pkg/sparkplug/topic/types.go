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

// Package topic builds, parses and matches Sparkplug B MQTT topics.
//
// Sparkplug topics follow this format:
//
//	spBv1.0/<group_id>/<message_type>/<edge_node_id>[/<device_id>]
//
// The device segment is only present for device-scoped message types
// (DBIRTH, DDATA, DDEATH, DCMD). Primary host liveness is published on
// either the legacy plain-text topic STATE/<host_id> or the structured
// topic spBv1.0/STATE/<host_id>.
//
// The package also provides an MQTT subscription filter matcher that
// understands the single-level (+) and multi-level (#) wildcards.
package topic

import (
	"fmt"
)

// Namespace is the Sparkplug B topic namespace element.
const Namespace = "spBv1.0"

// Scope tells whether a message type addresses an edge node or one of its devices.
type Scope uint8

const (
	ScopeNode Scope = iota
	ScopeDevice
)

func (s Scope) String() string {
	if s == ScopeDevice {
		return "device"
	}
	return "node"
}

// Kind is the lifecycle role of a message type.
type Kind uint8

const (
	KindBirth Kind = iota
	KindData
	KindDeath
	KindCommand
	KindState
)

// MessageType is a Sparkplug B message type. Scope and kind are carried as
// data rather than derived from the name.
type MessageType struct {
	name  string
	scope Scope
	kind  Kind
}

var (
	NBIRTH = MessageType{"NBIRTH", ScopeNode, KindBirth}
	NDATA  = MessageType{"NDATA", ScopeNode, KindData}
	NDEATH = MessageType{"NDEATH", ScopeNode, KindDeath}
	NCMD   = MessageType{"NCMD", ScopeNode, KindCommand}
	DBIRTH = MessageType{"DBIRTH", ScopeDevice, KindBirth}
	DDATA  = MessageType{"DDATA", ScopeDevice, KindData}
	DDEATH = MessageType{"DDEATH", ScopeDevice, KindDeath}
	DCMD   = MessageType{"DCMD", ScopeDevice, KindCommand}
	STATE  = MessageType{"STATE", ScopeNode, KindState}
)

var messageTypes = []MessageType{NBIRTH, NDATA, NDEATH, NCMD, DBIRTH, DDATA, DDEATH, DCMD, STATE}

// ParseMessageType returns the message type with the given name.
func ParseMessageType(name string) (MessageType, error) {
	for _, mt := range messageTypes {
		if mt.name == name {
			return mt, nil
		}
	}
	return MessageType{}, fmt.Errorf("unknown sparkplug message type %q", name)
}

// ForScope returns the node or device variant of the given kind.
func ForScope(scope Scope, kind Kind) MessageType {
	for _, mt := range messageTypes {
		if mt.scope == scope && mt.kind == kind && kind != KindState {
			return mt
		}
	}
	return STATE
}

func (mt MessageType) String() string { return mt.name }
func (mt MessageType) Scope() Scope   { return mt.scope }
func (mt MessageType) Kind() Kind     { return mt.kind }
func (mt MessageType) IsZero() bool   { return mt.name == "" }
func (mt MessageType) IsBirth() bool  { return mt.kind == KindBirth }
func (mt MessageType) IsData() bool   { return mt.kind == KindData }
func (mt MessageType) IsDeath() bool  { return mt.kind == KindDeath }
func (mt MessageType) IsCommand() bool {
	return mt.kind == KindCommand
}

// Suffix returns the message type without its scope letter ("BIRTH", "DATA", ...).
func (mt MessageType) Suffix() string {
	if mt.kind == KindState || len(mt.name) < 2 {
		return mt.name
	}
	return mt.name[1:]
}
