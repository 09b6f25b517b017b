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

package topic

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidTopic is returned when a topic does not follow the Sparkplug B layout.
var ErrInvalidTopic = errors.New("invalid sparkplug topic")

// Info contains the parsed components of a Sparkplug topic.
type Info struct {
	Group    string
	Type     MessageType
	EdgeNode string
	Device   string // empty for node-level messages
}

// NodeKey returns group/edgeNode, the scope sequence numbers are tracked at.
func (i Info) NodeKey() string {
	return i.Group + "/" + i.EdgeNode
}

// DeviceKey returns group/edgeNode[/device].
func (i Info) DeviceKey() string {
	if i.Device == "" {
		return i.NodeKey()
	}
	return i.NodeKey() + "/" + i.Device
}

// Build constructs a Sparkplug topic. The device segment is appended only for
// device-scoped message types.
func Build(group string, mt MessageType, edgeNode string, device string) string {
	if mt.Scope() == ScopeDevice {
		return Namespace + "/" + group + "/" + mt.String() + "/" + edgeNode + "/" + device
	}
	return Namespace + "/" + group + "/" + mt.String() + "/" + edgeNode
}

// CommandTopic returns the topic a node (device == "") or device receives commands on.
func CommandTopic(group, edgeNode, device string) string {
	if device == "" {
		return Build(group, NCMD, edgeNode, "")
	}
	return Build(group, DCMD, edgeNode, device)
}

// ListenerFilter returns a filter matching every message type of a node or device.
func ListenerFilter(group, edgeNode, device string) string {
	filter := Namespace + "/" + group + "/+/" + edgeNode
	if device != "" {
		filter += "/" + device
	}
	return filter
}

// LegacyStateTopic is the Sparkplug 2.x primary host topic carrying "ONLINE"/"OFFLINE".
func LegacyStateTopic(hostID string) string {
	return "STATE/" + hostID
}

// StateTopic is the Sparkplug 3.0 primary host topic carrying {"online": bool}.
func StateTopic(hostID string) string {
	return Namespace + "/STATE/" + hostID
}

// Parse splits a Sparkplug topic into its components.
func Parse(t string) (Info, error) {
	parts := strings.Split(t, "/")
	if len(parts) < 3 || parts[0] != Namespace {
		return Info{}, fmt.Errorf("%w: %q", ErrInvalidTopic, t)
	}

	if parts[1] == "STATE" {
		return Info{Type: STATE, EdgeNode: strings.Join(parts[2:], "/")}, nil
	}

	if len(parts) < 4 || len(parts) > 5 {
		return Info{}, fmt.Errorf("%w: %q", ErrInvalidTopic, t)
	}

	mt, err := ParseMessageType(parts[2])
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrInvalidTopic, err)
	}

	info := Info{Group: parts[1], Type: mt, EdgeNode: parts[3]}
	if len(parts) == 5 {
		info.Device = parts[4]
	}
	if (mt.Scope() == ScopeDevice) != (info.Device != "") {
		return Info{}, fmt.Errorf("%w: %s message with device segment %q", ErrInvalidTopic, mt, info.Device)
	}
	return info, nil
}
