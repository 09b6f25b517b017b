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

package sparkplug

// State is the lifecycle state of a broker connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosing:
		return "CLOSING"
	default:
		return "DISCONNECTED"
	}
}

// Status is the connection state as reported to a session.
type Status string

const (
	StatusConnected     Status = "CONNECTED"
	StatusDisconnected  Status = "DISCONNECTED"
	StatusReconnecting  Status = "RECONNECTING"
	StatusBuffering     Status = "BUFFERING"
	StatusConnectFailed Status = "CONNECT_FAILED"
)

// HostState is the liveness of the primary host application.
type HostState string

const (
	HostOnline  HostState = "ONLINE"
	HostOffline HostState = "OFFLINE"
)

// SessionState is the birth state of an edge session.
type SessionState int

const (
	SessionNoBirth SessionState = iota
	SessionBirthed
	SessionDead
)

func (s SessionState) String() string {
	switch s {
	case SessionBirthed:
		return "BIRTHED"
	case SessionDead:
		return "DEAD"
	default:
		return "NO_BIRTH"
	}
}
