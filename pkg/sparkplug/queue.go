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

import "sync"

// Queue is the FIFO store-and-forward buffer of a connection. Capacity and
// eviction are enforced by the connection, not by the queue.
type Queue interface {
	Push(msg Message) error
	// Pop removes and returns the oldest message. ok is false when empty.
	Pop() (msg Message, ok bool, err error)
	Len() int
	Close() error
}

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu    sync.Mutex
	items []Message
	head  int
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Push(msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, msg)
	return nil
}

func (q *MemoryQueue) Pop() (Message, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head >= len(q.items) {
		return Message{}, false, nil
	}
	msg := q.items[q.head]
	q.items[q.head] = Message{}
	q.head++

	// compact once the consumed prefix dominates the backing array
	if q.head > 1024 && q.head*2 > len(q.items) {
		q.items = append([]Message(nil), q.items[q.head:]...)
		q.head = 0
	}
	return msg, true, nil
}

func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

func (q *MemoryQueue) Close() error {
	return nil
}
