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

// SequenceCounter hands out Sparkplug sequence numbers (seq and bdSeq).
// Values run 0..255 and wrap through uint8 overflow.
type SequenceCounter struct {
	counter uint8
	mu      sync.Mutex
}

// Next returns the current value and increments the counter.
func (sc *SequenceCounter) Next() uint8 {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	current := sc.counter
	sc.counter++
	return current
}

// Current returns the value the next call to Next will return.
func (sc *SequenceCounter) Current() uint8 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.counter
}

// Reset sets the counter back to zero.
func (sc *SequenceCounter) Reset() {
	sc.Set(0)
}

// Set sets the counter to a specific value.
func (sc *SequenceCounter) Set(v uint8) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.counter = v
}

// IsNextSequence reports whether received directly follows previous,
// taking the 255 -> 0 wrap into account.
func IsNextSequence(previous, received uint8) bool {
	return received == previous+1
}
