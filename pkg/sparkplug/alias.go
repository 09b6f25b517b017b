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

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/payload"
	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/topic"
)

// AliasTable assigns aliases to outbound metric names. Aliases start at 1,
// are never reused and stay stable for the lifetime of the table.
type AliasTable struct {
	mu     sync.RWMutex
	last   uint64
	byName map[string]uint64
	byID   map[uint64]string
}

// NewAliasTable creates an empty alias table.
func NewAliasTable() *AliasTable {
	return &AliasTable{
		byName: make(map[string]uint64),
		byID:   make(map[uint64]string),
	}
}

// Alias returns the alias of name, assigning the next free one on first sight.
func (t *AliasTable) Alias(name string) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if alias, ok := t.byName[name]; ok {
		return alias
	}
	t.last++
	t.byName[name] = t.last
	t.byID[t.last] = name
	return t.last
}

// Name resolves an alias back to the metric name.
func (t *AliasTable) Name(alias uint64) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	name, ok := t.byID[alias]
	return name, ok
}

// Len returns the number of assigned aliases.
func (t *AliasTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byName)
}

// Apply sets the alias on every named metric. BIRTH messages keep the name,
// every other message type carries the alias only.
func (t *AliasTable) Apply(mt topic.MessageType, metrics []payload.Metric) {
	for i := range metrics {
		m := &metrics[i]
		if m.Name == "" {
			continue
		}
		m.Alias = payload.Uint64(t.Alias(m.Name))
		if !mt.IsBirth() {
			m.Name = ""
		}
	}
}

// Resolve fills in names of alias-only metrics. It returns the number of
// metrics that were resolved.
func (t *AliasTable) Resolve(metrics []payload.Metric) int {
	count := 0
	for i := range metrics {
		m := &metrics[i]
		if m.Name != "" || m.Alias == nil {
			continue
		}
		if name, ok := t.Name(*m.Alias); ok {
			m.Name = name
			count++
		}
	}
	return count
}

// DefaultAliasCacheSize bounds the number of devices an AliasCache
// remembers.
const DefaultAliasCacheSize = 10000

// AliasCache learns the aliases other edge nodes announce in their BIRTH
// messages so that their DATA messages can be mapped back to names. Devices
// that stay silent longest are evicted first once the cache is full.
type AliasCache struct {
	cache *lru.Cache // deviceKey -> map[uint64]string (alias -> metric name)
}

// NewAliasCache creates a cache holding up to DefaultAliasCacheSize devices.
func NewAliasCache() *AliasCache {
	return NewAliasCacheSize(DefaultAliasCacheSize)
}

// NewAliasCacheSize creates a cache holding up to size devices.
func NewAliasCacheSize(size int) *AliasCache {
	if size <= 0 {
		size = DefaultAliasCacheSize
	}
	cache, _ := lru.New(size) // only fails for non-positive sizes
	return &AliasCache{cache: cache}
}

// CacheAliases stores the alias -> name mappings of BIRTH metrics. A BIRTH
// replaces everything previously learned for the key.
func (ac *AliasCache) CacheAliases(deviceKey string, metrics []payload.Metric) int {
	if deviceKey == "" {
		return 0
	}

	aliasMap := make(map[uint64]string, len(metrics))
	for _, m := range metrics {
		if m.Alias != nil && m.Name != "" {
			aliasMap[*m.Alias] = m.Name
		}
	}
	// Stored maps are never mutated, so readers need no extra locking.
	ac.cache.Add(deviceKey, aliasMap)
	return len(aliasMap)
}

// ResolveAliases names alias-only metrics using the cached BIRTH vocabulary.
func (ac *AliasCache) ResolveAliases(deviceKey string, metrics []payload.Metric) int {
	v, ok := ac.cache.Get(deviceKey)
	if !ok {
		return 0
	}
	aliasMap := v.(map[uint64]string)

	count := 0
	for i := range metrics {
		m := &metrics[i]
		if m.Alias == nil || m.Name != "" {
			continue
		}
		if name, ok := aliasMap[*m.Alias]; ok {
			m.Name = name
			count++
		}
	}
	return count
}

// Forget drops the aliases learned for deviceKey, e.g. after its DEATH.
func (ac *AliasCache) Forget(deviceKey string) {
	ac.cache.Remove(deviceKey)
}

// Len reports how many devices currently have cached aliases.
func (ac *AliasCache) Len() int {
	return ac.cache.Len()
}

// Clear removes all cached aliases.
func (ac *AliasCache) Clear() {
	ac.cache.Purge()
}
