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
	"fmt"
	"slices"

	"github.com/united-manufacturing-hub/benthos-sparkplug/pkg/sparkplug/topic"
)

// MessageHandler receives inbound messages for a subscription.
type MessageHandler func(msg InboundMessage)

// DefaultRef is the reference used by subscribers that do not need to be
// told apart on a shared filter.
const DefaultRef = ""

type subscriber struct {
	qos     byte
	handler MessageHandler
}

type subscription struct {
	filter  string
	id      int
	matches topic.Matcher
	refs    map[string]subscriber
}

func (s *subscription) maxQoS() byte {
	var qos byte
	for _, sub := range s.refs {
		qos = max(qos, sub.qos)
	}
	return qos
}

// subscriptionRegistry maps filters to their local subscribers. It is not
// safe for concurrent use; the owning connection serializes access.
type subscriptionRegistry struct {
	byFilter map[string]*subscription
	lastID   int
	freeIDs  []int
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{byFilter: make(map[string]*subscription)}
}

// add registers handler under (filter, ref), replacing an earlier handler
// with the same ref. created reports whether the filter is new.
func (r *subscriptionRegistry) add(filter, ref string, qos byte, handler MessageHandler) (sub *subscription, created bool, err error) {
	if !topic.ValidFilter(filter) {
		return nil, false, fmt.Errorf("%w: filter %q", ErrInvalidTopic, filter)
	}
	if handler == nil {
		return nil, false, fmt.Errorf("%w: nil handler for %q", ErrValidation, filter)
	}

	sub, ok := r.byFilter[filter]
	if !ok {
		sub = &subscription{
			filter:  filter,
			id:      r.allocateID(),
			matches: topic.NewMatcher(filter),
			refs:    make(map[string]subscriber),
		}
		r.byFilter[filter] = sub
		created = true
	}
	sub.refs[ref] = subscriber{qos: qos, handler: handler}
	return sub, created, nil
}

// remove drops (filter, ref). It reports true when this removed the last
// subscriber of the filter.
func (r *subscriptionRegistry) remove(filter, ref string) bool {
	sub, ok := r.byFilter[filter]
	if !ok {
		return false
	}
	if _, ok := sub.refs[ref]; !ok {
		return false
	}
	delete(sub.refs, ref)
	if len(sub.refs) > 0 {
		return false
	}
	delete(r.byFilter, filter)
	r.freeIDs = append(r.freeIDs, sub.id)
	return true
}

func (r *subscriptionRegistry) allocateID() int {
	if n := len(r.freeIDs); n > 0 {
		slices.Sort(r.freeIDs)
		id := r.freeIDs[0]
		r.freeIDs = r.freeIDs[1:]
		return id
	}
	r.lastID++
	return r.lastID
}

// all returns the subscriptions ordered by identifier.
func (r *subscriptionRegistry) all() []*subscription {
	subs := make([]*subscription, 0, len(r.byFilter))
	for _, sub := range r.byFilter {
		subs = append(subs, sub)
	}
	slices.SortFunc(subs, func(a, b *subscription) int { return a.id - b.id })
	return subs
}

// handlers collects every handler that should see msg. A message tagged with
// a subscription identifier only reaches the filter owning that identifier.
func (r *subscriptionRegistry) handlers(msg InboundMessage) []MessageHandler {
	var out []MessageHandler
	for _, sub := range r.all() {
		if msg.SubscriptionID != 0 && msg.SubscriptionID != sub.id {
			continue
		}
		if !sub.matches(msg.Topic) {
			continue
		}
		refs := make([]string, 0, len(sub.refs))
		for ref := range sub.refs {
			refs = append(refs, ref)
		}
		slices.Sort(refs)
		for _, ref := range refs {
			out = append(out, sub.refs[ref].handler)
		}
	}
	return out
}

func (r *subscriptionRegistry) len() int {
	return len(r.byFilter)
}
