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
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
)

var queuePrefix = []byte("sfq/")

// BadgerQueue is a Queue persisted in a badger database, so buffered
// messages survive a restart.
//
// Key format: sfq/{big-endian uint64 sequence}
type BadgerQueue struct {
	db *badger.DB

	mu sync.Mutex
	// head is at or before the oldest stored key. Pop seeks there instead
	// of rewinding over the tombstones of earlier pops.
	head   uint64
	next   uint64
	length int
	closed bool
}

// NewBadgerQueue opens (or creates) a queue in dir and restores its length
// and its read and write positions from the stored keys.
func NewBadgerQueue(dir string) (*BadgerQueue, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening store-and-forward queue at %s: %w", dir, err)
	}

	q := &BadgerQueue{db: db}
	err = db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = queuePrefix
		iopts.PrefetchValues = false
		it := txn.NewIterator(iopts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			seq := decodeQueueKey(it.Item().Key())
			if q.length == 0 {
				q.head = seq
			}
			q.length++
			if seq >= q.next {
				q.next = seq + 1
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("scanning store-and-forward queue: %w", err)
	}
	return q, nil
}

func queueKey(seq uint64) []byte {
	key := make([]byte, len(queuePrefix)+8)
	copy(key, queuePrefix)
	binary.BigEndian.PutUint64(key[len(queuePrefix):], seq)
	return key
}

func decodeQueueKey(key []byte) uint64 {
	if len(key) != len(queuePrefix)+8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(queuePrefix):])
}

func (q *BadgerQueue) Push(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	err = q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(queueKey(q.next), data)
	})
	if err != nil {
		return err
	}
	q.next++
	q.length++
	return nil
}

func (q *BadgerQueue) Pop() (Message, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Message{}, false, ErrClosed
	}

	if q.length == 0 {
		return Message{}, false, nil
	}

	var (
		msg   Message
		found bool
		seq   uint64
	)
	err := q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = queuePrefix
		opts.PrefetchSize = 1
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(queueKey(q.head))
		if !it.Valid() {
			return nil
		}
		item := it.Item()
		key := item.KeyCopy(nil)
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &msg)
		}); err != nil {
			return fmt.Errorf("failed to unmarshal message: %w", err)
		}
		seq = decodeQueueKey(key)
		found = true
		return txn.Delete(key)
	})
	if err != nil {
		return Message{}, false, err
	}
	if found {
		q.head = seq + 1
		q.length--
	}
	return msg, found, nil
}

func (q *BadgerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}

// Close closes the underlying database. Queued messages stay on disk.
func (q *BadgerQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if err := q.db.Close(); err != nil && !errors.Is(err, badger.ErrDBClosed) {
		return err
	}
	return nil
}
