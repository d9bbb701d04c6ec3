// Package kv is the ordered key-value medium behind the entity store and the
// outbox. Keys compare bytewise; scans return pairs in key order.
package kv

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kv: store is closed")

// Pair is one key-value entry.
type Pair struct {
	Key   string
	Value []byte
}

// Op is one write in a batch. A Delete op ignores Value.
type Op struct {
	Key    string
	Value  []byte
	Delete bool
}

// Put returns a put op.
func Put(key string, value []byte) Op {
	return Op{Key: key, Value: value}
}

// Del returns a delete op.
func Del(key string) Op {
	return Op{Key: key, Delete: true}
}

// Store is an ordered key-value map with atomic batches.
type Store interface {
	// Get returns the value for key; ok is false when absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Scan returns every pair whose key starts with prefix, in key order.
	Scan(ctx context.Context, prefix string) ([]Pair, error)

	// Apply writes all ops atomically, in order.
	Apply(ctx context.Context, ops []Op) error

	Close() error
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix, or "" when no such bound exists.
func prefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
