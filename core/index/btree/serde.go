// Package btree implements a disk-paged B+ tree over the buffer pool.
// Interior pages route by key; leaf pages hold the values and are chained
// left to right for range scans. Every page mutation is logged through the
// caller's transaction before the page is unpinned, so recovery can redo
// and undo structural changes the same way it handles value changes.
package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Order compares two keys: negative when a < b, zero when equal, positive
// when a > b.
type Order[K any] func(a, b K) int

// KeyValueSerializer converts keys and values to and from their on-page
// byte form.
type KeyValueSerializer[K any, V any] interface {
	SerializeKey(key K) ([]byte, error)
	DeserializeKey(data []byte) (K, error)
	SerializeValue(value V) ([]byte, error)
	DeserializeValue(data []byte) (V, error)
}

// BytesOrder orders byte-slice keys lexicographically.
func BytesOrder(a, b []byte) int { return bytes.Compare(a, b) }

// Int64Order orders int64 keys numerically.
func Int64Order(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// StringOrder orders string keys lexicographically.
func StringOrder(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// BytesSerializer passes byte-slice keys and values through unchanged.
type BytesSerializer struct{}

func (BytesSerializer) SerializeKey(key []byte) ([]byte, error) { return key, nil }
func (BytesSerializer) DeserializeKey(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}
func (BytesSerializer) SerializeValue(value []byte) ([]byte, error) { return value, nil }
func (BytesSerializer) DeserializeValue(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Int64Serializer stores int64 keys big-endian (so byte order matches
// numeric order) with byte-slice values.
type Int64Serializer struct{}

func (Int64Serializer) SerializeKey(key int64) ([]byte, error) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(key))
	return buf, nil
}

func (Int64Serializer) DeserializeKey(data []byte) (int64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("int64 key must be 8 bytes, got %d", len(data))
	}
	return int64(binary.BigEndian.Uint64(data)), nil
}

func (Int64Serializer) SerializeValue(value []byte) ([]byte, error) { return value, nil }
func (Int64Serializer) DeserializeValue(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// StringSerializer stores string keys and values as raw UTF-8 bytes.
type StringSerializer struct{}

func (StringSerializer) SerializeKey(key string) ([]byte, error)      { return []byte(key), nil }
func (StringSerializer) DeserializeKey(data []byte) (string, error)   { return string(data), nil }
func (StringSerializer) SerializeValue(value string) ([]byte, error)  { return []byte(value), nil }
func (StringSerializer) DeserializeValue(data []byte) (string, error) { return string(data), nil }
