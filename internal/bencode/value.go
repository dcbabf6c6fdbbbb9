// Package bencode implements the bencoding used by BitTorrent metainfo files
// and tracker responses: byte strings, signed integers, lists, and ordered
// dictionaries.
//
// Dictionaries preserve the key order they were decoded in. This matters
// because the info-hash is the SHA-1 of the exact byte layout of the `info`
// subdictionary as it appeared in the source file; re-sorting keys (the
// common shortcut for a bencode encoder) would silently change the hash for
// any torrent whose author didn't emit keys in lexicographic order.
package bencode

import "crypto/sha1"

// Kind identifies which of the four bencode types a Value holds.
type Kind int

const (
	KindBytes Kind = iota
	KindInt
	KindList
	KindDict
)

// Value is a decoded bencode value. Exactly one of the fields matching Kind
// is meaningful.
type Value struct {
	Kind Kind

	Bytes []byte
	Int   int64
	List  []*Value
	Dict  *Dict

	// raw is the exact source byte span this value was decoded from, or nil
	// if the value was built programmatically. See RawBytes.
	raw []byte
}

// entry is one (key, value) pair in a Dict, in decode/insertion order.
type entry struct {
	Key   string
	Value *Value
}

// Dict is an ordered bencode dictionary. Unlike a Go map, it preserves
// insertion order and may hold duplicate keys (the decoder accepts but warns
// on duplicates; Get resolves to the first occurrence, matching the
// "don't let a later key silently override" rule real-world torrents rely
// on).
type Dict struct {
	entries []entry
}

// NewDict returns an empty, ready-to-use Dict.
func NewDict() *Dict { return &Dict{} }

// Append adds a (key, value) pair, preserving whatever is already present.
// It does not deduplicate; callers building canonical dictionaries by hand
// are responsible for not repeating keys.
func (d *Dict) Append(key string, v *Value) {
	d.entries = append(d.entries, entry{Key: key, Value: v})
}

// Get returns the value for key, resolving to its first occurrence.
func (d *Dict) Get(key string) (*Value, bool) {
	for _, e := range d.entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Len reports the number of entries, counting duplicates.
func (d *Dict) Len() int { return len(d.entries) }

// Entries exposes the stored (key, value) pairs in order. The returned slice
// must not be mutated.
func (d *Dict) Entries() []struct {
	Key   string
	Value *Value
} {
	out := make([]struct {
		Key   string
		Value *Value
	}, len(d.entries))
	for i, e := range d.entries {
		out[i].Key, out[i].Value = e.Key, e.Value
	}
	return out
}

// NewString returns a byte-string Value.
func NewString(s string) *Value { return &Value{Kind: KindBytes, Bytes: []byte(s)} }

// NewBytes returns a byte-string Value from raw octets.
func NewBytes(b []byte) *Value { return &Value{Kind: KindBytes, Bytes: append([]byte(nil), b...)} }

// NewInt returns an integer Value.
func NewInt(n int64) *Value { return &Value{Kind: KindInt, Int: n} }

// NewList returns a list Value.
func NewList(items ...*Value) *Value { return &Value{Kind: KindList, List: items} }

// NewDictValue wraps a Dict as a Value.
func NewDictValue(d *Dict) *Value { return &Value{Kind: KindDict, Dict: d} }

// AsDict returns the dictionary view of v, if v is a dictionary.
func (v *Value) AsDict() (*Dict, bool) {
	if v == nil || v.Kind != KindDict {
		return nil, false
	}
	return v.Dict, true
}

// AsList returns the list view of v, if v is a list.
func (v *Value) AsList() ([]*Value, bool) {
	if v == nil || v.Kind != KindList {
		return nil, false
	}
	return v.List, true
}

// AsBytes returns the raw byte-string content of v.
func (v *Value) AsBytes() ([]byte, bool) {
	if v == nil || v.Kind != KindBytes {
		return nil, false
	}
	return v.Bytes, true
}

// AsString returns the byte-string content of v as a Go string.
func (v *Value) AsString() (string, bool) {
	b, ok := v.AsBytes()
	if !ok {
		return "", false
	}
	return string(b), true
}

// AsInt returns the integer value of v.
func (v *Value) AsInt() (int64, bool) {
	if v == nil || v.Kind != KindInt {
		return 0, false
	}
	return v.Int, true
}

// RawBytes returns the exact bencoded byte span for v: the source span it was
// decoded from when available, or a freshly canonical-encoded span
// otherwise. Either form satisfies the info-hash invariant, since a
// canonical re-encode of an already-canonical value reproduces the same
// bytes.
func (v *Value) RawBytes() ([]byte, error) {
	if v.raw != nil {
		return v.raw, nil
	}
	return Marshal(v)
}

// SHA1 returns the SHA-1 digest of v's exact bencoded byte span.
func (v *Value) SHA1() ([sha1.Size]byte, error) {
	raw, err := v.RawBytes()
	if err != nil {
		return [sha1.Size]byte{}, err
	}
	return sha1.Sum(raw), nil
}
