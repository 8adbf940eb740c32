package kv

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
)

// PKLength is the number of bytes in an encoded primary key.
const PKLength = 8

// EncodePK encodes a primary key so that byte order matches signed integer
// order. Flipping the sign bit places negative (local-only) identifiers
// before non-negative (server-assigned) ones, which the new-local-id
// algorithm depends on.
func EncodePK(id int64) []byte {
	k := make([]byte, PKLength)
	binary.BigEndian.PutUint64(k, uint64(id)^(1<<63))
	return k
}

// DecodePK decodes a primary key encoded by EncodePK.
func DecodePK(k []byte) (int64, error) {
	if len(k) != PKLength {
		return 0, errors.New("invalid primary key length")
	}
	return int64(binary.BigEndian.Uint64(k) ^ (1 << 63)), nil
}

// Index value encoding tags. Numbers order before strings, strings before
// anything else; within a tag the payload encoding preserves value order.
const (
	indexTagNumber byte = 0x01
	indexTagString byte = 0x02
	indexTagRaw    byte = 0x03
)

// EncodeIndexValue encodes a raw JSON scalar pulled out of a record document
// into an order-preserving byte string usable as an index foreign key.
func EncodeIndexValue(raw json.RawMessage) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}

	switch v := v.(type) {
	case float64:
		return append([]byte{indexTagNumber}, encodeOrderedFloat(v)...), nil
	case string:
		return append([]byte{indexTagString}, v...), nil
	default:
		// bools, nulls and composites index on their raw document bytes
		return append([]byte{indexTagRaw}, raw...), nil
	}
}

// encodeOrderedFloat maps a float64 onto 8 bytes whose unsigned byte order
// matches the numeric order of the inputs.
func encodeOrderedFloat(f float64) []byte {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}

	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, bits)
	return b
}

// IndexEntryKey builds the key for a single index entry from the encoded
// foreign key and encoded primary key in the form <fk>/<pk>.
// The associated value is the encoded primary key, so reads never need to
// split the entry key back apart.
func IndexEntryKey(foreignKey, primaryKey []byte) []byte {
	k := make([]byte, len(foreignKey)+len(primaryKey)+1)
	copy(k, foreignKey)
	k[len(foreignKey)] = '/'
	copy(k[len(foreignKey)+1:], primaryKey)
	return k
}

// IndexPrefix returns the prefix under which every entry for the provided
// foreign key lives.
func IndexPrefix(foreignKey []byte) []byte {
	return append(append([]byte{}, foreignKey...), '/')
}
