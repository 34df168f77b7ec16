// Package codec holds the deterministic encodings used for index keys and
// values. Integer codecs are big-endian so that byte order equals numeric
// order, which keeps map iteration sorted by key.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// ErrLength is returned when a fixed-width value has the wrong size.
var ErrLength = errors.New("codec: unexpected length")

// Codec converts values to and from their stored bytes.
type Codec[T any] interface {
	Encode(T) []byte
	Decode([]byte) (T, error)
}

type uint64Codec struct{}

// Uint64 encodes uint64 values as 8 big-endian bytes.
var Uint64 Codec[uint64] = uint64Codec{}

func (uint64Codec) Encode(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func (uint64Codec) Decode(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: uint64 needs 8 bytes, got %d", ErrLength, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

type uint32Codec struct{}

// Uint32 encodes uint32 values as 4 big-endian bytes.
var Uint32 Codec[uint32] = uint32Codec{}

func (uint32Codec) Encode(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

func (uint32Codec) Decode(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("%w: uint32 needs 4 bytes, got %d", ErrLength, len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

type int64Codec struct{}

// Int64 flips the sign bit so that negative values sort first.
var Int64 Codec[int64] = int64Codec{}

func (int64Codec) Encode(v int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(v)^(1<<63))
}

func (int64Codec) Decode(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: int64 needs 8 bytes, got %d", ErrLength, len(b))
	}
	return int64(binary.BigEndian.Uint64(b) ^ (1 << 63)), nil
}

type bytesCodec struct{}

// Bytes stores raw bytes unchanged.
var Bytes Codec[[]byte] = bytesCodec{}

func (bytesCodec) Encode(v []byte) []byte {
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

func (bytesCodec) Decode(b []byte) ([]byte, error) {
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

type stringCodec struct{}

// String stores UTF-8 bytes.
var String Codec[string] = stringCodec{}

func (stringCodec) Encode(v string) []byte         { return []byte(v) }
func (stringCodec) Decode(b []byte) (string, error) { return string(b), nil }

type hashCodec struct{}

// Hash stores 32-byte hashes.
var Hash Codec[common.Hash] = hashCodec{}

func (hashCodec) Encode(v common.Hash) []byte { return v.Bytes() }

func (hashCodec) Decode(b []byte) (common.Hash, error) {
	if len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: hash needs %d bytes, got %d", ErrLength, common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

type uint256Codec struct{}

// Uint256 stores 256-bit integers as 32 big-endian bytes.
var Uint256 Codec[*uint256.Int] = uint256Codec{}

func (uint256Codec) Encode(v *uint256.Int) []byte {
	if v == nil {
		v = new(uint256.Int)
	}
	b := v.Bytes32()
	return b[:]
}

func (uint256Codec) Decode(b []byte) (*uint256.Int, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: uint256 needs 32 bytes, got %d", ErrLength, len(b))
	}
	return new(uint256.Int).SetBytes32(b), nil
}

// RLPCodec encodes structured records with go-ethereum's rlp package.
type RLPCodec[T any] struct{}

// RLP returns a codec for T. T must be rlp-encodable: panics on encode
// failure are programming errors.
func RLP[T any]() Codec[T] {
	return RLPCodec[T]{}
}

func (RLPCodec[T]) Encode(v T) []byte {
	b, err := rlp.EncodeToBytes(v)
	if err != nil {
		panic(fmt.Sprintf("codec: rlp encode %T: %v", v, err))
	}
	return b
}

func (RLPCodec[T]) Decode(b []byte) (T, error) {
	var v T
	if err := rlp.DecodeBytes(b, &v); err != nil {
		return v, fmt.Errorf("codec: rlp decode %T: %w", v, err)
	}
	return v, nil
}
