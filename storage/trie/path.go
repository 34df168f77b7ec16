package trie

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

const (
	keyBits = 256
	// PathSize is the length of an encoded path.
	PathSize = 1 + common.HashLength + 2

	kindBranch byte = 0x00
	kindLeaf   byte = 0x01
)

var errBadPath = errors.New("trie: malformed path")

// Path is a bit prefix of a 256-bit key. Leaves sit at full-length paths,
// branches at the longest common prefix of the keys below them.
type Path struct {
	key    common.Hash
	length uint16
}

// LeafPath is the full-length path of key.
func LeafPath(key common.Hash) Path {
	return Path{key: key, length: keyBits}
}

// Len is the number of significant bits.
func (p Path) Len() int { return int(p.length) }

// IsLeaf reports whether p spans a whole key.
func (p Path) IsLeaf() bool { return p.length == keyBits }

// Key returns the underlying key bytes, zeroed past Len.
func (p Path) Key() common.Hash { return p.key }

// Bit returns bit i, most significant bit of byte 0 first.
func (p Path) Bit(i int) byte {
	return (p.key[i/8] >> (7 - uint(i%8))) & 1
}

// Prefix keeps the first n bits.
func (p Path) Prefix(n int) Path {
	if n >= int(p.length) {
		return p
	}
	return p.truncate(n)
}

func (p Path) truncate(n int) Path {
	out := Path{length: uint16(n)}
	full := n / 8
	copy(out.key[:full], p.key[:full])
	if rem := n % 8; rem != 0 {
		out.key[full] = p.key[full] & (0xff << (8 - uint(rem)))
	}
	return out
}

// CommonPrefix returns the number of leading bits p and q share.
func (p Path) CommonPrefix(q Path) int {
	limit := int(p.length)
	if int(q.length) < limit {
		limit = int(q.length)
	}
	n := 0
	for n < limit {
		if n%8 == 0 && n+8 <= limit && p.key[n/8] == q.key[n/8] {
			n += 8
			continue
		}
		if p.Bit(n) != q.Bit(n) {
			break
		}
		n++
	}
	return n
}

// IsPrefixOf reports whether q starts with p.
func (p Path) IsPrefixOf(q Path) bool {
	return p.length <= q.length && p.CommonPrefix(q) == int(p.length)
}

// Compare orders paths bitwise; a prefix sorts before its extensions.
func (p Path) Compare(q Path) int {
	cp := p.CommonPrefix(q)
	switch {
	case cp == int(p.length) && cp == int(q.length):
		return 0
	case cp == int(p.length):
		return -1
	case cp == int(q.length):
		return 1
	case p.Bit(cp) == 0:
		return -1
	default:
		return 1
	}
}

// Encode returns kind | key | length(2 BE).
func (p Path) Encode() []byte {
	out := make([]byte, 0, PathSize)
	if p.IsLeaf() {
		out = append(out, kindLeaf)
	} else {
		out = append(out, kindBranch)
	}
	out = append(out, p.key[:]...)
	return binary.BigEndian.AppendUint16(out, p.length)
}

// DecodePath parses an encoded path and checks it is canonical.
func DecodePath(b []byte) (Path, error) {
	if len(b) != PathSize {
		return Path{}, fmt.Errorf("%w: %d bytes", errBadPath, len(b))
	}
	p := Path{key: common.BytesToHash(b[1 : 1+common.HashLength]), length: binary.BigEndian.Uint16(b[1+common.HashLength:])}
	if p.length > keyBits {
		return Path{}, fmt.Errorf("%w: length %d", errBadPath, p.length)
	}
	if (b[0] == kindLeaf) != p.IsLeaf() || (b[0] != kindLeaf && b[0] != kindBranch) {
		return Path{}, fmt.Errorf("%w: kind %#x for length %d", errBadPath, b[0], p.length)
	}
	if p.truncate(int(p.length)).key != p.key {
		return Path{}, fmt.Errorf("%w: bits set past length", errBadPath)
	}
	return p, nil
}

func (p Path) String() string {
	return fmt.Sprintf("%x/%d", p.key[:], p.length)
}
