// Package merkle holds the hashing conventions shared by the proof indexes.
// All hashes are keccak256 over a one byte domain tag followed by the
// hashed material, so leaves, branches and roots can never be confused.
package merkle

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Domain tags.
const (
	TagLeaf     byte = 0x00
	TagBranch   byte = 0x01
	TagListRoot byte = 0x02
	TagMapRoot  byte = 0x03
)

// Hash returns keccak256(tag || parts...).
func Hash(tag byte, parts ...[]byte) common.Hash {
	buf := make([][]byte, 0, len(parts)+1)
	buf = append(buf, []byte{tag})
	buf = append(buf, parts...)
	return crypto.Keccak256Hash(buf...)
}

// LeafHash hashes a stored value.
func LeafHash(value []byte) common.Hash {
	return Hash(TagLeaf, value)
}

// ProofStatus is the outcome of verifying a proof.
type ProofStatus uint8

const (
	// Invalid proofs are malformed or do not match the trusted root.
	Invalid ProofStatus = iota
	// Included proofs show the key (or position) present with Value.
	Included
	// Excluded proofs show the key (or position) absent.
	Excluded
)

func (s ProofStatus) String() string {
	switch s {
	case Included:
		return "included"
	case Excluded:
		return "excluded"
	default:
		return "invalid"
	}
}

// Verification is the result of checking a proof against a trusted root.
type Verification struct {
	Status ProofStatus
	Value  []byte
	Err    error
}

// Fail builds an Invalid verification.
func Fail(err error) Verification {
	return Verification{Status: Invalid, Err: err}
}
