package prooflist

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"ledgercore/storage/merkle"
)

var (
	// ErrRootMismatch means the proof is well formed but commits to another root.
	ErrRootMismatch = errors.New("prooflist: proof does not match root")
	// ErrProofStructure covers proofs with missing or extra siblings.
	ErrProofStructure = errors.New("prooflist: malformed proof")
)

// ListProof proves the element at Index of a list of Length elements. When
// Index is out of range it carries only RootNode and proves absence.
type ListProof struct {
	Index    uint64
	Length   uint64
	Value    []byte
	Siblings []common.Hash
	RootNode common.Hash
}

// Encode serialises the proof with rlp.
func (p *ListProof) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(p)
}

// DecodeListProof parses an rlp encoded proof.
func DecodeListProof(b []byte) (*ListProof, error) {
	p := new(ListProof)
	if err := rlp.DecodeBytes(b, p); err != nil {
		return nil, err
	}
	return p, nil
}

// BuildProof collects the siblings of element i from the bottom up.
func (l *ProofList[V]) BuildProof(i uint64) (*ListProof, error) {
	n, err := l.Len()
	if err != nil {
		return nil, err
	}
	proof := &ListProof{Index: i, Length: n}
	if i >= n {
		proof.RootNode, err = l.rootNode(n)
		return proof, err
	}
	proof.Value, err = l.view.Get(valueKey(i))
	if err != nil {
		return nil, err
	}
	if proof.Value == nil {
		return nil, l.corrupted("proof", fmt.Errorf("%w: element %d", errMissingNode, i))
	}
	for h := 0; h < rootHeight(n); h++ {
		sibling := (i >> h) ^ 1
		if sibling >= levelCount(n, h) {
			continue
		}
		hash, err := l.node(h, sibling)
		if err != nil {
			return nil, err
		}
		proof.Siblings = append(proof.Siblings, hash)
	}
	return proof, nil
}

// VerifyListProof checks proof against a trusted root.
func VerifyListProof(root common.Hash, proof *ListProof) merkle.Verification {
	if proof == nil {
		return merkle.Fail(fmt.Errorf("%w: nil proof", ErrProofStructure))
	}
	n := proof.Length
	if proof.Index >= n {
		if len(proof.Siblings) != 0 || (n == 0 && proof.RootNode != (common.Hash{})) {
			return merkle.Fail(fmt.Errorf("%w: out of range proof with extra data", ErrProofStructure))
		}
		if listRoot(n, proof.RootNode) != root {
			return merkle.Fail(ErrRootMismatch)
		}
		return merkle.Verification{Status: merkle.Excluded}
	}
	if proof.RootNode != (common.Hash{}) {
		return merkle.Fail(fmt.Errorf("%w: element proof carries a root node", ErrProofStructure))
	}
	cur := merkle.LeafHash(proof.Value)
	siblings := proof.Siblings
	for h := 0; h < rootHeight(n); h++ {
		idx := proof.Index >> h
		sibling := idx ^ 1
		if sibling >= levelCount(n, h) {
			cur = branchHash(cur, nil)
			continue
		}
		if len(siblings) == 0 {
			return merkle.Fail(fmt.Errorf("%w: missing sibling at height %d", ErrProofStructure, h))
		}
		s := siblings[0]
		siblings = siblings[1:]
		if idx&1 == 0 {
			cur = branchHash(cur, &s)
		} else {
			cur = branchHash(s, &cur)
		}
	}
	if len(siblings) != 0 {
		return merkle.Fail(fmt.Errorf("%w: %d unused siblings", ErrProofStructure, len(siblings)))
	}
	if listRoot(n, cur) != root {
		return merkle.Fail(ErrRootMismatch)
	}
	return merkle.Verification{Status: merkle.Included, Value: proof.Value}
}
