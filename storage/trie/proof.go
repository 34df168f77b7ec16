package trie

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"ledgercore/storage/merkle"
)

var (
	// ErrRootMismatch means the proof is well formed but commits to another root.
	ErrRootMismatch = errors.New("trie: proof does not match root")
	// ErrProofStructure covers duplicate, overlapping or misplaced proof entries.
	ErrProofStructure = errors.New("trie: malformed proof")
)

func errMissingBranch(p Path) error {
	return fmt.Errorf("trie: no node on path %s", p)
}

// ProofNode is a subtree summary: an encoded path and the subtree hash.
type ProofNode struct {
	Path []byte
	Hash common.Hash
}

// MapProof proves the presence (with Value) or absence of Key.
type MapProof struct {
	Key     common.Hash
	Present bool
	Value   []byte
	Proof   []ProofNode
}

// Encode serialises the proof with rlp.
func (p *MapProof) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(p)
}

// DecodeMapProof parses an rlp encoded proof.
func DecodeMapProof(b []byte) (*MapProof, error) {
	p := new(MapProof)
	if err := rlp.DecodeBytes(b, p); err != nil {
		return nil, err
	}
	return p, nil
}

// BuildProof collects the siblings along the search path of key. The proof
// also carries the subtree where the search ends when key is absent.
func (m *ProofMap[V]) BuildProof(key common.Hash) (*MapProof, error) {
	proof := &MapProof{Key: key}
	root, err := m.root()
	if err != nil || root == nil {
		return proof, err
	}
	target := LeafPath(key)
	cur := *root
	for {
		if cur.path.IsLeaf() {
			if cur.path.Compare(target) == 0 {
				raw, err := m.view.Get(leafKey(key))
				if err != nil {
					return nil, err
				}
				if raw == nil {
					return nil, m.corrupted("proof", errMissingBranch(target))
				}
				proof.Present, proof.Value = true, raw
			} else {
				proof.Proof = append(proof.Proof, ProofNode{Path: cur.path.Encode(), Hash: cur.hash})
			}
			return proof, nil
		}
		if !cur.path.IsPrefixOf(target) {
			proof.Proof = append(proof.Proof, ProofNode{Path: cur.path.Encode(), Hash: cur.hash})
			return proof, nil
		}
		b, err := m.loadBranch(cur.path)
		if err != nil {
			return nil, err
		}
		bit := target.Bit(cur.path.Len())
		sibling := b.children[1-bit]
		proof.Proof = append(proof.Proof, ProofNode{Path: sibling.path.Encode(), Hash: sibling.hash})
		cur = b.children[bit]
	}
}

// VerifyMapProof checks proof against a trusted root. The subtrees in the
// proof must cover the whole map: the verifier rebuilds the trie above them
// and compares the resulting root.
func VerifyMapProof(root common.Hash, key common.Hash, proof *MapProof) merkle.Verification {
	if proof == nil {
		return merkle.Fail(fmt.Errorf("%w: nil proof", ErrProofStructure))
	}
	if proof.Key != key {
		return merkle.Fail(fmt.Errorf("%w: proof is for key %x", ErrProofStructure, proof.Key))
	}
	target := LeafPath(key)
	refs := make([]ref, 0, len(proof.Proof)+1)
	for _, n := range proof.Proof {
		p, err := DecodePath(n.Path)
		if err != nil {
			return merkle.Fail(fmt.Errorf("%w: %v", ErrProofStructure, err))
		}
		if p.IsPrefixOf(target) {
			return merkle.Fail(fmt.Errorf("%w: entry %s covers the proved key", ErrProofStructure, p))
		}
		refs = append(refs, ref{path: p, hash: n.Hash})
	}
	if proof.Present {
		refs = append(refs, ref{path: target, hash: merkle.LeafHash(proof.Value)})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].path.Compare(refs[j].path) < 0 })
	for i := 1; i < len(refs); i++ {
		if refs[i-1].path.IsPrefixOf(refs[i].path) {
			return merkle.Fail(fmt.Errorf("%w: entry %s overlaps %s", ErrProofStructure, refs[i-1].path, refs[i].path))
		}
	}

	var computed common.Hash
	if len(refs) == 0 {
		computed = EmptyRoot
	} else {
		top := collapse(refs)
		computed = rootHash(&top)
	}
	if computed != root {
		return merkle.Fail(ErrRootMismatch)
	}
	if proof.Present {
		return merkle.Verification{Status: merkle.Included, Value: proof.Value}
	}
	return merkle.Verification{Status: merkle.Excluded}
}

// collapse rebuilds the branch above sorted, non-overlapping refs.
func collapse(refs []ref) ref {
	if len(refs) == 1 {
		return refs[0]
	}
	first, last := refs[0].path, refs[len(refs)-1].path
	cp := first.CommonPrefix(last)
	split := sort.Search(len(refs), func(i int) bool { return refs[i].path.Bit(cp) == 1 })
	left, right := collapse(refs[:split]), collapse(refs[split:])
	return ref{path: first.Prefix(cp), hash: branchHash(left, right)}
}
