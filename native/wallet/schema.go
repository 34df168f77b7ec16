package wallet

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	nativecommon "ledgercore/native/common"
	"ledgercore/storage"
	"ledgercore/storage/codec"
	"ledgercore/storage/index"
	"ledgercore/storage/prooflist"
	"ledgercore/storage/trie"
)

// Wallet is the public record of an account.
type Wallet struct {
	Owner      common.Address
	Name       string
	HistoryLen uint64
}

// Schema gives typed access to the tables of one wallet instance.
type Schema struct {
	access storage.Snapshot
	name   string
}

// NewSchema opens the tables of the wallet instance called name.
func NewSchema(access storage.Snapshot, name string) *Schema {
	return &Schema{access: access, name: name}
}

func (s *Schema) table(t string) string { return s.name + "." + t }

// Wallets maps account keys to wallet records.
func (s *Schema) Wallets() (*trie.ProofMap[Wallet], error) {
	return trie.New(s.access, s.table("wallets"), codec.RLP[Wallet]())
}

// Balances maps account keys to balances. Service treasuries have a balance
// but no wallet record.
func (s *Schema) Balances() (*trie.ProofMap[*uint256.Int], error) {
	return trie.New(s.access, s.table("balances"), codec.Uint256)
}

// History lists the hashes of transactions that touched owner.
func (s *Schema) History(owner common.Address) (*prooflist.ProofList[common.Hash], error) {
	return prooflist.NewInFamily(s.access, s.table("history"), owner.Bytes(), codec.Hash)
}

// Names holds the wallet names in use.
func (s *Schema) Names() (*index.KeySet[string], error) {
	return index.NewKeySet(s.access, s.table("names"), codec.String)
}

// IssueUsage tracks issuance per account within its current limit window.
func (s *Schema) IssueUsage() (*index.Map[common.Hash, nativecommon.Usage], error) {
	return index.NewMap(s.access, s.table("issue_usage"), codec.Hash, codec.RLP[nativecommon.Usage]())
}

// Wallet returns the record of owner.
func (s *Schema) Wallet(owner common.Address) (Wallet, bool, error) {
	wallets, err := s.Wallets()
	if err != nil {
		return Wallet{}, false, err
	}
	return wallets.Get(Key(owner))
}

// Balance returns the balance of owner, zero when unknown.
func (s *Schema) Balance(owner common.Address) (*uint256.Int, error) {
	balances, err := s.Balances()
	if err != nil {
		return nil, err
	}
	v, ok, err := balances.Get(Key(owner))
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(uint256.Int), nil
	}
	return v, nil
}

// StateHash lists the roots of the wallets and balances tables.
func (s *Schema) StateHash() ([]common.Hash, error) {
	wallets, err := s.Wallets()
	if err != nil {
		return nil, err
	}
	balances, err := s.Balances()
	if err != nil {
		return nil, err
	}
	h0, err := wallets.RootHash()
	if err != nil {
		return nil, err
	}
	h1, err := balances.RootHash()
	if err != nil {
		return nil, err
	}
	return []common.Hash{h0, h1}, nil
}

// Key is the proof map key of an account.
func Key(owner common.Address) common.Hash {
	return trie.HashedKey(owner.Bytes())
}

// TreasuryAddress is the account credited with charges collected on behalf
// of service instance id.
func TreasuryAddress(id uint32) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("treasury"), uint256.NewInt(uint64(id)).Bytes())[12:])
}
