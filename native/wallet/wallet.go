// Package wallet is a sample currency service: named wallets with uint256
// balances, transfers, issuance and a charge method other services call to
// take fees.
package wallet

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"ledgercore/crypto"
	nativecommon "ledgercore/native/common"
	"ledgercore/observability"
	"ledgercore/runtime"
	"ledgercore/storage"
)

// Method ids.
const (
	MethodCreate runtime.MethodID = iota
	MethodTransfer
	MethodIssue
	MethodCharge
)

// Error codes recorded in transaction results.
const (
	CodeWalletExists uint8 = iota + 1
	CodeNameTaken
	CodeSenderNotFound
	CodeReceiverNotFound
	CodeInsufficientFunds
	CodeSelfTransfer
	CodeZeroAmount
	CodeNotNested
	CodeQuotaExceeded
)

// DefaultInitialBalance is credited to every new wallet.
const DefaultInitialBalance = 100

// GenesisWallet seeds a wallet at genesis.
type GenesisWallet struct {
	Owner   common.Address
	Name    string
	Balance uint64
}

// Option configures the service.
type Option func(*Service)

// WithInitialBalance overrides DefaultInitialBalance.
func WithInitialBalance(amount uint64) Option {
	return func(s *Service) { s.initialBalance = amount }
}

// WithIssueLimit caps issuance per account and window of blocks.
func WithIssueLimit(l nativecommon.Limit) Option {
	return func(s *Service) { s.issueLimit = l }
}

// WithGenesis creates wallets when the chain is initialized.
func WithGenesis(wallets ...GenesisWallet) Option {
	return func(s *Service) { s.genesis = append(s.genesis, wallets...) }
}

// Service is the wallet service. One value serves one instance.
type Service struct {
	name           string
	initialBalance uint64
	issueLimit     nativecommon.Limit
	genesis        []GenesisWallet
	methods        runtime.MethodTable
}

// New returns the service for the instance registered as name.
func New(name string, opts ...Option) *Service {
	s := &Service{name: name, initialBalance: DefaultInitialBalance}
	for _, opt := range opts {
		opt(s)
	}
	s.methods = runtime.MethodTable{
		MethodCreate:   {Name: "create", Decode: decoder[CreateWallet](s)},
		MethodTransfer: {Name: "transfer", Decode: decoder[Transfer](s)},
		MethodIssue:    {Name: "issue", Decode: decoder[Issue](s)},
		MethodCharge:   {Name: "charge", Decode: decoder[Charge](s)},
	}
	return s
}

func (s *Service) Name() string { return s.name }

func (s *Service) Schema(access storage.Snapshot) *Schema { return NewSchema(access, s.name) }

func (s *Service) TxFromRaw(method runtime.MethodID, payload []byte) (runtime.Transaction, error) {
	return s.methods.TxFromRaw(s.name, method, payload)
}

func (s *Service) BeforeCommit(*storage.Fork) error { return nil }

func (s *Service) StateHash(snapshot storage.Snapshot) ([]common.Hash, error) {
	return s.Schema(snapshot).StateHash()
}

// Initialize creates the genesis wallets.
func (s *Service) Initialize(fork *storage.Fork) error {
	schema := s.Schema(fork)
	for _, g := range s.genesis {
		if _, ok, err := schema.Wallet(g.Owner); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("wallet: duplicate genesis wallet %s", crypto.FromCommon(g.Owner))
		}
		if err := s.createWallet(schema, g.Owner, g.Name, uint256.NewInt(g.Balance)); err != nil {
			return err
		}
	}
	return nil
}

// walletTx is a decoded call. The service is passed in at execution so
// payload types stay plain data.
type walletTx interface {
	execute(s *Service, ctx *runtime.ExecutionContext) error
}

type bound struct {
	service *Service
	tx      walletTx
}

func (b bound) Execute(ctx *runtime.ExecutionContext) error {
	return b.tx.execute(b.service, ctx)
}

func decoder[T any, PT interface {
	*T
	walletTx
}](s *Service) func([]byte) (runtime.Transaction, error) {
	return func(payload []byte) (runtime.Transaction, error) {
		v := PT(new(T))
		if err := rlp.DecodeBytes(payload, v); err != nil {
			return nil, err
		}
		return bound{service: s, tx: v}, nil
	}
}

func (s *Service) createWallet(schema *Schema, owner common.Address, name string, balance *uint256.Int) error {
	wallets, err := schema.Wallets()
	if err != nil {
		return err
	}
	names, err := schema.Names()
	if err != nil {
		return err
	}
	balances, err := schema.Balances()
	if err != nil {
		return err
	}
	if err := wallets.Put(Key(owner), Wallet{Owner: owner, Name: name}); err != nil {
		return err
	}
	if err := names.Insert(name); err != nil {
		return err
	}
	return balances.Put(Key(owner), balance)
}

// appendHistory records txHash in the history of owner and bumps the
// wallet's history length.
func appendHistory(schema *Schema, owner common.Address, txHash common.Hash) error {
	wallets, err := schema.Wallets()
	if err != nil {
		return err
	}
	w, ok, err := wallets.Get(Key(owner))
	if err != nil || !ok {
		return err
	}
	history, err := schema.History(owner)
	if err != nil {
		return err
	}
	if err := history.Push(txHash); err != nil {
		return err
	}
	w.HistoryLen++
	return wallets.Put(Key(owner), w)
}

func record(op string) {
	observability.Events().RecordOperation("wallet", op)
}
