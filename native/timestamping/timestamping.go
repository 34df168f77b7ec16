// Package timestamping is a sample service that records the first time a
// piece of content was submitted.
package timestamping

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"ledgercore/native/wallet"
	"ledgercore/observability"
	"ledgercore/runtime"
	"ledgercore/storage"
	"ledgercore/storage/codec"
	"ledgercore/storage/index"
	"ledgercore/storage/prooflist"
	"ledgercore/storage/trie"
)

// Method ids.
const (
	MethodTimestamp runtime.MethodID = iota
	MethodPaidTimestamp
)

// Error codes recorded in transaction results.
const (
	CodeAlreadyTimestamped uint8 = iota + 1
	CodeEmptyContent
	CodeTooLarge
	CodePaymentDisabled
)

// MaxContentSize bounds the submitted content.
const MaxContentSize = 4096

// Record is what the service stores per content hash.
type Record struct {
	Author common.Address
	TxHash common.Hash
	Height uint64
}

// Schema gives typed access to the tables of one timestamping instance.
type Schema struct {
	access storage.Snapshot
	name   string
}

func NewSchema(access storage.Snapshot, name string) *Schema {
	return &Schema{access: access, name: name}
}

// Timestamps maps content hashes to records.
func (s *Schema) Timestamps() (*trie.ProofMap[Record], error) {
	return trie.New(s.access, s.name+".timestamps", codec.RLP[Record]())
}

// Log lists content hashes in submission order.
func (s *Schema) Log() (*prooflist.ProofList[common.Hash], error) {
	return prooflist.New(s.access, s.name+".log", codec.Hash)
}

// Contents keeps the submitted bytes, addressed by digest.
func (s *Schema) Contents() (*index.ValueSet[[]byte], error) {
	return index.NewValueSet(s.access, s.name+".contents", codec.Bytes)
}

// Record returns the record of a content hash.
func (s *Schema) Record(contentHash common.Hash) (Record, bool, error) {
	timestamps, err := s.Timestamps()
	if err != nil {
		return Record{}, false, err
	}
	return timestamps.Get(contentHash)
}

// StateHash lists the roots of the timestamps and log tables.
func (s *Schema) StateHash() ([]common.Hash, error) {
	timestamps, err := s.Timestamps()
	if err != nil {
		return nil, err
	}
	log, err := s.Log()
	if err != nil {
		return nil, err
	}
	h0, err := timestamps.RootHash()
	if err != nil {
		return nil, err
	}
	h1, err := log.RootHash()
	if err != nil {
		return nil, err
	}
	return []common.Hash{h0, h1}, nil
}

// ContentHash is the key under which content is recorded.
func ContentHash(content []byte) common.Hash {
	return crypto.Keccak256Hash(content)
}

// EncodeContent builds the payload of both methods.
func EncodeContent(content []byte) []byte {
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(wrapperspb.Bytes(content))
	if err != nil {
		panic(fmt.Sprintf("timestamping: encode payload: %v", err))
	}
	return b
}

func decodeContent(payload []byte) ([]byte, error) {
	var msg wrapperspb.BytesValue
	if err := proto.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	return msg.GetValue(), nil
}

// Option configures the service.
type Option func(*Service)

// WithPayment enables MethodPaidTimestamp: each call charges fee through the
// wallet instance walletID.
func WithPayment(walletID runtime.InstanceID, fee uint64) Option {
	return func(s *Service) {
		s.walletID = walletID
		s.fee = fee
		s.paid = true
	}
}

// Service is the timestamping service.
type Service struct {
	name     string
	paid     bool
	walletID runtime.InstanceID
	fee      uint64
}

func New(name string, opts ...Option) *Service {
	s := &Service{name: name}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Schema(access storage.Snapshot) *Schema { return NewSchema(access, s.name) }

func (s *Service) TxFromRaw(method runtime.MethodID, payload []byte) (runtime.Transaction, error) {
	methods := runtime.MethodTable{
		MethodTimestamp: {Name: "timestamp", Decode: func(p []byte) (runtime.Transaction, error) {
			content, err := decodeContent(p)
			if err != nil {
				return nil, err
			}
			return &timestampTx{service: s, content: content}, nil
		}},
		MethodPaidTimestamp: {Name: "paid_timestamp", Decode: func(p []byte) (runtime.Transaction, error) {
			content, err := decodeContent(p)
			if err != nil {
				return nil, err
			}
			return &timestampTx{service: s, content: content, paid: true}, nil
		}},
	}
	return methods.TxFromRaw(s.name, method, payload)
}

func (s *Service) BeforeCommit(*storage.Fork) error { return nil }

func (s *Service) StateHash(snapshot storage.Snapshot) ([]common.Hash, error) {
	return s.Schema(snapshot).StateHash()
}

type timestampTx struct {
	service *Service
	content []byte
	paid    bool
}

func (tx *timestampTx) Execute(ctx *runtime.ExecutionContext) error {
	s := tx.service
	switch {
	case len(tx.content) == 0:
		return runtime.NewError(CodeEmptyContent, "content is empty")
	case len(tx.content) > MaxContentSize:
		return runtime.Errorf(CodeTooLarge, "content is %d bytes, limit is %d", len(tx.content), MaxContentSize)
	case tx.paid && !s.paid:
		return runtime.NewError(CodePaymentDisabled, "paid timestamps are not enabled")
	}

	schema := s.Schema(ctx.Fork())
	timestamps, err := schema.Timestamps()
	if err != nil {
		return err
	}
	key := ContentHash(tx.content)
	if exists, err := timestamps.Contains(key); err != nil {
		return err
	} else if exists {
		return runtime.Errorf(CodeAlreadyTimestamped, "content %s already timestamped", key)
	}

	if tx.paid {
		charge := runtime.CallInfo{InstanceID: s.walletID, MethodID: wallet.MethodCharge}
		if err := ctx.Call(charge, wallet.Encode(&wallet.Charge{Amount: s.fee})); err != nil {
			return err
		}
	}

	if err := timestamps.Put(key, Record{Author: ctx.Author(), TxHash: ctx.TxHash(), Height: ctx.Height()}); err != nil {
		return err
	}
	log, err := schema.Log()
	if err != nil {
		return err
	}
	if err := log.Push(key); err != nil {
		return err
	}
	contents, err := schema.Contents()
	if err != nil {
		return err
	}
	if _, err := contents.Insert(tx.content); err != nil {
		return err
	}
	observability.Events().RecordOperation("timestamping", "timestamp")
	return nil
}
