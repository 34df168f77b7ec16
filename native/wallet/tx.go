package wallet

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"ledgercore/crypto"
	"ledgercore/runtime"
)

// CreateWallet opens a wallet for the transaction author.
type CreateWallet struct {
	Name string
}

// Transfer moves Amount from the author to To.
type Transfer struct {
	To     common.Address
	Amount uint64
	Seed   uint64 // distinguishes otherwise identical transfers
}

// Issue credits Amount to the author.
type Issue struct {
	Amount uint64
	Seed   uint64
}

// Charge debits Amount from the transaction author and credits the treasury
// of the calling service. It is only callable by another service.
type Charge struct {
	Amount uint64
}

// Encode returns the rlp payload of a wallet call.
func Encode(v any) []byte {
	b, err := rlp.EncodeToBytes(v)
	if err != nil {
		panic(err)
	}
	return b
}

func (tx *CreateWallet) execute(s *Service, ctx *runtime.ExecutionContext) error {
	schema := s.Schema(ctx.Fork())
	author := ctx.Author()
	if _, ok, err := schema.Wallet(author); err != nil {
		return err
	} else if ok {
		return runtime.Errorf(CodeWalletExists, "wallet %s already exists", crypto.FromCommon(author))
	}
	names, err := schema.Names()
	if err != nil {
		return err
	}
	if taken, err := names.Contains(tx.Name); err != nil {
		return err
	} else if taken {
		return runtime.Errorf(CodeNameTaken, "name %q is taken", tx.Name)
	}
	if err := s.createWallet(schema, author, tx.Name, uint256.NewInt(s.initialBalance)); err != nil {
		return err
	}
	record("create")
	return appendHistory(schema, author, ctx.TxHash())
}

func (tx *Transfer) execute(s *Service, ctx *runtime.ExecutionContext) error {
	schema := s.Schema(ctx.Fork())
	from := ctx.Author()
	if tx.Amount == 0 {
		return runtime.NewError(CodeZeroAmount, "amount must be positive")
	}
	if from == tx.To {
		return runtime.NewError(CodeSelfTransfer, "sender and receiver are the same")
	}
	if _, ok, err := schema.Wallet(from); err != nil {
		return err
	} else if !ok {
		return runtime.Errorf(CodeSenderNotFound, "sender %s has no wallet", crypto.FromCommon(from))
	}
	if _, ok, err := schema.Wallet(tx.To); err != nil {
		return err
	} else if !ok {
		return runtime.Errorf(CodeReceiverNotFound, "receiver %s has no wallet", crypto.FromCommon(tx.To))
	}
	if err := move(schema, from, tx.To, uint256.NewInt(tx.Amount)); err != nil {
		return err
	}
	record("transfer")
	if err := appendHistory(schema, from, ctx.TxHash()); err != nil {
		return err
	}
	return appendHistory(schema, tx.To, ctx.TxHash())
}

func (tx *Issue) execute(s *Service, ctx *runtime.ExecutionContext) error {
	schema := s.Schema(ctx.Fork())
	owner := ctx.Author()
	if tx.Amount == 0 {
		return runtime.NewError(CodeZeroAmount, "amount must be positive")
	}
	if _, ok, err := schema.Wallet(owner); err != nil {
		return err
	} else if !ok {
		return runtime.Errorf(CodeSenderNotFound, "wallet %s not found", crypto.FromCommon(owner))
	}
	if err := s.chargeIssue(schema, owner, ctx.Height(), tx.Amount); err != nil {
		return err
	}
	balances, err := schema.Balances()
	if err != nil {
		return err
	}
	balance, err := schema.Balance(owner)
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(balance, uint256.NewInt(tx.Amount))
	if overflow {
		return runtime.NewError(CodeQuotaExceeded, "balance overflow")
	}
	if err := balances.Put(Key(owner), sum); err != nil {
		return err
	}
	record("issue")
	return appendHistory(schema, owner, ctx.TxHash())
}

func (tx *Charge) execute(s *Service, ctx *runtime.ExecutionContext) error {
	caller := ctx.Caller()
	if caller.Kind != runtime.CallerService {
		return runtime.NewError(CodeNotNested, "charge can only be called by a service")
	}
	schema := s.Schema(ctx.Fork())
	payer := ctx.Author()
	if _, ok, err := schema.Wallet(payer); err != nil {
		return err
	} else if !ok {
		return runtime.Errorf(CodeSenderNotFound, "payer %s has no wallet", crypto.FromCommon(payer))
	}
	if tx.Amount == 0 {
		return nil
	}
	if err := move(schema, payer, TreasuryAddress(uint32(caller.Instance)), uint256.NewInt(tx.Amount)); err != nil {
		return err
	}
	record("charge")
	return appendHistory(schema, payer, ctx.TxHash())
}

// chargeIssue counts the issuance against owner's limit window.
func (s *Service) chargeIssue(schema *Schema, owner common.Address, height, amount uint64) error {
	if !s.issueLimit.Active() {
		return nil
	}
	usage, err := schema.IssueUsage()
	if err != nil {
		return err
	}
	spent, _, err := usage.Get(Key(owner))
	if err != nil {
		return err
	}
	spent, err = s.issueLimit.Charge(spent, height, amount)
	if err != nil {
		return runtime.Errorf(CodeQuotaExceeded, "issue: %v", err)
	}
	return usage.Put(Key(owner), spent)
}

// move transfers amount between two balances.
func move(schema *Schema, from, to common.Address, amount *uint256.Int) error {
	balances, err := schema.Balances()
	if err != nil {
		return err
	}
	src, err := schema.Balance(from)
	if err != nil {
		return err
	}
	if src.Lt(amount) {
		return runtime.Errorf(CodeInsufficientFunds, "balance %s is below %s", src.Dec(), amount.Dec())
	}
	dst, err := schema.Balance(to)
	if err != nil {
		return err
	}
	if err := balances.Put(Key(from), new(uint256.Int).Sub(src, amount)); err != nil {
		return err
	}
	return balances.Put(Key(to), new(uint256.Int).Add(dst, amount))
}
