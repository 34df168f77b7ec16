package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ledgercore/api"
	"ledgercore/cmd/internal/passphrase"
	"ledgercore/core"
	"ledgercore/core/types"
	"ledgercore/crypto"
	"ledgercore/mempool"
	"ledgercore/native/timestamping"
	"ledgercore/native/wallet"
	"ledgercore/runtime"
	"ledgercore/storage/trie"
)

const defaultConfig = "./config.toml"

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, out io.Writer) error
}

var commands = []command{
	{"init", "Commit the genesis block", runInit},
	{"keygen", "Write a new encrypted keystore", runKeygen},
	{"status", "Show chain height, last block and pool size", runStatus},
	{"create-wallet", "Submit a wallet creation for the operator key", runCreateWallet},
	{"transfer", "Submit a transfer from the operator wallet", runTransfer},
	{"issue", "Submit an issuance to the operator wallet", runIssue},
	{"timestamp", "Submit content for timestamping", runTimestamp},
	{"propose", "Execute pending transactions as the next block", runPropose},
	{"balance", "Show the wallet balance of an address", runBalance},
	{"prove", "Show a transaction result with its proof", runProve},
	{"serve", "Produce blocks on an interval and serve the API and metrics", runServe},
}

func lookup(name string) (command, bool) {
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
	}
	return command{}, false
}

// flags builds the flag set shared by commands that open the ledger.
func flags(name string) (*flag.FlagSet, *string, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", defaultConfig, "Path to the ledger config file")
	passEnv := fs.String("pass-env", passphrase.DefaultEnv, "Environment variable holding the keystore passphrase")
	return fs, configPath, passEnv
}

func open(ctx context.Context, configPath, passEnv string, opts ...nodeOption) (*node, error) {
	return openNode(ctx, configPath, passphrase.NewSource(passEnv), opts...)
}

func runInit(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath, passEnv := flags("init")
	fund := fs.Uint64("fund", 0, "Create an operator wallet with this balance at genesis")
	name := fs.String("name", "operator", "Name of the genesis operator wallet")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var opts []nodeOption
	if *fund > 0 {
		pass := passphrase.NewSource(*passEnv)
		n, err := openNode(ctx, *configPath, pass)
		if err != nil {
			return err
		}
		key, err := n.operatorKey()
		n.Close()
		if err != nil {
			return err
		}
		opts = append(opts, withGenesisWallets(wallet.GenesisWallet{
			Owner:   key.PubKey().Address().Common(),
			Name:    *name,
			Balance: *fund,
		}))
	}

	n, err := open(ctx, *configPath, *passEnv, opts...)
	if err != nil {
		return err
	}
	defer n.Close()
	block, err := n.chain.Initialize()
	if err != nil {
		return err
	}
	writef(out, "genesis %s\nstate %s\n", block.Hash().Hex(), block.Header.StateHash.Hex())
	return nil
}

func runKeygen(_ context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	path := fs.String("out", "operator.keystore", "Output path for the keystore")
	passEnv := fs.String("pass-env", passphrase.DefaultEnv, "Environment variable holding the keystore passphrase")
	force := fs.Bool("force", false, "Overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*force {
		if _, err := os.Stat(*path); err == nil {
			return fmt.Errorf("keystore file %s already exists (use -force to overwrite)", *path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	secret, err := passphrase.NewSource(*passEnv, passphrase.WithConfirmation()).Get()
	if err != nil {
		return err
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := crypto.SaveToKeystore(*path, key, secret); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	writef(out, "address %s\nkeystore %s\n", key.PubKey().Address(), *path)
	return nil
}

func runStatus(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath, passEnv := flags("status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	n, err := open(ctx, *configPath, *passEnv)
	if err != nil {
		return err
	}
	defer n.Close()

	snap, schema, err := n.chain.Snapshot()
	if err != nil {
		return err
	}
	defer snap.Release()
	last, err := schema.LastBlock()
	if err != nil {
		return err
	}
	if last == nil {
		return core.ErrNotInitialized
	}
	pool, err := schema.PoolSize()
	if err != nil {
		return err
	}
	writef(out, "height %d\nblock %s\nstate %s\npending %d\n", last.Height, last.Hash().Hex(), last.StateHash.Hex(), pool)
	for _, spec := range n.chain.Registry().Instances() {
		writef(out, "service %d %s (%s)\n", spec.ID, spec.Name, spec.Artifact)
	}
	return nil
}

// submit signs a call with the operator key and adds it to the pool.
func submit(ctx context.Context, out io.Writer, configPath, passEnv string, instance runtime.InstanceID, method runtime.MethodID, payload []byte) error {
	n, err := open(ctx, configPath, passEnv)
	if err != nil {
		return err
	}
	defer n.Close()
	key, err := n.operatorKey()
	if err != nil {
		return err
	}
	tx := &types.Transaction{
		InstanceID: uint32(instance),
		MethodID:   uint32(method),
		Payload:    payload,
		Nonce:      uint64(time.Now().UnixNano()),
	}
	if err := tx.Sign(key.PrivateKey); err != nil {
		return err
	}
	if err := n.chain.AddTransactionsIntoPool(tx); err != nil {
		return err
	}
	writef(out, "tx %s\n", tx.Hash().Hex())
	return nil
}

func runCreateWallet(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath, passEnv := flags("create-wallet")
	name := fs.String("name", "", "Wallet name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*name) == "" {
		return errors.New("-name is required")
	}
	return submit(ctx, out, *configPath, *passEnv, walletInstance, wallet.MethodCreate, wallet.Encode(&wallet.CreateWallet{Name: *name}))
}

func runTransfer(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath, passEnv := flags("transfer")
	to := fs.String("to", "", "Receiver address (bech32 or hex)")
	amount := fs.Uint64("amount", 0, "Amount to transfer")
	if err := fs.Parse(args); err != nil {
		return err
	}
	receiver, err := crypto.ParseAddress(*to)
	if err != nil {
		return fmt.Errorf("-to: %w", err)
	}
	payload := wallet.Encode(&wallet.Transfer{To: receiver, Amount: *amount, Seed: uint64(time.Now().UnixNano())})
	return submit(ctx, out, *configPath, *passEnv, walletInstance, wallet.MethodTransfer, payload)
}

func runIssue(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath, passEnv := flags("issue")
	amount := fs.Uint64("amount", 0, "Amount to issue")
	if err := fs.Parse(args); err != nil {
		return err
	}
	payload := wallet.Encode(&wallet.Issue{Amount: *amount, Seed: uint64(time.Now().UnixNano())})
	return submit(ctx, out, *configPath, *passEnv, walletInstance, wallet.MethodIssue, payload)
}

func runTimestamp(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath, passEnv := flags("timestamp")
	file := fs.String("file", "", "File whose content is timestamped")
	data := fs.String("data", "", "Inline content to timestamp")
	paid := fs.Bool("paid", false, "Pay the timestamping fee from the operator wallet")
	if err := fs.Parse(args); err != nil {
		return err
	}
	content := []byte(*data)
	if *file != "" {
		b, err := os.ReadFile(*file)
		if err != nil {
			return err
		}
		content = b
	}
	method := timestamping.MethodTimestamp
	if *paid {
		method = timestamping.MethodPaidTimestamp
	}
	writef(out, "content %s\n", timestamping.ContentHash(content).Hex())
	return submit(ctx, out, *configPath, *passEnv, timestampingInstance, method, timestamping.EncodeContent(content))
}

// proposeBlock executes the next block from the pool and merges it.
func proposeBlock(n *node) (*types.Block, error) {
	height, err := n.chain.Height()
	if err != nil {
		return nil, err
	}
	mp := n.cfg.Mempool
	hashes, usage, err := n.chain.ProposeTransactions(mp.MaxBlockTxs, mempool.Quota{ReservationBPS: mp.ReservationBPS}, mp.Priority())
	if err != nil {
		return nil, err
	}
	n.logger.Debug("proposal built",
		slog.Int("transactions", len(hashes)),
		slog.Int("priority_target", usage.Target),
		slog.Int("priority_used", usage.Used))

	block, patch, err := n.chain.CreatePatch(n.cfg.ValidatorID, height+1, hashes)
	if err != nil {
		return nil, err
	}
	if err := n.chain.Merge(patch); err != nil {
		return nil, err
	}
	return block, nil
}

func runPropose(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath, passEnv := flags("propose")
	if err := fs.Parse(args); err != nil {
		return err
	}
	n, err := open(ctx, *configPath, *passEnv)
	if err != nil {
		return err
	}
	defer n.Close()
	block, err := proposeBlock(n)
	if err != nil {
		return err
	}
	writef(out, "height %d\nblock %s\nstate %s\n", block.Header.Height, block.Hash().Hex(), block.Header.StateHash.Hex())
	for i, hash := range block.Transactions {
		res := block.Results[i]
		writef(out, "tx %s %s code=%d %s\n", hash.Hex(), res.Status, res.Code, res.Description)
	}
	return nil
}

func runBalance(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath, passEnv := flags("balance")
	addr := fs.String("addr", "", "Account address; defaults to the operator")
	if err := fs.Parse(args); err != nil {
		return err
	}
	n, err := open(ctx, *configPath, *passEnv)
	if err != nil {
		return err
	}
	defer n.Close()

	var owner common.Address
	if *addr == "" {
		key, err := n.operatorKey()
		if err != nil {
			return err
		}
		owner = key.PubKey().Address().Common()
	} else if owner, err = crypto.ParseAddress(*addr); err != nil {
		return fmt.Errorf("-addr: %w", err)
	}

	snap, err := n.db.Snapshot()
	if err != nil {
		return err
	}
	defer snap.Release()
	schema := n.wallet.Schema(snap)
	balance, err := schema.Balance(owner)
	if err != nil {
		return err
	}
	w, ok, err := schema.Wallet(owner)
	if err != nil {
		return err
	}
	name := "-"
	if ok {
		name = w.Name
	}
	writef(out, "address %s\nwallet %s\nbalance %s\n", crypto.FromCommon(owner), name, balance.Dec())
	return nil
}

type proofReport struct {
	Tx       string `json:"tx"`
	Status   string `json:"status"`
	Code     uint8  `json:"code"`
	Detail   string `json:"description,omitempty"`
	Height   uint64 `json:"height"`
	Position uint64 `json:"position"`
	Root     string `json:"results_root"`
	Verified string `json:"verification"`
	Proof    string `json:"proof"`
}

func runProve(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath, passEnv := flags("prove")
	txFlag := fs.String("tx", "", "Transaction hash")
	if err := fs.Parse(args); err != nil {
		return err
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(*txFlag), "0x"))
	if err != nil || len(raw) != common.HashLength {
		return fmt.Errorf("-tx must be a 32 byte hex hash")
	}
	hash := common.BytesToHash(raw)

	n, err := open(ctx, *configPath, *passEnv)
	if err != nil {
		return err
	}
	defer n.Close()
	snap, schema, err := n.chain.Snapshot()
	if err != nil {
		return err
	}
	defer snap.Release()

	res, ok, err := schema.TxResult(hash)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrTransactionNotFound, hash.Hex())
	}
	loc, _, err := schema.TxLocation(hash)
	if err != nil {
		return err
	}
	roots, err := schema.StateHashes()
	if err != nil {
		return err
	}
	proof, err := schema.TxResultProof(hash)
	if err != nil {
		return err
	}
	encoded, err := proof.Encode()
	if err != nil {
		return err
	}
	check := trie.VerifyMapProof(roots[1], hash, proof)

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(proofReport{
		Tx:       hash.Hex(),
		Status:   res.Status.String(),
		Code:     res.Code,
		Detail:   res.Description,
		Height:   loc.Height,
		Position: loc.Position,
		Root:     roots[1].Hex(),
		Verified: check.Status.String(),
		Proof:    hex.EncodeToString(encoded),
	})
}

func runServe(ctx context.Context, args []string, out io.Writer) error {
	fs, configPath, passEnv := flags("serve")
	interval := fs.Duration("interval", 2*time.Second, "Block interval")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *interval <= 0 {
		return errors.New("-interval must be positive")
	}
	n, err := open(ctx, *configPath, *passEnv)
	if err != nil {
		return err
	}
	defer n.Close()
	if _, err := n.chain.Height(); errors.Is(err, core.ErrNotInitialized) {
		if _, err := n.chain.Initialize(); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if n.cfg.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: n.cfg.MetricsAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.logger.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		n.logger.Info("serving metrics", slog.String("address", n.cfg.MetricsAddress))
	}

	// Pool intake from the API must not interleave with block execution.
	var mu sync.Mutex
	if addr := strings.TrimSpace(n.cfg.API.ListenAddress); addr != "" {
		limits := map[string]api.RateLimit{}
		if n.cfg.API.SubmitPerMinute > 0 {
			limits[api.LimitSubmit] = api.RateLimit{RequestsPerMinute: n.cfg.API.SubmitPerMinute, Burst: n.cfg.API.SubmitBurst}
		}
		server := api.NewServer(api.Config{
			Chain:        n.chain,
			Wallet:       n.wallet,
			Timestamping: n.timestamp,
			Logger:       n.logger,
			Limits:       limits,
			Submit: func(txs ...*types.Transaction) error {
				mu.Lock()
				defer mu.Unlock()
				return n.chain.AddTransactionsIntoPool(txs...)
			},
		})
		srv := &http.Server{Addr: addr, Handler: server.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.logger.Error("api server failed", slog.Any("error", err))
			}
		}()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
		n.logger.Info("serving api", slog.String("address", addr))
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	writef(out, "producing blocks every %s\n", *interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			snap, schema, err := n.chain.Snapshot()
			if err != nil {
				return err
			}
			pending, err := schema.PoolSize()
			snap.Release()
			if err != nil {
				return err
			}
			if pending == 0 {
				continue
			}
			mu.Lock()
			block, err := proposeBlock(n)
			mu.Unlock()
			if err != nil {
				return err
			}
			writef(out, "block %d %s txs=%d\n", block.Header.Height, block.Hash().Hex(), len(block.Transactions))
		}
	}
}
