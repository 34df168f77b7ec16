package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"ledgercore/cmd/internal/passphrase"
	"ledgercore/config"
	"ledgercore/core"
	"ledgercore/crypto"
	nativecommon "ledgercore/native/common"
	"ledgercore/native/timestamping"
	"ledgercore/native/wallet"
	"ledgercore/observability/logging"
	telemetry "ledgercore/observability/otel"
	"ledgercore/runtime"
	"ledgercore/storage"
)

// Instance layout of the built-in services.
const (
	walletInstance       runtime.InstanceID = 1
	walletName                              = "wallet"
	timestampingInstance runtime.InstanceID = 2
	timestampingName                        = "timestamping"
)

// node bundles everything a command needs to work on the ledger.
type node struct {
	cfg       *config.Config
	logger    *slog.Logger
	pass      *passphrase.Source
	db        storage.Database
	chain     *core.Blockchain
	wallet    *wallet.Service
	timestamp *timestamping.Service

	closers []func() error
}

type nodeOptions struct {
	genesis []wallet.GenesisWallet
}

type nodeOption func(*nodeOptions)

func withGenesisWallets(wallets ...wallet.GenesisWallet) nodeOption {
	return func(o *nodeOptions) { o.genesis = append(o.genesis, wallets...) }
}

// openNode loads the configuration, sets up logging and telemetry, opens the
// database and registers the services.
func openNode(ctx context.Context, configPath string, pass *passphrase.Source, opts ...nodeOption) (*node, error) {
	var o nodeOptions
	for _, opt := range opts {
		opt(&o)
	}

	loadOpts := []config.LoadOption{}
	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		secret, err := pass.Get()
		if err != nil {
			return nil, err
		}
		loadOpts = append(loadOpts, config.WithKeystorePassphrase(secret))
	}
	cfg, err := config.Load(configPath, loadOpts...)
	if errors.Is(err, config.ErrKeystorePassphraseRequired) {
		secret, perr := pass.Get()
		if perr != nil {
			return nil, perr
		}
		cfg, err = config.Load(configPath, config.WithKeystorePassphrase(secret))
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &node{cfg: cfg, pass: pass}
	n.logger, err = n.setupLogging()
	if err != nil {
		return nil, err
	}

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "ledgerctl",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
	})
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	n.closers = append(n.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(sctx)
	})

	n.db, err = storage.Open(cfg.StorageOptions())
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	n.closers = append(n.closers, n.db.Close)

	registry, err := n.buildRegistry(o.genesis)
	if err != nil {
		n.Close()
		return nil, err
	}
	n.chain, err = core.NewBlockchain(n.db, registry, core.WithLogger(n.logger))
	if err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

func (n *node) setupLogging() (*slog.Logger, error) {
	level, err := logging.ParseLevel(n.cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	opts := []logging.Option{logging.WithLevel(level), logging.WithWriter(os.Stderr)}
	if path := strings.TrimSpace(n.cfg.LogFile); path != "" {
		opts = append(opts, logging.WithFile(path))
	}
	logger, closer := logging.Setup("ledgerctl", n.cfg.Environment, opts...)
	n.closers = append(n.closers, closer.Close)
	return logger, nil
}

func (n *node) buildRegistry(genesis []wallet.GenesisWallet) (*runtime.Registry, error) {
	svc := n.cfg.Services
	walletOpts := []wallet.Option{wallet.WithGenesis(genesis...)}
	if svc.WalletInitialBalance > 0 {
		walletOpts = append(walletOpts, wallet.WithInitialBalance(svc.WalletInitialBalance))
	}
	if svc.IssueMaxAmountPerEpoch > 0 {
		walletOpts = append(walletOpts, wallet.WithIssueLimit(nativecommon.Limit{
			Amount: svc.IssueMaxAmountPerEpoch,
			Blocks: svc.IssueEpochBlocks,
		}))
	}
	n.wallet = wallet.New(walletName, walletOpts...)

	var tsOpts []timestamping.Option
	if svc.TimestampFee > 0 {
		tsOpts = append(tsOpts, timestamping.WithPayment(walletInstance, svc.TimestampFee))
	}
	n.timestamp = timestamping.New(timestampingName, tsOpts...)

	registry := runtime.NewRegistry(runtime.WithMaxCallDepth(n.cfg.MaxCallDepth))
	if err := registry.Register(runtime.InstanceSpec{ID: walletInstance, Name: walletName, Artifact: "wallet"}, n.wallet); err != nil {
		return nil, err
	}
	if err := registry.Register(runtime.InstanceSpec{ID: timestampingInstance, Name: timestampingName, Artifact: "timestamping"}, n.timestamp); err != nil {
		return nil, err
	}
	return registry, nil
}

// operatorKey decrypts the keystore named in the configuration.
func (n *node) operatorKey() (*crypto.PrivateKey, error) {
	secret, err := n.pass.Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(n.cfg.KeystorePath, secret)
	if err != nil {
		return nil, fmt.Errorf("open keystore %s: %w", n.cfg.KeystorePath, err)
	}
	return key, nil
}

func (n *node) Close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i](); err != nil && n.logger != nil {
			n.logger.Warn("shutdown step failed", slog.Any("error", err))
		}
	}
	n.closers = nil
}

func writef(out io.Writer, format string, args ...any) {
	fmt.Fprintf(out, format, args...)
}
