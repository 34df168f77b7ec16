// Package core executes blocks of transactions against the ledger state and
// keeps the core tables (transactions, results, blocks).
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ledgercore/core/types"
	"ledgercore/observability"
	"ledgercore/observability/logging"
	"ledgercore/runtime"
	"ledgercore/storage"
)

var (
	// ErrTransactionNotFound is returned when a block references a
	// transaction that was never added to the pool.
	ErrTransactionNotFound = errors.New("core: transaction not found")
	// ErrTransactionCommitted is returned when a block references a
	// transaction that already belongs to an earlier block.
	ErrTransactionCommitted = errors.New("core: transaction already committed")
	// ErrInvalidTransaction rejects a transaction at pool intake.
	ErrInvalidTransaction = errors.New("core: invalid transaction")
	// ErrHeightMismatch rejects a block whose height is not the one right
	// after the last merged block. Nothing is executed.
	ErrHeightMismatch     = errors.New("core: block height does not follow the chain")
	ErrNotInitialized     = errors.New("core: blockchain has no genesis block")
	ErrAlreadyInitialized = errors.New("core: blockchain already initialized")
)

// Stage is a step of block execution.
type Stage uint8

const (
	StageIdle Stage = iota
	StageForkOpened
	StageTransactionsApplied
	StageServicesCommitted
	StagePatchReady
	StageMerged
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageForkOpened:
		return "fork_opened"
	case StageTransactionsApplied:
		return "transactions_applied"
	case StageServicesCommitted:
		return "services_committed"
	case StagePatchReady:
		return "patch_ready"
	case StageMerged:
		return "merged"
	default:
		return fmt.Sprintf("stage(%d)", uint8(s))
	}
}

// Option configures a Blockchain.
type Option func(*Blockchain)

// WithLogger sets the logger. The component attribute is added by the
// blockchain itself.
func WithLogger(logger *slog.Logger) Option {
	return func(bc *Blockchain) { bc.logger = logger }
}

// WithMetrics replaces the execution and storage metrics. Nil disables them.
func WithMetrics(exec *observability.ExecutionMetrics, store *observability.StorageMetrics) Option {
	return func(bc *Blockchain) {
		bc.metrics = exec
		bc.storageMetrics = store
	}
}

// WithTracer sets the tracer used for execution spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(bc *Blockchain) { bc.tracer = tracer }
}

// Blockchain drives block execution over a Database. It holds no state of
// its own besides configuration: everything it knows is read from the
// database, so creating patches and merging them must be serialized by the
// caller.
type Blockchain struct {
	db             storage.Database
	registry       *runtime.Registry
	logger         *slog.Logger
	metrics        *observability.ExecutionMetrics
	storageMetrics *observability.StorageMetrics
	tracer         trace.Tracer
}

// NewBlockchain binds db and the service registry. The registry is sealed.
func NewBlockchain(db storage.Database, registry *runtime.Registry, opts ...Option) (*Blockchain, error) {
	if db == nil {
		return nil, errors.New("core: nil database")
	}
	if registry == nil {
		return nil, errors.New("core: nil registry")
	}
	bc := &Blockchain{
		db:             db,
		registry:       registry,
		metrics:        observability.Execution(),
		storageMetrics: observability.Storage(),
		tracer:         otel.Tracer("ledgercore/core"),
	}
	for _, opt := range opts {
		opt(bc)
	}
	bc.logger = logging.Component(bc.logger, "core")
	registry.Seal()
	return bc, nil
}

func (bc *Blockchain) Database() storage.Database { return bc.db }

func (bc *Blockchain) Registry() *runtime.Registry { return bc.registry }

// Snapshot opens a read-only view of the latest merged state. Release it
// when done.
func (bc *Blockchain) Snapshot() (storage.Snapshot, *Schema, error) {
	snap, err := bc.db.Snapshot()
	if err != nil {
		return nil, nil, err
	}
	return snap, NewSchema(snap), nil
}

// Height returns the height of the last merged block.
func (bc *Blockchain) Height() (uint64, error) {
	snap, schema, err := bc.Snapshot()
	if err != nil {
		return 0, err
	}
	defer snap.Release()
	height, ok, err := schema.Height()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotInitialized
	}
	return height, nil
}

// Initialize runs the service genesis hooks and commits the empty block at
// height 0.
func (bc *Blockchain) Initialize() (*types.Block, error) {
	fork, err := bc.db.Fork()
	if err != nil {
		return nil, err
	}
	defer fork.Discard()

	if _, ok, err := NewSchema(fork).Height(); err != nil {
		return nil, err
	} else if ok {
		return nil, ErrAlreadyInitialized
	}

	for _, spec := range bc.registry.Instances() {
		svc, _ := bc.registry.Service(spec.ID)
		init, ok := svc.(runtime.Initializer)
		if !ok {
			continue
		}
		if err := init.Initialize(fork); err != nil {
			return nil, fmt.Errorf("core: initialize %s: %w", spec.Name, err)
		}
		if err := fork.Err(); err != nil {
			return nil, err
		}
	}

	block, err := bc.executeBlock(context.Background(), fork, 0, 0, nil)
	if err != nil {
		return nil, err
	}
	patch, err := fork.IntoPatch()
	if err != nil {
		return nil, err
	}
	if err := bc.Merge(patch); err != nil {
		return nil, err
	}
	bc.logger.Info("genesis committed",
		slog.String("hash", block.Hash().Hex()),
		slog.String("state_hash", block.Header.StateHash.Hex()),
		slog.Int("services", len(bc.registry.Instances())))
	return block, nil
}

// CreatePatch executes the transactions identified by txHashes, in order, on
// top of the latest merged state and returns the resulting block together
// with the patch holding every state change. Nothing is written to the
// database until the patch is passed to Merge.
//
// Transactions that fail are recorded with their status and have their
// changes rolled back. A storage fault aborts the whole block: no patch is
// produced and the error is returned.
func (bc *Blockchain) CreatePatch(proposer uint32, height uint64, txHashes []common.Hash) (*types.Block, *storage.Patch, error) {
	start := time.Now()
	ctx, span := bc.tracer.Start(context.Background(), "CreatePatch", trace.WithAttributes(
		attribute.Int64("height", int64(height)),
		attribute.Int64("proposer", int64(proposer)),
		attribute.Int("transactions", len(txHashes)),
	))
	defer span.End()

	fail := func(err error) (*types.Block, *storage.Patch, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		bc.logger.Error("block execution aborted",
			slog.Uint64("height", height),
			slog.Any("error", err),
			slog.Bool("fatal", storage.IsFatal(err)))
		return nil, nil, err
	}

	fork, err := bc.db.Fork()
	if err != nil {
		return fail(err)
	}
	bc.stage(ctx, StageForkOpened, height)

	block, err := bc.executeBlock(ctx, fork, proposer, height, txHashes)
	if err != nil {
		fork.Discard()
		return fail(err)
	}
	patch, err := fork.IntoPatch()
	if err != nil {
		return fail(err)
	}
	bc.stage(ctx, StagePatchReady, height)

	bc.metrics.ObserveBlock(time.Since(start))
	span.SetAttributes(attribute.String("state_hash", block.Header.StateHash.Hex()))
	bc.logger.Info("block executed",
		slog.Uint64("height", height),
		slog.String("hash", block.Hash().Hex()),
		slog.Int("transactions", len(txHashes)),
		slog.Int("changes", patch.Len()),
		slog.Duration("elapsed", time.Since(start)))
	return block, patch, nil
}

// Merge applies a patch produced by CreatePatch or by pool intake.
func (bc *Blockchain) Merge(patch *storage.Patch) error {
	start := time.Now()
	err := bc.db.Merge(patch)
	bc.storageMetrics.ObserveMerge(patch.Len(), time.Since(start), err)
	if err != nil {
		bc.logger.Error("merge failed", slog.Any("error", err))
		return err
	}
	if height, err := bc.Height(); err == nil {
		bc.metrics.SetHeight(height)
		bc.stage(context.Background(), StageMerged, height)
	}
	return nil
}

func (bc *Blockchain) stage(ctx context.Context, s Stage, height uint64) {
	trace.SpanFromContext(ctx).AddEvent(s.String())
	bc.logger.Debug("stage", slog.String("stage", s.String()), slog.Uint64("height", height))
}
