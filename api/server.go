// Package api serves read access to the ledger and accepts signed
// transactions over HTTP.
package api

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"ledgercore/core"
	"ledgercore/core/types"
	"ledgercore/crypto"
	"ledgercore/native/timestamping"
	"ledgercore/native/wallet"
	"ledgercore/storage"
	"ledgercore/storage/trie"
)

// LimitSubmit is the rate limit key of the transaction submission route.
const LimitSubmit = "submit"

const maxBodyBytes = 1 << 20

// Config wires the server to a node.
type Config struct {
	Chain        *core.Blockchain
	Wallet       *wallet.Service
	Timestamping *timestamping.Service
	// Submit adds transactions to the pool. Defaults to
	// Chain.AddTransactionsIntoPool; callers that produce blocks concurrently
	// pass a locked variant.
	Submit  func(txs ...*types.Transaction) error
	Logger  *slog.Logger
	Metrics prometheus.Registerer
	Limits  map[string]RateLimit
}

// Server answers ledger queries.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	obs     *Observability
	limiter *RateLimiter
}

func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Submit == nil {
		cfg.Submit = cfg.Chain.AddTransactionsIntoPool
	}
	return &Server{
		cfg:     cfg,
		logger:  cfg.Logger.With(slog.String("component", "api")),
		obs:     NewObservability(cfg.Metrics, cfg.Logger),
		limiter: NewRateLimiter(cfg.Limits),
	}
}

// Handler returns the routing tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Route("/v1", func(r chi.Router) {
		r.With(s.obs.Middleware("status")).Get("/status", s.status)
		r.With(s.obs.Middleware("block")).Get("/blocks/{height}", s.block)
		r.With(s.obs.Middleware("transaction")).Get("/transactions/{hash}", s.transaction)
		r.With(s.obs.Middleware("submit"), s.limiter.Middleware(LimitSubmit)).Post("/transactions", s.submit)
		if s.cfg.Wallet != nil {
			r.With(s.obs.Middleware("wallet")).Get("/wallets/{address}", s.wallet)
		}
		if s.cfg.Timestamping != nil {
			r.With(s.obs.Middleware("timestamp")).Get("/timestamps/{hash}", s.timestamp)
		}
	})
	return r
}

type serviceView struct {
	ID       uint32 `json:"id"`
	Name     string `json:"name"`
	Artifact string `json:"artifact"`
}

type statusResponse struct {
	Height    uint64        `json:"height"`
	Block     string        `json:"block"`
	StateHash string        `json:"state_hash"`
	Pending   uint64        `json:"pending"`
	Services  []serviceView `json:"services"`
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	snap, schema, err := s.cfg.Chain.Snapshot()
	if err != nil {
		s.internal(w, err)
		return
	}
	defer snap.Release()
	last, err := schema.LastBlock()
	if err != nil {
		s.internal(w, err)
		return
	}
	if last == nil {
		writeError(w, http.StatusServiceUnavailable, core.ErrNotInitialized.Error())
		return
	}
	pending, err := schema.PoolSize()
	if err != nil {
		s.internal(w, err)
		return
	}
	resp := statusResponse{
		Height:    last.Height,
		Block:     last.Hash().Hex(),
		StateHash: last.StateHash.Hex(),
		Pending:   pending,
	}
	for _, spec := range s.cfg.Chain.Registry().Instances() {
		resp.Services = append(resp.Services, serviceView{ID: uint32(spec.ID), Name: spec.Name, Artifact: spec.Artifact})
	}
	writeJSON(w, http.StatusOK, resp)
}

type blockResponse struct {
	Height       uint64   `json:"height"`
	Hash         string   `json:"hash"`
	ProposerID   uint32   `json:"proposer_id"`
	PrevHash     string   `json:"prev_hash"`
	TxHash       string   `json:"tx_hash"`
	StateHash    string   `json:"state_hash"`
	Transactions []string `json:"transactions"`
}

func (s *Server) block(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(chi.URLParam(r, "height"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "height must be an unsigned integer")
		return
	}
	snap, schema, err := s.cfg.Chain.Snapshot()
	if err != nil {
		s.internal(w, err)
		return
	}
	defer snap.Release()
	header, ok, err := schema.BlockByHeight(height)
	if err != nil {
		s.internal(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no block at height %d", height))
		return
	}
	txs, err := schema.BlockTransactions(height)
	if err != nil {
		s.internal(w, err)
		return
	}
	resp := blockResponse{
		Height:       header.Height,
		Hash:         header.Hash().Hex(),
		ProposerID:   header.ProposerID,
		PrevHash:     header.PrevHash.Hex(),
		TxHash:       header.TxHash.Hex(),
		StateHash:    header.StateHash.Hex(),
		Transactions: []string{},
	}
	it := txs.Iterator()
	defer it.Release()
	for it.Next() {
		resp.Transactions = append(resp.Transactions, it.Value().Hex())
	}
	if err := it.Error(); err != nil {
		s.internal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// TransactionResponse is a committed transaction with a proof of its result
// against the results root of the latest state.
type TransactionResponse struct {
	Hash         string `json:"hash"`
	InstanceID   uint32 `json:"instance_id"`
	MethodID     uint32 `json:"method_id"`
	Status       string `json:"status"`
	Code         uint8  `json:"code"`
	Description  string `json:"description,omitempty"`
	Height       uint64 `json:"height"`
	Position     uint64 `json:"position"`
	ResultsRoot  string `json:"results_root"`
	Verification string `json:"verification"`
	Proof        string `json:"proof"`
}

func (s *Server) transaction(w http.ResponseWriter, r *http.Request) {
	hash, ok := parseHash(chi.URLParam(r, "hash"))
	if !ok {
		writeError(w, http.StatusBadRequest, "hash must be 32 hex encoded bytes")
		return
	}
	snap, schema, err := s.cfg.Chain.Snapshot()
	if err != nil {
		s.internal(w, err)
		return
	}
	defer snap.Release()

	tx, found, err := schema.Transaction(hash)
	if err != nil {
		s.internal(w, err)
		return
	}
	res, committed, err := schema.TxResult(hash)
	if err != nil {
		s.internal(w, err)
		return
	}
	switch {
	case !found:
		writeError(w, http.StatusNotFound, core.ErrTransactionNotFound.Error())
		return
	case !committed:
		writeJSON(w, http.StatusAccepted, map[string]string{"hash": hash.Hex(), "status": "pending"})
		return
	}
	loc, _, err := schema.TxLocation(hash)
	if err != nil {
		s.internal(w, err)
		return
	}
	roots, err := schema.StateHashes()
	if err != nil {
		s.internal(w, err)
		return
	}
	proof, err := schema.TxResultProof(hash)
	if err != nil {
		s.internal(w, err)
		return
	}
	encoded, err := proof.Encode()
	if err != nil {
		s.internal(w, err)
		return
	}
	check := trie.VerifyMapProof(roots[1], hash, proof)
	writeJSON(w, http.StatusOK, TransactionResponse{
		Hash:         hash.Hex(),
		InstanceID:   tx.InstanceID,
		MethodID:     tx.MethodID,
		Status:       res.Status.String(),
		Code:         res.Code,
		Description:  res.Description,
		Height:       loc.Height,
		Position:     loc.Position,
		ResultsRoot:  roots[1].Hex(),
		Verification: check.Status.String(),
		Proof:        hex.EncodeToString(encoded),
	})
}

// SubmitRequest carries a hex encoded signed transaction.
type SubmitRequest struct {
	Transaction string `json:"transaction"`
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	if len(body) > maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	var req SubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(req.Transaction), "0x"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "transaction must be hex encoded")
		return
	}
	tx, err := types.DecodeTransaction(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	committed, err := s.committed(tx.Hash())
	if err != nil {
		s.internal(w, err)
		return
	}
	if committed {
		writeError(w, http.StatusConflict, core.ErrTransactionCommitted.Error())
		return
	}
	if err := s.cfg.Submit(tx); err != nil {
		switch {
		case errors.Is(err, core.ErrInvalidTransaction):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, core.ErrNotInitialized):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.internal(w, err)
		}
		return
	}
	s.logger.Debug("transaction accepted",
		slog.String("request_id", RequestIDFrom(r.Context())),
		slog.String("tx", tx.Hash().Hex()))
	writeJSON(w, http.StatusAccepted, map[string]string{"hash": tx.Hash().Hex(), "status": "pending"})
}

func (s *Server) committed(hash common.Hash) (bool, error) {
	snap, schema, err := s.cfg.Chain.Snapshot()
	if err != nil {
		return false, err
	}
	defer snap.Release()
	_, ok, err := schema.TxResult(hash)
	return ok, err
}

type walletResponse struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	Balance string `json:"balance"`
	History uint64 `json:"history"`
}

func (s *Server) wallet(w http.ResponseWriter, r *http.Request) {
	owner, err := crypto.ParseAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, err := s.cfg.Chain.Database().Snapshot()
	if err != nil {
		s.internal(w, err)
		return
	}
	defer snap.Release()
	schema := s.cfg.Wallet.Schema(snap)
	rec, ok, err := schema.Wallet(owner)
	if err != nil {
		s.internal(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "wallet not found")
		return
	}
	balance, err := schema.Balance(owner)
	if err != nil {
		s.internal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, walletResponse{
		Address: crypto.FromCommon(owner).String(),
		Name:    rec.Name,
		Balance: balance.Dec(),
		History: rec.HistoryLen,
	})
}

type timestampResponse struct {
	Content string `json:"content"`
	Author  string `json:"author"`
	Tx      string `json:"tx"`
	Height  uint64 `json:"height"`
}

func (s *Server) timestamp(w http.ResponseWriter, r *http.Request) {
	hash, ok := parseHash(chi.URLParam(r, "hash"))
	if !ok {
		writeError(w, http.StatusBadRequest, "hash must be 32 hex encoded bytes")
		return
	}
	snap, err := s.cfg.Chain.Database().Snapshot()
	if err != nil {
		s.internal(w, err)
		return
	}
	defer snap.Release()
	rec, found, err := s.cfg.Timestamping.Schema(snap).Record(hash)
	if err != nil {
		s.internal(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "content not timestamped")
		return
	}
	writeJSON(w, http.StatusOK, timestampResponse{
		Content: hash.Hex(),
		Author:  crypto.FromCommon(rec.Author).String(),
		Tx:      rec.TxHash.Hex(),
		Height:  rec.Height,
	})
}

func (s *Server) internal(w http.ResponseWriter, err error) {
	level := slog.LevelWarn
	if storage.IsFatal(err) {
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "request failed", slog.Any("error", err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func parseHash(s string) (common.Hash, bool) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, false
	}
	return common.BytesToHash(raw), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
