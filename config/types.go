package config

// Telemetry controls OTLP export.
type Telemetry struct {
	Endpoint string            `toml:"Endpoint"`
	Insecure bool              `toml:"Insecure"`
	Headers  map[string]string `toml:"Headers,omitempty"`
	Traces   bool              `toml:"Traces"`
	Metrics  bool              `toml:"Metrics"`
}

// Mempool controls how pending transactions are ordered into proposals.
type Mempool struct {
	// MaxBlockTxs bounds a proposal. Zero means no bound.
	MaxBlockTxs int `toml:"MaxBlockTxs"`
	// PriorityInstances lists service instances whose calls are scheduled
	// into the reserved window first.
	PriorityInstances []uint32 `toml:"PriorityInstances"`
	// ReservationBPS is the share of the proposal reserved for priority
	// instances, in basis points.
	ReservationBPS uint32 `toml:"ReservationBPS"`
}

// Priority returns PriorityInstances as a set.
func (m Mempool) Priority() map[uint32]bool {
	set := make(map[uint32]bool, len(m.PriorityInstances))
	for _, id := range m.PriorityInstances {
		set[id] = true
	}
	return set
}

// Services configures the built-in service instances.
type Services struct {
	// WalletInitialBalance is credited to wallets on creation. Zero keeps
	// the service default.
	WalletInitialBalance uint64 `toml:"WalletInitialBalance"`
	// IssueMaxAmountPerEpoch caps wallet issuance per account and epoch.
	// Zero disables the quota.
	IssueMaxAmountPerEpoch uint64 `toml:"IssueMaxAmountPerEpoch"`
	IssueEpochBlocks       uint64 `toml:"IssueEpochBlocks"`
	// TimestampFee enables paid timestamps when non-zero.
	TimestampFee uint64 `toml:"TimestampFee"`
}

// API configures the HTTP query and submission server. An empty
// ListenAddress disables it.
type API struct {
	ListenAddress string `toml:"ListenAddress"`
	// SubmitPerMinute and SubmitBurst bound transaction submissions per
	// client. Zero disables the limit.
	SubmitPerMinute float64 `toml:"SubmitPerMinute"`
	SubmitBurst     int     `toml:"SubmitBurst"`
}
