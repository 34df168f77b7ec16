package config

import (
	"fmt"
	"strings"

	"ledgercore/observability/logging"
	"ledgercore/storage"
)

// MaxReservationBPS caps Mempool.ReservationBPS.
const MaxReservationBPS = 10_000

// Validate rejects settings the node cannot start with.
func (c *Config) Validate() error {
	switch c.Backend {
	case storage.BackendMemory:
	case storage.BackendLevelDB, storage.BackendBolt:
		if strings.TrimSpace(c.DataDir) == "" {
			return fmt.Errorf("config: backend %s requires DataDir", c.Backend)
		}
	default:
		return fmt.Errorf("config: %w: %q", storage.ErrUnknownBackend, c.Backend)
	}
	if c.MaxCallDepth <= 0 {
		return fmt.Errorf("config: MaxCallDepth must be positive")
	}
	if c.Mempool.ReservationBPS > MaxReservationBPS {
		return fmt.Errorf("config: mempool ReservationBPS %d exceeds %d", c.Mempool.ReservationBPS, MaxReservationBPS)
	}
	if c.Mempool.MaxBlockTxs < 0 {
		return fmt.Errorf("config: mempool MaxBlockTxs must not be negative")
	}
	if c.Services.IssueMaxAmountPerEpoch > 0 && c.Services.IssueEpochBlocks == 0 {
		return fmt.Errorf("config: services IssueEpochBlocks must be set with an issue quota")
	}
	if c.API.SubmitPerMinute < 0 || c.API.SubmitBurst < 0 {
		return fmt.Errorf("config: api submit limits must not be negative")
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
