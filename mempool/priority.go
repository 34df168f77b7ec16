// Package mempool orders pending transactions into a block proposal.
package mempool

import (
	"strconv"

	"ledgercore/core/types"
)

// BPSDenominator is the basis point scale of Quota.
const BPSDenominator = 10_000

// Quota encapsulates how much of a block should be reserved for the priority lane.
type Quota struct {
	ReservationBPS uint32
}

// Normalized returns the configured reservation capped to a valid
// basis-point range. Zero indicates no reservation.
func (q Quota) Normalized() uint32 {
	if q.ReservationBPS > BPSDenominator {
		return BPSDenominator
	}
	return q.ReservationBPS
}

// ReservedSlots computes how many transaction slots should be earmarked for
// the priority lane for a block bounded by maxTxs. Partial slots round up.
func (q Quota) ReservedSlots(maxTxs int) int {
	if maxTxs <= 0 {
		return 0
	}
	reservation := q.Normalized()
	if reservation == 0 {
		return 0
	}
	product := int(reservation) * maxTxs
	slots := product / BPSDenominator
	if product%BPSDenominator != 0 {
		slots++
	}
	if slots > maxTxs {
		return maxTxs
	}
	return slots
}

// Lanes groups transactions into the priority and normal scheduling queues.
type Lanes struct {
	Priority []*types.Transaction
	Normal   []*types.Transaction
}

// Classify separates transactions by target instance. Calls to an instance
// listed in priority go to the priority lane. Relative order is kept.
func Classify(txs []*types.Transaction, priority map[uint32]bool) Lanes {
	lanes := Lanes{Priority: make([]*types.Transaction, 0, len(txs)), Normal: make([]*types.Transaction, 0, len(txs))}
	for _, tx := range txs {
		if tx == nil {
			continue
		}
		if priority[tx.InstanceID] {
			lanes.Priority = append(lanes.Priority, tx)
			continue
		}
		lanes.Normal = append(lanes.Normal, tx)
	}
	return lanes
}

// Usage captures how much of the reserved priority capacity a proposal uses.
type Usage struct {
	// Target is the number of slots reserved for priority transactions.
	Target int
	// Used is the number of priority transactions scheduled inside the
	// reserved window.
	Used int
	// TotalPriority is the total number of pending priority transactions.
	TotalPriority int
	// ByInstance breaks the priority backlog down by instance id.
	ByInstance map[string]int
}

// Schedule interleaves the lanes so that the first maxTxs entries respect the
// reservation. The returned slice holds every transaction with the
// prioritized ordering applied.
func Schedule(lanes Lanes, maxTxs int, quota Quota) ([]*types.Transaction, Usage) {
	total := len(lanes.Priority) + len(lanes.Normal)
	if total == 0 {
		return nil, Usage{}
	}
	if maxTxs <= 0 || maxTxs > total {
		maxTxs = total
	}

	target := quota.ReservedSlots(maxTxs)
	priorityTake := min(target, len(lanes.Priority))
	normalTake := min(maxTxs-priorityTake, len(lanes.Normal))

	// Unused capacity goes to whichever lane still has transactions.
	if remaining := maxTxs - (priorityTake + normalTake); remaining > 0 {
		take := min(remaining, len(lanes.Priority)-priorityTake)
		priorityTake += take
		remaining -= take
		normalTake += min(remaining, len(lanes.Normal)-normalTake)
	}

	ordered := make([]*types.Transaction, 0, total)
	ordered = append(ordered, lanes.Priority[:priorityTake]...)
	ordered = append(ordered, lanes.Normal[:normalTake]...)
	ordered = append(ordered, lanes.Priority[priorityTake:]...)
	ordered = append(ordered, lanes.Normal[normalTake:]...)

	breakdown := make(map[string]int, len(lanes.Priority))
	for _, tx := range lanes.Priority {
		breakdown[strconv.FormatUint(uint64(tx.InstanceID), 10)]++
	}

	return ordered, Usage{
		Target:        target,
		Used:          priorityTake,
		TotalPriority: len(lanes.Priority),
		ByInstance:    breakdown,
	}
}
