package mempool

import (
	"testing"

	"ledgercore/core/types"
)

func txs(instances ...uint32) []*types.Transaction {
	out := make([]*types.Transaction, len(instances))
	for i, id := range instances {
		out[i] = &types.Transaction{InstanceID: id, Nonce: uint64(i)}
	}
	return out
}

func TestQuotaReservedSlots(t *testing.T) {
	cases := []struct {
		bps    uint32
		max    int
		expect int
	}{
		{0, 10, 0},
		{1000, 10, 1},
		{1500, 10, 2},
		{10_000, 4, 4},
		{20_000, 4, 4},
		{5000, 0, 0},
	}
	for _, tc := range cases {
		if got := (Quota{ReservationBPS: tc.bps}).ReservedSlots(tc.max); got != tc.expect {
			t.Fatalf("bps=%d max=%d: expected %d slots, got %d", tc.bps, tc.max, tc.expect, got)
		}
	}
}

func TestScheduleReservesPriorityWindow(t *testing.T) {
	pending := txs(1, 1, 1, 2, 2, 1)
	lanes := Classify(pending, map[uint32]bool{2: true})
	if len(lanes.Priority) != 2 || len(lanes.Normal) != 4 {
		t.Fatalf("unexpected lanes: %d priority, %d normal", len(lanes.Priority), len(lanes.Normal))
	}

	ordered, usage := Schedule(lanes, 4, Quota{ReservationBPS: 5000})
	if len(ordered) != len(pending) {
		t.Fatalf("expected every transaction back, got %d", len(ordered))
	}
	if usage.Target != 2 || usage.Used != 2 || usage.TotalPriority != 2 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
	if ordered[0].InstanceID != 2 || ordered[1].InstanceID != 2 {
		t.Fatalf("priority transactions must lead the proposal")
	}
	if ordered[2].Nonce != 0 || ordered[3].Nonce != 1 {
		t.Fatalf("normal lane order not preserved")
	}
	if usage.ByInstance["2"] != 2 {
		t.Fatalf("unexpected breakdown: %v", usage.ByInstance)
	}
}

func TestScheduleFillsUnusedReservation(t *testing.T) {
	lanes := Classify(txs(1, 1, 1, 1), map[uint32]bool{2: true})
	ordered, usage := Schedule(lanes, 3, Quota{ReservationBPS: 5000})
	if usage.Used != 0 {
		t.Fatalf("expected no priority usage, got %d", usage.Used)
	}
	if len(ordered) != 4 {
		t.Fatalf("expected 4 transactions, got %d", len(ordered))
	}

	ordered, usage = Schedule(Classify(txs(2, 2, 2, 1), map[uint32]bool{2: true}), 3, Quota{ReservationBPS: 3000})
	if usage.Target != 1 || usage.Used != 2 {
		t.Fatalf("expected spare capacity to go to priority lane, got %+v", usage)
	}
	if ordered[2].InstanceID != 1 {
		t.Fatalf("normal transaction must be inside the window")
	}
}

func TestScheduleEmpty(t *testing.T) {
	ordered, usage := Schedule(Lanes{}, 10, Quota{ReservationBPS: 1000})
	if ordered != nil || usage.Target != 0 {
		t.Fatalf("expected empty schedule")
	}
}
