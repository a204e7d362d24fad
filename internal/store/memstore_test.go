package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/tradectl/control-plane/pkg/types"
)

func newTestStore() *MemStore {
	return NewMemStore(zap.NewNop())
}

func TestSettingsCASRoundTrip(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	cur, err := s.GetSettings(ctx)
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if cur.Version != 1 {
		t.Fatalf("expected default version 1, got %d", cur.Version)
	}

	next := cur
	next.Version = cur.Version + 1
	next.Mode = types.ModeAutonomous

	updated, err := s.CompareAndSwapSettings(ctx, cur.Version, next, types.SettingsAudit{Version: next.Version, ChangeType: "mode_change"})
	if err != nil {
		t.Fatalf("CAS: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("expected version 2, got %d", updated.Version)
	}

	// Stale CAS must fail.
	_, err = s.CompareAndSwapSettings(ctx, cur.Version, next, types.SettingsAudit{})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	audits, err := s.GetSettingsAudit(ctx, 10)
	if err != nil {
		t.Fatalf("GetSettingsAudit: %v", err)
	}
	if len(audits) != 1 {
		t.Fatalf("expected 1 audit row, got %d", len(audits))
	}
}

func TestCreateOrderIdempotent(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	o := types.ExecutionOrder{ClientOrderID: "abc-123", Symbol: "EURUSD", UserID: "u1"}

	first, created, err := s.CreateOrderIdempotent(ctx, o)
	if err != nil {
		t.Fatalf("CreateOrderIdempotent: %v", err)
	}
	if !created {
		t.Fatal("expected created=true on first insert")
	}

	second, created2, err := s.CreateOrderIdempotent(ctx, o)
	if err != nil {
		t.Fatalf("CreateOrderIdempotent (dup): %v", err)
	}
	if created2 {
		t.Fatal("expected created=false on duplicate client_order_id")
	}
	if second.ID != first.ID {
		t.Fatalf("expected same order id returned, got %s vs %s", second.ID, first.ID)
	}
}

func TestCreateOrderIdempotentConcurrent(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	o := types.ExecutionOrder{ClientOrderID: "concurrent-1", Symbol: "EURUSD", UserID: "u1"}

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			order, _, err := s.CreateOrderIdempotent(ctx, o)
			if err != nil {
				t.Errorf("CreateOrderIdempotent: %v", err)
				return
			}
			ids[i] = order.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[0] {
			t.Fatalf("expected all concurrent creates to observe the same order id, got %v", ids)
		}
	}
}

func TestMutateAccountRiskStateIsSerialized(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.MutateAccountRiskState(ctx, "u1", func(st types.AccountRiskState) (types.AccountRiskState, error) {
				st.TradesToday++
				return st, nil
			})
			if err != nil {
				t.Errorf("MutateAccountRiskState: %v", err)
			}
		}()
	}
	wg.Wait()

	final, err := s.GetAccountRiskState(ctx, "u1")
	if err != nil {
		t.Fatalf("GetAccountRiskState: %v", err)
	}
	if final.TradesToday != 50 {
		t.Fatalf("expected TradesToday=50 under concurrent serialized mutation, got %d", final.TradesToday)
	}
}

func TestJournalEntryAppendOnly(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	j := types.JournalEntry{StrategyName: "NBB", Symbol: "EURUSD", UserID: "u1"}
	entry, err := s.AppendJournalEntry(ctx, j)
	if err != nil {
		t.Fatalf("AppendJournalEntry: %v", err)
	}
	if entry.ID == "" || entry.EntryUID == "" {
		t.Fatal("expected generated ID and EntryUID")
	}

	entries, err := s.ListJournalEntries(ctx, "NBB", "EURUSD", entry.ClosedAt)
	if err != nil {
		t.Fatalf("ListJournalEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 journal entry, got %d", len(entries))
	}
}

func TestMutateOrderAppendsExecutionLog(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	o, _, err := s.CreateOrderIdempotent(ctx, types.ExecutionOrder{ClientOrderID: "co-1", Status: types.OrderStatusPending, UserID: "u1"})
	if err != nil {
		t.Fatalf("CreateOrderIdempotent: %v", err)
	}

	_, err = s.MutateOrder(ctx, o.ID, func(cur types.ExecutionOrder) (types.ExecutionOrder, *types.ExecutionLog, error) {
		old := cur.Status
		cur.Status = types.OrderStatusSubmitted
		return cur, &types.ExecutionLog{OrderID: cur.ID, OldStatus: old, NewStatus: cur.Status, EventType: "submit_ok"}, nil
	})
	if err != nil {
		t.Fatalf("MutateOrder: %v", err)
	}

	logs, err := s.ListExecutionLog(ctx, o.ID)
	if err != nil {
		t.Fatalf("ListExecutionLog: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 execution log row, got %d", len(logs))
	}
	if logs[0].OldStatus != types.OrderStatusPending || logs[0].NewStatus != types.OrderStatusSubmitted {
		t.Fatalf("unexpected log transition: %+v", logs[0])
	}
}
