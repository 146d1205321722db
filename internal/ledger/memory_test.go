package ledger

import (
	"context"
	"testing"
)

func TestCheckDeposit(t *testing.T) {
	// 单笔上限 5
	if err := CheckDeposit(6_000_000, 0); !IsDepositLimit(err) {
		t.Fatalf("expected deposit limit error for 6, got %v", err)
	}
	if err := CheckDeposit(0, 0); !IsDepositLimit(err) {
		t.Fatalf("expected deposit limit error for 0, got %v", err)
	}
	if err := CheckDeposit(-1, 0); !IsDepositLimit(err) {
		t.Fatalf("expected deposit limit error for negative, got %v", err)
	}
	// 余额 0.50 时入 5 允许
	if err := CheckDeposit(5_000_000, 500_000); err != nil {
		t.Fatalf("expected deposit allowed, got %v", err)
	}
	// 总余额达到 1 后不再允许
	if err := CheckDeposit(1_000_000, 1_000_000); !IsDepositNotEligible(err) {
		t.Fatalf("expected not eligible, got %v", err)
	}
	// 边界：总余额 0.999999 仍允许
	if err := CheckDeposit(1, 999_999); err != nil {
		t.Fatalf("expected allowed at 0.999999, got %v", err)
	}
}

func TestMemoryDeposit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	txn, err := s.Deposit(ctx, 1, "USDT", 5_000_000)
	if err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if txn.BalanceAfter != 5_000_000 {
		t.Fatalf("expected balance 5, got %d", txn.BalanceAfter)
	}

	// 余额已超 1，再入金被拒
	if _, err := s.Deposit(ctx, 1, "USDT", 1); !IsDepositNotEligible(err) {
		t.Fatalf("expected not eligible, got %v", err)
	}

	// 资格按全币种总余额判断
	if _, err := s.Deposit(ctx, 1, "USDC", 1_000_000); !IsDepositNotEligible(err) {
		t.Fatalf("expected not eligible across currencies, got %v", err)
	}
}

func TestMemoryApplyAtomic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Deposit(ctx, 1, "USDT", 900_000); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	// 第二条超扣，整批失败
	err := s.Apply(ctx, []*Entry{
		{UserID: 1, Currency: "USDT", AvailableDelta: -500_000, FrozenDelta: 500_000, Kind: KindFreeze},
		{UserID: 1, Currency: "USDT", AvailableDelta: -500_000, FrozenDelta: 500_000, Kind: KindFreeze},
	})
	if err != ErrInsufficientBalance {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	b, _ := s.Balance(ctx, 1, "USDT")
	if b.Available != 900_000 || b.Frozen != 0 {
		t.Fatalf("expected balance unchanged after failed batch, got %+v", b)
	}
}

func TestMemoryApplyFreezeRelease(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Deposit(ctx, 1, "USDT", 900_000); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	if err := s.Apply(ctx, []*Entry{
		{UserID: 1, Currency: "USDT", AvailableDelta: -600_000, FrozenDelta: 600_000, Kind: KindFreeze, RefID: "o1"},
	}); err != nil {
		t.Fatalf("freeze failed: %v", err)
	}

	b, _ := s.Balance(ctx, 1, "USDT")
	if b.Available != 300_000 || b.Frozen != 600_000 {
		t.Fatalf("expected 300000/600000, got %d/%d", b.Available, b.Frozen)
	}
	if b.Total() != 900_000 {
		t.Fatalf("expected total unchanged, got %d", b.Total())
	}

	if err := s.Apply(ctx, []*Entry{
		{UserID: 1, Currency: "USDT", AvailableDelta: 600_000, FrozenDelta: -600_000, Kind: KindRelease, RefID: "o1"},
	}); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	b, _ = s.Balance(ctx, 1, "USDT")
	if b.Available != 900_000 || b.Frozen != 0 {
		t.Fatalf("expected full release, got %d/%d", b.Available, b.Frozen)
	}
}

func TestMemoryApplyCrossUser(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Deposit(ctx, 1, "USDT", 800_000); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}

	// 单批内跨用户划转
	if err := s.Apply(ctx, []*Entry{
		{UserID: 1, Currency: "USDT", AvailableDelta: -100_000, Kind: KindTrade, RefID: "t1"},
		{UserID: 2, Currency: "USDT", AvailableDelta: 100_000, Kind: KindTrade, RefID: "t1"},
	}); err != nil {
		t.Fatalf("cross-user apply failed: %v", err)
	}

	b2, _ := s.Balance(ctx, 2, "USDT")
	if b2.Available != 100_000 {
		t.Fatalf("expected user 2 credited, got %d", b2.Available)
	}
}

func TestMemoryEntriesRecorded(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Deposit(ctx, 1, "USDT", 500_000); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if err := s.Apply(ctx, []*Entry{
		{UserID: 1, Currency: "USDT", AvailableDelta: -100_000, FrozenDelta: 100_000, Kind: KindFreeze},
	}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	entries := s.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Kind != KindDeposit || entries[1].Kind != KindFreeze {
		t.Fatalf("unexpected entry kinds: %s, %s", entries[0].Kind, entries[1].Kind)
	}
	if entries[1].AvailableAfter != 400_000 || entries[1].FrozenAfter != 100_000 {
		t.Fatalf("expected after balances 400000/100000, got %d/%d",
			entries[1].AvailableAfter, entries[1].FrozenAfter)
	}
}
