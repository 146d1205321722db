package instrument

import "testing"

func TestSpec(t *testing.T) {
	inst, err := Spec("XAU-PERP")
	if err != nil {
		t.Fatalf("Spec failed: %v", err)
	}
	if inst.ContractSize.String() != "0.001" {
		t.Fatalf("expected contract size 0.001, got %s", inst.ContractSize.String())
	}
	if inst.PriceScale != 2 {
		t.Fatalf("expected price scale 2, got %d", inst.PriceScale)
	}
	if !inst.IsPerpetual() {
		t.Fatalf("expected XAU-PERP perpetual")
	}
}

func TestSpecUnknownPair(t *testing.T) {
	if _, err := Spec("BTC-PERP"); err == nil {
		t.Fatalf("expected error for unknown pair")
	}
}

func TestPairs(t *testing.T) {
	pairs := Pairs()
	if len(pairs) != 3 {
		t.Fatalf("expected 3 pairs, got %d", len(pairs))
	}
	perps := Perpetuals()
	if len(perps) != 2 {
		t.Fatalf("expected 2 perpetuals, got %d", len(perps))
	}
	for _, pair := range perps {
		inst, err := Spec(pair)
		if err != nil {
			t.Fatalf("Spec(%s) failed: %v", pair, err)
		}
		if !inst.IsPerpetual() {
			t.Fatalf("expected %s perpetual", pair)
		}
	}
}

func TestMarginRateOrdering(t *testing.T) {
	for _, pair := range Perpetuals() {
		inst, _ := Spec(pair)
		if inst.MaintenanceMarginRate.Cmp(inst.InitialMarginRate) >= 0 {
			t.Fatalf("%s: expected mmr < imr", pair)
		}
	}
}

func TestNotional(t *testing.T) {
	inst, _ := Spec("XAU-PERP")
	// 2850.00 × 0.001 × 10 张 = 28.5
	got := inst.Notional(285000, 10).String()
	if got != "28.5" {
		t.Fatalf("expected 28.5, got %s", got)
	}
}

func TestSpotSpec(t *testing.T) {
	inst, err := Spec("USDT-USDC")
	if err != nil {
		t.Fatalf("Spec failed: %v", err)
	}
	if inst.IsPerpetual() {
		t.Fatalf("expected USDT-USDC spot")
	}
	if inst.PriceScale != 4 {
		t.Fatalf("expected price scale 4, got %d", inst.PriceScale)
	}
}
