package bot

import (
	"math"
	"testing"
	"time"
)

// ============================================================
// Params Tests
// ============================================================

func TestDefaultParamsValid(t *testing.T) {
	if err := DefaultParams().Validate(); err != nil {
		t.Fatalf("default params invalid: %v", err)
	}
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
		ok     bool
	}{
		{"defaults", func(p *Params) {}, true},
		{"zero min spread", func(p *Params) { p.MinSpreadBps = 0 }, true},
		{"negative min spread", func(p *Params) { p.MinSpreadBps = -1 }, false},
		{"negative fee", func(p *Params) { p.FeeBps = -0.1 }, false},
		{"negative slippage", func(p *Params) { p.SlippageBps = -0.1 }, false},
		{"zero notional", func(p *Params) { p.NotionalUsd = 0 }, false},
		{"zero position cap", func(p *Params) { p.PositionCapUsd = 0 }, false},
		{"negative qty step", func(p *Params) { p.QtyStep = -1 }, false},
		{"zero freshness", func(p *Params) { p.FreshnessWindow = 0 }, false},
		{"NaN fee", func(p *Params) { p.FeeBps = math.NaN() }, false},
		{"Inf notional", func(p *Params) { p.NotionalUsd = math.Inf(1) }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultParams()
			tt.mutate(&p)
			err := p.Validate()
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

// ============================================================
// ParamStore Tests
// ============================================================

func TestParamStoreRejectKeepsPrevious(t *testing.T) {
	s, err := NewParamStore(DefaultParams())
	if err != nil {
		t.Fatalf("NewParamStore: %v", err)
	}

	bad := DefaultParams()
	bad.FeeBps = -5
	if err := s.Store(bad); err == nil {
		t.Fatal("expected rejection of negative fee")
	}

	// Предыдущий набор остался действующим
	if got := s.Load(); got.FeeBps != DefaultParams().FeeBps {
		t.Errorf("fee_bps = %v after rejected update, want %v", got.FeeBps, DefaultParams().FeeBps)
	}
}

func TestParamStoreApplyPatch(t *testing.T) {
	s, _ := NewParamStore(DefaultParams())

	patch, err := ParseParamsPatch([]byte(`{"min_spread_bps": 5.5, "freshness_ms": 250}`))
	if err != nil {
		t.Fatalf("ParseParamsPatch: %v", err)
	}
	if err := s.Apply(patch); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got := s.Load()
	if got.MinSpreadBps != 5.5 {
		t.Errorf("min_spread_bps = %v, want 5.5", got.MinSpreadBps)
	}
	if got.FreshnessWindow != 250*time.Millisecond {
		t.Errorf("freshness = %v, want 250ms", got.FreshnessWindow)
	}
	// Незатронутые поля сохранены
	if got.FeeBps != DefaultParams().FeeBps {
		t.Errorf("fee_bps = %v, want unchanged", got.FeeBps)
	}
}

func TestParamStoreApplyInvalidPatch(t *testing.T) {
	s, _ := NewParamStore(DefaultParams())

	patch, err := ParseParamsPatch([]byte(`{"fee_bps": -10}`))
	if err != nil {
		t.Fatalf("ParseParamsPatch: %v", err)
	}
	if err := s.Apply(patch); err == nil {
		t.Fatal("expected rejection")
	}

	if got := s.Load(); got.FeeBps != DefaultParams().FeeBps {
		t.Error("rejected patch mutated params")
	}
}

func TestParseParamsPatchMalformed(t *testing.T) {
	if _, err := ParseParamsPatch([]byte(`{not json`)); err == nil {
		t.Fatal("expected parse error")
	}
}
