package backtest

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"arbcore/internal/bot"
	"arbcore/internal/models"
	"arbcore/pkg/utils"
)

// fakeSource отдаёт заготовленные снапшоты
type fakeSource struct {
	snaps []models.OrderbookSnapshot
	err   error
	calls int
}

func (f *fakeSource) GetWindow(_ context.Context, start, end time.Time, symbols, venues []string) ([]models.OrderbookSnapshot, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}

	inSet := func(set []string, v string) bool {
		if len(set) == 0 {
			return true
		}
		for _, s := range set {
			if s == v {
				return true
			}
		}
		return false
	}

	var out []models.OrderbookSnapshot
	for _, s := range f.snaps {
		if s.TsWall.Before(start) || s.TsWall.After(end) {
			continue
		}
		if !inSet(symbols, s.Symbol) || !inSet(venues, s.Venue) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// fakeResults отслеживает жизненный цикл pending → terminal
type fakeResults struct {
	created   int
	finalized int
}

func (f *fakeResults) Create(_ context.Context, r *models.BacktestResult) error {
	f.created++
	r.ID = int64(f.created)
	return nil
}

func (f *fakeResults) Finalize(_ context.Context, r *models.BacktestResult) error {
	if !r.Completed {
		return errors.New("finalize called on pending result")
	}
	f.finalized++
	return nil
}

func testEngine(source SnapshotSource, results ResultStore) *Engine {
	defaults := func() bot.SpreadParams {
		return bot.SpreadParams{MinSpreadBps: 3, FeeBps: 10, SlippageBps: 2}
	}
	return NewEngine(source, results, defaults, utils.InitLogger(utils.LogConfig{Level: "error"}))
}

func snap(venue, symbol string, bid, ask float64, wall time.Time) models.OrderbookSnapshot {
	return models.OrderbookSnapshot{
		Venue:  venue,
		Symbol: symbol,
		Bid:    bid,
		Ask:    ask,
		BidQty: 1,
		AskQty: 1,
		TsWall: wall,
		TsNs:   wall.UnixNano(),
	}
}

var windowStart = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// ============================================================
// Базовый реплей
// ============================================================

func TestBacktestFindsCross(t *testing.T) {
	source := &fakeSource{snaps: []models.OrderbookSnapshot{
		// Один бакет, профитный кросс (как сценарий live-детектора)
		snap("binance", "BTCUSDT", 30000, 30010, windowStart),
		snap("bybit", "BTCUSDT", 30100, 30125, windowStart.Add(10*time.Millisecond)),
	}}
	results := &fakeResults{}
	e := testEngine(source, results)

	result, err := e.Run(context.Background(), Request{
		Start: windowStart.Add(-time.Minute),
		End:   windowStart.Add(9 * time.Minute),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !result.Completed {
		t.Error("result not completed")
	}
	if result.ErrorMessage != "" {
		t.Errorf("error_message = %q", result.ErrorMessage)
	}
	if result.TotalOpportunities != 1 {
		t.Fatalf("total_opportunities = %d, want 1", result.TotalOpportunities)
	}

	// net ≈ (90/30010)*10000 - 22 ≈ 7.99 bps; прибыль $100 notional
	wantNet := (30100.0-30010.0)/30010.0*10000.0 - 22.0
	wantProfit := wantNet / 10000.0 * 100.0
	if diff := result.TotalProfitUsd - wantProfit; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("total_profit = %v, want %v", result.TotalProfitUsd, wantProfit)
	}

	// duration 10 минут → 0.1 opps/min
	if result.OpportunitiesPerMin != 0.1 {
		t.Errorf("opps_per_minute = %v, want 0.1", result.OpportunitiesPerMin)
	}

	if results.created != 1 || results.finalized != 1 {
		t.Errorf("lifecycle: created=%d finalized=%d, want 1/1", results.created, results.finalized)
	}

	st, ok := result.SymbolStats["BTCUSDT"]
	if !ok {
		t.Fatal("missing symbol stats")
	}
	if st.Opportunities != 1 {
		t.Errorf("symbol opportunities = %d, want 1", st.Opportunities)
	}
}

func TestBacktestUnprofitableCrossNotCounted(t *testing.T) {
	source := &fakeSource{snaps: []models.OrderbookSnapshot{
		// gross ≈ 6.66 bps < fee+slip: ниже порога
		snap("binance", "BTCUSDT", 30000, 30010, windowStart),
		snap("bybit", "BTCUSDT", 30020, 30025, windowStart.Add(10*time.Millisecond)),
	}}
	e := testEngine(source, nil)

	result, err := e.Run(context.Background(), Request{
		Start: windowStart.Add(-time.Minute),
		End:   windowStart.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.TotalOpportunities != 0 {
		t.Errorf("total_opportunities = %d, want 0", result.TotalOpportunities)
	}
}

// ============================================================
// Бакетирование
// ============================================================

func TestBacktestBucketKeepsLatest(t *testing.T) {
	// Два снапшота binance в ОДНОМ 100ms бакете: старый профитный,
	// новый нет - кросс обязан считаться по последнему
	source := &fakeSource{snaps: []models.OrderbookSnapshot{
		snap("binance", "BTCUSDT", 30000, 30010, windowStart),
		snap("bybit", "BTCUSDT", 30100, 30125, windowStart.Add(20*time.Millisecond)),
		snap("binance", "BTCUSDT", 30090, 30099, windowStart.Add(40*time.Millisecond)),
	}}
	e := testEngine(source, nil)

	result, err := e.Run(context.Background(), Request{
		Start: windowStart.Add(-time.Minute),
		End:   windowStart.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// По последнему binance (ask 30099): gross = (1/30099)*1e4 ≈ 0.33 - не профит
	if result.TotalOpportunities != 0 {
		t.Errorf("total_opportunities = %d, want 0 (latest snapshot wins)", result.TotalOpportunities)
	}
}

func TestBacktestSeparateBucketsCountSeparately(t *testing.T) {
	// Один и тот же кросс в двух разных бакетах = две возможности
	source := &fakeSource{snaps: []models.OrderbookSnapshot{
		snap("binance", "BTCUSDT", 30000, 30010, windowStart),
		snap("bybit", "BTCUSDT", 30100, 30125, windowStart.Add(10*time.Millisecond)),
		snap("binance", "BTCUSDT", 30000, 30010, windowStart.Add(200*time.Millisecond)),
		snap("bybit", "BTCUSDT", 30100, 30125, windowStart.Add(210*time.Millisecond)),
	}}
	e := testEngine(source, nil)

	result, err := e.Run(context.Background(), Request{
		Start: windowStart.Add(-time.Minute),
		End:   windowStart.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if result.TotalOpportunities != 2 {
		t.Errorf("total_opportunities = %d, want 2", result.TotalOpportunities)
	}
}

func TestBacktestSingleVenueBucketSkipped(t *testing.T) {
	source := &fakeSource{snaps: []models.OrderbookSnapshot{
		snap("binance", "BTCUSDT", 30000, 30010, windowStart),
	}}
	e := testEngine(source, nil)

	result, err := e.Run(context.Background(), Request{
		Start: windowStart.Add(-time.Minute),
		End:   windowStart.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.TotalOpportunities != 0 {
		t.Errorf("total_opportunities = %d, want 0 (single venue)", result.TotalOpportunities)
	}
}

// ============================================================
// Пустое окно
// ============================================================

func TestBacktestEmptyWindow(t *testing.T) {
	source := &fakeSource{snaps: []models.OrderbookSnapshot{
		// Данные только ВНЕ окна
		snap("binance", "BTCUSDT", 30000, 30010, windowStart.Add(-2*time.Hour)),
	}}
	results := &fakeResults{}
	e := testEngine(source, results)

	result, err := e.Run(context.Background(), Request{
		Start: windowStart,
		End:   windowStart.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !result.Completed {
		t.Error("result must be completed")
	}
	if result.TotalOpportunities != 0 {
		t.Errorf("total_opportunities = %d, want 0", result.TotalOpportunities)
	}
	if result.OpportunitiesPerMin != 0 {
		t.Errorf("opps_per_minute = %v, want 0", result.OpportunitiesPerMin)
	}
	if result.ErrorMessage != "" {
		t.Errorf("error_message = %q, want empty", result.ErrorMessage)
	}
	if !strings.HasPrefix(result.Recommendation, models.RecommendationNotProfitable) {
		t.Errorf("recommendation = %q, want prefix %q",
			result.Recommendation, models.RecommendationNotProfitable)
	}
	if results.finalized != 1 {
		t.Error("result left pending")
	}
}

// ============================================================
// Детерминизм
// ============================================================

func TestBacktestDeterministic(t *testing.T) {
	snaps := []models.OrderbookSnapshot{
		snap("binance", "BTCUSDT", 30000, 30010, windowStart),
		snap("bybit", "BTCUSDT", 30100, 30125, windowStart.Add(10*time.Millisecond)),
		snap("okx", "BTCUSDT", 30050, 30060, windowStart.Add(20*time.Millisecond)),
		snap("binance", "ETHUSDT", 2000, 2001, windowStart.Add(30*time.Millisecond)),
		snap("bybit", "ETHUSDT", 2010, 2011, windowStart.Add(40*time.Millisecond)),
		snap("okx", "ETHUSDT", 2005, 2006, windowStart.Add(250*time.Millisecond)),
		snap("binance", "ETHUSDT", 1990, 1991, windowStart.Add(260*time.Millisecond)),
	}
	req := Request{
		Start: windowStart.Add(-time.Minute),
		End:   windowStart.Add(time.Hour),
	}

	run := func() *models.BacktestResult {
		e := testEngine(&fakeSource{snaps: snaps}, nil)
		result, err := e.Run(context.Background(), req)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		// Метаданные времени создания вне сравнения
		result.CreatedAt = time.Time{}
		return result
	}

	first := run()
	second := run()

	if !reflect.DeepEqual(first, second) {
		t.Errorf("non-deterministic backtest:\n first  %+v\n second %+v", first, second)
	}
}

// ============================================================
// Ошибки
// ============================================================

func TestBacktestSourceErrorCompletesWithMessage(t *testing.T) {
	source := &fakeSource{err: errors.New("connection refused")}
	results := &fakeResults{}
	e := testEngine(source, results)

	result, err := e.Run(context.Background(), Request{
		Start: windowStart,
		End:   windowStart.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Run must not fail the call: %v", err)
	}

	if !result.Completed {
		t.Error("failed result must still be completed (no pending state)")
	}
	if result.ErrorMessage == "" {
		t.Error("error_message empty for failed replay")
	}
	if results.finalized != 1 {
		t.Error("failed result not finalized")
	}
}

func TestBacktestCancellationBetweenBuckets(t *testing.T) {
	var snaps []models.OrderbookSnapshot
	for i := 0; i < 100; i++ {
		ts := windowStart.Add(time.Duration(i) * 200 * time.Millisecond)
		snaps = append(snaps, snap("binance", "BTCUSDT", 30000, 30010, ts))
		snaps = append(snaps, snap("bybit", "BTCUSDT", 30100, 30125, ts.Add(10*time.Millisecond)))
	}
	source := &fakeSource{snaps: snaps}
	e := testEngine(source, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // отменён до начала

	result, err := e.Run(ctx, Request{
		Start: windowStart.Add(-time.Minute),
		End:   windowStart.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Прерывание зафиксировано в результате, не в вызове
	if !result.Completed {
		t.Error("cancelled result must be completed")
	}
	if result.ErrorMessage == "" {
		t.Error("cancelled replay must set error_message")
	}
}

// ============================================================
// Параметры
// ============================================================

func TestBacktestParamOverrides(t *testing.T) {
	snaps := []models.OrderbookSnapshot{
		snap("binance", "BTCUSDT", 30000, 30010, windowStart),
		snap("bybit", "BTCUSDT", 30100, 30125, windowStart.Add(10*time.Millisecond)),
	}
	req := Request{
		Start: windowStart.Add(-time.Minute),
		End:   windowStart.Add(time.Minute),
	}

	// С дефолтами (min=3) кросс профитный
	e := testEngine(&fakeSource{snaps: snaps}, nil)
	result, _ := e.Run(context.Background(), req)
	if result.TotalOpportunities != 1 {
		t.Fatalf("baseline opportunities = %d, want 1", result.TotalOpportunities)
	}

	// Переопределяем min_spread_bps порогом выше net (~7.99)
	minOverride := 50.0
	req.MinSpreadBps = &minOverride
	e = testEngine(&fakeSource{snaps: snaps}, nil)
	result, _ = e.Run(context.Background(), req)
	if result.TotalOpportunities != 0 {
		t.Errorf("opportunities = %d with min=50, want 0", result.TotalOpportunities)
	}
	if result.MinSpreadBps != 50 {
		t.Errorf("result min_spread_bps = %v, want override 50", result.MinSpreadBps)
	}
}

// ============================================================
// Round-trip с live-детектором (общие правила)
// ============================================================

func TestBacktestMatchesLiveDetection(t *testing.T) {
	// Те же котировки через правила live-детектора и через реплей
	// обязаны дать одинаковое число возможностей
	quotes := []bot.VenueQuote{
		{VenueID: 0, Venue: "binance", Quote: bot.Quote{Bid: 30000, Ask: 30010, BidQty: 1, AskQty: 1}},
		{VenueID: 1, Venue: "bybit", Quote: bot.Quote{Bid: 30100, Ask: 30125, BidQty: 1, AskQty: 1}},
	}
	params := bot.SpreadParams{MinSpreadBps: 3, FeeBps: 10, SlippageBps: 2}

	_, liveFound, err := bot.DetectCross("BTCUSDT", quotes, params, 0)
	if err != nil {
		t.Fatalf("DetectCross: %v", err)
	}

	source := &fakeSource{snaps: []models.OrderbookSnapshot{
		snap("binance", "BTCUSDT", 30000, 30010, windowStart),
		snap("bybit", "BTCUSDT", 30100, 30125, windowStart.Add(10*time.Millisecond)),
	}}
	e := testEngine(source, nil)
	result, err := e.Run(context.Background(), Request{
		Start: windowStart.Add(-time.Minute),
		End:   windowStart.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	liveCount := 0
	if liveFound {
		liveCount = 1
	}
	if result.TotalOpportunities != liveCount {
		t.Errorf("replay found %d, live found %d", result.TotalOpportunities, liveCount)
	}
}
