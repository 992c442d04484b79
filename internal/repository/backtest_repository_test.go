package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"arbcore/internal/models"
)

// ============================================================
// BacktestRepository Tests
// ============================================================

func pendingResult() *models.BacktestResult {
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	return &models.BacktestResult{
		StartTime:       start,
		EndTime:         start.Add(time.Hour),
		DurationSeconds: 3600,
		Symbols:         []string{"BTCUSDT", "ETHUSDT"},
		Venues:          []string{"binance", "bybit"},
		MinSpreadBps:    3,
		FeeBps:          10,
		SlippageBps:     2,
		CreatedAt:       start.Add(time.Hour + time.Minute),
	}
}

func TestBacktestRepositoryCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	result := pendingResult()

	mock.ExpectQuery(`INSERT INTO backtest_results`).
		WithArgs(result.StartTime, result.EndTime, result.DurationSeconds,
			sqlmock.AnyArg(), sqlmock.AnyArg(),
			result.MinSpreadBps, result.FeeBps, result.SlippageBps,
			result.CreatedAt).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	repo := NewBacktestRepository(db)
	if err := repo.Create(context.Background(), result); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if result.ID != 7 {
		t.Errorf("id = %d, want 7", result.ID)
	}
	if result.Completed {
		t.Error("created result must be pending")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestBacktestRepositoryFinalize(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	result := pendingResult()
	result.ID = 7
	result.TotalOpportunities = 12
	result.OpportunitiesPerMin = 0.2
	result.AvgSpreadBps = 5.5
	result.MinSpreadBpsFound = 3.1
	result.MaxSpreadBpsFound = 9.9
	result.MedianSpreadBps = 5.0
	result.TotalProfitUsd = 0.66
	result.AvgProfitPerTrade = 0.055
	result.BestTradeProfit = 0.099
	result.SymbolStats = map[string]models.SymbolStat{
		"BTCUSDT": {Opportunities: 12, AvgSpreadBps: 5.5, TotalProfitUsd: 0.66},
	}
	result.Recommendation = "moderate: 0.20 opportunities/minute"

	mock.ExpectExec(`UPDATE backtest_results SET`).
		WithArgs(result.ID,
			result.TotalOpportunities, result.OpportunitiesPerMin,
			result.AvgSpreadBps, result.MinSpreadBpsFound,
			result.MaxSpreadBpsFound, result.MedianSpreadBps,
			result.TotalProfitUsd, result.AvgProfitPerTrade, result.BestTradeProfit,
			sqlmock.AnyArg(), // symbol_stats JSON
			result.ErrorMessage, result.Recommendation).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewBacktestRepository(db)
	if err := repo.Finalize(context.Background(), result); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	if !result.Completed {
		t.Error("finalized result must be completed")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestBacktestRepositoryFinalizeTwiceRejected(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	result := pendingResult()
	result.ID = 7

	// completed=false в WHERE: повторная финализация не находит строку
	mock.ExpectExec(`UPDATE backtest_results SET`).
		WithArgs(result.ID,
			result.TotalOpportunities, result.OpportunitiesPerMin,
			result.AvgSpreadBps, result.MinSpreadBpsFound,
			result.MaxSpreadBpsFound, result.MedianSpreadBps,
			result.TotalProfitUsd, result.AvgProfitPerTrade, result.BestTradeProfit,
			sqlmock.AnyArg(),
			result.ErrorMessage, result.Recommendation).
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewBacktestRepository(db)
	if err := repo.Finalize(context.Background(), result); err == nil {
		t.Fatal("expected error for double finalize")
	}
}

func TestBacktestRepositoryGetByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "start_time", "end_time", "duration_seconds",
		"symbols", "venues",
		"min_spread_bps", "fee_bps", "slippage_bps",
		"total_opportunities", "opportunities_per_minute",
		"avg_spread_bps", "min_spread_bps_found", "max_spread_bps_found", "median_spread_bps",
		"total_profit_usd", "avg_profit_per_trade_usd", "best_trade_profit_usd",
		"symbol_stats", "created_at", "completed", "error_message", "recommendation",
	}).AddRow(
		7, start, start.Add(time.Hour), 3600,
		`{BTCUSDT}`, `{binance,bybit}`,
		3.0, 10.0, 2.0,
		12, 0.2,
		5.5, 3.1, 9.9, 5.0,
		0.66, 0.055, 0.099,
		[]byte(`{"BTCUSDT":{"opportunities":12,"avg_spread_bps":5.5,"total_profit_usd":0.66}}`),
		start.Add(time.Hour), true, nil, "moderate: 0.20 opportunities/minute",
	)

	mock.ExpectQuery(`SELECT id, start_time, end_time`).
		WithArgs(int64(7)).
		WillReturnRows(rows)

	repo := NewBacktestRepository(db)
	result, err := repo.GetByID(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}

	if result.TotalOpportunities != 12 {
		t.Errorf("total_opportunities = %d, want 12", result.TotalOpportunities)
	}
	if !result.Completed {
		t.Error("completed = false")
	}
	if result.ErrorMessage != "" {
		t.Errorf("error_message = %q, want empty", result.ErrorMessage)
	}
	if got := result.SymbolStats["BTCUSDT"].Opportunities; got != 12 {
		t.Errorf("symbol stats opportunities = %d, want 12", got)
	}
}
