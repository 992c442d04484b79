package repository

import (
	"context"
	"database/sql"
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"

	"arbcore/internal/models"
)

// BacktestRepository - работа с таблицей backtest_results
//
// Назначение: Data Access Layer для результатов replay
//
// Жизненный цикл строки: Create пишет pending-запись (completed=false),
// Finalize заполняет агрегаты и переводит в терминальное состояние
// ровно один раз. Разбивка по символам хранится JSON-колонкой.
type BacktestRepository struct {
	db *sql.DB
}

var backtestJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// NewBacktestRepository создаёт репозиторий
func NewBacktestRepository(db *sql.DB) *BacktestRepository {
	return &BacktestRepository{db: db}
}

// Create пишет pending-запись и проставляет result.ID
func (r *BacktestRepository) Create(ctx context.Context, result *models.BacktestResult) error {
	// nil-слайс ушёл бы как NULL, а колонки symbols/venues NOT NULL
	symbols, venues := result.Symbols, result.Venues
	if symbols == nil {
		symbols = []string{}
	}
	if venues == nil {
		venues = []string{}
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO backtest_results
			(start_time, end_time, duration_seconds,
			 symbols, venues,
			 min_spread_bps, fee_bps, slippage_bps,
			 created_at, completed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false)
		RETURNING id`,
		result.StartTime, result.EndTime, result.DurationSeconds,
		pq.Array(symbols), pq.Array(venues),
		result.MinSpreadBps, result.FeeBps, result.SlippageBps,
		result.CreatedAt,
	).Scan(&result.ID)
	if err != nil {
		return fmt.Errorf("backtest create: %w", err)
	}
	return nil
}

// Finalize переводит запись в терминальное состояние
//
// Вызывается ровно один раз; completed=true проставляется и при
// успехе, и при ошибке (error_message) - pending не остаётся.
func (r *BacktestRepository) Finalize(ctx context.Context, result *models.BacktestResult) error {
	symbolStats, err := backtestJSON.Marshal(result.SymbolStats)
	if err != nil {
		return fmt.Errorf("backtest finalize: marshal symbol stats: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE backtest_results SET
			total_opportunities = $2,
			opportunities_per_minute = $3,
			avg_spread_bps = $4,
			min_spread_bps_found = $5,
			max_spread_bps_found = $6,
			median_spread_bps = $7,
			total_profit_usd = $8,
			avg_profit_per_trade_usd = $9,
			best_trade_profit_usd = $10,
			symbol_stats = $11,
			completed = true,
			error_message = $12,
			recommendation = $13
		WHERE id = $1 AND completed = false`,
		result.ID,
		result.TotalOpportunities, result.OpportunitiesPerMin,
		result.AvgSpreadBps, result.MinSpreadBpsFound,
		result.MaxSpreadBpsFound, result.MedianSpreadBps,
		result.TotalProfitUsd, result.AvgProfitPerTrade, result.BestTradeProfit,
		symbolStats,
		result.ErrorMessage, result.Recommendation)
	if err != nil {
		return fmt.Errorf("backtest finalize: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("backtest finalize: rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("backtest finalize: result %d already finalized", result.ID)
	}

	result.Completed = true
	return nil
}

// GetByID читает запись результата
func (r *BacktestRepository) GetByID(ctx context.Context, id int64) (*models.BacktestResult, error) {
	var result models.BacktestResult
	var symbolStats []byte
	var errorMessage, recommendation sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT id, start_time, end_time, duration_seconds,
		       symbols, venues,
		       min_spread_bps, fee_bps, slippage_bps,
		       total_opportunities, opportunities_per_minute,
		       avg_spread_bps, min_spread_bps_found, max_spread_bps_found, median_spread_bps,
		       total_profit_usd, avg_profit_per_trade_usd, best_trade_profit_usd,
		       symbol_stats, created_at, completed, error_message, recommendation
		FROM backtest_results WHERE id = $1`, id).Scan(
		&result.ID, &result.StartTime, &result.EndTime, &result.DurationSeconds,
		pq.Array(&result.Symbols), pq.Array(&result.Venues),
		&result.MinSpreadBps, &result.FeeBps, &result.SlippageBps,
		&result.TotalOpportunities, &result.OpportunitiesPerMin,
		&result.AvgSpreadBps, &result.MinSpreadBpsFound,
		&result.MaxSpreadBpsFound, &result.MedianSpreadBps,
		&result.TotalProfitUsd, &result.AvgProfitPerTrade, &result.BestTradeProfit,
		&symbolStats, &result.CreatedAt, &result.Completed,
		&errorMessage, &recommendation)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("backtest result %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("backtest get: %w", err)
	}

	result.ErrorMessage = errorMessage.String
	result.Recommendation = recommendation.String

	if len(symbolStats) > 0 {
		if err := backtestJSON.Unmarshal(symbolStats, &result.SymbolStats); err != nil {
			return nil, fmt.Errorf("backtest get: unmarshal symbol stats: %w", err)
		}
	}

	return &result, nil
}
