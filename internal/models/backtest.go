package models

import "time"

// SymbolStat - разбивка backtest-результата по символу
type SymbolStat struct {
	Opportunities  int     `json:"opportunities"`
	AvgSpreadBps   float64 `json:"avg_spread_bps"`
	TotalProfitUsd float64 `json:"total_profit_usd"`
}

// BacktestResult - результат replay исторических snapshot'ов
//
// Жизненный цикл: pending → (completed | failed), оба терминальные.
// Запись создаётся с Completed=false, финализируется ровно один раз
// и после этого не мутируется.
type BacktestResult struct {
	ID int64 `json:"id" db:"id"`

	// Окно
	StartTime       time.Time `json:"start_time" db:"start_time"`
	EndTime         time.Time `json:"end_time" db:"end_time"`
	DurationSeconds int64     `json:"duration_seconds" db:"duration_seconds"`

	// Параметры прогона
	Symbols      []string `json:"symbols" db:"symbols"`
	Venues       []string `json:"venues" db:"venues"`
	MinSpreadBps float64  `json:"min_spread_bps" db:"min_spread_bps"`
	FeeBps       float64  `json:"fee_bps" db:"fee_bps"`
	SlippageBps  float64  `json:"slippage_bps" db:"slippage_bps"`

	// Возможности
	TotalOpportunities  int     `json:"total_opportunities" db:"total_opportunities"`
	OpportunitiesPerMin float64 `json:"opportunities_per_minute" db:"opportunities_per_minute"`

	// Спреды
	AvgSpreadBps      float64 `json:"avg_spread_bps" db:"avg_spread_bps"`
	MinSpreadBpsFound float64 `json:"min_spread_bps_found" db:"min_spread_bps_found"`
	MaxSpreadBpsFound float64 `json:"max_spread_bps_found" db:"max_spread_bps_found"`
	MedianSpreadBps   float64 `json:"median_spread_bps" db:"median_spread_bps"`

	// Прибыльность (синтетическая, фиксированный $100 notional)
	TotalProfitUsd    float64 `json:"total_profit_usd" db:"total_profit_usd"`
	AvgProfitPerTrade float64 `json:"avg_profit_per_trade_usd" db:"avg_profit_per_trade_usd"`
	BestTradeProfit   float64 `json:"best_trade_profit_usd" db:"best_trade_profit_usd"`

	// Разбивка по символам (хранится как JSON)
	SymbolStats map[string]SymbolStat `json:"symbol_stats" db:"symbol_stats"`

	// Завершение
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	Completed      bool      `json:"completed" db:"completed"`
	ErrorMessage   string    `json:"error_message" db:"error_message"`
	Recommendation string    `json:"recommendation" db:"recommendation"`
}

// Префиксы рекомендаций
const (
	RecommendationNotProfitable = "not profitable"
	RecommendationLowFrequency  = "low frequency"
	RecommendationModerate      = "moderate"
	RecommendationProfitable    = "profitable"
)
