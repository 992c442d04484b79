package models

// EngineStats - снимок статистики движка, прочитанный супервизором
// из shared memory
type EngineStats struct {
	EngineRunning   bool    `json:"engine_running"`
	StrategyEnabled [3]bool `json:"strategy_enabled"`

	OpportunitiesDetected uint64 `json:"opportunities_detected"`
	OpportunitiesExecuted uint64 `json:"opportunities_executed"`
	OrdersPlaced          uint64 `json:"orders_placed"`
	OrdersFilled          uint64 `json:"orders_filled"`

	TotalProfitUsd float64 `json:"total_profit_usd"`
	BalanceUsd     float64 `json:"balance_usd"`

	Wins    uint32  `json:"wins"`
	Losses  uint32  `json:"losses"`
	WinRate float64 `json:"win_rate"`

	OpenPositions uint32 `json:"open_positions"`
	AvgLatencyUs  uint32 `json:"avg_latency_us"`
	P99LatencyUs  uint32 `json:"p99_latency_us"`
	LastUpdateNs  uint64 `json:"last_update_ns"`

	// Производные метрики (считаются читателем, в образе не хранятся)
	SuccessRate float64 `json:"success_rate"` // executed / detected * 100
	FillRate    float64 `json:"fill_rate"`    // filled / placed * 100
}

// Статусы здоровья движка с точки зрения супервизора
const (
	HealthHealthy      = "healthy"
	HealthDegraded     = "degraded"
	HealthStopped      = "stopped"
	HealthDisconnected = "disconnected"
)

// Health - результат health check'а супервизора
type Health struct {
	Status  string `json:"status"`
	Healthy bool   `json:"healthy"`
	Message string `json:"message"`
}
