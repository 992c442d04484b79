package models

// Имена стратегий - фиксированное перечисление
//
// Реализована только cross_exchange; funding_rate и triangular
// зарезервированы как слоты (их можно включать/выключать, но они
// не генерируют операции).
const (
	StrategyCrossExchange = "cross_exchange"
	StrategyFundingRate   = "funding_rate"
	StrategyTriangular    = "triangular"
)

// StrategyNames - порядок соответствует индексам strategy_enabled[3]
// в shared memory образе
var StrategyNames = [3]string{
	StrategyCrossExchange,
	StrategyFundingRate,
	StrategyTriangular,
}

// StrategyIndex возвращает индекс стратегии в strategy_enabled
// или -1 для неизвестного имени
func StrategyIndex(name string) int {
	for i, n := range StrategyNames {
		if n == name {
			return i
		}
	}
	return -1
}

// Типы операций
const (
	OperationTypeArbitrage = "arbitrage"
)

// Operation - запись об одном принятом арбитражном цикле
// (симулированном или реальном)
//
// Строковые поля при записи в shared memory обрезаются до ёмкости
// соответствующего слота и дополняются NUL-байтами.
type Operation struct {
	ID        uint64  `json:"id"`
	TsNs      uint64  `json:"timestamp_ns"`
	Type      string  `json:"type"`     // arbitrage
	Strategy  string  `json:"strategy"` // cross_exchange, ...
	Symbol    string  `json:"symbol"`
	BuyVenue  string  `json:"buy_venue"`
	SellVenue string  `json:"sell_venue"`
	Qty       float64 `json:"qty"`
	EntryPx   float64 `json:"entry_px"`
	ExitPx    float64 `json:"exit_px"`
	Pnl       float64 `json:"pnl"`
	PnlPct    float64 `json:"pnl_pct"`
	SpreadBps float64 `json:"spread_bps"`
	FeesPaid  float64 `json:"fees_paid"`
	IsOpen    bool    `json:"is_open"`
}

// Opportunity - обнаруженная арбитражная возможность (транзиентная,
// в shared memory не сохраняется)
type Opportunity struct {
	Symbol     string  `json:"symbol"`
	BuyVenue   string  `json:"buy_venue"`
	SellVenue  string  `json:"sell_venue"`
	BuyAsk     float64 `json:"buy_ask"`
	SellBid    float64 `json:"sell_bid"`
	GrossBps   float64 `json:"gross_bps"`
	NetBps     float64 `json:"net_bps"`
	DetectedNs int64   `json:"detected_ns"`
}
