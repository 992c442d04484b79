package models

import "time"

// OrderbookSnapshot - снимок лучших bid/ask для replay и анализа
//
// Записывается рекордером каждые N секунд или при значительном
// изменении цены. Retention - забота хранилища.
type OrderbookSnapshot struct {
	ID     int64   `json:"id" db:"id"`
	Venue  string  `json:"venue" db:"venue"`   // binance, bybit
	Symbol string  `json:"symbol" db:"symbol"` // BTCUSDT, ETHUSDT
	Bid    float64 `json:"bid" db:"bid"`
	Ask    float64 `json:"ask" db:"ask"`
	BidQty float64 `json:"bid_qty" db:"bid_qty"`
	AskQty float64 `json:"ask_qty" db:"ask_qty"`

	// Временные метки: wall-clock для запросов окна, наносекунды
	// для бакетирования в backtest
	TsWall time.Time `json:"ts_wall" db:"ts_wall"`
	TsNs   int64     `json:"ts_ns" db:"ts_ns"`
}
