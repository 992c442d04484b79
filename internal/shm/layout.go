package shm

// layout.go - байтовая раскладка shared memory региона
//
// Раскладка зафиксирована контрактом с внешним супервизором и
// обязана совпадать с его смещениями БАЙТ В БАЙТ. Little-endian,
// packed, все паддинги явные и нулевые.
//
// | Offset     | Size  | Field                        |
// |------------|-------|------------------------------|
// | 0          | 1     | engine_running (bool)        |
// | 1          | 3     | strategy_enabled[3] (bool)   |
// | 4          | 4     | pad                          |
// | 8          | 8     | opportunities_detected (u64) |
// | 16         | 8     | opportunities_executed (u64) |
// | 24         | 8     | orders_placed (u64)          |
// | 32         | 8     | orders_filled (u64)          |
// | 40         | 8     | total_profit_usd (f64)       |
// | 48         | 8     | balance_usd (f64)            |
// | 56         | 4     | wins (u32)                   |
// | 60         | 4     | losses (u32)                 |
// | 64         | 8     | win_rate (f64)               |
// | 72         | 4     | open_positions (u32)         |
// | 76         | 4     | pad                          |
// | 80         | 4     | avg_latency_us (u32)         |
// | 84         | 4     | p99_latency_us (u32)         |
// | 88         | 8     | last_update_ns (u64)         |
// | 96         | 176·N | operations[N]                |
// | 96+176·N   | 4     | operations_head (u32)        |
// | 96+176·N+4 | 4     | operations_tail (u32)        |
// | 96+176·N+8 | 8     | total_operations (u64)       |

const (
	offEngineRunning   = 0
	offStrategyEnabled = 1 // 3 байта, индексы 0..2
	offOppsDetected    = 8
	offOppsExecuted    = 16
	offOrdersPlaced    = 24
	offOrdersFilled    = 32
	offTotalProfit     = 40
	offBalance         = 48
	offWins            = 56
	offLosses          = 60
	offWinRate         = 64
	offOpenPositions   = 72
	offAvgLatency      = 80
	offP99Latency      = 84
	offLastUpdate      = 88
	offOperations      = 96
)

// Слот операции: 176 байт, строки NUL-padded
const (
	OperationSlotSize = 176

	opOffID        = 0   // u64
	opOffTsNs      = 8   // u64
	opOffType      = 16  // char[20]
	opOffStrategy  = 36  // char[20]
	opOffSymbol    = 56  // char[12]
	opOffBuyVenue  = 68  // char[20]
	opOffSellVenue = 88  // char[20]
	opOffQty       = 108 // f64
	opOffEntryPx   = 116 // f64
	opOffExitPx    = 124 // f64
	opOffPnl       = 132 // f64
	opOffPnlPct    = 140 // f64
	opOffSpreadBps = 148 // f64
	opOffFeesPaid  = 156 // f64
	opOffIsOpen    = 164 // bool + pad[11]

	opLenType     = 20
	opLenStrategy = 20
	opLenSymbol   = 12
	opLenVenue    = 20
)

const (
	// DefaultRingCapacity - ёмкость кольца операций по умолчанию
	DefaultRingCapacity = 100

	// MaxRingCapacity - head/tail это u32; ограничение N < 2^31
	// исключает неоднозначность при переполнении индексов
	MaxRingCapacity = 1<<31 - 1

	// minRegionSize - минимальный размер региона по контракту
	minRegionSize = 20 * 1024

	pageSize = 4096
)

// headOffset возвращает смещение operations_head для ёмкости n
func headOffset(n int) int { return offOperations + OperationSlotSize*n }

// tailOffset возвращает смещение operations_tail для ёмкости n
func tailOffset(n int) int { return headOffset(n) + 4 }

// totalOpsOffset возвращает смещение total_operations для ёмкости n
func totalOpsOffset(n int) int { return headOffset(n) + 8 }

// RegionSize возвращает размер региона в байтах для ёмкости n:
// не меньше 20 KiB, выровнен на границу страницы
func RegionSize(n int) int {
	total := totalOpsOffset(n) + 8
	if total < minRegionSize {
		total = minRegionSize
	}
	if rem := total % pageSize; rem != 0 {
		total += pageSize - rem
	}
	return total
}
