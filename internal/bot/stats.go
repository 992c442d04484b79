package bot

import (
	"sync/atomic"

	"arbcore/internal/shm"
)

// stats.go - агрегатный блок статистики движка
//
// Единственный писатель числовых полей - поток детектора, поэтому
// нативные аккумуляторы хранятся обычными полями и на каждом
// изменении прописываются в shared memory образ. last_update_ns
// публикуется ПОСЛЕДНИМ - это сигнал свежести и детектор порванного
// пакета для читателей.
//
// Внутренние счётчики ошибок (bad_quotes, config_rejects и т.д.)
// инкрементируются из разных потоков и потому атомарные; в образ
// они не входят.

// ewmaShift: EWMA латентности с α = 1/64
const ewmaShift = 6

// Гистограмма латентности: линейные бакеты по 16 мкс до 1024 мкс,
// последний бакет ловит всё сверху
const (
	latBuckets     = 64
	latBucketWidth = 16
)

// latencyTracker - EWMA + фиксированная гистограмма для p99
type latencyTracker struct {
	ewmaUs  float64
	seeded  bool
	buckets [latBuckets]uint64
	total   uint64
}

func (lt *latencyTracker) Record(us uint32) {
	if !lt.seeded {
		lt.ewmaUs = float64(us)
		lt.seeded = true
	} else {
		lt.ewmaUs += (float64(us) - lt.ewmaUs) / (1 << ewmaShift)
	}

	idx := int(us) / latBucketWidth
	if idx >= latBuckets {
		idx = latBuckets - 1
	}
	lt.buckets[idx]++
	lt.total++
}

func (lt *latencyTracker) AvgUs() uint32 {
	return uint32(lt.ewmaUs + 0.5)
}

// P99Us оценивает 99-й перцентиль по гистограмме
// (верхняя граница бакета, накопившего 99% наблюдений)
func (lt *latencyTracker) P99Us() uint32 {
	if lt.total == 0 {
		return 0
	}
	threshold := lt.total - lt.total/100 // ceil(0.99 * total) для целых
	var cum uint64
	for i := 0; i < latBuckets; i++ {
		cum += lt.buckets[i]
		if cum >= threshold {
			return uint32((i + 1) * latBucketWidth)
		}
	}
	return uint32(latBuckets * latBucketWidth)
}

// StatsBlock - счётчики и производные поля движка
type StatsBlock struct {
	im    *shm.Image
	nowNs func() int64

	// Поля единственного писателя (поток детектора)
	oppsDetected  uint64
	oppsExecuted  uint64
	ordersPlaced  uint64
	ordersFilled  uint64
	totalProfit   float64
	balance       float64
	wins          uint32
	losses        uint32
	openPositions uint32
	lat           latencyTracker

	// Внутренние счётчики ошибок (не в образе, мультипоточные)
	BadQuotes       atomic.Uint64
	ConfigRejects   atomic.Uint64
	SymbolErrors    atomic.Uint64
	DroppedTriggers atomic.Uint64
}

// NewStatsBlock создаёт блок поверх образа
func NewStatsBlock(im *shm.Image, nowNs func() int64, startingBalance float64) *StatsBlock {
	sb := &StatsBlock{
		im:      im,
		nowNs:   nowNs,
		balance: startingBalance,
	}
	im.StoreBalance(startingBalance)
	sb.publish()
	return sb
}

// publish прописывает last_update_ns (всегда последним)
func (sb *StatsBlock) publish() {
	sb.im.StoreLastUpdate(uint64(sb.nowNs()))
}

// RecordDetection учитывает net-eligible возможность
func (sb *StatsBlock) RecordDetection() {
	sb.oppsDetected++
	sb.im.StoreOppsDetected(sb.oppsDetected)
	sb.publish()
}

// RecordExecution учитывает исполненную (симулированную) операцию:
// пара ордеров размещена и заполнена, PNL зачислен в баланс
func (sb *StatsBlock) RecordExecution(pnl float64, latencyUs uint32) {
	sb.oppsExecuted++
	sb.ordersPlaced += 2
	sb.ordersFilled += 2
	sb.totalProfit += pnl
	sb.balance += pnl

	if pnl >= 0 {
		sb.wins++
	} else {
		sb.losses++
	}

	sb.lat.Record(latencyUs)

	sb.im.StoreOppsExecuted(sb.oppsExecuted)
	sb.im.StoreOrdersPlaced(sb.ordersPlaced)
	sb.im.StoreOrdersFilled(sb.ordersFilled)
	sb.im.StoreTotalProfit(sb.totalProfit)
	sb.im.StoreBalance(sb.balance)
	sb.im.StoreWins(sb.wins)
	sb.im.StoreLosses(sb.losses)
	sb.im.StoreWinRate(sb.winRate())
	sb.im.StoreAvgLatency(sb.lat.AvgUs())
	sb.im.StoreP99Latency(sb.lat.P99Us())
	sb.publish()
}

// winRate = wins / (wins + losses); 0 при отсутствии сделок
func (sb *StatsBlock) winRate() float64 {
	total := sb.wins + sb.losses
	if total == 0 {
		return 0
	}
	return float64(sb.wins) / float64(total)
}

// SetOpenPositions обновляет число открытых позиций
func (sb *StatsBlock) SetOpenPositions(n uint32) {
	sb.openPositions = n
	sb.im.StoreOpenPositions(n)
	sb.publish()
}

// SetStrategyEnabled переключает флаг стратегии в образе
func (sb *StatsBlock) SetStrategyEnabled(i int, v bool) {
	sb.im.SetStrategyEnabled(i, v)
	sb.publish()
}

// StrategyEnabled читает флаг стратегии
func (sb *StatsBlock) StrategyEnabled(i int) bool {
	return sb.im.StrategyEnabled(i)
}

// Аксессоры для тестов и внутренних проверок

func (sb *StatsBlock) OppsDetected() uint64  { return sb.oppsDetected }
func (sb *StatsBlock) OppsExecuted() uint64  { return sb.oppsExecuted }
func (sb *StatsBlock) Balance() float64      { return sb.balance }
func (sb *StatsBlock) TotalProfit() float64  { return sb.totalProfit }
func (sb *StatsBlock) Wins() uint32          { return sb.wins }
func (sb *StatsBlock) Losses() uint32        { return sb.losses }
func (sb *StatsBlock) OpenPositions() uint32 { return sb.openPositions }
