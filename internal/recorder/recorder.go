package recorder

import (
	"context"
	"math"
	"sync"
	"time"

	"arbcore/internal/bot"
	"arbcore/internal/models"
	"arbcore/pkg/retry"
	"arbcore/pkg/utils"
)

// recorder.go - запись top-of-book снапшотов для backtest
//
// Рекордер читает кэш котировок через тот же consistent-read путь,
// что и shared memory читатели, и никогда не блокирует детектор.
// Записи батчуются на интервал каденса; flush блокируется на I/O
// хранилища, но только в собственной горутине.
//
// Триггеры записи:
// - фиксированный каденс (по умолчанию 1s) - пишутся все ячейки
// - порог движения цены (опционально) - между тиками каденса пишутся
//   только ячейки, чей mid сдвинулся сильнее порога

// SnapshotStore - приёмник батчей; реализуется repository.SnapshotRepository
type SnapshotStore interface {
	InsertBatch(ctx context.Context, snaps []models.OrderbookSnapshot) error
}

// Config - настройки рекордера
type Config struct {
	// Interval - каденс полной записи
	Interval time.Duration

	// MoveThresholdPct - порог движения mid-цены (в процентах) для
	// внеочередной записи; 0 отключает
	MoveThresholdPct float64
}

// cellKey - идентификация ячейки между тиками
type cellKey struct {
	venue  string
	symbol string
}

// Recorder пишет снапшоты кэша в долговременное хранилище
type Recorder struct {
	cache *bot.QuoteCache
	store SnapshotStore
	cfg   Config
	log   *utils.Logger

	nowWall func() time.Time

	// lastMid - mid последней записи по ячейке (для порога движения)
	lastMid map[cellKey]float64

	// flushErrors - счётчик неудачных flush'ей после retry
	mu          sync.Mutex
	flushErrors uint64
	written     uint64
}

// NewRecorder создаёт рекордер
func NewRecorder(cache *bot.QuoteCache, store SnapshotStore, cfg Config, log *utils.Logger) *Recorder {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Recorder{
		cache:   cache,
		store:   store,
		cfg:     cfg,
		log:     log.WithComponent("recorder"),
		nowWall: time.Now,
		lastMid: make(map[cellKey]float64),
	}
}

// Run крутит циклы записи до отмены контекста
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	// Быстрый тикер порога движения (если включён)
	var moveC <-chan time.Time
	if r.cfg.MoveThresholdPct > 0 {
		moveTicker := time.NewTicker(r.cfg.Interval / 5)
		defer moveTicker.Stop()
		moveC = moveTicker.C
	}

	r.log.Info("recorder started",
		utils.String("interval", r.cfg.Interval.String()),
		utils.Float64("move_threshold_pct", r.cfg.MoveThresholdPct))

	for {
		select {
		case <-ctx.Done():
			// Финальный flush того, что накопилось к моменту останова
			r.flush(context.Background(), r.collect(false))
			return ctx.Err()
		case <-ticker.C:
			r.flush(ctx, r.collect(false))
		case <-moveC:
			r.flush(ctx, r.collect(true))
		}
	}
}

// collect собирает снапшоты из кэша
//
// onlyMoved=true отбирает только ячейки с движением mid сильнее
// порога относительно последней записи.
func (r *Recorder) collect(onlyMoved bool) []models.OrderbookSnapshot {
	wall := r.nowWall()
	var snaps []models.OrderbookSnapshot

	r.mu.Lock()
	defer r.mu.Unlock()

	r.cache.ForEach(func(venue, symbol string, q bot.Quote) {
		key := cellKey{venue: venue, symbol: symbol}
		mid := (q.Bid + q.Ask) / 2

		if onlyMoved {
			last, seen := r.lastMid[key]
			if !seen || last == 0 {
				return // первая запись уходит с тиком каденса
			}
			movePct := math.Abs(mid-last) / last * 100
			if movePct < r.cfg.MoveThresholdPct {
				return
			}
		}

		r.lastMid[key] = mid
		snaps = append(snaps, models.OrderbookSnapshot{
			Venue:  venue,
			Symbol: symbol,
			Bid:    q.Bid,
			Ask:    q.Ask,
			BidQty: q.BidQty,
			AskQty: q.AskQty,
			TsWall: wall,
			TsNs:   q.TsNs,
		})
	})

	return snaps
}

// flush пишет батч с retry; неудача считается и не валит рекордер
func (r *Recorder) flush(ctx context.Context, snaps []models.OrderbookSnapshot) {
	if len(snaps) == 0 {
		return
	}

	bot.RecorderBatchSize.Observe(float64(len(snaps)))

	err := retry.Do(ctx, func() error {
		return r.store.InsertBatch(ctx, snaps)
	}, retry.StorageConfig())
	if err != nil {
		r.mu.Lock()
		r.flushErrors++
		r.mu.Unlock()
		bot.RecorderFlushErrors.Inc()
		r.log.Error("snapshot batch write failed", utils.Int("batch", len(snaps)), utils.Err(err))
		return
	}

	r.mu.Lock()
	r.written += uint64(len(snaps))
	r.mu.Unlock()
}

// FlushErrors возвращает число неудачных flush'ей
func (r *Recorder) FlushErrors() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushErrors
}

// Written возвращает число записанных снапшотов
func (r *Recorder) Written() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}
