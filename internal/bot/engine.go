package bot

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"arbcore/internal/models"
	"arbcore/internal/shm"
	"arbcore/pkg/utils"
)

// engine.go - движок арбитражного ядра (EVENT-DRIVEN)
//
// Архитектура:
// - НЕТ polling: каждая запись котировки, изменившая best bid/ask,
//   мгновенно триггерит скан символа
// - Детектор работает на одном выделенном потоке (единственный
//   производитель кольца и писатель stats-блока)
// - Команды контрольного канала применяются на границе скана
//
// Поток данных:
// submit_quote → QuoteCache → trigger → Detector → (Ring, Stats) → shm

// ErrEngineStopped возвращается после кооперативного останова
var ErrEngineStopped = fmt.Errorf("engine: stopped")

// scanTrigger - событие "best bid/ask символа изменился"
type scanTrigger struct {
	symbolID int
}

// Engine - процессный контекст ядра: владеет кэшем, детектором,
// кольцом и stats-блоком, создаётся при старте и передаётся
// подсистемам явно
type Engine struct {
	im       *shm.Image
	cache    *QuoteCache
	ring     *OperationsRing
	stats    *StatsBlock
	params   *ParamStore
	detector *Detector
	log      *utils.Logger
	nowNs    func() int64

	triggers chan scanTrigger
	commands chan func()

	running atomic.Bool
	done    chan struct{}
}

// Options - зависимости движка
type Options struct {
	Image  *shm.Image
	Params Params
	Logger *utils.Logger

	// NowNs - источник времени (подменяется в тестах для
	// детерминированных сценариев)
	NowNs func() int64

	// StartingBalanceUsd - начальный баланс симуляции
	StartingBalanceUsd float64

	// TriggerBuffer - ёмкость очереди триггеров скана
	TriggerBuffer int
}

// NewEngine создаёт движок
func NewEngine(opts Options) (*Engine, error) {
	if opts.Image == nil {
		return nil, fmt.Errorf("engine: shared memory image is required")
	}
	if opts.Logger == nil {
		opts.Logger = utils.InitLogger(utils.LogConfig{})
	}
	if opts.NowNs == nil {
		opts.NowNs = func() int64 { return time.Now().UnixNano() }
	}
	if opts.TriggerBuffer <= 0 {
		opts.TriggerBuffer = 4096
	}
	if opts.StartingBalanceUsd <= 0 {
		opts.StartingBalanceUsd = 10000.0
	}

	params, err := NewParamStore(opts.Params)
	if err != nil {
		return nil, err
	}

	cache := NewQuoteCache()
	ring := NewOperationsRing(opts.Image)
	stats := NewStatsBlock(opts.Image, opts.NowNs, opts.StartingBalanceUsd)
	log := opts.Logger.WithComponent("engine")

	e := &Engine{
		im:       opts.Image,
		cache:    cache,
		ring:     ring,
		stats:    stats,
		params:   params,
		detector: NewDetector(cache, ring, stats, params, log, opts.NowNs),
		log:      log,
		nowNs:    opts.NowNs,
		triggers: make(chan scanTrigger, opts.TriggerBuffer),
		commands: make(chan func(), 64),
		done:     make(chan struct{}),
	}

	// cross_exchange включена по умолчанию; funding_rate и triangular -
	// объявленные слоты, выключены
	stats.SetStrategyEnabled(0, true)

	e.running.Store(true)
	e.im.SetEngineRunning(true)
	return e, nil
}

// Cache возвращает кэш котировок (consistent-read путь рекордера)
func (e *Engine) Cache() *QuoteCache { return e.cache }

// Ring возвращает кольцо операций
func (e *Engine) Ring() *OperationsRing { return e.ring }

// Stats возвращает stats-блок
func (e *Engine) Stats() *StatsBlock { return e.stats }

// Params возвращает стор параметров
func (e *Engine) Params() *ParamStore { return e.params }

// Done закрывается при полном останове цикла детектора
func (e *Engine) Done() <-chan struct{} { return e.done }

// Running сообщает, принимает ли движок котировки
func (e *Engine) Running() bool { return e.running.Load() }

// ============================================================
// Приём котировок (push-интерфейс submit_quote)
// ============================================================

// SubmitQuote - единственная точка входа котировок
//
// Wait-free относительно читателей кэша. Запись, изменившая best
// bid/ask, ставит триггер скана; переполненная очередь триггеров
// роняет подсказку (не котировку - кэш уже обновлён) со счётчиком.
func (e *Engine) SubmitQuote(venue, symbol string, bid, ask, bidQty, askQty float64, tsNs int64) error {
	if !e.running.Load() {
		return ErrEngineStopped
	}

	changed, err := e.cache.Submit(venue, symbol, bid, ask, bidQty, askQty, tsNs)
	if err != nil {
		e.stats.BadQuotes.Add(1)
		RecordQuoteRejected()
		return err
	}
	RecordQuote(venue)

	if !changed {
		return nil
	}

	symbolID, ok := e.cache.SymbolID(symbol)
	if !ok {
		return nil
	}

	select {
	case e.triggers <- scanTrigger{symbolID: symbolID}:
	default:
		// Очередь полна - скан по этому обновлению пропущен
		e.stats.DroppedTriggers.Add(1)
		TriggerOverflows.Inc()
	}
	return nil
}

// ============================================================
// Цикл детектора
// ============================================================

// Run крутит цикл детектора до отмены контекста или команды shutdown
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	defer e.markStopped()

	for {
		// Команды применяются на границе скана
		e.drainCommands()

		if !e.running.Load() {
			return ErrEngineStopped
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-e.commands:
			cmd()
		case trig := <-e.triggers:
			e.detector.ScanSymbol(trig.symbolID)
		}
	}
}

// drainCommands применяет все накопленные команды
func (e *Engine) drainCommands() {
	for {
		select {
		case cmd := <-e.commands:
			cmd()
		default:
			return
		}
	}
}

// markStopped выполняет кооперативный останов
func (e *Engine) markStopped() {
	e.running.Store(false)
	e.im.SetEngineRunning(false)
	e.log.Info("engine stopped",
		utils.Uint64("opportunities_detected", e.stats.OppsDetected()),
		utils.Uint64("opportunities_executed", e.stats.OppsExecuted()),
		utils.Float64("total_profit_usd", e.stats.TotalProfit()))
}

// enqueue ставит команду в очередь границы скана
func (e *Engine) enqueue(cmd func()) {
	select {
	case e.commands <- cmd:
	default:
		// Очередь команд переполнена - команда потеряна, эффект
		// наблюдаем через stats-блок (ответных кадров нет по контракту)
		e.log.Warn("command queue full, command dropped")
	}
}

// ============================================================
// Управление (эффекты контрольного канала)
// ============================================================

// StartStrategy включает стратегию по имени на границе скана
func (e *Engine) StartStrategy(name string) error {
	idx := models.StrategyIndex(name)
	if idx < 0 {
		return fmt.Errorf("engine: unknown strategy %q", name)
	}
	e.enqueue(func() {
		e.stats.SetStrategyEnabled(idx, true)
		e.log.Info("strategy started", utils.Strategy(name))
	})
	return nil
}

// StopStrategy выключает стратегию по имени на границе скана
func (e *Engine) StopStrategy(name string) error {
	idx := models.StrategyIndex(name)
	if idx < 0 {
		return fmt.Errorf("engine: unknown strategy %q", name)
	}
	e.enqueue(func() {
		e.stats.SetStrategyEnabled(idx, false)
		e.log.Info("strategy stopped", utils.Strategy(name))
	})
	return nil
}

// UpdateConfig применяет горячее обновление параметров на границе скана
//
// Невалидный набор отклоняется целиком: действующие параметры не
// меняются, config_rejects растёт.
func (e *Engine) UpdateConfig(raw []byte) error {
	patch, err := ParseParamsPatch(raw)
	if err != nil {
		e.stats.ConfigRejects.Add(1)
		ConfigRejectsTotal.Inc()
		return err
	}
	e.enqueue(func() {
		if err := e.params.Apply(patch); err != nil {
			e.stats.ConfigRejects.Add(1)
			ConfigRejectsTotal.Inc()
			e.log.Warn("config update rejected", utils.Err(err))
			return
		}
		e.log.Info("config updated")
	})
	return nil
}

// Shutdown инициирует кооперативный останов на границе скана
func (e *Engine) Shutdown() {
	e.enqueue(func() {
		e.running.Store(false)
	})
}
