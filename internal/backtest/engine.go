package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"arbcore/internal/bot"
	"arbcore/internal/models"
	"arbcore/pkg/utils"
)

// engine.go - replay исторических top-of-book снапшотов
//
// Реплеер прогоняет записанное рекордером окно через ТЕ ЖЕ правила
// детекции, что и live-детектор (bot.DetectCross): для любого окна и
// подмножества символов/бирж получается тот же набор возможностей,
// который увидел бы детектор в тот момент, с точностью до
// квантования бакетов.
//
// Алгоритм:
// 1. Загрузить снапшоты окна, упорядоченные по wall-clock
// 2. Сквантовать по 100ms бакетам; в бакете остаётся ПОСЛЕДНИЙ
//    снапшот на (venue, symbol)
// 3. По бакетам в возрастающем порядке применить правила детекции
// 4. Агрегаты: количество, частота, статистика спредов и прибыли,
//    разбивка по символам
// 5. Рекомендация из фиксированного набора правил

// bucketNs - грань временного квантования реплея
const bucketNs = int64(100 * time.Millisecond)

// backtestNotionalUsd - фиксированный размер позиции реплея
//
// Синтетическая прибыль считается от $100 на возможность независимо
// от live-сайзинга: упрощение оценочного прогона.
const backtestNotionalUsd = 100.0

// SnapshotSource - источник исторических снапшотов
// (реализуется repository.SnapshotRepository)
type SnapshotSource interface {
	GetWindow(ctx context.Context, start, end time.Time, symbols, venues []string) ([]models.OrderbookSnapshot, error)
}

// ResultStore - хранилище результатов; nil допустим (результат
// только возвращается вызывающему)
type ResultStore interface {
	Create(ctx context.Context, result *models.BacktestResult) error
	Finalize(ctx context.Context, result *models.BacktestResult) error
}

// Request - параметры прогона
type Request struct {
	Start   time.Time
	End     time.Time
	Symbols []string
	Venues  []string

	// Переопределения параметров детекции; nil = параметры движка
	MinSpreadBps *float64
	FeeBps       *float64
	SlippageBps  *float64
}

// replayOpportunity - возможность, найденная на реплее
type replayOpportunity struct {
	bucket    int64
	symbol    string
	netBps    float64
	profitUsd float64
}

// Engine - backtest-движок
type Engine struct {
	source  SnapshotSource
	results ResultStore
	log     *utils.Logger

	// defaults - действующие параметры live-детектора
	defaults func() bot.SpreadParams

	nowWall func() time.Time
}

// NewEngine создаёт backtest-движок
//
// defaults отдаёт текущие параметры live-детектора - прогон без
// переопределений использует их.
func NewEngine(source SnapshotSource, results ResultStore, defaults func() bot.SpreadParams, log *utils.Logger) *Engine {
	if defaults == nil {
		p := bot.DefaultParams()
		defaults = func() bot.SpreadParams {
			return bot.SpreadParams{
				MinSpreadBps: p.MinSpreadBps,
				FeeBps:       p.FeeBps,
				SlippageBps:  p.SlippageBps,
			}
		}
	}
	return &Engine{
		source:   source,
		results:  results,
		log:      log.WithComponent("backtest"),
		defaults: defaults,
		nowWall:  time.Now,
	}
}

// Run выполняет прогон
//
// Ошибки реплея не валят вызов: результат финализируется с
// error_message, pending-состояния после возврата не бывает.
func (e *Engine) Run(ctx context.Context, req Request) (*models.BacktestResult, error) {
	params := e.defaults()
	if req.MinSpreadBps != nil {
		params.MinSpreadBps = *req.MinSpreadBps
	}
	if req.FeeBps != nil {
		params.FeeBps = *req.FeeBps
	}
	if req.SlippageBps != nil {
		params.SlippageBps = *req.SlippageBps
	}

	result := &models.BacktestResult{
		StartTime:       req.Start,
		EndTime:         req.End,
		DurationSeconds: int64(req.End.Sub(req.Start).Seconds()),
		Symbols:         append([]string(nil), req.Symbols...),
		Venues:          append([]string(nil), req.Venues...),
		MinSpreadBps:    params.MinSpreadBps,
		FeeBps:          params.FeeBps,
		SlippageBps:     params.SlippageBps,
		CreatedAt:       e.nowWall(),
	}

	if e.results != nil {
		if err := e.results.Create(ctx, result); err != nil {
			return nil, fmt.Errorf("backtest: create pending result: %w", err)
		}
	}

	e.log.Info("backtest started",
		utils.String("start", req.Start.Format(time.RFC3339)),
		utils.String("end", req.End.Format(time.RFC3339)),
		utils.Any("symbols", req.Symbols),
		utils.Any("venues", req.Venues))

	opps, loaded, err := e.replay(ctx, req, params)
	switch {
	case err != nil:
		// Ошибка реплея попадает в строку результата, не в вызов
		result.ErrorMessage = err.Error()
		result.Recommendation = models.RecommendationNotProfitable + ": replay failed, see error message"
	case loaded == 0:
		// Окно не пересекается с данными: завершено без ошибки
		result.Recommendation = models.RecommendationNotProfitable +
			": no market data recorded in this window"
	default:
		e.aggregate(result, opps)
		result.Recommendation = recommendation(result)
	}
	result.Completed = true

	if e.results != nil {
		if err := e.results.Finalize(ctx, result); err != nil {
			return result, fmt.Errorf("backtest: finalize result: %w", err)
		}
	}

	e.log.Info("backtest completed",
		utils.Int("opportunities", result.TotalOpportunities),
		utils.String("recommendation", result.Recommendation))

	return result, nil
}

// cellState - последние цены (venue, symbol) внутри бакета
type cellState struct {
	venueID int
	venue   string
	bid     float64
	ask     float64
	bidQty  float64
	askQty  float64
}

// replay прогоняет окно через правила детекции
//
// Возвращает найденные возможности и число загруженных снапшотов
// (0 означает пустое окно, а не пустой рынок).
func (e *Engine) replay(ctx context.Context, req Request, params bot.SpreadParams) ([]replayOpportunity, int, error) {
	snaps, err := e.source.GetWindow(ctx, req.Start, req.End, req.Symbols, req.Venues)
	if err != nil {
		return nil, 0, fmt.Errorf("load snapshots: %w", err)
	}

	e.log.Debug("snapshots loaded", utils.Int("count", len(snaps)))
	if len(snaps) == 0 {
		return nil, 0, nil
	}

	// Бакетирование: по 100ms, в бакете выживает последний снапшот
	// на (venue, symbol). Снапшоты уже упорядочены по wall-clock,
	// поэтому простая перезапись даёт "последнего".
	type symbolCells map[string]cellState // venue -> последние цены
	type bucketData map[string]symbolCells

	buckets := make(map[int64]bucketData)
	venueIDs := make(map[string]int) // стабильные id для tie-break'ов

	venueID := func(name string) int {
		if id, ok := venueIDs[name]; ok {
			return id
		}
		id := len(venueIDs)
		venueIDs[name] = id
		return id
	}

	var bucketKeys []int64
	for _, s := range snaps {
		bkt := s.TsNs / bucketNs

		bd, ok := buckets[bkt]
		if !ok {
			bd = make(bucketData)
			buckets[bkt] = bd
			bucketKeys = append(bucketKeys, bkt)
		}

		cells, ok := bd[s.Symbol]
		if !ok {
			cells = make(symbolCells)
			bd[s.Symbol] = cells
		}

		cells[s.Venue] = cellState{
			venueID: venueID(s.Venue),
			venue:   s.Venue,
			bid:     s.Bid,
			ask:     s.Ask,
			bidQty:  s.BidQty,
			askQty:  s.AskQty,
		}
	}

	sort.Slice(bucketKeys, func(i, j int) bool { return bucketKeys[i] < bucketKeys[j] })

	var opps []replayOpportunity
	for _, bkt := range bucketKeys {
		// Прерывание проверяется между бакетами
		if err := ctx.Err(); err != nil {
			return nil, len(snaps), err
		}

		bd := buckets[bkt]

		// Символы в детерминированном порядке
		symbols := make([]string, 0, len(bd))
		for sym := range bd {
			symbols = append(symbols, sym)
		}
		sort.Strings(symbols)

		for _, sym := range symbols {
			cells := bd[sym]
			if len(cells) < 2 {
				continue // для арбитража нужно >= 2 бирж
			}

			quotes := make([]bot.VenueQuote, 0, len(cells))
			for _, c := range cells {
				quotes = append(quotes, bot.VenueQuote{
					VenueID: c.venueID,
					Venue:   c.venue,
					Quote: bot.Quote{
						Bid:    c.bid,
						Ask:    c.ask,
						BidQty: c.bidQty,
						AskQty: c.askQty,
					},
				})
			}
			// Порядок по id биржи - тот же stable tie-break, что у live
			sort.Slice(quotes, func(i, j int) bool { return quotes[i].VenueID < quotes[j].VenueID })

			opp, found, err := bot.DetectCross(sym, quotes, params, bkt*bucketNs)
			if err != nil {
				// Дефект данных одного символа не валит реплей
				e.log.Warn("replay symbol skipped", utils.Symbol(sym), utils.Err(err))
				continue
			}
			if !found {
				continue
			}

			opps = append(opps, replayOpportunity{
				bucket:    bkt,
				symbol:    sym,
				netBps:    opp.NetBps,
				profitUsd: opp.NetBps / 10000.0 * backtestNotionalUsd,
			})
		}
	}

	return opps, len(snaps), nil
}

// aggregate заполняет агрегаты результата
func (e *Engine) aggregate(result *models.BacktestResult, opps []replayOpportunity) {
	result.TotalOpportunities = len(opps)

	// duration_seconds = 0 допустим; частота тогда 0
	if result.DurationSeconds > 0 {
		minutes := float64(result.DurationSeconds) / 60.0
		result.OpportunitiesPerMin = float64(len(opps)) / minutes
	}

	if len(opps) == 0 {
		return
	}

	spreads := make([]float64, len(opps))
	profits := make([]float64, len(opps))
	for i, o := range opps {
		spreads[i] = o.netBps
		profits[i] = o.profitUsd
	}

	result.AvgSpreadBps = utils.Mean(spreads)
	result.MinSpreadBpsFound, result.MaxSpreadBpsFound = utils.MinMax(spreads)
	result.MedianSpreadBps = utils.Median(spreads)

	result.TotalProfitUsd = utils.Sum(profits)
	result.AvgProfitPerTrade = utils.Mean(profits)
	_, result.BestTradeProfit = utils.MinMax(profits)

	// Разбивка по символам
	result.SymbolStats = make(map[string]models.SymbolStat)
	perSymbol := make(map[string][]replayOpportunity)
	for _, o := range opps {
		perSymbol[o.symbol] = append(perSymbol[o.symbol], o)
	}
	for sym, symOpps := range perSymbol {
		symSpreads := make([]float64, len(symOpps))
		var profitSum float64
		for i, o := range symOpps {
			symSpreads[i] = o.netBps
			profitSum += o.profitUsd
		}
		result.SymbolStats[sym] = models.SymbolStat{
			Opportunities:  len(symOpps),
			AvgSpreadBps:   utils.Mean(symSpreads),
			TotalProfitUsd: profitSum,
		}
	}
}

// recommendation формирует вывод по фиксированному набору правил
func recommendation(result *models.BacktestResult) string {
	if result.TotalOpportunities == 0 {
		return models.RecommendationNotProfitable +
			": no arbitrage opportunities found in this period, market is too efficient"
	}

	if result.OpportunitiesPerMin < 0.1 {
		return fmt.Sprintf("%s: only %.2f opportunities/minute, potential profit $%.2f over %.1f hours",
			models.RecommendationLowFrequency,
			result.OpportunitiesPerMin,
			result.TotalProfitUsd,
			float64(result.DurationSeconds)/3600.0)
	}

	if result.OpportunitiesPerMin >= 1.0 {
		return fmt.Sprintf("%s: %.2f opportunities/minute, avg spread %.2f bps, potential profit $%.2f",
			models.RecommendationProfitable,
			result.OpportunitiesPerMin,
			result.AvgSpreadBps,
			result.TotalProfitUsd)
	}

	return fmt.Sprintf("%s: %.2f opportunities/minute, potential profit $%.2f, consider testing a longer period",
		models.RecommendationModerate,
		result.OpportunitiesPerMin,
		result.TotalProfitUsd)
}
