package bot

import (
	"fmt"

	"arbcore/internal/models"
	"arbcore/pkg/utils"
)

// detector.go - детектор кросс-биржевых арбитражных возможностей
//
// Триггер: запись в кэш, изменившая best bid или best ask пары
// (venue, symbol). Детектор сканирует котировки символа со всех
// остальных бирж, считает чистый спред и при проходе порога
// конструирует операцию.
//
// Правила детекции вынесены в чистую функцию DetectCross - её же
// использует backtest-движок, что гарантирует идентичный набор
// возможностей на live-потоке и на replay.

// ErrNonPositiveAsk - нулевой или отрицательный лучший ask невозможен
// по контракту и трактуется как дефект данных
var ErrNonPositiveAsk = fmt.Errorf("detector: non-positive best ask")

// SpreadParams - параметры правил детекции (подмножество Params,
// общее с backtest)
type SpreadParams struct {
	MinSpreadBps float64
	FeeBps       float64
	SlippageBps  float64
}

// bestBid возвращает индекс лучшего bid в quotes
//
// Tie-break: при равной цене побеждает больший объём top-of-book,
// при равном объёме - меньший числовой id биржи (quotes приходят в
// порядке возрастания id, поэтому строгие сравнения дают стабильный
// выбор).
func bestBid(quotes []VenueQuote) int {
	best := -1
	for i := range quotes {
		if quotes[i].Bid <= 0 {
			continue
		}
		if best < 0 ||
			quotes[i].Bid > quotes[best].Bid ||
			(quotes[i].Bid == quotes[best].Bid && quotes[i].BidQty > quotes[best].BidQty) {
			best = i
		}
	}
	return best
}

// bestAsk возвращает индекс лучшего ask в quotes (tie-break как у bestBid)
func bestAsk(quotes []VenueQuote) int {
	best := -1
	for i := range quotes {
		if best < 0 ||
			quotes[i].Ask < quotes[best].Ask ||
			(quotes[i].Ask == quotes[best].Ask && quotes[i].AskQty > quotes[best].AskQty) {
			best = i
		}
	}
	return best
}

// DetectCross применяет правила детекции к набору котировок символа
//
// Возвращает возможность только если кросс существует, биржи
// различны и net_bps >= min_spread_bps (детекция считается по
// net-eligible определению). Ошибка означает дефект данных - символ
// пропускается, счётчик ошибок инкрементирует вызывающий.
func DetectCross(symbol string, quotes []VenueQuote, p SpreadParams, nowNs int64) (models.Opportunity, bool, error) {
	if p.FeeBps < 0 || p.SlippageBps < 0 {
		return models.Opportunity{}, false, fmt.Errorf("detector: negative fee or slippage")
	}
	if len(quotes) < 2 {
		return models.Opportunity{}, false, nil
	}

	bi := bestBid(quotes)
	ai := bestAsk(quotes)
	if bi < 0 || ai < 0 {
		return models.Opportunity{}, false, nil
	}

	if quotes[ai].Ask <= 0 {
		return models.Opportunity{}, false, ErrNonPositiveAsk
	}

	// Кросс на одной бирже - не арбитраж
	if quotes[bi].VenueID == quotes[ai].VenueID {
		return models.Opportunity{}, false, nil
	}

	bid := quotes[bi].Bid
	ask := quotes[ai].Ask
	if bid <= ask {
		return models.Opportunity{}, false, nil
	}

	gross := utils.SpreadBps(ask, bid)
	net := utils.NetSpreadBps(gross, p.FeeBps, p.SlippageBps)
	if net < p.MinSpreadBps {
		return models.Opportunity{}, false, nil
	}

	return models.Opportunity{
		Symbol:     symbol,
		BuyVenue:   quotes[ai].Venue,
		SellVenue:  quotes[bi].Venue,
		BuyAsk:     ask,
		SellBid:    bid,
		GrossBps:   gross,
		NetBps:     net,
		DetectedNs: nowNs,
	}, true, nil
}

// Detector - live-детектор поверх кэша котировок
//
// Работает в единственном потоке движка (единственный производитель
// кольца операций и единственный писатель stats-блока).
type Detector struct {
	cache  *QuoteCache
	ring   *OperationsRing
	stats  *StatsBlock
	params *ParamStore
	log    *utils.Logger
	nowNs  func() int64

	nextOpID uint64
}

// NewDetector создаёт детектор
func NewDetector(
	cache *QuoteCache,
	ring *OperationsRing,
	stats *StatsBlock,
	params *ParamStore,
	log *utils.Logger,
	nowNs func() int64,
) *Detector {
	return &Detector{
		cache:  cache,
		ring:   ring,
		stats:  stats,
		params: params,
		log:    log,
		nowNs:  nowNs,
	}
}

// ScanSymbol выполняет один скан символа
//
// Любой сбой вокруг одного символа изолирован: скан этого символа
// прерывается, счётчик ошибок растёт, остальные символы не страдают.
func (d *Detector) ScanSymbol(symbolID int) {
	symbol := d.cache.SymbolName(symbolID)
	if symbol == "" {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			d.stats.SymbolErrors.Add(1)
			SymbolScanErrors.WithLabelValues(symbol).Inc()
			d.log.Error("symbol scan panic recovered",
				utils.Symbol(symbol), utils.Any("panic", r))
		}
	}()

	scanStart := d.nowNs()

	// Согласованный набор параметров на весь скан
	p := d.params.Load()

	now := d.nowNs()
	quotes := d.cache.SymbolQuotes(symbolID, now, int64(p.FreshnessWindow))

	opp, found, err := DetectCross(symbol, quotes, SpreadParams{
		MinSpreadBps: p.MinSpreadBps,
		FeeBps:       p.FeeBps,
		SlippageBps:  p.SlippageBps,
	}, now)
	if err != nil {
		d.stats.SymbolErrors.Add(1)
		SymbolScanErrors.WithLabelValues(symbol).Inc()
		d.log.Warn("symbol skipped", utils.Symbol(symbol), utils.Err(err))
		return
	}
	if !found {
		return
	}

	d.stats.RecordDetection()

	executed := d.tryExecute(opp, p, scanStart)
	RecordOpportunity(symbol, executed, opp.NetBps)
}

// tryExecute проверяет eligibility и симулирует исполнение
//
// Симуляция: одна синтетическая операция с парными entry/exit ценами,
// pnl = (net_bps / 10000) * notional. Пара ордеров считается
// размещённой и заполненной.
func (d *Detector) tryExecute(opp models.Opportunity, p Params, scanStartNs int64) bool {
	// Стратегия cross_exchange должна быть включена
	if !d.stats.StrategyEnabled(0) {
		return false
	}

	// Лимит позиции по символу и балансовый гейт
	notional := p.NotionalUsd
	if notional > p.PositionCapUsd {
		notional = p.PositionCapUsd
	}
	if d.stats.Balance() < notional {
		return false
	}

	qty := utils.RoundToLotSize(notional/opp.BuyAsk, p.QtyStep)
	if qty <= 0 {
		return false
	}

	pnl := opp.NetBps / 10000.0 * notional
	// fees_paid несёт полную стоимость цикла (комиссии обеих сторон +
	// slippage): pnl закрытой операции сходится с
	// (exit_px - entry_px) * qty - fees_paid
	fees := (2*p.FeeBps + p.SlippageBps) / 10000.0 * notional

	d.nextOpID++
	op := models.Operation{
		ID:        d.nextOpID,
		TsNs:      uint64(opp.DetectedNs),
		Type:      models.OperationTypeArbitrage,
		Strategy:  models.StrategyCrossExchange,
		Symbol:    opp.Symbol,
		BuyVenue:  opp.BuyVenue,
		SellVenue: opp.SellVenue,
		Qty:       qty,
		EntryPx:   opp.BuyAsk,
		ExitPx:    opp.SellBid,
		Pnl:       pnl,
		PnlPct:    opp.NetBps / 100.0,
		SpreadBps: opp.NetBps,
		FeesPaid:  fees,
		IsOpen:    false,
	}

	lostBefore := d.ring.Lost()
	d.ring.Push(op)
	if d.ring.Lost() != lostBefore {
		RingOverwrites.Inc()
	}

	latencyUs := uint32((d.nowNs() - scanStartNs) / 1000)
	d.stats.RecordExecution(pnl, latencyUs)
	RecordScanLatency(opp.Symbol, float64(latencyUs))

	d.log.Debug("operation executed",
		utils.OperationID(op.ID),
		utils.Symbol(op.Symbol),
		utils.String("buy_venue", op.BuyVenue),
		utils.String("sell_venue", op.SellVenue),
		utils.Spread(op.SpreadBps),
		utils.PNL(op.Pnl))

	return true
}
