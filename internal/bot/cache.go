package bot

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
)

// cache.go - top-of-book кэш по (venue, symbol)
//
// Хранилище - плоский двумерный массив ячеек, индексированный
// интернированными id биржи и символа (фиксированное перечисление,
// без вытеснения, живёт всё время процесса).
//
// Конкурентность:
// - Запись wait-free относительно читателей: seqlock на ячейку
// - Писатель может коротко спиннить против конкурирующего писателя
//   той же ячейки (апстрим сериализует записи по (venue, symbol),
//   поэтому contention редкий)
// - Читатель никогда не блокирует писателя: при порванном чтении
//   просто перечитывает

const (
	// MaxVenues / MaxSymbols - ёмкость фиксированного перечисления
	MaxVenues  = 32
	MaxSymbols = 256
)

// Ошибки квот и валидации
var (
	ErrInvalidQuote   = fmt.Errorf("quote: invalid price or quantity")
	ErrVenueOverflow  = fmt.Errorf("quote cache: venue enumeration full")
	ErrSymbolOverflow = fmt.Errorf("quote cache: symbol enumeration full")
)

// Quote - снимок ячейки top-of-book
type Quote struct {
	Bid    float64
	Ask    float64
	BidQty float64
	AskQty float64
	TsNs   int64
	Seq    uint64
}

// VenueQuote - котировка с привязкой к бирже (вход детектора)
type VenueQuote struct {
	VenueID int
	Venue   string
	Quote
}

// cell - одна ячейка кэша с seqlock
//
// lock: нечётное значение = запись в процессе. Поля хранятся как
// атомарные биты, согласованность снимка даёт протокол seqlock.
type cell struct {
	lock   atomic.Uint32
	bid    atomic.Uint64 // биты float64
	ask    atomic.Uint64
	bidQty atomic.Uint64
	askQty atomic.Uint64
	tsNs   atomic.Int64
	seq    atomic.Uint64
}

// QuoteCache - кэш лучших цен всех (venue, symbol)
type QuoteCache struct {
	// Реестры имён; мутируются только при регистрации новой биржи
	// или символа (редко), горячий путь берёт RLock
	mu          sync.RWMutex
	venueIDs    map[string]int
	venueNames  []string
	symbolIDs   map[string]int
	symbolNames []string

	cells []cell // MaxVenues × MaxSymbols, индекс venueID*MaxSymbols+symbolID
}

// NewQuoteCache создаёт кэш с пустым перечислением
func NewQuoteCache() *QuoteCache {
	return &QuoteCache{
		venueIDs:    make(map[string]int, MaxVenues),
		venueNames:  make([]string, 0, MaxVenues),
		symbolIDs:   make(map[string]int, MaxSymbols),
		symbolNames: make([]string, 0, MaxSymbols),
		cells:       make([]cell, MaxVenues*MaxSymbols),
	}
}

// ============================================================
// Интернирование
// ============================================================

// RegisterVenue возвращает id биржи, регистрируя при необходимости
func (c *QuoteCache) RegisterVenue(name string) (int, error) {
	c.mu.RLock()
	id, ok := c.venueIDs[name]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.venueIDs[name]; ok {
		return id, nil
	}
	if len(c.venueNames) >= MaxVenues {
		return 0, ErrVenueOverflow
	}
	id = len(c.venueNames)
	c.venueIDs[name] = id
	c.venueNames = append(c.venueNames, name)
	return id, nil
}

// RegisterSymbol возвращает id символа, регистрируя при необходимости
func (c *QuoteCache) RegisterSymbol(name string) (int, error) {
	c.mu.RLock()
	id, ok := c.symbolIDs[name]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.symbolIDs[name]; ok {
		return id, nil
	}
	if len(c.symbolNames) >= MaxSymbols {
		return 0, ErrSymbolOverflow
	}
	id = len(c.symbolNames)
	c.symbolIDs[name] = id
	c.symbolNames = append(c.symbolNames, name)
	return id, nil
}

// SymbolID возвращает id зарегистрированного символа
func (c *QuoteCache) SymbolID(name string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.symbolIDs[name]
	return id, ok
}

// SymbolName возвращает имя символа по id
func (c *QuoteCache) SymbolName(id int) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if id < 0 || id >= len(c.symbolNames) {
		return ""
	}
	return c.symbolNames[id]
}

// Venues возвращает копию списка зарегистрированных бирж
func (c *QuoteCache) Venues() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.venueNames))
	copy(out, c.venueNames)
	return out
}

// Symbols возвращает копию списка зарегистрированных символов
func (c *QuoteCache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.symbolNames))
	copy(out, c.symbolNames)
	return out
}

// ============================================================
// Submit / Read
// ============================================================

func validQuote(bid, ask, bidQty, askQty float64) bool {
	for _, v := range [4]float64{bid, ask, bidQty, askQty} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	// Нулевой или отрицательный ask невозможен по контракту
	if ask <= 0 || bid < 0 || bidQty < 0 || askQty < 0 {
		return false
	}
	return true
}

// Submit записывает котировку в ячейку (venue, symbol)
//
// Возвращает changed=true если запись изменила best bid или best ask
// ячейки - подсказка детектору для триггера скана.
//
// Котировка с ts_ns старше текущего содержимого ячейки отбрасывается
// без ошибки (идемпотентность на stale). Невалидные числа отклоняются
// с ErrInvalidQuote, ячейка не меняется.
func (c *QuoteCache) Submit(venue, symbol string, bid, ask, bidQty, askQty float64, tsNs int64) (bool, error) {
	if !validQuote(bid, ask, bidQty, askQty) {
		return false, ErrInvalidQuote
	}

	venueID, err := c.RegisterVenue(venue)
	if err != nil {
		return false, err
	}
	symbolID, err := c.RegisterSymbol(symbol)
	if err != nil {
		return false, err
	}

	cl := &c.cells[venueID*MaxSymbols+symbolID]

	// Захват seqlock: спин против конкурирующего писателя этой ячейки
	var lockVal uint32
	for {
		lockVal = cl.lock.Load()
		if lockVal&1 == 0 && cl.lock.CompareAndSwap(lockVal, lockVal+1) {
			break
		}
	}

	// Monotonic-check под lock'ом: stale отбрасываем
	if tsNs < cl.tsNs.Load() {
		cl.lock.Store(lockVal)
		return false, nil
	}

	oldBid := math.Float64frombits(cl.bid.Load())
	oldAsk := math.Float64frombits(cl.ask.Load())
	firstWrite := cl.seq.Load() == 0

	cl.bid.Store(math.Float64bits(bid))
	cl.ask.Store(math.Float64bits(ask))
	cl.bidQty.Store(math.Float64bits(bidQty))
	cl.askQty.Store(math.Float64bits(askQty))
	cl.tsNs.Store(tsNs)
	cl.seq.Add(1)

	// Публикация: lock обратно в чётное значение
	cl.lock.Store(lockVal + 2)

	changed := firstWrite || oldBid != bid || oldAsk != ask
	return changed, nil
}

// readCell возвращает согласованный снимок ячейки без блокировки писателя
func (c *QuoteCache) readCell(venueID, symbolID int) (Quote, bool) {
	cl := &c.cells[venueID*MaxSymbols+symbolID]

	for {
		l1 := cl.lock.Load()
		if l1&1 != 0 {
			continue // запись в процессе
		}

		q := Quote{
			Bid:    math.Float64frombits(cl.bid.Load()),
			Ask:    math.Float64frombits(cl.ask.Load()),
			BidQty: math.Float64frombits(cl.bidQty.Load()),
			AskQty: math.Float64frombits(cl.askQty.Load()),
			TsNs:   cl.tsNs.Load(),
			Seq:    cl.seq.Load(),
		}

		if cl.lock.Load() == l1 {
			return q, q.Seq > 0
		}
	}
}

// Read возвращает снимок котировки по именам биржи и символа
func (c *QuoteCache) Read(venue, symbol string) (Quote, bool) {
	c.mu.RLock()
	venueID, okV := c.venueIDs[venue]
	symbolID, okS := c.symbolIDs[symbol]
	c.mu.RUnlock()
	if !okV || !okS {
		return Quote{}, false
	}
	return c.readCell(venueID, symbolID)
}

// SymbolQuotes собирает свежие котировки символа со всех бирж
//
// Котировки старше maxAgeNs (относительно nowNs) исключаются -
// staleness guard детектора. maxAgeNs <= 0 отключает фильтр.
func (c *QuoteCache) SymbolQuotes(symbolID int, nowNs, maxAgeNs int64) []VenueQuote {
	c.mu.RLock()
	venues := c.venueNames
	numVenues := len(venues)
	c.mu.RUnlock()

	out := make([]VenueQuote, 0, numVenues)
	for venueID := 0; venueID < numVenues; venueID++ {
		q, ok := c.readCell(venueID, symbolID)
		if !ok {
			continue
		}
		if maxAgeNs > 0 && nowNs-q.TsNs > maxAgeNs {
			continue
		}
		out = append(out, VenueQuote{
			VenueID: venueID,
			Venue:   venues[venueID],
			Quote:   q,
		})
	}
	return out
}

// ForEach вызывает fn для каждой заполненной ячейки
// (consistent-read путь рекордера; писателей не блокирует)
func (c *QuoteCache) ForEach(fn func(venue, symbol string, q Quote)) {
	c.mu.RLock()
	venues := make([]string, len(c.venueNames))
	copy(venues, c.venueNames)
	symbols := make([]string, len(c.symbolNames))
	copy(symbols, c.symbolNames)
	c.mu.RUnlock()

	for venueID := range venues {
		for symbolID := range symbols {
			q, ok := c.readCell(venueID, symbolID)
			if !ok {
				continue
			}
			fn(venues[venueID], symbols[symbolID], q)
		}
	}
}
