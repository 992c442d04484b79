package shm

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"arbcore/internal/models"
)

// image.go - доступ к полям региона поверх []byte
//
// Image не знает, лежит ли буфер в mmap-регионе или на куче:
// движок пишет в отображённый файл, тесты - в обычный буфер.
// Все скалярные поля читаются/пишутся атомарно; согласованность
// пакета полей обеспечивает last_update_ns (см. Reader).

// Image - типизированный доступ к байтам региона
type Image struct {
	buf      []byte
	capacity uint32

	headOff  int
	tailOff  int
	totalOff int
}

// NewImage выделяет регион на куче (для тестов и работы без mmap)
//
// Буфер выделяется через []uint64, чтобы гарантировать 8-байтовое
// выравнивание базового адреса для атомарных операций.
func NewImage(capacity int) (*Image, error) {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	if capacity > MaxRingCapacity {
		return nil, fmt.Errorf("shm: invalid ring capacity %d", capacity)
	}
	size := RegionSize(capacity)
	words := make([]uint64, size/8)
	buf := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	return ImageFromBytes(buf, capacity)
}

// ImageFromBytes оборачивает существующий буфер (например, mmap)
func ImageFromBytes(buf []byte, capacity int) (*Image, error) {
	if capacity <= 0 || capacity > MaxRingCapacity {
		return nil, fmt.Errorf("shm: invalid ring capacity %d", capacity)
	}
	if len(buf) < RegionSize(capacity) {
		return nil, fmt.Errorf("shm: buffer too small: %d < %d", len(buf), RegionSize(capacity))
	}
	if uintptr(unsafe.Pointer(&buf[0]))%8 != 0 {
		return nil, fmt.Errorf("shm: buffer base address not 8-byte aligned")
	}
	return &Image{
		buf:      buf,
		capacity: uint32(capacity),
		headOff:  headOffset(capacity),
		tailOff:  tailOffset(capacity),
		totalOff: totalOpsOffset(capacity),
	}, nil
}

// Capacity возвращает ёмкость кольца операций
func (im *Image) Capacity() uint32 { return im.capacity }

// Zero обнуляет весь регион (write-once инициализация при старте)
func (im *Image) Zero() {
	for i := range im.buf {
		im.buf[i] = 0
	}
}

// ============================================================
// Атомарные аксессоры скалярных полей
// ============================================================

func (im *Image) u32(off int) *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&im.buf[off]))
}

func (im *Image) u64(off int) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&im.buf[off]))
}

func (im *Image) storeF64(off int, v float64) { im.u64(off).Store(math.Float64bits(v)) }
func (im *Image) loadF64(off int) float64     { return math.Float64frombits(im.u64(off).Load()) }

// Флаги engine_running + strategy_enabled[3] занимают байты 0..3
// и обновляются как одно u32-слово (little-endian: байт 0 =
// engine_running, байты 1..3 = стратегии). Писатель один, поэтому
// load-modify-store без CAS корректен.

func (im *Image) flagByte(idx int) bool {
	word := im.u32(offEngineRunning).Load()
	return (word>>(8*uint(idx)))&0xFF != 0
}

func (im *Image) setFlagByte(idx int, v bool) {
	word := im.u32(offEngineRunning).Load()
	mask := uint32(0xFF) << (8 * uint(idx))
	word &^= mask
	if v {
		word |= uint32(1) << (8 * uint(idx))
	}
	im.u32(offEngineRunning).Store(word)
}

// EngineRunning возвращает флаг работы движка
func (im *Image) EngineRunning() bool { return im.flagByte(0) }

// SetEngineRunning устанавливает флаг работы движка
func (im *Image) SetEngineRunning(v bool) { im.setFlagByte(0, v) }

// StrategyEnabled возвращает флаг стратегии i (0..2)
func (im *Image) StrategyEnabled(i int) bool {
	if i < 0 || i > 2 {
		return false
	}
	return im.flagByte(1 + i)
}

// SetStrategyEnabled устанавливает флаг стратегии i (0..2)
func (im *Image) SetStrategyEnabled(i int, v bool) {
	if i < 0 || i > 2 {
		return
	}
	im.setFlagByte(1+i, v)
}

func (im *Image) StoreOppsDetected(v uint64)  { im.u64(offOppsDetected).Store(v) }
func (im *Image) OppsDetected() uint64        { return im.u64(offOppsDetected).Load() }
func (im *Image) StoreOppsExecuted(v uint64)  { im.u64(offOppsExecuted).Store(v) }
func (im *Image) OppsExecuted() uint64        { return im.u64(offOppsExecuted).Load() }
func (im *Image) StoreOrdersPlaced(v uint64)  { im.u64(offOrdersPlaced).Store(v) }
func (im *Image) OrdersPlaced() uint64        { return im.u64(offOrdersPlaced).Load() }
func (im *Image) StoreOrdersFilled(v uint64)  { im.u64(offOrdersFilled).Store(v) }
func (im *Image) OrdersFilled() uint64        { return im.u64(offOrdersFilled).Load() }
func (im *Image) StoreTotalProfit(v float64)  { im.storeF64(offTotalProfit, v) }
func (im *Image) TotalProfit() float64        { return im.loadF64(offTotalProfit) }
func (im *Image) StoreBalance(v float64)      { im.storeF64(offBalance, v) }
func (im *Image) Balance() float64            { return im.loadF64(offBalance) }
func (im *Image) StoreWins(v uint32)          { im.u32(offWins).Store(v) }
func (im *Image) Wins() uint32                { return im.u32(offWins).Load() }
func (im *Image) StoreLosses(v uint32)        { im.u32(offLosses).Store(v) }
func (im *Image) Losses() uint32              { return im.u32(offLosses).Load() }
func (im *Image) StoreWinRate(v float64)      { im.storeF64(offWinRate, v) }
func (im *Image) WinRate() float64            { return im.loadF64(offWinRate) }
func (im *Image) StoreOpenPositions(v uint32) { im.u32(offOpenPositions).Store(v) }
func (im *Image) OpenPositions() uint32       { return im.u32(offOpenPositions).Load() }
func (im *Image) StoreAvgLatency(v uint32)    { im.u32(offAvgLatency).Store(v) }
func (im *Image) AvgLatency() uint32          { return im.u32(offAvgLatency).Load() }
func (im *Image) StoreP99Latency(v uint32)    { im.u32(offP99Latency).Store(v) }
func (im *Image) P99Latency() uint32          { return im.u32(offP99Latency).Load() }

// StoreLastUpdate публикует last_update_ns. Вызывается ПОСЛЕДНЕЙ
// при любом изменении статистики: читатели используют поле как
// признак свежести и детектор порванного чтения.
func (im *Image) StoreLastUpdate(ns uint64) { im.u64(offLastUpdate).Store(ns) }
func (im *Image) LastUpdate() uint64        { return im.u64(offLastUpdate).Load() }

// ============================================================
// Кольцо операций
// ============================================================

func (im *Image) Head() uint32           { return im.u32(im.headOff).Load() }
func (im *Image) StoreHead(v uint32)     { im.u32(im.headOff).Store(v) }
func (im *Image) Tail() uint32           { return im.u32(im.tailOff).Load() }
func (im *Image) StoreTail(v uint32)     { im.u32(im.tailOff).Store(v) }
func (im *Image) TotalOps() uint64       { return im.u64(im.totalOff).Load() }
func (im *Image) StoreTotalOps(v uint64) { im.u64(im.totalOff).Store(v) }

// slot возвращает байты слота idx (без проверки границ - idx < capacity)
func (im *Image) slot(idx uint32) []byte {
	off := offOperations + int(idx)*OperationSlotSize
	return im.buf[off : off+OperationSlotSize]
}

// putPaddedString пишет строку с NUL-дополнением до ёмкости поля
func putPaddedString(b []byte, s string) {
	n := copy(b, s)
	for i := n; i < len(b); i++ {
		b[i] = 0
	}
}

// trimNul обрезает NUL-дополнение
func trimNul(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// StoreOperation сериализует операцию в слот idx
//
// Байты слота заполняются ДО публикации head (release-порядок
// обеспечивает атомарный store head после возврата отсюда).
func (im *Image) StoreOperation(idx uint32, op models.Operation) {
	s := im.slot(idx)

	binary.LittleEndian.PutUint64(s[opOffID:], op.ID)
	binary.LittleEndian.PutUint64(s[opOffTsNs:], op.TsNs)
	putPaddedString(s[opOffType:opOffType+opLenType], op.Type)
	putPaddedString(s[opOffStrategy:opOffStrategy+opLenStrategy], op.Strategy)
	putPaddedString(s[opOffSymbol:opOffSymbol+opLenSymbol], op.Symbol)
	putPaddedString(s[opOffBuyVenue:opOffBuyVenue+opLenVenue], op.BuyVenue)
	putPaddedString(s[opOffSellVenue:opOffSellVenue+opLenVenue], op.SellVenue)
	binary.LittleEndian.PutUint64(s[opOffQty:], math.Float64bits(op.Qty))
	binary.LittleEndian.PutUint64(s[opOffEntryPx:], math.Float64bits(op.EntryPx))
	binary.LittleEndian.PutUint64(s[opOffExitPx:], math.Float64bits(op.ExitPx))
	binary.LittleEndian.PutUint64(s[opOffPnl:], math.Float64bits(op.Pnl))
	binary.LittleEndian.PutUint64(s[opOffPnlPct:], math.Float64bits(op.PnlPct))
	binary.LittleEndian.PutUint64(s[opOffSpreadBps:], math.Float64bits(op.SpreadBps))
	binary.LittleEndian.PutUint64(s[opOffFeesPaid:], math.Float64bits(op.FeesPaid))
	if op.IsOpen {
		s[opOffIsOpen] = 1
	} else {
		s[opOffIsOpen] = 0
	}
	for i := opOffIsOpen + 1; i < OperationSlotSize; i++ {
		s[i] = 0
	}
}

// LoadOperation десериализует операцию из слота idx
func (im *Image) LoadOperation(idx uint32) models.Operation {
	s := im.slot(idx)

	return models.Operation{
		ID:        binary.LittleEndian.Uint64(s[opOffID:]),
		TsNs:      binary.LittleEndian.Uint64(s[opOffTsNs:]),
		Type:      trimNul(s[opOffType : opOffType+opLenType]),
		Strategy:  trimNul(s[opOffStrategy : opOffStrategy+opLenStrategy]),
		Symbol:    trimNul(s[opOffSymbol : opOffSymbol+opLenSymbol]),
		BuyVenue:  trimNul(s[opOffBuyVenue : opOffBuyVenue+opLenVenue]),
		SellVenue: trimNul(s[opOffSellVenue : opOffSellVenue+opLenVenue]),
		Qty:       math.Float64frombits(binary.LittleEndian.Uint64(s[opOffQty:])),
		EntryPx:   math.Float64frombits(binary.LittleEndian.Uint64(s[opOffEntryPx:])),
		ExitPx:    math.Float64frombits(binary.LittleEndian.Uint64(s[opOffExitPx:])),
		Pnl:       math.Float64frombits(binary.LittleEndian.Uint64(s[opOffPnl:])),
		PnlPct:    math.Float64frombits(binary.LittleEndian.Uint64(s[opOffPnlPct:])),
		SpreadBps: math.Float64frombits(binary.LittleEndian.Uint64(s[opOffSpreadBps:])),
		FeesPaid:  math.Float64frombits(binary.LittleEndian.Uint64(s[opOffFeesPaid:])),
		IsOpen:    s[opOffIsOpen] != 0,
	}
}
