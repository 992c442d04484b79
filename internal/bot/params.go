package bot

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// params.go - горячо перезагружаемые параметры детектора
//
// Двойная буферизация: писатель (контрольный канал) публикует новый
// набор атомарным свопом указателя, читатель (поток детектора) берёт
// согласованный набор один раз на скан. Невалидное обновление
// отклоняется целиком, предыдущий набор остаётся действующим.

var paramsJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Params - параметры решения детектора
type Params struct {
	MinSpreadBps float64 `json:"min_spread_bps"`
	FeeBps       float64 `json:"fee_bps"`      // на сторону
	SlippageBps  float64 `json:"slippage_bps"` // на цикл

	// FreshnessWindow - максимальный возраст котировки для участия
	// в детекции
	FreshnessWindow time.Duration `json:"-"`

	// NotionalUsd - размер позиции симуляции на возможность
	NotionalUsd float64 `json:"notional_usd"`

	// PositionCapUsd - потолок суммарной открытой позиции по символу
	PositionCapUsd float64 `json:"position_cap_usd"`

	// QtyStep - шаг округления объёма (lot size симуляции)
	QtyStep float64 `json:"qty_step"`
}

// DefaultParams - параметры по умолчанию
func DefaultParams() Params {
	return Params{
		MinSpreadBps:    3.0,
		FeeBps:          10.0,
		SlippageBps:     2.0,
		FreshnessWindow: 500 * time.Millisecond,
		NotionalUsd:     100.0,
		PositionCapUsd:  1000.0,
		QtyStep:         0.00000001,
	}
}

// Validate проверяет диапазоны; любое нарушение отклоняет набор целиком
func (p Params) Validate() error {
	for name, v := range map[string]float64{
		"min_spread_bps":   p.MinSpreadBps,
		"fee_bps":          p.FeeBps,
		"slippage_bps":     p.SlippageBps,
		"notional_usd":     p.NotionalUsd,
		"position_cap_usd": p.PositionCapUsd,
		"qty_step":         p.QtyStep,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("params: %s is not a finite number", name)
		}
	}
	if p.MinSpreadBps < 0 {
		return fmt.Errorf("params: min_spread_bps must be >= 0")
	}
	if p.FeeBps < 0 {
		return fmt.Errorf("params: fee_bps must be >= 0")
	}
	if p.SlippageBps < 0 {
		return fmt.Errorf("params: slippage_bps must be >= 0")
	}
	if p.NotionalUsd <= 0 {
		return fmt.Errorf("params: notional_usd must be > 0")
	}
	if p.PositionCapUsd <= 0 {
		return fmt.Errorf("params: position_cap_usd must be > 0")
	}
	if p.QtyStep < 0 {
		return fmt.Errorf("params: qty_step must be >= 0")
	}
	if p.FreshnessWindow <= 0 {
		return fmt.Errorf("params: freshness window must be > 0")
	}
	return nil
}

// ParamsPatch - частичное обновление из control-канала
// (nil-поле = оставить текущее значение)
type ParamsPatch struct {
	MinSpreadBps   *float64 `json:"min_spread_bps"`
	FeeBps         *float64 `json:"fee_bps"`
	SlippageBps    *float64 `json:"slippage_bps"`
	FreshnessMs    *int64   `json:"freshness_ms"`
	NotionalUsd    *float64 `json:"notional_usd"`
	PositionCapUsd *float64 `json:"position_cap_usd"`
	QtyStep        *float64 `json:"qty_step"`
}

// ParseParamsPatch разбирает JSON-тело команды update_config
func ParseParamsPatch(raw []byte) (ParamsPatch, error) {
	var patch ParamsPatch
	if err := paramsJSON.Unmarshal(raw, &patch); err != nil {
		return ParamsPatch{}, fmt.Errorf("params: malformed update payload: %w", err)
	}
	return patch, nil
}

// ParamStore - двойной буфер параметров
type ParamStore struct {
	p atomic.Pointer[Params]
}

// NewParamStore создаёт стор с начальным набором
func NewParamStore(initial Params) (*ParamStore, error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	s := &ParamStore{}
	s.p.Store(&initial)
	return s, nil
}

// Load возвращает действующий набор (копию)
func (s *ParamStore) Load() Params {
	return *s.p.Load()
}

// Store валидирует и публикует полный набор
func (s *ParamStore) Store(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.p.Store(&p)
	return nil
}

// Apply накладывает патч на текущий набор и публикует результат.
// При невалидном результате текущий набор не меняется.
func (s *ParamStore) Apply(patch ParamsPatch) error {
	next := s.Load()

	if patch.MinSpreadBps != nil {
		next.MinSpreadBps = *patch.MinSpreadBps
	}
	if patch.FeeBps != nil {
		next.FeeBps = *patch.FeeBps
	}
	if patch.SlippageBps != nil {
		next.SlippageBps = *patch.SlippageBps
	}
	if patch.FreshnessMs != nil {
		next.FreshnessWindow = time.Duration(*patch.FreshnessMs) * time.Millisecond
	}
	if patch.NotionalUsd != nil {
		next.NotionalUsd = *patch.NotionalUsd
	}
	if patch.PositionCapUsd != nil {
		next.PositionCapUsd = *patch.PositionCapUsd
	}
	if patch.QtyStep != nil {
		next.QtyStep = *patch.QtyStep
	}

	return s.Store(next)
}
