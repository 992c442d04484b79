package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"arbcore/internal/models"
)

// reader.go - супервизорная сторона shared memory региона
//
// Читатели не берут блокировок: поля читаются атомарно, а порванный
// пакет статистики детектируется повторным чтением last_update_ns.
// Единственная запись читателя - advance tail кольца операций
// (подтверждение прочитанного), защищённая SPSC-дисциплиной.

// statsRetries - число попыток согласованного чтения статистики
const statsRetries = 5

// ErrDisconnected возвращается когда регион не существует или движок
// никогда его не создавал
var ErrDisconnected = fmt.Errorf("shm: engine region unavailable")

// Reader - процесс-супервизор поверх региона
type Reader struct {
	im     *Image
	f      *os.File
	mapped []byte
}

// OpenReader отображает существующий регион
//
// capacity должна совпадать с ёмкостью кольца писателя (контрактная
// константа, по умолчанию DefaultRingCapacity). Ошибка отображения
// трактуется вызывающим как статус disconnected с возможностью
// повторного открытия.
func OpenReader(name string, capacity int) (*Reader, error) {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}

	path := regionPath(name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	size := int(st.Size())
	if size < RegionSize(capacity) {
		f.Close()
		return nil, fmt.Errorf("%w: region too small (%d bytes)", ErrDisconnected, size)
	}

	// PROT_WRITE нужен только для advance tail; всё остальное читатель
	// не мутирует по контракту
	mapped, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: mmap: %v", ErrDisconnected, err)
	}

	im, err := ImageFromBytes(mapped, capacity)
	if err != nil {
		unix.Munmap(mapped)
		f.Close()
		return nil, err
	}

	return &Reader{im: im, f: f, mapped: mapped}, nil
}

// Image возвращает типизированный доступ к региону
func (r *Reader) Image() *Image { return r.im }

// Stats читает согласованный снимок статистики
//
// Алгоритм: acquire-чтение last_update_ns, чтение полей, повторное
// чтение last_update_ns; если значение изменилось - пакет порван,
// повторяем. После statsRetries неудач возвращаем последний снимок
// (счётчики монотонны, хуже устаревшего значения не будет).
func (r *Reader) Stats() models.EngineStats {
	var stats models.EngineStats

	for attempt := 0; attempt < statsRetries; attempt++ {
		before := r.im.LastUpdate()

		stats = models.EngineStats{
			EngineRunning: r.im.EngineRunning(),
			StrategyEnabled: [3]bool{
				r.im.StrategyEnabled(0),
				r.im.StrategyEnabled(1),
				r.im.StrategyEnabled(2),
			},
			OpportunitiesDetected: r.im.OppsDetected(),
			OpportunitiesExecuted: r.im.OppsExecuted(),
			OrdersPlaced:          r.im.OrdersPlaced(),
			OrdersFilled:          r.im.OrdersFilled(),
			TotalProfitUsd:        r.im.TotalProfit(),
			BalanceUsd:            r.im.Balance(),
			Wins:                  r.im.Wins(),
			Losses:                r.im.Losses(),
			WinRate:               r.im.WinRate(),
			OpenPositions:         r.im.OpenPositions(),
			AvgLatencyUs:          r.im.AvgLatency(),
			P99LatencyUs:          r.im.P99Latency(),
			LastUpdateNs:          before,
		}

		if r.im.LastUpdate() == before {
			break
		}
	}

	if stats.OpportunitiesDetected > 0 {
		stats.SuccessRate = float64(stats.OpportunitiesExecuted) / float64(stats.OpportunitiesDetected) * 100
	}
	if stats.OrdersPlaced > 0 {
		stats.FillRate = float64(stats.OrdersFilled) / float64(stats.OrdersPlaced) * 100
	}

	return stats
}

// Operations выгружает операции из кольца и подтверждает чтение
//
// Копирует записи в [tail, head), затем записывает tail := head -
// единственная мутация региона со стороны читателя. limit <= 0
// означает без ограничения.
func (r *Reader) Operations(limit int) []models.Operation {
	head := r.im.Head()
	tail := r.im.Tail()
	n := r.im.Capacity()

	if head == tail {
		return nil
	}

	count := int((head + n - tail) % n)
	if limit > 0 && count > limit {
		count = limit
	}

	ops := make([]models.Operation, 0, count)
	idx := tail
	for i := 0; i < count; i++ {
		ops = append(ops, r.im.LoadOperation(idx))
		idx = (idx + 1) % n
	}

	// Подтверждаем всё до head, даже если limit обрезал выдачу:
	// авторитетный счётчик операций - total_operations
	r.im.StoreTail(head)

	return ops
}

// HealthCheck классифицирует состояние движка
//
// Пороговые значения: p99 > 200 мкс - деградация; доля исполненных
// < 30% при > 10 обнаружениях - деградация.
func (r *Reader) HealthCheck() models.Health {
	stats := r.Stats()

	if !stats.EngineRunning {
		return models.Health{
			Status:  models.HealthStopped,
			Healthy: false,
			Message: "engine not running",
		}
	}

	if stats.P99LatencyUs > 200 {
		return models.Health{
			Status:  models.HealthDegraded,
			Healthy: false,
			Message: fmt.Sprintf("high latency: p99=%dus", stats.P99LatencyUs),
		}
	}

	if stats.SuccessRate < 30 && stats.OpportunitiesDetected > 10 {
		return models.Health{
			Status:  models.HealthDegraded,
			Healthy: false,
			Message: fmt.Sprintf("low success rate: %.1f%%", stats.SuccessRate),
		}
	}

	return models.Health{
		Status:  models.HealthHealthy,
		Healthy: true,
		Message: "all systems operational",
	}
}

// Close отключает отображение
func (r *Reader) Close() error {
	if r.mapped == nil {
		return nil
	}
	err := unix.Munmap(r.mapped)
	r.mapped = nil
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}
