package bot

import (
	"testing"

	"arbcore/internal/models"
	"arbcore/internal/shm"
)

func newTestImage(t *testing.T, capacity int) *shm.Image {
	t.Helper()
	im, err := shm.NewImage(capacity)
	if err != nil {
		t.Fatalf("NewImage: %v", err)
	}
	return im
}

// ============================================================
// OperationsRing Tests
// ============================================================

func TestRingPushAndLen(t *testing.T) {
	im := newTestImage(t, 100)
	r := NewOperationsRing(im)

	if r.Len() != 0 {
		t.Errorf("empty ring Len = %d", r.Len())
	}

	r.Push(models.Operation{ID: 1, Symbol: "BTCUSDT"})
	r.Push(models.Operation{ID: 2, Symbol: "ETHUSDT"})

	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
	if im.Head() != 2 || im.Tail() != 0 {
		t.Errorf("head/tail = %d/%d, want 2/0", im.Head(), im.Tail())
	}
	if im.TotalOps() != 2 {
		t.Errorf("total_operations = %d, want 2", im.TotalOps())
	}

	if got := im.LoadOperation(0); got.ID != 1 {
		t.Errorf("slot 0 id = %d, want 1", got.ID)
	}
	if got := im.LoadOperation(1); got.ID != 2 {
		t.Errorf("slot 1 id = %d, want 2", got.ID)
	}
}

func TestRingOverflowLossy(t *testing.T) {
	// Сценарий переполнения: N=100, 250 записей без читателя.
	// head==tail это "пусто", поэтому кольцо удерживает N-1 записей;
	// всё сверх затирается со счётчиком lost, сводные числа остаются
	// авторитетными в stats-блоке.
	im := newTestImage(t, 100)
	r := NewOperationsRing(im)

	for i := 1; i <= 250; i++ {
		r.Push(models.Operation{ID: uint64(i)})
	}

	if im.TotalOps() != 250 {
		t.Errorf("total_operations = %d, want 250", im.TotalOps())
	}
	if im.Head() != 250%100 {
		t.Errorf("head = %d, want %d", im.Head(), 250%100)
	}
	if r.Len() != 99 {
		t.Errorf("Len = %d, want 99 (capacity minus one)", r.Len())
	}
	if r.Lost() != 151 {
		t.Errorf("lost = %d, want 151", r.Lost())
	}

	// Кольцо содержит самые свежие записи: последняя = 250
	lastIdx := (im.Head() + r.Capacity() - 1) % r.Capacity()
	if got := im.LoadOperation(lastIdx); got.ID != 250 {
		t.Errorf("newest operation id = %d, want 250", got.ID)
	}

	// Старейшая доступная = 250 - 99 + 1 = 152
	if got := im.LoadOperation(im.Tail()); got.ID != 152 {
		t.Errorf("oldest operation id = %d, want 152", got.ID)
	}
}

func TestRingInvariantHeadTail(t *testing.T) {
	im := newTestImage(t, 8)
	r := NewOperationsRing(im)

	for i := 1; i <= 100; i++ {
		r.Push(models.Operation{ID: uint64(i)})

		head, tail := im.Head(), im.Tail()
		if head >= r.Capacity() || tail >= r.Capacity() {
			t.Fatalf("index out of range: head=%d tail=%d", head, tail)
		}
		// tail никогда не обгоняет head: длина всегда < N
		if r.Len() >= int(r.Capacity()) {
			t.Fatalf("ring length %d >= capacity %d", r.Len(), r.Capacity())
		}
	}
}

func TestRingReaderAck(t *testing.T) {
	im := newTestImage(t, 16)
	r := NewOperationsRing(im)

	for i := 1; i <= 5; i++ {
		r.Push(models.Operation{ID: uint64(i)})
	}

	// Читатель подтверждает: tail := head
	im.StoreTail(im.Head())

	if r.Len() != 0 {
		t.Errorf("Len after ack = %d, want 0", r.Len())
	}

	// Дальнейшие записи продолжаются с того же head
	r.Push(models.Operation{ID: 6})
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
	if got := im.LoadOperation(5); got.ID != 6 {
		t.Errorf("slot 5 id = %d, want 6", got.ID)
	}
}

func BenchmarkRingPush(b *testing.B) {
	im, err := shm.NewImage(100)
	if err != nil {
		b.Fatalf("NewImage: %v", err)
	}
	r := NewOperationsRing(im)
	op := models.Operation{
		ID:       1,
		Type:     models.OperationTypeArbitrage,
		Strategy: models.StrategyCrossExchange,
		Symbol:   "BTCUSDT",
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		op.ID = uint64(i)
		r.Push(op)
	}
}
