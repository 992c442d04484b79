package bot

import (
	"sync/atomic"

	"arbcore/internal/models"
	"arbcore/internal/shm"
)

// ring.go - SPSC кольцо завершённых/открытых операций
//
// Единственный писатель - поток детектора, единственный читатель -
// супервизор (другой процесс, через shm.Reader). Два 32-битных
// индекса head/tail в образе:
//   head == tail            → пусто
//   (head+1) mod N == tail  → полно
//
// Переполнение lossy: старейшая запись затирается, tail двигает сам
// писатель. Для сводных чисел авторитетен stats-блок, не кольцо.
//
// Порядок записи: байты слота заполняются полностью, затем head
// публикуется атомарным store - читатель с acquire-load на head
// никогда не видит порванный слот.

// OperationsRing - кольцо операций поверх shared memory образа
type OperationsRing struct {
	im *shm.Image
	n  uint32

	// lost - затёртые при переполнении записи (opps_lost)
	lost atomic.Uint64
}

// NewOperationsRing создаёт кольцо поверх образа
func NewOperationsRing(im *shm.Image) *OperationsRing {
	return &OperationsRing{
		im: im,
		n:  im.Capacity(),
	}
}

// Push записывает операцию, затирая старейшую при переполнении
func (r *OperationsRing) Push(op models.Operation) {
	head := r.im.Head()
	next := (head + 1) % r.n

	if next == r.im.Tail() {
		// Кольцо полно: двигаем tail, запись под ним потеряна
		r.im.StoreTail((r.im.Tail() + 1) % r.n)
		r.lost.Add(1)
	}

	r.im.StoreOperation(head, op)
	r.im.StoreHead(next)
	r.im.StoreTotalOps(r.im.TotalOps() + 1)
}

// Len возвращает число непрочитанных записей
func (r *OperationsRing) Len() int {
	head := r.im.Head()
	tail := r.im.Tail()
	return int((head + r.n - tail) % r.n)
}

// Lost возвращает счётчик затёртых записей
func (r *OperationsRing) Lost() uint64 {
	return r.lost.Load()
}

// Capacity возвращает ёмкость кольца
func (r *OperationsRing) Capacity() uint32 {
	return r.n
}
