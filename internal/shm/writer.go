package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// writer.go - движковая сторона shared memory региона
//
// Ровно один процесс-писатель (движок) создаёт и отображает регион
// read-write. Инициализация write-once при старте: файл усекается до
// размера региона, заголовок зануляется, engine_running := true.
// Teardown снимает engine_running, чтобы супервизоры увидели останов.

// DefaultRegionName - имя региона по умолчанию
const DefaultRegionName = "arbcore_engine"

// regionPath возвращает путь файла региона
//
// POSIX-имя вида "/arbcore_engine" отображается в /dev/shm; имя с
// вложенными разделителями трактуется как обычный путь файла
// (используется тестами и нестандартными размещениями).
func regionPath(name string) string {
	trimmed := strings.TrimPrefix(name, "/")
	if strings.ContainsRune(trimmed, '/') {
		return name
	}
	return filepath.Join("/dev/shm", trimmed)
}

// Writer владеет отображённым регионом на стороне движка
type Writer struct {
	im     *Image
	f      *os.File
	mapped []byte
	path   string
}

// CreateWriter создаёт (или пересоздаёт) регион и отображает его
//
// Ошибка отображения при старте фатальна для процесса движка -
// решение принимает вызывающий (main завершается с ненулевым кодом).
func CreateWriter(name string, capacity int) (*Writer, error) {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	if capacity > MaxRingCapacity {
		return nil, fmt.Errorf("shm: ring capacity %d exceeds u32 index range", capacity)
	}

	path := regionPath(name)
	size := RegionSize(capacity)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("shm: open region %s: %w", path, err)
	}

	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: truncate region to %d bytes: %w", size, err)
	}

	mapped, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap region: %w", err)
	}

	im, err := ImageFromBytes(mapped, capacity)
	if err != nil {
		unix.Munmap(mapped)
		f.Close()
		return nil, err
	}

	im.Zero()
	im.SetEngineRunning(true)

	return &Writer{im: im, f: f, mapped: mapped, path: path}, nil
}

// Image возвращает типизированный доступ к региону
func (w *Writer) Image() *Image { return w.im }

// Path возвращает путь файла региона
func (w *Writer) Path() string { return w.path }

// Close снимает engine_running и отключает отображение.
// Файл региона остаётся: супервизор наблюдает engine_running=false.
func (w *Writer) Close() error {
	if w.mapped == nil {
		return nil
	}
	w.im.SetEngineRunning(false)

	err := unix.Munmap(w.mapped)
	w.mapped = nil
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}
