package control

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"

	"arbcore/internal/bot"
	"arbcore/pkg/utils"
)

// server.go - контрольный канал движка
//
// Локальный stream-сокет принимает кадры фиксированной ширины
// 260 байт: {u32 cmd; char data[256]}. Ответных кадров нет - вызывающий
// наблюдает эффект через stats-блок shared memory. Эффекты применяются
// движком на границе следующего скана.
//
// Обрыв кадра (короткое чтение) закрывает только это соединение;
// сокет продолжает принимать новых клиентов. Неизвестные команды
// отбрасываются со счётчиком.

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Формат кадра
const (
	FrameSize   = 260
	cmdSize     = 4
	payloadSize = 256
)

// Команды
const (
	CmdStartStrategy uint32 = 0
	CmdStopStrategy  uint32 = 1
	CmdUpdateConfig  uint32 = 2
	CmdShutdown      uint32 = 3
)

// DefaultSocketPath - путь сокета по умолчанию
const DefaultSocketPath = "/tmp/arbcore_engine.sock"

// Controller - эффекты команд; реализуется движком (bot.Engine)
type Controller interface {
	StartStrategy(name string) error
	StopStrategy(name string) error
	UpdateConfig(raw []byte) error
	Shutdown()
}

// strategyPayload - JSON-тело start/stop команды супервизора
type strategyPayload struct {
	Strategy string `json:"strategy"`
}

// Server - слушатель контрольного сокета
type Server struct {
	path       string
	controller Controller
	log        *utils.Logger

	ln     net.Listener
	wg     sync.WaitGroup
	closed atomic.Bool

	// Счётчики протокольных ошибок
	unknownCommands atomic.Uint64
	malformedFrames atomic.Uint64
}

// NewServer создаёт сервер контрольного канала
func NewServer(path string, controller Controller, log *utils.Logger) *Server {
	if path == "" {
		path = DefaultSocketPath
	}
	return &Server{
		path:       path,
		controller: controller,
		log:        log.WithComponent("control"),
	}
}

// Path возвращает путь сокета
func (s *Server) Path() string { return s.path }

// UnknownCommands возвращает счётчик отброшенных неизвестных команд
func (s *Server) UnknownCommands() uint64 { return s.unknownCommands.Load() }

// MalformedFrames возвращает счётчик оборванных кадров
func (s *Server) MalformedFrames() uint64 { return s.malformedFrames.Load() }

// Start открывает сокет и запускает accept-цикл
func (s *Server) Start(ctx context.Context) error {
	// Хвост предыдущего запуска
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("control: remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.path, err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop()

	// Закрытие по отмене контекста
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	s.log.Info("control channel listening", utils.String("path", s.path))
	return nil
}

// acceptLoop принимает соединения до закрытия слушателя
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", utils.Err(err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.serveConn(conn)
		}()
	}
}

// serveConn читает кадры фиксированной ширины до EOF
func (s *Server) serveConn(conn net.Conn) {
	frame := make([]byte, FrameSize)

	for {
		_, err := io.ReadFull(conn, frame)
		if err == io.EOF {
			return
		}
		if err != nil {
			// Оборванный кадр: соединение закрывается, сокет живёт
			s.malformedFrames.Add(1)
			s.log.Warn("malformed control frame discarded", utils.Err(err))
			return
		}

		s.dispatch(frame)
	}
}

// dispatch разбирает кадр и применяет команду
func (s *Server) dispatch(frame []byte) {
	cmd := binary.LittleEndian.Uint32(frame[:cmdSize])
	payload := bytes.TrimRight(frame[cmdSize:cmdSize+payloadSize], "\x00")

	switch cmd {
	case CmdStartStrategy:
		name := parseStrategyName(payload)
		bot.RecordControlCommand("start_strategy")
		if err := s.controller.StartStrategy(name); err != nil {
			s.log.Warn("start_strategy rejected", utils.Strategy(name), utils.Err(err))
		}

	case CmdStopStrategy:
		name := parseStrategyName(payload)
		bot.RecordControlCommand("stop_strategy")
		if err := s.controller.StopStrategy(name); err != nil {
			s.log.Warn("stop_strategy rejected", utils.Strategy(name), utils.Err(err))
		}

	case CmdUpdateConfig:
		bot.RecordControlCommand("update_config")
		if err := s.controller.UpdateConfig(payload); err != nil {
			s.log.Warn("update_config rejected", utils.Err(err))
		}

	case CmdShutdown:
		bot.RecordControlCommand("shutdown")
		s.log.Info("shutdown requested via control channel")
		s.controller.Shutdown()

	default:
		// Неизвестные команды отбрасываются со счётчиком
		s.unknownCommands.Add(1)
		bot.RecordControlCommand("unknown")
		s.log.Warn("unknown control command dropped", utils.Uint64("cmd", uint64(cmd)))
	}
}

// parseStrategyName достаёт имя стратегии из payload
//
// Супервизор шлёт JSON {"strategy": "..."}; голое текстовое имя тоже
// принимается (формат кадра это допускает).
func parseStrategyName(payload []byte) string {
	var body strategyPayload
	if err := json.Unmarshal(payload, &body); err == nil && body.Strategy != "" {
		return body.Strategy
	}
	return string(bytes.TrimSpace(payload))
}

// Close останавливает слушатель и дожидается обработчиков
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.wg.Wait()
	os.Remove(s.path)
	return err
}

// ============================================================
// Клиент (сторона супервизора, используется тестами и инструментами)
// ============================================================

// EncodeFrame упаковывает команду в кадр фиксированной ширины
func EncodeFrame(cmd uint32, payload []byte) ([]byte, error) {
	if len(payload) > payloadSize {
		return nil, fmt.Errorf("control: payload %d bytes exceeds %d", len(payload), payloadSize)
	}
	frame := make([]byte, FrameSize)
	binary.LittleEndian.PutUint32(frame[:cmdSize], cmd)
	copy(frame[cmdSize:], payload)
	return frame, nil
}

// Send соединяется с сокетом и отправляет один кадр
func Send(path string, cmd uint32, payload []byte) error {
	frame, err := EncodeFrame(cmd, payload)
	if err != nil {
		return err
	}

	conn, err := net.Dial("unix", path)
	if err != nil {
		return fmt.Errorf("control: dial %s: %w", path, err)
	}
	defer conn.Close()

	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("control: send frame: %w", err)
	}
	return nil
}

// StartStrategy шлёт команду запуска стратегии
func StartStrategy(path, name string) error {
	payload, _ := json.Marshal(strategyPayload{Strategy: name})
	return Send(path, CmdStartStrategy, payload)
}

// StopStrategy шлёт команду останова стратегии
func StopStrategy(path, name string) error {
	payload, _ := json.Marshal(strategyPayload{Strategy: name})
	return Send(path, CmdStopStrategy, payload)
}

// UpdateConfig шлёт горячее обновление параметров
func UpdateConfig(path string, config []byte) error {
	return Send(path, CmdUpdateConfig, config)
}

// Shutdown шлёт команду останова движка
func Shutdown(path string) error {
	return Send(path, CmdShutdown, nil)
}
