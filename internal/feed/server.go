package feed

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"arbcore/internal/bot"
	"arbcore/pkg/ratelimit"
	"arbcore/pkg/utils"
)

// server.go - приём котировок по WebSocket
//
// Ядро не содержит биржевых драйверов: внешние фидеры (коллабораторы
// процесса) пушат top-of-book сообщения в локальный endpoint, который
// транслирует их в submit_quote движка. На том же слушателе живут
// /metrics (prometheus) и /healthz.
//
// Каждое соединение получает собственный token-bucket лимитер:
// всплеск котировок сглаживается, залипший фидер не забивает очередь
// триггеров детектора.

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// Время ожидания записи служебных сообщений
	writeWait = 10 * time.Second

	// Период ожидания pong; ping шлётся чаще
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Котировочные сообщения маленькие; лимит с запасом
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Endpoint локальный (фидеры того же хоста), браузерных клиентов нет
	CheckOrigin: func(r *http.Request) bool { return true },
}

// QuoteSink - приёмник котировок; реализуется движком
type QuoteSink interface {
	SubmitQuote(venue, symbol string, bid, ask, bidQty, askQty float64, tsNs int64) error
}

// QuoteMessage - сообщение фидера
type QuoteMessage struct {
	Venue  string  `json:"venue"`
	Symbol string  `json:"symbol"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
	BidQty float64 `json:"bid_qty"`
	AskQty float64 `json:"ask_qty"`
	TsNs   int64   `json:"ts_ns"`
}

// Server - HTTP/WebSocket слушатель фида
type Server struct {
	sink QuoteSink
	log  *utils.Logger

	// quotesPerSec - лимит на соединение; 0 отключает лимитер
	quotesPerSec float64
}

// NewServer создаёт сервер фида
func NewServer(sink QuoteSink, quotesPerSec float64, log *utils.Logger) *Server {
	return &Server{
		sink:         sink,
		log:          log.WithComponent("feed"),
		quotesPerSec: quotesPerSec,
	}
}

// Routes регистрирует обработчики на роутере
func (s *Server) Routes(r *mux.Router) {
	r.HandleFunc("/ws/quotes", s.handleQuotes)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
}

// handleHealthz - проверка живости слушателя
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleQuotes апгрейдит соединение и читает котировки до разрыва
func (s *Server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", utils.Err(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Ping-цикл поддерживает соединение живым
	stop := make(chan struct{})
	defer close(stop)
	go s.pingLoop(conn, stop)

	var limiter *ratelimit.RateLimiter
	if s.quotesPerSec > 0 {
		limiter = ratelimit.NewRateLimiter(s.quotesPerSec, s.quotesPerSec*2)
	}

	s.log.Debug("feeder connected", utils.String("remote", r.RemoteAddr))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("feeder connection lost", utils.Err(err))
			}
			return
		}

		var msg QuoteMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.Warn("malformed quote message discarded", utils.Err(err))
			continue
		}

		if limiter != nil && !limiter.Allow() {
			// Фидер превысил лимит - котировка отброшена
			continue
		}

		tsNs := msg.TsNs
		if tsNs == 0 {
			tsNs = time.Now().UnixNano()
		}

		if err := s.sink.SubmitQuote(msg.Venue, msg.Symbol, msg.Bid, msg.Ask, msg.BidQty, msg.AskQty, tsNs); err != nil {
			if err == bot.ErrEngineStopped {
				return
			}
			// Невалидная котировка уже посчитана движком
			s.log.Debug("quote rejected",
				utils.Venue(msg.Venue), utils.Symbol(msg.Symbol), utils.Err(err))
		}
	}
}

// pingLoop шлёт ping до закрытия соединения
func (s *Server) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
