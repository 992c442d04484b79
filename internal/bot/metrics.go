package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики торгового ядра
// ============================================================
//
// Использование:
// - Grafana дашборды для визуализации
// - Alertmanager для уведомлений о проблемах
// - Анализ латентности детектора в production

// ============ Метрики латентности ============

// ScanLatency - время скана символа от триггера до завершения
// Buckets оптимизированы для sub-millisecond детекции
var ScanLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "arbcore",
		Subsystem: "engine",
		Name:      "scan_latency_us",
		Help:      "Detector scan latency from trigger to completion in microseconds",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
	},
	[]string{"symbol"},
)

// ============ Счётчики событий ============

// QuotesSubmitted - принятые котировки
var QuotesSubmitted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbcore",
		Subsystem: "engine",
		Name:      "quotes_submitted_total",
		Help:      "Total number of accepted quote submissions",
	},
	[]string{"venue"},
)

// QuotesRejected - отклонённые котировки (невалидные числа)
var QuotesRejected = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "arbcore",
		Subsystem: "engine",
		Name:      "quotes_rejected_total",
		Help:      "Total number of rejected quote submissions",
	},
)

// OpportunitiesDetectedTotal - net-eligible возможности
var OpportunitiesDetectedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbcore",
		Subsystem: "engine",
		Name:      "opportunities_detected_total",
		Help:      "Number of net-eligible arbitrage opportunities detected",
	},
	[]string{"symbol"},
)

// OpportunitiesExecutedTotal - исполненные операции
var OpportunitiesExecutedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbcore",
		Subsystem: "engine",
		Name:      "opportunities_executed_total",
		Help:      "Number of executed (simulated) arbitrage operations",
	},
	[]string{"symbol"},
)

// NetSpreadObserved - чистые спреды исполненных операций
var NetSpreadObserved = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "arbcore",
		Subsystem: "engine",
		Name:      "net_spread_bps",
		Help:      "Net spread of executed operations in basis points",
		Buckets:   []float64{0, 1, 2, 3, 5, 10, 20, 50, 100},
	},
	[]string{"symbol"},
)

// ============ Метрики деградации ============

// TriggerOverflows - переполнения очереди триггеров скана
var TriggerOverflows = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "arbcore",
		Subsystem: "engine",
		Name:      "trigger_overflows_total",
		Help:      "Number of scan triggers dropped due to full queue",
	},
)

// RingOverwrites - затирания кольца операций при переполнении
var RingOverwrites = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "arbcore",
		Subsystem: "engine",
		Name:      "ring_overwrites_total",
		Help:      "Number of operations lost to ring overflow",
	},
)

// SymbolScanErrors - изолированные ошибки скана символа
var SymbolScanErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbcore",
		Subsystem: "engine",
		Name:      "symbol_scan_errors_total",
		Help:      "Number of per-symbol scan failures (isolated, scan continues)",
	},
	[]string{"symbol"},
)

// ConfigRejectsTotal - отклонённые горячие обновления конфигурации
var ConfigRejectsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "arbcore",
		Subsystem: "control",
		Name:      "config_rejects_total",
		Help:      "Number of rejected config hot-reload attempts",
	},
)

// ControlCommands - принятые команды контрольного канала
var ControlCommands = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "arbcore",
		Subsystem: "control",
		Name:      "commands_total",
		Help:      "Control channel commands by type",
	},
	[]string{"command"}, // start_strategy, stop_strategy, update_config, shutdown, unknown
)

// RecorderBatchSize - размер батча снапшотов рекордера
var RecorderBatchSize = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "arbcore",
		Subsystem: "recorder",
		Name:      "batch_size",
		Help:      "Number of snapshots per recorder flush",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
	},
)

// RecorderFlushErrors - неудачные flush'и рекордера
var RecorderFlushErrors = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "arbcore",
		Subsystem: "recorder",
		Name:      "flush_errors_total",
		Help:      "Number of failed snapshot batch writes",
	},
)

// ============ Вспомогательные функции ============

// RecordQuote учитывает принятую котировку
func RecordQuote(venue string) {
	QuotesSubmitted.WithLabelValues(venue).Inc()
}

// RecordQuoteRejected учитывает отклонённую котировку
func RecordQuoteRejected() {
	QuotesRejected.Inc()
}

// RecordOpportunity учитывает обнаруженную возможность
func RecordOpportunity(symbol string, executed bool, netBps float64) {
	OpportunitiesDetectedTotal.WithLabelValues(symbol).Inc()
	if executed {
		OpportunitiesExecutedTotal.WithLabelValues(symbol).Inc()
		NetSpreadObserved.WithLabelValues(symbol).Observe(netBps)
	}
}

// RecordScanLatency учитывает латентность скана
func RecordScanLatency(symbol string, us float64) {
	ScanLatency.WithLabelValues(symbol).Observe(us)
}

// RecordControlCommand учитывает команду контрольного канала
func RecordControlCommand(name string) {
	ControlCommands.WithLabelValues(name).Inc()
}
