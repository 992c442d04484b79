package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"

	"arbcore/internal/bot"
	"arbcore/internal/config"
	"arbcore/internal/control"
	"arbcore/internal/feed"
	"arbcore/internal/recorder"
	"arbcore/internal/repository"
	"arbcore/internal/shm"
	"arbcore/pkg/utils"
)

func main() {
	// Загрузка конфигурации
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := utils.InitGlobalLogger(utils.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("engine exited with error", utils.Err(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *utils.Logger) error {
	// Shared memory регион: ошибка отображения при старте фатальна,
	// супервизоры увидят disconnected
	writer, err := shm.CreateWriter(cfg.Shm.Name, cfg.Shm.RingCapacity)
	if err != nil {
		return fmt.Errorf("map shared memory region: %w", err)
	}
	defer writer.Close()
	log.Info("shared memory region mapped", utils.String("path", writer.Path()))

	// Движок
	engine, err := bot.NewEngine(bot.Options{
		Image: writer.Image(),
		Params: bot.Params{
			MinSpreadBps:    cfg.Engine.MinSpreadBps,
			FeeBps:          cfg.Engine.FeeBps,
			SlippageBps:     cfg.Engine.SlippageBps,
			FreshnessWindow: cfg.Engine.FreshnessWindow,
			NotionalUsd:     cfg.Engine.NotionalUsd,
			PositionCapUsd:  cfg.Engine.PositionCapUsd,
			QtyStep:         bot.DefaultParams().QtyStep,
		},
		Logger:             log,
		StartingBalanceUsd: cfg.Engine.BalanceUsd,
		TriggerBuffer:      cfg.Engine.TriggerBuffer,
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Поток детектора
	engineDone := make(chan error, 1)
	go func() { engineDone <- engine.Run(ctx) }()

	// Контрольный канал
	ctrl := control.NewServer(cfg.Control.SocketPath, engine, log)
	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	defer ctrl.Close()

	// База снапшотов и рекордер
	if cfg.Recorder.Enabled {
		db, err := initDatabase(cfg)
		if err != nil {
			return fmt.Errorf("connect snapshot database: %w", err)
		}
		defer db.Close()
		log.Info("connected to snapshot database")

		snapshotRepo := repository.NewSnapshotRepository(db)
		rec := recorder.NewRecorder(engine.Cache(), snapshotRepo, recorder.Config{
			Interval:         cfg.Recorder.Interval,
			MoveThresholdPct: cfg.Recorder.MoveThresholdPct,
		}, log)
		go rec.Run(ctx)
	}

	// Quote feed + /metrics + /healthz
	feedSrv := feed.NewServer(engine, cfg.Feed.QuotesPerSec, log)
	router := mux.NewRouter()
	feedSrv.Routes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("feed listener started", utils.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("feed listener failed", utils.Err(err))
		}
	}()

	// Останов: сигнал ОС или команда shutdown с контрольного канала
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("signal received, shutting down", utils.String("signal", sig.String()))
		cancel()
		<-engine.Done()
	case err := <-engineDone:
		// Движок остановлен изнутри (shutdown команда)
		if err != nil && err != bot.ErrEngineStopped {
			log.Warn("engine loop ended", utils.Err(err))
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("feed listener shutdown: %w", err)
	}

	log.Info("engine exited")
	return nil
}

// initDatabase создает подключение к базе данных снапшотов
func initDatabase(cfg *config.Config) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Name,
		cfg.Database.SSLMode,
	)

	db, err := sql.Open(cfg.Database.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Настройка пула соединений
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, nil
}
