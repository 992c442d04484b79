package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"arbcore/internal/backtest"
	"arbcore/internal/bot"
	"arbcore/internal/config"
	"arbcore/internal/repository"
	"arbcore/pkg/utils"
)

// backtest - прогон записанного окна через правила детекции
//
// Пример:
//
//	backtest -start 2024-06-01T00:00:00Z -end 2024-06-01T06:00:00Z \
//	         -symbols BTCUSDT,ETHUSDT -venues binance,bybit \
//	         -min-spread 3 -fee 10 -slippage 2
//
// Результат печатается в stdout как JSON и сохраняется в таблицу
// backtest_results.
func main() {
	var (
		startStr  = flag.String("start", "", "window start (RFC3339)")
		endStr    = flag.String("end", "", "window end (RFC3339)")
		symbols   = flag.String("symbols", "", "comma-separated symbols (empty = all)")
		venues    = flag.String("venues", "", "comma-separated venues (empty = all)")
		minSpread = flag.Float64("min-spread", -1, "min_spread_bps override (-1 = config default)")
		fee       = flag.Float64("fee", -1, "fee_bps override (-1 = config default)")
		slippage  = flag.Float64("slippage", -1, "slippage_bps override (-1 = config default)")
		timeout   = flag.Duration("timeout", 5*time.Minute, "replay timeout")
	)
	flag.Parse()

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

	start, err := time.Parse(time.RFC3339, *startStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -start: %v\n", err)
		os.Exit(2)
	}
	end, err := time.Parse(time.RFC3339, *endStr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -end: %v\n", err)
		os.Exit(2)
	}
	if !end.After(start) {
		fmt.Fprintln(os.Stderr, "-end must be after -start")
		os.Exit(2)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		log.Error("database unavailable", utils.Err(err))
		os.Exit(1)
	}
	defer db.Close()

	defaults := func() bot.SpreadParams {
		return bot.SpreadParams{
			MinSpreadBps: cfg.Engine.MinSpreadBps,
			FeeBps:       cfg.Engine.FeeBps,
			SlippageBps:  cfg.Engine.SlippageBps,
		}
	}

	engine := backtest.NewEngine(
		repository.NewSnapshotRepository(db),
		repository.NewBacktestRepository(db),
		defaults,
		log,
	)

	req := backtest.Request{
		Start:   start,
		End:     end,
		Symbols: splitList(*symbols),
		Venues:  splitList(*venues),
	}
	if *minSpread >= 0 {
		req.MinSpreadBps = minSpread
	}
	if *fee >= 0 {
		req.FeeBps = fee
	}
	if *slippage >= 0 {
		req.SlippageBps = slippage
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	result, err := engine.Run(ctx, req)
	if err != nil {
		log.Error("backtest failed", utils.Err(err))
		os.Exit(1)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Error("marshal result", utils.Err(err))
		os.Exit(1)
	}
	fmt.Println(string(out))
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host, cfg.Database.Port,
		cfg.Database.User, cfg.Database.Password,
		cfg.Database.Name, cfg.Database.SSLMode,
	)

	db, err := sql.Open(cfg.Database.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return db, nil
}
