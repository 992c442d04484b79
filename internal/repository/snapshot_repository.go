package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"arbcore/internal/models"
)

// SnapshotRepository - работа с таблицей orderbook_snapshots
//
// Назначение: Data Access Layer для top-of-book снапшотов
//
// Функции:
// - InsertBatch: батчевая запись снапшотов одного интервала рекордера
// - GetWindow: выборка окна для backtest (фильтры по символам/биржам)
// - CountInWindow: быстрая оценка объёма данных окна
// - DeleteBefore: очистка старых записей (retention)
//
// Снапшоты append-only; retention - забота вызывающего.
type SnapshotRepository struct {
	db *sql.DB
}

// NewSnapshotRepository создаёт репозиторий
func NewSnapshotRepository(db *sql.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// InsertBatch пишет батч снапшотов одной транзакцией через COPY
//
// Рекордер зовёт это раз в интервал; COPY держит стоимость записи
// плоской при сотнях ячеек (venue, symbol).
func (r *SnapshotRepository) InsertBatch(ctx context.Context, snaps []models.OrderbookSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("snapshot batch: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("orderbook_snapshots",
		"venue", "symbol", "bid", "ask", "bid_qty", "ask_qty", "ts_wall", "ts_ns"))
	if err != nil {
		return fmt.Errorf("snapshot batch: prepare copy: %w", err)
	}

	for _, s := range snaps {
		if _, err := stmt.ExecContext(ctx,
			s.Venue, s.Symbol, s.Bid, s.Ask, s.BidQty, s.AskQty, s.TsWall, s.TsNs); err != nil {
			stmt.Close()
			return fmt.Errorf("snapshot batch: copy row: %w", err)
		}
	}

	// Завершающий Exec сбрасывает COPY-буфер
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return fmt.Errorf("snapshot batch: flush copy: %w", err)
	}
	if err := stmt.Close(); err != nil {
		return fmt.Errorf("snapshot batch: close copy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("snapshot batch: commit: %w", err)
	}
	return nil
}

// GetWindow выбирает снапшоты окна [start, end], упорядоченные по
// wall-clock
//
// Пустые symbols/venues означают "без фильтра".
func (r *SnapshotRepository) GetWindow(
	ctx context.Context,
	start, end time.Time,
	symbols, venues []string,
) ([]models.OrderbookSnapshot, error) {
	query := `
		SELECT id, venue, symbol, bid, ask,
		       COALESCE(bid_qty, 0), COALESCE(ask_qty, 0),
		       ts_wall, ts_ns
		FROM orderbook_snapshots
		WHERE ts_wall >= $1 AND ts_wall <= $2
		  AND ($3::text[] IS NULL OR symbol = ANY($3))
		  AND ($4::text[] IS NULL OR venue = ANY($4))
		ORDER BY ts_wall, id`

	var symbolFilter, venueFilter interface{}
	if len(symbols) > 0 {
		symbolFilter = pq.Array(symbols)
	}
	if len(venues) > 0 {
		venueFilter = pq.Array(venues)
	}

	rows, err := r.db.QueryContext(ctx, query, start, end, symbolFilter, venueFilter)
	if err != nil {
		return nil, fmt.Errorf("snapshot window: query: %w", err)
	}
	defer rows.Close()

	var out []models.OrderbookSnapshot
	for rows.Next() {
		var s models.OrderbookSnapshot
		if err := rows.Scan(&s.ID, &s.Venue, &s.Symbol, &s.Bid, &s.Ask,
			&s.BidQty, &s.AskQty, &s.TsWall, &s.TsNs); err != nil {
			return nil, fmt.Errorf("snapshot window: scan: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot window: rows: %w", err)
	}

	return out, nil
}

// CountInWindow возвращает число снапшотов окна
func (r *SnapshotRepository) CountInWindow(ctx context.Context, start, end time.Time) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM orderbook_snapshots WHERE ts_wall >= $1 AND ts_wall <= $2`,
		start, end).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("snapshot count: %w", err)
	}
	return count, nil
}

// DeleteBefore удаляет снапшоты старше cutoff (retention)
func (r *SnapshotRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM orderbook_snapshots WHERE ts_wall < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("snapshot retention: %w", err)
	}
	return res.RowsAffected()
}
