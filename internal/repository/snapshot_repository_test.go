package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"arbcore/internal/models"
)

// ============================================================
// SnapshotRepository Tests
// ============================================================

func TestNewSnapshotRepository(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	repo := NewSnapshotRepository(db)
	if repo == nil {
		t.Fatal("NewSnapshotRepository returned nil")
	}
	if repo.db != db {
		t.Error("db not set correctly")
	}
}

func testSnapshots() []models.OrderbookSnapshot {
	wall := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return []models.OrderbookSnapshot{
		{Venue: "binance", Symbol: "BTCUSDT", Bid: 30000, Ask: 30010, BidQty: 1, AskQty: 2, TsWall: wall, TsNs: wall.UnixNano()},
		{Venue: "bybit", Symbol: "BTCUSDT", Bid: 30020, Ask: 30025, BidQty: 3, AskQty: 4, TsWall: wall, TsNs: wall.UnixNano()},
	}
}

func TestSnapshotRepositoryInsertBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	snaps := testSnapshots()

	mock.ExpectBegin()
	stmt := mock.ExpectPrepare(`COPY "orderbook_snapshots"`)
	for _, s := range snaps {
		stmt.ExpectExec().
			WithArgs(s.Venue, s.Symbol, s.Bid, s.Ask, s.BidQty, s.AskQty, s.TsWall, s.TsNs).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	// Завершающий Exec сбрасывает COPY-буфер
	stmt.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	repo := NewSnapshotRepository(db)
	if err := repo.InsertBatch(context.Background(), snaps); err != nil {
		t.Fatalf("InsertBatch: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSnapshotRepositoryInsertBatchEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	// Пустой батч не трогает БД
	repo := NewSnapshotRepository(db)
	if err := repo.InsertBatch(context.Background(), nil); err != nil {
		t.Fatalf("InsertBatch(nil): %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database activity: %v", err)
	}
}

func TestSnapshotRepositoryInsertBatchRollbackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	snaps := testSnapshots()[:1]

	mock.ExpectBegin()
	stmt := mock.ExpectPrepare(`COPY "orderbook_snapshots"`)
	stmt.ExpectExec().
		WithArgs(snaps[0].Venue, snaps[0].Symbol, snaps[0].Bid, snaps[0].Ask,
			snaps[0].BidQty, snaps[0].AskQty, snaps[0].TsWall, snaps[0].TsNs).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	repo := NewSnapshotRepository(db)
	if err := repo.InsertBatch(context.Background(), snaps); err == nil {
		t.Fatal("expected error")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSnapshotRepositoryGetWindow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	start := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	rows := sqlmock.NewRows([]string{
		"id", "venue", "symbol", "bid", "ask", "bid_qty", "ask_qty", "ts_wall", "ts_ns",
	}).
		AddRow(1, "binance", "BTCUSDT", 30000.0, 30010.0, 1.0, 2.0, start, start.UnixNano()).
		AddRow(2, "bybit", "BTCUSDT", 30020.0, 30025.0, 3.0, 4.0, start, start.UnixNano())

	mock.ExpectQuery(`SELECT id, venue, symbol, bid, ask`).
		WithArgs(start, end, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(rows)

	repo := NewSnapshotRepository(db)
	snaps, err := repo.GetWindow(context.Background(), start, end, []string{"BTCUSDT"}, nil)
	if err != nil {
		t.Fatalf("GetWindow: %v", err)
	}

	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
	if snaps[0].Venue != "binance" || snaps[1].Venue != "bybit" {
		t.Errorf("order mismatch: %s, %s", snaps[0].Venue, snaps[1].Venue)
	}
	if snaps[0].Bid != 30000 || snaps[0].Ask != 30010 {
		t.Errorf("prices = %v/%v", snaps[0].Bid, snaps[0].Ask)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestSnapshotRepositoryGetWindowEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	start := time.Now()
	end := start.Add(time.Hour)

	mock.ExpectQuery(`SELECT id, venue, symbol, bid, ask`).
		WithArgs(start, end, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "venue", "symbol", "bid", "ask", "bid_qty", "ask_qty", "ts_wall", "ts_ns",
		}))

	repo := NewSnapshotRepository(db)
	snaps, err := repo.GetWindow(context.Background(), start, end, nil, nil)
	if err != nil {
		t.Fatalf("GetWindow: %v", err)
	}
	if len(snaps) != 0 {
		t.Errorf("got %d snapshots, want 0", len(snaps))
	}
}

func TestSnapshotRepositoryCountInWindow(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	start := time.Now()
	end := start.Add(time.Hour)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM orderbook_snapshots`).
		WithArgs(start, end).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	repo := NewSnapshotRepository(db)
	count, err := repo.CountInWindow(context.Background(), start, end)
	if err != nil {
		t.Fatalf("CountInWindow: %v", err)
	}
	if count != 42 {
		t.Errorf("count = %d, want 42", count)
	}
}

func TestSnapshotRepositoryDeleteBefore(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	cutoff := time.Now().Add(-24 * time.Hour)

	mock.ExpectExec(`DELETE FROM orderbook_snapshots`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 100))

	repo := NewSnapshotRepository(db)
	deleted, err := repo.DeleteBefore(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("DeleteBefore: %v", err)
	}
	if deleted != 100 {
		t.Errorf("deleted = %d, want 100", deleted)
	}
}
