// Package tradestore is the durable, queryable trade log (§4.A): every
// trade the order book produces is eventually written here, and
// range/candle queries are served from here rather than from the
// in-memory order book.
//
// Storage is SQLite via mattn/go-sqlite3, with the prepared-statement
// and transactional-batch-insert pattern grounded on the pack's
// database/marketdata.go: one long-lived connection opened with WAL
// journaling, a prepared insert statement reused across a transaction
// per flush rather than parsed per row.
package tradestore

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"limit-exchange/domain"
	"limit-exchange/internal/xerrors"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	ts         REAL    NOT NULL,
	buyer_id   TEXT    NOT NULL,
	seller_id  TEXT    NOT NULL,
	price      INTEGER NOT NULL,
	quantity   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(ts);
`

const insertTradeQuery = `INSERT INTO trades (ts, buyer_id, seller_id, price, quantity) VALUES (?, ?, ?, ?, ?)`

// Store is the durable trade log. Opening it is idempotent: the schema
// is created only if missing, so restarting against an existing
// database file keeps prior history.
type Store struct {
	db       *sql.DB
	stmtTrade *sql.Stmt
}

// Open opens (or creates) the SQLite database at path and prepares the
// insert statement. WAL mode lets the periodic flush writer and
// concurrent historical-query readers proceed without blocking each
// other on a single file lock.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", xerrors.ErrStoreUnavailable, path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: init schema: %v", xerrors.ErrStoreUnavailable, err)
	}
	stmt, err := db.Prepare(insertTradeQuery)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: prepare insert: %v", xerrors.ErrStoreUnavailable, err)
	}
	return &Store{db: db, stmtTrade: stmt}, nil
}

// Close releases the prepared statement and underlying connection.
func (s *Store) Close() error {
	_ = s.stmtTrade.Close()
	return s.db.Close()
}

// FlushBatch durably writes trades in a single transaction. On failure
// the caller should keep the trades in its pending buffer and retry on
// the next tick (§5: the flush never clears the buffer until the
// write actually succeeds) rather than dropping them.
func (s *Store) FlushBatch(trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", xerrors.ErrStoreUnavailable, err)
	}
	stmt := tx.Stmt(s.stmtTrade)
	for _, t := range trades {
		if _, err := stmt.Exec(t.Timestamp, t.BuyerID, t.SellerID, t.Price, t.Quantity); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: insert trade: %v", xerrors.ErrStoreUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", xerrors.ErrStoreUnavailable, err)
	}
	return nil
}

// RangeTrades returns trades with from <= ts <= to, ordered oldest
// first. hasFrom/hasTo false means unbounded on that side; the matching
// fromTS/toTS value is then ignored.
func (s *Store) RangeTrades(fromTS, toTS float64, hasFrom, hasTo bool) ([]domain.Trade, error) {
	query := `SELECT ts, buyer_id, seller_id, price, quantity FROM trades WHERE 1=1`
	var args []any
	if hasFrom {
		query += ` AND ts >= ?`
		args = append(args, fromTS)
	}
	if hasTo {
		query += ` AND ts <= ?`
		args = append(args, toTS)
	}
	query += ` ORDER BY ts ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: range query: %v", xerrors.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var t domain.Trade
		if err := rows.Scan(&t.Timestamp, &t.BuyerID, &t.SellerID, &t.Price, &t.Quantity); err != nil {
			return nil, fmt.Errorf("%w: scan trade: %v", xerrors.ErrStoreUnavailable, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Candle is one OHLC bucket (§4.D).
type Candle struct {
	BucketStart float64
	Open        int64
	High        int64
	Low         int64
	Close       int64
	Volume      int64
}

// OHLC buckets trades into fixed-width candles of interval seconds
// (interval <= 0 is rejected per §7). Bucketing is done in Go after a
// single ordered query rather than with a window-function query: it
// keeps the SQL portable and the aggregation logic in one place that
// is easy to unit test, at the cost of holding one symbol's queried
// range in memory — acceptable for a single-symbol simulator.
func (s *Store) OHLC(fromTS, toTS float64, hasFrom, hasTo bool, interval float64) ([]Candle, error) {
	if interval <= 0 {
		return nil, xerrors.ErrInvalidInterval
	}
	trades, err := s.RangeTrades(fromTS, toTS, hasFrom, hasTo)
	if err != nil {
		return nil, err
	}
	return bucketize(trades, interval), nil
}

func bucketize(trades []domain.Trade, interval float64) []Candle {
	var out []Candle
	var cur *Candle
	var curBucket float64
	first := true

	for _, t := range trades {
		bucket := float64(int64(t.Timestamp/interval)) * interval
		if first || bucket != curBucket {
			if cur != nil {
				out = append(out, *cur)
			}
			cur = &Candle{BucketStart: bucket, Open: t.Price, High: t.Price, Low: t.Price, Close: t.Price, Volume: t.Quantity}
			curBucket = bucket
			first = false
			continue
		}
		if t.Price > cur.High {
			cur.High = t.Price
		}
		if t.Price < cur.Low {
			cur.Low = t.Price
		}
		cur.Close = t.Price
		cur.Volume += t.Quantity
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}
