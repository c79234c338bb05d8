// Package orderlog persists the per-order audit trail: one row per
// placed order, marked to market while the position is open and closed
// out with a final P&L. Failures here must never stall trading, so the
// session treats every call as fire-and-forget.
package orderlog

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"optiontrader/internal/model"

	_ "github.com/mattn/go-sqlite3"
)

// Status values for an order row.
const (
	StatusRunning   = "Running"
	StatusCompleted = "Completed"
)

// Entry is one order placement to record.
type Entry struct {
	TS         time.Time
	Side       model.Side
	Token      string
	Strike     float64
	OptionType model.OptionType
	Expiry     string
	Lots       int64
	LotSize    int64
	Price      float64 // fill or limit price; 0 for market orders
}

// Log is a single-writer SQLite audit log.
type Log struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens (or creates) the order log database with WAL mode and the
// schema applied. Pass ":memory:" for an ephemeral log.
func Open(path string, logger *slog.Logger) (*Log, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("orderlog open: %w", err)
	}

	// Single writer: the session goroutine owns all mutations.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("orderlog schema: %w", err)
	}
	return &Log{db: db, log: logger}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			ts          INTEGER NOT NULL,
			side        TEXT    NOT NULL,
			token       TEXT    NOT NULL,
			strike      REAL    NOT NULL,
			option_type TEXT    NOT NULL,
			expiry      TEXT    NOT NULL,
			lots        INTEGER NOT NULL,
			lot_size    INTEGER NOT NULL,
			price       REAL    NOT NULL,
			live_price  REAL    NOT NULL,
			pnl         REAL    NOT NULL DEFAULT 0,
			status      TEXT    NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
	`)
	return err
}

// Append records a freshly placed order as Running, with the live price
// seeded from the fill price.
func (l *Log) Append(e Entry) error {
	_, err := l.db.Exec(`
		INSERT INTO orders (ts, side, token, strike, option_type, expiry, lots, lot_size, price, live_price, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TS.Unix(), string(e.Side), e.Token, e.Strike, string(e.OptionType),
		e.Expiry, e.Lots, e.LotSize, e.Price, e.Price, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("orderlog append: %w", err)
	}
	return nil
}

// MarkCompleted closes out all Running rows for a token with the exit
// price and the realized P&L.
func (l *Log) MarkCompleted(token string, exitPrice float64) error {
	_, err := l.db.Exec(`
		UPDATE orders
		SET live_price = ?, pnl = (? - price) * lots * lot_size, status = ?
		WHERE token = ? AND status = ?`,
		exitPrice, exitPrice, StatusCompleted, token, StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("orderlog complete: %w", err)
	}
	return nil
}

// UpdateValuations marks every Running row to market using the supplied
// price lookup. A lookup failure skips that row and continues; with
// final set, successfully valued rows are also flipped to Completed
// (used once at session end).
func (l *Log) UpdateValuations(live func(token string) (float64, error), final bool) error {
	rows, err := l.db.Query(`SELECT DISTINCT token FROM orders WHERE status = ?`, StatusRunning)
	if err != nil {
		return fmt.Errorf("orderlog valuation query: %w", err)
	}
	var tokens []string
	for rows.Next() {
		var tok string
		if err := rows.Scan(&tok); err != nil {
			rows.Close()
			return fmt.Errorf("orderlog valuation scan: %w", err)
		}
		tokens = append(tokens, tok)
	}
	rows.Close()

	status := StatusRunning
	if final {
		status = StatusCompleted
	}
	for _, tok := range tokens {
		lp, err := live(tok)
		if err != nil {
			l.log.Warn("order valuation skipped", "token", tok, "err", err)
			continue
		}
		_, err = l.db.Exec(`
			UPDATE orders
			SET live_price = ?, pnl = (? - price) * lots * lot_size, status = ?
			WHERE token = ? AND status = ?`,
			lp, lp, status, tok, StatusRunning,
		)
		if err != nil {
			return fmt.Errorf("orderlog valuation update: %w", err)
		}
	}
	return nil
}

// Row is one audit record as read back from the log.
type Row struct {
	ID         int64
	TS         time.Time
	Side       model.Side
	Token      string
	Strike     float64
	OptionType model.OptionType
	Expiry     string
	Lots       int64
	LotSize    int64
	Price      float64
	LivePrice  float64
	PnL        float64
	Status     string
}

// Rows returns all records in insertion order, for the API and tests.
func (l *Log) Rows() ([]Row, error) {
	rows, err := l.db.Query(`
		SELECT id, ts, side, token, strike, option_type, expiry, lots, lot_size, price, live_price, pnl, status
		FROM orders ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("orderlog read: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var ts int64
		var side, opt string
		if err := rows.Scan(&r.ID, &ts, &side, &r.Token, &r.Strike, &opt,
			&r.Expiry, &r.Lots, &r.LotSize, &r.Price, &r.LivePrice, &r.PnL, &r.Status); err != nil {
			return nil, fmt.Errorf("orderlog scan: %w", err)
		}
		r.TS = time.Unix(ts, 0)
		r.Side = model.Side(side)
		r.OptionType = model.OptionType(opt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// DB exposes the underlying handle for health probes.
func (l *Log) DB() *sql.DB {
	return l.db
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}
