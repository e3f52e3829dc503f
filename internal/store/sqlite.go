package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"jet_trader/internal/core"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// SQLiteStore is the single-node backend.
type SQLiteStore struct {
	db     *sql.DB
	logger core.ILogger
}

// NewSQLiteStore opens or creates the database at dsn and applies the schema.
func NewSQLiteStore(dsn string, logger core.ILogger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: sqlite serializes writers anyway, and a second
	// connection to a :memory: DSN would see a different database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.Exec(schemaSQLite); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger.WithField("component", "store")}, nil
}

func (s *SQLiteStore) SaveSignal(ctx context.Context, sig *core.Signal, status, detail string) error {
	query := `INSERT OR REPLACE INTO signals
		(id, recorder_id, received_at, action, ticker, alert_ticker, price, has_price,
		 qty, strategy, fingerprint, raw, status, detail, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		sig.ID, sig.RecorderID, sig.ReceivedAt.UnixNano(), string(sig.Action),
		sig.Ticker, sig.AlertTicker, sig.Price.String(), sig.HasPrice,
		sig.Qty, sig.Strategy, sig.Fingerprint, string(sig.Raw),
		status, detail, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save signal: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateSignalStatus(ctx context.Context, signalID, status, detail string) error {
	query := `UPDATE signals SET status = ?, detail = ?, updated_at = ? WHERE id = ?`
	_, err := s.db.ExecContext(ctx, query, status, detail, time.Now().UnixNano(), signalID)
	if err != nil {
		return fmt.Errorf("failed to update signal status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveVirtualPosition(ctx context.Context, pos *core.VirtualPosition) error {
	entries, err := marshalEntries(pos.Entries)
	if err != nil {
		return err
	}
	query := `INSERT OR REPLACE INTO virtual_positions
		(recorder_id, ticker, side, total_qty, avg_price, entries, opened_at, updated_at, open)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)`
	_, err = s.db.ExecContext(ctx, query,
		pos.RecorderID, pos.Ticker, string(pos.Side), pos.TotalQty,
		pos.AvgEntryPrice.String(), entries,
		pos.OpenedAt.UnixNano(), pos.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CloseVirtualPosition(ctx context.Context, key core.PositionKey) error {
	query := `UPDATE virtual_positions SET open = 0, updated_at = ? WHERE recorder_id = ? AND ticker = ?`
	_, err := s.db.ExecContext(ctx, query, time.Now().UnixNano(), key.RecorderID, key.Ticker)
	if err != nil {
		return fmt.Errorf("failed to close position: %w", err)
	}
	return nil
}

// GetOpenPosition returns nil without error when no open position exists.
func (s *SQLiteStore) GetOpenPosition(ctx context.Context, key core.PositionKey) (*core.VirtualPosition, error) {
	query := `SELECT ` + positionColumns + ` FROM virtual_positions
		WHERE recorder_id = ? AND ticker = ? AND open = 1`
	pos, err := positionFromRow(s.db.QueryRowContext(ctx, query, key.RecorderID, key.Ticker))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read position: %w", err)
	}
	return pos, nil
}

func (s *SQLiteStore) ListOpenPositions(ctx context.Context) ([]*core.VirtualPosition, error) {
	query := `SELECT ` + positionColumns + ` FROM virtual_positions
		WHERE open = 1 ORDER BY recorder_id, ticker`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var out []*core.VirtualPosition
	for rows.Next() {
		pos, err := positionFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read position: %w", err)
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveBrokerOrder(ctx context.Context, o *core.BrokerOrder) error {
	query := `INSERT OR REPLACE INTO broker_orders
		(order_id, account_id, symbol, role, action, order_type, qty, price, stop_price,
		 status, tag, seq, reason, text, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		o.OrderID, o.AccountID, o.Symbol, string(o.Role), string(o.Action),
		string(o.OrderType), o.Qty, o.Price.String(), o.StopPrice.String(),
		string(o.Status), o.Tag, o.Seq, o.Reason, o.Text, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateOrderStatus(ctx context.Context, orderID int64, status core.OrderStatus, reason, text string) error {
	query := `UPDATE broker_orders SET status = ?, reason = ?, text = ?, updated_at = ? WHERE order_id = ?`
	_, err := s.db.ExecContext(ctx, query, string(status), reason, text, time.Now().UnixNano(), orderID)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListWorkingOrders(ctx context.Context, accountID int64, symbol string) ([]*core.BrokerOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM broker_orders
		WHERE account_id = ? AND symbol = ? AND status IN (?, ?, ?) ORDER BY order_id`
	rows, err := s.db.QueryContext(ctx, query, accountID, symbol,
		string(core.StatusWorking), string(core.StatusNew), string(core.StatusPendingNew))
	if err != nil {
		return nil, fmt.Errorf("failed to list working orders: %w", err)
	}
	defer rows.Close()

	var out []*core.BrokerOrder
	for rows.Next() {
		o, err := orderFromRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertTrade(ctx context.Context, t *core.Trade) error {
	query := `INSERT INTO trades
		(id, recorder_id, ticker, side, qty, avg_entry, exit_price, realized, reason, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.RecorderID, t.Ticker, string(t.Side), t.Qty,
		t.AvgEntry.String(), t.ExitPrice.String(), t.RealizedUSD.String(),
		string(t.Reason), t.OpenedAt.UnixNano(), t.ClosedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

// SessionRealized sums realized P&L in Go because the column holds exact
// decimal strings, not floats.
func (s *SQLiteStore) SessionRealized(ctx context.Context, recorderID string, since time.Time) (decimal.Decimal, error) {
	query := `SELECT realized FROM trades WHERE recorder_id = ? AND closed_at >= ?`
	rows, err := s.db.QueryContext(ctx, query, recorderID, since.UnixNano())
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan trade: %w", err)
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("bad realized %q: %w", raw, err)
		}
		total = total.Add(d)
	}
	return total, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ core.IStore = (*SQLiteStore)(nil)
