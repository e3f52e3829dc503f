package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"jet_trader/internal/core"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresStore is the shared-database backend.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger core.ILogger
}

// NewPostgresStore connects to dsn and applies the schema.
func NewPostgresStore(dsn string, logger core.ILogger) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaPostgres); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &PostgresStore{pool: pool, logger: logger.WithField("component", "store")}, nil
}

func (s *PostgresStore) SaveSignal(ctx context.Context, sig *core.Signal, status, detail string) error {
	query := `INSERT INTO signals
		(id, recorder_id, received_at, action, ticker, alert_ticker, price, has_price,
		 qty, strategy, fingerprint, raw, status, detail, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
		 status = EXCLUDED.status, detail = EXCLUDED.detail, updated_at = EXCLUDED.updated_at`
	_, err := s.pool.Exec(ctx, query,
		sig.ID, sig.RecorderID, sig.ReceivedAt.UnixNano(), string(sig.Action),
		sig.Ticker, sig.AlertTicker, sig.Price.String(), sig.HasPrice,
		sig.Qty, sig.Strategy, sig.Fingerprint, string(sig.Raw),
		status, detail, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save signal: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateSignalStatus(ctx context.Context, signalID, status, detail string) error {
	query := `UPDATE signals SET status = $1, detail = $2, updated_at = $3 WHERE id = $4`
	_, err := s.pool.Exec(ctx, query, status, detail, time.Now().UnixNano(), signalID)
	if err != nil {
		return fmt.Errorf("failed to update signal status: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveVirtualPosition(ctx context.Context, pos *core.VirtualPosition) error {
	entries, err := marshalEntries(pos.Entries)
	if err != nil {
		return err
	}
	query := `INSERT INTO virtual_positions
		(recorder_id, ticker, side, total_qty, avg_price, entries, opened_at, updated_at, open)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE)
		ON CONFLICT (recorder_id, ticker) DO UPDATE SET
		 side = EXCLUDED.side, total_qty = EXCLUDED.total_qty,
		 avg_price = EXCLUDED.avg_price, entries = EXCLUDED.entries,
		 opened_at = EXCLUDED.opened_at, updated_at = EXCLUDED.updated_at, open = TRUE`
	_, err = s.pool.Exec(ctx, query,
		pos.RecorderID, pos.Ticker, string(pos.Side), pos.TotalQty,
		pos.AvgEntryPrice.String(), entries,
		pos.OpenedAt.UnixNano(), pos.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

func (s *PostgresStore) CloseVirtualPosition(ctx context.Context, key core.PositionKey) error {
	query := `UPDATE virtual_positions SET open = FALSE, updated_at = $1 WHERE recorder_id = $2 AND ticker = $3`
	_, err := s.pool.Exec(ctx, query, time.Now().UnixNano(), key.RecorderID, key.Ticker)
	if err != nil {
		return fmt.Errorf("failed to close position: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOpenPosition(ctx context.Context, key core.PositionKey) (*core.VirtualPosition, error) {
	query := `SELECT ` + positionColumns + ` FROM virtual_positions
		WHERE recorder_id = $1 AND ticker = $2 AND open`
	pos, err := positionFromRow(s.pool.QueryRow(ctx, query, key.RecorderID, key.Ticker))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read position: %w", err)
	}
	return pos, nil
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context) ([]*core.VirtualPosition, error) {
	query := `SELECT ` + positionColumns + ` FROM virtual_positions
		WHERE open ORDER BY recorder_id, ticker`
	rows, err := s.pool.Query(ctx, query)
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

func (s *PostgresStore) SaveBrokerOrder(ctx context.Context, o *core.BrokerOrder) error {
	query := `INSERT INTO broker_orders
		(order_id, account_id, symbol, role, action, order_type, qty, price, stop_price,
		 status, tag, seq, reason, text, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (order_id) DO UPDATE SET
		 qty = EXCLUDED.qty, price = EXCLUDED.price, stop_price = EXCLUDED.stop_price,
		 status = EXCLUDED.status, reason = EXCLUDED.reason, text = EXCLUDED.text,
		 updated_at = EXCLUDED.updated_at`
	_, err := s.pool.Exec(ctx, query,
		o.OrderID, o.AccountID, o.Symbol, string(o.Role), string(o.Action),
		string(o.OrderType), o.Qty, o.Price.String(), o.StopPrice.String(),
		string(o.Status), o.Tag, o.Seq, o.Reason, o.Text, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateOrderStatus(ctx context.Context, orderID int64, status core.OrderStatus, reason, text string) error {
	query := `UPDATE broker_orders SET status = $1, reason = $2, text = $3, updated_at = $4 WHERE order_id = $5`
	_, err := s.pool.Exec(ctx, query, string(status), reason, text, time.Now().UnixNano(), orderID)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListWorkingOrders(ctx context.Context, accountID int64, symbol string) ([]*core.BrokerOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM broker_orders
		WHERE account_id = $1 AND symbol = $2 AND status = ANY($3) ORDER BY order_id`
	live := []string{string(core.StatusWorking), string(core.StatusNew), string(core.StatusPendingNew)}
	rows, err := s.pool.Query(ctx, query, accountID, symbol, live)
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

func (s *PostgresStore) InsertTrade(ctx context.Context, t *core.Trade) error {
	query := `INSERT INTO trades
		(id, recorder_id, ticker, side, qty, avg_entry, exit_price, realized, reason, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := s.pool.Exec(ctx, query,
		t.ID, t.RecorderID, t.Ticker, string(t.Side), t.Qty,
		t.AvgEntry.String(), t.ExitPrice.String(), t.RealizedUSD.String(),
		string(t.Reason), t.OpenedAt.UnixNano(), t.ClosedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	return nil
}

func (s *PostgresStore) SessionRealized(ctx context.Context, recorderID string, since time.Time) (decimal.Decimal, error) {
	query := `SELECT realized FROM trades WHERE recorder_id = $1 AND closed_at >= $2`
	rows, err := s.pool.Query(ctx, query, recorderID, since.UnixNano())
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

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

var _ core.IStore = (*PostgresStore)(nil)
