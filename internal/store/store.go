// Package store persists signals, virtual positions, broker order projections
// and realized trades. Three backends share one schema shape: sqlite for
// single-node deployments, postgres for shared ones, memory for tests.
package store

import (
	"encoding/json"
	"fmt"
	"time"

	"jet_trader/internal/config"
	"jet_trader/internal/core"

	"github.com/shopspring/decimal"
)

// Open constructs the configured backend.
func Open(cfg config.StoreConfig, logger core.ILogger) (core.IStore, error) {
	switch cfg.Driver {
	case "sqlite":
		return NewSQLiteStore(cfg.DSN, logger)
	case "postgres":
		return NewPostgresStore(cfg.DSN, logger)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// scanner matches both database/sql and pgx row types so the two SQL backends
// share their row mapping.
type scanner interface {
	Scan(dest ...any) error
}

func marshalEntries(entries []core.Entry) (string, error) {
	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("failed to marshal entries: %w", err)
	}
	return string(data), nil
}

func unmarshalEntries(data string) ([]core.Entry, error) {
	if data == "" {
		return nil, nil
	}
	var entries []core.Entry
	if err := json.Unmarshal([]byte(data), &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entries: %w", err)
	}
	return entries, nil
}

const positionColumns = "recorder_id, ticker, side, total_qty, avg_price, entries, opened_at, updated_at"

func positionFromRow(row scanner) (*core.VirtualPosition, error) {
	var (
		pos                 core.VirtualPosition
		side, avg, entries  string
		openedAt, updatedAt int64
	)
	if err := row.Scan(&pos.RecorderID, &pos.Ticker, &side, &pos.TotalQty,
		&avg, &entries, &openedAt, &updatedAt); err != nil {
		return nil, err
	}

	avgPrice, err := decimal.NewFromString(avg)
	if err != nil {
		return nil, fmt.Errorf("bad avg_price %q: %w", avg, err)
	}
	lots, err := unmarshalEntries(entries)
	if err != nil {
		return nil, err
	}

	pos.Side = core.PositionSide(side)
	pos.AvgEntryPrice = avgPrice
	pos.Entries = lots
	pos.OpenedAt = time.Unix(0, openedAt)
	pos.UpdatedAt = time.Unix(0, updatedAt)
	return &pos, nil
}

const orderColumns = "order_id, account_id, symbol, role, action, order_type, qty, price, stop_price, status, tag, seq, reason, text, updated_at"

func orderFromRow(row scanner) (*core.BrokerOrder, error) {
	var (
		o                               core.BrokerOrder
		role, action, orderType, status string
		price, stopPrice                string
		updatedAt                       int64
	)
	if err := row.Scan(&o.OrderID, &o.AccountID, &o.Symbol, &role, &action,
		&orderType, &o.Qty, &price, &stopPrice, &status, &o.Tag, &o.Seq,
		&o.Reason, &o.Text, &updatedAt); err != nil {
		return nil, err
	}

	p, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("bad price %q: %w", price, err)
	}
	sp, err := decimal.NewFromString(stopPrice)
	if err != nil {
		return nil, fmt.Errorf("bad stop_price %q: %w", stopPrice, err)
	}

	o.Role = core.OrderRole(role)
	o.Action = core.OrderAction(action)
	o.OrderType = core.OrderType(orderType)
	o.Price = p
	o.StopPrice = sp
	o.Status = core.OrderStatus(status)
	o.UpdatedAt = time.Unix(0, updatedAt)
	return &o, nil
}
