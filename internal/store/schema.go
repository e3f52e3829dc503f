package store

// Timestamps are stored as Unix nanoseconds, prices as decimal strings. The
// fill lots of a position travel as one JSON column so the FIFO order and the
// exact decimal prices survive the round trip.

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS signals (
	id          TEXT PRIMARY KEY,
	recorder_id TEXT NOT NULL,
	received_at INTEGER NOT NULL,
	action      TEXT NOT NULL,
	ticker      TEXT NOT NULL,
	alert_ticker TEXT NOT NULL DEFAULT '',
	price       TEXT NOT NULL DEFAULT '0',
	has_price   INTEGER NOT NULL DEFAULT 0,
	qty         INTEGER NOT NULL DEFAULT 0,
	strategy    TEXT NOT NULL DEFAULT '',
	fingerprint TEXT NOT NULL DEFAULT '',
	raw         TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signals_recorder ON signals(recorder_id, received_at);

CREATE TABLE IF NOT EXISTS virtual_positions (
	recorder_id TEXT NOT NULL,
	ticker      TEXT NOT NULL,
	side        TEXT NOT NULL,
	total_qty   INTEGER NOT NULL,
	avg_price   TEXT NOT NULL,
	entries     TEXT NOT NULL,
	opened_at   INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	open        INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (recorder_id, ticker)
);

CREATE TABLE IF NOT EXISTS broker_orders (
	order_id   INTEGER PRIMARY KEY,
	account_id INTEGER NOT NULL,
	symbol     TEXT NOT NULL,
	role       TEXT NOT NULL,
	action     TEXT NOT NULL,
	order_type TEXT NOT NULL,
	qty        INTEGER NOT NULL,
	price      TEXT NOT NULL DEFAULT '0',
	stop_price TEXT NOT NULL DEFAULT '0',
	status     TEXT NOT NULL,
	tag        TEXT NOT NULL DEFAULT '',
	seq        INTEGER NOT NULL DEFAULT 0,
	reason     TEXT NOT NULL DEFAULT '',
	text       TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_account_symbol ON broker_orders(account_id, symbol, status);

CREATE TABLE IF NOT EXISTS trades (
	id          TEXT PRIMARY KEY,
	recorder_id TEXT NOT NULL,
	ticker      TEXT NOT NULL,
	side        TEXT NOT NULL,
	qty         INTEGER NOT NULL,
	avg_entry   TEXT NOT NULL,
	exit_price  TEXT NOT NULL,
	realized    TEXT NOT NULL,
	reason      TEXT NOT NULL,
	opened_at   INTEGER NOT NULL,
	closed_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_recorder ON trades(recorder_id, closed_at);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS signals (
	id          TEXT PRIMARY KEY,
	recorder_id TEXT NOT NULL,
	received_at BIGINT NOT NULL,
	action      TEXT NOT NULL,
	ticker      TEXT NOT NULL,
	alert_ticker TEXT NOT NULL DEFAULT '',
	price       TEXT NOT NULL DEFAULT '0',
	has_price   BOOLEAN NOT NULL DEFAULT FALSE,
	qty         BIGINT NOT NULL DEFAULT 0,
	strategy    TEXT NOT NULL DEFAULT '',
	fingerprint TEXT NOT NULL DEFAULT '',
	raw         TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	detail      TEXT NOT NULL DEFAULT '',
	updated_at  BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signals_recorder ON signals(recorder_id, received_at);

CREATE TABLE IF NOT EXISTS virtual_positions (
	recorder_id TEXT NOT NULL,
	ticker      TEXT NOT NULL,
	side        TEXT NOT NULL,
	total_qty   BIGINT NOT NULL,
	avg_price   TEXT NOT NULL,
	entries     TEXT NOT NULL,
	opened_at   BIGINT NOT NULL,
	updated_at  BIGINT NOT NULL,
	open        BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (recorder_id, ticker)
);

CREATE TABLE IF NOT EXISTS broker_orders (
	order_id   BIGINT PRIMARY KEY,
	account_id BIGINT NOT NULL,
	symbol     TEXT NOT NULL,
	role       TEXT NOT NULL,
	action     TEXT NOT NULL,
	order_type TEXT NOT NULL,
	qty        BIGINT NOT NULL,
	price      TEXT NOT NULL DEFAULT '0',
	stop_price TEXT NOT NULL DEFAULT '0',
	status     TEXT NOT NULL,
	tag        TEXT NOT NULL DEFAULT '',
	seq        BIGINT NOT NULL DEFAULT 0,
	reason     TEXT NOT NULL DEFAULT '',
	text       TEXT NOT NULL DEFAULT '',
	updated_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_account_symbol ON broker_orders(account_id, symbol, status);

CREATE TABLE IF NOT EXISTS trades (
	id          TEXT PRIMARY KEY,
	recorder_id TEXT NOT NULL,
	ticker      TEXT NOT NULL,
	side        TEXT NOT NULL,
	qty         BIGINT NOT NULL,
	avg_entry   TEXT NOT NULL,
	exit_price  TEXT NOT NULL,
	realized    TEXT NOT NULL,
	reason      TEXT NOT NULL,
	opened_at   BIGINT NOT NULL,
	closed_at   BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_recorder ON trades(recorder_id, closed_at);
`
