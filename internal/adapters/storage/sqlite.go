package storage

// sqlite.go — persistencia del estado de trading.
//
// Estrategia:
//   - `orders` y `positions`: estado vivo, upsert por clave primaria.
//   - `signals`, `allocations`, `fills`, `feed_events`: audit trail
//     append-only. Se consultan poco; se escriben en cada tick.
//   - `feed_breaker`: una sola fila (id=1) con el estado del breaker,
//     para sobrevivir reinicios sin resetear el contador de fallos.
//   - `daily`: agregado por día, upsert por fecha.
//   - Prune automático al arrancar: audit trail > 30d.

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alejandrodnm/tradepilot/internal/domain"
	_ "modernc.org/sqlite"
)

const schema = `
-- Señales emitidas por las estrategias, con su resultado
CREATE TABLE IF NOT EXISTS signals (
    id            TEXT PRIMARY KEY,
    strategy_id   TEXT NOT NULL,
    symbol        TEXT NOT NULL,
    side          TEXT NOT NULL,
    quantity      INTEGER NOT NULL,
    price         REAL NOT NULL,
    confidence    REAL NOT NULL DEFAULT 0,
    generated_at  DATETIME NOT NULL,
    rationale     TEXT,
    reject_reason TEXT
);

CREATE TABLE IF NOT EXISTS allocations (
    id             TEXT PRIMARY KEY,
    signal_id      TEXT NOT NULL,
    account_id     TEXT NOT NULL,
    quantity       INTEGER NOT NULL,
    capital_weight REAL NOT NULL DEFAULT 0,
    cooldown_until DATETIME,
    created_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
    id            TEXT PRIMARY KEY,
    allocation_id TEXT NOT NULL,
    account_id    TEXT NOT NULL,
    symbol        TEXT NOT NULL,
    side          TEXT NOT NULL,
    role          TEXT NOT NULL,
    mode          TEXT NOT NULL,
    oco_group_id  TEXT,
    quantity      INTEGER NOT NULL,
    price         REAL NOT NULL,
    status        TEXT NOT NULL,
    broker_ref    TEXT,
    retries       INTEGER NOT NULL DEFAULT 0,
    last_error    TEXT,
    created_at    DATETIME NOT NULL,
    submitted_at  DATETIME,
    resolved_at   DATETIME,
    filled_price  REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS fills (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    order_id   TEXT NOT NULL,
    account_id TEXT NOT NULL,
    symbol     TEXT NOT NULL,
    side       TEXT NOT NULL,
    quantity   INTEGER NOT NULL,
    price      REAL NOT NULL,
    ts         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
    account_id     TEXT NOT NULL,
    symbol         TEXT NOT NULL,
    net_quantity   INTEGER NOT NULL,
    average_price  REAL NOT NULL DEFAULT 0,
    realized_pnl   REAL NOT NULL DEFAULT 0,
    unrealized_pnl REAL NOT NULL DEFAULT 0,
    updated_at     DATETIME NOT NULL,
    PRIMARY KEY (account_id, symbol)
);

CREATE TABLE IF NOT EXISTS feed_events (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    status       TEXT NOT NULL,
    failures     INTEGER NOT NULL DEFAULT 0,
    error_kind   TEXT,
    last_error   TEXT,
    breaker_open INTEGER NOT NULL DEFAULT 0,
    changed_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS feed_breaker (
    id             INTEGER PRIMARY KEY CHECK (id = 1),
    max_failures   INTEGER NOT NULL,
    failures       INTEGER NOT NULL,
    open           INTEGER NOT NULL,
    tripped_at     DATETIME,
    tripped_reason TEXT
);

CREATE TABLE IF NOT EXISTS daily (
    date              TEXT PRIMARY KEY,
    signals_seen      INTEGER NOT NULL DEFAULT 0,
    signals_allocated INTEGER NOT NULL DEFAULT 0,
    signals_rejected  INTEGER NOT NULL DEFAULT 0,
    orders_placed     INTEGER NOT NULL DEFAULT 0,
    orders_filled     INTEGER NOT NULL DEFAULT 0,
    orders_rejected   INTEGER NOT NULL DEFAULT 0,
    realized_pnl      REAL NOT NULL DEFAULT 0,
    capital_deployed  REAL NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_signals_at    ON signals(generated_at DESC);
CREATE INDEX IF NOT EXISTS idx_alloc_signal  ON allocations(signal_id);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_alloc  ON orders(allocation_id);
CREATE INDEX IF NOT EXISTS idx_fills_order   ON fills(order_id);
CREATE INDEX IF NOT EXISTS idx_feed_at       ON feed_events(changed_at DESC);
`

const retentionAudit = 30 * 24 * time.Hour // signals, fills, feed_events: 30 días

// SQLiteStorage implementa ports.Storage usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada.
// Aplica el schema y limpia el audit trail antiguo.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}

	s := &SQLiteStorage{db: db}
	s.pruneOld(context.Background())
	return s, nil
}

func (s *SQLiteStorage) SaveSignal(ctx context.Context, sig domain.Signal) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO signals
			(id, strategy_id, symbol, side, quantity, price, confidence, generated_at, rationale)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		sig.ID, sig.StrategyID, sig.Symbol, string(sig.Side), sig.Quantity,
		sig.Price, sig.Confidence, sig.GeneratedAt.UTC(), sig.Rationale,
	); err != nil {
		return fmt.Errorf("storage.SaveSignal: insert %s: %w", sig.ID, err)
	}
	return nil
}

func (s *SQLiteStorage) MarkSignalRejected(ctx context.Context, signalID string, reason domain.Reason) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE signals SET reject_reason = ? WHERE id = ?`,
		string(reason), signalID,
	); err != nil {
		return fmt.Errorf("storage.MarkSignalRejected: update %s: %w", signalID, err)
	}
	return nil
}

func (s *SQLiteStorage) SaveAllocation(ctx context.Context, a domain.Allocation) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO allocations
			(id, signal_id, account_id, quantity, capital_weight, cooldown_until, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		a.ID, a.SignalID, a.AccountID, a.Quantity, a.CapitalWeight,
		a.CooldownUntil.UTC(), a.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("storage.SaveAllocation: insert %s: %w", a.ID, err)
	}
	return nil
}

func (s *SQLiteStorage) SaveOrder(ctx context.Context, rec domain.OrderRecord) error {
	return s.upsertOrder(ctx, "storage.SaveOrder", rec)
}

func (s *SQLiteStorage) UpdateOrder(ctx context.Context, rec domain.OrderRecord) error {
	return s.upsertOrder(ctx, "storage.UpdateOrder", rec)
}

func (s *SQLiteStorage) upsertOrder(ctx context.Context, op string, rec domain.OrderRecord) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO orders
			(id, allocation_id, account_id, symbol, side, role, mode, oco_group_id,
			 quantity, price, status, broker_ref, retries, last_error,
			 created_at, submitted_at, resolved_at, filled_price)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status       = excluded.status,
			broker_ref   = excluded.broker_ref,
			retries      = excluded.retries,
			last_error   = excluded.last_error,
			submitted_at = excluded.submitted_at,
			resolved_at  = excluded.resolved_at,
			filled_price = excluded.filled_price`,
		rec.ID, rec.AllocationID, rec.AccountID, rec.Symbol, string(rec.Side),
		string(rec.Role), string(rec.Mode), rec.OCOGroupID,
		rec.Quantity, rec.Price, string(rec.Status), rec.BrokerRef,
		rec.Retries, rec.LastError, rec.CreatedAt.UTC(),
		utcOrNil(rec.SubmittedAt), utcOrNil(rec.ResolvedAt), rec.FilledPrice,
	); err != nil {
		return fmt.Errorf("%s: upsert %s: %w", op, rec.ID, err)
	}
	return nil
}

// GetPendingOrders devuelve las órdenes PENDING, para re-encolar tras
// un reinicio.
func (s *SQLiteStorage) GetPendingOrders(ctx context.Context) ([]domain.OrderRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, allocation_id, account_id, symbol, side, role, mode, oco_group_id,
		       quantity, price, status, broker_ref, retries, last_error,
		       created_at, filled_price
		FROM orders
		WHERE status = ?
		ORDER BY created_at ASC`,
		string(domain.StatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("storage.GetPendingOrders: query: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderRecord
	for rows.Next() {
		var rec domain.OrderRecord
		var side, role, mode, status, createdAt string
		if err := rows.Scan(
			&rec.ID, &rec.AllocationID, &rec.AccountID, &rec.Symbol,
			&side, &role, &mode, &rec.OCOGroupID,
			&rec.Quantity, &rec.Price, &status, &rec.BrokerRef,
			&rec.Retries, &rec.LastError, &createdAt, &rec.FilledPrice,
		); err != nil {
			return nil, fmt.Errorf("storage.GetPendingOrders: scan row: %w", err)
		}
		rec.Side = domain.Side(side)
		rec.Role = domain.LegRole(role)
		rec.Mode = domain.ProductMode(mode)
		rec.Status = domain.OrderStatus(status)
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) SaveFill(ctx context.Context, f domain.Fill) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO fills (order_id, account_id, symbol, side, quantity, price, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.OrderID, f.AccountID, f.Symbol, string(f.Side), f.Quantity, f.Price, f.Timestamp.UTC(),
	); err != nil {
		return fmt.Errorf("storage.SaveFill: insert %s: %w", f.OrderID, err)
	}
	return nil
}

func (s *SQLiteStorage) UpsertPosition(ctx context.Context, pos domain.Position) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO positions
			(account_id, symbol, net_quantity, average_price, realized_pnl, unrealized_pnl, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, symbol) DO UPDATE SET
			net_quantity   = excluded.net_quantity,
			average_price  = excluded.average_price,
			realized_pnl   = excluded.realized_pnl,
			unrealized_pnl = excluded.unrealized_pnl,
			updated_at     = excluded.updated_at`,
		pos.AccountID, pos.Symbol, pos.NetQuantity, pos.AveragePrice,
		pos.RealizedPnL, pos.UnrealizedPnL, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("storage.UpsertPosition: upsert %s/%s: %w", pos.AccountID, pos.Symbol, err)
	}
	return nil
}

func (s *SQLiteStorage) GetPositions(ctx context.Context, accountID string) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, symbol, net_quantity, average_price, realized_pnl, unrealized_pnl
		FROM positions
		WHERE account_id = ?
		ORDER BY symbol ASC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage.GetPositions: query %s: %w", accountID, err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var pos domain.Position
		if err := rows.Scan(
			&pos.AccountID, &pos.Symbol, &pos.NetQuantity,
			&pos.AveragePrice, &pos.RealizedPnL, &pos.UnrealizedPnL,
		); err != nil {
			return nil, fmt.Errorf("storage.GetPositions: scan row: %w", err)
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

func (s *SQLiteStorage) SaveFeedEvent(ctx context.Context, st domain.FeedConnectionState) error {
	open := 0
	if st.BreakerOpen {
		open = 1
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO feed_events (status, failures, error_kind, last_error, breaker_open, changed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(st.Status), st.ConsecutiveFailures, string(st.LastErrorKind),
		st.LastError, open, st.ChangedAt.UTC(),
	); err != nil {
		return fmt.Errorf("storage.SaveFeedEvent: insert: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) SaveFeedBreaker(ctx context.Context, b domain.FeedBreaker) error {
	open := 0
	if b.Open {
		open = 1
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO feed_breaker (id, max_failures, failures, open, tripped_at, tripped_reason)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			max_failures   = excluded.max_failures,
			failures       = excluded.failures,
			open           = excluded.open,
			tripped_at     = excluded.tripped_at,
			tripped_reason = excluded.tripped_reason`,
		b.MaxFailures, b.ConsecutiveFailures, open, b.TrippedAt.UTC(), b.TrippedReason,
	); err != nil {
		return fmt.Errorf("storage.SaveFeedBreaker: upsert: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) LoadFeedBreaker(ctx context.Context) (domain.FeedBreaker, error) {
	var b domain.FeedBreaker
	var open int
	var trippedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT max_failures, failures, open, tripped_at, tripped_reason FROM feed_breaker WHERE id = 1`,
	).Scan(&b.MaxFailures, &b.ConsecutiveFailures, &open, &trippedAt, &b.TrippedReason)
	if err == sql.ErrNoRows {
		return domain.FeedBreaker{}, nil
	}
	if err != nil {
		return domain.FeedBreaker{}, fmt.Errorf("storage.LoadFeedBreaker: query: %w", err)
	}
	b.Open = open == 1
	b.TrippedAt, _ = time.Parse(time.RFC3339, trippedAt)
	return b, nil
}

func (s *SQLiteStorage) SaveDaily(ctx context.Context, d domain.DailySummary) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO daily
			(date, signals_seen, signals_allocated, signals_rejected,
			 orders_placed, orders_filled, orders_rejected, realized_pnl, capital_deployed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			signals_seen      = excluded.signals_seen,
			signals_allocated = excluded.signals_allocated,
			signals_rejected  = excluded.signals_rejected,
			orders_placed     = excluded.orders_placed,
			orders_filled     = excluded.orders_filled,
			orders_rejected   = excluded.orders_rejected,
			realized_pnl      = excluded.realized_pnl,
			capital_deployed  = excluded.capital_deployed`,
		d.Date.UTC().Format("2006-01-02"),
		d.SignalsSeen, d.SignalsAllocated, d.SignalsRejected,
		d.OrdersPlaced, d.OrdersFilled, d.OrdersRejected,
		d.RealizedPnL, d.CapitalDeployed,
	); err != nil {
		return fmt.Errorf("storage.SaveDaily: upsert %s: %w", d.Date.Format("2006-01-02"), err)
	}
	return nil
}

func (s *SQLiteStorage) GetDailies(ctx context.Context, from, to time.Time) ([]domain.DailySummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT date, signals_seen, signals_allocated, signals_rejected,
		       orders_placed, orders_filled, orders_rejected, realized_pnl, capital_deployed
		FROM daily
		WHERE date BETWEEN ? AND ?
		ORDER BY date ASC`,
		from.UTC().Format("2006-01-02"), to.UTC().Format("2006-01-02"),
	)
	if err != nil {
		return nil, fmt.Errorf("storage.GetDailies: query: %w", err)
	}
	defer rows.Close()

	var out []domain.DailySummary
	for rows.Next() {
		var d domain.DailySummary
		var date string
		if err := rows.Scan(
			&date, &d.SignalsSeen, &d.SignalsAllocated, &d.SignalsRejected,
			&d.OrdersPlaced, &d.OrdersFilled, &d.OrdersRejected,
			&d.RealizedPnL, &d.CapitalDeployed,
		); err != nil {
			return nil, fmt.Errorf("storage.GetDailies: scan row: %w", err)
		}
		d.Date, _ = time.Parse("2006-01-02", date)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Ping verifica que la base de datos responde.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- helpers internos ---

// pruneOld elimina audit trail antiguo para mantener la DB ligera.
func (s *SQLiteStorage) pruneOld(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-retentionAudit)
	s.db.ExecContext(ctx, `DELETE FROM signals WHERE generated_at < ?`, cutoff)
	s.db.ExecContext(ctx, `DELETE FROM fills WHERE ts < ?`, cutoff)
	s.db.ExecContext(ctx, `DELETE FROM feed_events WHERE changed_at < ?`, cutoff)
}

func utcOrNil(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
