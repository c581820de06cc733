package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"signalTrader/internal/domain"
	"signalTrader/internal/ports"

	sqlite3 "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements the ports.OrderRepository interface using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository: %w", ports.ErrConfigurationError)
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/signal_trader.db" // Default path
	}

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Open database connection
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000") // WAL mode for better concurrency
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// SQLite serializes writers; one connection avoids SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Database schema initialized/verified")

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		signal_id TEXT NOT NULL UNIQUE,
		exchange_order_id TEXT NOT NULL DEFAULT '',
		instrument TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		market INTEGER NOT NULL,
		limit_price REAL NOT NULL DEFAULT 0,
		leverage INTEGER NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		filled_quantity REAL NOT NULL DEFAULT 0,
		average_fill_price REAL NOT NULL DEFAULT 0,
		reserved_asset TEXT NOT NULL DEFAULT '',
		reserved_amount REAL NOT NULL DEFAULT 0,
		fill_coverage TEXT NOT NULL DEFAULT '[]',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS order_fills (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL,
		fill_id TEXT NOT NULL,
		quantity REAL NOT NULL,
		price REAL NOT NULL,
		cumulative_quantity REAL NOT NULL,
		fee REAL NOT NULL DEFAULT 0,
		fee_asset TEXT NOT NULL DEFAULT '',
		fill_time TIMESTAMP NOT NULL,
		UNIQUE (order_id, fill_id)
	);
	CREATE INDEX IF NOT EXISTS idx_orders_exchange_order_id ON orders (exchange_order_id);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w: %w", ports.ErrQueryFailed, err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// Save inserts the order or updates every mutable column of an existing row.
// A different order for an already stored signal is ErrDuplicateEntry.
func (r *Repository) Save(ctx context.Context, o *domain.Order) error {
	const query = `
	INSERT INTO orders (id, signal_id, exchange_order_id, instrument, side, quantity, market, limit_price,
	                    leverage, status, reason, filled_quantity, average_fill_price,
	                    reserved_asset, reserved_amount, fill_coverage, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		exchange_order_id = excluded.exchange_order_id,
		status = excluded.status,
		reason = excluded.reason,
		filled_quantity = excluded.filled_quantity,
		average_fill_price = excluded.average_fill_price,
		fill_coverage = excluded.fill_coverage,
		updated_at = excluded.updated_at`

	coverage, err := encodeCoverage(o.Covered)
	if err != nil {
		return fmt.Errorf("failed to encode fill coverage of order %s: %w: %w", o.ID, ports.ErrUpdateFailed, err)
	}
	_, err = r.db.ExecContext(ctx, query,
		o.ID, o.SignalID, o.ExchangeOrderID, o.Instrument, string(o.Side), o.Quantity, o.Price.Market, o.Price.Limit,
		o.Leverage, string(o.Status), o.Reason, o.FilledQuantity, o.AverageFillPrice,
		o.ReservedAsset, o.ReservedAmount, coverage, o.CreatedAt.UTC(), o.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("order %s for signal %s: %w", o.ID, o.SignalID, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to save order %s: %w: %w", o.ID, ports.ErrUpdateFailed, err)
	}
	r.logger.Debug(ctx, "Order saved", map[string]interface{}{"orderID": o.ID, "status": string(o.Status)})
	return nil
}

// AppendFill stores a fill. The (order, fill id) pair is unique.
func (r *Repository) AppendFill(ctx context.Context, orderID string, f domain.Fill) error {
	const query = `
	INSERT INTO order_fills (order_id, fill_id, quantity, price, cumulative_quantity, fee, fee_asset, fill_time)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		orderID, f.FillID, f.Quantity, f.Price, f.CumulativeQuantity, f.Fee, f.FeeAsset, f.Time.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("fill %s of order %s: %w", f.FillID, orderID, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to insert fill %s of order %s: %w: %w", f.FillID, orderID, ports.ErrUpdateFailed, err)
	}
	return nil
}

const orderColumns = `
	id, signal_id, exchange_order_id, instrument, side, quantity, market, limit_price,
	leverage, status, reason, filled_quantity, average_fill_price,
	reserved_asset, reserved_amount, fill_coverage, created_at, updated_at`

// LoadAll retrieves every order with its fill id set, oldest first.
func (r *Repository) LoadAll(ctx context.Context) ([]*domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	orders := make([]*domain.Order, 0)
	byID := make(map[string]*domain.Order)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order during LoadAll: %w", err)
		}
		orders = append(orders, o)
		byID[o.ID] = o
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order rows: %w", err)
	}

	fillRows, err := r.db.QueryContext(ctx, `SELECT order_id, fill_id FROM order_fills`)
	if err != nil {
		return nil, fmt.Errorf("failed to query fill ids: %w: %w", ports.ErrQueryFailed, err)
	}
	defer fillRows.Close()
	for fillRows.Next() {
		var orderID, fillID string
		if err := fillRows.Scan(&orderID, &fillID); err != nil {
			return nil, fmt.Errorf("failed to scan fill id: %w", err)
		}
		if o, ok := byID[orderID]; ok {
			o.FillIDs[fillID] = struct{}{}
		}
	}
	if err = fillRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fill rows: %w", err)
	}
	return orders, nil
}

// FindBySignalID retrieves the order created for a signal, or nil.
func (r *Repository) FindBySignalID(ctx context.Context, signalID string) (*domain.Order, error) {
	return r.findOne(ctx, "signal_id", signalID)
}

// FindByExchangeID retrieves an order by its exchange order id, or nil.
func (r *Repository) FindByExchangeID(ctx context.Context, exchangeOrderID string) (*domain.Order, error) {
	if exchangeOrderID == "" {
		return nil, nil
	}
	return r.findOne(ctx, "exchange_order_id", exchangeOrderID)
}

func (r *Repository) findOne(ctx context.Context, column, value string) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+column+` = ?`, value)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug(ctx, "Order not found", map[string]interface{}{column: value})
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query order by %s %s: %w: %w", column, value, ports.ErrQueryFailed, err)
	}
	fills, err := r.FillsFor(ctx, o.ID)
	if err != nil {
		return nil, err
	}
	for _, f := range fills {
		o.FillIDs[f.FillID] = struct{}{}
	}
	return o, nil
}

// FillsFor lists stored fills of an order in insertion order.
func (r *Repository) FillsFor(ctx context.Context, orderID string) ([]domain.Fill, error) {
	const query = `
	SELECT fill_id, quantity, price, cumulative_quantity, fee, fee_asset, fill_time
	FROM order_fills WHERE order_id = ? ORDER BY seq`

	rows, err := r.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills of order %s: %w: %w", orderID, ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	fills := make([]domain.Fill, 0)
	for rows.Next() {
		var f domain.Fill
		if err := rows.Scan(&f.FillID, &f.Quantity, &f.Price, &f.CumulativeQuantity, &f.Fee, &f.FeeAsset, &f.Time); err != nil {
			return nil, fmt.Errorf("failed to scan fill of order %s: %w", orderID, err)
		}
		fills = append(fills, f)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating fill rows: %w", err)
	}
	return fills, nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanOrder scans a row into a domain.Order struct.
func scanOrder(s scanner) (*domain.Order, error) {
	o := &domain.Order{FillIDs: make(map[string]struct{})}
	var side, status, coverage string
	err := s.Scan(
		&o.ID, &o.SignalID, &o.ExchangeOrderID, &o.Instrument, &side, &o.Quantity, &o.Price.Market, &o.Price.Limit,
		&o.Leverage, &status, &o.Reason, &o.FilledQuantity, &o.AverageFillPrice,
		&o.ReservedAsset, &o.ReservedAmount, &coverage, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	o.Side = domain.OrderSide(side)
	o.Status = domain.OrderStatus(status)
	var pairs [][2]float64
	if err := json.Unmarshal([]byte(coverage), &pairs); err != nil {
		return nil, fmt.Errorf("failed to decode fill coverage of order %s: %w", o.ID, err)
	}
	for _, p := range pairs {
		o.Covered = append(o.Covered, domain.FillRange{From: p[0], To: p[1]})
	}
	return o, nil
}

// encodeCoverage stores applied fill ranges as a JSON array of [from, to] pairs.
func encodeCoverage(ranges []domain.FillRange) (string, error) {
	pairs := make([][2]float64, len(ranges))
	for i, r := range ranges {
		pairs[i] = [2]float64{r.From, r.To}
	}
	b, err := json.Marshal(pairs)
	return string(b), err
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
