package marketdata

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/forecast-backend/pkg/types"
)

// PostgresBarStore persists bars in per-instrument tables
// (market_data_btc, market_data_eth). Separate physical tables keep scans
// and hot paths isolated per instrument; the unique index on ts is the
// concurrency invariant.
type PostgresBarStore struct {
	db      *sqlx.DB
	logger  *zap.Logger
	timeout time.Duration
}

// NewPostgresBarStore creates a Postgres-backed bar store.
func NewPostgresBarStore(db *sqlx.DB, logger *zap.Logger, timeout time.Duration) *PostgresBarStore {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PostgresBarStore{db: db, logger: logger, timeout: timeout}
}

func barTable(instrument types.Instrument) string {
	return "market_data_" + instrument.TableSuffix()
}

type barRow struct {
	TS       time.Time       `db:"ts"`
	Open     decimal.Decimal `db:"open"`
	High     decimal.Decimal `db:"high"`
	Low      decimal.Decimal `db:"low"`
	Close    decimal.Decimal `db:"close"`
	Volume   decimal.Decimal `db:"volume"`
	Currency string          `db:"currency"`
}

func (r barRow) toOHLCV() types.OHLCV {
	return types.OHLCV{
		Timestamp: r.TS.UTC(),
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
		Currency:  r.Currency,
	}
}

// UpsertAll writes the batch in a single transaction. Duplicate timestamps
// take the incoming values and bump updated_at; created_at is preserved.
func (s *PostgresBarStore) UpsertAll(ctx context.Context, instrument types.Instrument, bars []types.OHLCV) error {
	if len(bars) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		INSERT INTO %s (ts, open, high, low, close, volume, currency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		ON CONFLICT (ts) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			currency = EXCLUDED.currency,
			updated_at = now()`, barTable(instrument))

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, bar := range bars {
		if _, err := stmt.ExecContext(ctx,
			bar.Timestamp.UTC(), bar.Open, bar.High, bar.Low, bar.Close,
			bar.Volume, bar.Currency); err != nil {
			return fmt.Errorf("failed to upsert bar at %s: %w", bar.Timestamp.Format(time.RFC3339), err)
		}
	}

	return tx.Commit()
}

// FindByRange returns bars with From <= ts < To, ascending.
func (s *PostgresBarStore) FindByRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) ([]types.OHLCV, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT ts, open, high, low, close, volume, currency
		FROM %s
		WHERE ts >= $1 AND ts < $2
		ORDER BY ts ASC`, barTable(instrument))

	var rows []barRow
	if err := s.db.SelectContext(ctx, &rows, query, tr.From, tr.To); err != nil {
		return nil, fmt.Errorf("failed to query bars: %w", err)
	}

	bars := make([]types.OHLCV, 0, len(rows))
	for _, r := range rows {
		bars = append(bars, r.toOHLCV())
	}
	return bars, nil
}

// FindTimestampsByRange returns only the bar timestamps in the range.
func (s *PostgresBarStore) FindTimestampsByRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) ([]time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT ts FROM %s
		WHERE ts >= $1 AND ts < $2
		ORDER BY ts ASC`, barTable(instrument))

	var stamps []time.Time
	if err := s.db.SelectContext(ctx, &stamps, query, tr.From, tr.To); err != nil {
		return nil, fmt.Errorf("failed to query bar timestamps: %w", err)
	}
	for i := range stamps {
		stamps[i] = stamps[i].UTC()
	}
	return stamps, nil
}

// Latest returns the most recent bar, or nil.
func (s *PostgresBarStore) Latest(ctx context.Context, instrument types.Instrument) (*types.OHLCV, error) {
	return s.boundary(ctx, instrument, "DESC")
}

// Earliest returns the oldest bar, or nil.
func (s *PostgresBarStore) Earliest(ctx context.Context, instrument types.Instrument) (*types.OHLCV, error) {
	return s.boundary(ctx, instrument, "ASC")
}

func (s *PostgresBarStore) boundary(ctx context.Context, instrument types.Instrument, order string) (*types.OHLCV, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT ts, open, high, low, close, volume, currency
		FROM %s
		ORDER BY ts %s
		LIMIT 1`, barTable(instrument), order)

	var row barRow
	if err := s.db.GetContext(ctx, &row, query); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query boundary bar: %w", err)
	}
	bar := row.toOHLCV()
	return &bar, nil
}

// CountByRange counts bars with From <= ts < To.
func (s *PostgresBarStore) CountByRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE ts >= $1 AND ts < $2`, barTable(instrument))

	var count int
	if err := s.db.GetContext(ctx, &count, query, tr.From, tr.To); err != nil {
		return 0, fmt.Errorf("failed to count bars: %w", err)
	}
	return count, nil
}

// HasRange reports whether the range has a bar for every calendar day.
func (s *PostgresBarStore) HasRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) (bool, error) {
	count, err := s.CountByRange(ctx, instrument, tr)
	if err != nil {
		return false, err
	}
	return count >= len(tr.Days()), nil
}

// DeleteAll wipes the instrument's series.
func (s *PostgresBarStore) DeleteAll(ctx context.Context, instrument types.Instrument) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s`, barTable(instrument))
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to delete bars: %w", err)
	}
	s.logger.Warn("deleted all bars", zap.String("instrument", string(instrument)))
	return nil
}
