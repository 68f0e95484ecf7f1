package masterdata

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

// PostgresStore persists derived records in per-instrument tables
// (master_data_btc, master_data_eth), mirroring the bar-store layout.
type PostgresStore struct {
	db      *sqlx.DB
	logger  *zap.Logger
	timeout time.Duration
}

// NewPostgresStore creates a Postgres-backed master-data store.
func NewPostgresStore(db *sqlx.DB, logger *zap.Logger, timeout time.Duration) *PostgresStore {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PostgresStore{db: db, logger: logger, timeout: timeout}
}

func masterTable(instrument types.Instrument) string {
	return "master_data_" + instrument.TableSuffix()
}

type masterRow struct {
	TS                 time.Time           `db:"ts"`
	OpenPrice          decimal.Decimal     `db:"open_price"`
	ClosePrice         decimal.Decimal     `db:"close_price"`
	OC                 decimal.Decimal     `db:"oc"`
	DiffOC             decimal.NullDecimal `db:"diff_oc"`
	DemeanDiffOC       decimal.NullDecimal `db:"demean_diff_oc"`
	MeanDiffOC         decimal.Decimal     `db:"mean_diff_oc"`
	CalculationVersion string              `db:"calculation_version"`
	CalculatedAt       time.Time           `db:"calculated_at"`
	CreatedAt          time.Time           `db:"created_at"`
}

func (r masterRow) toRecord(instrument types.Instrument) types.MasterDataRecord {
	rec := types.MasterDataRecord{
		Instrument:         instrument,
		Timestamp:          r.TS.UTC(),
		OpenPrice:          r.OpenPrice,
		ClosePrice:         r.ClosePrice,
		OC:                 r.OC,
		MeanDiffOC:         r.MeanDiffOC,
		CalculationVersion: r.CalculationVersion,
		CalculatedAt:       r.CalculatedAt.UTC(),
		CreatedAt:          r.CreatedAt.UTC(),
	}
	if r.DiffOC.Valid {
		d := r.DiffOC.Decimal
		rec.DiffOC = &d
	}
	if r.DemeanDiffOC.Valid {
		d := r.DemeanDiffOC.Decimal
		rec.DemeanDiffOC = &d
	}
	return rec
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

const masterColumns = `ts, open_price, close_price, oc, diff_oc, demean_diff_oc,
	mean_diff_oc, calculation_version, calculated_at, created_at`

// FindByRange returns records with From <= ts < To, ascending.
func (s *PostgresStore) FindByRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) ([]types.MasterDataRecord, error) {
	return s.find(ctx, instrument, tr, "")
}

// FindWithDifferencesByRange returns only records carrying both derived
// differences.
func (s *PostgresStore) FindWithDifferencesByRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) ([]types.MasterDataRecord, error) {
	return s.find(ctx, instrument, tr, "AND diff_oc IS NOT NULL AND demean_diff_oc IS NOT NULL")
}

func (s *PostgresStore) find(ctx context.Context, instrument types.Instrument, tr types.TimeRange, extra string) ([]types.MasterDataRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE ts >= $1 AND ts < $2 %s
		ORDER BY ts ASC`, masterColumns, masterTable(instrument), extra)

	var rows []masterRow
	if err := s.db.SelectContext(ctx, &rows, query, tr.From, tr.To); err != nil {
		return nil, fmt.Errorf("failed to query master data: %w", err)
	}

	records := make([]types.MasterDataRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, r.toRecord(instrument))
	}
	return records, nil
}

// FindTimestampsByRange returns only record timestamps in the range.
func (s *PostgresStore) FindTimestampsByRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) ([]time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT ts FROM %s
		WHERE ts >= $1 AND ts < $2
		ORDER BY ts ASC`, masterTable(instrument))

	var stamps []time.Time
	if err := s.db.SelectContext(ctx, &stamps, query, tr.From, tr.To); err != nil {
		return nil, fmt.Errorf("failed to query master-data timestamps: %w", err)
	}
	for i := range stamps {
		stamps[i] = stamps[i].UTC()
	}
	return stamps, nil
}

// LatestTimestamp returns the most recent record timestamp, or nil.
func (s *PostgresStore) LatestTimestamp(ctx context.Context, instrument types.Instrument) (*time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT ts FROM %s ORDER BY ts DESC LIMIT 1`, masterTable(instrument))

	var ts time.Time
	if err := s.db.GetContext(ctx, &ts, query); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query latest master-data timestamp: %w", err)
	}
	ts = ts.UTC()
	return &ts, nil
}

// Save inserts a record; conflicts on ts fail.
func (s *PostgresStore) Save(ctx context.Context, record types.MasterDataRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		masterTable(record.Instrument), masterColumns)

	_, err := s.db.ExecContext(ctx, query,
		record.Timestamp.UTC(), record.OpenPrice, record.ClosePrice, record.OC,
		nullDecimal(record.DiffOC), nullDecimal(record.DemeanDiffOC),
		record.MeanDiffOC, record.CalculationVersion, record.CalculatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save master-data record at %s: %w",
			record.Timestamp.Format(time.RFC3339), err)
	}
	return nil
}

// SaveAll upserts a batch in a single transaction.
func (s *PostgresStore) SaveAll(ctx context.Context, records []types.MasterDataRecord) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := upsertQuery(records[0].Instrument)
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to prepare master-data upsert: %w", err)
	}
	defer stmt.Close()

	for _, record := range records {
		if record.Instrument != records[0].Instrument {
			return fmt.Errorf("mixed instruments in batch: %s and %s",
				records[0].Instrument, record.Instrument)
		}
		if _, err := stmt.ExecContext(ctx,
			record.Timestamp.UTC(), record.OpenPrice, record.ClosePrice, record.OC,
			nullDecimal(record.DiffOC), nullDecimal(record.DemeanDiffOC),
			record.MeanDiffOC, record.CalculationVersion, record.CalculatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to upsert master-data record at %s: %w",
				record.Timestamp.Format(time.RFC3339), err)
		}
	}

	return tx.Commit()
}

// Upsert writes one record by timestamp, preserving created_at and
// replacing every derived field.
func (s *PostgresStore) Upsert(ctx context.Context, record types.MasterDataRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, upsertQuery(record.Instrument),
		record.Timestamp.UTC(), record.OpenPrice, record.ClosePrice, record.OC,
		nullDecimal(record.DiffOC), nullDecimal(record.DemeanDiffOC),
		record.MeanDiffOC, record.CalculationVersion, record.CalculatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert master-data record at %s: %w",
			record.Timestamp.Format(time.RFC3339), err)
	}
	return nil
}

func upsertQuery(instrument types.Instrument) string {
	return fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
		ON CONFLICT (ts) DO UPDATE SET
			open_price = EXCLUDED.open_price,
			close_price = EXCLUDED.close_price,
			oc = EXCLUDED.oc,
			diff_oc = EXCLUDED.diff_oc,
			demean_diff_oc = EXCLUDED.demean_diff_oc,
			mean_diff_oc = EXCLUDED.mean_diff_oc,
			calculation_version = EXCLUDED.calculation_version,
			calculated_at = EXCLUDED.calculated_at`, masterTable(instrument), masterColumns)
}

// CountByRange counts records with From <= ts < To.
func (s *PostgresStore) CountByRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE ts >= $1 AND ts < $2`, masterTable(instrument))

	var count int
	if err := s.db.GetContext(ctx, &count, query, tr.From, tr.To); err != nil {
		return 0, fmt.Errorf("failed to count master data: %w", err)
	}
	return count, nil
}

// DeleteAll wipes the instrument's derived series.
func (s *PostgresStore) DeleteAll(ctx context.Context, instrument types.Instrument) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s`, masterTable(instrument))
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to delete master data: %w", err)
	}
	s.logger.Warn("deleted all master data", zap.String("instrument", string(instrument)))
	return nil
}
