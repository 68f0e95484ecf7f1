package forecast

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/atlas-desktop/forecast-backend/pkg/types"
)

// PostgresStore persists forecasts in per-instrument tables
// (forecasts_btc, forecasts_eth) with a unique index on
// (forecast_date, model_version).
type PostgresStore struct {
	db      *sqlx.DB
	logger  *zap.Logger
	timeout time.Duration
}

// NewPostgresStore creates a Postgres-backed forecast store.
func NewPostgresStore(db *sqlx.DB, logger *zap.Logger, timeout time.Duration) *PostgresStore {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PostgresStore{db: db, logger: logger, timeout: timeout}
}

func forecastTable(instrument types.Instrument) string {
	return "forecasts_" + instrument.TableSuffix()
}

type forecastRow struct {
	ExecutionID     string    `db:"execution_id"`
	ForecastDate    time.Time `db:"forecast_date"`
	ExpectedReturn  float64   `db:"expected_return"`
	Confidence      float64   `db:"confidence"`
	Status          string    `db:"status"`
	PredictedDiffOC float64   `db:"predicted_diff_oc"`
	PredictedOC     float64   `db:"predicted_oc"`
	AROrder         int       `db:"ar_order"`
	DataPointsUsed  int       `db:"data_points_used"`
	ModelVersion    string    `db:"model_version"`
	DataRangeStart  time.Time `db:"data_range_start"`
	DataRangeEnd    time.Time `db:"data_range_end"`
	MSE             float64   `db:"mse"`
	StdErr          float64   `db:"std_err"`
	ExecutionTimeMs int64     `db:"execution_time_ms"`
	ErrorMessage    string    `db:"error_message"`
	StaleBasis      bool      `db:"stale_basis"`
	MissingLags     int       `db:"missing_lags"`
	CreatedAt       time.Time `db:"created_at"`
}

func (r forecastRow) toResult(instrument types.Instrument) types.ForecastResult {
	return types.ForecastResult{
		ExecutionID:     r.ExecutionID,
		Instrument:      instrument,
		ForecastDate:    r.ForecastDate.UTC(),
		ExpectedReturn:  r.ExpectedReturn,
		Confidence:      r.Confidence,
		Status:          types.ForecastStatus(r.Status),
		PredictedDiffOC: r.PredictedDiffOC,
		PredictedOC:     r.PredictedOC,
		AROrder:         r.AROrder,
		DataPointsUsed:  r.DataPointsUsed,
		ModelVersion:    r.ModelVersion,
		DataRangeStart:  r.DataRangeStart.UTC(),
		DataRangeEnd:    r.DataRangeEnd.UTC(),
		MSE:             r.MSE,
		StdErr:          r.StdErr,
		ExecutionTimeMs: r.ExecutionTimeMs,
		ErrorMessage:    r.ErrorMessage,
		StaleBasis:      r.StaleBasis,
		MissingLags:     r.MissingLags,
		CreatedAt:       r.CreatedAt.UTC(),
	}
}

const forecastColumns = `execution_id, forecast_date, expected_return, confidence, status,
	predicted_diff_oc, predicted_oc, ar_order, data_points_used, model_version,
	data_range_start, data_range_end, mse, std_err, execution_time_ms,
	error_message, stale_basis, missing_lags, created_at`

func upsertForecastQuery(instrument types.Instrument) string {
	return fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, now())
		ON CONFLICT (forecast_date, model_version) DO UPDATE SET
			execution_id = EXCLUDED.execution_id,
			expected_return = EXCLUDED.expected_return,
			confidence = EXCLUDED.confidence,
			status = EXCLUDED.status,
			predicted_diff_oc = EXCLUDED.predicted_diff_oc,
			predicted_oc = EXCLUDED.predicted_oc,
			ar_order = EXCLUDED.ar_order,
			data_points_used = EXCLUDED.data_points_used,
			data_range_start = EXCLUDED.data_range_start,
			data_range_end = EXCLUDED.data_range_end,
			mse = EXCLUDED.mse,
			std_err = EXCLUDED.std_err,
			execution_time_ms = EXCLUDED.execution_time_ms,
			error_message = EXCLUDED.error_message,
			stale_basis = EXCLUDED.stale_basis,
			missing_lags = EXCLUDED.missing_lags`,
		forecastTable(instrument), forecastColumns)
}

func forecastArgs(result types.ForecastResult) []any {
	return []any{
		result.ExecutionID, result.ForecastDate.UTC(), result.ExpectedReturn,
		result.Confidence, string(result.Status), result.PredictedDiffOC,
		result.PredictedOC, result.AROrder, result.DataPointsUsed,
		result.ModelVersion, result.DataRangeStart.UTC(), result.DataRangeEnd.UTC(),
		result.MSE, result.StdErr, result.ExecutionTimeMs,
		result.ErrorMessage, result.StaleBasis, result.MissingLags,
	}
}

// Upsert writes one forecast by (forecast_date, model_version), preserving
// created_at.
func (s *PostgresStore) Upsert(ctx context.Context, result types.ForecastResult) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, upsertForecastQuery(result.Instrument), forecastArgs(result)...); err != nil {
		return fmt.Errorf("failed to upsert forecast for %s: %w",
			result.ForecastDate.Format("2006-01-02"), err)
	}
	return nil
}

// UpsertAll writes a batch in one transaction.
func (s *PostgresStore) UpsertAll(ctx context.Context, results []types.ForecastResult) error {
	if len(results) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertForecastQuery(results[0].Instrument))
	if err != nil {
		return fmt.Errorf("failed to prepare forecast upsert: %w", err)
	}
	defer stmt.Close()

	for _, result := range results {
		if result.Instrument != results[0].Instrument {
			return fmt.Errorf("mixed instruments in batch: %s and %s",
				results[0].Instrument, result.Instrument)
		}
		if _, err := stmt.ExecContext(ctx, forecastArgs(result)...); err != nil {
			return fmt.Errorf("failed to upsert forecast for %s: %w",
				result.ForecastDate.Format("2006-01-02"), err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) query(ctx context.Context, instrument types.Instrument, where string, args ...any) ([]types.ForecastResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	q := fmt.Sprintf(`SELECT %s FROM %s %s ORDER BY forecast_date ASC`,
		forecastColumns, forecastTable(instrument), where)

	var rows []forecastRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("failed to query forecasts: %w", err)
	}

	results := make([]types.ForecastResult, 0, len(rows))
	for _, r := range rows {
		results = append(results, r.toResult(instrument))
	}
	return results, nil
}

// FindByRange returns forecasts with From <= forecast_date < To, ascending.
func (s *PostgresStore) FindByRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) ([]types.ForecastResult, error) {
	return s.query(ctx, instrument, `WHERE forecast_date >= $1 AND forecast_date < $2`, tr.From, tr.To)
}

// FindByModelVersion returns every forecast produced by one model version.
func (s *PostgresStore) FindByModelVersion(ctx context.Context, instrument types.Instrument, version string) ([]types.ForecastResult, error) {
	return s.query(ctx, instrument, `WHERE model_version = $1`, version)
}

// FindByExecutionID returns every forecast of one run.
func (s *PostgresStore) FindByExecutionID(ctx context.Context, instrument types.Instrument, executionID string) ([]types.ForecastResult, error) {
	return s.query(ctx, instrument, `WHERE execution_id = $1`, executionID)
}

// LatestPerModelVersion returns the newest forecast for each model version.
func (s *PostgresStore) LatestPerModelVersion(ctx context.Context, instrument types.Instrument) (map[string]types.ForecastResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	q := fmt.Sprintf(`
		SELECT DISTINCT ON (model_version) %s
		FROM %s
		ORDER BY model_version, forecast_date DESC`,
		forecastColumns, forecastTable(instrument))

	var rows []forecastRow
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("failed to query latest forecasts: %w", err)
	}

	latest := make(map[string]types.ForecastResult, len(rows))
	for _, r := range rows {
		latest[r.ModelVersion] = r.toResult(instrument)
	}
	return latest, nil
}

// Exists reports whether a forecast is stored for the identity key.
func (s *PostgresStore) Exists(ctx context.Context, instrument types.Instrument, forecastDate time.Time, version string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE forecast_date = $1 AND model_version = $2`,
		forecastTable(instrument))

	var count int
	if err := s.db.GetContext(ctx, &count, q, forecastDate.UTC(), version); err != nil {
		return false, fmt.Errorf("failed to check forecast existence: %w", err)
	}
	return count > 0, nil
}

// DeleteOlderThan removes forecasts dated strictly before the cutoff and
// returns how many were removed.
func (s *PostgresStore) DeleteOlderThan(ctx context.Context, instrument types.Instrument, cutoff time.Time) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	q := fmt.Sprintf(`DELETE FROM %s WHERE forecast_date < $1`, forecastTable(instrument))
	res, err := s.db.ExecContext(ctx, q, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old forecasts: %w", err)
	}
	removed, _ := res.RowsAffected()
	if removed > 0 {
		s.logger.Info("old forecasts removed",
			zap.String("instrument", string(instrument)),
			zap.Int64("count", removed))
	}
	return removed, nil
}
