// Package storage persists decisions and reads position, ledger, and rate
// history from PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"withdrawguard/internal/reconcile"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const undefinedTableCode = "42P01"

const (
	fetchPositionsSQL = `SELECT
        snapshot_ts,
        SUM(value_usd)
    FROM position_snapshots
    WHERE asset = $1
      AND snapshot_ts >= $2
      AND snapshot_ts < $3
    GROUP BY snapshot_ts
    ORDER BY snapshot_ts;`

	fetchPositionsByWalletSQL = `SELECT
        wallet_address,
        snapshot_ts,
        value_usd
    FROM position_snapshots
    WHERE asset = $1
      AND snapshot_ts >= $2
      AND snapshot_ts < $3
    ORDER BY wallet_address, snapshot_ts;`

	fetchLedgerSQL = `SELECT
        wallet_address,
        entry_ts,
        created_at,
        amount_usd,
        kind,
        notes
    FROM ledger_entries
    WHERE asset = $1
      AND entry_ts >= $2
      AND entry_ts < $3
    ORDER BY entry_ts;`

	fetchRatesSQL = `SELECT
        bucket_ts,
        rate_usd
    FROM rate_samples
    WHERE asset = $1
      AND bucket_ts >= $2
      AND bucket_ts < $3
    ORDER BY bucket_ts;`

	insertDecisionSQL = `INSERT INTO decisions (
        asset,
        evaluated_at,
        decision,
        gain_usd,
        wmax_total_usd,
        ref_mode,
        t0,
        error,
        wallets
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9
    )
    ON CONFLICT (asset, evaluated_at) DO UPDATE
    SET decision       = EXCLUDED.decision,
        gain_usd       = EXCLUDED.gain_usd,
        wmax_total_usd = EXCLUDED.wmax_total_usd,
        ref_mode       = EXCLUDED.ref_mode,
        t0             = EXCLUDED.t0,
        error          = EXCLUDED.error,
        wallets        = EXCLUDED.wallets
    RETURNING id, created_at;`

	listRecentDecisionsSQL = `SELECT
        id,
        asset,
        evaluated_at,
        decision,
        gain_usd,
        wmax_total_usd,
        ref_mode,
        t0,
        error,
        wallets,
        created_at
    FROM decisions
    WHERE asset = $1
    ORDER BY evaluated_at DESC
    LIMIT $2;`

	listDecisionsBetweenSQL = `SELECT
        id,
        asset,
        evaluated_at,
        decision,
        gain_usd,
        wmax_total_usd,
        ref_mode,
        t0,
        error,
        wallets,
        created_at
    FROM decisions
    WHERE asset = $1
      AND evaluated_at >= $2
      AND evaluated_at < $3
    ORDER BY evaluated_at;`

	deleteDecisionsBeforeSQL = `DELETE FROM decisions WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SeriesStore reads the inputs one evaluation consumes. Missing tables and
// empty ranges yield empty results, never errors.
type SeriesStore interface {
	FetchPositionSeries(ctx context.Context, asset string, from, to time.Time) ([]reconcile.PositionSample, error)
	FetchPositionSeriesByWallet(ctx context.Context, asset string, from, to time.Time) (map[string][]reconcile.PositionSample, error)
	FetchTransactions(ctx context.Context, asset string, from, to time.Time) ([]reconcile.TransactionEvent, error)
	FetchRateSeries(ctx context.Context, asset string, from, to time.Time) ([]reconcile.PositionSample, error)
}

// DecisionStore archives evaluation outcomes.
type DecisionStore interface {
	InsertDecision(ctx context.Context, rec DecisionRecord) (DecisionRecord, error)
	ListRecentDecisions(ctx context.Context, asset string, limit int) ([]DecisionRecord, error)
	ListDecisionsBetween(ctx context.Context, asset string, from, to time.Time) ([]DecisionRecord, error)
	DeleteDecisionsBefore(ctx context.Context, olderThan time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to series history and the decision archive.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{pool: pool, logger: logger.With().Str("component", "storage").Logger()}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			s.logger.Warn().Err(err).Msg("advisory unlock failed")
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// isUndefinedTable reports whether the query hit a table that does not exist
// yet. Readers treat that the same as an empty range.
func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == undefinedTableCode
}

// FetchPositionSeries returns the asset's total position (summed over
// wallets) per snapshot instant within [from, to).
func (s *Store) FetchPositionSeries(ctx context.Context, asset string, from, to time.Time) ([]reconcile.PositionSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, fetchPositionsSQL, asset, from, to)
	if queryErr != nil {
		if isUndefinedTable(queryErr) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch position series: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]reconcile.PositionSample, 0)
	for rows.Next() {
		var ts time.Time
		var valueStr string
		if err := rows.Scan(&ts, &valueStr); err != nil {
			return nil, err
		}
		value, convErr := decimal.NewFromString(valueStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse position value: %w", convErr)
		}
		samples = append(samples, reconcile.PositionSample{Time: ts.UTC(), ValueUSD: value.InexactFloat64()})
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// FetchPositionSeriesByWallet returns each wallet's own position series
// within [from, to).
func (s *Store) FetchPositionSeriesByWallet(ctx context.Context, asset string, from, to time.Time) (map[string][]reconcile.PositionSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, fetchPositionsByWalletSQL, asset, from, to)
	if queryErr != nil {
		if isUndefinedTable(queryErr) {
			return map[string][]reconcile.PositionSample{}, nil
		}
		return nil, fmt.Errorf("fetch position series by wallet: %w", queryErr)
	}
	defer rows.Close()

	out := make(map[string][]reconcile.PositionSample)
	for rows.Next() {
		var wallet string
		var ts time.Time
		var valueStr string
		if err := rows.Scan(&wallet, &ts, &valueStr); err != nil {
			return nil, err
		}
		value, convErr := decimal.NewFromString(valueStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse position value: %w", convErr)
		}
		out[wallet] = append(out[wallet], reconcile.PositionSample{Time: ts.UTC(), ValueUSD: value.InexactFloat64()})
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// FetchTransactions returns the asset's ledger slice within [from, to).
// Rows violating the sign invariant are logged and skipped; the ledger is
// upstream data and one bad row must not block an evaluation.
func (s *Store) FetchTransactions(ctx context.Context, asset string, from, to time.Time) ([]reconcile.TransactionEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, fetchLedgerSQL, asset, from, to)
	if queryErr != nil {
		if isUndefinedTable(queryErr) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch transactions: %w", queryErr)
	}
	defer rows.Close()

	events := make([]reconcile.TransactionEvent, 0)
	for rows.Next() {
		var row LedgerRow
		var amountStr string
		var notes sql.NullString
		if err := rows.Scan(&row.WalletAddress, &row.EntryTS, &row.CreatedAt, &amountStr, &row.Kind, &notes); err != nil {
			return nil, err
		}
		amount, convErr := decimal.NewFromString(amountStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse ledger amount: %w", convErr)
		}

		kind, kindErr := reconcile.ParseTransactionKind(row.Kind)
		if kindErr != nil {
			s.logger.Warn().Err(kindErr).Time("entry_ts", row.EntryTS).Msg("ledger row skipped")
			continue
		}
		ev, evErr := reconcile.NewTransactionEvent(row.EntryTS.UTC(), row.CreatedAt.UTC(), row.WalletAddress, amount.InexactFloat64(), kind, notes.String)
		if evErr != nil {
			s.logger.Warn().Err(evErr).Time("entry_ts", row.EntryTS).Msg("ledger row skipped")
			continue
		}
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// FetchRateSeries returns the asset's USD rate observations within [from, to).
func (s *Store) FetchRateSeries(ctx context.Context, asset string, from, to time.Time) ([]reconcile.PositionSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, fetchRatesSQL, asset, from, to)
	if queryErr != nil {
		if isUndefinedTable(queryErr) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch rate series: %w", queryErr)
	}
	defer rows.Close()

	samples := make([]reconcile.PositionSample, 0)
	for rows.Next() {
		var ts time.Time
		var rateStr string
		if err := rows.Scan(&ts, &rateStr); err != nil {
			return nil, err
		}
		rate, convErr := decimal.NewFromString(rateStr)
		if convErr != nil {
			return nil, fmt.Errorf("parse rate: %w", convErr)
		}
		samples = append(samples, reconcile.PositionSample{Time: ts.UTC(), ValueUSD: rate.InexactFloat64()})
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}

// InsertDecision archives one evaluation outcome, replacing an earlier write
// for the same asset and instant.
func (s *Store) InsertDecision(ctx context.Context, rec DecisionRecord) (DecisionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return DecisionRecord{}, err
	}

	var errMsg interface{}
	if rec.Error != nil {
		errMsg = *rec.Error
	}
	var t0 interface{}
	if rec.T0 != nil {
		t0 = *rec.T0
	}

	row := pool.QueryRow(ctx, insertDecisionSQL,
		rec.Asset,
		rec.EvaluatedAt,
		rec.Decision,
		rec.GainUSD.String(),
		rec.WmaxTotalUSD.String(),
		rec.RefMode,
		t0,
		errMsg,
		[]byte(rec.Wallets),
	)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return DecisionRecord{}, fmt.Errorf("insert decision: %w", err)
	}
	return rec, nil
}

// ListRecentDecisions returns the newest archived decisions for an asset.
func (s *Store) ListRecentDecisions(ctx context.Context, asset string, limit int) ([]DecisionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentDecisionsSQL, asset, limit)
	if queryErr != nil {
		if isUndefinedTable(queryErr) {
			return nil, nil
		}
		return nil, fmt.Errorf("list recent decisions: %w", queryErr)
	}
	defer rows.Close()
	return collectDecisions(rows, limit)
}

// ListDecisionsBetween returns the archived decisions in [from, to).
func (s *Store) ListDecisionsBetween(ctx context.Context, asset string, from, to time.Time) ([]DecisionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listDecisionsBetweenSQL, asset, from, to)
	if queryErr != nil {
		if isUndefinedTable(queryErr) {
			return nil, nil
		}
		return nil, fmt.Errorf("list decisions between: %w", queryErr)
	}
	defer rows.Close()
	return collectDecisions(rows, 0)
}

// DeleteDecisionsBefore prunes the archive.
func (s *Store) DeleteDecisionsBefore(ctx context.Context, olderThan time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteDecisionsBeforeSQL, olderThan); execErr != nil {
		return fmt.Errorf("delete decisions before: %w", execErr)
	}
	return nil
}

func collectDecisions(rows pgx.Rows, sizeHint int) ([]DecisionRecord, error) {
	records := make([]DecisionRecord, 0, sizeHint)
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func scanDecision(rows pgx.Rows) (DecisionRecord, error) {
	var (
		rec     DecisionRecord
		gainStr string
		wmaxStr string
		t0      sql.NullTime
		errMsg  sql.NullString
		wallets json.RawMessage
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.Asset,
		&rec.EvaluatedAt,
		&rec.Decision,
		&gainStr,
		&wmaxStr,
		&rec.RefMode,
		&t0,
		&errMsg,
		&wallets,
		&rec.CreatedAt,
	); err != nil {
		return DecisionRecord{}, err
	}

	var convErr error
	rec.GainUSD, convErr = decimal.NewFromString(gainStr)
	if convErr != nil {
		return DecisionRecord{}, fmt.Errorf("parse gain: %w", convErr)
	}
	rec.WmaxTotalUSD, convErr = decimal.NewFromString(wmaxStr)
	if convErr != nil {
		return DecisionRecord{}, fmt.Errorf("parse wmax total: %w", convErr)
	}

	if t0.Valid {
		value := t0.Time
		rec.T0 = &value
	}
	if errMsg.Valid {
		msg := errMsg.String
		rec.Error = &msg
	}
	rec.Wallets = wallets
	return rec, nil
}

var (
	_ SeriesStore    = (*Store)(nil)
	_ DecisionStore  = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)
