package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/recipe-extract/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB

	// domainLocks serializes aggregate updates per domain within this
	// process; BEGIN IMMEDIATE serializes across processes.
	domainLocks sync.Map // domain -> *sync.Mutex
}

const sqlitePragmas = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_time_format=sqlite"

// NewSQLite opens a SQLite database at the given path. Pragmas are set in
// the DSN so that every pooled connection gets them.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", dsn+sep+sqlitePragmas)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS domain_performance_metrics (
	id                     TEXT PRIMARY KEY,
	domain                 TEXT NOT NULL UNIQUE,
	total_extractions      INTEGER NOT NULL DEFAULT 0,
	successful_extractions INTEGER NOT NULL DEFAULT 0,
	average_extract_time   REAL NOT NULL DEFAULT 0,
	average_tokens         REAL NOT NULL DEFAULT 0,
	average_cost           TEXT NOT NULL DEFAULT '0',
	cost_samples           INTEGER NOT NULL DEFAULT 0,
	average_completeness   REAL NOT NULL DEFAULT 0,
	has_structured_data_pct REAL NOT NULL DEFAULT 0,
	optimal_strategy       TEXT,
	optimal_provider       TEXT,
	combos                 TEXT NOT NULL DEFAULT '{}',
	since_recompute        INTEGER NOT NULL DEFAULT 0,
	last_recomputed_at     DATETIME,
	last_updated           DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS daily_rate_limits (
	identifier      TEXT NOT NULL,
	identifier_type TEXT NOT NULL,
	date            TEXT NOT NULL,
	request_count   INTEGER NOT NULL DEFAULT 0,
	last_request_at DATETIME NOT NULL,
	PRIMARY KEY (identifier, identifier_type, date)
);

CREATE TABLE IF NOT EXISTS recipe_extraction_metrics (
	id                        TEXT PRIMARY KEY,
	user_id                   TEXT,
	session_id                TEXT,
	recipe_id                 TEXT,
	recipe_url                TEXT NOT NULL,
	domain                    TEXT NOT NULL,
	primary_strategy          TEXT NOT NULL,
	ai_provider               TEXT NOT NULL,
	final_strategy            TEXT NOT NULL,
	final_provider            TEXT NOT NULL,
	fallback_used             INTEGER NOT NULL DEFAULT 0,
	fallback_reason           TEXT NOT NULL DEFAULT '',
	error_class               TEXT NOT NULL DEFAULT '',
	total_duration_ms         INTEGER NOT NULL DEFAULT 0,
	fetch_duration_ms         INTEGER,
	ai_processing_duration_ms INTEGER,
	validation_duration_ms    INTEGER,
	db_save_duration_ms       INTEGER,
	html_size                 INTEGER,
	cleaned_size              INTEGER,
	prompt_tokens             INTEGER,
	response_tokens           INTEGER,
	total_tokens              INTEGER,
	extraction_success        INTEGER NOT NULL DEFAULT 0,
	validation_errors         TEXT NOT NULL DEFAULT '[]',
	missing_fields            TEXT NOT NULL DEFAULT '[]',
	completeness_score        REAL NOT NULL DEFAULT 0,
	category_confidence       REAL,
	has_structured_data       INTEGER NOT NULL DEFAULT 0,
	estimated_cost            TEXT,
	was_optimal               INTEGER NOT NULL DEFAULT 0,
	attempted_strategies      TEXT NOT NULL DEFAULT '[]',
	request_timestamp         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS ai_provider_costs (
	id                TEXT PRIMARY KEY,
	provider          TEXT NOT NULL,
	model             TEXT NOT NULL,
	input_token_cost  TEXT NOT NULL,
	output_token_cost TEXT NOT NULL,
	effective_date    DATETIME NOT NULL,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (provider, model, effective_date)
);

CREATE TABLE IF NOT EXISTS anonymous_sessions (
	session_id        TEXT PRIMARY KEY,
	extraction_count  INTEGER NOT NULL DEFAULT 0,
	first_seen_at     DATETIME NOT NULL,
	last_seen_at      DATETIME NOT NULL,
	rate_limited_at   DATETIME,
	converted_user_id TEXT
);

CREATE TABLE IF NOT EXISTS conversion_events (
	id         TEXT PRIMARY KEY,
	session_id TEXT,
	user_id    TEXT,
	event_type TEXT NOT NULL,
	payload    TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_rem_domain ON recipe_extraction_metrics(domain);
CREATE INDEX IF NOT EXISTS idx_rem_request_timestamp ON recipe_extraction_metrics(request_timestamp);
CREATE INDEX IF NOT EXISTS idx_costs_lookup ON ai_provider_costs(provider, model, effective_date);
CREATE INDEX IF NOT EXISTS idx_conversion_events_session ON conversion_events(session_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const aggregateSelectCols = `id, domain, total_extractions, successful_extractions,
	average_extract_time, average_tokens, average_cost, cost_samples,
	average_completeness, has_structured_data_pct,
	optimal_strategy, optimal_provider, combos, since_recompute, last_recomputed_at, last_updated`

func (s *SQLiteStore) lockDomain(domain string) func() {
	v, _ := s.domainLocks.LoadOrStore(domain, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// UpsertDomainAggregate runs fn against the current aggregate for domain
// inside an immediate transaction, creating the row on first use.
func (s *SQLiteStore) UpsertDomainAggregate(ctx context.Context, domain string, fn AggregateFn) (*model.DomainPerformanceMetrics, error) {
	unlock := s.lockDomain(domain)
	defer unlock()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: acquire conn")
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return nil, eris.Wrap(err, "sqlite: begin immediate")
	}
	committed := false
	defer func() {
		if !committed {
			// The request ctx may already be done; rollback must still run.
			if _, rbErr := conn.ExecContext(context.Background(), "ROLLBACK"); rbErr != nil {
				zap.L().Debug("sqlite: rollback failed", zap.Error(rbErr))
			}
		}
	}()

	now := time.Now().UTC()
	if _, err := conn.ExecContext(ctx,
		`INSERT INTO domain_performance_metrics (id, domain, last_updated) VALUES (?, ?, ?) ON CONFLICT(domain) DO NOTHING`,
		uuid.New().String(), domain, now,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: ensure aggregate %s", domain)
	}

	var sc aggregateScan
	row := conn.QueryRowContext(ctx, `SELECT `+aggregateSelectCols+` FROM domain_performance_metrics WHERE domain = ?`, domain)
	if err := row.Scan(sc.dest()...); err != nil {
		return nil, eris.Wrapf(err, "sqlite: read aggregate %s", domain)
	}
	agg, err := sc.finish()
	if err != nil {
		return nil, err
	}

	if err := fn(agg); err != nil {
		return nil, eris.Wrapf(err, "sqlite: apply aggregate delta %s", domain)
	}

	args, err := aggregateArgs(agg)
	if err != nil {
		return nil, err
	}
	args = append(args, domain)
	if _, err := conn.ExecContext(ctx,
		`UPDATE domain_performance_metrics SET
			total_extractions = ?, successful_extractions = ?, average_extract_time = ?, average_tokens = ?,
			average_cost = ?, cost_samples = ?, average_completeness = ?, has_structured_data_pct = ?,
			optimal_strategy = ?, optimal_provider = ?, combos = ?, since_recompute = ?,
			last_recomputed_at = ?, last_updated = ?
		 WHERE domain = ?`,
		args...,
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: update aggregate %s", domain)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return nil, eris.Wrapf(err, "sqlite: commit aggregate %s", domain)
	}
	committed = true
	return agg, nil
}

func (s *SQLiteStore) GetDomainAggregate(ctx context.Context, domain string) (*model.DomainPerformanceMetrics, error) {
	var sc aggregateScan
	row := s.db.QueryRowContext(ctx, `SELECT `+aggregateSelectCols+` FROM domain_performance_metrics WHERE domain = ?`, domain)
	err := row.Scan(sc.dest()...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get aggregate %s", domain)
	}
	return sc.finish()
}

func (s *SQLiteStore) ListDomainAggregates(ctx context.Context, limit int) ([]model.DomainPerformanceMetrics, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+aggregateSelectCols+` FROM domain_performance_metrics ORDER BY total_extractions DESC, domain LIMIT ?`,
		listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list aggregates")
	}
	defer rows.Close()

	var out []model.DomainPerformanceMetrics
	for rows.Next() {
		var sc aggregateScan
		if err := rows.Scan(sc.dest()...); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan aggregate")
		}
		agg, err := sc.finish()
		if err != nil {
			return nil, err
		}
		out = append(out, *agg)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list aggregates iterate")
}

const rateLimitIncrementSQL = `INSERT INTO daily_rate_limits (identifier, identifier_type, date, request_count, last_request_at)
VALUES (?, ?, ?, 1, ?)
ON CONFLICT(identifier, identifier_type, date) DO UPDATE SET
	request_count = request_count + 1,
	last_request_at = excluded.last_request_at
WHERE daily_rate_limits.request_count < ?
RETURNING request_count`

// IncrementRateLimit admits and counts a request in a single statement. No
// row comes back when the counter is already at limit.
func (s *SQLiteStore) IncrementRateLimit(ctx context.Context, identifier string, idType model.IdentifierType, date string, limit int, at time.Time) (int, bool, error) {
	if limit <= 0 {
		return 0, false, nil
	}
	var count int
	err := s.db.QueryRowContext(ctx, rateLimitIncrementSQL,
		identifier, string(idType), date, at.UTC(), limit,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return limit, false, nil
	}
	if err != nil {
		return 0, false, eris.Wrapf(err, "sqlite: increment rate limit %s/%s", idType, identifier)
	}
	return count, true, nil
}

func (s *SQLiteStore) GetRateLimit(ctx context.Context, identifier string, idType model.IdentifierType, date string) (*model.DailyRateLimit, error) {
	var rl model.DailyRateLimit
	var typ string
	err := s.db.QueryRowContext(ctx,
		`SELECT identifier, identifier_type, date, request_count, last_request_at FROM daily_rate_limits
		 WHERE identifier = ? AND identifier_type = ? AND date = ?`,
		identifier, string(idType), date,
	).Scan(&rl.Identifier, &typ, &rl.Date, &rl.RequestCount, &rl.LastRequestAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get rate limit %s/%s", idType, identifier)
	}
	rl.IdentifierType = model.IdentifierType(typ)
	return &rl, nil
}

func (s *SQLiteStore) AppendExtractionMetrics(ctx context.Context, row *model.RecipeExtractionMetrics) error {
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	args, err := metricsArgs(row)
	if err != nil {
		return err
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(metricsColumns)), ", ")
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO recipe_extraction_metrics (`+strings.Join(metricsColumns, ", ")+`) VALUES (`+placeholders+`)`,
		args...,
	)
	return eris.Wrap(err, "sqlite: append extraction metrics")
}

func (s *SQLiteStore) ListExtractionMetrics(ctx context.Context, filter MetricsFilter) ([]model.RecipeExtractionMetrics, error) {
	query := `SELECT ` + strings.Join(metricsColumns, ", ") + ` FROM recipe_extraction_metrics WHERE 1=1`
	var args []any

	if filter.Domain != "" {
		query += ` AND domain = ?`
		args = append(args, filter.Domain)
	}
	if !filter.Since.IsZero() {
		query += ` AND request_timestamp >= ?`
		args = append(args, filter.Since.UTC())
	}
	query += ` ORDER BY request_timestamp DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list extraction metrics")
	}
	defer rows.Close()

	var out []model.RecipeExtractionMetrics
	for rows.Next() {
		var sc metricsScan
		if err := rows.Scan(sc.dest()...); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan extraction metrics")
		}
		m, err := sc.finish()
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list extraction metrics iterate")
}

func (s *SQLiteStore) ReadCostRates(ctx context.Context, provider, modelName string) ([]model.AIProviderCost, error) {
	return s.queryCostRates(ctx,
		`SELECT id, provider, model, input_token_cost, output_token_cost, effective_date, created_at
		 FROM ai_provider_costs WHERE provider = ? AND model = ? ORDER BY effective_date DESC`,
		provider, modelName,
	)
}

func (s *SQLiteStore) ListCostRates(ctx context.Context) ([]model.AIProviderCost, error) {
	return s.queryCostRates(ctx,
		`SELECT id, provider, model, input_token_cost, output_token_cost, effective_date, created_at
		 FROM ai_provider_costs ORDER BY provider, model, effective_date DESC`,
	)
}

func (s *SQLiteStore) queryCostRates(ctx context.Context, query string, args ...any) ([]model.AIProviderCost, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: read cost rates")
	}
	defer rows.Close()

	var out []model.AIProviderCost
	for rows.Next() {
		var c model.AIProviderCost
		var in, outCost string
		if err := rows.Scan(&c.ID, &c.Provider, &c.Model, &in, &outCost, &c.EffectiveDate, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cost rate")
		}
		if err := parseRate(&c, in, outCost); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: read cost rates iterate")
}

func (s *SQLiteStore) InsertCostRate(ctx context.Context, rate model.AIProviderCost) error {
	prepareRate(&rate)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ai_provider_costs (id, provider, model, input_token_cost, output_token_cost, effective_date, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rate.ID, rate.Provider, rate.Model, rate.InputTokenCost.String(), rate.OutputTokenCost.String(),
		rate.EffectiveDate.UTC(), rate.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert cost rate %s/%s", rate.Provider, rate.Model)
}

// SeedCostRates inserts rates that are not already present for the same
// (provider, model, effective date).
func (s *SQLiteStore) SeedCostRates(ctx context.Context, rates []model.AIProviderCost) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: seed begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var inserted int64
	for _, rate := range rates {
		prepareRate(&rate)
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO ai_provider_costs (id, provider, model, input_token_cost, output_token_cost, effective_date, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rate.ID, rate.Provider, rate.Model, rate.InputTokenCost.String(), rate.OutputTokenCost.String(),
			rate.EffectiveDate.UTC(), rate.CreatedAt.UTC(),
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: seed cost rate %s/%s", rate.Provider, rate.Model)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, eris.Wrap(err, "sqlite: rows affected")
		}
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: seed commit")
	}
	return inserted, nil
}

func (s *SQLiteStore) InsertConversionEvent(ctx context.Context, ev model.ConversionEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	payload, err := marshalPayload(ev.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversion_events (id, session_id, user_id, event_type, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.SessionID, ev.UserID, string(ev.EventType), payload, ev.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: insert conversion event")
}

// TouchSession creates the session on first sight and bumps its extraction count.
func (s *SQLiteStore) TouchSession(ctx context.Context, sessionID string, at time.Time) (*model.AnonymousSession, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO anonymous_sessions (session_id, extraction_count, first_seen_at, last_seen_at)
		 VALUES (?, 1, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
			extraction_count = extraction_count + 1,
			last_seen_at = excluded.last_seen_at`,
		sessionID, at.UTC(), at.UTC(),
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: touch session %s", sessionID)
	}

	var sess model.AnonymousSession
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, extraction_count, first_seen_at, last_seen_at, rate_limited_at, converted_user_id
		 FROM anonymous_sessions WHERE session_id = ?`,
		sessionID,
	).Scan(&sess.SessionID, &sess.ExtractionCount, &sess.FirstSeenAt, &sess.LastSeenAt, &sess.RateLimitedAt, &sess.ConvertedUserID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: read session %s", sessionID)
	}
	return &sess, nil
}

func (s *SQLiteStore) MarkSessionRateLimited(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO anonymous_sessions (session_id, extraction_count, first_seen_at, last_seen_at, rate_limited_at)
		 VALUES (?, 0, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET rate_limited_at = excluded.rate_limited_at`,
		sessionID, at.UTC(), at.UTC(), at.UTC(),
	)
	return eris.Wrapf(err, "sqlite: mark session rate limited %s", sessionID)
}
