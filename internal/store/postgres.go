package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/sells-group/recipe-extract/internal/db"
	"github.com/sells-group/recipe-extract/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

const pgRateLimitIncrementSQL = `INSERT INTO daily_rate_limits (identifier, identifier_type, date, request_count, last_request_at)
VALUES ($1, $2, $3, 1, $4)
ON CONFLICT (identifier, identifier_type, date) DO UPDATE SET
	request_count = daily_rate_limits.request_count + 1,
	last_request_at = EXCLUDED.last_request_at
WHERE daily_rate_limits.request_count < $5
RETURNING request_count`

const pgAggregateSelectCols = `id, domain, total_extractions, successful_extractions,
	average_extract_time, average_tokens, average_cost::text, cost_samples,
	average_completeness, has_structured_data_pct,
	optimal_strategy, optimal_provider, combos::text, since_recompute, last_recomputed_at, last_updated`

// preparedStatements lists queries to prepare on each new connection for
// the hottest store operations.
var preparedStatements = map[string]string{
	"increment_rate_limit": pgRateLimitIncrementSQL,
	"get_aggregate":        `SELECT ` + pgAggregateSelectCols + ` FROM domain_performance_metrics WHERE domain = $1`,
	"read_cost_rates":      `SELECT id, provider, model, input_token_cost::text, output_token_cost::text, effective_date, created_at FROM ai_provider_costs WHERE provider = $1 AND model = $2 ORDER BY effective_date DESC`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS domain_performance_metrics (
	id                      TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	domain                  TEXT NOT NULL UNIQUE,
	total_extractions       INTEGER NOT NULL DEFAULT 0,
	successful_extractions  INTEGER NOT NULL DEFAULT 0,
	average_extract_time    DOUBLE PRECISION NOT NULL DEFAULT 0,
	average_tokens          DOUBLE PRECISION NOT NULL DEFAULT 0,
	average_cost            NUMERIC(20, 12) NOT NULL DEFAULT 0,
	cost_samples            INTEGER NOT NULL DEFAULT 0,
	average_completeness    DOUBLE PRECISION NOT NULL DEFAULT 0,
	has_structured_data_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
	optimal_strategy        TEXT,
	optimal_provider        TEXT,
	combos                  JSONB NOT NULL DEFAULT '{}'::jsonb,
	since_recompute         INTEGER NOT NULL DEFAULT 0,
	last_recomputed_at      TIMESTAMPTZ,
	last_updated            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS daily_rate_limits (
	identifier      TEXT NOT NULL,
	identifier_type TEXT NOT NULL,
	date            DATE NOT NULL,
	request_count   INTEGER NOT NULL DEFAULT 0,
	last_request_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (identifier, identifier_type, date)
);

CREATE TABLE IF NOT EXISTS recipe_extraction_metrics (
	id                        TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	user_id                   TEXT,
	session_id                TEXT,
	recipe_id                 TEXT,
	recipe_url                TEXT NOT NULL,
	domain                    TEXT NOT NULL,
	primary_strategy          TEXT NOT NULL,
	ai_provider               TEXT NOT NULL,
	final_strategy            TEXT NOT NULL,
	final_provider            TEXT NOT NULL,
	fallback_used             BOOLEAN NOT NULL DEFAULT false,
	fallback_reason           TEXT NOT NULL DEFAULT '',
	error_class               TEXT NOT NULL DEFAULT '',
	total_duration_ms         BIGINT NOT NULL DEFAULT 0,
	fetch_duration_ms         BIGINT,
	ai_processing_duration_ms BIGINT,
	validation_duration_ms    BIGINT,
	db_save_duration_ms       BIGINT,
	html_size                 INTEGER,
	cleaned_size              INTEGER,
	prompt_tokens             INTEGER,
	response_tokens           INTEGER,
	total_tokens              INTEGER,
	extraction_success        BOOLEAN NOT NULL DEFAULT false,
	validation_errors         JSONB NOT NULL DEFAULT '[]'::jsonb,
	missing_fields            JSONB NOT NULL DEFAULT '[]'::jsonb,
	completeness_score        DOUBLE PRECISION NOT NULL DEFAULT 0,
	category_confidence       DOUBLE PRECISION,
	has_structured_data       BOOLEAN NOT NULL DEFAULT false,
	estimated_cost            NUMERIC(20, 12),
	was_optimal               BOOLEAN NOT NULL DEFAULT false,
	attempted_strategies      JSONB NOT NULL DEFAULT '[]'::jsonb,
	request_timestamp         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ai_provider_costs (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	provider          TEXT NOT NULL,
	model             TEXT NOT NULL,
	input_token_cost  NUMERIC(20, 12) NOT NULL,
	output_token_cost NUMERIC(20, 12) NOT NULL,
	effective_date    TIMESTAMPTZ NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (provider, model, effective_date)
);

CREATE TABLE IF NOT EXISTS anonymous_sessions (
	session_id        TEXT PRIMARY KEY,
	extraction_count  INTEGER NOT NULL DEFAULT 0,
	first_seen_at     TIMESTAMPTZ NOT NULL,
	last_seen_at      TIMESTAMPTZ NOT NULL,
	rate_limited_at   TIMESTAMPTZ,
	converted_user_id TEXT
);

CREATE TABLE IF NOT EXISTS conversion_events (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	session_id TEXT,
	user_id    TEXT,
	event_type TEXT NOT NULL,
	payload    JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_rem_domain ON recipe_extraction_metrics(domain);
CREATE INDEX IF NOT EXISTS idx_rem_request_timestamp ON recipe_extraction_metrics(request_timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_costs_lookup ON ai_provider_costs(provider, model, effective_date DESC);
CREATE INDEX IF NOT EXISTS idx_conversion_events_session ON conversion_events(session_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// UpsertDomainAggregate locks the domain row with SELECT ... FOR UPDATE,
// applies fn and writes the result back in one transaction.
func (s *PostgresStore) UpsertDomainAggregate(ctx context.Context, domain string, fn AggregateFn) (*model.DomainPerformanceMetrics, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin aggregate tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO domain_performance_metrics (id, domain, last_updated) VALUES ($1, $2, $3) ON CONFLICT (domain) DO NOTHING`,
		uuid.New().String(), domain, time.Now().UTC(),
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: ensure aggregate %s", domain)
	}

	var sc aggregateScan
	if err := tx.QueryRow(ctx,
		`SELECT `+pgAggregateSelectCols+` FROM domain_performance_metrics WHERE domain = $1 FOR UPDATE`,
		domain,
	).Scan(sc.dest()...); err != nil {
		return nil, eris.Wrapf(err, "postgres: lock aggregate %s", domain)
	}
	agg, err := sc.finish()
	if err != nil {
		return nil, err
	}

	if err := fn(agg); err != nil {
		return nil, eris.Wrapf(err, "postgres: apply aggregate delta %s", domain)
	}

	args, err := aggregateArgs(agg)
	if err != nil {
		return nil, err
	}
	args = append(args, domain)
	if _, err := tx.Exec(ctx,
		`UPDATE domain_performance_metrics SET
			total_extractions = $1, successful_extractions = $2, average_extract_time = $3, average_tokens = $4,
			average_cost = $5, cost_samples = $6, average_completeness = $7, has_structured_data_pct = $8,
			optimal_strategy = $9, optimal_provider = $10, combos = $11, since_recompute = $12,
			last_recomputed_at = $13, last_updated = $14
		 WHERE domain = $15`,
		args...,
	); err != nil {
		return nil, eris.Wrapf(err, "postgres: update aggregate %s", domain)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrapf(err, "postgres: commit aggregate %s", domain)
	}
	return agg, nil
}

func (s *PostgresStore) GetDomainAggregate(ctx context.Context, domain string) (*model.DomainPerformanceMetrics, error) {
	var sc aggregateScan
	err := s.pool.QueryRow(ctx,
		`SELECT `+pgAggregateSelectCols+` FROM domain_performance_metrics WHERE domain = $1`,
		domain,
	).Scan(sc.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get aggregate %s", domain)
	}
	return sc.finish()
}

func (s *PostgresStore) ListDomainAggregates(ctx context.Context, limit int) ([]model.DomainPerformanceMetrics, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgAggregateSelectCols+` FROM domain_performance_metrics ORDER BY total_extractions DESC, domain LIMIT $1`,
		listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list aggregates")
	}
	defer rows.Close()

	var out []model.DomainPerformanceMetrics
	for rows.Next() {
		var sc aggregateScan
		if err := rows.Scan(sc.dest()...); err != nil {
			return nil, eris.Wrap(err, "postgres: scan aggregate")
		}
		agg, err := sc.finish()
		if err != nil {
			return nil, err
		}
		out = append(out, *agg)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list aggregates iterate")
}

// IncrementRateLimit admits and counts a request in a single statement. No
// row comes back when the counter is already at limit.
func (s *PostgresStore) IncrementRateLimit(ctx context.Context, identifier string, idType model.IdentifierType, date string, limit int, at time.Time) (int, bool, error) {
	if limit <= 0 {
		return 0, false, nil
	}
	var count int
	err := s.pool.QueryRow(ctx, pgRateLimitIncrementSQL,
		identifier, string(idType), date, at.UTC(), limit,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return limit, false, nil
	}
	if err != nil {
		return 0, false, eris.Wrapf(err, "postgres: increment rate limit %s/%s", idType, identifier)
	}
	return count, true, nil
}

func (s *PostgresStore) GetRateLimit(ctx context.Context, identifier string, idType model.IdentifierType, date string) (*model.DailyRateLimit, error) {
	var rl model.DailyRateLimit
	var typ string
	err := s.pool.QueryRow(ctx,
		`SELECT identifier, identifier_type, date::text, request_count, last_request_at FROM daily_rate_limits
		 WHERE identifier = $1 AND identifier_type = $2 AND date = $3`,
		identifier, string(idType), date,
	).Scan(&rl.Identifier, &typ, &rl.Date, &rl.RequestCount, &rl.LastRequestAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get rate limit %s/%s", idType, identifier)
	}
	rl.IdentifierType = model.IdentifierType(typ)
	return &rl, nil
}

// pgMetricsSelect casts numeric and jsonb columns to text so both backends
// share one scan path.
func pgMetricsSelect() string {
	cols := make([]string, len(metricsColumns))
	for i, c := range metricsColumns {
		switch c {
		case "estimated_cost", "validation_errors", "missing_fields", "attempted_strategies":
			cols[i] = c + "::text"
		default:
			cols[i] = c
		}
	}
	return strings.Join(cols, ", ")
}

func pgPlaceholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", i+1)
	}
	return strings.Join(ph, ", ")
}

func (s *PostgresStore) AppendExtractionMetrics(ctx context.Context, row *model.RecipeExtractionMetrics) error {
	if row.ID == "" {
		row.ID = uuid.New().String()
	}
	args, err := metricsArgs(row)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO recipe_extraction_metrics (`+strings.Join(metricsColumns, ", ")+`) VALUES (`+pgPlaceholders(len(metricsColumns))+`)`,
		args...,
	)
	return eris.Wrap(err, "postgres: append extraction metrics")
}

func (s *PostgresStore) ListExtractionMetrics(ctx context.Context, filter MetricsFilter) ([]model.RecipeExtractionMetrics, error) {
	query := `SELECT ` + pgMetricsSelect() + ` FROM recipe_extraction_metrics WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Domain != "" {
		query += fmt.Sprintf(` AND domain = $%d`, argIdx)
		args = append(args, filter.Domain)
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND request_timestamp >= $%d`, argIdx)
		args = append(args, filter.Since.UTC())
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY request_timestamp DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list extraction metrics")
	}
	defer rows.Close()

	var out []model.RecipeExtractionMetrics
	for rows.Next() {
		var sc metricsScan
		if err := rows.Scan(sc.dest()...); err != nil {
			return nil, eris.Wrap(err, "postgres: scan extraction metrics")
		}
		m, err := sc.finish()
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list extraction metrics iterate")
}

func (s *PostgresStore) ReadCostRates(ctx context.Context, provider, modelName string) ([]model.AIProviderCost, error) {
	return s.queryCostRates(ctx,
		`SELECT id, provider, model, input_token_cost::text, output_token_cost::text, effective_date, created_at
		 FROM ai_provider_costs WHERE provider = $1 AND model = $2 ORDER BY effective_date DESC`,
		provider, modelName,
	)
}

func (s *PostgresStore) ListCostRates(ctx context.Context) ([]model.AIProviderCost, error) {
	return s.queryCostRates(ctx,
		`SELECT id, provider, model, input_token_cost::text, output_token_cost::text, effective_date, created_at
		 FROM ai_provider_costs ORDER BY provider, model, effective_date DESC`,
	)
}

func (s *PostgresStore) queryCostRates(ctx context.Context, query string, args ...any) ([]model.AIProviderCost, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: read cost rates")
	}
	defer rows.Close()

	var out []model.AIProviderCost
	for rows.Next() {
		var c model.AIProviderCost
		var in, outCost string
		if err := rows.Scan(&c.ID, &c.Provider, &c.Model, &in, &outCost, &c.EffectiveDate, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cost rate")
		}
		if err := parseRate(&c, in, outCost); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: read cost rates iterate")
}

func (s *PostgresStore) InsertCostRate(ctx context.Context, rate model.AIProviderCost) error {
	prepareRate(&rate)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ai_provider_costs (id, provider, model, input_token_cost, output_token_cost, effective_date, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rate.ID, rate.Provider, rate.Model, rate.InputTokenCost.String(), rate.OutputTokenCost.String(),
		rate.EffectiveDate.UTC(), rate.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert cost rate %s/%s", rate.Provider, rate.Model)
}

var costRateLoad = db.LoadConfig{
	Table:        "ai_provider_costs",
	Columns:      []string{"id", "provider", "model", "input_token_cost", "output_token_cost", "effective_date", "created_at"},
	ConflictKeys: []string{"provider", "model", "effective_date"},
}

// SeedCostRates bulk-loads rates via COPY, skipping ones already present.
func (s *PostgresStore) SeedCostRates(ctx context.Context, rates []model.AIProviderCost) (int64, error) {
	rows := make([][]any, 0, len(rates))
	for _, rate := range rates {
		prepareRate(&rate)
		rows = append(rows, []any{
			rate.ID, rate.Provider, rate.Model, pgNumeric(rate.InputTokenCost), pgNumeric(rate.OutputTokenCost),
			rate.EffectiveDate.UTC(), rate.CreatedAt.UTC(),
		})
	}
	n, err := db.CopyInsertIgnore(ctx, s.pool, costRateLoad, rows)
	return n, eris.Wrap(err, "postgres: seed cost rates")
}

// pgNumeric converts a decimal for the binary COPY protocol.
func pgNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func (s *PostgresStore) InsertConversionEvent(ctx context.Context, ev model.ConversionEvent) error {
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversion_events (id, session_id, user_id, event_type, payload, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		ev.ID, ev.SessionID, ev.UserID, string(ev.EventType), payload, ev.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: insert conversion event")
}

// TouchSession creates the session on first sight and bumps its extraction count.
func (s *PostgresStore) TouchSession(ctx context.Context, sessionID string, at time.Time) (*model.AnonymousSession, error) {
	var sess model.AnonymousSession
	err := s.pool.QueryRow(ctx,
		`INSERT INTO anonymous_sessions (session_id, extraction_count, first_seen_at, last_seen_at)
		 VALUES ($1, 1, $2, $2)
		 ON CONFLICT (session_id) DO UPDATE SET
			extraction_count = anonymous_sessions.extraction_count + 1,
			last_seen_at = EXCLUDED.last_seen_at
		 RETURNING session_id, extraction_count, first_seen_at, last_seen_at, rate_limited_at, converted_user_id`,
		sessionID, at.UTC(),
	).Scan(&sess.SessionID, &sess.ExtractionCount, &sess.FirstSeenAt, &sess.LastSeenAt, &sess.RateLimitedAt, &sess.ConvertedUserID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: touch session %s", sessionID)
	}
	return &sess, nil
}

func (s *PostgresStore) MarkSessionRateLimited(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO anonymous_sessions (session_id, extraction_count, first_seen_at, last_seen_at, rate_limited_at)
		 VALUES ($1, 0, $2, $2, $2)
		 ON CONFLICT (session_id) DO UPDATE SET rate_limited_at = EXCLUDED.rate_limited_at`,
		sessionID, at.UTC(),
	)
	return eris.Wrapf(err, "postgres: mark session rate limited %s", sessionID)
}
