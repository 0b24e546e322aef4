// Package postgres provides the Postgres-backed resource registry.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultResourcesTable = "resources"
	defaultEventsTable    = "monitoring_events"
	defaultInsertAttempts = 3
	defaultBackoffInitial = 200 * time.Millisecond
)

// RegistryConfig controls the Postgres connection pool and table names.
type RegistryConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	ResourcesTable  string
	EventsTable     string
	InsertAttempts  int
	BackoffInitial  time.Duration
}

// Options carries collaborators used when the registry fills event defaults.
type Options struct {
	Logger *zap.Logger
	Clock  monitor.Clock
	IDs    monitor.IDGenerator
}

type pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Registry reads resources and writes monitoring events.
type Registry struct {
	pool           pool
	resourcesTable string
	eventsTable    string
	attempts       int
	backoffInitial time.Duration
	logger         *zap.Logger
	clock          monitor.Clock
	ids            monitor.IDGenerator
}

// NewRegistry connects a pgx pool using the provided config.
func NewRegistry(ctx context.Context, cfg RegistryConfig, opts Options) (*Registry, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	reg, err := NewRegistryWithPool(p, cfg, opts)
	if err != nil {
		p.Close()
		return nil, err
	}
	return reg, nil
}

// NewRegistryWithPool constructs a registry from an existing pool (primarily for testing).
func NewRegistryWithPool(p pool, cfg RegistryConfig, opts Options) (*Registry, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	resources := cfg.ResourcesTable
	if resources == "" {
		resources = defaultResourcesTable
	}
	events := cfg.EventsTable
	if events == "" {
		events = defaultEventsTable
	}
	for _, table := range []string{resources, events} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	attempts := cfg.InsertAttempts
	if attempts <= 0 {
		attempts = defaultInsertAttempts
	}
	initial := cfg.BackoffInitial
	if initial <= 0 {
		initial = defaultBackoffInitial
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		pool:           p,
		resourcesTable: resources,
		eventsTable:    events,
		attempts:       attempts,
		backoffInitial: initial,
		logger:         logger,
		clock:          opts.Clock,
		ids:            opts.IDs,
	}, nil
}

// Close releases the underlying pool resources.
func (r *Registry) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// Ping checks database connectivity.
func (r *Registry) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (r *Registry) selectColumns() string {
	return fmt.Sprintf(`
SELECT
	id::text,
	url,
	COALESCE(name, ''),
	COALESCE(description, ''),
	COALESCE(key_words, '{}'::text[]),
	COALESCE(interval, ''),
	starts_from,
	COALESCE(make_screenshot, false),
	COALESCE(enabled, false),
	monitoring_polygon
FROM %s`, r.resourcesTable)
}

// ListEnabledResources returns every resource with enabled = true.
func (r *Registry) ListEnabledResources(ctx context.Context) ([]monitor.Resource, error) {
	query := r.selectColumns() + "\nWHERE enabled = true\nORDER BY id"
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query resources: %w", err)
	}
	defer rows.Close()

	var out []monitor.Resource
	for rows.Next() {
		res, err := scanResource(rows)
		var invalid *invalidRowError
		if errors.As(err, &invalid) {
			r.logger.Warn("skipping invalid resource row",
				zap.String("resource_id", invalid.id),
				zap.Error(invalid.err),
			)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resources: %w", err)
	}
	return out, nil
}

// LoadResource reads a single resource row.
func (r *Registry) LoadResource(ctx context.Context, id string) (monitor.Resource, error) {
	query := r.selectColumns() + "\nWHERE id::text = $1"
	res, err := scanResource(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return monitor.Resource{}, fmt.Errorf("load resource %s: %w", id, monitor.ErrResourceNotFound)
	}
	if err != nil {
		return monitor.Resource{}, fmt.Errorf("load resource %s: %w", id, err)
	}
	return res, nil
}

// invalidRowError reports a row that scanned but holds unusable data.
type invalidRowError struct {
	id  string
	err error
}

func (e *invalidRowError) Error() string { return fmt.Sprintf("resource %s: %v", e.id, e.err) }

func (e *invalidRowError) Unwrap() error { return e.err }

func scanResource(row pgx.Row) (monitor.Resource, error) {
	var (
		res        monitor.Resource
		keywords   []string
		startsFrom *time.Time
		polygon    []byte
	)
	if err := row.Scan(
		&res.ID,
		&res.URL,
		&res.Name,
		&res.Description,
		&keywords,
		&res.Interval,
		&startsFrom,
		&res.MakeScreenshot,
		&res.Enabled,
		&polygon,
	); err != nil {
		return monitor.Resource{}, fmt.Errorf("scan resource: %w", err)
	}
	res.Keywords = cleanKeywords(keywords)
	if startsFrom != nil {
		ts := startsFrom.UTC()
		res.StartsFrom = &ts
	}
	zone, err := parseZone(polygon)
	if err != nil {
		return monitor.Resource{}, &invalidRowError{id: res.ID, err: err}
	}
	res.Zone = zone
	return res, nil
}

func cleanKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, kw := range in {
		if kw = strings.TrimSpace(kw); kw != "" {
			out = append(out, kw)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// parseZone reads the first polygon entry. Additional entries are ignored.
func parseZone(raw []byte) (*monitor.Zone, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var zones []monitor.Zone
	if err := json.Unmarshal(raw, &zones); err != nil {
		return nil, fmt.Errorf("decode monitoring_polygon: %w", err)
	}
	if len(zones) == 0 {
		return nil, nil
	}
	zone := zones[0]
	if err := zone.Validate(); err != nil {
		return nil, fmt.Errorf("monitoring_polygon[0]: %w", err)
	}
	return &zone, nil
}

// EmitEvent inserts one event with status CREATED.
func (r *Registry) EmitEvent(ctx context.Context, resourceID, snapshotID, name string) error {
	return r.EmitEvents(ctx, []monitor.Event{{
		ResourceID: resourceID,
		SnapshotID: snapshotID,
		Name:       name,
	}})
}

// EmitEvents inserts the events in a single transaction, retrying the whole
// batch with exponential backoff.
func (r *Registry) EmitEvents(ctx context.Context, events []monitor.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows, err := r.normalize(events)
	if err != nil {
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.backoffInitial
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.attempts-1)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := r.insertBatch(ctx, rows)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		r.logger.Warn("insert events failed",
			zap.Int("attempt", attempt),
			zap.Int("events", len(rows)),
			zap.Error(err),
		)
		return err
	}
	if err := backoff.Retry(op, retry); err != nil {
		return fmt.Errorf("emit %d events after %d attempts: %w", len(rows), attempt, err)
	}
	return nil
}

func (r *Registry) normalize(events []monitor.Event) ([]monitor.Event, error) {
	out := make([]monitor.Event, len(events))
	for i, ev := range events {
		if ev.ResourceID == "" || ev.SnapshotID == "" || ev.Name == "" {
			return nil, fmt.Errorf("event %d: resource_id, snapshot_id and name are required", i)
		}
		if ev.ID == "" {
			if r.ids == nil {
				return nil, fmt.Errorf("event %d: id is required", i)
			}
			id, err := r.ids.NewID()
			if err != nil {
				return nil, fmt.Errorf("generate event id: %w", err)
			}
			ev.ID = id
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = r.now()
		}
		ev.CreatedAt = ev.CreatedAt.UTC()
		if ev.Status == "" {
			ev.Status = monitor.EventStatusCreated
		}
		if !ev.Status.Valid() {
			return nil, fmt.Errorf("event %d: invalid status %q", i, ev.Status)
		}
		out[i] = ev
	}
	return out, nil
}

func (r *Registry) now() time.Time {
	if r.clock != nil {
		return r.clock.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Registry) insertBatch(ctx context.Context, events []monitor.Event) (err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				r.logger.Warn("rollback events tx", zap.Error(rbErr))
			}
		}
	}()

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	name,
	snapshot_id,
	resource_id,
	created_at,
	status
) VALUES (
	$1,$2,$3,$4,$5,$6
)`, r.eventsTable)

	for _, ev := range events {
		if _, err = tx.Exec(ctx, query,
			ev.ID,
			ev.Name,
			ev.SnapshotID,
			ev.ResourceID,
			ev.CreatedAt,
			string(ev.Status),
		); err != nil {
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit events: %w", err)
	}
	return nil
}
