// Package postgres provides the Postgres-backed linkwatch.Store.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/linkwatch/internal/linkwatch"
)

//go:embed schema.sql
var schemaSQL string

const (
	upsertPageSQL = `
WITH ins AS (
	INSERT INTO pages (url, extract) VALUES ($1, $2)
	ON CONFLICT (url, extract) DO NOTHING
	RETURNING id
)
SELECT id FROM ins
UNION ALL
SELECT id FROM pages WHERE url = $1 AND extract = $2
LIMIT 1`

	activeLinksSQL = `SELECT id, href, text FROM links WHERE page_id = $1 AND is_active ORDER BY id`

	lockActiveLinksSQL = activeLinksSQL + ` FOR UPDATE`

	upsertLinkSQL = `
INSERT INTO links (page_id, href, text) VALUES ($1, $2, $3)
ON CONFLICT (page_id, href, text) DO UPDATE SET is_active = TRUE
RETURNING id, (xmax = 0) AS inserted`

	deactivateLinksSQL = `UPDATE links SET is_active = FALSE WHERE id = ANY($1)`

	openCollectionSQL = `INSERT INTO collections (start_time) VALUES ($1) RETURNING id`

	closeCollectionSQL = `
UPDATE collections
SET end_time = $2, n_pages = $3, n_links = $4, n_new_links = $5
WHERE id = $1`

	getCollectionSQL = `
SELECT id, start_time, end_time, n_pages, n_links, n_new_links
FROM collections WHERE id = $1`

	recordObservationsSQL = `
INSERT INTO links_collections (collection_id, link_id, "timestamp")
SELECT $1, link_id, $3 FROM unnest($2::bigint[]) AS t(link_id)
ON CONFLICT (collection_id, link_id) DO NOTHING`
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pool interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store persists pages, links, collections and observations in Postgres.
type Store struct {
	pool pool
}

var _ linkwatch.Store = (*Store)(nil)

// New connects a pgx pool using cfg and verifies it with a ping.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	if err := p.Ping(ctx); err != nil {
		p.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate applies the embedded schema. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return linkwatch.PersistenceError("migrate", err)
	}
	return nil
}

// UpsertPage returns the id of the (url, extract) page, creating it if needed.
func (s *Store) UpsertPage(ctx context.Context, url, extract string) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, upsertPageSQL, url, extract).Scan(&id); err != nil {
		return 0, linkwatch.PersistenceError("upsert page", err)
	}
	return id, nil
}

// DiffAndUpdateLinks reconciles observed with the page's active links.
func (s *Store) DiffAndUpdateLinks(
	ctx context.Context,
	pageID int64,
	observed []linkwatch.Link,
) (linkwatch.DiffResult, error) {
	var res linkwatch.DiffResult
	err := s.withTx(ctx, "diff links", func(tx pgx.Tx) error {
		var err error
		res, err = diffLinks(ctx, tx, pageID, observed)
		return err
	})
	if err != nil {
		return linkwatch.DiffResult{}, err
	}
	return res, nil
}

// ApplyPage diffs the page and records the observations in one transaction.
func (s *Store) ApplyPage(
	ctx context.Context,
	collectionID, pageID int64,
	observed []linkwatch.Link,
	at time.Time,
) (linkwatch.DiffResult, error) {
	var res linkwatch.DiffResult
	err := s.withTx(ctx, "apply page", func(tx pgx.Tx) error {
		var err error
		res, err = diffLinks(ctx, tx, pageID, observed)
		if err != nil {
			return err
		}
		return recordObservations(ctx, tx, collectionID, res.ObservedIDs(), at)
	})
	if err != nil {
		return linkwatch.DiffResult{}, err
	}
	return res, nil
}

// OpenCollection inserts a collection row stamped with start.
func (s *Store) OpenCollection(ctx context.Context, start time.Time) (int64, error) {
	var id int64
	if err := s.pool.QueryRow(ctx, openCollectionSQL, start).Scan(&id); err != nil {
		return 0, linkwatch.PersistenceError("open collection", err)
	}
	return id, nil
}

// RecordObservations links each id to the collection. Repeats are ignored.
func (s *Store) RecordObservations(ctx context.Context, collectionID int64, linkIDs []int64, at time.Time) error {
	if len(linkIDs) == 0 {
		return nil
	}
	return s.withTx(ctx, "record observations", func(tx pgx.Tx) error {
		return recordObservations(ctx, tx, collectionID, linkIDs, at)
	})
}

// CloseCollection stamps end and the final stats on the collection row.
func (s *Store) CloseCollection(
	ctx context.Context,
	collectionID int64,
	end time.Time,
	stats linkwatch.CollectionStats,
) error {
	tag, err := s.pool.Exec(ctx, closeCollectionSQL, collectionID, end, stats.Pages, stats.Links, stats.NewLinks)
	if err != nil {
		return linkwatch.PersistenceError("close collection", err)
	}
	if tag.RowsAffected() == 0 {
		return linkwatch.PersistenceError("close collection",
			fmt.Errorf("collection %d: %w", collectionID, linkwatch.ErrNotFound))
	}
	return nil
}

// ActiveLinks lists the page's active links ordered by id.
func (s *Store) ActiveLinks(ctx context.Context, pageID int64) ([]linkwatch.Link, error) {
	links, err := queryLinks(ctx, s.pool, activeLinksSQL, pageID)
	if err != nil {
		return nil, linkwatch.PersistenceError("active links", err)
	}
	return links, nil
}

// GetCollection loads one collection row.
func (s *Store) GetCollection(ctx context.Context, collectionID int64) (linkwatch.Collection, error) {
	var (
		c   linkwatch.Collection
		end *time.Time
	)
	err := s.pool.QueryRow(ctx, getCollectionSQL, collectionID).Scan(
		&c.ID, &c.StartTime, &end, &c.Stats.Pages, &c.Stats.Links, &c.Stats.NewLinks,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return linkwatch.Collection{}, fmt.Errorf("collection %d: %w", collectionID, linkwatch.ErrNotFound)
	}
	if err != nil {
		return linkwatch.Collection{}, linkwatch.PersistenceError("get collection", err)
	}
	c.EndTime = end
	return c, nil
}

func (s *Store) withTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return linkwatch.PersistenceError(op, fmt.Errorf("begin: %w", err))
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return linkwatch.PersistenceError(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return linkwatch.PersistenceError(op, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func diffLinks(ctx context.Context, q querier, pageID int64, observed []linkwatch.Link) (linkwatch.DiffResult, error) {
	active, err := queryLinks(ctx, q, lockActiveLinksSQL, pageID)
	if err != nil {
		return linkwatch.DiffResult{}, fmt.Errorf("load active links: %w", err)
	}
	remaining := make(map[linkwatch.LinkKey]linkwatch.Link, len(active))
	for _, l := range active {
		remaining[l.Key()] = l
	}

	unique := linkwatch.Dedupe(observed)
	res := linkwatch.DiffResult{Observed: make([]linkwatch.Link, 0, len(unique))}
	for _, l := range unique {
		if existing, ok := remaining[l.Key()]; ok {
			delete(remaining, l.Key())
			res.StillActive = append(res.StillActive, existing)
			res.Observed = append(res.Observed, existing)
			continue
		}
		var inserted bool
		if err := q.QueryRow(ctx, upsertLinkSQL, pageID, l.Href, l.Text).Scan(&l.ID, &inserted); err != nil {
			return linkwatch.DiffResult{}, fmt.Errorf("upsert link %q: %w", l.Href, err)
		}
		if inserted {
			res.New = append(res.New, l)
		} else {
			res.Reactivated = append(res.Reactivated, l)
		}
		res.Observed = append(res.Observed, l)
	}

	var gone []int64
	for _, l := range active {
		if _, ok := remaining[l.Key()]; ok {
			res.NewlyInactive = append(res.NewlyInactive, l)
			gone = append(gone, l.ID)
		}
	}
	if len(gone) > 0 {
		if _, err := q.Exec(ctx, deactivateLinksSQL, gone); err != nil {
			return linkwatch.DiffResult{}, fmt.Errorf("deactivate links: %w", err)
		}
	}
	return res, nil
}

func recordObservations(ctx context.Context, q querier, collectionID int64, linkIDs []int64, at time.Time) error {
	if len(linkIDs) == 0 {
		return nil
	}
	if _, err := q.Exec(ctx, recordObservationsSQL, collectionID, linkIDs, at); err != nil {
		return fmt.Errorf("insert observations: %w", err)
	}
	return nil
}

func queryLinks(ctx context.Context, q querier, sql string, pageID int64) ([]linkwatch.Link, error) {
	rows, err := q.Query(ctx, sql, pageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []linkwatch.Link
	for rows.Next() {
		var l linkwatch.Link
		if err := rows.Scan(&l.ID, &l.Href, &l.Text); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return links, nil
}
