// Package memory provides an in-memory linkwatch.Store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/JakeFAU/linkwatch/internal/linkwatch"
)

// Operation names accepted by InjectError.
const (
	OpUpsertPage         = "upsert page"
	OpDiffLinks          = "diff links"
	OpApplyPage          = "apply page"
	OpOpenCollection     = "open collection"
	OpRecordObservations = "record observations"
	OpCloseCollection    = "close collection"
)

type pageKey struct {
	url     string
	extract string
}

type linkRow struct {
	link   linkwatch.Link
	pageID int64
	active bool
}

type observationKey struct {
	collectionID int64
	linkID       int64
}

// StoredLink is a link row including its soft-delete flag.
type StoredLink struct {
	linkwatch.Link
	Active bool
}

// Store mirrors the Postgres schema with maps guarded by one mutex.
// Each method holds the lock for its whole duration, so every operation is atomic.
type Store struct {
	mu sync.RWMutex

	nextPageID       int64
	nextLinkID       int64
	nextCollectionID int64

	pages        map[pageKey]int64
	links        map[int64]*linkRow
	linksByPage  map[int64]map[linkwatch.LinkKey]int64
	collections  map[int64]linkwatch.Collection
	observations map[observationKey]time.Time

	failures map[string]error
}

var _ linkwatch.Store = (*Store)(nil)

// New constructs an empty Store.
func New() *Store {
	return &Store{
		pages:        make(map[pageKey]int64),
		links:        make(map[int64]*linkRow),
		linksByPage:  make(map[int64]map[linkwatch.LinkKey]int64),
		collections:  make(map[int64]linkwatch.Collection),
		observations: make(map[observationKey]time.Time),
		failures:     make(map[string]error),
	}
}

// InjectError makes every later call of op fail with err before touching state.
// A nil err clears the failure.
func (s *Store) InjectError(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

func (s *Store) failure(op string) error {
	if err, ok := s.failures[op]; ok {
		return linkwatch.PersistenceError(op, err)
	}
	return nil
}

// UpsertPage returns the id of the (url, extract) page, creating it if needed.
func (s *Store) UpsertPage(_ context.Context, url, extract string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(OpUpsertPage); err != nil {
		return 0, err
	}
	key := pageKey{url: url, extract: extract}
	if id, ok := s.pages[key]; ok {
		return id, nil
	}
	s.nextPageID++
	s.pages[key] = s.nextPageID
	return s.nextPageID, nil
}

// DiffAndUpdateLinks reconciles observed with the page's active links.
func (s *Store) DiffAndUpdateLinks(
	_ context.Context,
	pageID int64,
	observed []linkwatch.Link,
) (linkwatch.DiffResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(OpDiffLinks); err != nil {
		return linkwatch.DiffResult{}, err
	}
	if err := checkEncoding(OpDiffLinks, observed); err != nil {
		return linkwatch.DiffResult{}, err
	}
	return s.diffLocked(pageID, observed), nil
}

// ApplyPage diffs the page and records the observations atomically.
func (s *Store) ApplyPage(
	_ context.Context,
	collectionID, pageID int64,
	observed []linkwatch.Link,
	at time.Time,
) (linkwatch.DiffResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(OpApplyPage); err != nil {
		return linkwatch.DiffResult{}, err
	}
	if _, ok := s.collections[collectionID]; !ok {
		return linkwatch.DiffResult{}, linkwatch.PersistenceError(OpApplyPage,
			fmt.Errorf("collection %d: %w", collectionID, linkwatch.ErrNotFound))
	}
	if err := checkEncoding(OpApplyPage, observed); err != nil {
		return linkwatch.DiffResult{}, err
	}
	res := s.diffLocked(pageID, observed)
	s.recordLocked(collectionID, res.ObservedIDs(), at)
	return res, nil
}

// OpenCollection creates a collection stamped with start.
func (s *Store) OpenCollection(_ context.Context, start time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(OpOpenCollection); err != nil {
		return 0, err
	}
	s.nextCollectionID++
	s.collections[s.nextCollectionID] = linkwatch.Collection{ID: s.nextCollectionID, StartTime: start}
	return s.nextCollectionID, nil
}

// RecordObservations links each id to the collection. Repeats are ignored.
func (s *Store) RecordObservations(_ context.Context, collectionID int64, linkIDs []int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(OpRecordObservations); err != nil {
		return err
	}
	if _, ok := s.collections[collectionID]; !ok {
		return linkwatch.PersistenceError(OpRecordObservations,
			fmt.Errorf("collection %d: %w", collectionID, linkwatch.ErrNotFound))
	}
	for _, id := range linkIDs {
		if _, ok := s.links[id]; !ok {
			return linkwatch.PersistenceError(OpRecordObservations,
				fmt.Errorf("link %d: %w", id, linkwatch.ErrNotFound))
		}
	}
	s.recordLocked(collectionID, linkIDs, at)
	return nil
}

// CloseCollection stamps end and the final stats on the collection.
func (s *Store) CloseCollection(
	_ context.Context,
	collectionID int64,
	end time.Time,
	stats linkwatch.CollectionStats,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failure(OpCloseCollection); err != nil {
		return err
	}
	c, ok := s.collections[collectionID]
	if !ok {
		return linkwatch.PersistenceError(OpCloseCollection,
			fmt.Errorf("collection %d: %w", collectionID, linkwatch.ErrNotFound))
	}
	c.EndTime = &end
	c.Stats = stats
	s.collections[collectionID] = c
	return nil
}

// ActiveLinks lists the page's active links ordered by id.
func (s *Store) ActiveLinks(_ context.Context, pageID int64) ([]linkwatch.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []linkwatch.Link
	for _, row := range s.pageRowsLocked(pageID) {
		if row.active {
			out = append(out, row.link)
		}
	}
	return out, nil
}

// GetCollection returns a copy of one collection.
func (s *Store) GetCollection(_ context.Context, collectionID int64) (linkwatch.Collection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.collections[collectionID]
	if !ok {
		return linkwatch.Collection{}, fmt.Errorf("collection %d: %w", collectionID, linkwatch.ErrNotFound)
	}
	if c.EndTime != nil {
		end := *c.EndTime
		c.EndTime = &end
	}
	return c, nil
}

// Close is a no-op.
func (s *Store) Close() {}

// Links returns every link row of the page, active or not, ordered by id.
func (s *Store) Links(pageID int64) []StoredLink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.pageRowsLocked(pageID)
	out := make([]StoredLink, len(rows))
	for i, row := range rows {
		out[i] = StoredLink{Link: row.link, Active: row.active}
	}
	return out
}

// PageCount returns the number of distinct pages.
func (s *Store) PageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages)
}

// Observations returns the link ids recorded for a collection, sorted.
func (s *Store) Observations(collectionID int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []int64
	for key := range s.observations {
		if key.collectionID == collectionID {
			ids = append(ids, key.linkID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Store) pageRowsLocked(pageID int64) []*linkRow {
	rows := make([]*linkRow, 0, len(s.linksByPage[pageID]))
	for _, id := range s.linksByPage[pageID] {
		rows = append(rows, s.links[id])
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].link.ID < rows[j].link.ID })
	return rows
}

func (s *Store) diffLocked(pageID int64, observed []linkwatch.Link) linkwatch.DiffResult {
	byKey, ok := s.linksByPage[pageID]
	if !ok {
		byKey = make(map[linkwatch.LinkKey]int64)
		s.linksByPage[pageID] = byKey
	}

	unique := linkwatch.Dedupe(observed)
	seen := make(map[int64]struct{}, len(unique))
	res := linkwatch.DiffResult{Observed: make([]linkwatch.Link, 0, len(unique))}
	for _, l := range unique {
		id, exists := byKey[l.Key()]
		switch {
		case !exists:
			s.nextLinkID++
			l.ID = s.nextLinkID
			s.links[l.ID] = &linkRow{link: l, pageID: pageID, active: true}
			byKey[l.Key()] = l.ID
			res.New = append(res.New, l)
		case s.links[id].active:
			l = s.links[id].link
			res.StillActive = append(res.StillActive, l)
		default:
			s.links[id].active = true
			l = s.links[id].link
			res.Reactivated = append(res.Reactivated, l)
		}
		seen[l.ID] = struct{}{}
		res.Observed = append(res.Observed, l)
	}

	for _, row := range s.pageRowsLocked(pageID) {
		if _, ok := seen[row.link.ID]; ok || !row.active {
			continue
		}
		row.active = false
		res.NewlyInactive = append(res.NewlyInactive, row.link)
	}
	return res
}

func (s *Store) recordLocked(collectionID int64, linkIDs []int64, at time.Time) {
	for _, id := range linkIDs {
		key := observationKey{collectionID: collectionID, linkID: id}
		if _, ok := s.observations[key]; ok {
			continue
		}
		s.observations[key] = at
	}
}

// checkEncoding rejects what a Postgres text column rejects.
func checkEncoding(op string, links []linkwatch.Link) error {
	for _, l := range links {
		for _, v := range []string{l.Href, l.Text} {
			if !utf8.ValidString(v) || strings.ContainsRune(v, 0) {
				return linkwatch.PersistenceError(op, fmt.Errorf("invalid byte sequence for encoding UTF8: %q", v))
			}
		}
	}
	return nil
}
