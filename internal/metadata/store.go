// Package metadata persists per-item task state, one JSON document per group.
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-cpi-analyzer/internal/analyzer"
)

// DefaultGroup is used when an item carries no group.
const DefaultGroup = "default"

const (
	documentExt = ".json"
	tempSuffix  = ".tmp"
)

// partition holds one group's records. Stored records are never mutated in
// place; writers clone, merge and store the result.
type partition struct {
	mu        sync.Mutex
	records   map[string]analyzer.Record
	dirty     bool
	persisted atomic.Int64
}

// Store is a partition-locked key to record map backed by one file per group.
type Store struct {
	dir    string
	logger *zap.Logger

	mu     sync.RWMutex
	groups map[string]*partition
}

// Open loads every group document under dir, creating dir if needed. Temp
// files left behind by an interrupted save are removed, so callers must hold
// the run lock.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("metadata directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create metadata directory: %w", err)
	}
	return load(dir, logger, true)
}

// Inspect loads the documents under an existing dir without touching the
// filesystem. It is safe to call while another process holds the run lock.
func Inspect(dir string, logger *zap.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("metadata directory is required")
	}
	return load(dir, logger, false)
}

func load(dir string, logger *zap.Logger, removeTemp bool) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		dir:    dir,
		logger: logger,
		groups: make(map[string]*partition),
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read metadata directory: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if isTempFile(name) {
			if !removeTemp {
				continue
			}
			if rmErr := os.Remove(filepath.Join(dir, name)); rmErr != nil {
				logger.Warn("failed to remove stale temp file", zap.String("file", name), zap.Error(rmErr))
			} else {
				logger.Info("removed stale temp file", zap.String("file", name))
			}
			continue
		}
		if !strings.HasSuffix(name, documentExt) {
			continue
		}
		group, err := url.PathUnescape(strings.TrimSuffix(name, documentExt))
		if err != nil {
			return nil, fmt.Errorf("decode group name %q: %w", name, err)
		}
		records, err := readDocument(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		p := &partition{records: records}
		p.persisted.Store(int64(len(records)))
		s.groups[group] = p
	}
	logger.Info("metadata store loaded",
		zap.String("dir", dir),
		zap.Int("groups", len(s.groups)),
		zap.Int("records", s.PersistedCount()),
	)
	return s, nil
}

// Dir returns the directory backing the store.
func (s *Store) Dir() string {
	return s.dir
}

// Get returns a copy of the record for key, or an empty record when absent.
func (s *Store) Get(group, key string) analyzer.Record {
	p := s.lookup(NormalizeGroup(group))
	if p == nil {
		return analyzer.NewRecord()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[key]
	if !ok {
		return analyzer.NewRecord()
	}
	return rec.Clone()
}

// Update merges rec into the in-memory record for key. Call Save to persist.
func (s *Store) Update(group, key string, rec analyzer.Record) {
	p := s.partition(NormalizeGroup(group))
	p.mu.Lock()
	defer p.mu.Unlock()
	merged := p.records[key].Clone()
	merged.Merge(rec)
	p.records[key] = merged
	p.dirty = true
}

// UpdateBatch merges batch into a copy of the group, persists the copy and
// only then makes it live. On error the live state is unchanged.
func (s *Store) UpdateBatch(group string, batch map[string]analyzer.Record) error {
	group = NormalizeGroup(group)
	p := s.partition(group)
	p.mu.Lock()
	defer p.mu.Unlock()

	next := maps.Clone(p.records)
	if next == nil {
		next = make(map[string]analyzer.Record, len(batch))
	}
	for key, rec := range batch {
		merged := next[key].Clone()
		merged.Merge(rec)
		next[key] = merged
	}
	if err := s.write(group, next); err != nil {
		return err
	}
	p.records = next
	p.dirty = false
	p.persisted.Store(int64(len(next)))
	return nil
}

// Save persists one group if it has unsaved changes.
func (s *Store) Save(group string) error {
	group = NormalizeGroup(group)
	p := s.lookup(group)
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.dirty {
		return nil
	}
	if err := s.write(group, p.records); err != nil {
		return err
	}
	p.dirty = false
	p.persisted.Store(int64(len(p.records)))
	return nil
}

// SaveAll persists every group with unsaved changes, continuing past failures.
func (s *Store) SaveAll() error {
	var errs []error
	for _, group := range s.Groups() {
		if err := s.Save(group); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Groups lists known groups in sorted order.
func (s *Store) Groups() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.groups))
}

// Keys lists the keys of one group in sorted order.
func (s *Store) Keys(group string) []string {
	p := s.lookup(NormalizeGroup(group))
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Sorted(maps.Keys(p.records))
}

// Snapshot returns a deep copy of one group's records.
func (s *Store) Snapshot(group string) map[string]analyzer.Record {
	out := make(map[string]analyzer.Record)
	p := s.lookup(NormalizeGroup(group))
	if p == nil {
		return out
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, rec := range p.records {
		out[key] = rec.Clone()
	}
	return out
}

// GroupSummary aggregates the records of one group.
type GroupSummary struct {
	Group string
	// Records is the number of keys in the group.
	Records int
	// Complete counts records where every requested task type succeeded.
	Complete int
	// Failing counts records with at least one failed task type.
	Failing      int
	LastAnalyzed *time.Time
	LastError    *time.Time
}

// Summary reports per-group totals in group order.
func (s *Store) Summary(taskTypes []string) []GroupSummary {
	groups := s.Groups()
	out := make([]GroupSummary, 0, len(groups))
	for _, group := range groups {
		sum := GroupSummary{Group: group}
		for _, rec := range s.Snapshot(group) {
			sum.Records++
			if rec.Succeeded(taskTypes) {
				sum.Complete++
			}
			for _, res := range rec.Tasks {
				if !res.Success {
					sum.Failing++
					break
				}
			}
			sum.LastAnalyzed = latest(sum.LastAnalyzed, rec.LastAnalyzed)
			sum.LastError = latest(sum.LastError, rec.LastError)
		}
		out = append(out, sum)
	}
	return out
}

func latest(a, b *time.Time) *time.Time {
	if b == nil || (a != nil && !b.After(*a)) {
		return a
	}
	ts := *b
	return &ts
}

// PersistedCount reports how many records are durably on disk.
func (s *Store) PersistedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, p := range s.groups {
		total += p.persisted.Load()
	}
	return int(total)
}

// DocumentPath returns the file backing a group.
func (s *Store) DocumentPath(group string) string {
	return filepath.Join(s.dir, url.PathEscape(NormalizeGroup(group))+documentExt)
}

func (s *Store) lookup(group string) *partition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.groups[group]
}

func (s *Store) partition(group string) *partition {
	if p := s.lookup(group); p != nil {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.groups[group]; ok {
		return p
	}
	p := &partition{records: make(map[string]analyzer.Record)}
	s.groups[group] = p
	return p
}

func (s *Store) write(group string, records map[string]analyzer.Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode group %q: %w", group, err)
	}
	path := s.DocumentPath(group)
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("persist group %q: %w", group, err)
	}
	s.logger.Debug("metadata group saved",
		zap.String("group", group),
		zap.Int("records", len(records)),
		zap.String("path", path),
	)
	return nil
}

func readDocument(path string) (map[string]analyzer.Record, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the metadata dir listing.
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	records := make(map[string]analyzer.Record)
	if len(strings.TrimSpace(string(data))) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for key, rec := range records {
		records[key] = rec.Clone()
	}
	return records, nil
}

// writeFileAtomic replaces path with data via a synced temp file and rename,
// so the destination is always either the old or the new complete file.
func writeFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*"+tempSuffix)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()
	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	syncDir(dir)
	return nil
}

// syncDir flushes the rename to disk where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir) // #nosec G304 -- metadata directory.
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// isTempFile matches the names writeFileAtomic creates. Documents always end
// in .json, so no escaped group name can look like a temp file.
func isTempFile(name string) bool {
	return strings.HasPrefix(name, ".") &&
		strings.HasSuffix(name, tempSuffix) &&
		!strings.HasSuffix(name, documentExt)
}

// NormalizeGroup maps a blank group to DefaultGroup, the name its records are
// stored under.
func NormalizeGroup(group string) string {
	if strings.TrimSpace(group) == "" {
		return DefaultGroup
	}
	return group
}
