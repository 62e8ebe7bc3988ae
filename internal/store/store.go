package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
)

// ErrNotFound is returned for missing artifacts and malformed ids.
var ErrNotFound = errors.New("analysis not found")

var validID = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

const (
	defaultCacheSize = 64
	defaultCacheTTL  = 120 * time.Second
	decodeWorkers    = 8
)

// Filter narrows a listing.
type Filter struct {
	ProjectID string
}

// Store keeps artifacts under <root>/<kind dir>/<id>.json with an expiring
// read cache in front.
type Store struct {
	root   string
	logger *slog.Logger

	cacheSize int
	cacheTTL  time.Duration

	// mu serialises writes and cache population. gen advances on every
	// write so a listing computed before a write is never cached after it.
	mu    sync.Mutex
	gen   uint64
	cache *expirable.LRU[string, any]
}

// Option configures a Store.
type Option func(*Store)

// WithCache sets the cache capacity and entry lifetime.
func WithCache(size int, ttl time.Duration) Option {
	return func(s *Store) {
		if size > 0 {
			s.cacheSize = size
		}
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

// New creates a store rooted at root.
func New(root string, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		root:      root,
		logger:    logger.With("component", "store"),
		cacheSize: defaultCacheSize,
		cacheTTL:  defaultCacheTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cache = expirable.NewLRU[string, any](s.cacheSize, nil, s.cacheTTL)
	return s
}

// Root returns the data directory.
func (s *Store) Root() string {
	return s.root
}

// Save writes a atomically and purges the cache.
func (s *Store) Save(a *Artifact) error {
	if !validID.MatchString(a.ID) {
		return fmt.Errorf("invalid artifact id %q", a.ID)
	}
	if _, err := ParseKind(string(a.Kind)); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(a); err != nil {
		return fmt.Errorf("encoding artifact: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := writeFileAtomic(s.path(a.Kind, a.ID), buf.Bytes()); err != nil {
		return err
	}
	s.invalidate()
	s.logger.Info("saved analysis", "kind", a.Kind, "id", a.ID, "bytes", buf.Len())
	return nil
}

// Get loads one artifact.
func (s *Store) Get(kind Kind, id string) (*Artifact, error) {
	if !validID.MatchString(id) {
		return nil, ErrNotFound
	}
	key := "detail:" + string(kind) + ":" + id
	if v, ok := s.cache.Get(key); ok {
		a := *v.(*Artifact)
		return &a, nil
	}

	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	a, err := readArtifact(s.path(kind, id))
	if err != nil {
		return nil, err
	}
	s.remember(gen, key, a)

	out := *a
	return &out, nil
}

// Delete removes one artifact.
func (s *Store) Delete(kind Kind, id string) error {
	if !validID.MatchString(id) {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(kind, id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("deleting artifact: %w", err)
	}
	s.invalidate()
	s.logger.Info("deleted analysis", "kind", kind, "id", id)
	return nil
}

// List returns listing items for kind, newest first.
func (s *Store) List(ctx context.Context, kind Kind, f Filter) ([]ListItem, error) {
	scope := f.ProjectID
	if scope == "" {
		scope = "all"
	}
	key := "list:" + string(kind) + ":" + scope
	if v, ok := s.cache.Get(key); ok {
		return append([]ListItem(nil), v.([]ListItem)...), nil
	}

	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	dir := filepath.Join(s.root, kind.Dir())
	entries, err := os.ReadDir(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}

	decoded := make([]*Artifact, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(decodeWorkers)
	for i, p := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			a, err := readArtifact(p)
			if err != nil {
				s.logger.Warn("skipping unreadable analysis", "path", p, "error", err)
				return nil
			}
			decoded[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	items := []ListItem{}
	for _, a := range decoded {
		if a == nil || !a.matches(f.ProjectID) {
			continue
		}
		items = append(items, a.Item())
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	s.remember(gen, key, items)
	return append([]ListItem(nil), items...), nil
}

// remember caches v unless a write happened since gen was read.
func (s *Store) remember(gen uint64, key string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.cache.Add(key, v)
	}
}

// invalidate must be called with mu held.
func (s *Store) invalidate() {
	s.gen++
	s.cache.Purge()
}

func (s *Store) path(kind Kind, id string) string {
	return filepath.Join(s.root, kind.Dir(), id+".json")
}

func readArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading artifact: %w", err)
	}
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", filepath.Base(path), err)
	}
	return &a, nil
}

// writeFileAtomic writes data to a temp file in the target directory,
// syncs it and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing artifact: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing artifact: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("setting artifact permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming artifact: %w", err)
	}
	return nil
}
