// Package indexstore persists index generations to a local cache and,
// optionally, replicates them to a remote bucket.
package indexstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"manualrag/internal/blobstore"
	"manualrag/internal/domain"
)

const tmpPrefix = ".tmp-"

// Config locates the generation. Key is the logical slash-separated name used
// both under CacheDir and in Remote. A nil Remote disables replication.
// LoadTimeout bounds a shared load; zero leaves it unbounded.
type Config struct {
	CacheDir    string
	Key         string
	Remote      blobstore.Bucket
	LoadTimeout time.Duration
}

// PublishReport describes a successful local publish. ReplicationErr wraps
// domain.ErrReplicationFailed when the upload failed; the local copy is
// still authoritative in that case.
type PublishReport struct {
	GenerationID   string
	LocalPath      string
	Bytes          int
	Replicated     bool
	ReplicationErr error
}

// Store owns the on-disk and remote representation of the current
// generation.
type Store struct {
	cfg   Config
	path  string
	log   logrus.FieldLogger
	group singleflight.Group

	// writeMu orders cache writes so a slow download cannot overwrite a
	// newer local publish.
	writeMu sync.Mutex

	// beforeRename runs after the temp file is fully written; tests use it to
	// simulate a crash before the swap.
	beforeRename func(tmp string) error
}

func New(cfg Config, log logrus.FieldLogger) (*Store, error) {
	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("%w: cache dir is required", domain.ErrInvalidConfiguration)
	}
	key := filepath.FromSlash(cfg.Key)
	if cfg.Key == "" || !filepath.IsLocal(key) {
		return nil, fmt.Errorf("%w: invalid index key %q", domain.ErrInvalidConfiguration, cfg.Key)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{
		cfg:  cfg,
		path: filepath.Join(cfg.CacheDir, key),
		log:  log.WithField("component", "indexstore"),
	}, nil
}

// LocalPath is where the current generation is cached.
func (s *Store) LocalPath() string { return s.path }

// RemoteEnabled reports whether generations are replicated.
func (s *Store) RemoteEnabled() bool { return s.cfg.Remote != nil }

// Publish swaps g into the local cache atomically and then uploads it when
// replication is enabled. Only a local failure is returned as an error.
func (s *Store) Publish(ctx context.Context, g *Generation) (PublishReport, error) {
	data, err := Encode(g)
	if err != nil {
		return PublishReport{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.writeLocal(data); err != nil {
		return PublishReport{}, fmt.Errorf("publish generation %s: %w", g.ID, err)
	}
	report := PublishReport{GenerationID: g.ID, LocalPath: s.path, Bytes: len(data)}
	log := s.log.WithField("generation_id", g.ID)
	log.WithField("bytes", len(data)).Info("generation published locally")

	if s.cfg.Remote == nil {
		return report, nil
	}
	if err := s.cfg.Remote.Put(ctx, s.cfg.Key, data); err != nil {
		report.ReplicationErr = fmt.Errorf("%w: %v", domain.ErrReplicationFailed, err)
		log.WithError(err).Warn("generation replication failed; local copy remains authoritative")
		return report, nil
	}
	report.Replicated = true
	log.WithField("key", s.cfg.Key).Info("generation replicated")
	return report, nil
}

// Load returns the cached generation. With replication enabled it first
// downloads the remote copy when there is no local one or refresh is set.
// Concurrent calls share one read. The shared read is not tied to any
// caller's context; each caller stops waiting when its own ctx is done.
func (s *Store) Load(ctx context.Context, refresh bool) (*Generation, error) {
	key := "local"
	if refresh {
		key = "refresh"
	}
	ch := s.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := s.loadContext(context.WithoutCancel(ctx))
		defer cancel()
		return s.load(loadCtx, refresh)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("load generation: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Generation), nil
	}
}

func (s *Store) loadContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.LoadTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.LoadTimeout)
}

func (s *Store) load(ctx context.Context, refresh bool) (*Generation, error) {
	if s.cfg.Remote != nil && (refresh || !s.localExists()) {
		g, err := s.download(ctx, refresh)
		if g != nil || err != nil {
			return g, err
		}
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", domain.ErrIndexNotFound, s.path)
	}
	if err != nil {
		return nil, fmt.Errorf("read generation: %w", err)
	}
	return Decode(data)
}

// download fetches the remote copy into the cache. It returns (nil, nil)
// when the caller should fall back to the local copy.
func (s *Store) download(ctx context.Context, refresh bool) (*Generation, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	local := s.localExists()
	if local && !refresh {
		// published while we waited for the lock
		return nil, nil
	}
	data, err := s.cfg.Remote.Get(ctx, s.cfg.Key)
	switch {
	case errors.Is(err, blobstore.ErrObjectNotFound):
		if !local {
			return nil, fmt.Errorf("%w: no local copy at %s and no remote object %s", domain.ErrIndexNotFound, s.path, s.cfg.Key)
		}
		s.log.WithField("key", s.cfg.Key).Warn("remote generation missing; using local cache")
		return nil, nil
	case err != nil:
		if !local {
			return nil, fmt.Errorf("download generation: %w", err)
		}
		s.log.WithError(err).Warn("remote refresh failed; using local cache")
		return nil, nil
	}

	g, err := Decode(data)
	if err != nil {
		if !local {
			return nil, fmt.Errorf("remote generation: %w", err)
		}
		s.log.WithError(err).Warn("remote generation unreadable; using local cache")
		return nil, nil
	}
	if err := s.writeLocal(data); err != nil {
		return nil, fmt.Errorf("cache generation: %w", err)
	}
	s.log.WithField("generation_id", g.ID).Info("generation downloaded")
	return g, nil
}

func (s *Store) localExists() bool {
	info, err := os.Stat(s.path)
	return err == nil && info.Mode().IsRegular()
}

// writeLocal writes data next to the target, syncs it and renames it over
// the target so readers see either the old or the new file.
func (s *Store) writeLocal(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, tmpPrefix+filepath.Base(s.path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if s.beforeRename != nil {
		if err := s.beforeRename(tmpName); err != nil {
			return err
		}
	}
	return os.Rename(tmpName, s.path)
}

// CleanTemp removes temp files left behind by an interrupted write.
func (s *Store) CleanTemp() error {
	entries, err := os.ReadDir(filepath.Dir(s.path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tmpPrefix) {
			if err := os.Remove(filepath.Join(filepath.Dir(s.path), e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
		}
	}
	return nil
}
