package retrieval

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"manualrag/internal/domain"
	"manualrag/internal/indexstore"
)

// Generation returns the generation queries should use, loading it on first
// use or after an invalidation. A failed reload keeps serving the previous
// generation. With a refresh interval set, an expired generation is still
// served while a background refresh pulls the remote copy.
func (e *Engine) Generation(ctx context.Context) (*indexstore.Generation, error) {
	g := e.current.Load()
	if g == nil {
		return e.reload(ctx, false)
	}
	if mode := e.invalid.Swap(freshNone); mode != freshNone {
		fresh, err := e.reload(ctx, mode == freshRemote)
		if err != nil {
			e.log.WithError(err).WithField("generation_id", g.ID).Warn("reload failed; serving previous generation")
			return g, nil
		}
		return fresh, nil
	}
	if e.expired() && e.refreshing.CompareAndSwap(false, true) {
		go e.backgroundRefresh()
	}
	return g, nil
}

// reload installs what the source returns unless the served generation
// changed while the load ran, in which case the newer one wins.
func (e *Engine) reload(ctx context.Context, remote bool) (*indexstore.Generation, error) {
	prev := e.current.Load()
	g, err := e.source.Load(ctx, remote)
	if err != nil {
		return nil, err
	}
	if !e.current.CompareAndSwap(prev, g) {
		cur := e.current.Load()
		if cur.ID != g.ID {
			e.log.WithFields(logrus.Fields{"loaded": g.ID, "generation_id": cur.ID}).Debug("discarding reload; a newer generation was adopted")
		}
		return cur, nil
	}
	e.loadedAt.Store(e.now().UnixNano())
	e.logServing(prev, g)
	return g, nil
}

func (e *Engine) expired() bool {
	if e.cfg.RefreshInterval <= 0 {
		return false
	}
	return e.now().Sub(time.Unix(0, e.loadedAt.Load())) >= e.cfg.RefreshInterval
}

func (e *Engine) backgroundRefresh() {
	defer e.refreshing.Store(false)
	timeout := e.cfg.RefreshTimeout
	if timeout <= 0 {
		timeout = e.cfg.RefreshInterval
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	prev := e.current.Load()
	g, err := e.reload(ctx, true)
	if err != nil {
		// try again after another interval rather than on the next query
		e.loadedAt.Store(e.now().UnixNano())
		e.log.WithError(err).Warn("background refresh failed")
		return
	}
	if prev == nil || prev.ID != g.ID {
		e.log.WithField("generation_id", g.ID).Info("refreshed generation")
	}
}

// Adopt makes g the generation served to new queries. Queries already
// running keep the generation they started with.
func (e *Engine) Adopt(g *indexstore.Generation) {
	prev := e.current.Swap(g)
	e.loadedAt.Store(e.now().UnixNano())
	e.logServing(prev, g)
}

func (e *Engine) logServing(prev, g *indexstore.Generation) {
	if prev == nil || prev.ID != g.ID {
		e.log.WithFields(logrus.Fields{"generation_id": g.ID, "chunks": g.Index.Len()}).Info("serving generation")
	}
}

// Invalidate marks the served generation stale. The next query rereads the
// local cache, or the remote store when remote is set.
func (e *Engine) Invalidate(remote bool) {
	mode := freshLocal
	if remote {
		mode = freshRemote
	}
	for {
		cur := e.invalid.Load()
		if cur >= mode || e.invalid.CompareAndSwap(cur, mode) {
			return
		}
	}
}

// Status describes the generation currently served, without loading one.
func (e *Engine) Status() domain.Status {
	return e.current.Load().Status()
}
