package metadata

import (
	"context"
	"log/slog"

	"github.com/datim/mechsync/internal/dhis"
	"github.com/datim/mechsync/internal/logging"
)

// Session holds the state of one reconciliation run: the entity cache and
// both pending-write batches. Nothing in it outlives the run.
type Session struct {
	Cache       *Cache
	Gateway     *Gateway
	Collections *Batcher
	Sharing     *ACL
}

func NewSession(client dhis.Client, logger *slog.Logger) *Session {
	if logger == nil {
		logger = logging.Discard()
	}
	cache := NewCache()
	gw := NewGateway(client, cache, logger)
	return &Session{
		Cache:       cache,
		Gateway:     gw,
		Collections: NewBatcher(gw, logger),
		Sharing:     NewACL(gw, logger),
	}
}

// Flush applies pending collection additions, then pending shares. Shares
// go second because they may name groups the collection pass links.
func (s *Session) Flush(ctx context.Context) error {
	if err := s.Collections.Flush(ctx); err != nil {
		s.Sharing.Clear()
		return err
	}
	return s.Sharing.FlushShares(ctx)
}

// Clear forgets everything cached or pending.
func (s *Session) Clear() {
	s.Cache.Clear()
	s.Collections.Clear()
	s.Sharing.Clear()
}
