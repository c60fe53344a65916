// Package cache answers descriptor and token lookups from the local store, going to the
// directory only when the stored answer is older than the TTL.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"dev.c0redev.kalive/internal/proto"
	"dev.c0redev.kalive/internal/store"
)

// Source is the authoritative directory.
type Source interface {
	Exits(ctx context.Context) ([]proto.ExitDescriptor, error)
	Bridges(ctx context.Context, exitHost string) ([]proto.BridgeDescriptor, error)
	AuthToken(ctx context.Context) (*proto.AuthToken, error)
}

// anyAge accepts stale rows when the directory is unreachable.
const anyAge time.Duration = 0

// ClientCache: store first, directory on miss; stale rows are served if the directory fails.
type ClientCache struct {
	db  *store.DB
	src Source
	ttl time.Duration
	log logrus.FieldLogger
}

func New(db *store.DB, src Source, ttl time.Duration, log logrus.FieldLogger) *ClientCache {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ClientCache{db: db, src: src, ttl: ttl, log: log.WithField("component", "cache")}
}

func (c *ClientCache) Exits(ctx context.Context) ([]proto.ExitDescriptor, error) {
	if list, ok, err := c.db.Exits(c.ttl); err == nil && ok {
		return list, nil
	}
	list, err := c.src.Exits(ctx)
	if err != nil {
		if stale, ok, _ := c.db.Exits(anyAge); ok {
			c.log.WithError(err).Warn("directory unreachable, using stale exits")
			return stale, nil
		}
		return nil, fmt.Errorf("fetch exits: %w", err)
	}
	if err := c.db.PutExits(list); err != nil {
		c.log.WithError(err).Warn("caching exits")
	}
	return list, nil
}

func (c *ClientCache) Bridges(ctx context.Context, exitHost string) ([]proto.BridgeDescriptor, error) {
	if list, ok, err := c.db.Bridges(exitHost, c.ttl); err == nil && ok {
		return list, nil
	}
	list, err := c.src.Bridges(ctx, exitHost)
	if err != nil {
		if stale, ok, _ := c.db.Bridges(exitHost, anyAge); ok {
			c.log.WithError(err).WithField("exit", exitHost).Warn("directory unreachable, using stale bridges")
			return stale, nil
		}
		return nil, fmt.Errorf("fetch bridges: %w", err)
	}
	if err := c.db.PutBridges(exitHost, list); err != nil {
		c.log.WithError(err).Warn("caching bridges")
	}
	return list, nil
}

func (c *ClientCache) AuthToken(ctx context.Context) (*proto.AuthToken, error) {
	if tok, err := c.db.Token(c.ttl); err == nil && tok != nil {
		return tok, nil
	}
	tok, err := c.src.AuthToken(ctx)
	if err != nil {
		if stale, _ := c.db.Token(anyAge); stale != nil {
			c.log.WithError(err).Warn("directory unreachable, using stale token")
			return stale, nil
		}
		return nil, fmt.Errorf("fetch token: %w", err)
	}
	if err := c.db.PutToken(tok); err != nil {
		c.log.WithError(err).Warn("caching token")
	}
	return tok, nil
}
