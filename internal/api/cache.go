package api

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"channelscope/channel-service/internal/model"
)

var (
	sessionCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cs_session_cache_hits_total",
		Help: "Finished-session lookups served from the in-process cache.",
	})
	sessionCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cs_session_cache_misses_total",
		Help: "Finished-session lookups that went to the store.",
	})
)

// sessionCache memoises sessions that reached a terminal status. Running
// sessions still change and are never cached.
type sessionCache struct {
	lru *expirable.LRU[string, model.Session]
}

func newSessionCache(size int, ttl time.Duration) *sessionCache {
	return &sessionCache{lru: expirable.NewLRU[string, model.Session](size, nil, ttl)}
}

func (c *sessionCache) get(id string) (model.Session, bool) {
	s, ok := c.lru.Get(id)
	if ok {
		sessionCacheHits.Inc()
		return s, true
	}
	sessionCacheMisses.Inc()
	return model.Session{}, false
}

func (c *sessionCache) put(s model.Session) {
	if s.Status.IsTerminal() {
		c.lru.Add(s.ID, s)
	}
}
