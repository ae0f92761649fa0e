package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/matthewbub/wussup.chat-sub003/internal/models"
	"github.com/matthewbub/wussup.chat-sub003/internal/redis"
)

const (
	invalidateChannel = "session:invalidate"
	metaTTL           = 30 * time.Minute
)

// sweepAt is the local size at which put clears out expired entries.
const sweepAt = 1024

type invalidateMessage struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	// Origin lets an instance skip its own broadcasts.
	Origin string `json:"origin"`
}

type localEntry struct {
	session models.Session
	expires time.Time
}

// cache keeps session metadata snapshots in process and in redis. A nil
// redis client leaves only the local map. Local entries expire like the
// redis ones.
type cache struct {
	mu     sync.RWMutex
	local  map[string]localEntry
	client *redis.Client
	origin string
	now    func() time.Time
}

func newCache(client *redis.Client, origin string) *cache {
	return &cache{local: make(map[string]localEntry), client: client, origin: origin, now: time.Now}
}

func metaKey(sessionID string) string {
	return fmt.Sprintf("session:meta:%s", sessionID)
}

func (c *cache) get(ctx context.Context, sessionID string) (*models.Session, bool) {
	c.mu.RLock()
	e, ok := c.local[sessionID]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expires) {
		s := e.session
		return &s, true
	}
	if c.client == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, metaKey(sessionID))
	if err != nil {
		if err != redis.ErrCacheMiss {
			log.Printf("session cache load %s failed: %v", sessionID, err)
		}
		return nil, false
	}
	var snap models.Session
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		log.Printf("session cache decode %s failed: %v", sessionID, err)
		return nil, false
	}
	c.store(snap)
	return &snap, true
}

func (c *cache) put(ctx context.Context, s *models.Session) {
	if s == nil || s.ID == "" {
		return
	}
	c.store(*s)
	if c.client == nil {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		log.Printf("session cache marshal failed: %v", err)
		return
	}
	if err := c.client.Set(ctx, metaKey(s.ID), data, metaTTL); err != nil {
		log.Printf("session cache store %s failed: %v", s.ID, err)
	}
}

func (c *cache) store(s models.Session) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.local) >= sweepAt {
		for id, e := range c.local {
			if !now.Before(e.expires) {
				delete(c.local, id)
			}
		}
	}
	c.local[s.ID] = localEntry{session: s, expires: now.Add(metaTTL)}
}

// drop forgets sessionID locally and in redis, then tells the other instances.
func (c *cache) drop(ctx context.Context, userID string, sessionIDs ...string) {
	c.mu.Lock()
	for _, id := range sessionIDs {
		delete(c.local, id)
	}
	c.mu.Unlock()
	if c.client == nil {
		return
	}
	keys := make([]string, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		keys = append(keys, metaKey(id))
	}
	if err := c.client.Del(ctx, keys...); err != nil && err != redis.ErrCacheMiss {
		log.Printf("session cache invalidate failed: %v", err)
	}
	for _, id := range sessionIDs {
		c.publish(ctx, invalidateMessage{UserID: userID, SessionID: id, Origin: c.origin})
	}
}

func (c *cache) publish(ctx context.Context, msg invalidateMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Printf("session invalidation marshal failed: %v", err)
		return
	}
	if err := c.client.Publish(ctx, invalidateChannel, payload); err != nil {
		log.Printf("session publish invalidation failed: %v", err)
	}
}

// listen drops local copies named by other instances until ctx is done.
func (c *cache) listen(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	return c.client.Subscribe(ctx, invalidateChannel, c.handleInvalidation)
}

func (c *cache) handleInvalidation(payload string) {
	var inv invalidateMessage
	if err := json.Unmarshal([]byte(payload), &inv); err != nil {
		log.Printf("session invalidation decode failed: %v", err)
		return
	}
	if inv.Origin == c.origin {
		return
	}
	c.mu.Lock()
	delete(c.local, inv.SessionID)
	c.mu.Unlock()
}
