package title

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/matthewbub/wussup.chat-sub003/internal/redis"
)

const guardTTL = 24 * time.Hour

// Guard makes automatic title generation happen once per session across
// instances. Without redis every call acquires.
type Guard struct {
	client *redis.Client
}

func NewGuard(client *redis.Client) *Guard {
	return &Guard{client: client}
}

func guardKey(sessionID string) string {
	return fmt.Sprintf("title:auto:%s", sessionID)
}

func (g *Guard) Acquire(ctx context.Context, sessionID string) bool {
	if g == nil || g.client == nil {
		return true
	}
	ok, err := g.client.SetNX(ctx, guardKey(sessionID), time.Now().UTC().Unix(), guardTTL)
	if err != nil {
		log.Printf("title guard for session %s failed: %v", sessionID, err)
		return true
	}
	return ok
}
