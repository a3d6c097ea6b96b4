package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"popquiz-service/internal/domain"
)

// CatalogLoader fetches question sequences from a backing store.
type CatalogLoader interface {
	SessionQuestions(ctx context.Context, sessionID string) ([]domain.Question, error)
	QuestionByID(ctx context.Context, questionID string) (domain.Question, error)
}

// CatalogCache caches session question sequences with TTL to avoid repeated
// store hits. Question sequences are immutable once published, so a stale
// read only delays visibility of newly seeded sessions.
type CatalogCache struct {
	loader CatalogLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand

	mu    sync.RWMutex
	cache map[string]cachedSequence
}

type cachedSequence struct {
	questions []domain.Question
	expiresAt time.Time
}

func NewCatalogCache(loader CatalogLoader, ttl time.Duration) *CatalogCache {
	return &CatalogCache{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedSequence),
	}
}

func (c *CatalogCache) SessionQuestions(ctx context.Context, sessionID string) ([]domain.Question, error) {
	now := c.clock()

	c.mu.RLock()
	if entry, ok := c.cache[sessionID]; ok && entry.expiresAt.After(now) {
		c.mu.RUnlock()
		return entry.questions, nil
	}
	c.mu.RUnlock()

	result, err, _ := c.sf.Do(sessionID, func() (interface{}, error) {
		now := c.clock()
		c.mu.RLock()
		if entry, ok := c.cache[sessionID]; ok && entry.expiresAt.After(now) {
			c.mu.RUnlock()
			return entry.questions, nil
		}
		c.mu.RUnlock()

		questions, err := c.loader.SessionQuestions(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.cache[sessionID] = cachedSequence{
			questions: questions,
			expiresAt: now.Add(c.ttlWithJitter()),
		}
		c.mu.Unlock()
		return questions, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

// QuestionByID serves from any cached sequence before falling back to the
// loader.
func (c *CatalogCache) QuestionByID(ctx context.Context, questionID string) (domain.Question, error) {
	now := c.clock()
	c.mu.RLock()
	for _, entry := range c.cache {
		if !entry.expiresAt.After(now) {
			continue
		}
		for _, q := range entry.questions {
			if q.ID == questionID {
				c.mu.RUnlock()
				return q, nil
			}
		}
	}
	c.mu.RUnlock()
	return c.loader.QuestionByID(ctx, questionID)
}

func (c *CatalogCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
