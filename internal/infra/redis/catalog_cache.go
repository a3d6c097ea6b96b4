package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"popquiz-service/internal/domain"
)

// CatalogLoader fetches question sequences from a backing store.
type CatalogLoader interface {
	SessionQuestions(ctx context.Context, sessionID string) ([]domain.Question, error)
	QuestionByID(ctx context.Context, questionID string) (domain.Question, error)
}

// CatalogCache caches session question sequences in Redis and falls back to
// a loader on cache miss. Sequences are stored as:
//
//	SET session:{sessionID}:questions {json array}
//	SET question:{questionID}         {json object}
type CatalogCache struct {
	client *redis.Client
	loader CatalogLoader
	ttl    time.Duration
	sf     singleflight.Group
	rnd    *rand.Rand
}

func NewCatalogCache(client *redis.Client, loader CatalogLoader, ttl time.Duration) *CatalogCache {
	return &CatalogCache{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *CatalogCache) SessionQuestions(ctx context.Context, sessionID string) ([]domain.Question, error) {
	key := c.sequenceKey(sessionID)

	if raw, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var questions []domain.Question
		if err := json.Unmarshal(raw, &questions); err == nil {
			return questions, nil
		}
	}

	result, err, _ := c.sf.Do(sessionID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if raw, err := c.client.Get(ctx, key).Bytes(); err == nil {
			var questions []domain.Question
			if err := json.Unmarshal(raw, &questions); err == nil {
				return questions, nil
			}
		}

		questions, err := c.loader.SessionQuestions(ctx, sessionID)
		if err != nil {
			return nil, err
		}

		ttl := c.ttlWithJitter()
		pipe := c.client.Pipeline()
		if data, err := json.Marshal(questions); err == nil {
			pipe.Set(ctx, key, data, ttl)
		}
		for _, q := range questions {
			if data, err := json.Marshal(q); err == nil {
				pipe.Set(ctx, c.questionKey(q.ID), data, ttl)
			}
		}
		_, _ = pipe.Exec(ctx)

		return questions, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

func (c *CatalogCache) QuestionByID(ctx context.Context, questionID string) (domain.Question, error) {
	if raw, err := c.client.Get(ctx, c.questionKey(questionID)).Bytes(); err == nil {
		var q domain.Question
		if err := json.Unmarshal(raw, &q); err == nil {
			return q, nil
		}
	}

	q, err := c.loader.QuestionByID(ctx, questionID)
	if err != nil {
		return domain.Question{}, err
	}
	if data, merr := json.Marshal(q); merr == nil {
		_ = c.client.Set(ctx, c.questionKey(q.ID), data, c.ttlWithJitter()).Err()
	}
	return q, nil
}

func (c *CatalogCache) sequenceKey(sessionID string) string {
	return "session:" + sessionID + ":questions"
}

func (c *CatalogCache) questionKey(questionID string) string {
	return "question:" + questionID
}

func (c *CatalogCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
