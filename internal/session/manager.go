// Package session manages chat sessions on a Redis backend with a local
// LRU cache in front.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/praxis-labs/conductor/internal/circuitbreaker"
	"github.com/praxis-labs/conductor/internal/metrics"
)

const (
	defaultTTL     = 24 * time.Hour
	maxHistory     = 100
	maxLocalCached = 10000
)

// Manager handles session storage with a Redis backend.
type Manager struct {
	client *circuitbreaker.RedisWrapper
	logger *zap.Logger
	ttl    time.Duration

	mu          sync.RWMutex
	localCache  map[string]*Session
	cacheAccess map[string]time.Time
}

// NewManager connects to Redis and returns a session manager.
func NewManager(redisAddr string, logger *zap.Logger) (*Manager, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	client := circuitbreaker.NewRedisWrapper(redisClient, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Manager{
		client:      client,
		logger:      logger,
		ttl:         defaultTTL,
		localCache:  make(map[string]*Session),
		cacheAccess: make(map[string]time.Time),
	}, nil
}

// NewManagerWithClient wraps an existing Redis client. Used by tests.
func NewManagerWithClient(client *redis.Client, logger *zap.Logger) *Manager {
	return &Manager{
		client:      circuitbreaker.NewRedisWrapper(client, logger),
		logger:      logger,
		ttl:         defaultTTL,
		localCache:  make(map[string]*Session),
		cacheAccess: make(map[string]time.Time),
	}
}

// GetOrCreate returns the session with the given id, creating it when the
// id is empty or unknown. The returned session always has a non-empty id.
func (m *Manager) GetOrCreate(ctx context.Context, sessionID, requester string) (*Session, error) {
	if sessionID != "" {
		sess, err := m.Get(ctx, sessionID)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, ErrSessionNotFound) && !errors.Is(err, ErrSessionExpired) {
			return nil, err
		}
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	sess := &Session{
		ID:        sessionID,
		Requester: requester,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		ExpiresAt: time.Now().Add(m.ttl),
		Context:   make(map[string]interface{}),
		History:   make([]Message, 0),
	}
	if err := m.save(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}

	m.mu.Lock()
	m.localCache[sessionID] = sess
	m.cacheAccess[sessionID] = time.Now()
	m.evictLocked()
	metrics.SessionCacheSize.Set(float64(len(m.localCache)))
	m.mu.Unlock()

	m.logger.Info("Created new session", zap.String("session_id", sessionID))
	metrics.SessionsCreated.Inc()
	return sess, nil
}

// Get retrieves a session by id.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	if sess, ok := m.localCache[sessionID]; ok {
		m.mu.RUnlock()
		metrics.SessionCacheHits.Inc()
		if sess.IsExpired() {
			_ = m.Delete(ctx, sessionID)
			return nil, ErrSessionExpired
		}
		m.mu.Lock()
		m.cacheAccess[sessionID] = time.Now()
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.RUnlock()
	metrics.SessionCacheMisses.Inc()

	data, err := m.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if sess.IsExpired() {
		_ = m.Delete(ctx, sessionID)
		return nil, ErrSessionExpired
	}

	m.mu.Lock()
	m.localCache[sessionID] = &sess
	m.cacheAccess[sessionID] = time.Now()
	m.evictLocked()
	metrics.SessionCacheSize.Set(float64(len(m.localCache)))
	m.mu.Unlock()

	return &sess, nil
}

// Update persists the session and refreshes the local cache.
func (m *Manager) Update(ctx context.Context, sess *Session) error {
	if sess == nil {
		return fmt.Errorf("session is nil")
	}
	sess.UpdatedAt = time.Now()
	if err := m.save(ctx, sess); err != nil {
		return fmt.Errorf("save session: %w", err)
	}

	m.mu.Lock()
	m.localCache[sess.ID] = sess
	m.mu.Unlock()
	return nil
}

// AddMessage appends a turn to the session history, capping its length.
func (m *Manager) AddMessage(ctx context.Context, sessionID string, msg Message) error {
	sess, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	sess.History = append(sess.History, msg)
	if len(sess.History) > maxHistory {
		sess.History = sess.History[len(sess.History)-maxHistory:]
	}
	return m.Update(ctx, sess)
}

// AttachWorkflow records a workflow started on behalf of this session.
func (m *Manager) AttachWorkflow(ctx context.Context, sessionID, workflowID string) error {
	sess, err := m.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, id := range sess.WorkflowIDs {
		if id == workflowID {
			return nil
		}
	}
	sess.WorkflowIDs = append(sess.WorkflowIDs, workflowID)
	return m.Update(ctx, sess)
}

// Delete removes a session.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	if err := m.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	m.mu.Lock()
	delete(m.localCache, sessionID)
	delete(m.cacheAccess, sessionID)
	metrics.SessionCacheSize.Set(float64(len(m.localCache)))
	m.mu.Unlock()
	return nil
}

// CleanupExpired removes expired sessions from Redis.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	keys, err := m.client.Keys(ctx, "session:*").Result()
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	cleaned := 0
	for _, key := range keys {
		data, err := m.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			continue
		}
		if sess.IsExpired() {
			if err := m.client.Del(ctx, key).Err(); err == nil {
				cleaned++
			}
		}
	}

	m.logger.Info("Cleaned up expired sessions", zap.Int("count", cleaned))
	return cleaned, nil
}

// RedisWrapper returns the underlying wrapper for health checks.
func (m *Manager) RedisWrapper() *circuitbreaker.RedisWrapper { return m.client }

// Close closes the Redis connection.
func (m *Manager) Close() error { return m.client.Close() }

func sessionKey(sessionID string) string { return "session:" + sessionID }

func (m *Manager) save(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		ttl = m.ttl
	}
	return m.client.Set(ctx, sessionKey(sess.ID), data, ttl).Err()
}

// evictLocked drops the least recently used half of the cache when it grows
// past maxLocalCached. Callers hold m.mu.
func (m *Manager) evictLocked() {
	if len(m.localCache) <= maxLocalCached {
		return
	}

	type accessEntry struct {
		id   string
		time time.Time
	}
	entries := make([]accessEntry, 0, len(m.localCache))
	for id := range m.localCache {
		entries = append(entries, accessEntry{id: id, time: m.cacheAccess[id]})
	}
	for i := 0; i < len(entries)-1; i++ {
		for j := i + 1; j < len(entries); j++ {
			if entries[j].time.Before(entries[i].time) {
				entries[i], entries[j] = entries[j], entries[i]
			}
		}
	}
	toRemove := maxLocalCached / 2
	for i := 0; i < toRemove && i < len(entries); i++ {
		delete(m.localCache, entries[i].id)
		delete(m.cacheAccess, entries[i].id)
		metrics.SessionCacheEvictions.Inc()
	}
}
