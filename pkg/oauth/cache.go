package oauth

import (
	"time"

	c "github.com/patrickmn/go-cache"
)

// TokenCache is a process-local, advisory cache of access tokens keyed by
// credential id. Set keeps the entry for ttl; a non-positive ttl drops it.
type TokenCache interface {
	Get(credentialID string) (CachedToken, bool)
	Set(credentialID string, token CachedToken, ttl time.Duration)
	Delete(credentialID string)
	Flush()
}

type CachedToken struct {
	AccessToken string
	ExpiresAt   time.Time
}

type memoryCache struct {
	cache *c.Cache
}

// NewMemoryCache returns a TokenCache backed by go-cache.
func NewMemoryCache() TokenCache {
	return &memoryCache{
		cache: c.New(c.NoExpiration, 10*time.Minute),
	}
}

func (m *memoryCache) Get(credentialID string) (CachedToken, bool) {
	value, found := m.cache.Get(credentialID)
	if !found {
		return CachedToken{}, false
	}

	token, ok := value.(CachedToken)

	return token, ok
}

func (m *memoryCache) Set(credentialID string, token CachedToken, ttl time.Duration) {
	if ttl <= 0 {
		m.cache.Delete(credentialID)

		return
	}

	m.cache.Set(credentialID, token, ttl)
}

func (m *memoryCache) Delete(credentialID string) {
	m.cache.Delete(credentialID)
}

func (m *memoryCache) Flush() {
	m.cache.Flush()
}
