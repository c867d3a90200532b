package nlp

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

const cacheTTL = 24 * time.Hour

type cacheEntry struct {
	candidates []Candidate
	expires    time.Time
}

// PredictionCache memoizes predictor candidates keyed by the request
// signature. Strictly best-effort: a full cache evicts the entry closest to
// expiry, and lookups never block a live prediction.
type PredictionCache struct {
	lock    sync.Mutex
	entries map[string]*cacheEntry
	maxSize int
}

func NewPredictionCache(maxSize int) *PredictionCache {
	return &PredictionCache{
		entries: make(map[string]*cacheEntry, maxSize),
		maxSize: maxSize,
	}
}

func (c *PredictionCache) Get(key string) ([]Candidate, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.candidates, true
}

func (c *PredictionCache) Put(key string, candidates []Candidate) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.maxSize {
		oldestKey := ""
		var oldestTime time.Time
		for k, entry := range c.entries {
			if oldestKey == "" || entry.expires.Before(oldestTime) {
				oldestKey = k
				oldestTime = entry.expires
			}
		}
		delete(c.entries, oldestKey)
	}

	c.entries[key] = &cacheEntry{candidates: candidates, expires: time.Now().Add(cacheTTL)}
}

// cacheSignature is the canonical form of everything that can change a
// prediction. Volatile request fields (store, access token, developer key,
// limit) are deliberately left out so equivalent requests share an entry.
type cacheSignature struct {
	Model            string   `json:"model"`
	Version          int      `json:"version"`
	Tokens           []string `json:"tokens"`
	EntityKeys       []string `json:"entity_keys"`
	Context          string   `json:"context,omitempty"`
	Expect           string   `json:"expect,omitempty"`
	SkipTypechecking bool     `json:"skip_typechecking,omitempty"`
}

func cacheKey(model *Model, tokens []string, entities map[string]any, context, expect string, skipTypechecking bool) (string, error) {
	entityKeys := make([]string, 0, len(entities))
	for key := range entities {
		entityKeys = append(entityKeys, key)
	}
	sort.Strings(entityKeys)

	canonical, err := json.Marshal(cacheSignature{
		Model:            model.Id(),
		Version:          model.Version,
		Tokens:           tokens,
		EntityKeys:       entityKeys,
		Context:          context,
		Expect:           expect,
		SkipTypechecking: skipTypechecking,
	})
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256(canonical)
	return hex.EncodeToString(digest[:]), nil
}
