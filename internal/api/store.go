package api

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// DefaultRetention is how long finished generations stay retrievable.
const DefaultRetention = 15 * time.Minute

// ResultStore keeps recent generation responses for GET /v1/generate/:id.
type ResultStore struct {
	cache *ttlcache.Cache[string, GenerateResponse]
}

// NewResultStore returns a store whose entries expire after retention and
// holds at most capacity entries. Zero values select the defaults.
func NewResultStore(retention time.Duration, capacity uint64) *ResultStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	opts := []ttlcache.Option[string, GenerateResponse]{
		ttlcache.WithTTL[string, GenerateResponse](retention),
		ttlcache.WithDisableTouchOnHit[string, GenerateResponse](),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, GenerateResponse](capacity))
	}
	c := ttlcache.New[string, GenerateResponse](opts...)
	go c.Start()
	return &ResultStore{cache: c}
}

func (s *ResultStore) Save(resp GenerateResponse) {
	s.cache.Set(resp.ID, resp, ttlcache.DefaultTTL)
}

func (s *ResultStore) Get(id string) (GenerateResponse, bool) {
	item := s.cache.Get(id)
	if item == nil {
		return GenerateResponse{}, false
	}
	return item.Value(), true
}

func (s *ResultStore) Delete(id string) bool {
	if !s.cache.Has(id) {
		return false
	}
	s.cache.Delete(id)
	return true
}

func (s *ResultStore) Len() int {
	return s.cache.Len()
}

// Close stops the expiry loop.
func (s *ResultStore) Close() {
	s.cache.Stop()
}
