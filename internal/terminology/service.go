package terminology

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aegis-health/aegis/internal/platform/errs"
)

// Service fronts the per-system repositories with an optional Redis
// read-through cache. Lookup traffic is read-heavy and reference data changes
// rarely, so cached entries live for an hour.
type Service struct {
	systems map[string]CodeRepository
	cache   *redis.Client
	ttl     time.Duration
}

// NewService creates a Service over the given system URI -> repository map.
func NewService(systems map[string]CodeRepository) *Service {
	return &Service{systems: systems, ttl: time.Hour}
}

// SetCache attaches a Redis client used as a read-through lookup cache.
func (s *Service) SetCache(c *redis.Client) {
	s.cache = c
}

// Systems returns the registered code system URIs.
func (s *Service) Systems() []string {
	out := make([]string, 0, len(s.systems))
	for uri := range s.systems {
		out = append(out, uri)
	}
	return out
}

// Lookup resolves a code within a system. A missing code returns a NotFound
// kind; an unregistered system is a Validation error.
func (s *Service) Lookup(ctx context.Context, systemURI, code string) (*Code, error) {
	repo, ok := s.systems[systemURI]
	if !ok {
		return nil, errs.New(errs.Validation, "terminology: unknown code system %q", systemURI)
	}

	if cached := s.cacheGet(ctx, systemURI, code); cached != nil {
		return cached, nil
	}

	c, err := repo.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errs.New(errs.NotFound, "terminology: code %q not found in %s", code, systemURI)
	}

	s.cachePut(ctx, systemURI, code, c)
	return c, nil
}

// ValidateCode reports whether the code exists in the system.
func (s *Service) ValidateCode(ctx context.Context, systemURI, code string) (bool, error) {
	_, err := s.Lookup(ctx, systemURI, code)
	if errs.Is(err, errs.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// FindExact looks for a concept whose code or canonical synonym equals the
// given local code or description, scanning every registered system. This is
// stage two of the normalization cascade.
func (s *Service) FindExact(ctx context.Context, localCode, localDesc string) (*Code, string, error) {
	desc := strings.ToLower(strings.TrimSpace(localDesc))

	for uri, repo := range s.systems {
		c, err := repo.GetByCode(ctx, localCode)
		if err != nil {
			return nil, "", err
		}
		if c != nil {
			return c, uri, nil
		}
		if desc == "" {
			continue
		}
		matches, err := repo.Search(ctx, desc, 1)
		if err != nil {
			return nil, "", err
		}
		for _, m := range matches {
			if strings.ToLower(m.Display) == desc || hasSynonym(m, desc) {
				return m, uri, nil
			}
		}
	}
	return nil, "", nil
}

func hasSynonym(c *Code, desc string) bool {
	for _, syn := range c.Synonyms {
		if strings.ToLower(syn) == desc {
			return true
		}
	}
	return false
}

func (s *Service) cacheGet(ctx context.Context, systemURI, code string) *Code {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.Get(ctx, cacheKey(systemURI, code)).Bytes()
	if err != nil {
		return nil
	}
	var c Code
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil
	}
	return &c
}

func (s *Service) cachePut(ctx context.Context, systemURI, code string, c *Code) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return
	}
	s.cache.Set(ctx, cacheKey(systemURI, code), raw, s.ttl)
}

func cacheKey(systemURI, code string) string {
	return fmt.Sprintf("term:%s:%s", systemURI, code)
}
