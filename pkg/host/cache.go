package host

import (
	"crypto/sha256"

	lru "github.com/hashicorp/golang-lru"

	"github.com/PostHog/hogtrace/pkg/compiler"
	"github.com/PostHog/hogtrace/pkg/program"
)

// ProgramCache memoizes compilation keyed by source hash, so a host that
// repeatedly installs the same probe file does not re-run the pipeline.
// Compiled programs are immutable, which makes sharing cache hits safe.
type ProgramCache struct {
	cache *lru.Cache
}

// NewProgramCache creates a cache holding up to size compiled programs.
func NewProgramCache(size int) (*ProgramCache, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &ProgramCache{cache: cache}, nil
}

// Load returns the compiled program for source, compiling on a miss.
// Compile errors are not cached.
func (c *ProgramCache) Load(source string) (*program.Program, error) {
	key := sha256.Sum256([]byte(source))
	if cached, ok := c.cache.Get(key); ok {
		return cached.(*program.Program), nil
	}

	prog, err := compiler.Compile(source)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, prog)
	return prog, nil
}

// Len reports how many programs are cached.
func (c *ProgramCache) Len() int { return c.cache.Len() }
