package redis

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/adjudicator"
)

// CachedVerdict is the stored outcome of one corrective-pass review.
// Abstentions are cached too: a reviewer that found nothing will find
// nothing again for the same note text.
type CachedVerdict struct {
	Abstained bool               `json:"abstained"`
	Patch     *adjudicator.Patch `json:"patch,omitempty"`
}

// VerdictCache stores corrective-pass verdicts keyed by the note's SHA-256
// and the reviewed field path. The key is content-addressed, so an edited
// note naturally misses.
type VerdictCache struct {
	cache Cache
	ttl   time.Duration
}

// NewVerdictCache wraps the shared cache. ttl bounds how long a verdict is
// trusted; zero falls back to the cache default.
func NewVerdictCache(cache Cache, ttl time.Duration) *VerdictCache {
	return &VerdictCache{cache: cache, ttl: ttl}
}

// NoteHash returns the hex SHA-256 of the note text.
func NoteHash(note string) string {
	sum := sha256.Sum256([]byte(note))
	return hex.EncodeToString(sum[:])
}

// VerdictKey builds the cache key for one (note, field) review.
func VerdictKey(noteHash, fieldPath string) string {
	return fmt.Sprintf("adj:%s:%s", noteHash, fieldPath)
}

// GetOrReview returns the cached verdict for (note, field), or runs review
// once — deduplicated across concurrent callers by the cache's singleflight —
// and caches its outcome. Review errors are never cached.
func (v *VerdictCache) GetOrReview(ctx context.Context, note, fieldPath string, review func(ctx context.Context) (*adjudicator.Patch, error)) (*CachedVerdict, error) {
	key := VerdictKey(NoteHash(note), fieldPath)

	var verdict CachedVerdict
	err := v.cache.GetOrSet(ctx, key, &verdict, v.ttl, func(ctx context.Context) (interface{}, error) {
		patch, err := review(ctx)
		if err != nil {
			return nil, err
		}
		return &CachedVerdict{Abstained: patch == nil, Patch: patch}, nil
	})
	if err != nil {
		return nil, err
	}
	return &verdict, nil
}

// Invalidate drops the cached verdict for one (note, field).
func (v *VerdictCache) Invalidate(ctx context.Context, note, fieldPath string) error {
	return v.cache.Delete(ctx, VerdictKey(NoteHash(note), fieldPath))
}
