package redis

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/MedCode-Intelligence/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/adjudicator"
	"github.com/turtacn/MedCode-Intelligence/pkg/types/clinical"
)

func newTestVerdictCache(t *testing.T) *VerdictCache {
	t.Helper()
	_, client := newTestRedis(t)
	cache := NewCache(client, logging.NewNopLogger(), WithTTLJitter(0))
	return NewVerdictCache(cache, time.Hour)
}

func TestNoteHash_Deterministic(t *testing.T) {
	h1 := NoteHash("bronchoscopy note")
	h2 := NoteHash("bronchoscopy note")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
	assert.NotEqual(t, h1, NoteHash("bronchoscopy note "))
}

func TestVerdictKey_Format(t *testing.T) {
	assert.Equal(t, "adj:deadbeef:bronch.lavage", VerdictKey("deadbeef", "bronch.lavage"))
}

func TestGetOrReview_CachesPatch(t *testing.T) {
	vc := newTestVerdictCache(t)
	ctx := context.Background()

	patch := &adjudicator.Patch{
		FieldPath:  "bronch.lavage",
		NewValue:   true,
		Confidence: 0.8,
		Evidence: []clinical.EvidenceSpan{{
			Source:     clinical.ExtractorCorrective,
			Text:       "lavage performed",
			Span:       [2]int{10, 26},
			Confidence: 0.8,
		}},
	}

	var reviews atomic.Int32
	review := func(context.Context) (*adjudicator.Patch, error) {
		reviews.Add(1)
		return patch, nil
	}

	first, err := vc.GetOrReview(ctx, "note text", "bronch.lavage", review)
	require.NoError(t, err)
	require.NotNil(t, first.Patch)
	assert.False(t, first.Abstained)
	assert.Equal(t, patch.FieldPath, first.Patch.FieldPath)

	second, err := vc.GetOrReview(ctx, "note text", "bronch.lavage", review)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), reviews.Load())
}

func TestGetOrReview_CachesAbstention(t *testing.T) {
	vc := newTestVerdictCache(t)
	ctx := context.Background()

	var reviews atomic.Int32
	review := func(context.Context) (*adjudicator.Patch, error) {
		reviews.Add(1)
		return nil, nil
	}

	v, err := vc.GetOrReview(ctx, "note text", "bronch.ebus", review)
	require.NoError(t, err)
	assert.True(t, v.Abstained)
	assert.Nil(t, v.Patch)

	_, err = vc.GetOrReview(ctx, "note text", "bronch.ebus", review)
	require.NoError(t, err)
	assert.Equal(t, int32(1), reviews.Load())
}

func TestGetOrReview_ErrorNotCached(t *testing.T) {
	vc := newTestVerdictCache(t)
	ctx := context.Background()

	var reviews atomic.Int32
	review := func(context.Context) (*adjudicator.Patch, error) {
		reviews.Add(1)
		return nil, assert.AnError
	}

	_, err := vc.GetOrReview(ctx, "note text", "bronch.ebus", review)
	assert.ErrorIs(t, err, assert.AnError)

	_, err = vc.GetOrReview(ctx, "note text", "bronch.ebus", review)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, int32(2), reviews.Load())
}

func TestGetOrReview_DistinctFieldsDistinctKeys(t *testing.T) {
	vc := newTestVerdictCache(t)
	ctx := context.Background()

	var reviews atomic.Int32
	review := func(context.Context) (*adjudicator.Patch, error) {
		reviews.Add(1)
		return nil, nil
	}

	_, err := vc.GetOrReview(ctx, "note text", "bronch.lavage", review)
	require.NoError(t, err)
	_, err = vc.GetOrReview(ctx, "note text", "bronch.ebus", review)
	require.NoError(t, err)
	assert.Equal(t, int32(2), reviews.Load())
}
