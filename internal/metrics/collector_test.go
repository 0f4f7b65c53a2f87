package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStatsSource struct {
	hits, misses, expiries uint64
}

func (f fakeStatsSource) Stats() (uint64, uint64, uint64) {
	return f.hits, f.misses, f.expiries
}

func TestNew_RegistersAllInstruments(t *testing.T) {
	c := New()
	require.NotNil(t, c.Handler())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	c.Handler().ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "s3corefs_open_handles")
}

func TestSync_AddsOnlyDelta(t *testing.T) {
	c := New()
	var prevHits, prevMisses, prevExpiries uint64

	c.Sync(&prevHits, &prevMisses, &prevExpiries, fakeStatsSource{hits: 5, misses: 2, expiries: 1})
	assert.Equal(t, uint64(5), prevHits)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	first := rec.Body.String()
	assert.Contains(t, first, "s3corefs_cache_hits_total 5")

	c.Sync(&prevHits, &prevMisses, &prevExpiries, fakeStatsSource{hits: 8, misses: 2, expiries: 1})
	assert.Equal(t, uint64(8), prevHits)

	rec2 := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec2, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec2.Body.String(), "s3corefs_cache_hits_total 8")
}
