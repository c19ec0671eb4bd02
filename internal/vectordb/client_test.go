package vectordb

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, _ := strconv.Atoi(u.Port())

	return NewClient(Config{
		Host:          u.Hostname(),
		Port:          port,
		Collection:    "policy_chunks",
		HybridEnabled: true,
	}, zap.NewNop())
}

func pointsResponse(pts ...map[string]interface{}) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"result": map[string]interface{}{"points": pts},
		"status": "ok",
	})
	return b
}

func TestSearchDense(t *testing.T) {
	var captured queryRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/collections/policy_chunks/points/query", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write(pointsResponse(
			map[string]interface{}{"id": "d1", "score": 0.92, "payload": map[string]interface{}{"text": "beards must be neat", "source": "afi36-2903.pdf", "page": 14}},
			map[string]interface{}{"id": "d2", "score": 0.81, "payload": map[string]interface{}{"text": "shaving waivers"}},
		))
	})

	docs, err := c.SearchDense(context.Background(), []float32{0.1, 0.2}, 10, nil)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, "dense", captured.Using)
	assert.Equal(t, 10, captured.Limit)
	assert.Equal(t, "d1", docs[0].Document.ID)
	assert.Equal(t, "beards must be neat", docs[0].Document.Text)
	assert.Equal(t, "afi36-2903.pdf", docs[0].Document.Metadata["source"])
	assert.NotContains(t, docs[0].Document.Metadata, "text")
	assert.Equal(t, 0.92, docs[0].Score)
}

func TestHybridSearchSendsPrefetchAndFusion(t *testing.T) {
	var captured queryRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write(pointsResponse())
	})

	_, err := c.HybridSearch(context.Background(), []float32{0.5}, "beard rules", 20, nil, FusionDBSF)
	require.NoError(t, err)

	require.Len(t, captured.Prefetch, 2)
	assert.Equal(t, "dense", captured.Prefetch[0].Using)
	assert.Equal(t, "sparse", captured.Prefetch[1].Using)
	assert.Equal(t, 40, captured.Prefetch[0].Limit)
	assert.Equal(t, 20, captured.Limit)

	fq, ok := captured.Query.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "dbsf", fq["fusion"])
}

func TestHybridPrefetchFollowsLegWeights(t *testing.T) {
	var captured queryRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write(pointsResponse())
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, _ := strconv.Atoi(u.Port())

	c := NewClient(Config{
		Host:          u.Hostname(),
		Port:          port,
		Collection:    "policy_chunks",
		HybridEnabled: true,
		DenseWeight:   0.7,
		SparseWeight:  0.3,
	}, zap.NewNop())

	_, err = c.HybridSearch(context.Background(), []float32{0.5}, "beard rules", 20, nil, FusionRRF)
	require.NoError(t, err)

	// 4k candidate budget split 70/30 across the legs
	require.Len(t, captured.Prefetch, 2)
	assert.Equal(t, 56, captured.Prefetch[0].Limit)
	assert.Equal(t, 24, captured.Prefetch[1].Limit)
}

func TestHybridPrefetchLegNeverBelowK(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pointsResponse())
	})
	c.cfg.DenseWeight = 1
	c.cfg.SparseWeight = 0

	dense, sparse := c.prefetchLimits(20)
	assert.Equal(t, 80, dense)
	assert.Equal(t, 20, sparse, "a zero-weight leg still fetches a full page")
}

func TestFilterRefusedLocally(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	_, err := c.SearchDense(context.Background(), []float32{1}, 5, Filter{"bogus_clause": 1})
	assert.ErrorIs(t, err, ErrFilterInvalid)
	assert.False(t, called, "invalid filter must be refused before the call")
}

func TestFilterRefusedByBackend(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	_, err := c.SearchDense(context.Background(), []float32{1}, 5, Filter{"must": []interface{}{}})
	assert.ErrorIs(t, err, ErrFilterInvalid)
}

func TestTransientFailureRetriesOnce(t *testing.T) {
	var calls atomic.Int64
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write(pointsResponse(
			map[string]interface{}{"id": "d1", "score": 0.5, "payload": map[string]interface{}{"text": "ok"}},
		))
	})

	docs, err := c.SearchDense(context.Background(), []float32{1}, 5, nil)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
	assert.EqualValues(t, 2, calls.Load())
}

func TestPersistentFailureSurfacesUnavailable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := c.SearchDense(context.Background(), []float32{1}, 5, nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestEncodeSparse(t *testing.T) {
	sv := EncodeSparse("Beard beard policy, the beard!")
	// "the" is a stopword; "beard" appears three times, "policy" once
	require.Len(t, sv.Indices, 2)
	require.Len(t, sv.Values, 2)

	weights := map[uint32]float32{}
	for i, idx := range sv.Indices {
		weights[idx] = sv.Values[i]
	}
	one := EncodeSparse("beard")
	require.Len(t, one.Indices, 1)
	assert.Equal(t, float32(3), weights[one.Indices[0]])
}

func TestEncodeSparseDeterministic(t *testing.T) {
	a := EncodeSparse("fitness assessment requirements")
	b := EncodeSparse("fitness assessment requirements")
	assert.ElementsMatch(t, a.Indices, b.Indices)
}
