package ginmw

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"idemgate/internal/access"
	"idemgate/internal/cache"
	"idemgate/internal/entry"
	"idemgate/internal/idempotency"
	"idemgate/internal/keylock"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(t *testing.T, handler gin.HandlerFunc) *gin.Engine {
	t.Helper()

	store := cache.NewMemoryStore(time.Minute)
	t.Cleanup(func() { _ = store.Close() })
	codec, err := entry.NewJSONCodec(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = codec.Close() })

	coord, err := access.New(store, access.WithKeyLocks(keylock.New(4)))
	require.NoError(t, err)
	engine, err := idempotency.New(idempotency.DefaultConfig(), coord, codec, nil)
	require.NoError(t, err)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(Idempotency(engine))
	r.POST("/v1/orders", handler)
	return r
}

func send(r http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/orders", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestGinReplay(t *testing.T) {
	var calls atomic.Int64
	r := newRouter(t, func(c *gin.Context) {
		c.JSON(http.StatusCreated, gin.H{"id": calls.Add(1)})
	})

	first := send(r, "k1", `{"message":"x"}`)
	second := send(r, "k1", `{"message":"x"}`)

	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get(idempotency.ReplayHeader))
	assert.EqualValues(t, 1, calls.Load())

	mismatch := send(r, "k1", `{"message":"y"}`)
	assert.Equal(t, http.StatusBadRequest, mismatch.Code)
	assert.Contains(t, mismatch.Body.String(), "k1")
}

func TestGinErrorReleasesKey(t *testing.T) {
	var calls atomic.Int64
	r := newRouter(t, func(c *gin.Context) {
		if calls.Add(1) == 1 {
			// a handler that records an error but still answers 200
			_ = c.Error(errors.New("downstream write failed"))
		}
		c.JSON(http.StatusOK, gin.H{"attempt": calls.Load()})
	})

	send(r, "k2", `{}`)
	second := send(r, "k2", `{}`)

	assert.Empty(t, second.Header().Get(idempotency.ReplayHeader))
	assert.JSONEq(t, `{"attempt":2}`, second.Body.String())
}

func TestGinPanicReleasesKey(t *testing.T) {
	var calls atomic.Int64
	r := newRouter(t, func(c *gin.Context) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		c.Status(http.StatusNoContent)
	})

	first := send(r, "k3", `{}`)
	assert.Equal(t, http.StatusInternalServerError, first.Code)

	second := send(r, "k3", `{}`)
	assert.Equal(t, http.StatusNoContent, second.Code)
}

func TestGinMissingKey(t *testing.T) {
	var calls atomic.Int64
	r := newRouter(t, func(c *gin.Context) { calls.Add(1) })

	rr := send(r, "", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "missing_key")
	assert.Zero(t, calls.Load())
}
