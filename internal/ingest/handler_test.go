package ingest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lumen-live/backend/internal/models"
)

func newIngestRouter(t *testing.T, secret string) (*gin.Engine, *ingestFixture, *Watchdog) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := newIngestFixture()
	w := NewWatchdog(f.lc, time.Minute, zap.NewNop())
	f.lc.SetEndedHook(w.Forget)
	h := NewHandler(f.auth, f.lc, w, secret, zap.NewNop())

	r := gin.New()
	r.POST("/ingest/publish", h.Publish)
	r.POST("/ingest/keepalive", h.Keepalive)
	r.POST("/ingest/unpublish", h.Unpublish)
	return r, f, w
}

func postJSON(t *testing.T, r *gin.Engine, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestIngestHandler_PublishLifecycle(t *testing.T) {
	r, f, w := newIngestRouter(t, "")
	sess := f.repo.seed(models.StatusCreated)

	rec := postJSON(t, r, "/ingest/publish", gin.H{"stream_key": sess.StreamKey}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, models.StatusLive, f.repo.status(sess.ID))
	assert.Equal(t, 1, w.LiveCount())

	rec = postJSON(t, r, "/ingest/keepalive", gin.H{"stream_id": sess.ID.String()}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = postJSON(t, r, "/ingest/unpublish", gin.H{"stream_id": sess.ID.String()}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StatusEnded, f.repo.status(sess.ID))
	assert.Equal(t, 0, w.LiveCount())

	// Repeated un-publish after the stream has ended.
	rec = postJSON(t, r, "/ingest/unpublish", gin.H{"stream_id": sess.ID.String()}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 1, f.hub.named(models.EventStreamEnded))
}

func TestIngestHandler_PublishRejected(t *testing.T) {
	r, f, w := newIngestRouter(t, "")
	f.repo.seed(models.StatusCreated)

	rec := postJSON(t, r, "/ingest/publish", gin.H{"stream_key": "lk_wrong"}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, 0, w.LiveCount())

	rec = postJSON(t, r, "/ingest/publish", gin.H{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestHandler_KeepaliveUnknownStream(t *testing.T) {
	r, _, _ := newIngestRouter(t, "")

	rec := postJSON(t, r, "/ingest/keepalive", gin.H{"stream_id": uuid.NewString()}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = postJSON(t, r, "/ingest/keepalive", gin.H{"stream_id": "garbage"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestHandler_SharedSecret(t *testing.T) {
	r, f, _ := newIngestRouter(t, "s3cret")
	sess := f.repo.seed(models.StatusCreated)

	rec := postJSON(t, r, "/ingest/publish", gin.H{"stream_key": sess.StreamKey}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, models.StatusCreated, f.repo.status(sess.ID))

	rec = postJSON(t, r, "/ingest/publish", gin.H{"stream_key": sess.StreamKey},
		map[string]string{"X-Ingest-Secret": "s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}
