package feedback

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/linker/pkg/auth"
	"github.com/Ramsey-B/linker/pkg/middleware"
	"github.com/Ramsey-B/linker/pkg/models"
)

type memoryStore struct {
	entries map[models.EntityKeyPair]models.LinkingFeedback
}

func (s *memoryStore) AddLinkingFeedbacks(_ context.Context, feedbacks []models.LinkingFeedback) (int, error) {
	for _, fb := range feedbacks {
		s.entries[fb.Pair] = fb
	}
	return len(feedbacks), nil
}

func (s *memoryStore) GetLinkingFeedback(_ context.Context, pair models.EntityKeyPair) (*models.LinkingFeedback, error) {
	fb, ok := s.entries[pair]
	if !ok {
		return nil, nil
	}
	return &fb, nil
}

func (s *memoryStore) GetAllLinkingFeedbacks(context.Context) ([]models.LinkingFeedback, error) {
	out := make([]models.LinkingFeedback, 0, len(s.entries))
	for _, fb := range s.entries {
		out = append(out, fb)
	}
	return out, nil
}

func (s *memoryStore) GetLinkingFeedbacksForEntity(_ context.Context, key models.EntityDataKey) ([]models.LinkingFeedback, error) {
	var out []models.LinkingFeedback
	for pair, fb := range s.entries {
		if pair.Contains(key) {
			out = append(out, fb)
		}
	}
	return out, nil
}

func (s *memoryStore) DeleteLinkingFeedback(_ context.Context, pair models.EntityKeyPair) (bool, error) {
	_, ok := s.entries[pair]
	delete(s.entries, pair)
	return ok, nil
}

type emptyLoader struct{}

func (emptyLoader) GetEntities(_ context.Context, keys []models.EntityDataKey) (map[models.EntityDataKey]models.RawProperties, error) {
	out := make(map[models.EntityDataKey]models.RawProperties, len(keys))
	for _, k := range keys {
		out[k] = models.RawProperties{}
	}
	return out, nil
}

type constantFeatures struct{}

func (constantFeatures) Features(_, _ models.RawProperties) []float64 { return []float64{42} }

type denyList struct {
	denied uuid.UUID
}

func (d denyList) EnsureReadAccess(_ context.Context, _ string, objectIDs ...uuid.UUID) error {
	for _, id := range objectIDs {
		if id == d.denied {
			return pkgerrors.Wrap(auth.ErrForbidden, "denied")
		}
	}
	return nil
}

func setup(denied uuid.UUID) (*echo.Echo, *memoryStore) {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	store := &memoryStore{entries: make(map[models.EntityKeyPair]models.LinkingFeedback)}
	h := NewHandler(store, emptyLoader{}, constantFeatures{}, denyList{denied: denied}, nil, logger)

	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(logger)
	h.Register(e.Group("/api/v1/linking/feedback"))
	return e, store
}

func do(e *echo.Echo, method, path string, body any) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func key() models.EntityDataKey {
	return models.NewEntityDataKey(uuid.New(), uuid.New())
}

func TestHandler_Add(t *testing.T) {
	a, b, c := key(), key(), key()

	t.Run("writes every pair", func(t *testing.T) {
		e, store := setup(uuid.Nil)
		rec := do(e, http.MethodPut, "/api/v1/linking/feedback", models.LinkingFeedbackRequest{
			LinkingEntities:    []models.EntityDataKey{a, b},
			NonLinkingEntities: []models.EntityDataKey{c},
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, "3", strings.TrimSpace(rec.Body.String()))
		assert.True(t, store.entries[models.NewEntityKeyPair(a, b)].Linked)
		assert.False(t, store.entries[models.NewEntityKeyPair(c, a)].Linked)
	})

	t.Run("requires a linking entity", func(t *testing.T) {
		e, _ := setup(uuid.Nil)
		rec := do(e, http.MethodPut, "/api/v1/linking/feedback", models.LinkingFeedbackRequest{
			NonLinkingEntities: []models.EntityDataKey{c},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects overlap", func(t *testing.T) {
		e, store := setup(uuid.Nil)
		rec := do(e, http.MethodPut, "/api/v1/linking/feedback", models.LinkingFeedbackRequest{
			LinkingEntities:    []models.EntityDataKey{a, b},
			NonLinkingEntities: []models.EntityDataKey{b},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, store.entries)
	})

	t.Run("forbidden without read access", func(t *testing.T) {
		e, store := setup(c.EntitySetID)
		rec := do(e, http.MethodPut, "/api/v1/linking/feedback", models.LinkingFeedbackRequest{
			LinkingEntities:    []models.EntityDataKey{a, b},
			NonLinkingEntities: []models.EntityDataKey{c},
		})
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Empty(t, store.entries)
	})
}

func TestHandler_Read(t *testing.T) {
	a, b, c := key(), key(), key()
	e, store := setup(uuid.Nil)
	_, _ = store.AddLinkingFeedbacks(context.Background(), []models.LinkingFeedback{
		{Pair: models.NewEntityKeyPair(a, b), Linked: true},
		{Pair: models.NewEntityKeyPair(b, c), Linked: false},
	})

	t.Run("list", func(t *testing.T) {
		rec := do(e, http.MethodGet, "/api/v1/linking/feedback", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var out []models.LinkingFeedback
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		assert.Len(t, out, 2)
	})

	t.Run("for entity", func(t *testing.T) {
		rec := do(e, http.MethodGet, "/api/v1/linking/feedback/entity/"+a.EntitySetID.String()+"/"+a.EntityKeyID.String(), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var out []models.LinkingFeedback
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		assert.Len(t, out, 1)
	})

	t.Run("bad path ids", func(t *testing.T) {
		rec := do(e, http.MethodGet, "/api/v1/linking/feedback/entity/nope/nope", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("pair with features", func(t *testing.T) {
		rec := do(e, http.MethodPost, "/api/v1/linking/feedback/features", models.EntityKeyPair{First: b, Second: a})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var out models.LinkingFeedbackWithFeatures
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		assert.True(t, out.Feedback.Linked)
		assert.Equal(t, []float64{42}, out.Features)
	})

	t.Run("missing pair", func(t *testing.T) {
		rec := do(e, http.MethodPost, "/api/v1/linking/feedback/features", models.EntityKeyPair{First: a, Second: c})
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("all with features", func(t *testing.T) {
		rec := do(e, http.MethodGet, "/api/v1/linking/feedback/features", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var out []models.LinkingFeedbackWithFeatures
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
		assert.Len(t, out, 2)
	})
}

func TestHandler_Delete(t *testing.T) {
	a, b := key(), key()
	e, store := setup(uuid.Nil)
	_, _ = store.AddLinkingFeedbacks(context.Background(), []models.LinkingFeedback{
		{Pair: models.NewEntityKeyPair(a, b), Linked: true},
	})

	rec := do(e, http.MethodDelete, "/api/v1/linking/feedback", models.EntityKeyPair{First: a, Second: b})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, store.entries)

	rec = do(e, http.MethodDelete, "/api/v1/linking/feedback", models.EntityKeyPair{First: a, Second: b})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
