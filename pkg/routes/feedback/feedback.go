package feedback

import (
	"context"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/linker/pkg/context"
	"github.com/Ramsey-B/linker/pkg/models"
	"github.com/Ramsey-B/linker/pkg/tracing"
)

var validate = validator.New()

// Store is the feedback store the handlers read and write.
type Store interface {
	AddLinkingFeedbacks(ctx context.Context, feedbacks []models.LinkingFeedback) (int, error)
	GetLinkingFeedback(ctx context.Context, pair models.EntityKeyPair) (*models.LinkingFeedback, error)
	GetAllLinkingFeedbacks(ctx context.Context) ([]models.LinkingFeedback, error)
	GetLinkingFeedbacksForEntity(ctx context.Context, key models.EntityDataKey) ([]models.LinkingFeedback, error)
	DeleteLinkingFeedback(ctx context.Context, pair models.EntityKeyPair) (bool, error)
}

// DataLoader loads the raw properties of records.
type DataLoader interface {
	GetEntities(ctx context.Context, keys []models.EntityDataKey) (map[models.EntityDataKey]models.RawProperties, error)
}

// FeatureComputer computes the matcher's feature vector for two records.
type FeatureComputer interface {
	Features(a, b models.RawProperties) []float64
}

// Authorizer checks read access for the request principal.
type Authorizer interface {
	EnsureReadAccess(ctx context.Context, principal string, objectIDs ...uuid.UUID) error
}

// Handler serves the linking feedback endpoints
type Handler struct {
	store         Store
	loader        DataLoader
	features      FeatureComputer
	authz         Authorizer
	propertyTypes []uuid.UUID
	logger        ectologger.Logger
}

// NewHandler creates a new feedback handler. propertyTypes are the property types the feature
// schema reads; submitting feedback requires read access on them.
func NewHandler(store Store, loader DataLoader, features FeatureComputer, authz Authorizer, propertyTypes []uuid.UUID, logger ectologger.Logger) *Handler {
	return &Handler{
		store:         store,
		loader:        loader,
		features:      features,
		authz:         authz,
		propertyTypes: propertyTypes,
		logger:        logger,
	}
}

// Register registers feedback routes
func (h *Handler) Register(g *echo.Group) {
	g.PUT("", h.Add)
	g.GET("", h.List)
	g.DELETE("", h.Delete)
	g.GET("/features", h.ListWithFeatures)
	g.POST("/features", h.GetWithFeatures)
	g.GET("/entity/:esid/:ekid", h.ListForEntity)
}

// Add records positive and negative feedback and returns how many entries were written.
func (h *Handler) Add(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "feedback_handler.Add")
	defer span.End()

	var req models.LinkingFeedbackRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "at least one linking entity is required and every key needs both ids")
	}

	objects := append(req.EntitySetIDs(), h.propertyTypes...)
	if err := h.authz.EnsureReadAccess(ctx, appctx.GetPrincipal(ctx), objects...); err != nil {
		return err
	}

	feedbacks, err := req.Feedbacks()
	if errors.Is(err, models.ErrFeedbackOverlap) {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return err
	}

	count, err := h.store.AddLinkingFeedbacks(ctx, feedbacks)
	if err != nil {
		return err
	}

	positive := len(ectolinq.Filter(feedbacks, func(fb models.LinkingFeedback) bool { return fb.Linked }))
	h.logger.WithContext(ctx).WithFields(map[string]any{
		"positive": positive,
		"negative": len(feedbacks) - positive,
	}).Info("Submitted linking feedback")

	return c.JSON(http.StatusOK, count)
}

// List returns every feedback entry
func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "feedback_handler.List")
	defer span.End()

	feedbacks, err := h.store.GetAllLinkingFeedbacks(ctx)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, feedbacks)
}

// ListForEntity returns the feedback involving one record
func (h *Handler) ListForEntity(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "feedback_handler.ListForEntity")
	defer span.End()

	key, err := keyFromPath(c)
	if err != nil {
		return err
	}
	if err := h.authz.EnsureReadAccess(ctx, appctx.GetPrincipal(ctx), key.EntitySetID); err != nil {
		return err
	}

	feedbacks, err := h.store.GetLinkingFeedbacksForEntity(ctx, key)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, feedbacks)
}

// GetWithFeatures returns the feedback for a pair with the pair's feature vector
func (h *Handler) GetWithFeatures(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "feedback_handler.GetWithFeatures")
	defer span.End()

	pair, err := bindPair(c)
	if err != nil {
		return err
	}

	fb, err := h.store.GetLinkingFeedback(ctx, pair)
	if err != nil {
		return err
	}
	if fb == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "linking feedback does not exist for "+pair.String())
	}

	withFeatures, err := h.withFeatures(ctx, []models.LinkingFeedback{*fb})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, withFeatures[0])
}

// ListWithFeatures returns every feedback entry with its feature vector, the training set for
// the model.
func (h *Handler) ListWithFeatures(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "feedback_handler.ListWithFeatures")
	defer span.End()

	feedbacks, err := h.store.GetAllLinkingFeedbacks(ctx)
	if err != nil {
		return err
	}
	withFeatures, err := h.withFeatures(ctx, feedbacks)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, withFeatures)
}

// Delete removes the feedback for a pair
func (h *Handler) Delete(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "feedback_handler.Delete")
	defer span.End()

	pair, err := bindPair(c)
	if err != nil {
		return err
	}
	if err := h.authz.EnsureReadAccess(ctx, appctx.GetPrincipal(ctx), pair.First.EntitySetID, pair.Second.EntitySetID); err != nil {
		return err
	}

	deleted, err := h.store.DeleteLinkingFeedback(ctx, pair)
	if err != nil {
		return err
	}
	if !deleted {
		return httperror.NewHTTPError(http.StatusNotFound, "linking feedback does not exist for "+pair.String())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) withFeatures(ctx context.Context, feedbacks []models.LinkingFeedback) ([]models.LinkingFeedbackWithFeatures, error) {
	keys := models.NewKeySet()
	for _, fb := range feedbacks {
		keys.Add(fb.Pair.First, fb.Pair.Second)
	}
	if len(keys) == 0 {
		return []models.LinkingFeedbackWithFeatures{}, nil
	}

	entities, err := h.loader.GetEntities(ctx, keys.Sorted())
	if err != nil {
		return nil, err
	}

	return ectolinq.Map(feedbacks, func(fb models.LinkingFeedback) models.LinkingFeedbackWithFeatures {
		return models.LinkingFeedbackWithFeatures{
			Feedback: fb,
			Features: h.features.Features(entities[fb.Pair.First], entities[fb.Pair.Second]),
		}
	}), nil
}

func bindPair(c echo.Context) (models.EntityKeyPair, error) {
	var body models.EntityKeyPair
	if err := c.Bind(&body); err != nil {
		return models.EntityKeyPair{}, httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(body); err != nil {
		return models.EntityKeyPair{}, httperror.NewHTTPError(http.StatusBadRequest, "both entities of the pair are required")
	}
	return models.NewEntityKeyPair(body.First, body.Second), nil
}

func keyFromPath(c echo.Context) (models.EntityDataKey, error) {
	esid, err := uuid.Parse(c.Param("esid"))
	if err != nil {
		return models.EntityDataKey{}, httperror.NewHTTPError(http.StatusBadRequest, "invalid entity set id")
	}
	ekid, err := uuid.Parse(c.Param("ekid"))
	if err != nil {
		return models.EntityDataKey{}, httperror.NewHTTPError(http.StatusBadRequest, "invalid entity key id")
	}
	return models.NewEntityDataKey(esid, ekid), nil
}
