package linking

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/linker/pkg/context"
	"github.com/Ramsey-B/linker/pkg/models"
	"github.com/Ramsey-B/linker/pkg/redis"
	"github.com/Ramsey-B/linker/pkg/scoring"
	"github.com/Ramsey-B/linker/pkg/tracing"
)

// QueryService is the read side of the durable linking store.
type QueryService interface {
	GetLinkableEntitySets(ctx context.Context, entityTypeIDs, blacklist []uuid.UUID) ([]uuid.UUID, error)
	GetEntitySetsNeedingLinking(ctx context.Context, entitySetIDs []uuid.UUID) ([]uuid.UUID, error)
	GetEntitiesNeedingLinkingCounts(ctx context.Context, entitySetIDs []uuid.UUID) ([]models.EntitySetLinkingCount, error)
	GetMatchedPairs(ctx context.Context, linkingID uuid.UUID) ([]models.MatchScore, error)
	GetLinkingID(ctx context.Context, key models.EntityDataKey) (*uuid.UUID, error)
}

// Authorizer checks read access for the request principal.
type Authorizer interface {
	EnsureReadAccess(ctx context.Context, principal string, objectIDs ...uuid.UUID) error
}

// ModelSwapper installs a new scoring model; *scoring.ModelHandle satisfies it.
type ModelSwapper interface {
	Swap(m scoring.Model) scoring.Model
}

// ModelLoader reads the scoring model from its configured location.
type ModelLoader func() (scoring.Model, error)

// DeadLetters lists ingest messages that could not be processed.
type DeadLetters interface {
	List(ctx context.Context, count int64) ([]redis.DLQEntry, error)
	Count(ctx context.Context) (int64, error)
}

// Config is the linkable universe the set endpoints report on.
type Config struct {
	LinkableTypes []uuid.UUID
	Blacklist     []uuid.UUID
}

// Handler serves linking status and administration endpoints
type Handler struct {
	query       QueryService
	authz       Authorizer
	models      ModelSwapper
	loadModel   ModelLoader
	deadLetters DeadLetters
	config      Config
	logger      ectologger.Logger
}

// NewHandler creates a new linking handler. deadLetters may be nil.
func NewHandler(query QueryService, authz Authorizer, swapper ModelSwapper, loadModel ModelLoader, deadLetters DeadLetters, config Config, logger ectologger.Logger) *Handler {
	return &Handler{
		query:       query,
		authz:       authz,
		models:      swapper,
		loadModel:   loadModel,
		deadLetters: deadLetters,
		config:      config,
		logger:      logger,
	}
}

// Register registers linking routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("/sets/finished", h.FinishedSets)
	g.GET("/sets/unfinished", h.UnfinishedSets)
	g.GET("/clusters/:linkingId/matches", h.ClusterMatches)
	g.GET("/entities/:esid/:ekid", h.EntityLinkingID)
	g.POST("/model", h.ReloadModel)
	g.GET("/dead-letters", h.DeadLetters)
}

// FinishedSets returns the linkable sets with no unlinked writes left
func (h *Handler) FinishedSets(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "linking_handler.FinishedSets")
	defer span.End()

	linkable, err := h.query.GetLinkableEntitySets(ctx, h.config.LinkableTypes, h.config.Blacklist)
	if err != nil {
		return err
	}
	pending, err := h.query.GetEntitySetsNeedingLinking(ctx, linkable)
	if err != nil {
		return err
	}

	finished := ectolinq.Filter(linkable, func(id uuid.UUID) bool {
		return !ectolinq.Contains(pending, id)
	})
	return c.JSON(http.StatusOK, models.SortUUIDs(finished))
}

// UnfinishedSets returns how many records each linkable set still needs linked
func (h *Handler) UnfinishedSets(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "linking_handler.UnfinishedSets")
	defer span.End()

	linkable, err := h.query.GetLinkableEntitySets(ctx, h.config.LinkableTypes, h.config.Blacklist)
	if err != nil {
		return err
	}
	counts, err := h.query.GetEntitiesNeedingLinkingCounts(ctx, linkable)
	if err != nil {
		return err
	}
	if counts == nil {
		counts = []models.EntitySetLinkingCount{}
	}
	return c.JSON(http.StatusOK, counts)
}

// ClusterMatches returns the scored edges of one cluster
func (h *Handler) ClusterMatches(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "linking_handler.ClusterMatches")
	defer span.End()

	linkingID, err := uuid.Parse(c.Param("linkingId"))
	if err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid linking id")
	}

	pairs, err := h.query.GetMatchedPairs(ctx, linkingID)
	if err != nil {
		return err
	}

	keys := models.NewKeySet()
	for _, p := range pairs {
		keys.Add(p.Src, p.Dst)
	}
	sets, _ := models.SplitKeys(keys.Sorted())
	if err := h.authz.EnsureReadAccess(ctx, appctx.GetPrincipal(ctx), sets...); err != nil {
		return err
	}

	if pairs == nil {
		pairs = []models.MatchScore{}
	}
	return c.JSON(http.StatusOK, pairs)
}

// LinkingIDResponse is the cluster a record belongs to; LinkingID is null for unlinked records.
type LinkingIDResponse struct {
	Entity    models.EntityDataKey `json:"entity"`
	LinkingID *uuid.UUID           `json:"linking_id"`
}

// EntityLinkingID returns the current cluster of one record
func (h *Handler) EntityLinkingID(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "linking_handler.EntityLinkingID")
	defer span.End()

	esid, err := uuid.Parse(c.Param("esid"))
	if err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid entity set id")
	}
	ekid, err := uuid.Parse(c.Param("ekid"))
	if err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid entity key id")
	}
	key := models.NewEntityDataKey(esid, ekid)

	if err := h.authz.EnsureReadAccess(ctx, appctx.GetPrincipal(ctx), esid); err != nil {
		return err
	}

	linkingID, err := h.query.GetLinkingID(ctx, key)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, LinkingIDResponse{Entity: key, LinkingID: linkingID})
}

// ModelResponse reports the installed model version
type ModelResponse struct {
	Version  string `json:"version"`
	Previous string `json:"previous,omitempty"`
}

// ReloadModel reads the model again and swaps it in. In-flight batches finish on the model they
// started with.
func (h *Handler) ReloadModel(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "linking_handler.ReloadModel")
	defer span.End()

	if h.loadModel == nil {
		return httperror.NewHTTPError(http.StatusNotImplemented, "no model location configured")
	}

	model, err := h.loadModel()
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to load scoring model")
		return httperror.NewHTTPError(http.StatusUnprocessableEntity, "failed to load model: "+err.Error())
	}

	resp := ModelResponse{Version: model.Version()}
	if prev := h.models.Swap(model); prev != nil {
		resp.Previous = prev.Version()
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"version":  resp.Version,
		"previous": resp.Previous,
	}).Info("Swapped scoring model")
	return c.JSON(http.StatusOK, resp)
}

// DeadLetterResponse is a page of dead lettered ingest messages
type DeadLetterResponse struct {
	Total   int64            `json:"total"`
	Entries []redis.DLQEntry `json:"entries"`
}

// DeadLetters lists the most recent dead lettered ingest messages
func (h *Handler) DeadLetters(c echo.Context) error {
	ctx := c.Request().Context()
	ctx, span := tracing.StartSpan(ctx, "linking_handler.DeadLetters")
	defer span.End()

	if h.deadLetters == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "dead letter queue is not configured")
	}

	limit, _ := strconv.ParseInt(c.QueryParam("limit"), 10, 64)
	if limit < 1 {
		limit = 50
	}

	entries, err := h.deadLetters.List(ctx, limit)
	if err != nil {
		return err
	}
	total, err := h.deadLetters.Count(ctx)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []redis.DLQEntry{}
	}
	return c.JSON(http.StatusOK, DeadLetterResponse{Total: total, Entries: entries})
}
