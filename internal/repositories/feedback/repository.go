// Package feedback stores human judgments on whether two records belong together.
package feedback

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/linker/pkg/database"
	"github.com/Ramsey-B/linker/pkg/models"
	"github.com/Ramsey-B/linker/pkg/tracing"
)

const feedbackTable = "linking_feedback"

var feedbackColumns = []string{
	"src_entity_set_id", "src_entity_key_id", "dst_entity_set_id", "dst_entity_key_id",
	"linked", "created_at", "updated_at",
}

// Repository handles linking feedback persistence. Pairs are stored in canonical order so each
// unordered pair has at most one row.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new feedback repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type feedbackRow struct {
	SrcEntitySetID uuid.UUID `db:"src_entity_set_id"`
	SrcEntityKeyID uuid.UUID `db:"src_entity_key_id"`
	DstEntitySetID uuid.UUID `db:"dst_entity_set_id"`
	DstEntityKeyID uuid.UUID `db:"dst_entity_key_id"`
	Linked         bool      `db:"linked"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r feedbackRow) toModel() models.LinkingFeedback {
	return models.LinkingFeedback{
		Pair: models.NewEntityKeyPair(
			models.NewEntityDataKey(r.SrcEntitySetID, r.SrcEntityKeyID),
			models.NewEntityDataKey(r.DstEntitySetID, r.DstEntityKeyID),
		),
		Linked:    r.Linked,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func involves(sb *sqlbuilder.SelectBuilder, key models.EntityDataKey) string {
	return sb.Or(
		sb.And(sb.Equal("src_entity_set_id", key.EntitySetID), sb.Equal("src_entity_key_id", key.EntityKeyID)),
		sb.And(sb.Equal("dst_entity_set_id", key.EntitySetID), sb.Equal("dst_entity_key_id", key.EntityKeyID)),
	)
}

func filterKind(sb *sqlbuilder.SelectBuilder, kind models.FeedbackType) {
	switch kind {
	case models.FeedbackTypePositive:
		sb.Where(sb.Equal("linked", true))
	case models.FeedbackTypeNegative:
		sb.Where(sb.Equal("linked", false))
	}
}

func (r *Repository) selectFeedback(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]models.LinkingFeedback, error) {
	query, args := sb.Build()
	var rows []feedbackRow
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]models.LinkingFeedback, len(rows))
	for i, row := range rows {
		out[i] = row.toModel()
	}
	return out, nil
}

// HasFeedbacks reports whether any feedback of kind involves key.
func (r *Repository) HasFeedbacks(ctx context.Context, kind models.FeedbackType, key models.EntityDataKey) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "feedback.Repository.HasFeedbacks")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("1")
	sb.From(feedbackTable)
	sb.Where(involves(sb, key))
	filterKind(sb, kind)
	sb.Limit(1)

	query, args := sb.Build()
	var exists bool
	if err := database.Conn(ctx, r.db).GetContext(ctx, &exists, "SELECT EXISTS ("+query+")", args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"key":  key.String(),
			"kind": string(kind),
		}).Error("Failed to check for feedback")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to check for feedback")
	}
	return exists, nil
}

// GetLinkingFeedback returns the feedback for pair, or nil when there is none.
func (r *Repository) GetLinkingFeedback(ctx context.Context, pair models.EntityKeyPair) (*models.LinkingFeedback, error) {
	ctx, span := tracing.StartSpan(ctx, "feedback.Repository.GetLinkingFeedback")
	defer span.End()

	pair = models.NewEntityKeyPair(pair.First, pair.Second)
	sb := database.NewSelectBuilder()
	sb.Select(feedbackColumns...)
	sb.From(feedbackTable)
	sb.Where(
		sb.Equal("src_entity_set_id", pair.First.EntitySetID),
		sb.Equal("src_entity_key_id", pair.First.EntityKeyID),
		sb.Equal("dst_entity_set_id", pair.Second.EntitySetID),
		sb.Equal("dst_entity_key_id", pair.Second.EntityKeyID),
	)

	feedbacks, err := r.selectFeedback(ctx, sb)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("pair", pair.String()).Error("Failed to get linking feedback")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get linking feedback")
	}
	if len(feedbacks) == 0 {
		return nil, nil
	}
	return &feedbacks[0], nil
}

// GetLinkingFeedbacksAmong returns every feedback whose two members are both in keys.
func (r *Repository) GetLinkingFeedbacksAmong(ctx context.Context, keys []models.EntityDataKey) (map[models.EntityKeyPair]models.LinkingFeedback, error) {
	ctx, span := tracing.StartSpan(ctx, "feedback.Repository.GetLinkingFeedbacksAmong")
	defer span.End()

	out := make(map[models.EntityKeyPair]models.LinkingFeedback)
	if len(keys) < 2 {
		return out, nil
	}

	esids, ekids := models.SplitKeys(keys)
	query := `WITH k AS (SELECT * FROM unnest($1::uuid[], $2::uuid[]) AS k(esid, ekid))
		SELECT f.src_entity_set_id, f.src_entity_key_id, f.dst_entity_set_id, f.dst_entity_key_id, f.linked, f.created_at, f.updated_at
		FROM linking_feedback f
		JOIN k src ON src.esid = f.src_entity_set_id AND src.ekid = f.src_entity_key_id
		JOIN k dst ON dst.esid = f.dst_entity_set_id AND dst.ekid = f.dst_entity_key_id`

	var rows []feedbackRow
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &rows, query, database.UUIDArray(esids), database.UUIDArray(ekids)); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("keys", len(keys)).Error("Failed to get feedback among keys")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get linking feedback")
	}
	for _, row := range rows {
		fb := row.toModel()
		out[fb.Pair] = fb
	}
	return out, nil
}

// GetLinkingFeedbackEntityKeyPairs returns the other member of every feedback of kind involving
// key.
func (r *Repository) GetLinkingFeedbackEntityKeyPairs(ctx context.Context, kind models.FeedbackType, key models.EntityDataKey) ([]models.EntityDataKey, error) {
	ctx, span := tracing.StartSpan(ctx, "feedback.Repository.GetLinkingFeedbackEntityKeyPairs")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(feedbackColumns...)
	sb.From(feedbackTable)
	sb.Where(involves(sb, key))
	filterKind(sb, kind)

	feedbacks, err := r.selectFeedback(ctx, sb)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("key", key.String()).Error("Failed to get feedback partners")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get linking feedback")
	}

	partners := make([]models.EntityDataKey, 0, len(feedbacks))
	for _, fb := range feedbacks {
		partners = append(partners, fb.Pair.Other(key))
	}
	return models.SortKeys(partners), nil
}

// AddLinkingFeedback upserts a single feedback; the latest write wins.
func (r *Repository) AddLinkingFeedback(ctx context.Context, fb models.LinkingFeedback) error {
	_, err := r.AddLinkingFeedbacks(ctx, []models.LinkingFeedback{fb})
	return err
}

// AddLinkingFeedbacks upserts feedbacks in one statement and returns the number of pairs written.
// When a pair appears more than once the last entry wins.
func (r *Repository) AddLinkingFeedbacks(ctx context.Context, feedbacks []models.LinkingFeedback) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "feedback.Repository.AddLinkingFeedbacks")
	defer span.End()

	latest := make(map[models.EntityKeyPair]bool, len(feedbacks))
	order := make([]models.EntityKeyPair, 0, len(feedbacks))
	for _, fb := range feedbacks {
		pair := models.NewEntityKeyPair(fb.Pair.First, fb.Pair.Second)
		if _, seen := latest[pair]; !seen {
			order = append(order, pair)
		}
		latest[pair] = fb.Linked
	}
	if len(order) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	ib := database.NewInsertBuilder()
	ib.InsertInto(feedbackTable)
	ib.Cols(feedbackColumns...)
	for _, pair := range order {
		ib.Values(pair.First.EntitySetID, pair.First.EntityKeyID, pair.Second.EntitySetID, pair.Second.EntityKeyID, latest[pair], now, now)
	}
	ub := ib.OnConflict("src_entity_set_id", "src_entity_key_id", "dst_entity_set_id", "dst_entity_key_id")
	ub.Set(
		ub.Assign("linked", database.Excluded("linked")),
		ub.Assign("updated_at", database.Excluded("updated_at")),
	)

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("pairs", len(order)).Error("Failed to add linking feedback")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to add linking feedback")
	}

	r.logger.WithContext(ctx).WithField("pairs", len(order)).Debug("Added linking feedback")
	return len(order), nil
}

// GetAllLinkingFeedbacks returns every feedback entry.
func (r *Repository) GetAllLinkingFeedbacks(ctx context.Context) ([]models.LinkingFeedback, error) {
	ctx, span := tracing.StartSpan(ctx, "feedback.Repository.GetAllLinkingFeedbacks")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(feedbackColumns...)
	sb.From(feedbackTable)
	sb.OrderBy("updated_at").Desc()

	feedbacks, err := r.selectFeedback(ctx, sb)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list linking feedback")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list linking feedback")
	}
	return feedbacks, nil
}

// GetLinkingFeedbacksForEntity returns every feedback entry involving key.
func (r *Repository) GetLinkingFeedbacksForEntity(ctx context.Context, key models.EntityDataKey) ([]models.LinkingFeedback, error) {
	ctx, span := tracing.StartSpan(ctx, "feedback.Repository.GetLinkingFeedbacksForEntity")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(feedbackColumns...)
	sb.From(feedbackTable)
	sb.Where(involves(sb, key))
	sb.OrderBy("updated_at").Desc()

	feedbacks, err := r.selectFeedback(ctx, sb)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("key", key.String()).Error("Failed to list linking feedback for entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list linking feedback")
	}
	return feedbacks, nil
}

// DeleteLinkingFeedback removes the feedback for pair and reports whether a row existed.
func (r *Repository) DeleteLinkingFeedback(ctx context.Context, pair models.EntityKeyPair) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "feedback.Repository.DeleteLinkingFeedback")
	defer span.End()

	pair = models.NewEntityKeyPair(pair.First, pair.Second)
	db := database.NewDeleteBuilder(feedbackTable)
	db.Where(
		db.Equal("src_entity_set_id", pair.First.EntitySetID),
		db.Equal("src_entity_key_id", pair.First.EntityKeyID),
		db.Equal("dst_entity_set_id", pair.Second.EntitySetID),
		db.Equal("dst_entity_key_id", pair.Second.EntityKeyID),
	)

	query, args := db.Build()
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("pair", pair.String()).Error("Failed to delete linking feedback")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete linking feedback")
	}
	deleted, _ := res.RowsAffected()
	return deleted > 0, nil
}
