// Package linking persists clusters: pairwise match scores, current membership and the
// per-record linking id.
package linking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/linker/pkg/database"
	"github.com/Ramsey-B/linker/pkg/linking"
	"github.com/Ramsey-B/linker/pkg/models"
	"github.com/Ramsey-B/linker/pkg/tracing"
)

const (
	matchedEntitiesTable = "matched_entities"
	linksTable           = "links"
	entityDataTable      = "entity_data"
	entitySetsTable      = "entity_sets"
)

// needsLinking selects entity_data rows written since they were last linked.
const needsLinking = "(last_link IS NULL OR last_link < last_write)"

// Repository handles cluster persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new linking repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type matchRow struct {
	LinkingID      uuid.UUID `db:"linking_id"`
	SrcEntitySetID uuid.UUID `db:"src_entity_set_id"`
	SrcEntityKeyID uuid.UUID `db:"src_entity_key_id"`
	DstEntitySetID uuid.UUID `db:"dst_entity_set_id"`
	DstEntityKeyID uuid.UUID `db:"dst_entity_key_id"`
	Score          float64   `db:"score"`
}

func (r matchRow) toModel() models.MatchScore {
	return models.MatchScore{
		Src:   models.NewEntityDataKey(r.SrcEntitySetID, r.SrcEntityKeyID),
		Dst:   models.NewEntityDataKey(r.DstEntitySetID, r.DstEntityKeyID),
		Score: r.Score,
	}
}

// GetClustersForIDs loads the full score matrix of every cluster that has an edge touching any
// of keys.
func (r *Repository) GetClustersForIDs(ctx context.Context, keys []models.EntityDataKey) (map[uuid.UUID]models.ScoreMatrix, error) {
	ctx, span := tracing.StartSpan(ctx, "linking.Repository.GetClustersForIDs")
	defer span.End()

	clusters := make(map[uuid.UUID]models.ScoreMatrix)
	if len(keys) == 0 {
		return clusters, nil
	}

	esids, ekids := models.SplitKeys(keys)
	query := `SELECT linking_id, src_entity_set_id, src_entity_key_id, dst_entity_set_id, dst_entity_key_id, score
		FROM matched_entities
		WHERE linking_id IN (
			SELECT m.linking_id FROM matched_entities m
			JOIN unnest($1::uuid[], $2::uuid[]) AS k(esid, ekid)
				ON (m.src_entity_set_id = k.esid AND m.src_entity_key_id = k.ekid)
				OR (m.dst_entity_set_id = k.esid AND m.dst_entity_key_id = k.ekid)
		)`

	var rows []matchRow
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &rows, query, database.UUIDArray(esids), database.UUIDArray(ekids)); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("keys", len(keys)).Error("Failed to get clusters for ids")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get clusters")
	}

	for _, row := range rows {
		matrix, ok := clusters[row.LinkingID]
		if !ok {
			matrix = make(models.ScoreMatrix)
			clusters[row.LinkingID] = matrix
		}
		edge := row.toModel()
		matrix.Set(edge.Src, edge.Dst, edge.Score)
	}
	return clusters, nil
}

// LockClustersForUpdates opens a transaction and takes a transaction scoped advisory lock per
// cluster id, in sorted order so that concurrent workers cannot deadlock. The locks are released
// when the returned transaction commits or rolls back.
func (r *Repository) LockClustersForUpdates(ctx context.Context, clusterIDs []uuid.UUID) (context.Context, linking.ClusterTx, error) {
	ctx, span := tracing.StartSpan(ctx, "linking.Repository.LockClustersForUpdates")
	defer span.End()

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return ctx, nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to begin cluster transaction")
	}

	ids := models.SortUUIDs(append([]uuid.UUID(nil), clusterIDs...))
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", id.String()); err != nil {
			_ = tx.Rollback(ctx)
			r.logger.WithContext(ctx).WithError(err).WithField("linking_id", id.String()).Error("Failed to lock cluster")
			return ctx, nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to lock clusters")
		}
	}
	return ctx, tx, nil
}

// DeleteNeighborhood removes every stored edge touching key unless its other end is one of
// exceptions. The self edge is kept: it is what ties a record to its cluster when it has no
// other edge, so a re-linked singleton finds its own linking id again.
func (r *Repository) DeleteNeighborhood(ctx context.Context, key models.EntityDataKey, exceptions []models.EntityDataKey) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "linking.Repository.DeleteNeighborhood")
	defer span.End()

	esids, ekids := models.SplitKeys(exceptions)
	query := `DELETE FROM matched_entities
		WHERE ((src_entity_set_id = $1 AND src_entity_key_id = $2) OR (dst_entity_set_id = $1 AND dst_entity_key_id = $2))
		AND NOT (src_entity_set_id = $1 AND src_entity_key_id = $2 AND dst_entity_set_id = $1 AND dst_entity_key_id = $2)
		AND NOT EXISTS (
			SELECT 1 FROM unnest($3::uuid[], $4::uuid[]) AS ex(esid, ekid)
			WHERE (ex.esid = src_entity_set_id AND ex.ekid = src_entity_key_id)
				OR (ex.esid = dst_entity_set_id AND ex.ekid = dst_entity_key_id)
		)`

	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, key.EntitySetID, key.EntityKeyID, database.UUIDArray(esids), database.UUIDArray(ekids))
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("key", key.String()).Error("Failed to delete neighborhood")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete neighborhood")
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}

// InsertMatchScores upserts every edge of scores under linkingID. Edges are stored once per
// unordered pair.
func (r *Repository) InsertMatchScores(ctx context.Context, linkingID uuid.UUID, scores models.ScoreMatrix) error {
	ctx, span := tracing.StartSpan(ctx, "linking.Repository.InsertMatchScores")
	defer span.End()

	pairs := make(map[models.EntityKeyPair]float64)
	for _, edge := range scores.Edges() {
		pairs[models.NewEntityKeyPair(edge.Src, edge.Dst)] = edge.Score
	}
	if len(pairs) == 0 {
		return nil
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(matchedEntitiesTable)
	ib.Cols("linking_id", "src_entity_set_id", "src_entity_key_id", "dst_entity_set_id", "dst_entity_key_id", "score")
	for pair, score := range pairs {
		ib.Values(linkingID, pair.First.EntitySetID, pair.First.EntityKeyID, pair.Second.EntitySetID, pair.Second.EntityKeyID, score)
	}
	ub := ib.OnConflict("src_entity_set_id", "src_entity_key_id", "dst_entity_set_id", "dst_entity_key_id")
	ub.Set(
		ub.Assign("linking_id", database.Excluded("linking_id")),
		ub.Assign("score", database.Excluded("score")),
	)

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"linking_id": linkingID.String(),
			"edges":      len(pairs),
		}).Error("Failed to insert match scores")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert match scores")
	}
	return nil
}

// UpdateIDsTable assigns linkingID to key and marks it linked as of the transaction start, so a
// write that lands while the transaction is open leaves the record needing linking again.
func (r *Repository) UpdateIDsTable(ctx context.Context, linkingID uuid.UUID, key models.EntityDataKey) error {
	ctx, span := tracing.StartSpan(ctx, "linking.Repository.UpdateIDsTable")
	defer span.End()

	ub := database.NewUpdateBuilder(entityDataTable)
	ub.Set(
		ub.Assign("linking_id", linkingID),
		ub.Assign("last_link", sqlbuilder.Raw("transaction_timestamp()")),
	)
	ub.Where(
		ub.Equal("entity_set_id", key.EntitySetID),
		ub.Equal("entity_key_id", key.EntityKeyID),
	)

	query, args := ub.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"linking_id": linkingID.String(),
			"key":        key.String(),
		}).Error("Failed to update linking id")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update linking id")
	}
	return nil
}

// CreateOrUpdateLink writes the full membership of a cluster.
func (r *Repository) CreateOrUpdateLink(ctx context.Context, linkingID uuid.UUID, snapshot models.ClusterSnapshot) error {
	ctx, span := tracing.StartSpan(ctx, "linking.Repository.CreateOrUpdateLink")
	defer span.End()

	return r.upsertLinks(ctx, linkingID, snapshot.Keys().Sorted())
}

// CreateLinks adds members to a cluster, reviving tombstoned members.
func (r *Repository) CreateLinks(ctx context.Context, linkingID uuid.UUID, keys []models.EntityDataKey) error {
	ctx, span := tracing.StartSpan(ctx, "linking.Repository.CreateLinks")
	defer span.End()

	return r.upsertLinks(ctx, linkingID, keys)
}

func (r *Repository) upsertLinks(ctx context.Context, linkingID uuid.UUID, keys []models.EntityDataKey) error {
	if len(keys) == 0 {
		return nil
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(linksTable)
	ib.Cols("linking_id", "entity_set_id", "entity_key_id")
	for _, k := range keys {
		ib.Values(linkingID, k.EntitySetID, k.EntityKeyID)
	}
	ub := ib.OnConflict("linking_id", "entity_set_id", "entity_key_id")
	ub.Set(
		ub.Assign("tombstoned_at", nil),
		ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
	)

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"linking_id": linkingID.String(),
			"members":    len(keys),
		}).Error("Failed to create links")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create links")
	}
	return nil
}

// TombstoneLinks marks members as removed from a cluster. Their entity_data rows lose the
// linking id and are marked as needing linking so discovery picks them up again.
func (r *Repository) TombstoneLinks(ctx context.Context, linkingID uuid.UUID, keys []models.EntityDataKey) error {
	ctx, span := tracing.StartSpan(ctx, "linking.Repository.TombstoneLinks")
	defer span.End()

	if len(keys) == 0 {
		return nil
	}

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"linking_id": linkingID.String(),
		"members":    len(keys),
	})
	esids, ekids := models.SplitKeys(keys)
	conn := database.Conn(ctx, r.db)

	tombstone := `UPDATE links SET tombstoned_at = NOW(), updated_at = NOW()
		FROM unnest($2::uuid[], $3::uuid[]) AS k(esid, ekid)
		WHERE links.linking_id = $1 AND links.entity_set_id = k.esid AND links.entity_key_id = k.ekid
		AND links.tombstoned_at IS NULL`
	if _, err := conn.ExecContext(ctx, tombstone, linkingID, database.UUIDArray(esids), database.UUIDArray(ekids)); err != nil {
		log.WithError(err).Error("Failed to tombstone links")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to tombstone links")
	}

	unlink := `UPDATE entity_data SET linking_id = NULL, last_link = NULL
		FROM unnest($2::uuid[], $3::uuid[]) AS k(esid, ekid)
		WHERE entity_data.linking_id = $1 AND entity_data.entity_set_id = k.esid AND entity_data.entity_key_id = k.ekid`
	if _, err := conn.ExecContext(ctx, unlink, linkingID, database.UUIDArray(esids), database.UUIDArray(ekids)); err != nil {
		log.WithError(err).Error("Failed to reset linking ids of removed members")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to tombstone links")
	}
	return nil
}

// GetLinkableEntitySets returns the ids of sets of the given types that are not produced by
// linking and are not blacklisted.
func (r *Repository) GetLinkableEntitySets(ctx context.Context, entityTypeIDs, blacklist []uuid.UUID) ([]uuid.UUID, error) {
	ctx, span := tracing.StartSpan(ctx, "linking.Repository.GetLinkableEntitySets")
	defer span.End()

	if len(entityTypeIDs) == 0 {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select("id")
	sb.From(entitySetsTable)
	sb.Where(
		sb.In("entity_type_id", database.InValues(entityTypeIDs)...),
		fmt.Sprintf("NOT (%s = ANY(flags))", sb.Var(models.EntitySetFlagLinking)),
	)
	if len(blacklist) > 0 {
		sb.Where(sb.NotIn("id", database.InValues(blacklist)...))
	}
	sb.OrderBy("id")

	query, args := sb.Build()
	var ids []uuid.UUID
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &ids, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get linkable entity sets")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get linkable entity sets")
	}
	return ids, nil
}

// GetEntitiesNeedingLinking pages the oldest unlinked writes of one entity set.
func (r *Repository) GetEntitiesNeedingLinking(ctx context.Context, entitySetID uuid.UUID, limit int) ([]models.EntityDataKey, error) {
	ctx, span := tracing.StartSpan(ctx, "linking.Repository.GetEntitiesNeedingLinking")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("entity_set_id", "entity_key_id")
	sb.From(entityDataTable)
	sb.Where(
		sb.Equal("entity_set_id", entitySetID),
		needsLinking,
	)
	sb.OrderBy("last_write")
	sb.Limit(limit)

	query, args := sb.Build()
	var keys []models.EntityDataKey
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &keys, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("entity_set_id", entitySetID.String()).Error("Failed to get entities needing linking")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get entities needing linking")
	}
	return keys, nil
}

// GetEntitySetsNeedingLinking returns the subset of entitySetIDs that still hold unlinked writes.
func (r *Repository) GetEntitySetsNeedingLinking(ctx context.Context, entitySetIDs []uuid.UUID) ([]uuid.UUID, error) {
	ctx, span := tracing.StartSpan(ctx, "linking.Repository.GetEntitySetsNeedingLinking")
	defer span.End()

	counts, err := r.GetEntitiesNeedingLinkingCounts(ctx, entitySetIDs)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(counts))
	for _, c := range counts {
		ids = append(ids, c.EntitySetID)
	}
	return ids, nil
}

// GetEntitiesNeedingLinkingCounts counts unlinked writes per set. Sets with nothing pending are
// omitted.
func (r *Repository) GetEntitiesNeedingLinkingCounts(ctx context.Context, entitySetIDs []uuid.UUID) ([]models.EntitySetLinkingCount, error) {
	ctx, span := tracing.StartSpan(ctx, "linking.Repository.GetEntitiesNeedingLinkingCounts")
	defer span.End()

	if len(entitySetIDs) == 0 {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select("entity_set_id", "COUNT(*) AS count")
	sb.From(entityDataTable)
	sb.Where(
		sb.In("entity_set_id", database.InValues(entitySetIDs)...),
		needsLinking,
	)
	sb.GroupBy("entity_set_id")
	sb.OrderBy("entity_set_id")

	query, args := sb.Build()
	var counts []models.EntitySetLinkingCount
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &counts, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count entities needing linking")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count entities needing linking")
	}
	return counts, nil
}

// GetMatchedPairs returns the stored edges of one cluster in canonical order.
func (r *Repository) GetMatchedPairs(ctx context.Context, linkingID uuid.UUID) ([]models.MatchScore, error) {
	ctx, span := tracing.StartSpan(ctx, "linking.Repository.GetMatchedPairs")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("linking_id", "src_entity_set_id", "src_entity_key_id", "dst_entity_set_id", "dst_entity_key_id", "score")
	sb.From(matchedEntitiesTable)
	sb.Where(sb.Equal("linking_id", linkingID))
	sb.OrderBy("src_entity_set_id", "src_entity_key_id", "dst_entity_set_id", "dst_entity_key_id")

	query, args := sb.Build()
	var rows []matchRow
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("linking_id", linkingID.String()).Error("Failed to get matched pairs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get matched pairs")
	}

	pairs := make([]models.MatchScore, len(rows))
	for i, row := range rows {
		pairs[i] = row.toModel()
	}
	return pairs, nil
}

// GetLinkingID returns the cluster key currently belongs to, or nil when it is unlinked.
func (r *Repository) GetLinkingID(ctx context.Context, key models.EntityDataKey) (*uuid.UUID, error) {
	ctx, span := tracing.StartSpan(ctx, "linking.Repository.GetLinkingID")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("linking_id")
	sb.From(entityDataTable)
	sb.Where(
		sb.Equal("entity_set_id", key.EntitySetID),
		sb.Equal("entity_key_id", key.EntityKeyID),
	)

	query, args := sb.Build()
	var linkingID uuid.NullUUID
	if err := database.Conn(ctx, r.db).GetContext(ctx, &linkingID, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("entity %s not found", key))
		}
		r.logger.WithContext(ctx).WithError(err).WithField("key", key.String()).Error("Failed to get linking id")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get linking id")
	}
	if !linkingID.Valid {
		return nil, nil
	}
	return &linkingID.UUID, nil
}
