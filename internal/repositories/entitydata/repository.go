// Package entitydata stores the raw property values of every record and the entity set metadata
// discovery needs.
package entitydata

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/Ramsey-B/linker/pkg/database"
	"github.com/Ramsey-B/linker/pkg/models"
	"github.com/Ramsey-B/linker/pkg/tracing"
)

const (
	entityDataTable = "entity_data"
	entitySetsTable = "entity_sets"
)

// Repository handles record property persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new entity data repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type entityRow struct {
	EntitySetID uuid.UUID                        `db:"entity_set_id"`
	EntityKeyID uuid.UUID                        `db:"entity_key_id"`
	Properties  database.JSONB[map[string][]any] `db:"properties"`
}

// GetEntities loads raw properties for keys. Keys without a row are absent from the result.
func (r *Repository) GetEntities(ctx context.Context, keys []models.EntityDataKey) (map[models.EntityDataKey]models.RawProperties, error) {
	ctx, span := tracing.StartSpan(ctx, "entitydata.Repository.GetEntities")
	defer span.End()

	out := make(map[models.EntityDataKey]models.RawProperties, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	log := r.logger.WithContext(ctx).WithField("keys", len(keys))
	esids, ekids := models.SplitKeys(keys)
	query := `SELECT d.entity_set_id, d.entity_key_id, d.properties
		FROM entity_data d
		JOIN unnest($1::uuid[], $2::uuid[]) AS k(esid, ekid)
			ON d.entity_set_id = k.esid AND d.entity_key_id = k.ekid`

	var rows []entityRow
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &rows, query, database.UUIDArray(esids), database.UUIDArray(ekids)); err != nil {
		log.WithError(err).Error("Failed to load entities")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to load entities")
	}

	for _, row := range rows {
		props := make(models.RawProperties, len(row.Properties.Data))
		for ptid, values := range row.Properties.Data {
			id, err := uuid.Parse(ptid)
			if err != nil {
				log.WithError(err).WithField("property_type_id", ptid).Warn("Skipping property with an invalid type id")
				continue
			}
			props[id] = values
		}
		out[models.NewEntityDataKey(row.EntitySetID, row.EntityKeyID)] = props
	}
	return out, nil
}

// UpsertProperties replaces a record's properties and marks it as written now, which makes it
// eligible for linking.
func (r *Repository) UpsertProperties(ctx context.Context, key models.EntityDataKey, props models.RawProperties) error {
	ctx, span := tracing.StartSpan(ctx, "entitydata.Repository.UpsertProperties")
	defer span.End()

	stored := make(map[string][]any, len(props))
	for ptid, values := range props {
		stored[ptid.String()] = values
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(entityDataTable)
	ib.Cols("entity_set_id", "entity_key_id", "properties", "last_write")
	ib.Values(key.EntitySetID, key.EntityKeyID, database.NewJSONB(stored), sqlbuilder.Raw("NOW()"))
	ub := ib.OnConflict("entity_set_id", "entity_key_id")
	ub.Set(
		ub.Assign("properties", database.Excluded("properties")),
		ub.Assign("last_write", database.Excluded("last_write")),
	)

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("key", key.String()).Error("Failed to upsert entity properties")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert entity properties")
	}
	return nil
}

// EnsureEntitySet registers an entity set the first time a record of it is seen. Existing sets
// are left untouched.
func (r *Repository) EnsureEntitySet(ctx context.Context, set models.EntitySet) error {
	ctx, span := tracing.StartSpan(ctx, "entitydata.Repository.EnsureEntitySet")
	defer span.End()

	flags := pq.StringArray{}
	if set.IsLinking {
		flags = append(flags, models.EntitySetFlagLinking)
	}
	name := set.Name
	if name == "" {
		name = set.ID.String()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(entitySetsTable)
	ib.Cols("id", "name", "entity_type_id", "flags")
	ib.Values(set.ID, name, set.EntityTypeID, flags)
	ib.OnConflictDoNothing()

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("entity_set_id", set.ID.String()).Error("Failed to register entity set")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to register entity set")
	}
	return nil
}
