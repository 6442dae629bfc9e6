package permission

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/linker/pkg/database"
	"github.com/Ramsey-B/linker/pkg/tracing"
)

// Read is the permission needed to see records and their property values.
const Read = "read"

// Repository reads object permissions granted to principals
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new permission repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// MissingReadAccess returns the objectIDs principal cannot read, in input order without duplicates.
func (r *Repository) MissingReadAccess(ctx context.Context, principal string, objectIDs []uuid.UUID) ([]uuid.UUID, error) {
	ctx, span := tracing.StartSpan(ctx, "permission.Repository.MissingReadAccess")
	defer span.End()

	if len(objectIDs) == 0 {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select("DISTINCT object_id")
	sb.From("permissions")
	sb.Where(
		sb.Equal("principal_id", principal),
		sb.Equal("permission", Read),
		sb.In("object_id", database.InValues(objectIDs)...),
	)

	query, args := sb.Build()
	var granted []uuid.UUID
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &granted, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("principal", principal).Error("Failed to check permissions")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to check permissions")
	}

	has := make(map[uuid.UUID]struct{}, len(granted))
	for _, id := range granted {
		has[id] = struct{}{}
	}
	var missing []uuid.UUID
	for _, id := range objectIDs {
		if _, ok := has[id]; ok {
			continue
		}
		has[id] = struct{}{}
		missing = append(missing, id)
	}
	return missing, nil
}
