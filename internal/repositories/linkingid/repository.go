package linkingid

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/linker/pkg/database"
	"github.com/Ramsey-B/linker/pkg/tracing"
)

// Repository reserves linking ids
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new linking id repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// ReserveLinkingIDs allocates count time ordered ids and records them as reserved.
func (r *Repository) ReserveLinkingIDs(ctx context.Context, count int) ([]uuid.UUID, error) {
	ctx, span := tracing.StartSpan(ctx, "linkingid.Repository.ReserveLinkingIDs")
	defer span.End()

	if count <= 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, count)
	ib := database.NewInsertBuilder()
	ib.InsertInto("linking_ids")
	ib.Cols("id")
	for i := range ids {
		id, err := uuid.NewV7()
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to generate linking id")
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to reserve linking ids")
		}
		ids[i] = id
		ib.Values(id)
	}

	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("count", count).Error("Failed to reserve linking ids")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to reserve linking ids")
	}
	return ids, nil
}
