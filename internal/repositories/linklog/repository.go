package linklog

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/linker/pkg/database"
	"github.com/Ramsey-B/linker/pkg/models"
	"github.com/Ramsey-B/linker/pkg/tracing"
)

// Repository appends versioned cluster membership snapshots
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new link log repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// ReadLatestLinkLog returns the newest snapshot of a cluster, or an empty snapshot when it has
// none.
func (r *Repository) ReadLatestLinkLog(ctx context.Context, linkingID uuid.UUID) (models.ClusterSnapshot, error) {
	ctx, span := tracing.StartSpan(ctx, "linklog.Repository.ReadLatestLinkLog")
	defer span.End()

	log := r.logger.WithContext(ctx).WithField("linking_id", linkingID.String())

	sb := database.NewSelectBuilder()
	sb.Select("members")
	sb.From("link_log")
	sb.Where(sb.Equal("linking_id", linkingID))
	sb.OrderBy("version").Desc()
	sb.Limit(1)

	query, args := sb.Build()
	var members database.JSONB[map[string][]string]
	if err := database.Conn(ctx, r.db).GetContext(ctx, &members, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return make(models.ClusterSnapshot), nil
		}
		log.WithError(err).Error("Failed to read link log")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read link log")
	}

	snapshot, err := models.SnapshotFromMap(members.GetValue())
	if err != nil {
		log.WithError(err).Error("Link log holds an invalid snapshot")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to read link log")
	}
	return snapshot, nil
}

// CreateOrUpdateCluster appends snapshot as the next version of the cluster's log.
func (r *Repository) CreateOrUpdateCluster(ctx context.Context, linkingID uuid.UUID, snapshot models.ClusterSnapshot, newCluster bool) error {
	ctx, span := tracing.StartSpan(ctx, "linklog.Repository.CreateOrUpdateCluster")
	defer span.End()

	query := `INSERT INTO link_log (linking_id, version, members, new_cluster)
		SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3 FROM link_log WHERE linking_id = $1`

	members := database.NewJSONB(snapshot.ToMap())
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, linkingID, members, newCluster); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"linking_id":  linkingID.String(),
			"members":     snapshot.Size(),
			"new_cluster": newCluster,
		}).Error("Failed to write link log")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to write link log")
	}
	return nil
}
