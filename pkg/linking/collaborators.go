package linking

import (
	"context"

	"github.com/google/uuid"

	"github.com/Ramsey-B/linker/pkg/models"
)

// Blocker proposes the records near a candidate. The returned block holds the candidate as its
// focal record.
type Blocker interface {
	Block(ctx context.Context, key models.EntityDataKey) (models.Block, error)
}

// DataLoader fetches raw properties in bulk. Unknown keys are absent from the result.
type DataLoader interface {
	GetEntities(ctx context.Context, keys []models.EntityDataKey) (map[models.EntityDataKey]models.RawProperties, error)
}

// ClusterTx scopes the cluster locks taken by LockClustersForUpdates. Rollback after Commit is a
// no-op, so it is safe to defer.
type ClusterTx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// QueryService is the durable cluster store. Write methods called with the context returned by
// LockClustersForUpdates run inside the locked transaction.
type QueryService interface {
	// GetClustersForIDs returns the stored score matrix of every cluster containing any of keys.
	GetClustersForIDs(ctx context.Context, keys []models.EntityDataKey) (map[uuid.UUID]models.ScoreMatrix, error)
	// LockClustersForUpdates blocks until every id is locked. Ids are locked in sorted order.
	LockClustersForUpdates(ctx context.Context, clusterIDs []uuid.UUID) (context.Context, ClusterTx, error)
	// GetLinkingID returns the cluster key is currently assigned to, nil when unassigned.
	GetLinkingID(ctx context.Context, key models.EntityDataKey) (*uuid.UUID, error)
	// DeleteNeighborhood removes stored edges touching key except those to exceptions and the
	// self edge.
	DeleteNeighborhood(ctx context.Context, key models.EntityDataKey, exceptions []models.EntityDataKey) (int64, error)
	InsertMatchScores(ctx context.Context, linkingID uuid.UUID, scores models.ScoreMatrix) error
	UpdateIDsTable(ctx context.Context, linkingID uuid.UUID, key models.EntityDataKey) error
	CreateOrUpdateLink(ctx context.Context, linkingID uuid.UUID, snapshot models.ClusterSnapshot) error
	CreateLinks(ctx context.Context, linkingID uuid.UUID, keys []models.EntityDataKey) error
	TombstoneLinks(ctx context.Context, linkingID uuid.UUID, keys []models.EntityDataKey) error
}

// LinkLog keeps the versioned membership snapshots used as the diff baseline.
type LinkLog interface {
	// ReadLatestLinkLog returns an empty snapshot for a cluster without history.
	ReadLatestLinkLog(ctx context.Context, linkingID uuid.UUID) (models.ClusterSnapshot, error)
	CreateOrUpdateCluster(ctx context.Context, linkingID uuid.UUID, snapshot models.ClusterSnapshot, newCluster bool) error
}

// IDReserver allocates fresh linking ids.
type IDReserver interface {
	ReserveLinkingIDs(ctx context.Context, count int) ([]uuid.UUID, error)
}

// FeedbackStore is the part of the feedback store the engine reads.
type FeedbackStore interface {
	HasFeedbacks(ctx context.Context, kind models.FeedbackType, key models.EntityDataKey) (bool, error)
	GetLinkingFeedbackEntityKeyPairs(ctx context.Context, kind models.FeedbackType, key models.EntityDataKey) ([]models.EntityDataKey, error)
}

// Matcher scores blocks.
type Matcher interface {
	Initialize(ctx context.Context, block models.Block) (models.ScoreMatrix, error)
	Match(ctx context.Context, block models.Block) (models.ScoreMatrix, error)
}

// ClusterListener is told about every committed cluster after the transaction commits.
// Listener failures are logged by the listener and never undo the commit.
type ClusterListener interface {
	OnClusterCommitted(ctx context.Context, result CommitResult)
}

// Collaborators groups the engine's dependencies.
type Collaborators struct {
	Blocker   Blocker
	Loader    DataLoader
	Queries   QueryService
	LinkLog   LinkLog
	IDs       IDReserver
	Feedback  FeedbackStore
	Matcher   Matcher
	Listeners []ClusterListener
}
