package linking

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Ramsey-B/linker/pkg/models"
	"github.com/Ramsey-B/linker/pkg/tracing"
)

// insertMatches persists scores and the candidate's assignment, then reconciles the cluster's
// links against the last logged snapshot. Only the set difference is written: additions become
// links and removals become tombstones. A fresh snapshot is always logged so the next diff has
// a baseline, even when nothing changed.
func (e *Engine) insertMatches(ctx context.Context, linkingID uuid.UUID, newMember models.EntityDataKey, scores models.ScoreMatrix, newCluster bool) (*CommitResult, error) {
	ctx, span := tracing.StartSpan(ctx, "linking.Engine.insertMatches")
	defer span.End()

	q := e.deps.Queries
	if err := q.InsertMatchScores(ctx, linkingID, scores); err != nil {
		return nil, errors.Wrap(err, "failed to insert match scores")
	}
	if err := q.UpdateIDsTable(ctx, linkingID, newMember); err != nil {
		return nil, errors.Wrap(err, "failed to update linking id")
	}

	previous := make(models.ClusterSnapshot)
	if !newCluster {
		latest, err := e.deps.LinkLog.ReadLatestLinkLog(ctx, linkingID)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read link log")
		}
		if latest != nil {
			previous = latest
		}
	}

	members := scores.Keys()
	members.Add(newMember)
	snapshot := models.SnapshotFromKeys(members)
	additions, removals := snapshot.Diff(previous)

	if newCluster {
		if err := q.CreateOrUpdateLink(ctx, linkingID, snapshot); err != nil {
			return nil, errors.Wrap(err, "failed to create links")
		}
	} else {
		if len(additions) > 0 {
			if err := q.CreateLinks(ctx, linkingID, additions); err != nil {
				return nil, errors.Wrap(err, "failed to create links")
			}
		}
		if len(removals) > 0 {
			if err := q.TombstoneLinks(ctx, linkingID, removals); err != nil {
				return nil, errors.Wrap(err, "failed to tombstone links")
			}
		}
	}

	if err := e.deps.LinkLog.CreateOrUpdateCluster(ctx, linkingID, snapshot, newCluster); err != nil {
		return nil, errors.Wrap(err, "failed to write link log")
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"linking_id":  linkingID.String(),
		"new_cluster": newCluster,
		"members":     snapshot.Size(),
		"additions":   len(additions),
		"removals":    len(removals),
	}).Debug("Inserted matches")

	return &CommitResult{
		Candidate:  newMember,
		LinkingID:  linkingID,
		NewCluster: newCluster,
		Additions:  additions,
		Removals:   removals,
		Snapshot:   snapshot,
		Scores:     scores,
	}, nil
}

// leaveCluster takes the candidate out of the cluster it was assigned to when the decision puts
// it somewhere else. The old cluster gets a tombstone for the candidate and a fresh snapshot
// without it, so its next diff starts from the right baseline. Both clusters must be locked.
func (e *Engine) leaveCluster(ctx context.Context, candidate models.EntityDataKey, previous *uuid.UUID, target uuid.UUID) (uuid.UUID, error) {
	if previous == nil || *previous == target {
		return uuid.Nil, nil
	}
	ctx, span := tracing.StartSpan(ctx, "linking.Engine.leaveCluster")
	defer span.End()

	latest, err := e.deps.LinkLog.ReadLatestLinkLog(ctx, *previous)
	if err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to read link log of previous cluster")
	}
	remaining := make(models.ClusterSnapshot)
	for k := range latest.Keys() {
		if k != candidate {
			remaining.Add(k)
		}
	}

	if err := e.deps.Queries.TombstoneLinks(ctx, *previous, []models.EntityDataKey{candidate}); err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to tombstone link in previous cluster")
	}
	if err := e.deps.LinkLog.CreateOrUpdateCluster(ctx, *previous, remaining, false); err != nil {
		return uuid.Nil, errors.Wrap(err, "failed to write link log of previous cluster")
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"candidate":    candidate.String(),
		"from_cluster": previous.String(),
		"to_cluster":   target.String(),
		"remaining":    remaining.Size(),
	}).Debug("Moved candidate out of previous cluster")
	return *previous, nil
}
