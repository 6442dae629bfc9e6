// Package linking decides which cluster a candidate belongs to and commits the decision.
package linking

import (
	"context"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Ramsey-B/linker/pkg/matching"
	"github.com/Ramsey-B/linker/pkg/metrics"
	"github.com/Ramsey-B/linker/pkg/models"
	"github.com/Ramsey-B/linker/pkg/tracing"
)

// ErrNoCluster is returned by the feedback path when the candidate has no current cluster. Link
// recovers from it by running the standard path.
var ErrNoCluster = errors.New("candidate with positive feedback has no cluster")

const (
	OutcomeCreated  = "created"
	OutcomeMerged   = "merged"
	OutcomeFeedback = "feedback"
	OutcomeFailed   = "failed"
)

// Config holds engine configuration
type Config struct {
	// MinimumScore is the complete-link bar a cluster must strictly exceed to accept a candidate.
	MinimumScore float64
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{MinimumScore: 0.75}
}

// CommitResult describes one committed linking decision.
type CommitResult struct {
	Candidate  models.EntityDataKey
	LinkingID  uuid.UUID
	NewCluster bool
	Outcome    string
	Score      float64
	Additions  []models.EntityDataKey
	Removals   []models.EntityDataKey
	Snapshot   models.ClusterSnapshot
	Scores     models.ScoreMatrix
	// LeftCluster is the cluster the candidate was moved out of, uuid.Nil when it stayed put.
	LeftCluster uuid.UUID
}

// Engine links one candidate at a time. It is safe for concurrent use; per-cluster exclusion
// comes from the store's cluster locks.
type Engine struct {
	deps   Collaborators
	config Config
	logger ectologger.Logger
}

// NewEngine creates a new Engine
func NewEngine(deps Collaborators, config Config, logger ectologger.Logger) *Engine {
	if config.MinimumScore == 0 {
		config.MinimumScore = DefaultConfig().MinimumScore
	}
	return &Engine{
		deps:   deps,
		config: config,
		logger: logger,
	}
}

// Link clears the candidate's stale edges, then either re-matches its feedback-forced cluster or
// runs blocking and merges it into the best qualifying cluster, creating a new cluster when none
// qualifies. Any failure aborts the attempt; nothing is committed and the candidate is expected
// to be rediscovered.
func (e *Engine) Link(ctx context.Context, candidate models.EntityDataKey) (*CommitResult, error) {
	ctx, span := tracing.StartSpan(ctx, "linking.Engine.Link")
	defer span.End()

	start := time.Now()
	log := e.logger.WithContext(ctx).WithField("candidate", candidate.String())

	result, err := e.link(ctx, candidate)
	if err != nil {
		metrics.RecordLink(OutcomeFailed, time.Since(start))
		return nil, errors.Wrapf(err, "failed to link %s", candidate)
	}
	metrics.RecordLink(result.Outcome, time.Since(start))

	log.WithFields(map[string]any{
		"linking_id":  result.LinkingID.String(),
		"outcome":     result.Outcome,
		"score":       result.Score,
		"additions":   len(result.Additions),
		"removals":    len(result.Removals),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Info("Linked candidate")

	for _, l := range e.deps.Listeners {
		l.OnClusterCommitted(ctx, *result)
	}
	return result, nil
}

func (e *Engine) link(ctx context.Context, candidate models.EntityDataKey) (*CommitResult, error) {
	if err := e.clearNeighborhood(ctx, candidate); err != nil {
		return nil, err
	}

	hasPositive, err := e.deps.Feedback.HasFeedbacks(ctx, models.FeedbackTypePositive, candidate)
	if err != nil {
		return nil, errors.Wrap(err, "failed to check feedback")
	}
	if hasPositive {
		result, err := e.linkWithFeedback(ctx, candidate)
		if !errors.Is(err, ErrNoCluster) {
			return result, err
		}
		e.logger.WithContext(ctx).WithField("candidate", candidate.String()).
			Warn("Candidate with positive feedback has no cluster, falling back to standard linking")
	}
	return e.linkStandard(ctx, candidate)
}

// lockClusters locks ids together with the cluster the candidate is assigned to, so the
// candidate can leave that cluster under the same lock scope. The assignment returned is the one
// read after the locks are held.
func (e *Engine) lockClusters(ctx context.Context, candidate models.EntityDataKey, ids []uuid.UUID) (context.Context, ClusterTx, *uuid.UUID, error) {
	assigned, err := e.deps.Queries.GetLinkingID(ctx, candidate)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to read linking id")
	}
	lockIDs := append([]uuid.UUID(nil), ids...)
	if assigned != nil && !ectolinq.Contains(lockIDs, *assigned) {
		lockIDs = append(lockIDs, *assigned)
	}
	lockIDs = models.SortUUIDs(lockIDs)

	txCtx, tx, err := e.deps.Queries.LockClustersForUpdates(ctx, lockIDs)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "failed to lock clusters")
	}

	current, err := e.deps.Queries.GetLinkingID(txCtx, candidate)
	if err != nil {
		_ = tx.Rollback(ctx)
		return nil, nil, nil, errors.Wrap(err, "failed to read linking id")
	}
	if current != nil && !ectolinq.Contains(lockIDs, *current) {
		_ = tx.Rollback(ctx)
		return nil, nil, nil, errors.Errorf("candidate moved to unlocked cluster %s", *current)
	}
	return txCtx, tx, current, nil
}

// clearNeighborhood drops previously stored edges of the candidate, keeping the ones confirmed
// by positive feedback.
func (e *Engine) clearNeighborhood(ctx context.Context, candidate models.EntityDataKey) error {
	positives, err := e.deps.Feedback.GetLinkingFeedbackEntityKeyPairs(ctx, models.FeedbackTypePositive, candidate)
	if err != nil {
		return errors.Wrap(err, "failed to load positive feedback")
	}
	cleared, err := e.deps.Queries.DeleteNeighborhood(ctx, candidate, positives)
	if err != nil {
		return errors.Wrap(err, "failed to clear neighborhood")
	}
	e.logger.WithContext(ctx).WithFields(map[string]any{
		"candidate": candidate.String(),
		"cleared":   cleared,
		"kept":      len(positives),
	}).Debug("Cleared neighborhood")
	return nil
}

// linkWithFeedback re-matches the cluster the candidate already belongs to. It never creates a
// cluster and commits even when the recomputed score is below the bar.
func (e *Engine) linkWithFeedback(ctx context.Context, candidate models.EntityDataKey) (*CommitResult, error) {
	ctx, span := tracing.StartSpan(ctx, "linking.Engine.linkWithFeedback")
	defer span.End()

	clusters, err := e.deps.Queries.GetClustersForIDs(ctx, []models.EntityDataKey{candidate})
	if err != nil {
		return nil, errors.Wrap(err, "failed to load clusters")
	}
	if len(clusters) == 0 {
		return nil, ErrNoCluster
	}
	clusterID := sortedClusterIDs(clusters)[0]

	txCtx, tx, assigned, err := e.lockClusters(ctx, candidate, []uuid.UUID{clusterID})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// the read above only picked what to lock; score the membership as it is under the lock
	locked, err := e.deps.Queries.GetClustersForIDs(txCtx, []models.EntityDataKey{candidate})
	if err != nil {
		return nil, errors.Wrap(err, "failed to reload cluster")
	}
	stored, ok := locked[clusterID]
	if !ok {
		return nil, errors.Errorf("cluster %s no longer holds the candidate", clusterID)
	}

	scored, err := e.scoreCluster(txCtx, candidate, clusterID, stored)
	if err != nil {
		return nil, err
	}
	if scored.Score <= e.config.MinimumScore {
		metrics.FeedbackAnomalies.Inc()
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"candidate":     candidate.String(),
			"linking_id":    clusterID.String(),
			"score":         scored.Score,
			"minimum_score": e.config.MinimumScore,
		}).Error("Recalculated score of cluster with positive feedback did not pass minimum score")
	}

	left, err := e.leaveCluster(txCtx, candidate, assigned, clusterID)
	if err != nil {
		return nil, err
	}
	result, err := e.insertMatches(txCtx, clusterID, candidate, scored.Matrix, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(txCtx); err != nil {
		return nil, errors.Wrap(err, "failed to commit cluster")
	}
	result.LeftCluster = left
	result.Outcome = OutcomeFeedback
	result.Score = scored.Score
	return result, nil
}

// linkStandard blocks, prunes, evaluates every cluster touched by the pruned block and merges
// into the best one above the bar, or starts a new cluster.
func (e *Engine) linkStandard(ctx context.Context, candidate models.EntityDataKey) (*CommitResult, error) {
	ctx, span := tracing.StartSpan(ctx, "linking.Engine.linkStandard")
	defer span.End()

	log := e.logger.WithContext(ctx).WithField("candidate", candidate.String())

	start := time.Now()
	block, err := e.deps.Blocker.Block(ctx, candidate)
	if err != nil {
		return nil, errors.Wrap(err, "failed to block")
	}
	elem, ok := block.Entities[candidate]
	if !ok {
		return nil, errors.New("block does not contain the candidate")
	}
	log.WithFields(map[string]any{
		"block_size":  len(block.Entities),
		"blocking_ms": time.Since(start).Milliseconds(),
	}).Debug("Blocked candidate")

	initialized, err := e.deps.Matcher.Initialize(ctx, block)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize block")
	}

	survivors := initialized.Keys().Sorted()
	clusters, err := e.deps.Queries.GetClustersForIDs(ctx, survivors)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load clusters")
	}
	clusterIDs := sortedClusterIDs(clusters)

	txCtx, tx, assigned, err := e.lockClusters(ctx, candidate, clusterIDs)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	// another worker may have committed into these clusters before the locks were granted, so
	// membership is read again under the locks. Clusters that appeared meanwhile are not locked
	// and are left for the next attempt.
	locked, err := e.deps.Queries.GetClustersForIDs(txCtx, survivors)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reload clusters")
	}

	var best *models.ScoredCluster
	own := uuid.Nil
	for _, id := range clusterIDs {
		stored, ok := locked[id]
		if !ok {
			continue
		}
		// the candidate's own singleton is held only by its self edge and always scores 1.0, so
		// it is not a merge target; its id is reused when nothing else qualifies
		if isSingleton(stored, candidate) {
			own = id
			continue
		}
		scored, err := e.scoreCluster(txCtx, candidate, id, stored)
		if err != nil {
			return nil, err
		}
		if scored.Score > e.config.MinimumScore && (best == nil || scored.Score > best.Score) {
			best = scored
		}
	}

	var result *CommitResult
	var left uuid.UUID
	if best != nil {
		left, err = e.leaveCluster(txCtx, candidate, assigned, best.ClusterID)
		if err != nil {
			return nil, err
		}
		result, err = e.insertMatches(txCtx, best.ClusterID, candidate, best.Matrix, false)
		if err != nil {
			return nil, err
		}
		result.Outcome = OutcomeMerged
		result.Score = best.Score
	} else {
		linkingID, newCluster := own, false
		if own == uuid.Nil {
			ids, err := e.deps.IDs.ReserveLinkingIDs(txCtx, 1)
			if err != nil {
				return nil, errors.Wrap(err, "failed to reserve linking id")
			}
			if len(ids) == 0 {
				return nil, errors.New("no linking id reserved")
			}
			linkingID, newCluster = ids[0], true
		}
		left, err = e.leaveCluster(txCtx, candidate, assigned, linkingID)
		if err != nil {
			return nil, err
		}
		single := models.NewBlock(candidate, map[models.EntityDataKey]models.RawProperties{candidate: elem})
		scores, err := e.deps.Matcher.Match(txCtx, single)
		if err != nil {
			return nil, errors.Wrap(err, "failed to match new cluster")
		}
		result, err = e.insertMatches(txCtx, linkingID, candidate, scores, newCluster)
		if err != nil {
			return nil, err
		}
		result.Outcome = OutcomeCreated
		result.Score = matching.CompleteLinkCluster(scores)
	}

	if err := tx.Commit(txCtx); err != nil {
		return nil, errors.Wrap(err, "failed to commit cluster")
	}
	result.LeftCluster = left
	log.WithFields(map[string]any{
		"clusters_evaluated": len(clusterIDs),
		"linking_id":         result.LinkingID.String(),
	}).Debug("Committed standard linking decision")
	return result, nil
}

// scoreCluster reloads the cluster's members plus the candidate, matches them pairwise and
// scores the result by complete link.
func (e *Engine) scoreCluster(ctx context.Context, candidate models.EntityDataKey, clusterID uuid.UUID, stored models.ScoreMatrix) (*models.ScoredCluster, error) {
	keys := stored.Keys()
	keys.Add(candidate)

	entities, err := e.deps.Loader.GetEntities(ctx, keys.Sorted())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load members of cluster %s", clusterID)
	}
	matched, err := e.deps.Matcher.Match(ctx, models.NewBlock(candidate, entities))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to match cluster %s", clusterID)
	}

	score := matching.CompleteLinkCluster(matched)
	metrics.ClusterScores.Observe(score)
	return &models.ScoredCluster{ClusterID: clusterID, Matrix: matched, Score: score}, nil
}

func isSingleton(stored models.ScoreMatrix, candidate models.EntityDataKey) bool {
	keys := stored.Keys()
	return len(keys) == 1 && keys.Contains(candidate)
}

func sortedClusterIDs(clusters map[uuid.UUID]models.ScoreMatrix) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(clusters))
	for id := range clusters {
		ids = append(ids, id)
	}
	return models.SortUUIDs(ids)
}
