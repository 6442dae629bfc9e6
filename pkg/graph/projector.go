package graph

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/linker/pkg/linking"
	"github.com/Ramsey-B/linker/pkg/models"
	"github.com/Ramsey-B/linker/pkg/tracing"
)

// Writer runs graph write transactions
type Writer interface {
	ExecuteWrite(ctx context.Context, work func(tx neo4j.ManagedTransaction) (any, error)) (any, error)
	ExecuteRead(ctx context.Context, work func(tx neo4j.ManagedTransaction) (any, error)) (any, error)
}

// ClusterProjector mirrors committed clusters as (:Record)-[:MEMBER_OF]->(:Cluster) with
// [:MATCHES {score}] edges between records. The relational store stays the source of truth; the
// graph is a read model that is brought up to date on the next commit of the cluster.
type ClusterProjector struct {
	client Writer
	logger ectologger.Logger
}

// NewClusterProjector creates a new ClusterProjector
func NewClusterProjector(client Writer, logger ectologger.Logger) *ClusterProjector {
	return &ClusterProjector{
		client: client,
		logger: logger,
	}
}

const upsertClusterCypher = `
	MERGE (c:Cluster {linking_id: $linking_id})
	SET c.size = $size, c.score = $score, c.updated_at = $updated_at
	WITH c
	UNWIND $members AS member
	MERGE (r:Record {key: member.key})
	SET r.entity_set_id = member.entity_set_id, r.entity_key_id = member.entity_key_id
	MERGE (r)-[:MEMBER_OF]->(c)
	WITH r, c
	OPTIONAL MATCH (r)-[old:MEMBER_OF]->(other:Cluster)
	WHERE other.linking_id <> c.linking_id
	DELETE old
`

const removeMembersCypher = `
	UNWIND $removals AS key
	MATCH (r:Record {key: key})-[m:MEMBER_OF]->(:Cluster {linking_id: $linking_id})
	DELETE m
`

const upsertMatchesCypher = `
	UNWIND $edges AS edge
	MATCH (a:Record {key: edge.src}), (b:Record {key: edge.dst})
	MERGE (a)-[s:MATCHES]->(b)
	SET s.score = edge.score, s.linking_id = $linking_id
`

// OnClusterCommitted projects the committed cluster. Failures are logged and do not affect the
// commit.
func (p *ClusterProjector) OnClusterCommitted(ctx context.Context, result linking.CommitResult) {
	ctx, span := tracing.StartSpan(ctx, "graph.ClusterProjector.OnClusterCommitted")
	defer span.End()

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"linking_id": result.LinkingID.String(),
		"members":    result.Snapshot.Size(),
	})

	params := ProjectionParams(result)
	_, err := p.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, cypher := range []string{upsertClusterCypher, removeMembersCypher, upsertMatchesCypher} {
			res, err := tx.Run(ctx, cypher, params)
			if err != nil {
				return nil, err
			}
			if _, err := res.Consume(ctx); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		log.WithError(err).Error("Failed to project cluster into graph")
		return
	}
	log.Debug("Projected cluster into graph")
}

// ProjectionParams builds the query parameters for a commit result.
func ProjectionParams(result linking.CommitResult) map[string]any {
	members := make([]map[string]any, 0, result.Snapshot.Size())
	for _, k := range result.Snapshot.Keys().Sorted() {
		members = append(members, map[string]any{
			"key":           k.String(),
			"entity_set_id": k.EntitySetID.String(),
			"entity_key_id": k.EntityKeyID.String(),
		})
	}

	removals := make([]string, len(result.Removals))
	for i, k := range result.Removals {
		removals[i] = k.String()
	}

	edges := make([]map[string]any, 0, result.Scores.Len())
	for _, e := range result.Scores.Edges() {
		if e.Src == e.Dst {
			continue
		}
		edges = append(edges, map[string]any{
			"src":   e.Src.String(),
			"dst":   e.Dst.String(),
			"score": e.Score,
		})
	}

	return map[string]any{
		"linking_id": result.LinkingID.String(),
		"size":       result.Snapshot.Size(),
		"score":      result.Score,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
		"members":    members,
		"removals":   removals,
		"edges":      edges,
	}
}

// ClusterMembers reads the projected members of a cluster.
func (p *ClusterProjector) ClusterMembers(ctx context.Context, linkingID uuid.UUID) ([]models.EntityDataKey, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.ClusterProjector.ClusterMembers")
	defer span.End()

	out, err := p.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (r:Record)-[:MEMBER_OF]->(:Cluster {linking_id: $linking_id})
			RETURN r.key AS key ORDER BY key
		`, map[string]any{"linking_id": linkingID.String()})
		if err != nil {
			return nil, err
		}
		records, err := res.Collect(ctx)
		if err != nil {
			return nil, err
		}
		keys := make([]models.EntityDataKey, 0, len(records))
		for _, record := range records {
			raw, _ := record.Get("key")
			s, _ := raw.(string)
			key, err := models.ParseEntityDataKey(s)
			if err != nil {
				return nil, err
			}
			keys = append(keys, key)
		}
		return keys, nil
	})
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithField("linking_id", linkingID.String()).Error("Failed to read cluster from graph")
		return nil, err
	}
	return out.([]models.EntityDataKey), nil
}
