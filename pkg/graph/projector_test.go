package graph

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/linker/pkg/linking"
	"github.com/Ramsey-B/linker/pkg/models"
)

func TestProjectionParams(t *testing.T) {
	esid := uuid.New()
	a := models.NewEntityDataKey(esid, uuid.New())
	b := models.NewEntityDataKey(esid, uuid.New())
	gone := models.NewEntityDataKey(esid, uuid.New())

	scores := models.ScoreMatrix{}
	scores.Set(a, b, 0.93)
	scores.Set(a, a, 1.0)

	linkingID := uuid.New()
	params := ProjectionParams(linking.CommitResult{
		LinkingID: linkingID,
		Score:     0.93,
		Removals:  []models.EntityDataKey{gone},
		Snapshot:  models.SnapshotFromKeys(models.NewKeySet(a, b)),
		Scores:    scores,
	})

	assert.Equal(t, linkingID.String(), params["linking_id"])
	assert.Equal(t, 2, params["size"])
	assert.Len(t, params["members"], 2)
	assert.Equal(t, []string{gone.String()}, params["removals"])

	edges := params["edges"].([]map[string]any)
	assert.Len(t, edges, 1, "self scores are not projected")
	assert.Equal(t, 0.93, edges[0]["score"])
}
