// Package blockindex finds blocking candidates through shared blocking tokens.
package blockindex

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/linker/pkg/database"
	"github.com/Ramsey-B/linker/pkg/models"
	"github.com/Ramsey-B/linker/pkg/tracing"
)

const blockIndexTable = "block_index"

// DefaultBlockSize caps the number of neighbors returned for one record.
const DefaultBlockSize = 50

// Loader fetches raw properties for the records of a block.
type Loader interface {
	GetEntities(ctx context.Context, keys []models.EntityDataKey) (map[models.EntityDataKey]models.RawProperties, error)
}

// Repository handles the blocking token index
type Repository struct {
	db        database.DB
	loader    Loader
	blockSize int
	logger    ectologger.Logger
}

// NewRepository creates a new block index repository
func NewRepository(db database.DB, loader Loader, blockSize int, logger ectologger.Logger) *Repository {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Repository{
		db:        db,
		loader:    loader,
		blockSize: blockSize,
		logger:    logger,
	}
}

// Block returns key and the records sharing the most blocking tokens with it. Records with
// negative feedback against key are never proposed.
func (r *Repository) Block(ctx context.Context, key models.EntityDataKey) (models.Block, error) {
	ctx, span := tracing.StartSpan(ctx, "blockindex.Repository.Block")
	defer span.End()

	log := r.logger.WithContext(ctx).WithField("key", key.String())
	query := `SELECT b2.entity_set_id, b2.entity_key_id
		FROM block_index b1
		JOIN block_index b2 ON b2.token = b1.token
		WHERE b1.entity_set_id = $1 AND b1.entity_key_id = $2
			AND NOT (b2.entity_set_id = $1 AND b2.entity_key_id = $2)
			AND NOT EXISTS (
				SELECT 1 FROM linking_feedback f
				WHERE f.linked = FALSE AND (
					(f.src_entity_set_id = $1 AND f.src_entity_key_id = $2
						AND f.dst_entity_set_id = b2.entity_set_id AND f.dst_entity_key_id = b2.entity_key_id)
					OR (f.dst_entity_set_id = $1 AND f.dst_entity_key_id = $2
						AND f.src_entity_set_id = b2.entity_set_id AND f.src_entity_key_id = b2.entity_key_id)
				)
			)
		GROUP BY b2.entity_set_id, b2.entity_key_id
		ORDER BY COUNT(*) DESC, b2.entity_set_id, b2.entity_key_id
		LIMIT $3`

	var neighbors []models.EntityDataKey
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &neighbors, query, key.EntitySetID, key.EntityKeyID, r.blockSize); err != nil {
		log.WithError(err).Error("Failed to query block index")
		return models.Block{}, httperror.NewHTTPError(http.StatusInternalServerError, "failed to build block")
	}

	entities, err := r.loader.GetEntities(ctx, append(neighbors, key))
	if err != nil {
		return models.Block{}, err
	}

	log.WithField("block_size", len(entities)).Debug("Built block")
	return models.NewBlock(key, entities), nil
}

// Index replaces the blocking tokens of key.
func (r *Repository) Index(ctx context.Context, key models.EntityDataKey, tokens []string) error {
	ctx, span := tracing.StartSpan(ctx, "blockindex.Repository.Index")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"key":    key.String(),
		"tokens": len(tokens),
	})

	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to index entity")
	}
	defer tx.Rollback(ctx)

	del := database.NewDeleteBuilder(blockIndexTable)
	del.Where(
		del.Equal("entity_set_id", key.EntitySetID),
		del.Equal("entity_key_id", key.EntityKeyID),
	)
	query, args := del.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		log.WithError(err).Error("Failed to clear blocking tokens")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to index entity")
	}

	if len(tokens) > 0 {
		ib := database.NewInsertBuilder()
		ib.InsertInto(blockIndexTable)
		ib.Cols("token", "entity_set_id", "entity_key_id")
		for _, token := range tokens {
			ib.Values(token, key.EntitySetID, key.EntityKeyID)
		}
		ib.OnConflictDoNothing()

		query, args = ib.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			log.WithError(err).Error("Failed to insert blocking tokens")
			return httperror.NewHTTPError(http.StatusInternalServerError, "failed to index entity")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to index entity")
	}
	return nil
}
