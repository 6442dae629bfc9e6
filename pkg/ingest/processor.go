// Package ingest applies record-written events: it stores the properties, refreshes the blocking
// tokens and marks the record as needing linking.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/Ramsey-B/linker/pkg/database"
	"github.com/Ramsey-B/linker/pkg/features"
	"github.com/Ramsey-B/linker/pkg/kafka"
	"github.com/Ramsey-B/linker/pkg/models"
	"github.com/Ramsey-B/linker/pkg/tracing"
)

// EntityWrittenEvent is the payload of an entity.written message.
type EntityWrittenEvent struct {
	EntitySetID   uuid.UUID        `json:"entity_set_id" validate:"required"`
	EntityKeyID   uuid.UUID        `json:"entity_key_id" validate:"required"`
	EntityTypeID  uuid.UUID        `json:"entity_type_id"`
	EntitySetName string           `json:"entity_set_name"`
	Linking       bool             `json:"linking"`
	Properties    map[string][]any `json:"properties" validate:"required"`
}

// Key returns the record the event is about.
func (e EntityWrittenEvent) Key() models.EntityDataKey {
	return models.NewEntityDataKey(e.EntitySetID, e.EntityKeyID)
}

// EntityStore is where record properties and entity set metadata live.
type EntityStore interface {
	EnsureEntitySet(ctx context.Context, set models.EntitySet) error
	UpsertProperties(ctx context.Context, key models.EntityDataKey, props models.RawProperties) error
}

// Indexer keeps the blocking tokens of a record.
type Indexer interface {
	Index(ctx context.Context, key models.EntityDataKey, tokens []string) error
}

// TxProvider opens the transaction the three writes share.
type TxProvider interface {
	GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error)
}

// Processor handles entity.written messages
type Processor struct {
	db        TxProvider
	entities  EntityStore
	index     Indexer
	extractor *features.Extractor
	validate  *validator.Validate
	logger    ectologger.Logger
}

// NewProcessor creates a new Processor
func NewProcessor(db TxProvider, entities EntityStore, index Indexer, extractor *features.Extractor, logger ectologger.Logger) *Processor {
	return &Processor{
		db:        db,
		entities:  entities,
		index:     index,
		extractor: extractor,
		validate:  validator.New(),
		logger:    logger,
	}
}

// Parse decodes and validates a message. Errors are permanent.
func (p *Processor) Parse(msg *kafka.IncomingMessage) (*EntityWrittenEvent, models.RawProperties, error) {
	var event EntityWrittenEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return nil, nil, kafka.Permanent(fmt.Errorf("invalid entity.written payload: %w", err))
	}
	if err := p.validate.Struct(event); err != nil {
		return nil, nil, kafka.Permanent(fmt.Errorf("invalid entity.written payload: %w", err))
	}

	props := make(models.RawProperties, len(event.Properties))
	for ptid, values := range event.Properties {
		id, err := uuid.Parse(ptid)
		if err != nil {
			return nil, nil, kafka.Permanent(fmt.Errorf("invalid property type id %q: %w", ptid, err))
		}
		props[id] = values
	}
	return &event, props, nil
}

// Handle is the kafka.MessageHandler for the input topic.
func (p *Processor) Handle(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "ingest.Processor.Handle")
	defer span.End()

	event, props, err := p.Parse(msg)
	if err != nil {
		return err
	}

	key := event.Key()
	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"key":        key.String(),
		"properties": len(props),
	})

	ctx, tx, err := p.db.GetTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if event.EntityTypeID != uuid.Nil {
		if err := p.entities.EnsureEntitySet(ctx, models.EntitySet{
			ID:           event.EntitySetID,
			Name:         event.EntitySetName,
			EntityTypeID: event.EntityTypeID,
			IsLinking:    event.Linking,
		}); err != nil {
			return err
		}
	}

	if err := p.entities.UpsertProperties(ctx, key, props); err != nil {
		return err
	}

	tokens := p.extractor.BlockingTokens(p.extractor.ExtractProperties(props))
	if err := p.index.Index(ctx, key, tokens); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}

	log.WithField("tokens", len(tokens)).Debug("Ingested entity")
	return nil
}
