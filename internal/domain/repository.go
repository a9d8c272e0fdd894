package domain

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type insertCollection interface {
	InsertOne(ctx context.Context, document interface{}, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// AuditRepository mirrors audit entries into a MongoDB collection. The
// mirror is write-only; /log reads admin_log.json.
type AuditRepository struct {
	collection insertCollection
}

// NewAuditRepository constructs an AuditRepository.
func NewAuditRepository(collection insertCollection) *AuditRepository {
	return &AuditRepository{collection: collection}
}

// Create inserts entry, assigning an ID when it has none. Re-inserting an entry
// that already exists is treated as success.
func (r *AuditRepository) Create(ctx context.Context, entry AuditEntry) (AuditEntry, error) {
	if r == nil || r.collection == nil {
		return AuditEntry{}, errors.New("audit repository is not initialized")
	}
	if ctx == nil {
		return AuditEntry{}, errors.New("context is required")
	}
	if entry.Action == "" {
		return AuditEntry{}, errors.New("action is required")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	if _, err := r.collection.InsertOne(ctx, entry); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return entry, nil
		}
		return AuditEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}

	return entry, nil
}
