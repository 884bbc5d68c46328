package audit

import (
	"context"

	"github.com/tilores/qualityplane/pkg/models"
)

// Store is the durable backing for the audit trail. Implementations never
// delete or mutate a previously appended record; Rollback always adds a
// new record rather than editing history.
type Store interface {
	// Append persists one record, preserving prior ones.
	Append(ctx context.Context, record models.ChangeRecord) error
	// Load returns every persisted record, oldest first.
	Load(ctx context.Context) ([]models.ChangeRecord, error)
}
