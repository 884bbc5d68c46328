package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tilores/qualityplane/pkg/models"
)

// historyKey is the single list key the entire change history lives under.
const historyKey = "tilores:ai_changes_history"

// KVStore persists the audit trail as a Redis list, one JSON-encoded
// ChangeRecord per element, appended with RPUSH so list order matches
// append order.
type KVStore struct {
	client *redis.Client
}

// NewKVStore constructs a KVStore from a redis:// URL.
func NewKVStore(url string) (*KVStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("audit kv store: parse url: %w", err)
	}
	return &KVStore{client: redis.NewClient(opts)}, nil
}

// Append RPUSHes the JSON-encoded record onto the history list.
func (k *KVStore) Append(ctx context.Context, record models.ChangeRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("audit kv store: encode: %w", err)
	}
	if err := k.client.RPush(ctx, historyKey, data).Err(); err != nil {
		return fmt.Errorf("audit kv store: rpush: %w", err)
	}
	return nil
}

// Load returns every record currently stored, oldest first.
func (k *KVStore) Load(ctx context.Context) ([]models.ChangeRecord, error) {
	raw, err := k.client.LRange(ctx, historyKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("audit kv store: lrange: %w", err)
	}
	records := make([]models.ChangeRecord, 0, len(raw))
	for _, item := range raw {
		var rec models.ChangeRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("audit kv store: decode: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close releases the underlying connection pool.
func (k *KVStore) Close() error {
	return k.client.Close()
}
