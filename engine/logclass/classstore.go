package logclass

import (
	"context"
	"errors"
	"fmt"

	"github.com/clusterlens/streamcore/engine/domain"
	"github.com/clusterlens/streamcore/pkg/kv"
)

// ClassStore is the (tenant_id, container_key) -> set<Class> mapping,
// persisted in the KV cache. Reads are get-or-create: a miss
// yields an empty set rather than an error. Writes are whole-set
// replacements, safe because partitioning guarantees a single writer per key.
type ClassStore struct {
	kv *kv.Store
	db string
}

// NewClassStore builds a ClassStore over an existing KV client. db is the
// namespace prefix baked into every key.
func NewClassStore(store *kv.Store, db string) *ClassStore {
	return &ClassStore{kv: store, db: db}
}

func (s *ClassStore) key(tenant, containerKey string) string {
	return fmt.Sprintf("%s_%s:%s", s.db, tenant, containerKey)
}

// GetOrCreate returns the stored class set for (tenant, containerKey), or an
// empty set if the key has never been written.
func (s *ClassStore) GetOrCreate(ctx context.Context, tenant, containerKey string) ([]domain.Class, error) {
	var classes []domain.Class
	err := s.kv.Get(ctx, s.key(tenant, containerKey), &classes)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("logclass: class store get %s/%s: %w", tenant, containerKey, err)
	}
	return classes, nil
}

// Put replaces the stored class set for (tenant, containerKey) wholesale.
func (s *ClassStore) Put(ctx context.Context, tenant, containerKey string, classes []domain.Class) error {
	if err := s.kv.Set(ctx, s.key(tenant, containerKey), classes, 0); err != nil {
		return fmt.Errorf("logclass: class store put %s/%s: %w", tenant, containerKey, err)
	}
	return nil
}
