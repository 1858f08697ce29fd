package metrics

import (
	"context"
	"time"

	"github.com/chirino/workspace-service/internal/model"
	"github.com/chirino/workspace-service/internal/registry/store"
	"github.com/chirino/workspace-service/internal/security"
)

// Wrap returns a DocumentStore that records StoreLatency for every operation.
func Wrap(inner store.DocumentStore) store.DocumentStore {
	return &metricsStore{inner: inner}
}

type metricsStore struct {
	inner store.DocumentStore
}

func observe(op string, start time.Time) {
	if security.StoreLatency == nil {
		return
	}
	security.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsStore) Create(ctx context.Context, scope store.Scope, doc store.NewDocument) (int64, error) {
	defer observe("create", time.Now())
	return m.inner.Create(ctx, scope, doc)
}

func (m *metricsStore) Update(ctx context.Context, scope store.Scope, id int64, patch store.DocumentPatch) error {
	defer observe("update", time.Now())
	return m.inner.Update(ctx, scope, id, patch)
}

func (m *metricsStore) GetByID(ctx context.Context, scope store.Scope, id int64) (*model.Document, error) {
	defer observe("get_by_id", time.Now())
	return m.inner.GetByID(ctx, scope, id)
}

func (m *metricsStore) GetByPath(ctx context.Context, scope store.Scope, path string) (*model.Document, error) {
	defer observe("get_by_path", time.Now())
	return m.inner.GetByPath(ctx, scope, path)
}

func (m *metricsStore) Delete(ctx context.Context, scope store.Scope, id int64) (bool, error) {
	defer observe("delete", time.Now())
	return m.inner.Delete(ctx, scope, id)
}

func (m *metricsStore) ListAll(ctx context.Context, scope store.Scope, query store.ListQuery) ([]model.Document, error) {
	defer observe("list_all", time.Now())
	return m.inner.ListAll(ctx, scope, query)
}

func (m *metricsStore) BatchSave(ctx context.Context, scope store.Scope, items []store.BatchItem) ([]int64, error) {
	defer observe("batch_save", time.Now())
	return m.inner.BatchSave(ctx, scope, items)
}

var _ store.DocumentStore = (*metricsStore)(nil)
