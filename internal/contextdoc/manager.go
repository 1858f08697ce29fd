package contextdoc

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/workspace-service/internal/layering"
	"github.com/chirino/workspace-service/internal/model"
	"github.com/chirino/workspace-service/internal/references"
	registrystore "github.com/chirino/workspace-service/internal/registry/store"
)

// Manager applies version transitions to stored context documents. Every write is
// conditional on the row version that was read, so concurrent editors get a ConflictError
// instead of overwriting each other.
type Manager struct {
	store registrystore.DocumentStore
	now   func() time.Time
}

// NewManager returns a Manager writing to store.
func NewManager(store registrystore.DocumentStore) *Manager {
	return &Manager{store: store, now: time.Now}
}

// Load reads and normalizes a context document. Legacy content is upgraded in memory only;
// it is persisted by the next transition.
func (m *Manager) Load(ctx context.Context, scope registrystore.Scope, id int64) (*model.Document, Content, error) {
	doc, err := m.store.GetByID(ctx, scope, id)
	if err != nil {
		return nil, Content{}, err
	}
	if doc.Type != model.TypeContext {
		return nil, Content{}, &registrystore.ValidationError{
			Field:   "type",
			Message: fmt.Sprintf("document %d is a %s, not a context", id, doc.Type),
		}
	}
	c, err := Normalize(doc.Content, doc.CreatedAt, doc.CreatedBy)
	if err != nil {
		return nil, Content{}, err
	}
	return doc, c, nil
}

func (m *Manager) apply(ctx context.Context, scope registrystore.Scope, id int64, fn func(Content) (Content, error)) (Content, error) {
	doc, current, err := m.Load(registrystore.WithFreshRead(ctx), scope, id)
	if err != nil {
		return Content{}, err
	}
	next, err := fn(current)
	if err != nil {
		return Content{}, err
	}
	raw, err := next.Encode()
	if err != nil {
		return Content{}, err
	}
	refs, err := references.Extract(model.TypeContext, raw)
	if err != nil {
		return Content{}, err
	}
	expected := doc.Version
	err = m.store.Update(ctx, scope, id, registrystore.DocumentPatch{
		Content:         raw,
		References:      refs,
		ExpectedVersion: &expected,
	})
	if err != nil {
		return Content{}, err
	}
	return next, nil
}

// CreateVersion adds a version copied from source and returns its number.
func (m *Manager) CreateVersion(ctx context.Context, scope registrystore.Scope, id int64, source int, description, createdBy string) (int, error) {
	var created int
	_, err := m.apply(ctx, scope, id, func(c Content) (Content, error) {
		next, n, err := c.CreateVersion(source, description, createdBy, m.now().UTC())
		created = n
		return next, err
	})
	if err != nil {
		return 0, err
	}
	log.Info("Context version created", "id", id, "version", created, "source", source)
	return created, nil
}

// EditVersion shallow-merges patch into the payload of version.
func (m *Manager) EditVersion(ctx context.Context, scope registrystore.Scope, id int64, version int, patch layering.Fields) error {
	_, err := m.apply(ctx, scope, id, func(c Content) (Content, error) {
		return c.EditVersion(version, patch)
	})
	return err
}

// PublishVersion makes version visible to audience ("all" when empty).
func (m *Manager) PublishVersion(ctx context.Context, scope registrystore.Scope, id int64, version int, audience string) error {
	_, err := m.apply(ctx, scope, id, func(c Content) (Content, error) {
		return c.PublishVersion(version, audience)
	})
	if err == nil {
		log.Info("Context version published", "id", id, "version", version, "audience", audience)
	}
	return err
}

// DeleteVersion removes version and returns the version the caller should select next:
// selected itself when another version was deleted, otherwise what userID sees published.
func (m *Manager) DeleteVersion(ctx context.Context, scope registrystore.Scope, id int64, version, selected int, userID string) (int, error) {
	next, err := m.apply(ctx, scope, id, func(c Content) (Content, error) {
		return c.DeleteVersion(version)
	})
	if err != nil {
		return 0, err
	}
	if selected != version {
		return selected, nil
	}
	return next.ResolvePublished(userID), nil
}

// Resolve returns the version userID sees.
func (m *Manager) Resolve(ctx context.Context, scope registrystore.Scope, id int64, userID string) (model.ContextVersion, error) {
	_, c, err := m.Load(ctx, scope, id)
	if err != nil {
		return model.ContextVersion{}, err
	}
	v, ok := c.Version(c.ResolvePublished(userID))
	if !ok {
		return model.ContextVersion{}, &registrystore.ConstraintError{Message: fmt.Sprintf("context %d has no published version", id)}
	}
	return v, nil
}
