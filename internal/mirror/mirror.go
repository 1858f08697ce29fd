// Package mirror keeps a TTL-bounded local copy of documents together with each document's
// pending overlays, for interactive frontends that edit documents before saving them.
package mirror

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/workspace-service/internal/identity"
	"github.com/chirino/workspace-service/internal/layering"
	"github.com/chirino/workspace-service/internal/model"
	registrystore "github.com/chirino/workspace-service/internal/registry/store"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a fetched document is considered fresh.
const DefaultTTL = 5 * time.Minute

// Options configures a Mirror. Zero values select the defaults.
type Options struct {
	TTL       time.Duration
	Now       func() time.Time
	Allocator *identity.Allocator
}

// View is the effective state of one mirrored document.
type View struct {
	ID        int64              `json:"id"`
	Name      string             `json:"name"`
	Path      string             `json:"path"`
	Type      model.DocumentType `json:"type"`
	Version   int64              `json:"version"`
	Content   json.RawMessage    `json:"content"`
	Dirty     bool               `json:"dirty"`
	Stale     bool               `json:"stale"`
	FetchedAt time.Time          `json:"fetchedAt"`
}

// Mirror holds the edit state of every document one session works on. It is scoped to a
// single tenant/mode.
type Mirror struct {
	store registrystore.DocumentStore
	scope registrystore.Scope
	saver *identity.Manager
	ids   *identity.Allocator
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[int64]*layering.EditState

	refreshes singleflight.Group
	pending   sync.WaitGroup
}

// New returns an empty Mirror reading from and saving to store within scope.
func New(store registrystore.DocumentStore, scope registrystore.Scope, opts Options) *Mirror {
	m := &Mirror{
		store:   store,
		scope:   scope,
		saver:   identity.NewManager(store),
		ids:     opts.Allocator,
		ttl:     opts.TTL,
		now:     opts.Now,
		entries: map[int64]*layering.EditState{},
	}
	if m.ttl <= 0 {
		m.ttl = DefaultTTL
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.ids == nil {
		m.ids = identity.NewAllocatorWithClock(m.now)
	}
	return m
}

// Get returns the effective view of id, fetching it on a miss. A stale entry is returned as-is
// while a background refresh replaces its base.
func (m *Mirror) Get(ctx context.Context, id int64) (View, error) {
	m.mu.Lock()
	st, ok := m.entries[id]
	if ok {
		v, err := m.view(st)
		stale := v.Stale && !identity.IsVirtual(id)
		m.mu.Unlock()
		if stale {
			m.refreshInBackground(ctx, id)
		}
		return v, err
	}
	m.mu.Unlock()

	if identity.IsVirtual(id) {
		return View{}, registrystore.DocumentNotFound(id)
	}
	if err := m.Refresh(ctx, id); err != nil {
		return View{}, err
	}
	return m.Peek(id)
}

// Peek returns the effective view of id without fetching.
func (m *Mirror) Peek(id int64) (View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.entries[id]
	if !ok {
		return View{}, registrystore.DocumentNotFound(id)
	}
	return m.view(st)
}

// Refresh re-reads id from the store and replaces its base. Overlays are kept. Concurrent
// refreshes of the same id share one read.
func (m *Mirror) Refresh(ctx context.Context, id int64) error {
	_, err, _ := m.refreshes.Do(strconv.FormatInt(id, 10), func() (any, error) {
		doc, err := m.store.GetByID(ctx, m.scope, id)
		if err != nil {
			return nil, err
		}
		m.put(*doc)
		return nil, nil
	})
	return err
}

func (m *Mirror) refreshInBackground(ctx context.Context, id int64) {
	ctx = context.WithoutCancel(ctx)
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		if err := m.Refresh(ctx, id); err != nil {
			log.Warn("Background refresh failed", "id", id, "err", err)
		}
	}()
}

// Wait blocks until every background refresh has finished.
func (m *Mirror) Wait() {
	m.pending.Wait()
}

// Put seeds or rebases the entry for doc, typically from a list response.
func (m *Mirror) Put(doc model.Document) {
	m.put(doc)
}

func (m *Mirror) put(doc model.Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.entries[doc.ID]; ok {
		if doc.Version < st.Base.Version {
			log.Debug("Ignoring outdated read", "id", doc.ID, "version", doc.Version, "have", st.Base.Version)
			return
		}
		st.Rebase(doc, m.now())
		return
	}
	m.entries[doc.ID] = layering.NewEditState(doc, m.now())
}

// CreateVirtual registers an unsaved document under a fresh virtual id and returns that id.
func (m *Mirror) CreateVirtual(name, path string, t model.DocumentType, content json.RawMessage) int64 {
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}
	now := m.now()
	id := m.ids.Next()
	doc := model.Document{
		ID:         id,
		TenantID:   m.scope.TenantID,
		Mode:       m.scope.Mode,
		Name:       name,
		Path:       path,
		Type:       t,
		Content:    append(json.RawMessage(nil), content...),
		References: []int64{},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	m.mu.Lock()
	m.entries[id] = layering.NewEditState(doc, now)
	m.mu.Unlock()
	return id
}

// SetPersistable merges patch into the overlay written on the next save.
func (m *Mirror) SetPersistable(id int64, patch layering.Fields) error {
	return m.with(id, func(st *layering.EditState) { st.SetPersistable(patch) })
}

// SetEphemeral merges patch into the overlay that is never saved.
func (m *Mirror) SetEphemeral(id int64, patch layering.Fields) error {
	return m.with(id, func(st *layering.EditState) { st.SetEphemeral(patch) })
}

// SetMetadata overrides the name and/or path written on the next save.
func (m *Mirror) SetMetadata(id int64, md layering.Metadata) error {
	return m.with(id, func(st *layering.EditState) {
		if md.Name != nil {
			st.Metadata.Name = md.Name
		}
		if md.Path != nil {
			st.Metadata.Path = md.Path
		}
	})
}

// Revert drops unsaved persistable and metadata changes.
func (m *Mirror) Revert(id int64) error {
	return m.with(id, func(st *layering.EditState) { st.Revert() })
}

// Forget drops the entry for id.
func (m *Mirror) Forget(id int64) {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
}

// MigrateID moves the entry kept under from to to. Callers holding ids of their own must
// migrate them the same way after a virtual document is saved.
func (m *Mirror) MigrateID(from, to int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.entries[from]
	if !ok || from == to {
		return
	}
	delete(m.entries, from)
	m.entries[to] = st
}

// Save writes the pending changes of id. A virtual document is created and its entry moved to
// the real id. On failure the overlays are left as they were.
func (m *Mirror) Save(ctx context.Context, id int64) (identity.SaveResult, error) {
	results, err := m.save(ctx, []int64{id}, func(ctx context.Context, states []*layering.EditState) ([]identity.SaveResult, error) {
		res, err := m.saver.Save(ctx, m.scope, states[0])
		return []identity.SaveResult{res}, err
	})
	if err != nil {
		return identity.SaveResult{}, err
	}
	return results[0], nil
}

// SaveAll writes the pending changes of every id in one atomic batch.
func (m *Mirror) SaveAll(ctx context.Context, ids ...int64) ([]identity.SaveResult, error) {
	return m.save(ctx, ids, func(ctx context.Context, states []*layering.EditState) ([]identity.SaveResult, error) {
		return m.saver.SaveBatch(ctx, m.scope, states)
	})
}

type saveFunc func(ctx context.Context, states []*layering.EditState) ([]identity.SaveResult, error)

// save works on copies so the live entries stay editable while the write is in flight. Only
// the overlay values that were written are cleared afterwards.
func (m *Mirror) save(ctx context.Context, ids []int64, fn saveFunc) ([]identity.SaveResult, error) {
	m.mu.Lock()
	copies := make([]*layering.EditState, len(ids))
	written := make([]*layering.EditState, len(ids))
	for i, id := range ids {
		st, ok := m.entries[id]
		if !ok {
			m.mu.Unlock()
			return nil, registrystore.DocumentNotFound(id)
		}
		copies[i] = cloneState(st)
		written[i] = cloneState(st)
	}
	m.mu.Unlock()

	results, err := fn(ctx, copies)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	for i, res := range results {
		st, ok := m.entries[res.PreviousID]
		if !ok {
			continue
		}
		st.ClearSaved(written[i].Persistable, written[i].Metadata)
		if copies[i].Base.Version >= st.Base.Version {
			st.Rebase(copies[i].Base, m.now())
		}
	}
	m.mu.Unlock()
	for _, res := range results {
		if res.Created() {
			m.MigrateID(res.PreviousID, res.ID)
		}
	}
	return results, nil
}

func (m *Mirror) with(id int64, fn func(st *layering.EditState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.entries[id]
	if !ok {
		return registrystore.DocumentNotFound(id)
	}
	fn(st)
	return nil
}

func (m *Mirror) view(st *layering.EditState) (View, error) {
	fields, err := st.Effective()
	if err != nil {
		return View{}, err
	}
	content, err := fields.Encode()
	if err != nil {
		return View{}, err
	}
	v := View{
		ID:        st.Base.ID,
		Name:      st.EffectiveName(),
		Path:      st.Base.Path,
		Type:      st.Base.Type,
		Version:   st.Base.Version,
		Content:   content,
		Dirty:     st.Dirty(),
		Stale:     !layering.IsFresh(st.FetchedAt, m.ttl, m.now()),
		FetchedAt: st.FetchedAt,
	}
	if st.Metadata.Path != nil {
		v.Path = *st.Metadata.Path
	}
	return v, nil
}

func cloneState(st *layering.EditState) *layering.EditState {
	c := *st
	c.Base = *st.Base.Clone()
	c.Persistable = st.Persistable.Clone()
	c.Ephemeral = st.Ephemeral.Clone()
	return &c
}
