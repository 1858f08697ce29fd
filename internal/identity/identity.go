// Package identity decides whether a save creates or updates a document and hands virtual
// ids over to the real ids the store assigns.
package identity

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/charmbracelet/log"
	"github.com/chirino/workspace-service/internal/layering"
	"github.com/chirino/workspace-service/internal/model"
	"github.com/chirino/workspace-service/internal/references"
	registrystore "github.com/chirino/workspace-service/internal/registry/store"
)

// IsVirtual reports whether id is a session-local placeholder that was never persisted.
func IsVirtual(id int64) bool { return id < 0 }

// Allocator issues virtual ids. Ids are negative unix-millis, bumped down on collision so
// they are strictly decreasing for the allocator's lifetime.
type Allocator struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewAllocator returns an Allocator using the wall clock.
func NewAllocator() *Allocator {
	return &Allocator{now: time.Now}
}

// NewAllocatorWithClock returns an Allocator reading time from now.
func NewAllocatorWithClock(now func() time.Time) *Allocator {
	return &Allocator{now: now}
}

// Next returns a fresh virtual id.
func (a *Allocator) Next() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := -a.now().UnixMilli()
	if a.last != 0 && id >= a.last {
		id = a.last - 1
	}
	a.last = id
	return id
}

// SaveResult describes a successful save. PreviousID is the virtual id the document had
// before its first save, or equal to ID for updates; callers keyed by id must move their
// state from PreviousID to ID.
type SaveResult struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Path       string `json:"path"`
	PreviousID int64  `json:"previousId"`
}

// Created reports whether the save turned a virtual document into a real one.
func (r SaveResult) Created() bool { return r.PreviousID != r.ID }

// Manager saves edit states through a DocumentStore.
type Manager struct {
	store registrystore.DocumentStore
	now   func() time.Time
}

// NewManager returns a Manager writing to store.
func NewManager(store registrystore.DocumentStore) *Manager {
	return &Manager{store: store, now: time.Now}
}

// pending is everything a write needs, computed without side effects. A nil content leaves the
// stored content untouched.
type pending struct {
	id         int64
	name       string
	path       string
	docType    model.DocumentType
	content    []byte
	references []int64
}

func (m *Manager) plan(st *layering.EditState) (pending, error) {
	p := pending{id: st.Base.ID, docType: st.Base.Type, name: strings.TrimSpace(st.EffectiveName())}
	if !p.docType.Valid() {
		return p, &registrystore.ValidationError{Field: "type", Message: fmt.Sprintf("unknown document type %q", p.docType)}
	}
	if p.name == "" {
		return p, &registrystore.ValidationError{Field: "name", Message: "must not be empty"}
	}

	if ownsContent(p.docType) && !IsVirtual(p.id) {
		if len(st.Persistable) > 0 {
			return p, CheckContentUpdate(p.docType)
		}
	} else if err := m.planContent(st, &p); err != nil {
		return p, err
	}

	switch {
	case st.Metadata.Path != nil:
		p.path = *st.Metadata.Path
	case IsVirtual(p.id):
		p.path = path.Join(parentDir(st.Base.Path), Slugify(p.name))
	default:
		p.path = st.Base.Path
	}
	if p.path == "" || !strings.HasPrefix(p.path, "/") {
		return p, &registrystore.ValidationError{Field: "path", Message: "must be an absolute path"}
	}
	return p, nil
}

func (m *Manager) planContent(st *layering.EditState, p *pending) error {
	fields, err := st.Persisted()
	if err != nil {
		return &registrystore.ValidationError{Field: "content", Message: err.Error()}
	}
	if len(fields) == 0 && p.docType != model.TypeFolder {
		return &registrystore.ValidationError{Field: "content", Message: "must not be empty"}
	}
	if p.content, err = fields.Encode(); err != nil {
		return err
	}
	if IsVirtual(p.id) {
		if p.content, err = NewContent(p.docType, p.content, st.Base.CreatedBy, m.now()); err != nil {
			return err
		}
	}

	if p.references, err = references.Extract(p.docType, p.content); err != nil {
		return &registrystore.ValidationError{Field: "content", Message: err.Error()}
	}
	for _, ref := range p.references {
		if IsVirtual(ref) {
			return &registrystore.ValidationError{
				Field:   "references",
				Message: fmt.Sprintf("references unsaved document %d; save it first", ref),
			}
		}
	}
	return nil
}

// Save writes st: a virtual base is created, a real one updated. On success the persistable
// and metadata overlays are cleared and the base is replaced by what was written; the
// ephemeral overlay is kept. On failure st is left untouched.
func (m *Manager) Save(ctx context.Context, scope registrystore.Scope, st *layering.EditState) (SaveResult, error) {
	p, err := m.plan(st)
	if err != nil {
		return SaveResult{}, err
	}

	id := p.id
	if IsVirtual(p.id) {
		id, err = m.store.Create(ctx, scope, registrystore.NewDocument{
			Name:       p.name,
			Path:       p.path,
			Type:       p.docType,
			Content:    p.content,
			References: p.references,
			CreatedBy:  st.Base.CreatedBy,
		})
	} else {
		err = m.store.Update(ctx, scope, p.id, registrystore.DocumentPatch{
			Name:       &p.name,
			Path:       &p.path,
			Content:    p.content,
			References: p.references,
		})
	}
	if err != nil {
		return SaveResult{}, err
	}

	m.commit(ctx, scope, st, p, id)
	return SaveResult{ID: id, Name: p.name, Path: p.path, PreviousID: p.id}, nil
}

// SaveBatch writes every state in one atomic BatchSave. Overlays are cleared only when the
// whole batch commits.
func (m *Manager) SaveBatch(ctx context.Context, scope registrystore.Scope, states []*layering.EditState) ([]SaveResult, error) {
	plans := make([]pending, len(states))
	items := make([]registrystore.BatchItem, len(states))
	for i, st := range states {
		p, err := m.plan(st)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		plans[i] = p
		items[i] = registrystore.BatchItem{
			Name:       p.name,
			Path:       p.path,
			Type:       p.docType,
			Content:    p.content,
			References: p.references,
			CreatedBy:  st.Base.CreatedBy,
		}
		if !IsVirtual(p.id) {
			id := p.id
			items[i].ID = &id
		}
	}

	ids, err := m.store.BatchSave(ctx, scope, items)
	if err != nil {
		return nil, err
	}

	results := make([]SaveResult, len(states))
	for i, st := range states {
		m.commit(ctx, scope, st, plans[i], ids[i])
		results[i] = SaveResult{ID: ids[i], Name: plans[i].name, Path: plans[i].path, PreviousID: plans[i].id}
	}
	return results, nil
}

// commit rebases st onto the written document. The write already succeeded, so a failed
// re-read falls back to the values that were sent.
func (m *Manager) commit(ctx context.Context, scope registrystore.Scope, st *layering.EditState, p pending, id int64) {
	now := m.now()
	doc, err := m.store.GetByID(ctx, scope, id)
	if err != nil {
		log.Warn("Re-read after save failed", "id", id, "err", err)
		written := st.Base
		written.ID = id
		written.Name = p.name
		written.Path = p.path
		if p.content != nil {
			written.Content = p.content
			written.References = p.references
		}
		written.Version++
		written.UpdatedAt = now
		doc = &written
	}
	st.ClearPending()
	st.Rebase(*doc, now)
}

func parentDir(p string) string {
	if p == "" {
		return "/"
	}
	return path.Dir(p)
}

// Slugify turns a display name into a single path segment.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	slug := strings.TrimRight(b.String(), "-")
	if slug == "" {
		return "untitled"
	}
	return slug
}
