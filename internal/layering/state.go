package layering

import (
	"bytes"
	"time"

	"github.com/chirino/workspace-service/internal/model"
)

// Metadata overrides the document's name and/or path on the next save.
type Metadata struct {
	Name *string `json:"name,omitempty"`
	Path *string `json:"path,omitempty"`
}

// EditState is one writer session's view of a document: the persisted base plus its pending
// overlays.
type EditState struct {
	Base        model.Document
	Persistable Fields
	Ephemeral   Fields
	Metadata    Metadata
	FetchedAt   time.Time
}

// NewEditState wraps a freshly fetched document.
func NewEditState(doc model.Document, fetchedAt time.Time) *EditState {
	return &EditState{
		Base:        doc,
		Persistable: Fields{},
		Ephemeral:   Fields{},
		FetchedAt:   fetchedAt,
	}
}

// BaseFields decodes the persisted content.
func (s *EditState) BaseFields() (Fields, error) {
	return Decode(s.Base.Content)
}

// Effective is what a viewer of this session sees: base, persistable and ephemeral layers.
func (s *EditState) Effective() (Fields, error) {
	base, err := s.BaseFields()
	if err != nil {
		return nil, err
	}
	return Merge(base, s.Persistable, s.Ephemeral), nil
}

// Persisted is what a save writes: base and persistable layers only.
func (s *EditState) Persisted() (Fields, error) {
	base, err := s.BaseFields()
	if err != nil {
		return nil, err
	}
	return Merge(base, s.Persistable, nil), nil
}

// EffectiveName is the metadata name override, or the base name.
func (s *EditState) EffectiveName() string {
	if s.Metadata.Name != nil {
		return *s.Metadata.Name
	}
	return s.Base.Name
}

// Dirty reports whether the session holds unsaved persistable changes.
func (s *EditState) Dirty() bool {
	return len(s.Persistable) > 0 || s.Metadata.Name != nil || s.Metadata.Path != nil
}

// SetPersistable merges patch into the persistable overlay.
func (s *EditState) SetPersistable(patch Fields) {
	s.Persistable = Merge(s.Persistable, patch, nil)
}

// SetEphemeral merges patch into the ephemeral overlay.
func (s *EditState) SetEphemeral(patch Fields) {
	s.Ephemeral = Merge(s.Ephemeral, patch, nil)
}

// ClearPending drops the persistable and metadata overlays. The ephemeral overlay survives.
func (s *EditState) ClearPending() {
	s.Persistable = Fields{}
	s.Metadata = Metadata{}
}

// ClearSaved drops the persistable keys and metadata overrides that still hold the values a
// save wrote. Edits made after that snapshot was taken are kept.
func (s *EditState) ClearSaved(persistable Fields, md Metadata) {
	for k, v := range persistable {
		if cur, ok := s.Persistable[k]; ok && bytes.Equal(cur, v) {
			delete(s.Persistable, k)
		}
	}
	if md.Name != nil && s.Metadata.Name != nil && *s.Metadata.Name == *md.Name {
		s.Metadata.Name = nil
	}
	if md.Path != nil && s.Metadata.Path != nil && *s.Metadata.Path == *md.Path {
		s.Metadata.Path = nil
	}
}

// Revert discards unsaved persistable and metadata changes without touching storage.
func (s *EditState) Revert() {
	s.ClearPending()
}

// Rebase replaces the persisted base, keeping every overlay.
func (s *EditState) Rebase(doc model.Document, fetchedAt time.Time) {
	s.Base = doc
	s.FetchedAt = fetchedAt
}
