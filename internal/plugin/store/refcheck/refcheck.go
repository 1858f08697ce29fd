// Package refcheck verifies that every write carries exactly the references its content
// implies.
package refcheck

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/chirino/workspace-service/internal/model"
	"github.com/chirino/workspace-service/internal/references"
	"github.com/chirino/workspace-service/internal/registry/store"
)

// Wrap returns a DocumentStore that rejects writes whose references differ from
// references.Extract of their content.
func Wrap(inner store.DocumentStore) store.DocumentStore {
	return &refcheckStore{DocumentStore: inner}
}

type refcheckStore struct {
	store.DocumentStore
}

func (r *refcheckStore) Create(ctx context.Context, scope store.Scope, doc store.NewDocument) (int64, error) {
	if err := check(doc.Type, doc.Content, doc.References); err != nil {
		return 0, err
	}
	return r.DocumentStore.Create(ctx, scope, doc)
}

func (r *refcheckStore) Update(ctx context.Context, scope store.Scope, id int64, patch store.DocumentPatch) error {
	if patch.Content != nil {
		current, err := r.DocumentStore.GetByID(ctx, scope, id)
		if err != nil {
			return err
		}
		if err := check(current.Type, patch.Content, patch.References); err != nil {
			return err
		}
	}
	return r.DocumentStore.Update(ctx, scope, id, patch)
}

func (r *refcheckStore) BatchSave(ctx context.Context, scope store.Scope, items []store.BatchItem) ([]int64, error) {
	for i, item := range items {
		t := item.Type
		if item.ID != nil {
			if item.Content == nil {
				continue
			}
			current, err := r.DocumentStore.GetByID(ctx, scope, *item.ID)
			if err != nil {
				return nil, fmt.Errorf("batch item %d: %w", i, err)
			}
			if err := store.CheckType(*item.ID, current.Type, item.Type); err != nil {
				return nil, fmt.Errorf("batch item %d: %w", i, err)
			}
			t = current.Type
		}
		if err := check(t, item.Content, item.References); err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
	}
	return r.DocumentStore.BatchSave(ctx, scope, items)
}

func check(t model.DocumentType, content json.RawMessage, got []int64) error {
	if !t.Valid() {
		// Left for the backend's own validation to report.
		return nil
	}
	want, err := references.Extract(t, content)
	if err != nil {
		return &store.ValidationError{Field: "content", Message: err.Error()}
	}
	if !references.Equal(want, got) {
		log.Warn("Rejected write with mismatched references", "type", t, "want", want, "got", got)
		return &store.ValidationError{
			Field:   "references",
			Message: fmt.Sprintf("expected %v derived from content, got %v", want, got),
		}
	}
	return nil
}

var _ store.DocumentStore = (*refcheckStore)(nil)
