// Package references derives the ordered, de-duplicated list of document ids a document's
// content points at.
package references

import (
	"encoding/json"

	"github.com/chirino/workspace-service/internal/model"
)

// Extract returns the ids referenced by content of type t. The result is never nil. Entries
// without an id are skipped; virtual (negative) ids are kept so savers can reject them.
func Extract(t model.DocumentType, content json.RawMessage) ([]int64, error) {
	c, err := model.DecodeContent(t, content)
	if err != nil {
		return nil, err
	}
	return FromContent(c), nil
}

// FromContent returns the ids referenced by an already decoded content variant.
func FromContent(c model.Content) []int64 {
	var ids []int64
	switch v := c.(type) {
	case model.AssetsContent:
		for _, a := range v.Assets {
			if a.Type == string(model.TypeQuestion) {
				ids = append(ids, a.ID)
			}
		}
	case model.ReportContent:
		for _, r := range v.References {
			ids = append(ids, r.Reference.ID)
		}
	case model.QuestionContent:
		for _, r := range v.References {
			ids = append(ids, r.ID)
		}
	case model.ContextContent, model.ConversationContent, model.ConnectionContent, model.OpaqueContent:
	}
	return dedupe(ids)
}

// Equal reports whether two reference lists are identical, order included. Nil and empty are
// equal.
func Equal(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func dedupe(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
