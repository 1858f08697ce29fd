// Package connection resolves connection documents by name for callers that must never see
// their credentials.
package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chirino/workspace-service/internal/model"
	registrystore "github.com/chirino/workspace-service/internal/registry/store"
)

// Redacted replaces every secret config value.
const Redacted = "********"

var secretMarkers = []string{"password", "secret", "token", "credential", "apikey", "api_key", "private_key", "key_file"}

// GetConnectionResult is a connection document with its secrets redacted.
type GetConnectionResult struct {
	ID      int64                      `json:"id"`
	Name    string                     `json:"name"`
	Path    string                     `json:"path"`
	Dialect string                     `json:"type"`
	Config  map[string]json.RawMessage `json:"config"`
	Schemas []string                   `json:"schemas,omitempty"`
}

// Lookup finds the connection document called name. When several share the name the one with
// the lowest path wins.
func Lookup(ctx context.Context, store registrystore.DocumentStore, scope registrystore.Scope, name string) (*GetConnectionResult, error) {
	docs, err := store.ListAll(ctx, scope, registrystore.ListQuery{Types: []model.DocumentType{model.TypeConnection}})
	if err != nil {
		return nil, err
	}
	for i := range docs {
		if docs[i].Name == name {
			return FromDocument(&docs[i])
		}
	}
	return nil, &registrystore.NotFoundError{Resource: "connection", ID: name}
}

// FromDocument decodes and redacts a connection document.
func FromDocument(doc *model.Document) (*GetConnectionResult, error) {
	if doc.Type != model.TypeConnection {
		return nil, &registrystore.ValidationError{
			Field:   "type",
			Message: fmt.Sprintf("document %d is a %s, not a connection", doc.ID, doc.Type),
		}
	}
	var c model.ConnectionContent
	if err := json.Unmarshal(doc.Content, &c); err != nil {
		return nil, &registrystore.ValidationError{Field: "content", Message: err.Error()}
	}
	return &GetConnectionResult{
		ID:      doc.ID,
		Name:    doc.Name,
		Path:    doc.Path,
		Dialect: c.Dialect,
		Config:  Redact(c.Config),
		Schemas: c.Schemas,
	}, nil
}

// Redact returns a copy of config with secret values replaced. Nested objects are redacted
// recursively.
func Redact(config map[string]json.RawMessage) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(config))
	masked, _ := json.Marshal(Redacted)
	for k, v := range config {
		switch {
		case isSecret(k):
			out[k] = masked
		case isObject(v):
			var nested map[string]json.RawMessage
			if err := json.Unmarshal(v, &nested); err != nil {
				out[k] = masked
				continue
			}
			b, err := json.Marshal(Redact(nested))
			if err != nil {
				out[k] = masked
				continue
			}
			out[k] = b
		default:
			out[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

func isSecret(key string) bool {
	k := strings.ToLower(key)
	for _, m := range secretMarkers {
		if strings.Contains(k, m) {
			return true
		}
	}
	return false
}

func isObject(v json.RawMessage) bool {
	s := strings.TrimSpace(string(v))
	return strings.HasPrefix(s, "{")
}
