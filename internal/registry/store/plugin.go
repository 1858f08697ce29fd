package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/chirino/workspace-service/internal/model"
)

// Scope is the tenant/mode isolation boundary applied to every gateway call.
type Scope struct {
	TenantID string
	Mode     string
}

// Validate rejects scopes that would not constrain a query.
func (s Scope) Validate() error {
	if strings.TrimSpace(s.TenantID) == "" {
		return &ValidationError{Field: "tenantId", Message: "is required"}
	}
	if strings.TrimSpace(s.Mode) == "" {
		return &ValidationError{Field: "mode", Message: "is required"}
	}
	return nil
}

// NewDocument is the input for creating a document. References must be derived from Content
// by the caller; the store persists them verbatim.
type NewDocument struct {
	Name       string             `validate:"required"`
	Path       string             `validate:"required,startswith=/"`
	Type       model.DocumentType `validate:"required"`
	Content    json.RawMessage    `validate:"required"`
	References []int64
	CreatedBy  string
}

// DocumentPatch describes an update. Nil fields are left unchanged. Content and References
// travel together.
type DocumentPatch struct {
	Name       *string
	Path       *string
	Content    json.RawMessage
	References []int64
	// ExpectedVersion turns the update into a compare-and-swap on the row version.
	ExpectedVersion *int64
}

// BatchItem is one document of an atomic BatchSave. A nil ID creates the document.
type BatchItem struct {
	ID         *int64
	Name       string
	Path       string
	Type       model.DocumentType
	Content    json.RawMessage
	References []int64
	CreatedBy  string
}

// ListQuery filters ListAll. Depth counts path segments below the matching prefix (or below
// "/" when no prefix is given); zero or negative means unlimited.
type ListQuery struct {
	Types        []model.DocumentType
	PathPrefixes []string
	Depth        int
}

// DocumentStore is the document persistence gateway.
type DocumentStore interface {
	Create(ctx context.Context, scope Scope, doc NewDocument) (int64, error)
	Update(ctx context.Context, scope Scope, id int64, patch DocumentPatch) error
	GetByID(ctx context.Context, scope Scope, id int64) (*model.Document, error)
	GetByPath(ctx context.Context, scope Scope, path string) (*model.Document, error)
	Delete(ctx context.Context, scope Scope, id int64) (bool, error)
	ListAll(ctx context.Context, scope Scope, query ListQuery) ([]model.Document, error)
	// BatchSave creates or updates every item atomically: either all ids are returned or
	// nothing was written. An item with an ID must carry the stored type; a nil Content on
	// such an item leaves the content unchanged.
	BatchSave(ctx context.Context, scope Scope, items []BatchItem) ([]int64, error)
}

type freshReadKey struct{}

// WithFreshRead marks GetByID calls made with the returned context as bypassing any read
// cache. Reads that feed a compare-and-swap must use it.
func WithFreshRead(ctx context.Context) context.Context {
	return context.WithValue(ctx, freshReadKey{}, true)
}

// IsFreshRead reports whether ctx was marked by WithFreshRead.
func IsFreshRead(ctx context.Context) bool {
	fresh, _ := ctx.Value(freshReadKey{}).(bool)
	return fresh
}

// Pinger is implemented by stores that can check their connection. The server uses it as a
// readiness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Loader creates a DocumentStore from config.
type Loader func(ctx context.Context) (DocumentStore, error)

// Plugin represents a store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown store %q; valid: %v", name, Names())
}

// DocumentNotFound builds the NotFoundError returned for a missing document id.
func DocumentNotFound(id int64) *NotFoundError {
	return &NotFoundError{Resource: "document", ID: strconv.FormatInt(id, 10)}
}

// PathDepth returns the number of segments of path below prefix, or -1 when path is not
// under prefix.
func PathDepth(prefix, path string) int {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix != "" && path != prefix && !strings.HasPrefix(path, prefix+"/") {
		return -1
	}
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return 0
	}
	return strings.Count(rest, "/") + 1
}

// MatchesListQuery applies the depth/prefix rules of q to path. Backends pre-filter by prefix
// in the database and use this for the depth cut.
func MatchesListQuery(q ListQuery, path string) bool {
	prefixes := q.PathPrefixes
	if len(prefixes) == 0 {
		prefixes = []string{"/"}
	}
	for _, p := range prefixes {
		d := PathDepth(p, path)
		if d < 0 {
			continue
		}
		if q.Depth <= 0 || d <= q.Depth {
			return true
		}
	}
	return false
}
