// Package contextdoc manages the versions of context (knowledge base) documents and which
// version each audience sees.
package contextdoc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/chirino/workspace-service/internal/layering"
	"github.com/chirino/workspace-service/internal/model"
	registrystore "github.com/chirino/workspace-service/internal/registry/store"
)

// AudienceAll is the published-map key that applies to every user without an override.
const AudienceAll = "all"

// Content is the versioned payload of a context document. Transitions return a new value
// and never modify the receiver.
type Content model.ContextContent

// Normalize parses stored content. A legacy flat payload without "versions" becomes version
// 1 published to everyone. Normalizing already-versioned content returns it unchanged.
func Normalize(raw json.RawMessage, createdAt time.Time, createdBy string) (Content, error) {
	fields, err := layering.Decode(raw)
	if err != nil {
		return Content{}, err
	}
	if _, ok := fields["versions"]; !ok {
		payload, err := fields.Encode()
		if err != nil {
			return Content{}, err
		}
		return Content{
			Versions: []model.ContextVersion{{
				Version:   1,
				Payload:   payload,
				CreatedAt: createdAt,
				CreatedBy: createdBy,
			}},
			Published: map[string]int{AudienceAll: 1},
		}, nil
	}

	var c Content
	if err := json.Unmarshal(raw, &c); err != nil {
		return Content{}, fmt.Errorf("decode context content: %w", err)
	}
	if c.Published == nil {
		c.Published = map[string]int{}
	}
	if len(c.Versions) == 0 {
		return Content{}, &registrystore.ValidationError{Field: "versions", Message: "context must have at least one version"}
	}
	if _, ok := c.Published[AudienceAll]; !ok {
		c.Published[AudienceAll] = c.Versions[0].Version
	}
	return c, nil
}

// Encode serializes c.
func (c Content) Encode() (json.RawMessage, error) {
	return json.Marshal(model.ContextContent(c))
}

func (c Content) clone() Content {
	out := Content{
		Versions:  make([]model.ContextVersion, len(c.Versions)),
		Published: make(map[string]int, len(c.Published)),
	}
	for i, v := range c.Versions {
		v.Payload = append(json.RawMessage(nil), v.Payload...)
		out.Versions[i] = v
	}
	for k, v := range c.Published {
		out.Published[k] = v
	}
	return out
}

func (c Content) index(version int) int {
	for i, v := range c.Versions {
		if v.Version == version {
			return i
		}
	}
	return -1
}

// Version returns the given version, if present.
func (c Content) Version(version int) (model.ContextVersion, bool) {
	i := c.index(version)
	if i < 0 {
		return model.ContextVersion{}, false
	}
	return c.Versions[i], true
}

// Latest is the highest version number.
func (c Content) Latest() int {
	latest := 0
	for _, v := range c.Versions {
		latest = max(latest, v.Version)
	}
	return latest
}

// ResolvePublished returns the version userID sees: their own override if set, else the
// version published to everyone.
func (c Content) ResolvePublished(userID string) int {
	if userID != "" {
		if v, ok := c.Published[userID]; ok && c.index(v) >= 0 {
			return v
		}
	}
	return c.Published[AudienceAll]
}

// IsPublished reports whether any audience sees version.
func (c Content) IsPublished(version int) bool {
	for _, v := range c.Published {
		if v == version {
			return true
		}
	}
	return false
}

// CreateVersion copies the payload of source into a new version numbered one above the
// current maximum.
func (c Content) CreateVersion(source int, description, createdBy string, now time.Time) (Content, int, error) {
	src, ok := c.Version(source)
	if !ok {
		return c, 0, &registrystore.ValidationError{Field: "sourceVersion", Message: fmt.Sprintf("version %d does not exist", source)}
	}
	next := c.clone()
	n := c.Latest() + 1
	next.Versions = append(next.Versions, model.ContextVersion{
		Version:     n,
		Payload:     append(json.RawMessage(nil), src.Payload...),
		CreatedAt:   now,
		CreatedBy:   createdBy,
		Description: description,
	})
	return next, n, nil
}

// EditVersion shallow-merges patch into the payload of version.
func (c Content) EditVersion(version int, patch layering.Fields) (Content, error) {
	i := c.index(version)
	if i < 0 {
		return c, &registrystore.NotFoundError{Resource: "context version", ID: strconv.Itoa(version)}
	}
	payload, err := layering.Decode(c.Versions[i].Payload)
	if err != nil {
		return c, &registrystore.ValidationError{Field: "payload", Message: err.Error()}
	}
	merged, err := layering.Merge(payload, patch, nil).Encode()
	if err != nil {
		return c, err
	}
	next := c.clone()
	next.Versions[i].Payload = merged
	return next, nil
}

// PublishVersion makes version the one audience sees. An empty audience means everyone.
func (c Content) PublishVersion(version int, audience string) (Content, error) {
	if c.index(version) < 0 {
		return c, &registrystore.ValidationError{Field: "version", Message: fmt.Sprintf("version %d does not exist", version)}
	}
	if audience == "" {
		audience = AudienceAll
	}
	next := c.clone()
	next.Published[audience] = version
	return next, nil
}

// DeleteVersion removes version. The only version and published versions cannot be deleted.
func (c Content) DeleteVersion(version int) (Content, error) {
	i := c.index(version)
	if i < 0 {
		return c, &registrystore.NotFoundError{Resource: "context version", ID: strconv.Itoa(version)}
	}
	if len(c.Versions) == 1 {
		return c, &registrystore.ConstraintError{Message: "cannot delete the only version of a context"}
	}
	if c.IsPublished(version) {
		return c, &registrystore.ConstraintError{Message: fmt.Sprintf("version %d is published; publish another version first", version)}
	}
	next := c.clone()
	next.Versions = append(next.Versions[:i], next.Versions[i+1:]...)
	return next, nil
}

// Validate checks what every stored context holds: at least one version, unique positive
// version numbers, and every published entry naming an existing version.
func (c Content) Validate() error {
	if len(c.Versions) == 0 {
		return &registrystore.ValidationError{Field: "versions", Message: "context must have at least one version"}
	}
	seen := make(map[int]struct{}, len(c.Versions))
	for _, v := range c.Versions {
		if v.Version <= 0 {
			return &registrystore.ValidationError{Field: "versions", Message: fmt.Sprintf("version %d must be positive", v.Version)}
		}
		if _, dup := seen[v.Version]; dup {
			return &registrystore.ValidationError{Field: "versions", Message: fmt.Sprintf("version %d appears twice", v.Version)}
		}
		seen[v.Version] = struct{}{}
	}
	if _, ok := c.Published[AudienceAll]; !ok {
		return &registrystore.ValidationError{Field: "published", Message: "must publish a version to all"}
	}
	for audience, v := range c.Published {
		if _, ok := seen[v]; !ok {
			return &registrystore.ValidationError{
				Field:   "published",
				Message: fmt.Sprintf("%s is published version %d, which does not exist", audience, v),
			}
		}
	}
	return nil
}

// Equal reports whether two contents encode identically.
func (c Content) Equal(other Content) bool {
	a, errA := c.Encode()
	b, errB := other.Encode()
	return errA == nil && errB == nil && bytes.Equal(a, b)
}
