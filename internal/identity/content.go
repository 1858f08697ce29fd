package identity

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/chirino/workspace-service/internal/contextdoc"
	"github.com/chirino/workspace-service/internal/model"
	registrystore "github.com/chirino/workspace-service/internal/registry/store"
)

// ownsContent reports whether t's content is written only by its own engine: conversation
// logs are appended by the conversation engine, context versions change through version
// operations.
func ownsContent(t model.DocumentType) bool {
	return t == model.TypeConversation || t == model.TypeContext
}

// CheckContentUpdate rejects replacing the content of an existing document of type t through
// a generic write. Name and path may still change.
func CheckContentUpdate(t model.DocumentType) error {
	switch t {
	case model.TypeConversation:
		return &registrystore.ValidationError{Field: "content", Message: "conversation logs only change by appending to them"}
	case model.TypeContext:
		return &registrystore.ValidationError{Field: "content", Message: "context versions only change through the version operations"}
	}
	return nil
}

// NewContent checks the content of a document created through a generic write and returns
// what to store. Conversations must be started by the conversation engine; context content is
// normalized, so a flat payload becomes version 1, and must satisfy the version invariants.
func NewContent(t model.DocumentType, content json.RawMessage, createdBy string, now time.Time) (json.RawMessage, error) {
	switch t {
	case model.TypeConversation:
		return nil, &registrystore.ValidationError{Field: "type", Message: "conversations are created by starting one"}
	case model.TypeContext:
		c, err := contextdoc.Normalize(content, now.UTC(), createdBy)
		if err != nil {
			return nil, asContentError(err)
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		return c.Encode()
	}
	return content, nil
}

func asContentError(err error) error {
	var ve *registrystore.ValidationError
	if errors.As(err, &ve) {
		return err
	}
	return &registrystore.ValidationError{Field: "content", Message: err.Error()}
}
