package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/chirino/workspace-service/internal/model"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateNewDocument checks the fields every backend requires before inserting.
func ValidateNewDocument(doc NewDocument) error {
	if err := validate.Struct(doc); err != nil {
		return toValidationError(err)
	}
	if !doc.Type.Valid() {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown document type %q", doc.Type)}
	}
	if !json.Valid(doc.Content) {
		return &ValidationError{Field: "content", Message: "must be valid JSON"}
	}
	return validateReferences(doc.References)
}

// ValidatePatch checks an update patch.
func ValidatePatch(patch DocumentPatch) error {
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return &ValidationError{Field: "name", Message: "must not be empty"}
	}
	if patch.Path != nil && !strings.HasPrefix(*patch.Path, "/") {
		return &ValidationError{Field: "path", Message: "must be absolute"}
	}
	if patch.Content == nil && patch.References != nil {
		return &ValidationError{Field: "references", Message: "may only change together with content"}
	}
	if patch.Content != nil && !json.Valid(patch.Content) {
		return &ValidationError{Field: "content", Message: "must be valid JSON"}
	}
	return validateReferences(patch.References)
}

// ValidateBatchItem checks one BatchSave item.
func ValidateBatchItem(item BatchItem) error {
	if item.ID != nil && *item.ID <= 0 {
		return &ValidationError{Field: "id", Message: "virtual or invalid id cannot be persisted"}
	}
	if item.ID == nil {
		return ValidateNewDocument(NewDocument{
			Name:       item.Name,
			Path:       item.Path,
			Type:       item.Type,
			Content:    item.Content,
			References: item.References,
		})
	}
	name, path := item.Name, item.Path
	return ValidatePatch(DocumentPatch{Name: &name, Path: &path, Content: item.Content, References: item.References})
}

// CheckType rejects a write that names a type other than the stored one. Document types never
// change after creation.
func CheckType(id int64, stored, got model.DocumentType) error {
	if stored == got {
		return nil
	}
	return &ValidationError{
		Field:   "type",
		Message: fmt.Sprintf("document %d is a %s, not a %s", id, stored, got),
	}
}

func validateReferences(refs []int64) error {
	for _, id := range refs {
		if id <= 0 {
			return &ValidationError{Field: "references", Message: fmt.Sprintf("reference %d is not a persisted document", id)}
		}
	}
	return nil
}

func toValidationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{
			Field:   strings.ToLower(fe.Field()[:1]) + fe.Field()[1:],
			Message: fmt.Sprintf("failed %q check", fe.Tag()),
		}
	}
	return &ValidationError{Field: "document", Message: err.Error()}
}
