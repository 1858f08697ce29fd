package model

import (
	"encoding/json"
	"time"
)

// DocumentType selects the payload schema of a document and which merge/reference rules apply.
type DocumentType string

const (
	TypeQuestion     DocumentType = "question"
	TypeDashboard    DocumentType = "dashboard"
	TypePresentation DocumentType = "presentation"
	TypeNotebook     DocumentType = "notebook"
	TypeReport       DocumentType = "report"
	TypeContext      DocumentType = "context"
	TypeConnection   DocumentType = "connection"
	TypeConversation DocumentType = "conversation"
	TypeRecording    DocumentType = "recording"
	TypeConfig       DocumentType = "config"
	TypeFolder       DocumentType = "folder"
)

// DocumentTypes lists every known document type.
var DocumentTypes = []DocumentType{
	TypeQuestion,
	TypeDashboard,
	TypePresentation,
	TypeNotebook,
	TypeReport,
	TypeContext,
	TypeConnection,
	TypeConversation,
	TypeRecording,
	TypeConfig,
	TypeFolder,
}

// Valid reports whether t is a known document type.
func (t DocumentType) Valid() bool {
	for _, known := range DocumentTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Deletable reports whether documents of this type may ever be deleted.
func (t DocumentType) Deletable() bool {
	return t != TypeConfig
}

// Workspace modes partition a tenant's documents.
const (
	ModeOrg      = "org"
	ModeTutorial = "tutorial"
)

// Document is a typed, path-addressed, tenant-scoped record.
type Document struct {
	ID         int64           `json:"id"                  gorm:"primaryKey;autoIncrement"`
	TenantID   string          `json:"tenantId"            gorm:"not null;uniqueIndex:ux_documents_tenant_mode_path,priority:1"`
	Mode       string          `json:"mode"                gorm:"not null;uniqueIndex:ux_documents_tenant_mode_path,priority:2"`
	Name       string          `json:"name"                gorm:"not null"`
	Path       string          `json:"path"                gorm:"not null;uniqueIndex:ux_documents_tenant_mode_path,priority:3"`
	Type       DocumentType    `json:"type"                gorm:"not null"`
	Content    json.RawMessage `json:"content"             gorm:"serializer:json;not null"`
	References []int64         `json:"references"          gorm:"column:refs;serializer:json;not null"`
	Version    int64           `json:"version"             gorm:"not null;default:1"`
	CreatedBy  string          `json:"createdBy,omitempty" gorm:"not null;default:''"`
	CreatedAt  time.Time       `json:"createdAt"           gorm:"not null"`
	UpdatedAt  time.Time       `json:"updatedAt"           gorm:"not null"`
}

func (Document) TableName() string { return "documents" }

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	c := *d
	c.Content = append(json.RawMessage(nil), d.Content...)
	c.References = append([]int64{}, d.References...)
	return &c
}
