package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Content is the typed payload of a document. Each DocumentType has exactly one variant.
type Content interface {
	DocumentType() DocumentType
}

// AssetRef is an embedded asset of a dashboard-like document.
type AssetRef struct {
	Type string `json:"type"`
	ID   int64  `json:"id,omitempty"`
}

// QueryReference is a composed-query reference from a question to another question.
type QueryReference struct {
	ID    int64  `json:"id"`
	Alias string `json:"alias,omitempty"`
}

// QuestionContent is the payload of a question document.
type QuestionContent struct {
	Query        string            `json:"query"`
	DatabaseName string            `json:"databaseName,omitempty"`
	VizSettings  json.RawMessage   `json:"vizSettings,omitempty"`
	Parameters   []json.RawMessage `json:"parameters,omitempty"`
	References   []QueryReference  `json:"references,omitempty"`
}

// AssetsContent is the shared payload of dashboards, presentations and notebooks.
type AssetsContent struct {
	Type   DocumentType    `json:"-"`
	Assets []AssetRef      `json:"assets"`
	Layout json.RawMessage `json:"layout,omitempty"`
}

// ReportReference is one entry of a report's reference list.
type ReportReference struct {
	Reference struct {
		ID   int64  `json:"id"`
		Type string `json:"type,omitempty"`
	} `json:"reference"`
	Prompt string `json:"prompt,omitempty"`
}

// ReportContent is the payload of a report document.
type ReportContent struct {
	References []ReportReference `json:"references"`
	Schedule   json.RawMessage   `json:"schedule,omitempty"`
}

// ContextVersion is one payload snapshot of a context document.
type ContextVersion struct {
	Version     int             `json:"version"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"createdAt"`
	CreatedBy   string          `json:"createdBy,omitempty"`
	Description string          `json:"description,omitempty"`
}

// ContextContent is the versioned payload of a context (knowledge base) document.
type ContextContent struct {
	Versions  []ContextVersion `json:"versions"`
	Published map[string]int   `json:"published"`
}

// ConversationMetadata is the header of a conversation log.
type ConversationMetadata struct {
	UserID     string    `json:"userId"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	LogLength  int       `json:"logLength"`
	ForkedFrom *int64    `json:"forkedFrom,omitempty"`
}

// ConversationContent is the payload of a conversation document.
type ConversationContent struct {
	Metadata ConversationMetadata `json:"metadata"`
	Log      []json.RawMessage    `json:"log"`
}

// ConnectionContent is the payload of a connection document.
type ConnectionContent struct {
	Dialect string                     `json:"type"`
	Config  map[string]json.RawMessage `json:"config,omitempty"`
	Schemas []string                   `json:"schemas,omitempty"`
}

// OpaqueContent carries the payload of types whose schema the core does not interpret.
type OpaqueContent struct {
	Type   DocumentType
	Fields map[string]json.RawMessage
}

func (QuestionContent) DocumentType() DocumentType     { return TypeQuestion }
func (c AssetsContent) DocumentType() DocumentType     { return c.Type }
func (ReportContent) DocumentType() DocumentType       { return TypeReport }
func (ContextContent) DocumentType() DocumentType      { return TypeContext }
func (ConversationContent) DocumentType() DocumentType { return TypeConversation }
func (ConnectionContent) DocumentType() DocumentType   { return TypeConnection }
func (c OpaqueContent) DocumentType() DocumentType     { return c.Type }

// DecodeContent parses raw into the variant selected by t.
func DecodeContent(t DocumentType, raw json.RawMessage) (Content, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var c Content
	var err error
	switch t {
	case TypeQuestion:
		var v QuestionContent
		err = decode(t, raw, &v)
		c = v
	case TypeDashboard, TypePresentation, TypeNotebook:
		v := AssetsContent{Type: t}
		err = decode(t, raw, &v)
		c = v
	case TypeReport:
		var v ReportContent
		err = decode(t, raw, &v)
		c = v
	case TypeContext:
		var v ContextContent
		err = decode(t, raw, &v)
		c = v
	case TypeConversation:
		var v ConversationContent
		err = decode(t, raw, &v)
		c = v
	case TypeConnection:
		var v ConnectionContent
		err = decode(t, raw, &v)
		c = v
	case TypeRecording, TypeConfig, TypeFolder:
		v := OpaqueContent{Type: t}
		err = decode(t, raw, &v.Fields)
		c = v
	default:
		return nil, fmt.Errorf("unknown document type %q", t)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func decode(t DocumentType, raw json.RawMessage, into any) error {
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("decode %s content: %w", t, err)
	}
	return nil
}
