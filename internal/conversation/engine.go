// Package conversation appends to conversation logs with optimistic concurrency. A writer whose
// view of the log is stale gets a fork instead of a merge.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/chirino/workspace-service/internal/identity"
	"github.com/chirino/workspace-service/internal/model"
	"github.com/chirino/workspace-service/internal/references"
	registrystore "github.com/chirino/workspace-service/internal/registry/store"
	"github.com/chirino/workspace-service/internal/security"
	"github.com/google/uuid"
)

const (
	// DefaultName names a conversation created without a first message.
	DefaultName = "New conversation"
	// DefaultRoot is the folder conversations are created under, one subfolder per user.
	DefaultRoot = "/conversations"
	// DefaultNameMaxLength caps, in runes, a name derived from the first message.
	DefaultNameMaxLength = 50
)

const (
	forkSuffix = " (forked)"
	// maxAttempts bounds how often a row-version race re-evaluates the append.
	maxAttempts = 3
)

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	Root          string
	NameMaxLength int
	Now           func() time.Time
}

// AppendResult tells the caller where the entries landed. When Forked is set the caller
// continues in the new conversation.
type AppendResult struct {
	ConversationID int64 `json:"conversationId"`
	DocumentID     int64 `json:"documentId"`
	Forked         bool  `json:"forked"`
}

// Engine reads and appends conversation documents through a DocumentStore.
type Engine struct {
	store   registrystore.DocumentStore
	root    string
	nameMax int
	now     func() time.Time
}

// NewEngine returns an Engine writing to store.
func NewEngine(store registrystore.DocumentStore, opts Options) *Engine {
	e := &Engine{store: store, root: opts.Root, nameMax: opts.NameMaxLength, now: opts.Now}
	if e.root == "" {
		e.root = DefaultRoot
	}
	if e.nameMax <= 0 {
		e.nameMax = DefaultNameMaxLength
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// GetOrCreate loads conversation id, or creates a new one named after firstMessage when id is nil.
func (e *Engine) GetOrCreate(ctx context.Context, sess security.Session, id *int64, firstMessage string) (int64, *model.ConversationContent, error) {
	if id != nil {
		_, c, err := e.load(ctx, sess.Scope(), *id)
		if err != nil {
			return 0, nil, err
		}
		return *id, c, nil
	}

	now := e.now().UTC()
	c := &model.ConversationContent{
		Metadata: model.ConversationMetadata{
			UserID:    sess.UserID,
			Name:      e.nameFrom(firstMessage),
			CreatedAt: now,
			UpdatedAt: now,
		},
		Log: []json.RawMessage{},
	}
	newID, err := e.create(ctx, sess, c)
	if err != nil {
		return 0, nil, err
	}
	log.Info("Conversation created", "id", newID, "user", sess.UserID)
	return newID, c, nil
}

// AppendLog appends entries to conversation id when its log still has expectedLogLength entries.
// Otherwise it forks: a new conversation holding log[:expectedLogLength] followed by entries.
// The original conversation is never rewritten.
func (e *Engine) AppendLog(ctx context.Context, sess security.Session, id int64, entries []json.RawMessage, expectedLogLength int) (AppendResult, error) {
	scope := sess.Scope()
	for attempt := 1; ; attempt++ {
		doc, c, err := e.load(registrystore.WithFreshRead(ctx), scope, id)
		if err != nil {
			return AppendResult{}, err
		}
		actual := len(c.Log)
		if expectedLogLength < 0 || expectedLogLength > actual {
			return AppendResult{}, &registrystore.ValidationError{
				Field:   "expectedLogLength",
				Message: fmt.Sprintf("must be between 0 and %d, got %d", actual, expectedLogLength),
			}
		}
		if expectedLogLength != actual {
			return e.fork(ctx, sess, id, c, entries, expectedLogLength)
		}

		err = e.appendInPlace(ctx, scope, doc, c, entries)
		var conflict *registrystore.ConflictError
		if errors.As(err, &conflict) && attempt < maxAttempts {
			log.Debug("Conversation changed during append, re-evaluating", "id", id, "attempt", attempt)
			continue
		}
		if err != nil {
			return AppendResult{}, err
		}
		return AppendResult{ConversationID: id, DocumentID: id}, nil
	}
}

func (e *Engine) appendInPlace(ctx context.Context, scope registrystore.Scope, doc *model.Document, c *model.ConversationContent, entries []json.RawMessage) error {
	next := *c
	next.Log = append(append(make([]json.RawMessage, 0, len(c.Log)+len(entries)), c.Log...), entries...)
	next.Metadata.LogLength = len(next.Log)
	next.Metadata.UpdatedAt = e.now().UTC()
	raw, refs, err := encode(&next)
	if err != nil {
		return err
	}
	expected := doc.Version
	return e.store.Update(ctx, scope, doc.ID, registrystore.DocumentPatch{
		Content:         raw,
		References:      refs,
		ExpectedVersion: &expected,
	})
}

func (e *Engine) fork(ctx context.Context, sess security.Session, from int64, c *model.ConversationContent, entries []json.RawMessage, keep int) (AppendResult, error) {
	now := e.now().UTC()
	forked := &model.ConversationContent{
		Metadata: model.ConversationMetadata{
			UserID:     sess.UserID,
			Name:       c.Metadata.Name + forkSuffix,
			CreatedAt:  now,
			UpdatedAt:  now,
			ForkedFrom: &from,
		},
	}
	forked.Log = append(append(make([]json.RawMessage, 0, keep+len(entries)), c.Log[:keep]...), entries...)
	newID, err := e.create(ctx, sess, forked)
	if err != nil {
		return AppendResult{}, fmt.Errorf("fork conversation %d: %w", from, err)
	}
	security.RecordConversationFork()
	log.Info("Conversation forked", "from", from, "to", newID, "kept", keep, "dropped", len(c.Log)-keep, "user", sess.UserID)
	return AppendResult{ConversationID: newID, DocumentID: newID, Forked: true}, nil
}

func (e *Engine) create(ctx context.Context, sess security.Session, c *model.ConversationContent) (int64, error) {
	c.Metadata.LogLength = len(c.Log)
	raw, refs, err := encode(c)
	if err != nil {
		return 0, err
	}
	return e.store.Create(ctx, sess.Scope(), registrystore.NewDocument{
		Name:       c.Metadata.Name,
		Path:       e.pathFor(sess.UserID, c.Metadata.Name),
		Type:       model.TypeConversation,
		Content:    raw,
		References: refs,
		CreatedBy:  sess.UserID,
	})
}

func (e *Engine) load(ctx context.Context, scope registrystore.Scope, id int64) (*model.Document, *model.ConversationContent, error) {
	doc, err := e.store.GetByID(ctx, scope, id)
	if err != nil {
		return nil, nil, err
	}
	if doc.Type != model.TypeConversation {
		return nil, nil, &registrystore.ValidationError{
			Field:   "type",
			Message: fmt.Sprintf("document %d is a %s, not a conversation", id, doc.Type),
		}
	}
	var c model.ConversationContent
	if err := json.Unmarshal(doc.Content, &c); err != nil {
		return nil, nil, &registrystore.ValidationError{Field: "content", Message: err.Error()}
	}
	if c.Log == nil {
		c.Log = []json.RawMessage{}
	}
	return doc, &c, nil
}

// nameFrom truncates the first message to the configured number of runes.
func (e *Engine) nameFrom(firstMessage string) string {
	name := strings.Join(strings.Fields(firstMessage), " ")
	if name == "" {
		return DefaultName
	}
	if utf8.RuneCountInString(name) > e.nameMax {
		name = strings.TrimSpace(string([]rune(name)[:e.nameMax]))
	}
	return name
}

func (e *Engine) pathFor(userID, name string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return path.Join(e.root, userID, identity.Slugify(name)+"-"+suffix)
}

func encode(c *model.ConversationContent) (json.RawMessage, []int64, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, nil, fmt.Errorf("encode conversation: %w", err)
	}
	refs, err := references.Extract(model.TypeConversation, raw)
	if err != nil {
		return nil, nil, err
	}
	return raw, refs, nil
}
