// Package gormstore implements the document store on top of GORM. The postgres and sqlite
// plugins share it and differ only in connection setup, schema and duplicate-key detection.
package gormstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/chirino/workspace-service/internal/model"
	registrycache "github.com/chirino/workspace-service/internal/registry/cache"
	registrystore "github.com/chirino/workspace-service/internal/registry/store"
	"gorm.io/gorm"
)

// Options configures a Store.
type Options struct {
	// Cache holds documents read by id. Nil disables caching.
	Cache    registrycache.DocumentCache
	CacheTTL time.Duration
	// IsUniqueViolation recognizes driver errors that GORM's error translation missed.
	IsUniqueViolation func(error) bool
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store implements registrystore.DocumentStore using GORM.
type Store struct {
	db                *gorm.DB
	cache             registrycache.DocumentCache
	cacheTTL          time.Duration
	isUniqueViolation func(error) bool
	now               func() time.Time
}

// New wraps an open GORM connection. The connection should be opened with TranslateError.
func New(db *gorm.DB, opts Options) *Store {
	s := &Store{
		db:                db,
		cache:             opts.Cache,
		cacheTTL:          opts.CacheTTL,
		isUniqueViolation: opts.IsUniqueViolation,
		now:               opts.Now,
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// DB exposes the underlying connection, for migrators and tests.
func (s *Store) DB() *gorm.DB { return s.db }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// scoped is the only place the tenant/mode predicate is applied; every query starts here.
func scoped(tx *gorm.DB, scope registrystore.Scope) *gorm.DB {
	return tx.Model(&model.Document{}).Where("tenant_id = ? AND mode = ?", scope.TenantID, scope.Mode)
}

func (s *Store) Create(ctx context.Context, scope registrystore.Scope, doc registrystore.NewDocument) (int64, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}
	if err := registrystore.ValidateNewDocument(doc); err != nil {
		return 0, err
	}
	return s.create(s.db.WithContext(ctx), scope, doc)
}

func (s *Store) create(tx *gorm.DB, scope registrystore.Scope, doc registrystore.NewDocument) (int64, error) {
	now := s.now()
	row := model.Document{
		TenantID:   scope.TenantID,
		Mode:       scope.Mode,
		Name:       doc.Name,
		Path:       doc.Path,
		Type:       doc.Type,
		Content:    doc.Content,
		References: nonNil(doc.References),
		Version:    1,
		CreatedBy:  doc.CreatedBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.Create(&row).Error; err != nil {
		return 0, s.translate(err, doc.Path)
	}
	return row.ID, nil
}

func (s *Store) Update(ctx context.Context, scope registrystore.Scope, id int64, patch registrystore.DocumentPatch) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if err := registrystore.ValidatePatch(patch); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.update(tx, scope, id, patch)
	})
	var conflict *registrystore.ConflictError
	if errors.As(err, &conflict) {
		// The caller's read was stale; drop it so the retry sees the current row.
		s.invalidate(ctx, scope, id)
	}
	if err != nil {
		return err
	}
	s.invalidate(ctx, scope, id)
	return nil
}

func (s *Store) update(tx *gorm.DB, scope registrystore.Scope, id int64, patch registrystore.DocumentPatch) error {
	updates := map[string]any{
		"version":    gorm.Expr("version + 1"),
		"updated_at": s.now(),
	}
	path := ""
	if patch.Name != nil {
		updates["name"] = *patch.Name
	}
	if patch.Path != nil {
		path = *patch.Path
		updates["path"] = path
	}
	if patch.Content != nil {
		content, err := compactJSON(patch.Content)
		if err != nil {
			return &registrystore.ValidationError{Field: "content", Message: err.Error()}
		}
		refs, err := json.Marshal(nonNil(patch.References))
		if err != nil {
			return err
		}
		updates["content"] = content
		updates["refs"] = string(refs)
	}

	q := scoped(tx, scope).Where("id = ?", id)
	if patch.ExpectedVersion != nil {
		q = q.Where("version = ?", *patch.ExpectedVersion)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return s.translate(res.Error, path)
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := scoped(tx, scope).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return registrystore.DocumentNotFound(id)
	}
	return &registrystore.ConflictError{
		Message: fmt.Sprintf("document %d was modified concurrently", id),
		Code:    "version_mismatch",
	}
}

func (s *Store) GetByID(ctx context.Context, scope registrystore.Scope, id int64) (*model.Document, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	key := registrycache.Key{TenantID: scope.TenantID, Mode: scope.Mode, ID: id}
	if s.cacheAvailable() && !registrystore.IsFreshRead(ctx) {
		cached, err := s.cache.Get(ctx, key)
		if err != nil {
			log.Warn("Document cache read failed", "id", id, "err", err)
		} else if cached != nil {
			return cached, nil
		}
	}

	var doc model.Document
	err := scoped(s.db.WithContext(ctx), scope).Where("id = ?", id).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, registrystore.DocumentNotFound(id)
	}
	if err != nil {
		return nil, err
	}
	doc.References = nonNil(doc.References)

	if s.cacheAvailable() {
		if err := s.cache.Set(ctx, key, doc, s.cacheTTL); err != nil {
			log.Warn("Document cache write failed", "id", id, "err", err)
		}
	}
	return &doc, nil
}

func (s *Store) GetByPath(ctx context.Context, scope registrystore.Scope, path string) (*model.Document, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	var doc model.Document
	err := scoped(s.db.WithContext(ctx), scope).Where("path = ?", path).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &registrystore.NotFoundError{Resource: "document", ID: path}
	}
	if err != nil {
		return nil, err
	}
	doc.References = nonNil(doc.References)
	return &doc, nil
}

func (s *Store) Delete(ctx context.Context, scope registrystore.Scope, id int64) (bool, error) {
	if err := scope.Validate(); err != nil {
		return false, err
	}
	deleted := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc model.Document
		err := scoped(tx, scope).Where("id = ?", id).First(&doc).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !doc.Type.Deletable() {
			return &registrystore.ConstraintError{Message: fmt.Sprintf("%s documents cannot be deleted", doc.Type)}
		}
		if doc.Type == model.TypeFolder {
			var children int64
			prefix := strings.TrimSuffix(doc.Path, "/") + "/"
			err := scoped(tx, scope).
				Where("id <> ? AND substr(path, 1, ?) = ?", id, utf8.RuneCountInString(prefix), prefix).
				Count(&children).Error
			if err != nil {
				return err
			}
			if children > 0 {
				return &registrystore.ConstraintError{Message: fmt.Sprintf("folder %s is not empty", doc.Path)}
			}
		}
		res := scoped(tx, scope).Where("id = ?", id).Delete(&model.Document{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	if deleted {
		s.invalidate(ctx, scope, id)
	}
	return deleted, nil
}

func (s *Store) ListAll(ctx context.Context, scope registrystore.Scope, query registrystore.ListQuery) ([]model.Document, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	q := scoped(s.db.WithContext(ctx), scope)
	if len(query.Types) > 0 {
		types := make([]string, len(query.Types))
		for i, t := range query.Types {
			types[i] = string(t)
		}
		q = q.Where("type IN ?", types)
	}
	if clause, args := prefixFilter(query.PathPrefixes); clause != "" {
		q = q.Where(clause, args...)
	}

	var rows []model.Document
	if err := q.Order("path ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.Document, 0, len(rows))
	for _, d := range rows {
		if !registrystore.MatchesListQuery(query, d.Path) {
			continue
		}
		d.References = nonNil(d.References)
		out = append(out, d)
	}
	// Database collations may not order paths bytewise.
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// prefixFilter builds the SQL pre-filter for path prefixes. Empty means no restriction.
func prefixFilter(prefixes []string) (string, []any) {
	var clauses []string
	var args []any
	for _, p := range prefixes {
		p = strings.TrimSuffix(p, "/")
		if p == "" {
			return "", nil
		}
		clauses = append(clauses, "(path = ? OR substr(path, 1, ?) = ?)")
		args = append(args, p, utf8.RuneCountInString(p)+1, p+"/")
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "(" + strings.Join(clauses, " OR ") + ")", args
}

func (s *Store) BatchSave(ctx context.Context, scope registrystore.Scope, items []registrystore.BatchItem) ([]int64, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	for i, item := range items {
		if err := registrystore.ValidateBatchItem(item); err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
	}

	ids := make([]int64, len(items))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, item := range items {
			if item.ID == nil {
				id, err := s.create(tx, scope, registrystore.NewDocument{
					Name:       item.Name,
					Path:       item.Path,
					Type:       item.Type,
					Content:    item.Content,
					References: item.References,
					CreatedBy:  item.CreatedBy,
				})
				if err != nil {
					return fmt.Errorf("batch item %d: %w", i, err)
				}
				ids[i] = id
				continue
			}
			if err := checkStoredType(tx, scope, *item.ID, item.Type); err != nil {
				return fmt.Errorf("batch item %d: %w", i, err)
			}
			name, path := item.Name, item.Path
			patch := registrystore.DocumentPatch{Name: &name, Path: &path, Content: item.Content, References: item.References}
			if err := s.update(tx, scope, *item.ID, patch); err != nil {
				return fmt.Errorf("batch item %d: %w", i, err)
			}
			ids[i] = *item.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.ID != nil {
			s.invalidate(ctx, scope, *item.ID)
		}
	}
	return ids, nil
}

// checkStoredType rejects a batch update whose type differs from the stored one; its references
// were derived under the wrong content schema.
func checkStoredType(tx *gorm.DB, scope registrystore.Scope, id int64, t model.DocumentType) error {
	var stored model.Document
	err := scoped(tx, scope).Select("id", "type").Where("id = ?", id).First(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return registrystore.DocumentNotFound(id)
	}
	if err != nil {
		return err
	}
	return registrystore.CheckType(id, stored.Type, t)
}

func (s *Store) cacheAvailable() bool {
	return s.cache != nil && s.cache.Available()
}

func (s *Store) invalidate(ctx context.Context, scope registrystore.Scope, id int64) {
	if !s.cacheAvailable() {
		return
	}
	key := registrycache.Key{TenantID: scope.TenantID, Mode: scope.Mode, ID: id}
	if err := s.cache.Remove(ctx, key); err != nil {
		log.Warn("Document cache invalidation failed", "id", id, "err", err)
	}
}

func (s *Store) translate(err error, path string) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) || (s.isUniqueViolation != nil && s.isUniqueViolation(err)) {
		return &registrystore.PathConflictError{Path: path}
	}
	return err
}

func compactJSON(raw json.RawMessage) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

var _ registrystore.DocumentStore = (*Store)(nil)
