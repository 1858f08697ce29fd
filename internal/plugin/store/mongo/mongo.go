package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/chirino/workspace-service/internal/config"
	"github.com/chirino/workspace-service/internal/model"
	registrycache "github.com/chirino/workspace-service/internal/registry/cache"
	registrymigrate "github.com/chirino/workspace-service/internal/registry/migrate"
	registrystore "github.com/chirino/workspace-service/internal/registry/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	documentsCollection = "documents"
	countersCollection  = "counters"
)

func init() {
	registrystore.Register(registrystore.Plugin{
		Name: "mongo",
		Loader: func(ctx context.Context) (registrystore.DocumentStore, error) {
			cfg := config.FromContext(ctx)
			opts := options.Client().ApplyURI(cfg.DBURL)
			if cfg.DBMaxOpenConns > 0 {
				opts.SetMaxPoolSize(uint64(cfg.DBMaxOpenConns))
			}
			if cfg.DBMaxIdleConns > 0 {
				opts.SetMinPoolSize(uint64(cfg.DBMaxIdleConns))
			}
			client, err := mongo.Connect(opts)
			if err != nil {
				return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
			}
			if err := client.Ping(ctx, nil); err != nil {
				return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
			}

			log.Info("MongoDB document store ready", "database", cfg.MongoDatabase)
			return &MongoStore{
				client:   client,
				db:       client.Database(databaseName(cfg)),
				cache:    registrycache.DocumentCacheFromContext(ctx),
				cacheTTL: cfg.CacheDocumentTTL,
			}, nil
		},
	})

	registrymigrate.Register(registrymigrate.Plugin{Order: 100, Migrator: &mongoMigrator{}})
}

func databaseName(cfg *config.Config) string {
	if cfg == nil || cfg.MongoDatabase == "" {
		return "workspace_service"
	}
	return cfg.MongoDatabase
}

type mongoMigrator struct{}

func (m *mongoMigrator) Name() string { return "mongo-schema" }
func (m *mongoMigrator) Migrate(ctx context.Context) error {
	cfg := config.FromContext(ctx)
	if cfg == nil || !cfg.DatastoreMigrateAtStart {
		return nil
	}
	if cfg.DatastoreType != "mongo" {
		return nil // skip if not using mongo
	}

	log.Info("Running migration", "name", m.Name())
	client, err := mongo.Connect(options.Client().ApplyURI(cfg.DBURL))
	if err != nil {
		return fmt.Errorf("mongo migration: failed to connect: %w", err)
	}
	defer client.Disconnect(ctx)

	db := client.Database(databaseName(cfg))

	// Collections must exist up front: transactions cannot create them on older servers.
	collections := map[string][]mongo.IndexModel{
		documentsCollection: {
			{
				Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "mode", Value: 1}, {Key: "path", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("ux_documents_tenant_mode_path"),
			},
			{Keys: bson.D{{Key: "tenant_id", Value: 1}, {Key: "mode", Value: 1}, {Key: "type", Value: 1}}},
			{Keys: bson.D{{Key: "refs", Value: 1}}},
		},
		countersCollection: nil,
	}

	for name, indexes := range collections {
		if err := db.CreateCollection(ctx, name); err != nil && !isNamespaceExists(err) {
			return fmt.Errorf("mongo migration: failed to create collection %s: %w", name, err)
		}
		if len(indexes) > 0 {
			if _, err := db.Collection(name).Indexes().CreateMany(ctx, indexes); err != nil {
				return fmt.Errorf("mongo migration: failed to create indexes for %s: %w", name, err)
			}
		}
	}

	log.Info("MongoDB schema migration complete")
	return nil
}

// MongoStore implements DocumentStore using MongoDB. Multi-document writes run in
// transactions, so the server must be a replica set.
type MongoStore struct {
	client   *mongo.Client
	db       *mongo.Database
	cache    registrycache.DocumentCache
	cacheTTL time.Duration
}

// Ping checks the connection to the primary.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

// documentDoc is the stored shape. Content is kept as JSON text so arbitrary payloads
// round-trip unchanged.
type documentDoc struct {
	ID        int64     `bson:"_id"`
	TenantID  string    `bson:"tenant_id"`
	Mode      string    `bson:"mode"`
	Name      string    `bson:"name"`
	Path      string    `bson:"path"`
	Type      string    `bson:"type"`
	Content   string    `bson:"content"`
	Refs      []int64   `bson:"refs"`
	Version   int64     `bson:"version"`
	CreatedBy string    `bson:"created_by"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func (d documentDoc) toModel() model.Document {
	refs := d.Refs
	if refs == nil {
		refs = []int64{}
	}
	return model.Document{
		ID:         d.ID,
		TenantID:   d.TenantID,
		Mode:       d.Mode,
		Name:       d.Name,
		Path:       d.Path,
		Type:       model.DocumentType(d.Type),
		Content:    json.RawMessage(d.Content),
		References: refs,
		Version:    d.Version,
		CreatedBy:  d.CreatedBy,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
}

func (s *MongoStore) documents() *mongo.Collection { return s.db.Collection(documentsCollection) }

// scoped is the only place the tenant/mode predicate is applied; every filter starts here.
func scoped(scope registrystore.Scope, extra ...bson.E) bson.D {
	f := bson.D{{Key: "tenant_id", Value: scope.TenantID}, {Key: "mode", Value: scope.Mode}}
	return append(f, extra...)
}

func (s *MongoStore) nextID(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.db.Collection(countersCollection).FindOneAndUpdate(
		ctx,
		bson.M{"_id": documentsCollection},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("allocate document id: %w", err)
	}
	return counter.Seq, nil
}

func (s *MongoStore) Create(ctx context.Context, scope registrystore.Scope, doc registrystore.NewDocument) (int64, error) {
	if err := scope.Validate(); err != nil {
		return 0, err
	}
	if err := registrystore.ValidateNewDocument(doc); err != nil {
		return 0, err
	}
	return s.create(ctx, scope, doc)
}

func (s *MongoStore) create(ctx context.Context, scope registrystore.Scope, doc registrystore.NewDocument) (int64, error) {
	id, err := s.nextID(ctx)
	if err != nil {
		return 0, err
	}
	content, err := compactJSON(doc.Content)
	if err != nil {
		return 0, &registrystore.ValidationError{Field: "content", Message: err.Error()}
	}
	now := time.Now().UTC()
	row := documentDoc{
		ID:        id,
		TenantID:  scope.TenantID,
		Mode:      scope.Mode,
		Name:      doc.Name,
		Path:      doc.Path,
		Type:      string(doc.Type),
		Content:   content,
		Refs:      nonNil(doc.References),
		Version:   1,
		CreatedBy: doc.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.documents().InsertOne(ctx, row); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return 0, &registrystore.PathConflictError{Path: doc.Path}
		}
		return 0, fmt.Errorf("failed to create document: %w", err)
	}
	return id, nil
}

func (s *MongoStore) Update(ctx context.Context, scope registrystore.Scope, id int64, patch registrystore.DocumentPatch) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if err := registrystore.ValidatePatch(patch); err != nil {
		return err
	}
	if err := s.update(ctx, scope, id, patch); err != nil {
		var conflict *registrystore.ConflictError
		if errors.As(err, &conflict) {
			s.invalidate(ctx, scope, id)
		}
		return err
	}
	s.invalidate(ctx, scope, id)
	return nil
}

func (s *MongoStore) update(ctx context.Context, scope registrystore.Scope, id int64, patch registrystore.DocumentPatch) error {
	set := bson.M{"updated_at": time.Now().UTC()}
	path := ""
	if patch.Name != nil {
		set["name"] = *patch.Name
	}
	if patch.Path != nil {
		path = *patch.Path
		set["path"] = path
	}
	if patch.Content != nil {
		content, err := compactJSON(patch.Content)
		if err != nil {
			return &registrystore.ValidationError{Field: "content", Message: err.Error()}
		}
		set["content"] = content
		set["refs"] = nonNil(patch.References)
	}

	filter := scoped(scope, bson.E{Key: "_id", Value: id})
	if patch.ExpectedVersion != nil {
		filter = append(filter, bson.E{Key: "version", Value: *patch.ExpectedVersion})
	}
	res, err := s.documents().UpdateOne(ctx, filter, bson.M{"$set": set, "$inc": bson.M{"version": int64(1)}})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &registrystore.PathConflictError{Path: path}
		}
		return fmt.Errorf("failed to update document: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	count, err := s.documents().CountDocuments(ctx, scoped(scope, bson.E{Key: "_id", Value: id}))
	if err != nil {
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

func (s *MongoStore) GetByID(ctx context.Context, scope registrystore.Scope, id int64) (*model.Document, error) {
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

	var row documentDoc
	err := s.documents().FindOne(ctx, scoped(scope, bson.E{Key: "_id", Value: id})).Decode(&row)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, registrystore.DocumentNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	doc := row.toModel()

	if s.cacheAvailable() {
		if err := s.cache.Set(ctx, key, doc, s.cacheTTL); err != nil {
			log.Warn("Document cache write failed", "id", id, "err", err)
		}
	}
	return &doc, nil
}

func (s *MongoStore) GetByPath(ctx context.Context, scope registrystore.Scope, path string) (*model.Document, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	var row documentDoc
	err := s.documents().FindOne(ctx, scoped(scope, bson.E{Key: "path", Value: path})).Decode(&row)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, &registrystore.NotFoundError{Resource: "document", ID: path}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	doc := row.toModel()
	return &doc, nil
}

func (s *MongoStore) Delete(ctx context.Context, scope registrystore.Scope, id int64) (bool, error) {
	if err := scope.Validate(); err != nil {
		return false, err
	}
	result, err := s.inTransaction(ctx, func(ctx context.Context) (any, error) {
		var row documentDoc
		err := s.documents().FindOne(ctx, scoped(scope, bson.E{Key: "_id", Value: id})).Decode(&row)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		t := model.DocumentType(row.Type)
		if !t.Deletable() {
			return false, &registrystore.ConstraintError{Message: fmt.Sprintf("%s documents cannot be deleted", t)}
		}
		if t == model.TypeFolder {
			prefix := strings.TrimSuffix(row.Path, "/") + "/"
			children, err := s.documents().CountDocuments(ctx, scoped(scope,
				bson.E{Key: "_id", Value: bson.M{"$ne": id}},
				bson.E{Key: "path", Value: bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}},
			), options.Count().SetLimit(1))
			if err != nil {
				return false, err
			}
			if children > 0 {
				return false, &registrystore.ConstraintError{Message: fmt.Sprintf("folder %s is not empty", row.Path)}
			}
		}
		res, err := s.documents().DeleteOne(ctx, scoped(scope, bson.E{Key: "_id", Value: id}))
		if err != nil {
			return false, err
		}
		return res.DeletedCount > 0, nil
	})
	if err != nil {
		return false, err
	}
	deleted, _ := result.(bool)
	if deleted {
		s.invalidate(ctx, scope, id)
	}
	return deleted, nil
}

func (s *MongoStore) ListAll(ctx context.Context, scope registrystore.Scope, query registrystore.ListQuery) ([]model.Document, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	filter := scoped(scope)
	if len(query.Types) > 0 {
		types := make([]string, len(query.Types))
		for i, t := range query.Types {
			types[i] = string(t)
		}
		filter = append(filter, bson.E{Key: "type", Value: bson.M{"$in": types}})
	}
	if or := prefixFilter(query.PathPrefixes); or != nil {
		filter = append(filter, bson.E{Key: "$or", Value: or})
	}

	cursor, err := s.documents().Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "path", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	var rows []documentDoc
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	out := make([]model.Document, 0, len(rows))
	for _, row := range rows {
		if registrystore.MatchesListQuery(query, row.Path) {
			out = append(out, row.toModel())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func prefixFilter(prefixes []string) []bson.M {
	var or []bson.M
	for _, p := range prefixes {
		p = strings.TrimSuffix(p, "/")
		if p == "" {
			return nil
		}
		or = append(or,
			bson.M{"path": p},
			bson.M{"path": bson.M{"$regex": "^" + regexp.QuoteMeta(p+"/")}},
		)
	}
	return or
}

func (s *MongoStore) BatchSave(ctx context.Context, scope registrystore.Scope, items []registrystore.BatchItem) ([]int64, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	for i, item := range items {
		if err := registrystore.ValidateBatchItem(item); err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
	}

	result, err := s.inTransaction(ctx, func(ctx context.Context) (any, error) {
		ids := make([]int64, len(items))
		for i, item := range items {
			if item.ID == nil {
				id, err := s.create(ctx, scope, registrystore.NewDocument{
					Name:       item.Name,
					Path:       item.Path,
					Type:       item.Type,
					Content:    item.Content,
					References: item.References,
					CreatedBy:  item.CreatedBy,
				})
				if err != nil {
					return nil, fmt.Errorf("batch item %d: %w", i, err)
				}
				ids[i] = id
				continue
			}
			if err := s.checkStoredType(ctx, scope, *item.ID, item.Type); err != nil {
				return nil, fmt.Errorf("batch item %d: %w", i, err)
			}
			name, path := item.Name, item.Path
			patch := registrystore.DocumentPatch{Name: &name, Path: &path, Content: item.Content, References: item.References}
			if err := s.update(ctx, scope, *item.ID, patch); err != nil {
				return nil, fmt.Errorf("batch item %d: %w", i, err)
			}
			ids[i] = *item.ID
		}
		return ids, nil
	})
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.ID != nil {
			s.invalidate(ctx, scope, *item.ID)
		}
	}
	return result.([]int64), nil
}

func (s *MongoStore) checkStoredType(ctx context.Context, scope registrystore.Scope, id int64, t model.DocumentType) error {
	var stored struct {
		Type string `bson:"type"`
	}
	opts := options.FindOne().SetProjection(bson.M{"type": 1})
	err := s.documents().FindOne(ctx, scoped(scope, bson.E{Key: "_id", Value: id}), opts).Decode(&stored)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return registrystore.DocumentNotFound(id)
	}
	if err != nil {
		return fmt.Errorf("failed to get document type: %w", err)
	}
	return registrystore.CheckType(id, model.DocumentType(stored.Type), t)
}

// inTransaction runs fn in a multi-document transaction. Transient errors are retried by
// the driver.
func (s *MongoStore) inTransaction(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	session, err := s.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)
	return session.WithTransaction(ctx, fn)
}

func (s *MongoStore) cacheAvailable() bool {
	return s.cache != nil && s.cache.Available()
}

func (s *MongoStore) invalidate(ctx context.Context, scope registrystore.Scope, id int64) {
	if !s.cacheAvailable() {
		return
	}
	key := registrycache.Key{TenantID: scope.TenantID, Mode: scope.Mode, ID: id}
	if err := s.cache.Remove(ctx, key); err != nil {
		log.Warn("Document cache invalidation failed", "id", id, "err", err)
	}
}

// compactJSON re-encodes raw without insignificant whitespace.
func compactJSON(raw json.RawMessage) (string, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nonNil(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

// isNamespaceExists recognizes the error CreateCollection returns for an existing collection.
func isNamespaceExists(err error) bool {
	var ce mongo.CommandError
	return errors.As(err, &ce) && (ce.Code == 48 || ce.Name == "NamespaceExists")
}

var _ registrystore.DocumentStore = (*MongoStore)(nil)
