package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lockbox/lockbox/internal/mongox"
)

// RecordsCollection holds credential records in the Mongo backend.
const RecordsCollection = "accounts"

// mongoFile mirrors the GridFS files document so existing fs.files data can
// be served as-is.
type mongoFile struct {
	ID          primitive.ObjectID `bson:"_id"`
	Filename    string             `bson:"filename"`
	ContentType string             `bson:"contentType,omitempty"`
	Length      int64              `bson:"length"`
	ChunkSize   int32              `bson:"chunkSize"`
	UploadDate  time.Time          `bson:"uploadDate"`
	Metadata    map[string]string  `bson:"metadata,omitempty"`
}

type mongoFileRef struct {
	ObjectID    string    `bson:"objectId"`
	DisplayName string    `bson:"filename"`
	ContentType string    `bson:"contentType"`
	Length      int64     `bson:"length"`
	UploadedAt  time.Time `bson:"uploadDate"`
}

type mongoRecord struct {
	ID        string        `bson:"_id"`
	OwnerID   string        `bson:"userId"`
	Title     string        `bson:"title"`
	Website   string        `bson:"website"`
	Username  string        `bson:"username"`
	Email     string        `bson:"email"`
	Secret    string        `bson:"password"`
	Notes     string        `bson:"notes"`
	File      *mongoFileRef `bson:"file"`
	CreatedAt time.Time     `bson:"createdAt"`
	UpdatedAt time.Time     `bson:"updatedAt"`
}

// MongoStore implements Store on MongoDB. Object metadata lives in the
// GridFS "<bucket>.files" collection and records in RecordsCollection.
type MongoStore struct {
	client  *mongo.Client
	files   *mongo.Collection
	records *mongo.Collection
	owns    bool
}

// NewMongoStore binds to database and ensures indexes exist. When owns is
// true Close disconnects the client.
func NewMongoStore(ctx context.Context, client *mongo.Client, database, bucketName string, owns bool) (*MongoStore, error) {
	db := client.Database(database)
	s := &MongoStore{
		client:  client,
		files:   db.Collection(bucketName + ".files"),
		records: db.Collection(RecordsCollection),
		owns:    owns,
	}

	_, err := s.files.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "metadata.owner", Value: 1}, {Key: "uploadDate", Value: -1}},
	})
	if err != nil {
		return nil, fmt.Errorf("creating files index: %w", classifyMongoError(err))
	}
	_, err = s.records.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "file.objectId", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("creating record indexes: %w", classifyMongoError(err))
	}
	return s, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if err := mongox.Ping(ctx, s.client); err != nil {
		return classifyMongoError(err)
	}
	return nil
}

func (s *MongoStore) Close() error {
	if !s.owns {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// ---- Object operations ----

func (s *MongoStore) Commit(ctx context.Context, meta *ObjectMetadata) error {
	oid, err := primitive.ObjectIDFromHex(meta.ID)
	if err != nil {
		return fmt.Errorf("invalid object id %q: %w", meta.ID, err)
	}
	doc := mongoFile{
		ID:          oid,
		Filename:    meta.DisplayName,
		ContentType: meta.ContentType,
		Length:      meta.Length,
		ChunkSize:   int32(meta.ChunkSize),
		UploadDate:  meta.UploadedAt.UTC(),
		Metadata:    meta.Attributes,
	}
	if _, err := s.files.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("object %s: %w", meta.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("committing object %s: %w", meta.ID, classifyMongoError(err))
	}
	return nil
}

func (s *MongoStore) Stat(ctx context.Context, id string) (*ObjectMetadata, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, nil
	}
	var doc mongoFile
	err = s.files.FindOne(ctx, bson.D{{Key: "_id", Value: oid}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting object %s: %w", id, classifyMongoError(err))
	}
	return doc.toMetadata(), nil
}

func (s *MongoStore) Remove(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return fmt.Errorf("object %s: %w", id, ErrNotFound)
	}
	res, err := s.files.DeleteOne(ctx, bson.D{{Key: "_id", Value: oid}})
	if err != nil {
		return fmt.Errorf("deleting object %s: %w", id, classifyMongoError(err))
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("object %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *MongoStore) List(ctx context.Context, opts ListOptions) ([]ObjectMetadata, error) {
	filter := bson.D{}
	if opts.Owner != "" {
		filter = append(filter, bson.E{Key: "metadata." + AttrOwner, Value: opts.Owner})
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "uploadDate", Value: -1}, {Key: "_id", Value: -1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}

	cur, err := s.files.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("listing objects: %w", classifyMongoError(err))
	}
	var docs []mongoFile
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding objects: %w", classifyMongoError(err))
	}

	out := make([]ObjectMetadata, 0, len(docs))
	for i := range docs {
		out = append(out, *docs[i].toMetadata())
	}
	return out, nil
}

func (d *mongoFile) toMetadata() *ObjectMetadata {
	return &ObjectMetadata{
		ID:          d.ID.Hex(),
		DisplayName: d.Filename,
		ContentType: d.ContentType,
		Length:      d.Length,
		ChunkSize:   int(d.ChunkSize),
		UploadedAt:  d.UploadDate.UTC(),
		Attributes:  d.Metadata,
	}
}

// ---- Record operations ----

func (s *MongoStore) CreateRecord(ctx context.Context, rec *Record) error {
	if _, err := s.records.InsertOne(ctx, fromRecord(rec)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("record %s: %w", rec.ID, ErrAlreadyExists)
		}
		return fmt.Errorf("creating record %s: %w", rec.ID, classifyMongoError(err))
	}
	return nil
}

func (s *MongoStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	var doc mongoRecord
	err := s.records.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting record %s: %w", id, classifyMongoError(err))
	}
	return doc.toRecord(), nil
}

func (s *MongoStore) UpdateRecord(ctx context.Context, rec *Record) error {
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "title", Value: rec.Title},
		{Key: "website", Value: rec.Website},
		{Key: "username", Value: rec.Username},
		{Key: "email", Value: rec.Email},
		{Key: "password", Value: rec.Secret},
		{Key: "notes", Value: rec.Notes},
		{Key: "updatedAt", Value: rec.UpdatedAt.UTC()},
	}}}
	res, err := s.records.UpdateOne(ctx, bson.D{{Key: "_id", Value: rec.ID}}, update)
	if err != nil {
		return fmt.Errorf("updating record %s: %w", rec.ID, classifyMongoError(err))
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("record %s: %w", rec.ID, ErrNotFound)
	}
	return nil
}

// SwapRecordFile uses a single filtered update so the binding check and the
// write happen in one document operation.
func (s *MongoStore) SwapRecordFile(ctx context.Context, id, expected string, ref *FileReference) error {
	filter := bson.D{{Key: "_id", Value: id}}
	if expected == "" {
		filter = append(filter, bson.E{Key: "file", Value: nil})
	} else {
		filter = append(filter, bson.E{Key: "file.objectId", Value: expected})
	}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "file", Value: fromFileRef(ref)}}}}

	res, err := s.records.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("swapping file on record %s: %w", id, classifyMongoError(err))
	}
	if res.MatchedCount > 0 {
		return nil
	}

	n, err := s.records.CountDocuments(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return fmt.Errorf("checking record %s: %w", id, classifyMongoError(err))
	}
	if n == 0 {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("record %s not bound to %q: %w", id, expected, ErrConflict)
}

func (s *MongoStore) DeleteRecord(ctx context.Context, id string) (*Record, error) {
	var doc mongoRecord
	err := s.records.FindOneAndDelete(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("deleting record %s: %w", id, classifyMongoError(err))
	}
	return doc.toRecord(), nil
}

func (s *MongoStore) ListRecords(ctx context.Context, ownerID string) ([]Record, error) {
	filter := bson.D{}
	if ownerID != "" {
		filter = append(filter, bson.E{Key: "userId", Value: ownerID})
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: 1}})

	cur, err := s.records.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", classifyMongoError(err))
	}
	var docs []mongoRecord
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding records: %w", classifyMongoError(err))
	}

	out := make([]Record, 0, len(docs))
	for i := range docs {
		out = append(out, *docs[i].toRecord())
	}
	return out, nil
}

func (s *MongoStore) CountFileReferences(ctx context.Context, objectID string) (int, error) {
	n, err := s.records.CountDocuments(ctx, bson.D{{Key: "file.objectId", Value: objectID}})
	if err != nil {
		return 0, fmt.Errorf("counting references to %s: %w", objectID, classifyMongoError(err))
	}
	return int(n), nil
}

func (s *MongoStore) ReferencedObjects(ctx context.Context) (map[string]struct{}, error) {
	ids, err := s.records.Distinct(ctx, "file.objectId", bson.D{{Key: "file", Value: bson.D{{Key: "$ne", Value: nil}}}})
	if err != nil {
		return nil, fmt.Errorf("listing referenced objects: %w", classifyMongoError(err))
	}
	refs := make(map[string]struct{}, len(ids))
	for _, v := range ids {
		if id, ok := v.(string); ok && id != "" {
			refs[id] = struct{}{}
		}
	}
	return refs, nil
}

func fromRecord(rec *Record) mongoRecord {
	return mongoRecord{
		ID:        rec.ID,
		OwnerID:   rec.OwnerID,
		Title:     rec.Title,
		Website:   rec.Website,
		Username:  rec.Username,
		Email:     rec.Email,
		Secret:    rec.Secret,
		Notes:     rec.Notes,
		File:      fromFileRef(rec.File),
		CreatedAt: rec.CreatedAt.UTC(),
		UpdatedAt: rec.UpdatedAt.UTC(),
	}
}

func fromFileRef(ref *FileReference) *mongoFileRef {
	if ref == nil {
		return nil
	}
	return &mongoFileRef{
		ObjectID:    ref.ObjectID,
		DisplayName: ref.DisplayName,
		ContentType: ref.ContentType,
		Length:      ref.Length,
		UploadedAt:  ref.UploadedAt.UTC(),
	}
}

func (d *mongoRecord) toRecord() *Record {
	rec := &Record{
		ID:        d.ID,
		OwnerID:   d.OwnerID,
		Title:     d.Title,
		Website:   d.Website,
		Username:  d.Username,
		Email:     d.Email,
		Secret:    d.Secret,
		Notes:     d.Notes,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
	if d.File != nil {
		rec.File = &FileReference{
			ObjectID:    d.File.ObjectID,
			DisplayName: d.File.DisplayName,
			ContentType: d.File.ContentType,
			Length:      d.File.Length,
			UploadedAt:  d.File.UploadedAt.UTC(),
		}
	}
	return rec
}

func classifyMongoError(err error) error {
	if mongox.IsUnavailable(err) && !errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

var _ Store = (*MongoStore)(nil)
