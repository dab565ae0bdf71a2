package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/lockbox/lockbox/internal/mongox"
)

// mongoChunk is a GridFS-compatible chunk document with an extra write
// timestamp used by the orphan sweep.
type mongoChunk struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	FilesID   primitive.ObjectID `bson:"files_id"`
	N         int32              `bson:"n"`
	Data      []byte             `bson:"data"`
	WrittenAt time.Time          `bson:"writtenAt"`
}

// MongoBackend implements ChunkStore on the <bucket>.chunks collection.
type MongoBackend struct {
	client *mongo.Client
	chunks *mongo.Collection
	owns   bool
}

// NewMongoBackend uses db's "<bucketName>.chunks" collection and ensures the
// {files_id, n} unique index exists. When owns is true Close disconnects
// the client.
func NewMongoBackend(ctx context.Context, client *mongo.Client, database, bucketName string, owns bool) (*MongoBackend, error) {
	coll := client.Database(database).Collection(bucketName + ".chunks")
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "files_id", Value: 1}, {Key: "n", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("creating chunk index: %w", classifyMongoError(err))
	}
	return &MongoBackend{client: client, chunks: coll, owns: owns}, nil
}

func filesID(objectID string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(objectID)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("invalid object id %q: %w", objectID, err)
	}
	return oid, nil
}

// WriteChunk upserts the {files_id, n} document.
func (b *MongoBackend) WriteChunk(ctx context.Context, objectID string, seq int64, data []byte) error {
	oid, err := filesID(objectID)
	if err != nil {
		return err
	}
	filter := bson.D{{Key: "files_id", Value: oid}, {Key: "n", Value: int32(seq)}}
	update := bson.D{{Key: "$set", Value: bson.D{
		{Key: "data", Value: data},
		{Key: "writtenAt", Value: time.Now().UTC()},
	}}}
	_, err = b.chunks.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("writing chunk %d of %s: %w", seq, objectID, classifyMongoError(err))
	}
	return nil
}

// OpenChunks opens a single cursor sorted by n.
func (b *MongoBackend) OpenChunks(ctx context.Context, objectID string, count int64) (ChunkIterator, error) {
	oid, err := filesID(objectID)
	if err != nil {
		return nil, err
	}
	cur, err := b.chunks.Find(ctx,
		bson.D{{Key: "files_id", Value: oid}},
		options.Find().SetSort(bson.D{{Key: "n", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("opening chunks of %s: %w", objectID, classifyMongoError(err))
	}
	return &mongoChunkIterator{ctx: ctx, cursor: cur, objectID: objectID, count: count}, nil
}

type mongoChunkIterator struct {
	ctx      context.Context
	cursor   *mongo.Cursor
	objectID string
	count    int64
	next     int64
	closed   bool
}

func (it *mongoChunkIterator) Next() (*Chunk, error) {
	if it.closed {
		return nil, fmt.Errorf("iterator for %s is closed", it.objectID)
	}
	if it.next >= it.count {
		return nil, io.EOF
	}
	if !it.cursor.Next(it.ctx) {
		if err := it.cursor.Err(); err != nil {
			return nil, fmt.Errorf("reading chunk %d of %s: %w", it.next, it.objectID, classifyMongoError(err))
		}
		return nil, fmt.Errorf("chunk %d of %s: %w", it.next, it.objectID, ErrChunkNotFound)
	}
	var doc mongoChunk
	if err := it.cursor.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding chunk %d of %s: %w", it.next, it.objectID, err)
	}
	if int64(doc.N) != it.next {
		return nil, fmt.Errorf("chunk %d of %s (found %d): %w", it.next, it.objectID, doc.N, ErrChunkNotFound)
	}
	it.next++
	return &Chunk{ObjectID: it.objectID, Seq: int64(doc.N), Data: doc.Data}, nil
}

func (it *mongoChunkIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	return it.cursor.Close(context.WithoutCancel(it.ctx))
}

// DeleteChunks removes every chunk document of objectID.
func (b *MongoBackend) DeleteChunks(ctx context.Context, objectID string) error {
	oid, err := filesID(objectID)
	if err != nil {
		return err
	}
	if _, err := b.chunks.DeleteMany(ctx, bson.D{{Key: "files_id", Value: oid}}); err != nil {
		return fmt.Errorf("deleting chunks of %s: %w", objectID, classifyMongoError(err))
	}
	return nil
}

// ChunkSets aggregates the newest writtenAt per files_id.
func (b *MongoBackend) ChunkSets(ctx context.Context, before time.Time) ([]string, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$files_id"},
			{Key: "newest", Value: bson.D{{Key: "$max", Value: "$writtenAt"}}},
		}}},
		{{Key: "$match", Value: bson.D{
			{Key: "newest", Value: bson.D{{Key: "$lt", Value: before.UTC()}}},
		}}},
	}
	cur, err := b.chunks.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("listing chunk sets: %w", classifyMongoError(err))
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var row struct {
			ID primitive.ObjectID `bson:"_id"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, fmt.Errorf("decoding chunk set: %w", err)
		}
		ids = append(ids, row.ID.Hex())
	}
	return ids, cur.Err()
}

// HealthCheck pings the primary.
func (b *MongoBackend) HealthCheck(ctx context.Context) error {
	if err := mongox.Ping(ctx, b.client); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close disconnects the client when this backend owns it.
func (b *MongoBackend) Close() error {
	if !b.owns {
		return nil
	}
	return b.client.Disconnect(context.Background())
}

func classifyMongoError(err error) error {
	if mongox.IsUnavailable(err) && !errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

var _ ChunkStore = (*MongoBackend)(nil)
