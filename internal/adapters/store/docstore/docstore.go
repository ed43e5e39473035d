// Package docstore backs the icebox and processed_device_sync_messages
// tables with a MongoDB collection, grounded on the teacher's CRM
// document-store adapters: a thin Repository wrapping *mongo.Collection
// with bson documents and span-per-operation tracing.
package docstore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mlscore/core/internal/domain/cursor"
	"github.com/mlscore/core/internal/telemetry"
	"github.com/mlscore/core/pkg/apperr"
)

const (
	iceboxCollection           = "icebox"
	deviceSyncMessageCollection = "processed_device_sync_messages"
	assertCreateTimeout        = 5 * time.Second
)

type iceboxDoc struct {
	Topic        string   `bson:"topic"`
	Originator   uint32   `bson:"originator"`
	SequenceID   uint64   `bson:"sequence_id"`
	PayloadHash  []byte   `bson:"payload_hash"`
	DependsOn    [][]byte `bson:"depends_on"`
	EnvelopeBlob []byte   `bson:"envelope_blob"`
}

// Repository implements cursor.Repository's icebox methods, plus
// processed_device_sync_messages bookkeeping, over MongoDB.
type Repository struct {
	db *mongo.Database
}

// New wraps an established MongoDB database handle.
func New(db *mongo.Database) *Repository {
	return &Repository{db: db}
}

func (r *Repository) icebox() *mongo.Collection {
	return r.db.Collection(iceboxCollection)
}

// Ice persists envelopes whose dependencies are unmet.
func (r *Repository) Ice(ctx context.Context, entries []cursor.IceboxEntry) error {
	ctx, span := telemetry.StartSpan(ctx, "docstore.ice")
	defer span.End()

	docs := make([]any, 0, len(entries))

	for _, e := range entries {
		docs = append(docs, iceboxDoc{
			Topic:        e.Topic,
			Originator:   uint32(e.Originator),
			SequenceID:   uint64(e.SequenceID),
			PayloadHash:  e.PayloadHash,
			DependsOn:    e.DependsOn,
			EnvelopeBlob: e.EnvelopeBlob,
		})
	}

	if len(docs) == 0 {
		return nil
	}

	if _, err := r.icebox().InsertMany(ctx, docs); err != nil {
		wrapped := apperr.NewStorageError("docstore.ice", "insert failed", err, true)
		telemetry.HandleSpanError(&span, "mongo InsertMany failed", wrapped)

		return wrapped
	}

	return nil
}

// ResolveChildren returns and removes icebox entries whose dependencies
// are now satisfied by newCursors.
func (r *Repository) ResolveChildren(ctx context.Context, newCursors map[cursor.TopicOriginator]cursor.Cursor) ([]cursor.IceboxEntry, error) {
	ctx, span := telemetry.StartSpan(ctx, "docstore.resolve_children")
	defer span.End()

	cur, err := r.icebox().Find(ctx, bson.M{})
	if err != nil {
		wrapped := apperr.NewStorageError("docstore.resolve_children", "find failed", err, true)
		telemetry.HandleSpanError(&span, "mongo Find failed", wrapped)

		return nil, wrapped
	}

	defer cur.Close(ctx)

	var resolved []cursor.IceboxEntry

	var resolvedIDs []primitive.ObjectID

	type rawDoc struct {
		ID        primitive.ObjectID `bson:"_id"`
		iceboxDoc `bson:",inline"`
	}

	for cur.Next(ctx) {
		var doc rawDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, apperr.NewDecodeError("docstore.resolve_children", "decode failed", err)
		}

		key := cursor.TopicOriginator{Topic: doc.Topic, Originator: cursor.Originator(doc.Originator)}

		seq, ok := newCursors[key]
		if !ok || seq < cursor.Cursor(doc.SequenceID) {
			continue
		}

		resolved = append(resolved, cursor.IceboxEntry{
			Topic:        doc.Topic,
			Originator:   cursor.Originator(doc.Originator),
			SequenceID:   cursor.Cursor(doc.SequenceID),
			PayloadHash:  doc.PayloadHash,
			DependsOn:    doc.DependsOn,
			EnvelopeBlob: doc.EnvelopeBlob,
		})
		resolvedIDs = append(resolvedIDs, doc.ID)
	}

	if len(resolvedIDs) > 0 {
		if _, err := r.icebox().DeleteMany(ctx, bson.M{"_id": bson.M{"$in": resolvedIDs}}); err != nil {
			wrapped := apperr.NewStorageError("docstore.resolve_children", "delete failed", err, true)
			telemetry.HandleSpanError(&span, "mongo DeleteMany failed", wrapped)

			return nil, wrapped
		}
	}

	return resolved, nil
}

// FindMessageDependencies maps payload hashes to their parent commit
// cursor, where known.
func (r *Repository) FindMessageDependencies(ctx context.Context, hashes [][]byte) (map[string]cursor.Cursor, error) {
	out := map[string]cursor.Cursor{}

	cur, err := r.icebox().Find(ctx, bson.M{"payload_hash": bson.M{"$in": hashes}})
	if err != nil {
		return nil, apperr.NewStorageError("docstore.find_dependencies", "find failed", err, true)
	}

	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var doc iceboxDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, apperr.NewDecodeError("docstore.find_dependencies", "decode failed", err)
		}

		out[string(doc.PayloadHash)] = cursor.Cursor(doc.SequenceID)
	}

	return out, nil
}

// EnsureIndexes creates the indexes the icebox queries rely on. Called
// once at store startup.
func (r *Repository) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, assertCreateTimeout)
	defer cancel()

	_, err := r.icebox().Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "topic", Value: 1}, {Key: "originator", Value: 1}},
	}, options.Index())

	return err
}

// ProcessedDeviceSyncMessage records that a device-sync message has been
// applied, so replays are no-ops.
type ProcessedDeviceSyncMessage struct {
	InboxID       string `bson:"inbox_id"`
	MessageHash   []byte `bson:"message_hash"`
	ProcessedAtNs int64  `bson:"processed_at_ns"`
}

func (r *Repository) deviceSync() *mongo.Collection {
	return r.db.Collection(deviceSyncMessageCollection)
}

// WasProcessed reports whether a device-sync message has already been
// applied for inboxID.
func (r *Repository) WasProcessed(ctx context.Context, inboxID string, messageHash []byte) (bool, error) {
	count, err := r.deviceSync().CountDocuments(ctx, bson.M{"inbox_id": inboxID, "message_hash": messageHash})
	if err != nil {
		return false, apperr.NewStorageError("docstore.was_processed", "count failed", err, true)
	}

	return count > 0, nil
}

// MarkProcessed records that a device-sync message has been applied.
func (r *Repository) MarkProcessed(ctx context.Context, msg ProcessedDeviceSyncMessage) error {
	if _, err := r.deviceSync().InsertOne(ctx, msg); err != nil {
		return apperr.NewStorageError("docstore.mark_processed", "insert failed", err, true)
	}

	return nil
}
