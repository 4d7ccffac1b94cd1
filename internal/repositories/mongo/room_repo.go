package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"codecanvas/internal/models"
)

type roomRecord struct {
	RoomID       string          `bson:"roomId"`
	Name         string          `bson:"name,omitempty"`
	CreatorID    string          `bson:"creator,omitempty"`
	IsPublic     *bool           `bson:"isPublic,omitempty"`
	Code         models.Document `bson:"code"`
	LastModified time.Time       `bson:"lastModified"`
	CreatedAt    time.Time       `bson:"createdAt,omitempty"`
}

func (rec roomRecord) name() string {
	if rec.Name == "" {
		return models.DefaultRoomName
	}
	return rec.Name
}

func (rec roomRecord) public() bool { return rec.IsPublic == nil || *rec.IsPublic }

func (rec roomRecord) toDocument() *models.RoomDocument {
	return &models.RoomDocument{
		RoomID:       rec.RoomID,
		Name:         rec.name(),
		CreatorID:    rec.CreatorID,
		IsPublic:     rec.public(),
		Code:         rec.Code,
		LastModified: rec.LastModified,
		CreatedAt:    rec.CreatedAt,
	}
}

// RoomRepo stores one document per room, keyed by roomId.
type RoomRepo struct{ col *mongo.Collection }

func NewRoomRepo(col *mongo.Collection) *RoomRepo { return &RoomRepo{col: col} }

// EnsureIndexes adds the unique roomId index and the per-creator listing index.
func (r *RoomRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "roomId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "creator", Value: 1}, {Key: "lastModified", Value: -1}}},
	})
	return err
}

func (r *RoomRepo) Get(ctx context.Context, roomID string) (*models.RoomDocument, error) {
	var rec roomRecord
	err := r.col.FindOne(ctx, bson.M{"roomId": roomID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, models.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find room %s: %w", roomID, err)
	}
	return rec.toDocument(), nil
}

// Upsert replaces the room's code, creating an ownerless public record if absent.
func (r *RoomRepo) Upsert(ctx context.Context, doc models.RoomDocument) error {
	update := bson.M{
		"$set": bson.M{
			"code":         doc.Code,
			"lastModified": doc.LastModified,
		},
		"$setOnInsert": bson.M{
			"name":      models.DefaultRoomName,
			"isPublic":  true,
			"createdAt": doc.LastModified,
		},
	}
	if _, err := r.col.UpdateOne(ctx, bson.M{"roomId": doc.RoomID}, update, options.Update().SetUpsert(true)); err != nil {
		return fmt.Errorf("upsert room %s: %w", doc.RoomID, err)
	}
	return nil
}

// Create inserts a room with its metadata.
func (r *RoomRepo) Create(ctx context.Context, doc models.RoomDocument) error {
	isPublic := doc.IsPublic
	rec := roomRecord{
		RoomID:       doc.RoomID,
		Name:         doc.Name,
		CreatorID:    doc.CreatorID,
		IsPublic:     &isPublic,
		Code:         doc.Code,
		LastModified: doc.LastModified,
		CreatedAt:    doc.CreatedAt,
	}
	if _, err := r.col.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("create room %s: %w", doc.RoomID, err)
	}
	return nil
}

// ListByCreator returns the creator's rooms, most recently modified first.
func (r *RoomRepo) ListByCreator(ctx context.Context, creatorID string) ([]models.RoomSummary, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "lastModified", Value: -1}}).
		SetProjection(bson.M{"code": 0})
	cur, err := r.col.Find(ctx, bson.M{"creator": creatorID}, opts)
	if err != nil {
		return nil, fmt.Errorf("list rooms of %s: %w", creatorID, err)
	}
	var recs []roomRecord
	if err := cur.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("decode rooms of %s: %w", creatorID, err)
	}

	out := make([]models.RoomSummary, 0, len(recs))
	for _, rec := range recs {
		out = append(out, models.RoomSummary{
			RoomID:       rec.RoomID,
			Name:         rec.name(),
			IsPublic:     rec.public(),
			LastModified: rec.LastModified,
			CreatedAt:    rec.CreatedAt,
		})
	}
	return out, nil
}

func (r *RoomRepo) Rename(ctx context.Context, roomID, name string) error {
	res, err := r.col.UpdateOne(ctx, bson.M{"roomId": roomID}, bson.M{"$set": bson.M{"name": name}})
	if err != nil {
		return fmt.Errorf("rename room %s: %w", roomID, err)
	}
	if res.MatchedCount == 0 {
		return models.ErrDocumentNotFound
	}
	return nil
}

func (r *RoomRepo) Delete(ctx context.Context, roomID string) error {
	res, err := r.col.DeleteOne(ctx, bson.M{"roomId": roomID})
	if err != nil {
		return fmt.Errorf("delete room %s: %w", roomID, err)
	}
	if res.DeletedCount == 0 {
		return models.ErrDocumentNotFound
	}
	return nil
}

func (r *RoomRepo) Ping(ctx context.Context) error {
	return r.col.Database().Client().Ping(ctx, nil)
}

func (r *RoomRepo) Close(ctx context.Context) error {
	return r.col.Database().Client().Disconnect(ctx)
}
