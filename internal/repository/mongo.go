package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/langchou/parkgate/internal/models"
)

const parkingLogCollection = "parkinglogs"

// mongoParkingLog MongoDB 文档结构
type mongoParkingLog struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	LicensePlate string             `bson:"licensePlate"`
	CardID       string             `bson:"cardId"`
	EntryTime    time.Time          `bson:"entryTime"`
	Image        *string            `bson:"image,omitempty"`
	ImageData    *string            `bson:"imageData,omitempty"`
	ImageMeta    *mongoImageMeta    `bson:"imageMeta,omitempty"`
	CreatedAt    time.Time          `bson:"createdAt"`
	UpdatedAt    time.Time          `bson:"updatedAt"`
}

type mongoImageMeta struct {
	MimeType string `bson:"mimeType,omitempty"`
	Size     int64  `bson:"size,omitempty"`
	Filename string `bson:"filename,omitempty"`
}

func toMongoParkingLog(l *models.ParkingLog) *mongoParkingLog {
	doc := &mongoParkingLog{
		LicensePlate: l.LicensePlate,
		CardID:       l.CardID,
		EntryTime:    l.EntryTime,
		Image:        l.Image,
		ImageData:    l.ImageData,
		CreatedAt:    l.CreatedAt,
		UpdatedAt:    l.UpdatedAt,
	}
	if l.ImageMeta != nil {
		doc.ImageMeta = &mongoImageMeta{MimeType: l.ImageMeta.MimeType, Size: l.ImageMeta.Size, Filename: l.ImageMeta.Filename}
	}
	return doc
}

func (d *mongoParkingLog) model() *models.ParkingLog {
	l := &models.ParkingLog{
		ID:           d.ID.Hex(),
		LicensePlate: d.LicensePlate,
		CardID:       d.CardID,
		EntryTime:    d.EntryTime,
		Image:        d.Image,
		ImageData:    d.ImageData,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
	if d.ImageMeta != nil {
		l.ImageMeta = &models.ImageMeta{MimeType: d.ImageMeta.MimeType, Size: d.ImageMeta.Size, Filename: d.ImageMeta.Filename}
	}
	return l
}

// MongoStore MongoDB 停车记录存储
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoStore 连接 MongoDB 并确保索引存在
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	s := &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(parkingLogCollection),
	}
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

// EnsureIndexes 创建 cardId 唯一索引及查询索引
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "cardId", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("cardId_unique"),
		},
		{Keys: bson.D{{Key: "licensePlate", Value: 1}}},
		{Keys: bson.D{{Key: "entryTime", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create mongo indexes: %w", err)
	}
	return nil
}

// Close 断开连接
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Create 写入记录
func (s *MongoStore) Create(ctx context.Context, log *models.ParkingLog) error {
	now := time.Now().UTC()
	doc := toMongoParkingLog(log)
	doc.ID = primitive.NewObjectID()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrCardInUse
		}
		return fmt.Errorf("insert parking log: %w", err)
	}

	log.ID = doc.ID.Hex()
	log.CreatedAt = now
	log.UpdatedAt = now
	return nil
}

// GetByID 按 ID 获取，非法 ID 视为不存在
func (s *MongoStore) GetByID(ctx context.Context, id string) (*models.ParkingLog, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}
	return s.findOne(ctx, bson.M{"_id": oid})
}

// GetByCardID 按卡号获取
func (s *MongoStore) GetByCardID(ctx context.Context, cardID string) (*models.ParkingLog, error) {
	return s.findOne(ctx, bson.M{"cardId": cardID})
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M) (*models.ParkingLog, error) {
	var doc mongoParkingLog
	if err := s.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find parking log: %w", err)
	}
	return doc.model(), nil
}

// List 分页查询
func (s *MongoStore) List(ctx context.Context, filter models.ParkingLogFilter) ([]*models.ParkingLog, int64, error) {
	query := mongoFilter(filter)

	total, err := s.coll.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("count parking logs: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "entryTime", Value: -1}, {Key: "createdAt", Value: -1}}).
		SetSkip(int64(filter.Skip())).
		SetLimit(int64(filter.Limit))

	cur, err := s.coll.Find(ctx, query, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("list parking logs: %w", err)
	}
	defer cur.Close(ctx)

	logs := make([]*models.ParkingLog, 0, filter.Limit)
	for cur.Next(ctx) {
		var doc mongoParkingLog
		if err := cur.Decode(&doc); err != nil {
			return nil, 0, fmt.Errorf("decode parking log: %w", err)
		}
		logs = append(logs, doc.model())
	}
	if err := cur.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate parking logs: %w", err)
	}
	return logs, total, nil
}

// Update 覆盖更新可变字段
func (s *MongoStore) Update(ctx context.Context, log *models.ParkingLog) error {
	oid, err := primitive.ObjectIDFromHex(log.ID)
	if err != nil {
		return ErrNotFound
	}

	now := time.Now().UTC()
	doc := toMongoParkingLog(log)
	set := bson.M{
		"licensePlate": doc.LicensePlate,
		"cardId":       doc.CardID,
		"entryTime":    doc.EntryTime,
		"updatedAt":    now,
	}
	unset := bson.M{}
	if doc.Image != nil {
		set["image"] = *doc.Image
	} else {
		unset["image"] = ""
	}
	if doc.ImageData != nil {
		set["imageData"] = *doc.ImageData
	} else {
		unset["imageData"] = ""
	}
	if doc.ImageMeta != nil {
		set["imageMeta"] = doc.ImageMeta
	} else {
		unset["imageMeta"] = ""
	}

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	var updated mongoParkingLog
	err = s.coll.FindOneAndUpdate(ctx, bson.M{"_id": oid}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&updated)
	if err != nil {
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			return ErrNotFound
		case mongo.IsDuplicateKeyError(err):
			return ErrCardInUse
		}
		return fmt.Errorf("update parking log: %w", err)
	}

	log.CreatedAt = updated.CreatedAt
	log.UpdatedAt = updated.UpdatedAt
	return nil
}

// Delete 删除记录
func (s *MongoStore) Delete(ctx context.Context, id string) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return ErrNotFound
	}
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return fmt.Errorf("delete parking log: %w", err)
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Aggregate 统计在场记录
func (s *MongoStore) Aggregate(ctx context.Context, filter models.ParkingLogFilter) (*models.StatsAggregate, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: mongoFilter(filter)}},
		{{Key: "$group", Value: bson.M{
			"_id":      nil,
			"total":    bson.M{"$sum": 1},
			"plates":   bson.M{"$addToSet": "$licensePlate"},
			"cards":    bson.M{"$addToSet": "$cardId"},
			"oldest":   bson.M{"$min": "$entryTime"},
			"avgEntry": bson.M{"$avg": bson.M{"$toLong": "$entryTime"}},
		}}},
		{{Key: "$project", Value: bson.M{
			"total":    1,
			"plates":   bson.M{"$size": "$plates"},
			"cards":    bson.M{"$size": "$cards"},
			"oldest":   1,
			"avgEntry": 1,
		}}},
	}

	cur, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate parking logs: %w", err)
	}
	defer cur.Close(ctx)

	agg := &models.StatsAggregate{}
	if !cur.Next(ctx) {
		return agg, cur.Err()
	}

	var row struct {
		Total    int64     `bson:"total"`
		Plates   int64     `bson:"plates"`
		Cards    int64     `bson:"cards"`
		Oldest   time.Time `bson:"oldest"`
		AvgEntry float64   `bson:"avgEntry"`
	}
	if err := cur.Decode(&row); err != nil {
		return nil, fmt.Errorf("decode aggregate: %w", err)
	}

	agg.Total = row.Total
	agg.UniqueVehicles = row.Plates
	agg.UniqueCards = row.Cards
	if row.Total > 0 {
		oldest := row.Oldest
		avg := row.AvgEntry
		agg.OldestEntry = &oldest
		agg.AvgEntryUnixMs = &avg
	}
	return agg, nil
}

// Ping 检查连接
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func mongoFilter(f models.ParkingLogFilter) bson.M {
	query := bson.M{}
	if f.CardID != "" {
		query["cardId"] = f.CardID
	}
	if f.LicensePlate != "" {
		query["licensePlate"] = f.LicensePlate
	}
	if f.Search != "" {
		query["$or"] = bson.A{
			bson.M{"licensePlate": models.NormalizePlate(f.Search)},
			bson.M{"cardId": f.Search},
		}
	}
	if f.StartDate != nil || f.EndDate != nil {
		rng := bson.M{}
		if f.StartDate != nil {
			rng["$gte"] = *f.StartDate
		}
		if f.EndDate != nil {
			rng["$lte"] = *f.EndDate
		}
		query["entryTime"] = rng
	}
	return query
}
