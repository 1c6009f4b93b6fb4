package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	CollectionName = "consolidated_bundles"

	connectTimeout = 10 * time.Second
)

type MongoArchive struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// DialMongo connects, pings and ensures the patient/receivedAt index.
func DialMongo(ctx context.Context, uri, database string) (*MongoArchive, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	a := NewMongoArchive(client, database)
	_, err = a.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "patientId", Value: 1}, {Key: "receivedAt", Value: -1}},
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("create archive index: %w", err)
	}
	return a, nil
}

func NewMongoArchive(client *mongo.Client, database string) *MongoArchive {
	return &MongoArchive{
		client: client,
		coll:   client.Database(database).Collection(CollectionName),
	}
}

func (a *MongoArchive) Store(ctx context.Context, rec Record) error {
	doc, err := toDocument(rec)
	if err != nil {
		return err
	}
	if _, err := a.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert consolidated bundle: %w", err)
	}
	return nil
}

func (a *MongoArchive) Latest(ctx context.Context, patientID string) (*Record, error) {
	var doc storedRecord
	err := a.coll.FindOne(ctx,
		bson.M{"patientId": patientID},
		options.FindOne().SetSort(bson.D{{Key: "receivedAt", Value: -1}}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find consolidated bundle: %w", err)
	}
	return doc.record()
}

func (a *MongoArchive) Ping(ctx context.Context) error {
	return a.client.Ping(ctx, nil)
}

func (a *MongoArchive) Close(ctx context.Context) error {
	return a.client.Disconnect(ctx)
}

type storedRecord struct {
	PatientID  string    `bson:"patientId"`
	MessageID  string    `bson:"messageId,omitempty"`
	Type       string    `bson:"type"`
	ReceivedAt time.Time `bson:"receivedAt"`
	Payload    bson.Raw  `bson:"payload,omitempty"`
}

// toDocument stores the payload as a nested document so it stays queryable.
func toDocument(rec Record) (bson.M, error) {
	doc := bson.M{
		"patientId":  rec.PatientID,
		"type":       rec.Type,
		"receivedAt": rec.ReceivedAt.UTC(),
	}
	if rec.MessageID != "" {
		doc["messageId"] = rec.MessageID
	}
	if len(rec.Payload) > 0 {
		var payload bson.M
		if err := bson.UnmarshalExtJSON(rec.Payload, false, &payload); err != nil {
			return nil, fmt.Errorf("convert payload: %w", err)
		}
		doc["payload"] = payload
	}
	return doc, nil
}

func (s storedRecord) record() (*Record, error) {
	rec := &Record{
		PatientID:  s.PatientID,
		MessageID:  s.MessageID,
		Type:       s.Type,
		ReceivedAt: s.ReceivedAt,
	}
	if len(s.Payload) > 0 {
		b, err := bson.MarshalExtJSON(s.Payload, false, false)
		if err != nil {
			return nil, fmt.Errorf("convert payload: %w", err)
		}
		rec.Payload = b
	}
	return rec, nil
}
