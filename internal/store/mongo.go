package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/remoteeye/relay/internal/command"
)

const (
	colDevices     = "devices"
	colControllers = "controllers"
	colPairings    = "pairing_codes"
	colCommands    = "commands"
	colRecordings  = "recordings"
)

// Mongo is the durable Store implementation.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	m := &Mongo{client: client, db: client.Database(database)}
	if err := m.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	// Pairing codes expire on their own; used codes keep their document so
	// repeat consumption attempts fail loudly rather than as "not found".
	_, err := m.db.Collection(colPairings).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0).SetPartialFilterExpression(bson.M{"used": false}),
	})
	if err != nil {
		return fmt.Errorf("mongo index %s: %w", colPairings, err)
	}
	for col, key := range map[string]string{
		colCommands:   "device_id",
		colRecordings: "device_id",
	} {
		_, err := m.db.Collection(col).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: key, Value: 1}, {Key: "created_at", Value: -1}},
		})
		if err != nil {
			return fmt.Errorf("mongo index %s: %w", col, err)
		}
	}
	return nil
}

func mapMongoErr(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if mongo.IsDuplicateKeyError(err) {
		return ErrAlreadyExists
	}
	return err
}

func (m *Mongo) CreateDevice(ctx context.Context, d Device) error {
	_, err := m.db.Collection(colDevices).InsertOne(ctx, d)
	return mapMongoErr(err)
}

func (m *Mongo) Device(ctx context.Context, id string) (Device, error) {
	var d Device
	err := m.db.Collection(colDevices).FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	return d, mapMongoErr(err)
}

func (m *Mongo) Devices(ctx context.Context) ([]Device, error) {
	cur, err := m.db.Collection(colDevices).Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, err
	}
	var out []Device
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Mongo) UpdateDevicePresence(ctx context.Context, id string, status DeviceStatus, lastSeen time.Time, current map[string]any) error {
	set := bson.M{
		"status":     status,
		"last_seen":  lastSeen,
		"updated_at": lastSeen,
	}
	if current != nil {
		set["current_status"] = current
	}
	res, err := m.db.Collection(colDevices).UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) UpdateDeviceProfile(ctx context.Context, id string, name string, settings map[string]any) (Device, error) {
	set := bson.M{"updated_at": time.Now().UTC()}
	if name != "" {
		set["name"] = name
	}
	if settings != nil {
		set["settings"] = settings
	}
	var d Device
	err := m.db.Collection(colDevices).FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	return d, mapMongoErr(err)
}

func (m *Mongo) SetDevicePushToken(ctx context.Context, id, token string) error {
	res, err := m.db.Collection(colDevices).UpdateOne(ctx,
		bson.M{"_id": id}, bson.M{"$set": bson.M{"push_token": token}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) DeleteDevice(ctx context.Context, id string) error {
	res, err := m.db.Collection(colDevices).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) CreateController(ctx context.Context, c Controller) error {
	_, err := m.db.Collection(colControllers).InsertOne(ctx, c)
	return mapMongoErr(err)
}

func (m *Mongo) Controller(ctx context.Context, id string) (Controller, error) {
	var c Controller
	err := m.db.Collection(colControllers).FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	return c, mapMongoErr(err)
}

func (m *Mongo) CreatePairingCode(ctx context.Context, pc PairingCode) error {
	_, err := m.db.Collection(colPairings).InsertOne(ctx, pc)
	return mapMongoErr(err)
}

func (m *Mongo) PairingCode(ctx context.Context, code string) (PairingCode, error) {
	var pc PairingCode
	err := m.db.Collection(colPairings).FindOne(ctx, bson.M{"_id": code}).Decode(&pc)
	return pc, mapMongoErr(err)
}

func (m *Mongo) MarkPairingCodeUsed(ctx context.Context, code, deviceID string) error {
	res, err := m.db.Collection(colPairings).UpdateOne(ctx,
		bson.M{"_id": code},
		bson.M{"$set": bson.M{"used": true, "device_id": deviceID}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) DeleteExpiredPairingCodes(ctx context.Context, before time.Time) (int, error) {
	res, err := m.db.Collection(colPairings).DeleteMany(ctx, bson.M{
		"used":       false,
		"expires_at": bson.M{"$lt": before},
	})
	if err != nil {
		return 0, err
	}
	return int(res.DeletedCount), nil
}

func (m *Mongo) CreateCommand(ctx context.Context, c command.Command) error {
	_, err := m.db.Collection(colCommands).InsertOne(ctx, c)
	return mapMongoErr(err)
}

func (m *Mongo) Command(ctx context.Context, id string) (command.Command, error) {
	var c command.Command
	err := m.db.Collection(colCommands).FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	return c, mapMongoErr(err)
}

func (m *Mongo) DeviceCommands(ctx context.Context, deviceID string, limit, offset int) ([]command.Command, int, error) {
	filter := bson.M{"device_id": deviceID}
	col := m.db.Collection(colCommands)

	total, err := col.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(offset))
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := col.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	var out []command.Command
	if err := cur.All(ctx, &out); err != nil {
		return nil, 0, err
	}
	return out, int(total), nil
}

func (m *Mongo) TransitionCommand(ctx context.Context, id string, to command.Status, errMsg string, now time.Time) (command.Command, error) {
	cur, err := m.Command(ctx, id)
	if err != nil {
		return command.Command{}, err
	}
	if !command.CanTransition(cur.Status, to) {
		return command.Command{}, ErrStaleTransition
	}

	set := bson.M{"status": to}
	switch to {
	case command.StatusDelivered:
		set["delivered_at"] = now
	case command.StatusCompleted, command.StatusFailed:
		set["completed_at"] = now
	}
	if errMsg != "" {
		set["error"] = errMsg
	}

	// Filter on the observed status so a concurrent transition loses cleanly
	// instead of clobbering.
	var updated command.Command
	err = m.db.Collection(colCommands).FindOneAndUpdate(ctx,
		bson.M{"_id": id, "status": cur.Status},
		bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return command.Command{}, ErrStaleTransition
	}
	if err != nil {
		return command.Command{}, err
	}
	return updated, nil
}

func (m *Mongo) CreateRecording(ctx context.Context, r Recording) error {
	_, err := m.db.Collection(colRecordings).InsertOne(ctx, r)
	return mapMongoErr(err)
}

func (m *Mongo) Recording(ctx context.Context, id string) (Recording, error) {
	var r Recording
	err := m.db.Collection(colRecordings).FindOne(ctx, bson.M{"_id": id}).Decode(&r)
	return r, mapMongoErr(err)
}

func (m *Mongo) Recordings(ctx context.Context, f RecordingFilter) ([]Recording, int, error) {
	filter := bson.M{}
	if f.DeviceID != "" {
		filter["device_id"] = f.DeviceID
	}
	if f.Type != "" {
		filter["type"] = f.Type
	}
	if f.TriggeredBy != "" {
		filter["triggered_by"] = f.TriggeredBy
	}
	created := bson.M{}
	if !f.Since.IsZero() {
		created["$gte"] = f.Since
	}
	if !f.Until.IsZero() {
		created["$lte"] = f.Until
	}
	if len(created) > 0 {
		filter["created_at"] = created
	}

	col := m.db.Collection(colRecordings)
	total, err := col.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, err
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetSkip(int64(f.Offset))
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}
	cur, err := col.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, err
	}
	var out []Recording
	if err := cur.All(ctx, &out); err != nil {
		return nil, 0, err
	}
	return out, int(total), nil
}

func (m *Mongo) DeleteRecording(ctx context.Context, id string) error {
	res, err := m.db.Collection(colRecordings).DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
