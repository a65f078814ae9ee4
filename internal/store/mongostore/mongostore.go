package mongostore

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pairchat/internal/chat"
)

var logger = loggo.GetLogger("pairchat.store.mongo")

const messageCollection = "messages"

// Connect dials uri and returns the named database.
func Connect(ctx context.Context, uri, database string) (*mongo.Database, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Annotate(err, "connecting to mongo")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Annotate(err, "pinging mongo")
	}
	return client.Database(database), nil
}

// MessageRepository keeps one document per message, shaped like chat.Message.
type MessageRepository struct {
	coll *mongo.Collection
}

var _ chat.Store = (*MessageRepository)(nil)

func NewMessageRepository(db *mongo.Database) *MessageRepository {
	return &MessageRepository{coll: db.Collection(messageCollection)}
}

// EnsureIndexes creates the pair and unseen-count indexes.
func (r *MessageRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "sender", Value: 1}, {Key: "receiver", Value: 1}, {Key: "createdAt", Value: 1}}},
		{Keys: bson.D{{Key: "receiver", Value: 1}, {Key: "deleted", Value: 1}, {Key: "seenBy", Value: 1}}},
	})
	if err != nil {
		return errors.Annotate(err, "creating message indexes")
	}
	logger.Debugf("message indexes ensured")
	return nil
}

func normalise(msg *chat.Message) *chat.Message {
	if msg.SeenBy == nil {
		msg.SeenBy = []string{}
	}
	return msg
}

func (r *MessageRepository) Create(ctx context.Context, msg *chat.Message) error {
	doc := msg.Clone()
	normalise(doc)
	_, err := r.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return errors.AlreadyExistsf("message %q", msg.ID)
	}
	return errors.Trace(err)
}

func (r *MessageRepository) Get(ctx context.Context, id string) (*chat.Message, error) {
	var msg chat.Message
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.NotFoundf("message %q", id)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return normalise(&msg), nil
}

func (r *MessageRepository) ListBetween(ctx context.Context, a, b string) ([]*chat.Message, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"sender": a, "receiver": b},
		bson.M{"sender": b, "receiver": a},
	}}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer cursor.Close(ctx)

	var messages []*chat.Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, errors.Trace(err)
	}
	for _, msg := range messages {
		normalise(msg)
	}
	return messages, nil
}

func (r *MessageRepository) MarkDelivered(ctx context.Context, id string) error {
	res, err := r.coll.UpdateByID(ctx, id, bson.M{"$set": bson.M{"delivered": true}})
	if err != nil {
		return errors.Trace(err)
	}
	if res.MatchedCount == 0 {
		return errors.NotFoundf("message %q", id)
	}
	return nil
}

func (r *MessageRepository) MarkSeen(ctx context.Context, viewer string, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	filter := bson.M{
		"_id":      bson.M{"$in": ids},
		"receiver": viewer,
		"deleted":  false,
		"seenBy":   bson.M{"$ne": viewer},
	}
	res, err := r.coll.UpdateMany(ctx, filter, bson.M{"$addToSet": bson.M{"seenBy": viewer}})
	if err != nil {
		return 0, errors.Trace(err)
	}
	return int(res.ModifiedCount), nil
}

// applyGuarded runs a conditional update on one message. When the guard
// refuses, it checks whether the message exists at all.
func (r *MessageRepository) applyGuarded(ctx context.Context, id string, guard bson.M, update bson.M) (bool, error) {
	guard["_id"] = id
	res, err := r.coll.UpdateOne(ctx, guard, update)
	if err != nil {
		return false, errors.Trace(err)
	}
	if res.MatchedCount > 0 {
		return true, nil
	}
	n, err := r.coll.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return false, errors.Trace(err)
	}
	if n == 0 {
		return false, errors.NotFoundf("message %q", id)
	}
	return false, nil
}

func (r *MessageRepository) ApplyEdit(ctx context.Context, id, text string, at time.Time) (bool, error) {
	guard := bson.M{"deleted": false, "seenBy": bson.M{"$size": 0}, "image": ""}
	update := bson.M{"$set": bson.M{"text": text, "edited": true, "editedAt": at}}
	return r.applyGuarded(ctx, id, guard, update)
}

func (r *MessageRepository) ApplyDelete(ctx context.Context, id, actor string, at time.Time) (bool, error) {
	guard := bson.M{"deleted": false, "seenBy": bson.M{"$size": 0}}
	update := bson.M{"$set": bson.M{"deleted": true, "deletedBy": actor, "deletedAt": at}}
	return r.applyGuarded(ctx, id, guard, update)
}

func (r *MessageRepository) CountUnseen(ctx context.Context, receiver string) (map[string]int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"receiver": receiver, "deleted": false, "seenBy": bson.M{"$ne": receiver}}}},
		{{Key: "$group", Value: bson.M{"_id": "$sender", "count": bson.M{"$sum": 1}}}},
	}
	cursor, err := r.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer cursor.Close(ctx)

	var rows []struct {
		Sender string `bson:"_id"`
		Count  int    `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, errors.Trace(err)
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.Sender] = row.Count
	}
	return counts, nil
}
