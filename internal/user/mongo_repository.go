package user

import (
	"context"
	"regexp"

	"github.com/juju/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const userCollection = "users"

// MongoRepository keeps users next to the messages collection when the
// mongo store is selected.
type MongoRepository struct {
	coll *mongo.Collection
}

var _ Store = (*MongoRepository)(nil)

func NewMongoRepository(db *mongo.Database) *MongoRepository {
	return &MongoRepository{coll: db.Collection(userCollection)}
}

func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return errors.Annotate(err, "creating user indexes")
}

func (r *MongoRepository) CreateUser(ctx context.Context, user *User) error {
	_, err := r.coll.InsertOne(ctx, user)
	if mongo.IsDuplicateKeyError(err) {
		return errors.AlreadyExistsf("user %q", user.Username)
	}
	return errors.Trace(err)
}

func (r *MongoRepository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := r.coll.FindOne(ctx, bson.M{"username": username}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.NotFoundf("user %q", username)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &u, nil
}

func (r *MongoRepository) GetUserByID(ctx context.Context, id string) (*User, error) {
	var u User
	opts := options.FindOne().SetProjection(bson.M{"password": 0})
	err := r.coll.FindOne(ctx, bson.M{"_id": id}, opts).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.NotFoundf("user %q", id)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &u, nil
}

func (r *MongoRepository) UpdateProfile(ctx context.Context, id string, update ProfileUpdate) (*User, error) {
	set := bson.M{"fullName": update.FullName, "bio": update.Bio}
	if update.ProfilePic != nil {
		set["profilePic"] = *update.ProfilePic
	}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.M{"password": 0})

	var u User
	err := r.coll.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set}, opts).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errors.NotFoundf("user %q", id)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &u, nil
}

func (r *MongoRepository) SearchUsers(ctx context.Context, query string, limit int) ([]User, error) {
	filter := bson.M{"username": primitive.Regex{Pattern: regexp.QuoteMeta(query), Options: "i"}}
	return r.find(ctx, filter, options.Find().SetLimit(int64(limit)))
}

func (r *MongoRepository) ListOthers(ctx context.Context, userID string) ([]User, error) {
	return r.find(ctx, bson.M{"_id": bson.M{"$ne": userID}}, options.Find())
}

func (r *MongoRepository) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]User, error) {
	opts.SetSort(bson.D{{Key: "username", Value: 1}}).SetProjection(bson.M{"password": 0})
	cursor, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer cursor.Close(ctx)

	users := []User{}
	if err := cursor.All(ctx, &users); err != nil {
		return nil, errors.Trace(err)
	}
	return users, nil
}
