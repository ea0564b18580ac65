package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	familyvault "github.com/BradMann09/FamilyVault"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	DefaultMongoDatabase   = "familyvault"
	DefaultMongoCollection = "vaults"

	mongoPingTimeout = 5 * time.Second
	mongoBackoff     = time.Second
)

// vaultDocument is the stored form of a vault. The record keeps the JSON
// encoding so every backend persists the same shape.
type vaultDocument struct {
	ID        string    `bson:"_id"`
	Name      string    `bson:"name"`
	Record    string    `bson:"record"`
	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// MongoRepository stores one document per vault keyed by vault id
type MongoRepository struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *zap.Logger
}

// NewMongoRepository connects to uri and verifies the connection
func NewMongoRepository(ctx context.Context, uri, database, collection string, logger *zap.Logger) (*MongoRepository, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is empty")
	}
	if database == "" {
		database = DefaultMongoDatabase
	}
	if collection == "" {
		collection = DefaultMongoCollection
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, mongoPingTimeout)
	defer cancel()
	if err = client.Ping(pctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	coll := client.Database(database).Collection(collection)
	if _, err = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}},
	}); err != nil {
		logger.Named("repository").Warn("failed to create vault index", zap.Error(err))
	}

	return &MongoRepository{client: client, coll: coll, logger: logger.Named("repository")}, nil
}

func (r *MongoRepository) SaveVault(ctx context.Context, vault familyvault.Vault) error {
	if err := validateVault(vault); err != nil {
		return err
	}
	doc, err := toDocument(vault)
	if err != nil {
		return err
	}

	_, err = r.coll.ReplaceOne(ctx, bson.M{"_id": vault.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return classifyMongoError("save vault", err)
	}
	return nil
}

func (r *MongoRepository) FetchVault(ctx context.Context, id string) (familyvault.Vault, error) {
	var doc vaultDocument
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return familyvault.Vault{}, vaultNotFound(id)
	}
	if err != nil {
		return familyvault.Vault{}, classifyMongoError("fetch vault", err)
	}
	return decodeVault([]byte(doc.Record))
}

func (r *MongoRepository) ListVaults(ctx context.Context) ([]familyvault.Vault, error) {
	cur, err := r.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, classifyMongoError("list vaults", err)
	}
	defer cur.Close(ctx)

	vaults := []familyvault.Vault{}
	for cur.Next(ctx) {
		var doc vaultDocument
		if err = cur.Decode(&doc); err != nil {
			return nil, familyvault.NewStorageError("list vaults", err)
		}
		vault, err := decodeVault([]byte(doc.Record))
		if err != nil {
			return nil, err
		}
		vaults = append(vaults, vault)
	}
	if err = cur.Err(); err != nil {
		return nil, classifyMongoError("list vaults", err)
	}
	return vaults, nil
}

func (r *MongoRepository) UpdateVault(ctx context.Context, vault familyvault.Vault) error {
	doc, err := toDocument(vault)
	if err != nil {
		return err
	}

	res, err := r.coll.ReplaceOne(ctx, bson.M{"_id": vault.ID}, doc)
	if err != nil {
		return classifyMongoError("update vault", err)
	}
	if res.MatchedCount == 0 {
		return vaultNotFound(vault.ID)
	}
	return nil
}

func (r *MongoRepository) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoPingTimeout)
	defer cancel()
	return r.client.Disconnect(ctx)
}

func toDocument(vault familyvault.Vault) (vaultDocument, error) {
	record, err := encodeVault(vault)
	if err != nil {
		return vaultDocument{}, err
	}
	return vaultDocument{
		ID:        vault.ID,
		Name:      vault.Name,
		Record:    string(record),
		CreatedAt: vault.CreatedAt,
		UpdatedAt: vault.UpdatedAt,
	}, nil
}

func classifyMongoError(op string, err error) error {
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return &familyvault.RetryableError{After: mongoBackoff, Err: familyvault.NewStorageError(op, err)}
	}
	return familyvault.NewStorageError(op, err)
}
