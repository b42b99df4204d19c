package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/BaSui01/agentregistry/agent/discovery"
	"github.com/BaSui01/agentregistry/agent/health"
)

const (
	registrationsCollection = "agent_registrations"
	lifecyclesCollection    = "agent_lifecycles"
)

// mongoRecord is the document stored per agent. Data holds the JSON form so
// the registration round-trips exactly as in the other backends.
type mongoRecord struct {
	ID        string    `bson:"_id"`
	Tenant    string    `bson:"tenant,omitempty"`
	State     string    `bson:"state"`
	Data      string    `bson:"data"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func registrationRecord(reg *discovery.AgentRegistration) (*mongoRecord, error) {
	data, err := encodeRegistration(reg)
	if err != nil {
		return nil, err
	}
	return &mongoRecord{
		ID:        reg.AgentID,
		Tenant:    reg.Tenant,
		State:     string(reg.Status),
		Data:      string(data),
		UpdatedAt: reg.UpdatedAt,
	}, nil
}

func lifecycleRecord(lc *health.Lifecycle, now time.Time) (*mongoRecord, error) {
	data, err := encodeLifecycle(lc)
	if err != nil {
		return nil, err
	}
	return &mongoRecord{
		ID:        lc.AgentID,
		State:     string(lc.State),
		Data:      string(data),
		UpdatedAt: now,
	}, nil
}

// MongoStore persists registry state in two MongoDB collections.
type MongoStore struct {
	client        *mongo.Client
	registrations *mongo.Collection
	lifecycles    *mongo.Collection
	owned         bool
}

// NewMongoStore connects to MongoDB and verifies the connection
func NewMongoStore(config StoreConfig) (*MongoStore, error) {
	if config.Mongo.URI == "" || config.Mongo.Database == "" {
		return nil, fmt.Errorf("%w: mongo uri and database are required", ErrInvalidInput)
	}
	timeout := config.Mongo.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client, err := mongo.Connect(options.Client().ApplyURI(config.Mongo.URI).SetConnectTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	store := NewMongoStoreWithClient(client, config.Mongo.Database)
	store.owned = true
	return store, nil
}

// NewMongoStoreWithClient wraps an existing client. The caller keeps
// ownership of the client.
func NewMongoStoreWithClient(client *mongo.Client, database string) *MongoStore {
	db := client.Database(database)
	return &MongoStore{
		client:        client,
		registrations: db.Collection(registrationsCollection),
		lifecycles:    db.Collection(lifecyclesCollection),
	}
}

// Close disconnects the client if the store created it
func (s *MongoStore) Close() error {
	if !s.owned {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping checks if the store is healthy
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) upsert(ctx context.Context, coll *mongo.Collection, rec *mongoRecord) error {
	_, err := coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: rec.ID}}, rec, options.Replace().SetUpsert(true))
	return err
}

// SaveRegistration implements discovery.Persistence.
func (s *MongoStore) SaveRegistration(ctx context.Context, reg *discovery.AgentRegistration) error {
	rec, err := registrationRecord(reg)
	if err != nil {
		return backendError("save_registration", "", err)
	}
	return backendError("save_registration", reg.AgentID, s.upsert(ctx, s.registrations, rec))
}

// DeleteRegistration implements discovery.Persistence.
func (s *MongoStore) DeleteRegistration(ctx context.Context, agentID string) error {
	_, err := s.registrations.DeleteOne(ctx, bson.D{{Key: "_id", Value: agentID}})
	return backendError("delete_registration", agentID, err)
}

// SaveLifecycle implements discovery.Persistence.
func (s *MongoStore) SaveLifecycle(ctx context.Context, lc *health.Lifecycle) error {
	rec, err := lifecycleRecord(lc, time.Now().UTC())
	if err != nil {
		return backendError("save_lifecycle", "", err)
	}
	return backendError("save_lifecycle", lc.AgentID, s.upsert(ctx, s.lifecycles, rec))
}

// DeleteLifecycle implements discovery.Persistence.
func (s *MongoStore) DeleteLifecycle(ctx context.Context, agentID string) error {
	_, err := s.lifecycles.DeleteOne(ctx, bson.D{{Key: "_id", Value: agentID}})
	return backendError("delete_lifecycle", agentID, err)
}

// LoadAll implements discovery.Persistence.
func (s *MongoStore) LoadAll(ctx context.Context) (*discovery.PersistedState, error) {
	regRecs, err := s.findAll(ctx, s.registrations)
	if err != nil {
		return nil, backendError("load_all", "", err)
	}
	lcRecs, err := s.findAll(ctx, s.lifecycles)
	if err != nil {
		return nil, backendError("load_all", "", err)
	}

	state, errs := decodeRecords(regRecs, lcRecs)
	sortState(state)
	if len(errs) > 0 {
		return state, backendError("load_all", "", errors.Join(errs...))
	}
	return state, nil
}

func (s *MongoStore) findAll(ctx context.Context, coll *mongo.Collection) ([]mongoRecord, error) {
	cursor, err := coll.Find(ctx, bson.D{})
	if err != nil {
		return nil, err
	}
	var recs []mongoRecord
	if err := cursor.All(ctx, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func decodeRecords(regRecs, lcRecs []mongoRecord) (*discovery.PersistedState, []error) {
	state := &discovery.PersistedState{}
	var errs []error
	for _, rec := range regRecs {
		reg, err := decodeRegistration([]byte(rec.Data))
		if err != nil {
			errs = append(errs, fmt.Errorf("registration %s: %w", rec.ID, err))
			continue
		}
		state.Registrations = append(state.Registrations, reg)
	}
	for _, rec := range lcRecs {
		lc, err := decodeLifecycle([]byte(rec.Data))
		if err != nil {
			errs = append(errs, fmt.Errorf("lifecycle %s: %w", rec.ID, err))
			continue
		}
		state.Lifecycles = append(state.Lifecycles, lc)
	}
	return state, errs
}

var _ Store = (*MongoStore)(nil)
