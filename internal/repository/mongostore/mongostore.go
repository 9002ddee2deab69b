// Package mongostore implements repository.Store on MongoDB.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"smart-mail-sorter-go/internal/model"
	"smart-mail-sorter-go/internal/repository"
)

const (
	collectionConnections = "mailbox_connections"
	collectionEmails      = "processed_emails"
	collectionCustomers   = "customers"
	collectionCategories  = "categories"
	collectionLogs        = "processing_logs"
)

// Store is the MongoDB implementation of repository.Store
type Store struct {
	db          *mongo.Database
	connections *mongo.Collection
	emails      *mongo.Collection
	customers   *mongo.Collection
	categories  *mongo.Collection
	logs        *mongo.Collection
}

var _ repository.Store = (*Store)(nil)

// NewClient creates a new MongoDB client
func NewClient(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOpts := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(100).
		SetMinPoolSize(10).
		SetMaxConnIdleTime(30 * time.Second)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return client, nil
}

func New(db *mongo.Database) *Store {
	return &Store{
		db:          db,
		connections: db.Collection(collectionConnections),
		emails:      db.Collection(collectionEmails),
		customers:   db.Collection(collectionCustomers),
		categories:  db.Collection(collectionCategories),
		logs:        db.Collection(collectionLogs),
	}
}

// EnsureIndexes creates the unique keys the at-most-once and one-connection
// guarantees depend on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	specs := map[*mongo.Collection][]mongo.IndexModel{
		s.connections: {
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "provider", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "status", Value: 1}}},
		},
		s.emails: {
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "provider_message_id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "received_at", Value: -1}}},
		},
		s.customers: {
			{Keys: bson.D{{Key: "name", Value: 1}}, Options: unique},
		},
		s.categories: {
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "name", Value: 1}}, Options: unique},
		},
		s.logs: {
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
	}

	for coll, indexes := range specs {
		if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll.Name(), err)
		}
	}
	return nil
}

func findOne[T any](ctx context.Context, coll *mongo.Collection, filter bson.M) (*T, error) {
	var doc T
	err := coll.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find %s document: %w", coll.Name(), err)
	}
	return &doc, nil
}

func findPage[T any](ctx context.Context, coll *mongo.Collection, filter bson.M, sortKey string, page, limit int) ([]T, int64, error) {
	total, err := coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count %s: %w", coll.Name(), err)
	}

	if page < 1 {
		page = 1
	}
	opts := options.Find().
		SetSort(bson.D{{Key: sortKey, Value: -1}}).
		SetSkip(int64((page - 1) * limit)).
		SetLimit(int64(limit))

	cursor, err := coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list %s: %w", coll.Name(), err)
	}
	items := make([]T, 0)
	if err := cursor.All(ctx, &items); err != nil {
		return nil, 0, fmt.Errorf("failed to decode %s: %w", coll.Name(), err)
	}
	return items, total, nil
}

// Connections

func (s *Store) UpsertActive(ctx context.Context, customerID string, provider model.Provider, tokens model.ConnectionTokens, now time.Time) (*model.MailboxConnection, error) {
	filter := bson.M{"customer_id": customerID, "provider": provider}
	update := bson.M{
		"$set": bson.M{
			"status":                  model.ConnectionActive,
			"provider_user_id":        tokens.ProviderUserID,
			"provider_email":          tokens.ProviderEmail,
			"access_token_ref":        tokens.AccessTokenRef,
			"refresh_token_ref":       tokens.RefreshTokenRef,
			"access_token_expires_at": tokens.AccessTokenExpiresAt,
			"granted_scope":           tokens.GrantedScope,
			"oauth_state":             "",
			"connected_at":            now,
			"last_sync_error":         "",
			"disconnected_at":         nil,
			"disconnect_reason":       "",
			"updated_at":              now,
		},
		"$setOnInsert": bson.M{
			"_id":                 uuid.NewString(),
			"sync_count":          0,
			"token_refresh_count": 0,
			"created_at":          now,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var conn model.MailboxConnection
	err := s.connections.FindOneAndUpdate(ctx, filter, update, opts).Decode(&conn)
	if mongo.IsDuplicateKeyError(err) {
		// lost an insert race; the row exists now, so this is a plain update
		err = s.connections.FindOneAndUpdate(ctx, filter, update, opts).Decode(&conn)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upsert connection: %w", err)
	}
	return &conn, nil
}

func (s *Store) FindByCustomerProvider(ctx context.Context, customerID string, provider model.Provider) (*model.MailboxConnection, error) {
	return findOne[model.MailboxConnection](ctx, s.connections, bson.M{"customer_id": customerID, "provider": provider})
}

func (s *Store) FindConnection(ctx context.Context, id string) (*model.MailboxConnection, error) {
	return findOne[model.MailboxConnection](ctx, s.connections, bson.M{"_id": id})
}

func (s *Store) ListConnections(ctx context.Context, customerID string) ([]model.MailboxConnection, error) {
	cursor, err := s.connections.Find(ctx, bson.M{"customer_id": customerID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	conns := make([]model.MailboxConnection, 0)
	if err := cursor.All(ctx, &conns); err != nil {
		return nil, fmt.Errorf("failed to decode connections: %w", err)
	}
	return conns, nil
}

func (s *Store) RotateTokens(ctx context.Context, id, oldAccessRef string, tokens model.ConnectionTokens, now time.Time) (bool, error) {
	res, err := s.connections.UpdateOne(ctx,
		bson.M{"_id": id, "access_token_ref": oldAccessRef},
		bson.M{
			"$set": bson.M{
				"access_token_ref":        tokens.AccessTokenRef,
				"refresh_token_ref":       tokens.RefreshTokenRef,
				"access_token_expires_at": tokens.AccessTokenExpiresAt,
				"granted_scope":           tokens.GrantedScope,
				"last_sync_at":            now,
				"last_sync_error":         "",
				"updated_at":              now,
			},
			"$inc": bson.M{"token_refresh_count": 1},
		})
	if err != nil {
		return false, fmt.Errorf("failed to rotate tokens: %w", err)
	}
	return res.MatchedCount == 1, nil
}

func (s *Store) MarkExpired(ctx context.Context, id, reason string) error {
	return s.updateConnection(ctx, id, bson.M{"$set": bson.M{
		"status":          model.ConnectionExpired,
		"last_sync_error": reason,
		"updated_at":      time.Now().UTC(),
	}})
}

func (s *Store) MarkRevoked(ctx context.Context, id, reason string, now time.Time) error {
	return s.updateConnection(ctx, id, bson.M{"$set": bson.M{
		"status":                  model.ConnectionRevoked,
		"access_token_ref":        "",
		"refresh_token_ref":       "",
		"access_token_expires_at": nil,
		"oauth_state":             "",
		"disconnected_at":         now,
		"disconnect_reason":       reason,
		"updated_at":              now,
	}})
}

func (s *Store) RecordSync(ctx context.Context, id string, now time.Time) error {
	return s.updateConnection(ctx, id, bson.M{
		"$set": bson.M{"last_sync_at": now, "last_sync_error": "", "updated_at": now},
		"$inc": bson.M{"sync_count": 1},
	})
}

func (s *Store) updateConnection(ctx context.Context, id string, update bson.M) error {
	res, err := s.connections.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to update connection: %w", err)
	}
	if res.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Processed emails

func (s *Store) IsProcessed(ctx context.Context, customerID, providerMessageID string) (bool, error) {
	count, err := s.emails.CountDocuments(ctx,
		bson.M{"customer_id": customerID, "provider_message_id": providerMessageID, "is_processed": true},
		options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to check processed email: %w", err)
	}
	return count > 0, nil
}

func (s *Store) Claim(ctx context.Context, email *model.ProcessedEmail, staleBefore time.Time) (bool, error) {
	if email.ID == "" {
		email.ID = uuid.NewString()
	}
	if email.CreatedAt.IsZero() {
		email.CreatedAt = time.Now().UTC()
	}
	email.IsProcessed = false

	_, err := s.emails.InsertOne(ctx, email)
	if err == nil {
		return true, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return false, fmt.Errorf("failed to claim email: %w", err)
	}

	now := time.Now().UTC()
	var existing model.ProcessedEmail
	err = s.emails.FindOneAndUpdate(ctx,
		bson.M{
			"customer_id":         email.CustomerID,
			"provider_message_id": email.ProviderMessageID,
			"is_processed":        false,
			"created_at":          bson.M{"$lt": staleBefore},
		},
		bson.M{"$set": bson.M{"created_at": now}},
	).Decode(&existing)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to take over stale claim: %w", err)
	}

	email.ID = existing.ID
	email.CreatedAt = now
	email.ChargedAt = existing.ChargedAt
	return true, nil
}

func (s *Store) MarkCharged(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.emails.UpdateOne(ctx,
		bson.M{"_id": id, "is_processed": false, "charged_at": nil},
		bson.M{"$set": bson.M{"charged_at": at}})
	if err != nil {
		return false, fmt.Errorf("failed to mark email as charged: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

func (s *Store) Complete(ctx context.Context, email *model.ProcessedEmail) error {
	res, err := s.emails.UpdateOne(ctx, bson.M{"_id": email.ID}, bson.M{"$set": bson.M{
		"subject":        email.Subject,
		"from":           email.From,
		"received_at":    email.ReceivedAt,
		"category":       email.Category,
		"confidence":     email.Confidence,
		"is_urgent":      email.IsUrgent,
		"urgency_level":  email.UrgencyLevel,
		"urgency_reason": email.UrgencyReason,
		"is_processed":   true,
		"processed_at":   email.ProcessedAt,
	}})
	if err != nil {
		return fmt.Errorf("failed to mark email as processed: %w", err)
	}
	if res.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	email.IsProcessed = true
	return nil
}

func (s *Store) Release(ctx context.Context, id string) error {
	if _, err := s.emails.DeleteOne(ctx, bson.M{"_id": id, "is_processed": false}); err != nil {
		return fmt.Errorf("failed to release email claim: %w", err)
	}
	return nil
}

func (s *Store) ListProcessed(ctx context.Context, customerID string, page, limit int) ([]model.ProcessedEmail, int64, error) {
	return findPage[model.ProcessedEmail](ctx, s.emails,
		bson.M{"customer_id": customerID, "is_processed": true}, "received_at", page, limit)
}

// Customers

func (s *Store) FindCustomer(ctx context.Context, id string) (*model.Customer, error) {
	return findOne[model.Customer](ctx, s.customers, bson.M{"_id": id})
}

func (s *Store) CreateCustomer(ctx context.Context, customer *model.Customer) error {
	if customer.ID == "" {
		customer.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	customer.CreatedAt, customer.UpdatedAt = now, now
	if _, err := s.customers.InsertOne(ctx, customer); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("failed to create customer: %w", err)
	}
	return nil
}

func (s *Store) DecrementCredit(ctx context.Context, id string) (bool, error) {
	res, err := s.customers.UpdateOne(ctx,
		bson.M{"_id": id, "credits_remaining": bson.M{"$gt": 0}},
		bson.M{"$inc": bson.M{"credits_remaining": -1}})
	if err != nil {
		return false, fmt.Errorf("failed to decrement credit: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

func (s *Store) AddCredits(ctx context.Context, id string, amount int) error {
	res, err := s.customers.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$inc": bson.M{"credits_remaining": amount, "total_credits": amount}})
	if err != nil {
		return fmt.Errorf("failed to add credits: %w", err)
	}
	if res.MatchedCount == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) ListSweepCandidates(ctx context.Context, provider model.Provider) ([]model.Customer, error) {
	ids, err := s.connections.Distinct(ctx, "customer_id",
		bson.M{"provider": provider, "status": model.ConnectionActive})
	if err != nil {
		return nil, fmt.Errorf("failed to list connected customers: %w", err)
	}
	customers := make([]model.Customer, 0)
	if len(ids) == 0 {
		return customers, nil
	}

	cursor, err := s.customers.Find(ctx,
		bson.M{"_id": bson.M{"$in": ids}, "is_active": true},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list sweep candidates: %w", err)
	}
	if err := cursor.All(ctx, &customers); err != nil {
		return nil, fmt.Errorf("failed to decode customers: %w", err)
	}
	return customers, nil
}

// Categories

func (s *Store) ListCategories(ctx context.Context, customerID string) ([]model.Category, error) {
	cursor, err := s.categories.Find(ctx, bson.M{"customer_id": customerID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	categories := make([]model.Category, 0)
	if err := cursor.All(ctx, &categories); err != nil {
		return nil, fmt.Errorf("failed to decode categories: %w", err)
	}
	return categories, nil
}

func (s *Store) CreateCategory(ctx context.Context, category *model.Category) error {
	if category.ID == "" {
		category.ID = uuid.NewString()
	}
	if category.CreatedAt.IsZero() {
		category.CreatedAt = time.Now().UTC()
	}
	if _, err := s.categories.InsertOne(ctx, category); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return repository.ErrDuplicate
		}
		return fmt.Errorf("failed to create category: %w", err)
	}
	return nil
}

// Processing logs

func (s *Store) LogProcessing(ctx context.Context, entry *model.ProcessingLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if _, err := s.logs.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("failed to log processing outcome: %w", err)
	}
	return nil
}

func (s *Store) ListLogs(ctx context.Context, customerID string, page, limit int) ([]model.ProcessingLog, int64, error) {
	return findPage[model.ProcessingLog](ctx, s.logs, bson.M{"customer_id": customerID}, "created_at", page, limit)
}
