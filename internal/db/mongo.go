package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/wuwenbin0122/aidanna/internal/models"
	"github.com/wuwenbin0122/aidanna/internal/utils"
)

// Mongo is an alternative conversation backend. Usage and profiles stay relational.
type Mongo struct {
	Client        *mongo.Client
	Database      *mongo.Database
	Conversations *mongo.Collection
	Messages      *mongo.Collection
	now           func() time.Time
}

type conversationDocument struct {
	ID        string    `bson:"_id"`
	UserID    string    `bson:"user_id"`
	Mode      string    `bson:"mode"`
	Title     string    `bson:"title"`
	TurnCount int       `bson:"turn_count"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type messageDocument struct {
	ID             string    `bson:"_id"`
	ConversationID string    `bson:"conversation_id"`
	Seq            int       `bson:"seq"`
	Role           string    `bson:"role"`
	Content        string    `bson:"content"`
	Audio          []byte    `bson:"audio,omitempty"`
	CreatedAt      time.Time `bson:"created_at"`
}

func NewMongo(ctx context.Context, cfg utils.MongoConfig) (*Mongo, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo: uri is required")
	}

	clientOpts := options.Client().ApplyURI(cfg.URI)
	if cfg.ConnectTimeout > 0 {
		clientOpts.SetServerSelectionTimeout(cfg.ConnectTimeout)
	}

	ctx, cancel := context.WithTimeout(ctx, timeoutOrDefault(cfg.ConnectTimeout))
	defer cancel()

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}

	db := client.Database(cfg.Database)
	store := &Mongo{
		Client:        client,
		Database:      db,
		Conversations: db.Collection("conversations"),
		Messages:      db.Collection("messages"),
		now:           time.Now,
	}

	return store, nil
}

func (m *Mongo) Close(ctx context.Context) error {
	if m == nil || m.Client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return m.Client.Disconnect(ctx)
}

func (m *Mongo) EnsureCollections(ctx context.Context) error {
	if m == nil || m.Database == nil {
		return fmt.Errorf("mongo: database not initialised")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := m.Conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "updated_at", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("mongo: ensure conversation index: %w", err)
	}

	_, err = m.Messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("mongo: ensure message index: %w", err)
	}

	return nil
}

func (m *Mongo) CreateConversation(ctx context.Context, owner, mode, title string) (models.Conversation, error) {
	now := m.now().UTC()
	doc := conversationDocument{
		ID:        uuid.NewString(),
		UserID:    owner,
		Mode:      mode,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if _, err := m.Conversations.InsertOne(ctx, doc); err != nil {
		return models.Conversation{}, fmt.Errorf("mongo: create conversation: %w", err)
	}

	return doc.toModel(), nil
}

func (m *Mongo) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	var doc conversationDocument
	if err := m.Conversations.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.Conversation{}, ErrNotFound
		}
		return models.Conversation{}, fmt.Errorf("mongo: get conversation: %w", err)
	}
	return doc.toModel(), nil
}

// AppendTurn reserves the next seq with an atomic $inc on the conversation before inserting.
func (m *Mongo) AppendTurn(ctx context.Context, conversationID, role, content string, audio []byte) (models.Message, error) {
	now := m.now().UTC()

	var conv conversationDocument
	err := m.Conversations.FindOneAndUpdate(
		ctx,
		bson.M{"_id": conversationID},
		bson.M{"$inc": bson.M{"turn_count": 1}, "$set": bson.M{"updated_at": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&conv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return models.Message{}, ErrNotFound
		}
		return models.Message{}, fmt.Errorf("mongo: reserve turn: %w", err)
	}

	doc := messageDocument{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Seq:            conv.TurnCount,
		Role:           role,
		Content:        content,
		Audio:          audio,
		CreatedAt:      now,
	}
	if _, err := m.Messages.InsertOne(ctx, doc); err != nil {
		return models.Message{}, fmt.Errorf("mongo: append turn: %w", err)
	}

	return doc.toModel(), nil
}

func (m *Mongo) ListConversations(ctx context.Context, owner string, limit int) ([]models.Conversation, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))

	cursor, err := m.Conversations.Find(ctx, bson.M{"user_id": owner}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: list conversations: %w", err)
	}

	var docs []conversationDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: decode conversations: %w", err)
	}

	conversations := make([]models.Conversation, 0, len(docs))
	for _, doc := range docs {
		conversations = append(conversations, doc.toModel())
	}
	return conversations, nil
}

func (m *Mongo) LoadTurns(ctx context.Context, conversationID string) ([]models.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	cursor, err := m.Messages.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: load turns: %w", err)
	}

	var docs []messageDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo: decode turns: %w", err)
	}

	messages := make([]models.Message, 0, len(docs))
	for _, doc := range docs {
		messages = append(messages, doc.toModel())
	}
	return messages, nil
}

func (m *Mongo) DeleteConversation(ctx context.Context, conversationID string) error {
	result, err := m.Conversations.DeleteOne(ctx, bson.M{"_id": conversationID})
	if err != nil {
		return fmt.Errorf("mongo: delete conversation: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}

	if _, err := m.Messages.DeleteMany(ctx, bson.M{"conversation_id": conversationID}); err != nil {
		return fmt.Errorf("mongo: delete turns: %w", err)
	}
	return nil
}

func (d conversationDocument) toModel() models.Conversation {
	return models.Conversation{
		ID:        d.ID,
		UserID:    d.UserID,
		Mode:      d.Mode,
		Title:     d.Title,
		TurnCount: d.TurnCount,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func (d messageDocument) toModel() models.Message {
	return models.Message{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		Seq:            d.Seq,
		Role:           d.Role,
		Content:        d.Content,
		Audio:          d.Audio,
		CreatedAt:      d.CreatedAt,
	}
}
