// Package db manages MongoDB connections and collections.
package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// Client wraps mongo.Client and exposes the application's collections.
type Client struct {
	client *mongo.Client
	db     *mongo.Database
}

// New connects to MongoDB, verifies the connection and returns a Client.
func New(ctx context.Context, mongoURI string) (*Client, error) {
	opts := options.Client().
		ApplyURI(mongoURI).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Client{
		client: client,
		db:     client.Database("chatcore"),
	}, nil
}

// UsersCollection returns the users collection.
func (c *Client) UsersCollection() *mongo.Collection {
	return c.db.Collection("users")
}

// MessagesCollection returns the messages collection.
func (c *Client) MessagesCollection() *mongo.Collection {
	return c.db.Collection("messages")
}

// ChatSettingsCollection returns the per-pair chat settings collection.
func (c *Client) ChatSettingsCollection() *mongo.Collection {
	return c.db.Collection("chat_settings")
}

// CallsCollection returns the call records collection.
func (c *Client) CallsCollection() *mongo.Collection {
	return c.db.Collection("calls")
}

// Close disconnects from MongoDB.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// CreateIndexes creates the indexes the stores and the expiry sweeper rely on.
func (c *Client) CreateIndexes(ctx context.Context) error {
	usersIndex := mongo.IndexModel{
		Keys:    map[string]int{"email": 1},
		Options: options.Index().SetUnique(true),
	}
	if _, err := c.UsersCollection().Indexes().CreateOne(ctx, usersIndex); err != nil {
		return fmt.Errorf("failed to create users index: %w", err)
	}

	messageIndexes := []mongo.IndexModel{
		{
			// History queries between a pair, ordered by recency.
			Keys: map[string]int{"sender_id": 1, "receiver_id": 1, "created_at": -1},
		},
		{
			Keys: map[string]int{"created_at": -1},
		},
		{
			// Sweeper scan over pending expirations.
			Keys: map[string]int{"expires_at": 1},
		},
	}
	if _, err := c.MessagesCollection().Indexes().CreateMany(ctx, messageIndexes); err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}

	settingsIndex := mongo.IndexModel{
		Keys:    map[string]int{"room_key": 1},
		Options: options.Index().SetUnique(true),
	}
	if _, err := c.ChatSettingsCollection().Indexes().CreateOne(ctx, settingsIndex); err != nil {
		return fmt.Errorf("failed to create chat settings index: %w", err)
	}

	callIndexes := []mongo.IndexModel{
		{Keys: map[string]int{"caller_id": 1, "created_at": -1}},
		{Keys: map[string]int{"receiver_id": 1, "created_at": -1}},
	}
	if _, err := c.CallsCollection().Indexes().CreateMany(ctx, callIndexes); err != nil {
		return fmt.Errorf("failed to create call indexes: %w", err)
	}

	return nil
}
