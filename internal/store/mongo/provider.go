package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Provider owns one MongoDB client connection
type Provider struct {
	client *mongo.Client
	dbName string
}

// NewProvider connects and pings the server before returning
func NewProvider(ctx context.Context, uri string, dbName string) (*Provider, error) {
	clientOpts := options.Client().ApplyURI(uri)

	if clientOpts.ConnectTimeout == nil {
		clientOpts.SetConnectTimeout(10 * time.Second)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, err
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, err
	}

	return &Provider{
		client: client,
		dbName: dbName,
	}, nil
}

func (p *Provider) Client() *mongo.Client {
	return p.client
}

func (p *Provider) Database() *mongo.Database {
	return p.client.Database(p.dbName)
}

// Ping checks the primary is reachable.
func (p *Provider) Ping(ctx context.Context) error {
	return p.client.Ping(ctx, readpref.Primary())
}

func (p *Provider) Close(ctx context.Context) error {
	return p.client.Disconnect(ctx)
}
