package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/khwj/personal-analytics/internal/sync"
)

// Store implements sync.DocumentStore over one Firestore collection
type Store struct {
	client     *firestore.Client
	collection *firestore.CollectionRef
}

// New opens database in project and scopes documents to collection
func New(ctx context.Context, project, database, collection string, opts ...option.ClientOption) (*Store, error) {
	if collection == "" {
		return nil, sync.NewError(sync.KindConfig, "firestore", errors.New("collection is required"))
	}
	if database == "" {
		database = firestore.DefaultDatabaseID
	}

	client, err := firestore.NewClientWithDatabase(ctx, project, database, opts...)
	if err != nil {
		return nil, sync.NewError(sync.KindConfig, "firestore", fmt.Errorf("failed to create client: %w", err))
	}
	return &Store{client: client, collection: client.Collection(collection)}, nil
}

// Close releases the client
func (s *Store) Close() error {
	return s.client.Close()
}

// GetDocument returns the document fields or sync.ErrNotFound
func (s *Store) GetDocument(ctx context.Context, id string) (sync.Document, error) {
	snap, err := s.collection.Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, sync.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	if !snap.Exists() {
		return nil, sync.ErrNotFound
	}
	return sync.Document(snap.Data()), nil
}

// SetDocument overwrites the document and returns the server update time
func (s *Store) SetDocument(ctx context.Context, id string, doc sync.Document) (time.Time, error) {
	res, err := s.collection.Doc(id).Set(ctx, map[string]interface{}(doc))
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to set document %s: %w", id, err)
	}
	return res.UpdateTime, nil
}
