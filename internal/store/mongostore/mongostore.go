package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"sylsas/backend/internal/store"
)

// Store maps each collection onto a MongoDB collection of the same name.
// Subscribe relies on change streams, so the server must run as a replica set.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

func New(ctx context.Context, uri string, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, classify(err)
	}

	return &Store{client: client, db: client.Database(database)}, nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) Load(ctx context.Context, collection string) (store.Snapshot, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}

	cursor, err := s.db.Collection(collection).Find(ctx, bson.M{})
	if err != nil {
		return nil, classify(err)
	}
	defer cursor.Close(ctx)

	snapshot := make(store.Snapshot)
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		id, raw, err := fromDocument(doc)
		if err != nil {
			return nil, err
		}
		snapshot[id] = raw
	}
	if err := cursor.Err(); err != nil {
		return nil, classify(err)
	}
	return snapshot, nil
}

func (s *Store) Put(ctx context.Context, collection string, id string, record any) error {
	return s.Commit(ctx, []store.Mutation{store.Put(collection, id, record)})
}

func (s *Store) Patch(ctx context.Context, collection string, id string, fields map[string]any) error {
	return s.Commit(ctx, []store.Mutation{store.Patch(collection, id, fields)})
}

func (s *Store) Delete(ctx context.Context, collection string, id string) error {
	return s.Commit(ctx, []store.Mutation{store.Delete(collection, id)})
}

// Commit runs the batch inside one multi-document transaction.
func (s *Store) Commit(ctx context.Context, mutations []store.Mutation) error {
	if len(mutations) == 0 {
		return nil
	}
	for _, m := range mutations {
		if err := m.Validate(); err != nil {
			return err
		}
		if err := checkCollection(m.Collection); err != nil {
			return err
		}
	}

	session, err := s.client.StartSession()
	if err != nil {
		return classify(err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		for _, m := range mutations {
			if err := s.apply(sc, m); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return classify(err)
}

func (s *Store) apply(ctx context.Context, m store.Mutation) error {
	coll := s.db.Collection(m.Collection)
	switch m.Kind {
	case store.MutationPut:
		doc, err := toDocument(m.Record)
		if err != nil {
			return fmt.Errorf("%w: encode %s/%s: %v", store.ErrInvalidTransaction, m.Collection, m.ID, err)
		}
		doc["_id"] = m.ID
		_, err = coll.ReplaceOne(ctx, bson.M{"_id": m.ID}, doc, options.Replace().SetUpsert(true))
		return err
	case store.MutationPatch:
		fields, err := toDocument(m.Fields)
		if err != nil {
			return fmt.Errorf("%w: encode %s/%s: %v", store.ErrInvalidTransaction, m.Collection, m.ID, err)
		}
		res, err := coll.UpdateOne(ctx, bson.M{"_id": m.ID}, bson.M{"$set": fields})
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return fmt.Errorf("%w: %s/%s", store.ErrNotFound, m.Collection, m.ID)
		}
		return nil
	case store.MutationDelete:
		_, err := coll.DeleteOne(ctx, bson.M{"_id": m.ID})
		return err
	}
	return fmt.Errorf("%w: unknown mutation kind %d", store.ErrInvalidTransaction, m.Kind)
}

// Subscribe opens a change stream on the collection and reloads it on every event.
func (s *Store) Subscribe(ctx context.Context, collection string, handler store.SnapshotHandler) (store.Subscription, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: nil snapshot handler", store.ErrInvalidTransaction)
	}

	stream, err := s.db.Collection(collection).Watch(ctx, mongo.Pipeline{})
	if err != nil {
		return nil, classify(err)
	}

	initial, err := s.Load(ctx, collection)
	if err != nil {
		_ = stream.Close(context.Background())
		return nil, err
	}
	handler(initial, nil)

	watchCtx, cancel := context.WithCancel(context.Background())
	sub := &watcher{cancel: cancel, done: make(chan struct{})}
	go s.watch(watchCtx, stream, collection, handler, sub.done)
	return sub, nil
}

func (s *Store) watch(ctx context.Context, stream *mongo.ChangeStream, collection string, handler store.SnapshotHandler, done chan<- struct{}) {
	defer close(done)
	defer func() { _ = stream.Close(context.Background()) }()

	for stream.Next(ctx) {
		snapshot, err := s.Load(ctx, collection)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			handler(nil, err)
			continue
		}
		handler(snapshot, nil)
	}
	if ctx.Err() != nil {
		return
	}
	if err := stream.Err(); err != nil {
		log.Printf("[mongo-store] WARN: change stream for %s stopped: %v", collection, err)
		handler(nil, classify(err))
	}
}

type watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (w *watcher) Close() error {
	w.once.Do(func() {
		w.cancel()
		<-w.done
	})
	return nil
}

// toDocument converts a JSON-tagged value into a BSON document so field
// names match the JSON encoding used by every other backend.
func toDocument(value any) (bson.M, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var doc bson.M
	if err := bson.UnmarshalExtJSON(raw, false, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func fromDocument(doc bson.M) (string, json.RawMessage, error) {
	id, ok := doc["_id"].(string)
	if !ok {
		return "", nil, fmt.Errorf("document without string _id: %v", doc["_id"])
	}
	delete(doc, "_id")
	raw, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return "", nil, err
	}
	return id, json.RawMessage(raw), nil
}

func checkCollection(collection string) error {
	if !slices.Contains(store.Collections, collection) {
		return fmt.Errorf("%w: unknown collection %q", store.ErrInvalidTransaction, collection)
	}
	return nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var serverErr mongo.ServerError
	if errors.As(err, &serverErr) {
		// Unauthorized, AuthenticationFailed
		if serverErr.HasErrorCode(13) || serverErr.HasErrorCode(18) {
			return fmt.Errorf("%w: %v", store.ErrPermissionDenied, err)
		}
	}
	return err
}
