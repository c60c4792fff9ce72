package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrPermissionDenied   = errors.New("permission denied")
)

const (
	CollectionProducts  = "products"
	CollectionCustomers = "customers"
	CollectionSales     = "sales"
	CollectionExpenses  = "expenses"
	CollectionSettings  = "settings"

	// ShopProfileID is the document id of the shop profile inside CollectionSettings.
	ShopProfileID = "shop"
)

// Collections lists every collection the entity store mirrors.
var Collections = []string{
	CollectionProducts,
	CollectionCustomers,
	CollectionSales,
	CollectionExpenses,
	CollectionSettings,
}

// Snapshot is a full collection keyed by document id.
type Snapshot map[string]json.RawMessage

// SnapshotHandler receives every full snapshot of a subscribed collection, or
// the error that ended delivery.
type SnapshotHandler func(snapshot Snapshot, err error)

type Subscription interface {
	Close() error
}

type MutationKind int

const (
	MutationPut MutationKind = iota + 1
	MutationPatch
	MutationDelete
)

func (k MutationKind) String() string {
	switch k {
	case MutationPut:
		return "put"
	case MutationPatch:
		return "patch"
	case MutationDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Mutation is one document write inside a Commit batch.
type Mutation struct {
	Kind       MutationKind
	Collection string
	ID         string
	Record     any
	Fields     map[string]any
}

func Put(collection string, id string, record any) Mutation {
	return Mutation{Kind: MutationPut, Collection: collection, ID: id, Record: record}
}

func Patch(collection string, id string, fields map[string]any) Mutation {
	return Mutation{Kind: MutationPatch, Collection: collection, ID: id, Fields: fields}
}

func Delete(collection string, id string) Mutation {
	return Mutation{Kind: MutationDelete, Collection: collection, ID: id}
}

func (m Mutation) Validate() error {
	if m.Collection == "" || m.ID == "" {
		return fmt.Errorf("%w: mutation needs collection and id", ErrInvalidTransaction)
	}
	switch m.Kind {
	case MutationPut:
		if m.Record == nil {
			return fmt.Errorf("%w: put %s/%s without record", ErrInvalidTransaction, m.Collection, m.ID)
		}
	case MutationPatch:
		if len(m.Fields) == 0 {
			return fmt.Errorf("%w: patch %s/%s without fields", ErrInvalidTransaction, m.Collection, m.ID)
		}
	case MutationDelete:
	default:
		return fmt.Errorf("%w: unknown mutation kind %d", ErrInvalidTransaction, m.Kind)
	}
	return nil
}

// Repository is the persistence collaborator. Commit applies every mutation
// or none of them.
type Repository interface {
	Load(ctx context.Context, collection string) (Snapshot, error)
	Subscribe(ctx context.Context, collection string, handler SnapshotHandler) (Subscription, error)
	Put(ctx context.Context, collection string, id string, record any) error
	Patch(ctx context.Context, collection string, id string, fields map[string]any) error
	Delete(ctx context.Context, collection string, id string) error
	Commit(ctx context.Context, mutations []Mutation) error
	Close() error
}

// MergeFields applies patch fields onto an encoded record and returns the new encoding.
func MergeFields(record json.RawMessage, fields map[string]any) (json.RawMessage, error) {
	doc := map[string]json.RawMessage{}
	if len(record) > 0 {
		if err := json.Unmarshal(record, &doc); err != nil {
			return nil, err
		}
	}
	for key, value := range fields {
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", key, err)
		}
		doc[key] = encoded
	}
	return json.Marshal(doc)
}

// Decode unmarshals every record of a snapshot.
func Decode[T any](snapshot Snapshot) (map[string]T, error) {
	out := make(map[string]T, len(snapshot))
	for id, raw := range snapshot {
		var value T
		if err := json.Unmarshal(raw, &value); err != nil {
			return nil, fmt.Errorf("decode %s: %w", id, err)
		}
		out[id] = value
	}
	return out, nil
}
