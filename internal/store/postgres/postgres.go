package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"sylsas/backend/internal/store"
)

const notifyChannel = "documents_changed"

const schemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	id TEXT NOT NULL,
	body JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (collection, id)
)`

// Store keeps every collection as JSONB documents in one table. Writes
// announce the touched collection on a NOTIFY channel so subscribers can
// reload.
type Store struct {
	db          *sql.DB
	databaseURL string
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, classify(err)
	}

	s := NewWithDB(db, databaseURL)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle. Subscribe needs databaseURL for its
// dedicated LISTEN connection.
func NewWithDB(db *sql.DB, databaseURL string) *Store {
	return &Store{db: db, databaseURL: databaseURL}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Load(ctx context.Context, collection string) (store.Snapshot, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, body
		FROM documents
		WHERE collection = $1
	`, collection)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	snapshot := make(store.Snapshot)
	for rows.Next() {
		var id string
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		snapshot[id] = json.RawMessage(body)
	}
	if err := rows.Err(); err != nil {
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

	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return classify(err)
	}
	defer func() { _ = pgTx.Rollback() }()

	touched := make([]string, 0, 3)
	for _, m := range mutations {
		if err := applyMutation(ctx, pgTx, m); err != nil {
			return err
		}
		if !slices.Contains(touched, m.Collection) {
			touched = append(touched, m.Collection)
		}
	}
	slices.Sort(touched)

	// NOTIFY is transactional: listeners only hear about committed writes.
	for _, collection := range touched {
		if _, err := pgTx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, collection); err != nil {
			return classify(err)
		}
	}

	if err := pgTx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

func applyMutation(ctx context.Context, pgTx *sql.Tx, m store.Mutation) error {
	switch m.Kind {
	case store.MutationPut:
		body, err := json.Marshal(m.Record)
		if err != nil {
			return fmt.Errorf("%w: encode %s/%s: %v", store.ErrInvalidTransaction, m.Collection, m.ID, err)
		}
		_, err = pgTx.ExecContext(ctx, `
			INSERT INTO documents (collection, id, body, updated_at)
			VALUES ($1,$2,$3::jsonb,now())
			ON CONFLICT (collection, id)
			DO UPDATE SET body = EXCLUDED.body, updated_at = now()
		`, m.Collection, m.ID, string(body))
		return classify(err)
	case store.MutationPatch:
		body, err := json.Marshal(m.Fields)
		if err != nil {
			return fmt.Errorf("%w: encode %s/%s: %v", store.ErrInvalidTransaction, m.Collection, m.ID, err)
		}
		res, err := pgTx.ExecContext(ctx, `
			UPDATE documents
			SET body = body || $3::jsonb, updated_at = now()
			WHERE collection = $1 AND id = $2
		`, m.Collection, m.ID, string(body))
		if err != nil {
			return classify(err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return fmt.Errorf("%w: %s/%s", store.ErrNotFound, m.Collection, m.ID)
		}
		return nil
	case store.MutationDelete:
		_, err := pgTx.ExecContext(ctx, `
			DELETE FROM documents
			WHERE collection = $1 AND id = $2
		`, m.Collection, m.ID)
		return classify(err)
	}
	return fmt.Errorf("%w: unknown mutation kind %d", store.ErrInvalidTransaction, m.Kind)
}

// Subscribe opens a dedicated connection that LISTENs for change
// notifications and reloads the collection on each one.
func (s *Store) Subscribe(ctx context.Context, collection string, handler store.SnapshotHandler) (store.Subscription, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("%w: nil snapshot handler", store.ErrInvalidTransaction)
	}
	if s.databaseURL == "" {
		return nil, errors.New("postgres subscribe requires a database url")
	}

	conn, err := pgx.Connect(ctx, s.databaseURL)
	if err != nil {
		return nil, classify(err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		_ = conn.Close(context.Background())
		return nil, classify(err)
	}

	initial, err := s.Load(ctx, collection)
	if err != nil {
		_ = conn.Close(context.Background())
		return nil, err
	}
	handler(initial, nil)

	listenCtx, cancel := context.WithCancel(context.Background())
	sub := &listener{cancel: cancel, done: make(chan struct{})}
	go s.listen(listenCtx, conn, collection, handler, sub.done)
	return sub, nil
}

func (s *Store) listen(ctx context.Context, conn *pgx.Conn, collection string, handler store.SnapshotHandler, done chan<- struct{}) {
	defer close(done)
	defer func() { _ = conn.Close(context.Background()) }()

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[postgres-store] WARN: listener for %s stopped: %v", collection, err)
			handler(nil, classify(err))
			return
		}
		if notification.Payload != collection {
			continue
		}

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
}

type listener struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (l *listener) Close() error {
	l.once.Do(func() {
		l.cancel()
		<-l.done
	})
	return nil
}

func checkCollection(collection string) error {
	if !slices.Contains(store.Collections, collection) {
		return fmt.Errorf("%w: unknown collection %q", store.ErrInvalidTransaction, collection)
	}
	return nil
}

// classify maps access-control failures onto store.ErrPermissionDenied and
// leaves every other error intact.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isPermissionDenied(err) {
		return fmt.Errorf("%w: %v", store.ErrPermissionDenied, err)
	}
	return err
}

func isPermissionDenied(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// insufficient_privilege, invalid_authorization_specification, invalid_password
		return pgErr.Code == "42501" || pgErr.Code == "28000" || pgErr.Code == "28P01"
	}
	return false
}
