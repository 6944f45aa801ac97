package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/breez/sync-storage/store"
	"github.com/breez/sync-storage/store/sqlgen"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type PgSyncStorage struct {
	db *pgxpool.Pool
}

func NewPGSyncStorage(databaseURL string) (*PgSyncStorage, error) {
	pgxPool, err := pgxpool.New(context.Background(), databaseURL)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New(%v): %w", databaseURL, err)
	}

	db := stdlib.OpenDBFromPool(pgxPool)
	defer db.Close()
	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}

	m, err := migrate.NewWithInstance(
		"iofs", migrationDriver,
		"sync-storage", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}
	return &PgSyncStorage{db: pgxPool}, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		// serialization_failure, deadlock_detected, lock_not_available
		case "40001", "40P01", "55P03":
			return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
		}
		return err
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return fmt.Errorf("%w: %w", store.ErrUnavailable, err)
	}
	return err
}

func (s *PgSyncStorage) CollectionID(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, "SELECT id FROM collections WHERE name = $1", name).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get collection id: %w", classify(err))
	}
	return id, nil
}

func (s *PgSyncStorage) CreateCollection(ctx context.Context, name string) (int64, error) {
	_, err := s.db.Exec(ctx, "INSERT INTO collections (name) VALUES ($1) ON CONFLICT (name) DO NOTHING", name)
	if err != nil {
		return 0, fmt.Errorf("failed to insert collection: %w", classify(err))
	}
	return s.CollectionID(ctx, name)
}

func (s *PgSyncStorage) CollectionNames(ctx context.Context) (map[int64]string, error) {
	rows, err := s.db.Query(ctx, "SELECT id, name FROM collections")
	if err != nil {
		return nil, fmt.Errorf("failed to query collections: %w", classify(err))
	}
	defer rows.Close()

	names := make(map[int64]string)
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		names[id] = name
	}
	return names, classify(rows.Err())
}

func (s *PgSyncStorage) GetCollection(ctx context.Context, userID string, collectionID int64) (store.Collection, error) {
	c := store.Collection{ID: collectionID}
	var modified int64
	err := s.db.QueryRow(ctx,
		"SELECT modified, count, total_bytes FROM user_collections WHERE user_id = $1 AND collection_id = $2",
		userID, collectionID).Scan(&modified, &c.Count, &c.Bytes)
	if err == pgx.ErrNoRows {
		return store.Collection{}, store.ErrNotFound
	}
	if err != nil {
		return store.Collection{}, fmt.Errorf("failed to get collection: %w", classify(err))
	}
	c.Modified = store.Stamp(modified)
	return c, nil
}

func (s *PgSyncStorage) ListCollections(ctx context.Context, userID string) ([]store.Collection, error) {
	rows, err := s.db.Query(ctx,
		`SELECT uc.collection_id, c.name, uc.modified, uc.count, uc.total_bytes
		 FROM user_collections uc JOIN collections c ON c.id = uc.collection_id
		 WHERE uc.user_id = $1 ORDER BY uc.collection_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user collections: %w", classify(err))
	}
	defer rows.Close()

	collections := make([]store.Collection, 0)
	for rows.Next() {
		var c store.Collection
		var modified int64
		if err := rows.Scan(&c.ID, &c.Name, &modified, &c.Count, &c.Bytes); err != nil {
			return nil, fmt.Errorf("failed to scan user collection: %w", err)
		}
		c.Modified = store.Stamp(modified)
		collections = append(collections, c)
	}
	return collections, classify(rows.Err())
}

func (s *PgSyncStorage) Commit(ctx context.Context, userID string, expected store.Stamp, next store.Collection, m store.Mutation) error {
	// Read committed is enough: the conditional head update blocks on a
	// concurrent writer and re-evaluates after it commits.
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback(context.Background())

	var tag pgconn.CommandTag
	if expected == 0 {
		tag, err = tx.Exec(ctx,
			`INSERT INTO user_collections (user_id, collection_id, modified, count, total_bytes)
			 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (user_id, collection_id) DO NOTHING`,
			userID, next.ID, int64(next.Modified), next.Count, next.Bytes)
	} else {
		tag, err = tx.Exec(ctx,
			`UPDATE user_collections SET modified = $1, count = $2, total_bytes = $3
			 WHERE user_id = $4 AND collection_id = $5 AND modified = $6`,
			int64(next.Modified), next.Count, next.Bytes, userID, next.ID, int64(expected))
	}
	if err != nil {
		return fmt.Errorf("failed to update collection head: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return store.ErrConflict
	}

	if m.Batch != "" {
		if err := dropBatch(ctx, tx, userID, next.ID, m.Batch, m.BatchVersion); err != nil {
			return err
		}
	}

	batch := &pgx.Batch{}
	if m.DeleteAll {
		batch.Queue("DELETE FROM bsos WHERE user_id = $1 AND collection_id = $2", userID, next.ID)
	}
	if len(m.Delete) > 0 {
		batch.Queue("DELETE FROM bsos WHERE user_id = $1 AND collection_id = $2 AND id = ANY($3)", userID, next.ID, m.Delete)
	}
	for _, b := range m.Put {
		batch.Queue(
			`INSERT INTO bsos (user_id, collection_id, id, sortindex, payload, payload_size, modified, expiry)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (user_id, collection_id, id) DO UPDATE SET
			   sortindex = EXCLUDED.sortindex, payload = EXCLUDED.payload,
			   payload_size = EXCLUDED.payload_size, modified = EXCLUDED.modified, expiry = EXCLUDED.expiry`,
			userID, next.ID, b.ID, b.SortIndex, b.Payload, len(b.Payload), int64(b.Modified), b.Expiry)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to apply mutation: %w", classify(err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	return nil
}

func (s *PgSyncStorage) GetBSO(ctx context.Context, userID string, collectionID int64, id string) (store.BSO, error) {
	row := s.db.QueryRow(ctx,
		"SELECT id, sortindex, payload, modified, expiry FROM bsos WHERE user_id = $1 AND collection_id = $2 AND id = $3",
		userID, collectionID, id)
	b, err := scanBSO(row)
	if err == pgx.ErrNoRows {
		return store.BSO{}, store.ErrNotFound
	}
	if err != nil {
		return store.BSO{}, fmt.Errorf("failed to get record: %w", classify(err))
	}
	return b, nil
}

func (s *PgSyncStorage) GetBSOs(ctx context.Context, userID string, collectionID int64, ids []string) ([]store.BSO, error) {
	return s.query(ctx,
		"SELECT id, sortindex, payload, modified, expiry FROM bsos WHERE user_id = $1 AND collection_id = $2 AND id = ANY($3)",
		userID, collectionID, ids)
}

func (s *PgSyncStorage) Scan(ctx context.Context, userID string, collectionID int64, q store.Query) ([]store.BSO, error) {
	stmt, args := sqlgen.Scan(sqlgen.Postgres, userID, collectionID, q)
	return s.query(ctx, stmt, args...)
}

func (s *PgSyncStorage) query(ctx context.Context, stmt string, args ...any) ([]store.BSO, error) {
	rows, err := s.db.Query(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", classify(err))
	}
	defer rows.Close()

	records := make([]store.BSO, 0)
	for rows.Next() {
		b, err := scanBSO(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, b)
	}
	return records, classify(rows.Err())
}

func (s *PgSyncStorage) CreateBatch(ctx context.Context, userID string, collectionID int64, id string, expiry int64, items []store.BatchItem) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback(context.Background())

	batch := &pgx.Batch{}
	batch.Queue("INSERT INTO batches (user_id, collection_id, id, expiry) VALUES ($1, $2, $3, $4)",
		userID, collectionID, id, expiry)
	queueStageItems(batch, userID, collectionID, id, items)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to insert batch: %w", classify(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	return nil
}

func (s *PgSyncStorage) GetBatch(ctx context.Context, userID string, collectionID int64, id string, now int64) (store.Batch, error) {
	batch := store.Batch{ID: id}
	err := s.db.QueryRow(ctx,
		"SELECT expiry, version FROM batches WHERE user_id = $1 AND collection_id = $2 AND id = $3 AND expiry > $4",
		userID, collectionID, id, now).Scan(&batch.Expiry, &batch.Version)
	if err == pgx.ErrNoRows {
		return store.Batch{}, store.ErrNotFound
	}
	if err != nil {
		return store.Batch{}, fmt.Errorf("failed to get batch: %w", classify(err))
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, sortindex, payload, ttl FROM batch_bsos
		 WHERE user_id = $1 AND collection_id = $2 AND batch_id = $3 ORDER BY id COLLATE "C"`,
		userID, collectionID, id)
	if err != nil {
		return store.Batch{}, fmt.Errorf("failed to query batch records: %w", classify(err))
	}
	defer rows.Close()
	for rows.Next() {
		var item store.BatchItem
		if err := rows.Scan(&item.ID, &item.SortIndex, &item.Payload, &item.TTL); err != nil {
			return store.Batch{}, fmt.Errorf("failed to scan batch record: %w", err)
		}
		batch.Items = append(batch.Items, item)
	}
	return batch, classify(rows.Err())
}

func (s *PgSyncStorage) AppendBatch(ctx context.Context, userID string, collectionID int64, id string, items []store.BatchItem) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback(context.Background())

	// The version bump locks the batch row until commit, so a concurrent
	// Commit either sees the new version or drops the batch first.
	tag, err := tx.Exec(ctx,
		"UPDATE batches SET version = version + 1 WHERE user_id = $1 AND collection_id = $2 AND id = $3",
		userID, collectionID, id)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}

	batch := &pgx.Batch{}
	queueStageItems(batch, userID, collectionID, id, items)
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert batch records: %w", classify(err))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	return nil
}

// queueStageItems upserts batch items. A later item for the same id
// overrides only the fields it carries.
func queueStageItems(batch *pgx.Batch, userID string, collectionID int64, id string, items []store.BatchItem) {
	for _, item := range items {
		batch.Queue(
			`INSERT INTO batch_bsos (user_id, collection_id, batch_id, id, sortindex, payload, ttl)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (user_id, collection_id, batch_id, id) DO UPDATE SET
			   sortindex = COALESCE(EXCLUDED.sortindex, batch_bsos.sortindex),
			   payload = COALESCE(EXCLUDED.payload, batch_bsos.payload),
			   ttl = COALESCE(EXCLUDED.ttl, batch_bsos.ttl)`,
			userID, collectionID, id, item.ID, item.SortIndex, item.Payload, item.TTL)
	}
}

func (s *PgSyncStorage) DeleteBatch(ctx context.Context, userID string, collectionID int64, id string, version int64) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback(context.Background())
	if err := dropBatch(ctx, tx, userID, collectionID, id, version); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	return nil
}

func dropBatch(ctx context.Context, tx pgx.Tx, userID string, collectionID int64, id string, version int64) error {
	tag, err := tx.Exec(ctx,
		"DELETE FROM batches WHERE user_id = $1 AND collection_id = $2 AND id = $3 AND version = $4",
		userID, collectionID, id, version)
	if err != nil {
		return fmt.Errorf("failed to delete batch: %w", classify(err))
	}
	if tag.RowsAffected() == 0 {
		var exists int
		err := tx.QueryRow(ctx, "SELECT 1 FROM batches WHERE user_id = $1 AND collection_id = $2 AND id = $3",
			userID, collectionID, id).Scan(&exists)
		if err == pgx.ErrNoRows {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get batch: %w", classify(err))
		}
		return store.ErrBatchChanged
	}
	if _, err := tx.Exec(ctx, "DELETE FROM batch_bsos WHERE user_id = $1 AND collection_id = $2 AND batch_id = $3",
		userID, collectionID, id); err != nil {
		return fmt.Errorf("failed to delete batch records: %w", classify(err))
	}
	return nil
}

func (s *PgSyncStorage) Expired(ctx context.Context, cutoff int64, limit int) ([]store.ExpiredRef, error) {
	rows, err := s.db.Query(ctx,
		`SELECT user_id, collection_id, id, expiry FROM bsos
		 WHERE expiry > 0 AND expiry <= $1 ORDER BY expiry LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired records: %w", classify(err))
	}
	defer rows.Close()

	refs := make([]store.ExpiredRef, 0)
	for rows.Next() {
		var ref store.ExpiredRef
		if err := rows.Scan(&ref.UserID, &ref.CollectionID, &ref.ID, &ref.Expiry); err != nil {
			return nil, fmt.Errorf("failed to scan expired record: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, classify(rows.Err())
}

func (s *PgSyncStorage) PurgeBatches(ctx context.Context, cutoff int64, limit int) (int, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback(context.Background())

	rows, err := tx.Query(ctx,
		`DELETE FROM batches WHERE (user_id, collection_id, id) IN (
		   SELECT user_id, collection_id, id FROM batches WHERE expiry <= $1 ORDER BY expiry LIMIT $2
		 ) RETURNING user_id, collection_id, id`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired batches: %w", classify(err))
	}
	batch := &pgx.Batch{}
	purged := 0
	for rows.Next() {
		var userID, id string
		var collectionID int64
		if err := rows.Scan(&userID, &collectionID, &id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan expired batch: %w", err)
		}
		batch.Queue("DELETE FROM batch_bsos WHERE user_id = $1 AND collection_id = $2 AND batch_id = $3", userID, collectionID, id)
		purged++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, classify(err)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return 0, fmt.Errorf("failed to delete expired batch records: %w", classify(err))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	return purged, nil
}

func (s *PgSyncStorage) Usage(ctx context.Context, userID string) (store.Usage, error) {
	var u store.Usage
	err := s.db.QueryRow(ctx,
		"SELECT COALESCE(SUM(payload_size), 0)::BIGINT, COUNT(*) FROM bsos WHERE user_id = $1", userID).Scan(&u.Bytes, &u.Count)
	if err != nil {
		return store.Usage{}, fmt.Errorf("failed to compute usage: %w", classify(err))
	}
	return u, nil
}

func (s *PgSyncStorage) DeleteUser(ctx context.Context, userID string, stamp store.Stamp) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback(context.Background())

	rows, err := tx.Query(ctx,
		"SELECT modified FROM user_collections WHERE user_id = $1 ORDER BY collection_id FOR UPDATE", userID)
	if err != nil {
		return fmt.Errorf("failed to lock user collections: %w", classify(err))
	}
	var latest int64
	for rows.Next() {
		var modified int64
		if err := rows.Scan(&modified); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan user collection: %w", err)
		}
		latest = max(latest, modified)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return classify(err)
	}
	if store.Stamp(latest) >= stamp {
		return store.ErrConflict
	}

	batch := &pgx.Batch{}
	batch.Queue("DELETE FROM bsos WHERE user_id = $1", userID)
	batch.Queue("DELETE FROM batch_bsos WHERE user_id = $1", userID)
	batch.Queue("DELETE FROM batches WHERE user_id = $1", userID)
	batch.Queue("UPDATE user_collections SET modified = $1, count = 0, total_bytes = 0 WHERE user_id = $2", int64(stamp), userID)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to delete user data: %w", classify(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	return nil
}

func (s *PgSyncStorage) Ping(ctx context.Context) error {
	return classify(s.db.Ping(ctx))
}

func (s *PgSyncStorage) Close() error {
	s.db.Close()
	return nil
}

func scanBSO(row pgx.Row) (store.BSO, error) {
	var b store.BSO
	var modified int64
	if err := row.Scan(&b.ID, &b.SortIndex, &b.Payload, &modified, &b.Expiry); err != nil {
		return store.BSO{}, err
	}
	b.Modified = store.Stamp(modified)
	return b, nil
}
