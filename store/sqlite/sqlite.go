package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/breez/sync-storage/store"
	"github.com/breez/sync-storage/store/sqlgen"

	"github.com/golang-migrate/migrate/v4"
	sqlite3migrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// SQLite caps host parameters per statement; id lists are chunked below it.
const maxParams = 500

type SQLiteSyncStorage struct {
	db *sql.DB
	// commitHook is called between the steps of Commit. Tests use it to
	// fail a commit halfway through.
	commitHook func(stage string) error
}

func NewSQLiteSyncStorage(file string) (*SQLiteSyncStorage, error) {
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3 database %w", err)
	}
	// One connection serializes writers in process and keeps shared cache
	// in-memory databases alive.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to set journal mode %w", err)
	}

	driver, err := sqlite3migrate.WithInstance(db, &sqlite3migrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver %w", err)
	}
	migrationDriver, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", migrationDriver, "sqlite3", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate migrations %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, fmt.Errorf("failed to run migrations %w", err)
	}
	return &SQLiteSyncStorage{db: db}, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	var serr sqlite3.Error
	if errors.As(err, &serr) && (serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}

func (s *SQLiteSyncStorage) CollectionID(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, "SELECT id FROM collections WHERE name = ?", name).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get collection id: %w", classify(err))
	}
	return id, nil
}

func (s *SQLiteSyncStorage) CreateCollection(ctx context.Context, name string) (int64, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (id, name)
		 SELECT MAX(COALESCE(MAX(id), 0) + 1, 100), ? FROM collections WHERE true
		 ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return 0, fmt.Errorf("failed to insert collection: %w", classify(err))
	}
	return s.CollectionID(ctx, name)
}

func (s *SQLiteSyncStorage) CollectionNames(ctx context.Context) (map[int64]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name FROM collections")
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

func (s *SQLiteSyncStorage) GetCollection(ctx context.Context, userID string, collectionID int64) (store.Collection, error) {
	c := store.Collection{ID: collectionID}
	err := s.db.QueryRowContext(ctx,
		"SELECT modified, count, total_bytes FROM user_collections WHERE user_id = ? AND collection_id = ?",
		userID, collectionID).Scan(&c.Modified, &c.Count, &c.Bytes)
	if err == sql.ErrNoRows {
		return store.Collection{}, store.ErrNotFound
	}
	if err != nil {
		return store.Collection{}, fmt.Errorf("failed to get collection: %w", classify(err))
	}
	return c, nil
}

func (s *SQLiteSyncStorage) ListCollections(ctx context.Context, userID string) ([]store.Collection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uc.collection_id, c.name, uc.modified, uc.count, uc.total_bytes
		 FROM user_collections uc JOIN collections c ON c.id = uc.collection_id
		 WHERE uc.user_id = ? ORDER BY uc.collection_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user collections: %w", classify(err))
	}
	defer rows.Close()

	collections := make([]store.Collection, 0)
	for rows.Next() {
		var c store.Collection
		if err := rows.Scan(&c.ID, &c.Name, &c.Modified, &c.Count, &c.Bytes); err != nil {
			return nil, fmt.Errorf("failed to scan user collection: %w", err)
		}
		collections = append(collections, c)
	}
	return collections, classify(rows.Err())
}

func (s *SQLiteSyncStorage) hook(stage string) error {
	if s.commitHook == nil {
		return nil
	}
	return s.commitHook(stage)
}

func (s *SQLiteSyncStorage) Commit(ctx context.Context, userID string, expected store.Stamp, next store.Collection, m store.Mutation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	// the head row is the commit point: it only moves if nobody else moved it
	var res sql.Result
	if expected == 0 {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO user_collections (user_id, collection_id, modified, count, total_bytes)
			 VALUES (?, ?, ?, ?, ?) ON CONFLICT (user_id, collection_id) DO NOTHING`,
			userID, next.ID, next.Modified, next.Count, next.Bytes)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE user_collections SET modified = ?, count = ?, total_bytes = ?
			 WHERE user_id = ? AND collection_id = ? AND modified = ?`,
			next.Modified, next.Count, next.Bytes, userID, next.ID, expected)
	}
	if err != nil {
		return fmt.Errorf("failed to update collection head: %w", classify(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return store.ErrConflict
	}

	if m.DeleteAll {
		if _, err := tx.ExecContext(ctx, "DELETE FROM bsos WHERE user_id = ? AND collection_id = ?", userID, next.ID); err != nil {
			return fmt.Errorf("failed to delete collection records: %w", classify(err))
		}
	}
	for _, chunk := range sqlgen.Chunks(m.Delete, maxParams) {
		b := sqlgen.New(sqlgen.SQLite)
		stmt := fmt.Sprintf("DELETE FROM bsos WHERE user_id = %s AND collection_id = %s AND id IN %s",
			b.Arg(userID), b.Arg(next.ID), b.In(chunk))
		if _, err := tx.ExecContext(ctx, stmt, b.Args()...); err != nil {
			return fmt.Errorf("failed to delete records: %w", classify(err))
		}
	}
	if err := s.hook("deleted"); err != nil {
		return err
	}

	if len(m.Put) > 0 {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO bsos (user_id, collection_id, id, sortindex, payload, payload_size, modified, expiry)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (user_id, collection_id, id) DO UPDATE SET
			   sortindex = excluded.sortindex, payload = excluded.payload,
			   payload_size = excluded.payload_size, modified = excluded.modified, expiry = excluded.expiry`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", classify(err))
		}
		defer stmt.Close()
		for i, b := range m.Put {
			if _, err := stmt.ExecContext(ctx, userID, next.ID, b.ID, nullInt(b.SortIndex), b.Payload, len(b.Payload), b.Modified, b.Expiry); err != nil {
				return fmt.Errorf("failed to insert record: %w", classify(err))
			}
			if err := s.hook(fmt.Sprintf("put-%d", i)); err != nil {
				return err
			}
		}
	}

	if m.Batch != "" {
		if err := deleteBatch(ctx, tx, userID, next.ID, m.Batch, m.BatchVersion); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	return nil
}

func (s *SQLiteSyncStorage) GetBSO(ctx context.Context, userID string, collectionID int64, id string) (store.BSO, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, sortindex, payload, modified, expiry FROM bsos WHERE user_id = ? AND collection_id = ? AND id = ?",
		userID, collectionID, id)
	b, err := scanBSO(row)
	if err == sql.ErrNoRows {
		return store.BSO{}, store.ErrNotFound
	}
	if err != nil {
		return store.BSO{}, fmt.Errorf("failed to get record: %w", classify(err))
	}
	return b, nil
}

func (s *SQLiteSyncStorage) GetBSOs(ctx context.Context, userID string, collectionID int64, ids []string) ([]store.BSO, error) {
	records := make([]store.BSO, 0, len(ids))
	for _, chunk := range sqlgen.Chunks(ids, maxParams) {
		b := sqlgen.New(sqlgen.SQLite)
		stmt := fmt.Sprintf("SELECT id, sortindex, payload, modified, expiry FROM bsos WHERE user_id = %s AND collection_id = %s AND id IN %s",
			b.Arg(userID), b.Arg(collectionID), b.In(chunk))
		found, err := s.query(ctx, stmt, b.Args()...)
		if err != nil {
			return nil, err
		}
		records = append(records, found...)
	}
	return records, nil
}

func (s *SQLiteSyncStorage) Scan(ctx context.Context, userID string, collectionID int64, q store.Query) ([]store.BSO, error) {
	stmt, args := sqlgen.Scan(sqlgen.SQLite, userID, collectionID, q)
	return s.query(ctx, stmt, args...)
}

func (s *SQLiteSyncStorage) query(ctx context.Context, stmt string, args ...any) ([]store.BSO, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
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

func (s *SQLiteSyncStorage) CreateBatch(ctx context.Context, userID string, collectionID int64, id string, expiry int64, items []store.BatchItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		"INSERT INTO batches (user_id, collection_id, id, expiry) VALUES (?, ?, ?, ?)",
		userID, collectionID, id, expiry)
	if err != nil {
		return fmt.Errorf("failed to insert batch: %w", classify(err))
	}
	if err := stageItems(ctx, tx, userID, collectionID, id, items); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	return nil
}

func (s *SQLiteSyncStorage) GetBatch(ctx context.Context, userID string, collectionID int64, id string, now int64) (store.Batch, error) {
	batch := store.Batch{ID: id}
	err := s.db.QueryRowContext(ctx,
		"SELECT expiry, version FROM batches WHERE user_id = ? AND collection_id = ? AND id = ? AND expiry > ?",
		userID, collectionID, id, now).Scan(&batch.Expiry, &batch.Version)
	if err == sql.ErrNoRows {
		return store.Batch{}, store.ErrNotFound
	}
	if err != nil {
		return store.Batch{}, fmt.Errorf("failed to get batch: %w", classify(err))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sortindex, payload, ttl FROM batch_bsos
		 WHERE user_id = ? AND collection_id = ? AND batch_id = ? ORDER BY id`,
		userID, collectionID, id)
	if err != nil {
		return store.Batch{}, fmt.Errorf("failed to query batch records: %w", classify(err))
	}
	defer rows.Close()
	for rows.Next() {
		var item store.BatchItem
		var sortIndex, ttl sql.NullInt64
		var payload sql.NullString
		if err := rows.Scan(&item.ID, &sortIndex, &payload, &ttl); err != nil {
			return store.Batch{}, fmt.Errorf("failed to scan batch record: %w", err)
		}
		item.SortIndex = intPtr(sortIndex)
		item.TTL = intPtr(ttl)
		if payload.Valid {
			item.Payload = &payload.String
		}
		batch.Items = append(batch.Items, item)
	}
	return batch, classify(rows.Err())
}

func (s *SQLiteSyncStorage) AppendBatch(ctx context.Context, userID string, collectionID int64, id string, items []store.BatchItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE batches SET version = version + 1 WHERE user_id = ? AND collection_id = ? AND id = ?",
		userID, collectionID, id)
	if err != nil {
		return fmt.Errorf("failed to update batch: %w", classify(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	if err := stageItems(ctx, tx, userID, collectionID, id, items); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	return nil
}

// stageItems upserts batch items. A later item for the same id overrides
// only the fields it carries.
func stageItems(ctx context.Context, tx *sql.Tx, userID string, collectionID int64, id string, items []store.BatchItem) error {
	for _, item := range items {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO batch_bsos (user_id, collection_id, batch_id, id, sortindex, payload, ttl)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (user_id, collection_id, batch_id, id) DO UPDATE SET
			   sortindex = COALESCE(excluded.sortindex, batch_bsos.sortindex),
			   payload = COALESCE(excluded.payload, batch_bsos.payload),
			   ttl = COALESCE(excluded.ttl, batch_bsos.ttl)`,
			userID, collectionID, id, item.ID, nullInt(item.SortIndex), nullString(item.Payload), nullInt(item.TTL))
		if err != nil {
			return fmt.Errorf("failed to insert batch record: %w", classify(err))
		}
	}
	return nil
}

func (s *SQLiteSyncStorage) DeleteBatch(ctx context.Context, userID string, collectionID int64, id string, version int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback()
	if err := deleteBatch(ctx, tx, userID, collectionID, id, version); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	return nil
}

func deleteBatch(ctx context.Context, tx *sql.Tx, userID string, collectionID int64, id string, version int64) error {
	res, err := tx.ExecContext(ctx, "DELETE FROM batches WHERE user_id = ? AND collection_id = ? AND id = ? AND version = ?",
		userID, collectionID, id, version)
	if err != nil {
		return fmt.Errorf("failed to delete batch: %w", classify(err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM batches WHERE user_id = ? AND collection_id = ? AND id = ?",
			userID, collectionID, id).Scan(&exists)
		if err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get batch: %w", classify(err))
		}
		return store.ErrBatchChanged
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM batch_bsos WHERE user_id = ? AND collection_id = ? AND batch_id = ?",
		userID, collectionID, id); err != nil {
		return fmt.Errorf("failed to delete batch records: %w", classify(err))
	}
	return nil
}

func (s *SQLiteSyncStorage) Expired(ctx context.Context, cutoff int64, limit int) ([]store.ExpiredRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, collection_id, id, expiry FROM bsos
		 WHERE expiry > 0 AND expiry <= ? ORDER BY expiry LIMIT ?`, cutoff, limit)
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

func (s *SQLiteSyncStorage) PurgeBatches(ctx context.Context, cutoff int64, limit int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		"SELECT user_id, collection_id, id, version FROM batches WHERE expiry <= ? ORDER BY expiry LIMIT ?", cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to query expired batches: %w", classify(err))
	}
	type key struct {
		userID       string
		collectionID int64
		id           string
		version      int64
	}
	var expired []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.userID, &k.collectionID, &k.id, &k.version); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan expired batch: %w", err)
		}
		expired = append(expired, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, classify(err)
	}

	for _, k := range expired {
		if err := deleteBatch(ctx, tx, k.userID, k.collectionID, k.id, k.version); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	return len(expired), nil
}

func (s *SQLiteSyncStorage) Usage(ctx context.Context, userID string) (store.Usage, error) {
	var u store.Usage
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(payload_size), 0), COUNT(*) FROM bsos WHERE user_id = ?", userID).Scan(&u.Bytes, &u.Count)
	if err != nil {
		return store.Usage{}, fmt.Errorf("failed to compute usage: %w", classify(err))
	}
	return u, nil
}

func (s *SQLiteSyncStorage) DeleteUser(ctx context.Context, userID string, stamp store.Stamp) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	var latest int64
	err = tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(modified), 0) FROM user_collections WHERE user_id = ?", userID).Scan(&latest)
	if err != nil {
		return fmt.Errorf("failed to get latest modified: %w", classify(err))
	}
	if store.Stamp(latest) >= stamp {
		return store.ErrConflict
	}

	for _, stmt := range []string{
		"DELETE FROM bsos WHERE user_id = ?",
		"DELETE FROM batch_bsos WHERE user_id = ?",
		"DELETE FROM batches WHERE user_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, userID); err != nil {
			return fmt.Errorf("failed to delete user data: %w", classify(err))
		}
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE user_collections SET modified = ?, count = 0, total_bytes = 0 WHERE user_id = ?", stamp, userID); err != nil {
		return fmt.Errorf("failed to reset user collections: %w", classify(err))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", classify(err))
	}
	return nil
}

func (s *SQLiteSyncStorage) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

func (s *SQLiteSyncStorage) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBSO(row scanner) (store.BSO, error) {
	var b store.BSO
	var sortIndex sql.NullInt64
	if err := row.Scan(&b.ID, &sortIndex, &b.Payload, &b.Modified, &b.Expiry); err != nil {
		return store.BSO{}, err
	}
	b.SortIndex = intPtr(sortIndex)
	return b, nil
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func intPtr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}
