package archive

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"courier/pkg/metrics"
	"courier/pkg/models"
)

// dialect hides the placeholder and timestamp differences between SQLite
// and Postgres. SQLite stores accepted_at as unix nanoseconds.
type dialect struct {
	name        string
	numbered    bool
	nativeTimes bool
}

var (
	sqliteDialect   = dialect{name: "sqlite"}
	postgresDialect = dialect{name: "postgres", numbered: true, nativeTimes: true}
)

// bind rewrites ? placeholders as $1, $2... for Postgres.
func (d dialect) bind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) timeArg(t time.Time) interface{} {
	if d.nativeTimes {
		return t.UTC()
	}
	return t.UnixNano()
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS archive_records (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	bus         TEXT NOT NULL,
	event_id    TEXT NOT NULL UNIQUE,
	accepted_at INTEGER NOT NULL,
	envelope    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_archive_records_bus_accepted ON archive_records(bus, accepted_at, seq);
CREATE INDEX IF NOT EXISTS idx_archive_records_accepted ON archive_records(accepted_at);
`

// SQLStore keeps the archive in a relational table.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	ownsDB  bool
}

// NewSQLiteStore opens (or creates) an archive database file. ":memory:"
// works for tests.
func NewSQLiteStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; ":memory:" databases are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	// Other processes may write the same file.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	return &SQLStore{db: db, dialect: sqliteDialect, ownsDB: true}, nil
}

// NewPostgresStore uses a shared connection. The schema comes from the
// embedded migrations.
func NewPostgresStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, dialect: postgresDialect}
}

func (s *SQLStore) observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.IncDatabaseQuery("archive", s.dialect.name, op, status)
	metrics.ObserveDatabaseQueryDuration("archive", s.dialect.name, op, time.Since(start))
}

func (s *SQLStore) Append(ctx context.Context, records []Record) (err error) {
	if len(records) == 0 {
		return nil
	}
	start := time.Now()
	defer func() { s.observe("append", start, err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, s.dialect.bind(`
		INSERT INTO archive_records (bus, event_id, accepted_at, envelope)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING
	`))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		data, encErr := models.MarshalEnvelope(r.Envelope)
		if encErr != nil {
			return fmt.Errorf("encode record %s: %w", r.Envelope.ID, encErr)
		}
		if _, err = stmt.ExecContext(ctx, r.Bus, r.Envelope.ID, s.dialect.timeArg(r.AcceptedAt), string(data)); err != nil {
			return fmt.Errorf("insert record %s: %w", r.Envelope.ID, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLStore) Scan(ctx context.Context, q Query) (records []Record, err error) {
	start := time.Now()
	defer func() { s.observe("scan", start, err) }()

	var (
		where []string
		args  []interface{}
	)
	where = append(where, "seq > ?")
	args = append(args, q.AfterSeq)
	if q.Bus != "" {
		where = append(where, "bus = ?")
		args = append(args, q.Bus)
	}
	if !q.From.IsZero() {
		where = append(where, "accepted_at >= ?")
		args = append(args, s.dialect.timeArg(q.From))
	}
	if !q.To.IsZero() {
		where = append(where, "accepted_at < ?")
		args = append(args, s.dialect.timeArg(q.To))
	}

	query := "SELECT seq, bus, accepted_at, envelope FROM archive_records WHERE " +
		strings.Join(where, " AND ") + " ORDER BY seq ASC"
	if q.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.bind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		r, err := s.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return records, nil
}

func (s *SQLStore) scanRecord(rows *sql.Rows) (Record, error) {
	var (
		r    Record
		data []byte
		err  error
	)
	if s.dialect.nativeTimes {
		err = rows.Scan(&r.Seq, &r.Bus, &r.AcceptedAt, &data)
	} else {
		var nanos int64
		err = rows.Scan(&r.Seq, &r.Bus, &nanos, &data)
		r.AcceptedAt = time.Unix(0, nanos).UTC()
	}
	if err != nil {
		return Record{}, fmt.Errorf("scan record: %w", err)
	}
	if r.Envelope, err = models.UnmarshalEnvelope(data); err != nil {
		return Record{}, fmt.Errorf("record %d: invalid envelope: %w", r.Seq, err)
	}
	return r, nil
}

func (s *SQLStore) Purge(ctx context.Context, before time.Time) (n int64, err error) {
	start := time.Now()
	defer func() { s.observe("purge", start, err) }()

	res, err := s.db.ExecContext(ctx, s.dialect.bind(`DELETE FROM archive_records WHERE accepted_at < ?`), s.dialect.timeArg(before))
	if err != nil {
		return 0, fmt.Errorf("purge records: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM archive_records`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read max seq: %w", err)
	}
	return seq, nil
}

// Close closes the database only when the store opened it.
func (s *SQLStore) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}
