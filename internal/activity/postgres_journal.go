package activity

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

const schema = `CREATE TABLE IF NOT EXISTS activity_log (
	seq        BIGINT NOT NULL,
	at         TIMESTAMPTZ NOT NULL,
	kind       TEXT NOT NULL,
	ref        TEXT NOT NULL DEFAULT '',
	message    TEXT NOT NULL,
	written_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Execer is the part of *sql.DB the journal writes through.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PostgresJournal copies feed entries into an activity_log table. Entries are
// queued and written by Run so the engine loop never waits on the database;
// when the queue is full new entries are dropped and logged.
type PostgresJournal struct {
	db     Execer
	closer func() error
	queue  chan Entry
	logger *slog.Logger
}

// NewPostgresJournal connects to dsn. With migrate set the activity_log
// table is created when missing.
func NewPostgresJournal(dsn string, migrate bool, logger *slog.Logger) (*PostgresJournal, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if migrate {
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	j := newJournal(db, logger)
	j.closer = db.Close
	return j, nil
}

func newJournal(db Execer, logger *slog.Logger) *PostgresJournal {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresJournal{db: db, queue: make(chan Entry, 256), logger: logger}
}

func (j *PostgresJournal) Record(e Entry) {
	select {
	case j.queue <- e:
	default:
		j.logger.Warn("activity journal queue full, dropping entry", "seq", e.Seq, "kind", string(e.Kind))
	}
}

// Run drains the queue until ctx is done, then flushes what is left.
func (j *PostgresJournal) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			j.flush()
			return nil
		case e := <-j.queue:
			j.write(ctx, e)
		}
	}
}

func (j *PostgresJournal) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case e := <-j.queue:
			j.write(ctx, e)
		default:
			return
		}
	}
}

func (j *PostgresJournal) write(ctx context.Context, e Entry) {
	_, err := j.db.ExecContext(ctx, `INSERT INTO activity_log(seq, at, kind, ref, message) VALUES($1,$2,$3,$4,$5)`,
		int64(e.Seq), e.At, string(e.Kind), e.Ref, e.Message)
	if err != nil {
		j.logger.Error("activity journal write failed", "seq", e.Seq, "error", err)
	}
}

func (j *PostgresJournal) Close() error {
	if j.closer == nil {
		return nil
	}
	return j.closer()
}
