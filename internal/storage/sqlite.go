package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"postbot/internal/delivery"
	logx "postbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	mu  sync.Mutex
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const deliveryColumns = `id, channel_id, text, photo_id, document_id, caption,
	publish_at, original_publish_at, recurrence, pin, notify,
	delete_after_days, active, created_at, max_end_date, fingerprint`

func (s *sqliteStore) Admit(ctx context.Context, d delivery.ScheduledDelivery) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Dedup check and insert under the same critical section.
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM scheduled_deliveries WHERE fingerprint = ? AND active = 1 LIMIT 1`,
		d.Fingerprint,
	).Scan(&one)
	switch {
	case err == nil:
		return 0, fmt.Errorf("%w: fingerprint %s", ErrDuplicate, d.Fingerprint)
	case !errors.Is(err, sql.ErrNoRows):
		return 0, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_deliveries
		 (channel_id, text, photo_id, document_id, caption, publish_at,
		  original_publish_at, recurrence, pin, notify, delete_after_days,
		  active, created_at, max_end_date, fingerprint, updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ChannelID, d.Content.Text, d.Content.PhotoID, d.Content.DocumentID,
		d.Content.Caption, fmtTime(d.PublishAt), fmtTime(d.OriginalPublishAt),
		string(d.Recurrence), d.Pin, d.Notify, d.DeleteAfterDays,
		d.Active, fmtTime(d.CreatedAt), fmtTime(d.MaxEndDate), d.Fingerprint, now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) ListActive(ctx context.Context) ([]delivery.ScheduledDelivery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryColumns+` FROM scheduled_deliveries
		 WHERE active = 1 ORDER BY publish_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []delivery.ScheduledDelivery
	for rows.Next() {
		d, err := s.scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetByID(ctx context.Context, id int64) (delivery.ScheduledDelivery, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deliveryColumns+` FROM scheduled_deliveries WHERE id = ?`, id)
	d, err := s.scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return delivery.ScheduledDelivery{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return d, err
}

func (s *sqliteStore) Cancel(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_deliveries SET active = 0, updated_at = ? WHERE id = ? AND active = 1`,
		fmtTime(time.Now().UTC()), id)
	return err
}

func (s *sqliteStore) CancelChannel(ctx context.Context, channelID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_deliveries SET active = 0, updated_at = ? WHERE channel_id = ? AND active = 1`,
		fmtTime(time.Now().UTC()), channelID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) Advance(ctx context.Context, id int64, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_deliveries SET publish_at = ?, updated_at = ? WHERE id = ? AND active = 1`,
		fmtTime(next.UTC()), fmtTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// The row was canceled between fire and reschedule. Lost race, not an error.
		s.log.Info("advance dropped, row no longer active", logx.Int64("id", id), logx.Time("next", next))
	}
	return nil
}

func (s *sqliteStore) PurgeInactive(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_deliveries WHERE active = 0 AND updated_at < ?`,
		fmtTime(cutoff.UTC()))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *sqliteStore) scanDelivery(r rowScanner) (delivery.ScheduledDelivery, error) {
	var (
		d                                      delivery.ScheduledDelivery
		publishAt, originalAt, createdAt, endAt string
		rec                                    string
	)
	err := r.Scan(
		&d.ID, &d.ChannelID, &d.Content.Text, &d.Content.PhotoID,
		&d.Content.DocumentID, &d.Content.Caption, &publishAt, &originalAt,
		&rec, &d.Pin, &d.Notify, &d.DeleteAfterDays, &d.Active,
		&createdAt, &endAt, &d.Fingerprint,
	)
	if err != nil {
		return delivery.ScheduledDelivery{}, err
	}
	d.Recurrence = delivery.Recurrence(rec)
	// Timestamps are decoded leniently: a corrupted value yields a zero time,
	// which the scheduler's row check rejects without killing the whole scan.
	d.PublishAt = s.parseTime("publish_at", d.ID, publishAt)
	d.OriginalPublishAt = s.parseTime("original_publish_at", d.ID, originalAt)
	d.CreatedAt = s.parseTime("created_at", d.ID, createdAt)
	d.MaxEndDate = s.parseTime("max_end_date", d.ID, endAt)
	return d, nil
}

func (s *sqliteStore) parseTime(col string, id int64, v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		s.log.Warn("corrupted timestamp in store",
			logx.Int64("id", id), logx.String("column", col), logx.String("value", v))
		return time.Time{}
	}
	return t.UTC()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
