package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "sendlater/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (or creates) the SQLite database at cfg.Path and runs migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, ":memory:") {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
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

const taskColumns = `id, phone, name, body, media_paths, schedule_date, schedule_time, recurrence, schedule_at, user_email, paused, created_at`

func (s *sqliteStore) CreateTask(ctx context.Context, t Task) error {
	media, err := encodeMedia(t.MediaPaths)
	if err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(`+taskColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Phone, nullStr(t.Name), t.Text, media, t.ScheduleDate, t.ScheduleTime,
		t.Recurrence, t.ScheduleAt, nullStr(t.UserEmail), boolInt(t.Paused),
		t.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrTaskNotFound
	}
	return t, err
}

func (s *sqliteStore) ListTasks(ctx context.Context) ([]Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at`)
}

func (s *sqliteStore) ListActiveTasks(ctx context.Context) ([]Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE paused = 0 ORDER BY created_at`)
}

func (s *sqliteStore) queryTasks(ctx context.Context, q string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateTask(ctx context.Context, t Task) error {
	media, err := encodeMedia(t.MediaPaths)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET phone=?, name=?, body=?, media_paths=?, schedule_date=?,
		 schedule_time=?, recurrence=?, schedule_at=?, user_email=?, paused=?
		 WHERE id=?`,
		t.Phone, nullStr(t.Name), t.Text, media, t.ScheduleDate, t.ScheduleTime,
		t.Recurrence, t.ScheduleAt, nullStr(t.UserEmail), boolInt(t.Paused), t.ID,
	)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *sqliteStore) SetPaused(ctx context.Context, id string, paused bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET paused=? WHERE id=?`, boolInt(paused), id)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

func (s *sqliteStore) DeleteTasks(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ph := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		ph[i] = "?"
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE id IN (`+strings.Join(ph, ",")+`)`, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqliteStore) TaskReferencesMedia(ctx context.Context, path string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(
		   SELECT 1 FROM tasks t, json_each(t.media_paths) j WHERE j.value = ?
		 )`, path).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists != 0, nil
}

func (s *sqliteStore) UpsertReceipt(ctx context.Context, r Receipt) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO receipts(message_id, task_id, ack, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(message_id) DO UPDATE SET
		   ack=excluded.ack,
		   updated_at=excluded.updated_at,
		   task_id=COALESCE(NULLIF(excluded.task_id,''), receipts.task_id)`,
		r.MessageID, r.TaskID, r.Ack, r.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) ListReceipts(ctx context.Context) ([]ReceiptWithTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.message_id, r.task_id, r.ack, r.updated_at,
		        t.id, t.phone, t.name, t.body, t.media_paths, t.schedule_date,
		        t.schedule_time, t.recurrence, t.schedule_at, t.user_email, t.paused, t.created_at
		 FROM receipts r
		 LEFT JOIN tasks t ON t.id = r.task_id
		 ORDER BY r.updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReceiptWithTask
	for rows.Next() {
		var (
			rec       ReceiptWithTask
			taskID    sql.NullString
			updatedAt string

			tID, tPhone, tName, tBody, tMedia        sql.NullString
			tDate, tTime, tRec, tAt, tMail, tCreated sql.NullString
			tPaused                                  sql.NullInt64
		)
		err := rows.Scan(&rec.MessageID, &taskID, &rec.Ack, &updatedAt,
			&tID, &tPhone, &tName, &tBody, &tMedia, &tDate,
			&tTime, &tRec, &tAt, &tMail, &tPaused, &tCreated)
		if err != nil {
			return nil, err
		}
		rec.TaskID = taskID.String
		rec.UpdatedAt = parseTime(updatedAt)
		if tID.Valid {
			task := Task{
				ID:           tID.String,
				Phone:        tPhone.String,
				Name:         tName.String,
				Text:         tBody.String,
				ScheduleDate: tDate.String,
				ScheduleTime: tTime.String,
				Recurrence:   tRec.String,
				ScheduleAt:   tAt.String,
				UserEmail:    tMail.String,
				Paused:       tPaused.Int64 != 0,
				CreatedAt:    parseTime(tCreated.String),
			}
			task.MediaPaths, _ = decodeMedia(tMedia.String)
			rec.Task = &task
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ---- scanning helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var (
		t         Task
		name      sql.NullString
		media     string
		mail      sql.NullString
		paused    int
		createdAt string
	)
	err := row.Scan(&t.ID, &t.Phone, &name, &t.Text, &media, &t.ScheduleDate,
		&t.ScheduleTime, &t.Recurrence, &t.ScheduleAt, &mail, &paused, &createdAt)
	if err != nil {
		return Task{}, err
	}
	t.Name = name.String
	t.UserEmail = mail.String
	t.Paused = paused != 0
	t.CreatedAt = parseTime(createdAt)
	t.MediaPaths, err = decodeMedia(media)
	return t, err
}

func encodeMedia(paths []string) (string, error) {
	if len(paths) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(paths)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeMedia(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" || raw == "[]" {
		return nil, nil
	}
	var paths []string
	if err := json.Unmarshal([]byte(raw), &paths); err != nil {
		return nil, err
	}
	return paths, nil
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
