package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/corvid-labs/axon/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. tests).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// lockWrite forces the transaction to take the write lock up front. In WAL
// mode BeginTx starts a deferred transaction; a write-intent statement
// prevents concurrent writers from interleaving read-then-write sections.
func lockWrite(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}
	return nil
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, brain, status, state, error, wait_deadline, schedule_id, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Brain, string(run.Status), nullRaw(run.State), nullRaw(run.Error),
		nullTime(run.WaitDeadline), nullStr(run.ScheduleID),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, brain, status, state, error, wait_deadline, schedule_id, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id,
	)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.State != nil {
		sets = append(sets, "state = ?")
		args = append(args, string(update.State))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.ClearDeadline {
		sets = append(sets, "wait_deadline = NULL")
	} else if update.WaitDeadline != nil {
		sets = append(sets, "wait_deadline = ?")
		args = append(args, *update.WaitDeadline)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Brain != "" {
		where = append(where, "brain = ?")
		args = append(args, filter.Brain)
	}
	if filter.ScheduleID != "" {
		where = append(where, "schedule_id = ?")
		args = append(args, filter.ScheduleID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, brain, status, state, error, wait_deadline, schedule_id, created_at, started_at, completed_at, updated_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func scanRun(scan func(dest ...any) error) (*Run, error) {
	run := &Run{}
	var (
		status               string
		state, errJSON       sql.NullString
		scheduleID           sql.NullString
		waitDeadline         sql.NullTime
		startedAt, completed sql.NullTime
	)
	err := scan(&run.ID, &run.Brain, &status, &state, &errJSON, &waitDeadline, &scheduleID,
		&run.CreatedAt, &startedAt, &completed, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.State = rawOrNil(state)
	run.Error = rawOrNil(errJSON)
	run.ScheduleID = scheduleID.String
	if waitDeadline.Valid {
		run.WaitDeadline = &waitDeadline.Time
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completed.Valid {
		run.CompletedAt = &completed.Time
	}
	return run, nil
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Event log ---

// AppendEvent appends an event with a monotonically increasing per-run
// sequence. BEGIN IMMEDIATE semantics (via lockWrite) keep sequence reads and
// writes from interleaving under concurrency.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := lockWrite(ctx, tx); err != nil {
		return err
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Seq = seq

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, sequence, kind, payload, blob_key, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, seq, string(event.Kind), nullRaw(event.Payload), nullStr(event.BlobKey), event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, sequence, kind, payload, blob_key, created_at
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventByKind returns the first (OrderAsc) or last (OrderDesc) event of a
// kind for a run, or nil when the run has none.
func (s *LibSQLStore) GetEventByKind(ctx context.Context, runID string, kind schema.EventKind, order Order) (*Event, error) {
	if order != OrderAsc && order != OrderDesc {
		order = OrderAsc
	}
	query := fmt.Sprintf(
		`SELECT id, run_id, sequence, kind, payload, blob_key, created_at
		 FROM events WHERE run_id = ? AND kind = ? ORDER BY sequence %s LIMIT 1`, order)

	e := &Event{}
	var kindStr string
	var payload, blobKey sql.NullString
	err := s.db.QueryRowContext(ctx, query, runID, string(kind)).Scan(
		&e.ID, &e.RunID, &e.Seq, &kindStr, &payload, &blobKey, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Kind = schema.EventKind(kindStr)
	e.Payload = rawOrNil(payload)
	e.BlobKey = blobKey.String
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var kind string
		var payload, blobKey sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Seq, &kind, &payload, &blobKey, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = schema.EventKind(kind)
		e.Payload = rawOrNil(payload)
		e.BlobKey = blobKey.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Blobs ---

func (s *LibSQLStore) PutBlob(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO blobs (key, data, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET data=excluded.data`,
		key, data,
	)
	return err
}

// GetBlob returns the payload stored under key. A missing blob is fatal for
// replay, so absence surfaces as ErrCodeBlobMissing rather than NotFound.
func (s *LibSQLStore) GetBlob(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeBlobMissing, "blob %q not found", key)
	}
	return data, err
}

// --- Signals ---

func (s *LibSQLStore) QueueSignal(ctx context.Context, runID string, sig *schema.Signal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO signals (run_id, kind, payload, created_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
		runID, string(sig.Kind), string(payload),
	)
	return err
}

// GetAndConsumeSignals atomically dequeues all pending signals for a run that
// match the filter, preserving enqueue order. Non-matching signals stay queued.
func (s *LibSQLStore) GetAndConsumeSignals(ctx context.Context, runID string, filter schema.SignalFilter) ([]*schema.Signal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := lockWrite(ctx, tx); err != nil {
		return nil, err
	}

	query := `SELECT id, payload FROM signals WHERE run_id = ?`
	args := []any{runID}
	switch filter {
	case schema.FilterControl:
		query += ` AND kind = ?`
		args = append(args, string(schema.SignalKindControl))
	case schema.FilterWebhook:
		query += ` AND kind = ?`
		args = append(args, string(schema.SignalKindWebhook))
	}
	query += ` ORDER BY id ASC`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	var ids []any
	var signals []*schema.Signal
	for rows.Next() {
		var id int64
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			rows.Close()
			return nil, err
		}
		sig := &schema.Signal{}
		if err := json.Unmarshal([]byte(payload), sig); err != nil {
			rows.Close()
			return nil, fmt.Errorf("unmarshal signal %d: %w", id, err)
		}
		ids = append(ids, id)
		signals = append(signals, sig)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM signals WHERE id IN ("+placeholders+")", ids...); err != nil {
			return nil, fmt.Errorf("consume signals: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume: %w", err)
	}
	return signals, nil
}

// --- Waiting registrations ---

// RegisterWaiting records that a run is suspended on (slug, identifier).
// A newer registration for the same pair supersedes the old one.
func (s *LibSQLStore) RegisterWaiting(ctx context.Context, reg *WaitingRegistration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO waiting_registrations (slug, identifier, run_id, token, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(slug, identifier) DO UPDATE SET
		   run_id=excluded.run_id, token=excluded.token, created_at=excluded.created_at`,
		reg.Slug, reg.Identifier, reg.RunID, reg.Token, timeOrNow(reg.CreatedAt),
	)
	return err
}

// FindWaiting returns the registration for (slug, identifier), or nil when
// no run is waiting on that pair.
func (s *LibSQLStore) FindWaiting(ctx context.Context, slug, identifier string) (*WaitingRegistration, error) {
	reg := &WaitingRegistration{}
	err := s.db.QueryRowContext(ctx,
		`SELECT slug, identifier, run_id, token, created_at
		 FROM waiting_registrations WHERE slug = ? AND identifier = ?`, slug, identifier,
	).Scan(&reg.Slug, &reg.Identifier, &reg.RunID, &reg.Token, &reg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// ListWaiting returns all open registrations, oldest first. An empty slug
// lists every slug.
func (s *LibSQLStore) ListWaiting(ctx context.Context, slug string) ([]*WaitingRegistration, error) {
	query := `SELECT slug, identifier, run_id, token, created_at
		 FROM waiting_registrations`
	var args []any
	if slug != "" {
		query += ` WHERE slug = ?`
		args = append(args, slug)
	}
	query += ` ORDER BY created_at ASC, slug ASC, identifier ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var regs []*WaitingRegistration
	for rows.Next() {
		reg := &WaitingRegistration{}
		if err := rows.Scan(&reg.Slug, &reg.Identifier, &reg.RunID, &reg.Token, &reg.CreatedAt); err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

// ClaimWaiting atomically removes the registration for (slug, identifier) if
// it still belongs to runID. Returns false when another delivery already
// claimed it or the registration was superseded.
func (s *LibSQLStore) ClaimWaiting(ctx context.Context, slug, identifier, runID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM waiting_registrations WHERE slug = ? AND identifier = ? AND run_id = ?`,
		slug, identifier, runID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClearWaiting removes all registrations held by a run. Idempotent.
func (s *LibSQLStore) ClearWaiting(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM waiting_registrations WHERE run_id = ?`, runID)
	return err
}

// --- Queued deliveries ---

func (s *LibSQLStore) QueueDelivery(ctx context.Context, d *QueuedDelivery) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queued_deliveries (id, slug, identifier, response, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.Slug, d.Identifier, string(d.Response), timeOrNow(d.CreatedAt),
	)
	return err
}

// TakeDeliveries atomically drains queued deliveries for (slug, identifier)
// in arrival order.
func (s *LibSQLStore) TakeDeliveries(ctx context.Context, slug, identifier string) ([]*QueuedDelivery, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := lockWrite(ctx, tx); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, slug, identifier, response, created_at
		 FROM queued_deliveries WHERE slug = ? AND identifier = ? ORDER BY rowid ASC`,
		slug, identifier,
	)
	if err != nil {
		return nil, err
	}

	var deliveries []*QueuedDelivery
	for rows.Next() {
		d := &QueuedDelivery{}
		var response string
		if err := rows.Scan(&d.ID, &d.Slug, &d.Identifier, &response, &d.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		d.Response = json.RawMessage(response)
		deliveries = append(deliveries, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(deliveries) > 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM queued_deliveries WHERE slug = ? AND identifier = ?`,
			slug, identifier); err != nil {
			return nil, fmt.Errorf("drain deliveries: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit drain: %w", err)
	}
	return deliveries, nil
}

// --- Deadlines ---

// ListExpiredWaits returns waiting runs whose deadline is at or before now.
func (s *LibSQLStore) ListExpiredWaits(ctx context.Context, now time.Time) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, brain, status, state, error, wait_deadline, schedule_id, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE status = ? AND wait_deadline IS NOT NULL AND wait_deadline <= ?
		 ORDER BY wait_deadline ASC`,
		string(schema.RunStatusWaiting), now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// NearestDeadline returns the waiting run with the soonest deadline, or nil
// when no run has one.
func (s *LibSQLStore) NearestDeadline(ctx context.Context) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, brain, status, state, error, wait_deadline, schedule_id, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE status = ? AND wait_deadline IS NOT NULL
		 ORDER BY wait_deadline ASC LIMIT 1`,
		string(schema.RunStatusWaiting),
	)
	run, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// --- Pages ---

func (s *LibSQLStore) UpsertPage(ctx context.Context, page *Page) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pages (run_id, slug, title, content, content_type, persist, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, slug) DO UPDATE SET
		   title=excluded.title, content=excluded.content, content_type=excluded.content_type,
		   persist=excluded.persist, updated_at=CURRENT_TIMESTAMP`,
		page.RunID, page.Slug, nullStr(page.Title), page.Content, page.ContentType,
		boolToInt(page.Persist), timeOrNow(page.CreatedAt), timeOrNow(page.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetPage(ctx context.Context, runID, slug string) (*Page, error) {
	p := &Page{}
	var title sql.NullString
	var persist int
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, slug, title, content, content_type, persist, created_at, updated_at
		 FROM pages WHERE run_id = ? AND slug = ?`, runID, slug,
	).Scan(&p.RunID, &p.Slug, &title, &p.Content, &p.ContentType, &persist, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("page", runID+"/"+slug)
	}
	if err != nil {
		return nil, err
	}
	p.Title = title.String
	p.Persist = persist != 0
	return p, nil
}

func (s *LibSQLStore) ListPages(ctx context.Context, runID string) ([]*Page, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, slug, title, content, content_type, persist, created_at, updated_at
		 FROM pages WHERE run_id = ? ORDER BY slug ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []*Page
	for rows.Next() {
		p := &Page{}
		var title sql.NullString
		var persist int
		if err := rows.Scan(&p.RunID, &p.Slug, &title, &p.Content, &p.ContentType, &persist, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Title = title.String
		p.Persist = persist != 0
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// DeleteRunPages removes a run's pages. With keepPersistent, pages marked
// persist survive.
func (s *LibSQLStore) DeleteRunPages(ctx context.Context, runID string, keepPersistent bool) error {
	query := `DELETE FROM pages WHERE run_id = ?`
	if keepPersistent {
		query += ` AND persist = 0`
	}
	_, err := s.db.ExecContext(ctx, query, runID)
	return err
}

// SweepPages removes non-persistent pages belonging to runs that already
// reached a terminal status. Covers terminal events whose live notification
// was never observed.
func (s *LibSQLStore) SweepPages(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pages WHERE persist = 0 AND run_id IN
		   (SELECT id FROM runs WHERE status IN (?, ?, ?))`,
		string(schema.RunStatusComplete), string(schema.RunStatusError), string(schema.RunStatusCancelled),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, brain, cron_expression, initial_state, enabled, created_at, last_run_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.Brain, sched.CronExpr, nullRaw(sched.InitialState),
		boolToInt(sched.Enabled), timeOrNow(sched.CreatedAt), nullTime(sched.LastRunAt),
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	sched := &Schedule{}
	var initialState sql.NullString
	var enabled int
	var lastRunAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, brain, cron_expression, initial_state, enabled, created_at, last_run_at
		 FROM schedules WHERE id = ?`, id,
	).Scan(&sched.ID, &sched.Brain, &sched.CronExpr, &initialState, &enabled, &sched.CreatedAt, &lastRunAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	if err != nil {
		return nil, err
	}
	sched.InitialState = rawOrNil(initialState)
	sched.Enabled = enabled != 0
	if lastRunAt.Valid {
		sched.LastRunAt = &lastRunAt.Time
	}
	return sched, nil
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE schedules SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, brain, cron_expression, initial_state, enabled, created_at, last_run_at
		 FROM schedules ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sched := &Schedule{}
		var initialState sql.NullString
		var enabled int
		var lastRunAt sql.NullTime
		if err := rows.Scan(&sched.ID, &sched.Brain, &sched.CronExpr, &initialState, &enabled, &sched.CreatedAt, &lastRunAt); err != nil {
			return nil, err
		}
		sched.InitialState = rawOrNil(initialState)
		sched.Enabled = enabled != 0
		if lastRunAt.Valid {
			sched.LastRunAt = &lastRunAt.Time
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.AxonError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
