package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"habitbot/internal/habit"
	"habitbot/internal/schedule"
	"habitbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

var _ Store = (*sqliteStore)(nil)

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also serializes the upsert transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, now: time.Now}

	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
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

// withTx runs fn in a transaction, committing on success.
func (s *sqliteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ---- habits ----

func (s *sqliteStore) PutHabit(ctx context.Context, h habit.Habit) (int64, error) {
	if h.Periodicity == "" {
		h.Periodicity = habit.DefaultPeriodicity
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var owner any
		if h.Owner != nil {
			oid, err := putOwner(ctx, tx, *h.Owner)
			if err != nil {
				return err
			}
			owner = oid
		}
		if h.ID == 0 {
			res, err := tx.ExecContext(ctx,
				`INSERT INTO habits(owner_id, place, action, periodicity, is_active, is_public) VALUES(?,?,?,?,?,?)`,
				owner, h.Place, h.Action, string(h.Periodicity), h.IsActive, h.IsPublic)
			if err != nil {
				return err
			}
			h.ID, err = res.LastInsertId()
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO habits(id, owner_id, place, action, periodicity, is_active, is_public) VALUES(?,?,?,?,?,?,?)
			 ON CONFLICT(id) DO UPDATE SET owner_id=excluded.owner_id, place=excluded.place, action=excluded.action,
			   periodicity=excluded.periodicity, is_active=excluded.is_active, is_public=excluded.is_public`,
			h.ID, owner, h.Place, h.Action, string(h.Periodicity), h.IsActive, h.IsPublic)
		return err
	})
	if err != nil {
		return 0, err
	}
	return h.ID, nil
}

func putOwner(ctx context.Context, tx *sql.Tx, o habit.Owner) (int64, error) {
	if o.ID == 0 {
		res, err := tx.ExecContext(ctx, `INSERT INTO users(email, telegram_chat_id) VALUES(?,?)`,
			o.Email, nullStr(o.TelegramChatID))
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO users(id, email, telegram_chat_id) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET email=excluded.email, telegram_chat_id=excluded.telegram_chat_id`,
		o.ID, o.Email, nullStr(o.TelegramChatID))
	return o.ID, err
}

func (s *sqliteStore) DeleteHabit(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM habits WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("habit %d: %w", id, habit.ErrHabitNotFound)
	}
	return nil
}

const habitSelect = `SELECT h.id, h.action, h.place, h.periodicity, h.is_active, h.is_public,
	u.id, u.email, u.telegram_chat_id
	FROM habits h LEFT JOIN users u ON u.id = h.owner_id`

type rowScanner interface{ Scan(dest ...any) error }

func scanHabit(r rowScanner) (habit.Habit, error) {
	var (
		h      habit.Habit
		per    string
		uid    sql.NullInt64
		email  sql.NullString
		chatID sql.NullString
	)
	if err := r.Scan(&h.ID, &h.Action, &h.Place, &per, &h.IsActive, &h.IsPublic, &uid, &email, &chatID); err != nil {
		return habit.Habit{}, err
	}
	h.Periodicity = habit.Periodicity(per)
	if uid.Valid {
		h.Owner = &habit.Owner{ID: uid.Int64, Email: email.String, TelegramChatID: chatID.String}
	}
	return h, nil
}

func (s *sqliteStore) Habit(ctx context.Context, id int64) (habit.Habit, error) {
	h, err := scanHabit(s.db.QueryRowContext(ctx, habitSelect+` WHERE h.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return habit.Habit{}, fmt.Errorf("habit %d: %w", id, habit.ErrHabitNotFound)
	}
	return h, err
}

func (s *sqliteStore) ActiveHabits(ctx context.Context) ([]habit.Habit, error) {
	rows, err := s.db.QueryContext(ctx, habitSelect+` WHERE h.is_active = 1 ORDER BY h.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []habit.Habit
	for rows.Next() {
		h, err := scanHabit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ---- schedules ----

func (s *sqliteStore) GetOrCreateInterval(ctx context.Context, iv schedule.Interval) (schedule.ScheduleID, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO interval_schedules(every, period) VALUES(?,?) ON CONFLICT(every, period) DO NOTHING`,
			iv.Every, string(iv.Period)); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT id FROM interval_schedules WHERE every = ? AND period = ?`, iv.Every, string(iv.Period)).Scan(&id)
	})
	return schedule.ScheduleID(id), err
}

func (s *sqliteStore) GetOrCreateCrontab(ctx context.Context, c schedule.Calendar) (schedule.ScheduleID, error) {
	c = c.Normalize()
	args := []any{c.Minute, c.Hour, c.DayOfMonth, c.MonthOfYear, c.DayOfWeek, c.Timezone}
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO crontab_schedules(minute, hour, day_of_month, month_of_year, day_of_week, timezone)
			 VALUES(?,?,?,?,?,?) ON CONFLICT DO NOTHING`, args...); err != nil {
			return err
		}
		return tx.QueryRowContext(ctx,
			`SELECT id FROM crontab_schedules WHERE minute = ? AND hour = ? AND day_of_month = ?
			 AND month_of_year = ? AND day_of_week = ? AND timezone = ?`, args...).Scan(&id)
	})
	return schedule.ScheduleID(id), err
}

type entryRow struct {
	interval, crontab any
	args, kwargs      string
	expires           any
}

func encodeEntry(e schedule.Entry) (entryRow, error) {
	if (e.IntervalID != 0) == (e.CrontabID != 0) {
		return entryRow{}, fmt.Errorf("entry %q must reference exactly one schedule", e.Name)
	}
	args := e.Args
	if args == nil {
		args = []int64{}
	}
	ab, err := json.Marshal(args)
	if err != nil {
		return entryRow{}, err
	}
	kw := e.Kwargs
	if kw == nil {
		kw = map[string]any{}
	}
	kb, err := json.Marshal(kw)
	if err != nil {
		return entryRow{}, err
	}
	r := entryRow{args: string(ab), kwargs: string(kb)}
	if e.IntervalID != 0 {
		r.interval = int64(e.IntervalID)
	}
	if e.CrontabID != 0 {
		r.crontab = int64(e.CrontabID)
	}
	if e.Expires != nil {
		r.expires = e.Expires.UnixMilli()
	}
	return r, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e schedule.Entry, r entryRow, now time.Time) (schedule.EntryID, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO periodic_tasks(name, task, interval_id, crontab_id, args, kwargs, enabled, one_off, expires, date_changed)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.Name, e.Task, r.interval, r.crontab, r.args, r.kwargs, e.Enabled, e.OneOff, r.expires, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	return schedule.EntryID(id), err
}

func (s *sqliteStore) CreateEntry(ctx context.Context, e schedule.Entry) (schedule.EntryID, error) {
	r, err := encodeEntry(e)
	if err != nil {
		return 0, err
	}
	var id schedule.EntryID
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = insertEntry(ctx, tx, e, r, s.now())
		return err
	})
	return id, err
}

func (s *sqliteStore) UpsertEntry(ctx context.Context, e schedule.Entry) (schedule.EntryID, error) {
	r, err := encodeEntry(e)
	if err != nil {
		return 0, err
	}
	var id schedule.EntryID
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var keep int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM periodic_tasks WHERE name = ? ORDER BY id LIMIT 1`, e.Name).Scan(&keep)
		if errors.Is(err, sql.ErrNoRows) {
			id, err = insertEntry(ctx, tx, e, r, s.now())
			return err
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM periodic_tasks WHERE name = ? AND id <> ?`, e.Name, keep); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE periodic_tasks SET task=?, interval_id=?, crontab_id=?, args=?, kwargs=?, enabled=?, one_off=?,
			   expires=?, date_changed=? WHERE id = ?`,
			e.Task, r.interval, r.crontab, r.args, r.kwargs, e.Enabled, e.OneOff, r.expires,
			s.now().UnixMilli(), keep); err != nil {
			return err
		}
		id = schedule.EntryID(keep)
		return nil
	})
	return id, err
}

const entrySelect = `SELECT t.id, t.name, t.task, t.args, t.kwargs, t.enabled, t.one_off, t.expires,
	t.last_run_at, t.total_run_count, t.date_changed,
	i.id, i.every, i.period,
	c.id, c.minute, c.hour, c.day_of_month, c.month_of_year, c.day_of_week, c.timezone
	FROM periodic_tasks t
	LEFT JOIN interval_schedules i ON i.id = t.interval_id
	LEFT JOIN crontab_schedules c ON c.id = t.crontab_id`

func scanEntry(r rowScanner) (schedule.Entry, error) {
	var (
		e               schedule.Entry
		args, kwargs    string
		expires, last   sql.NullInt64
		changed         int64
		iid, every      sql.NullInt64
		period          sql.NullString
		cid             sql.NullInt64
		mi, hr, dom     sql.NullString
		moy, dow, tzone sql.NullString
	)
	if err := r.Scan(&e.ID, &e.Name, &e.Task, &args, &kwargs, &e.Enabled, &e.OneOff, &expires,
		&last, &e.TotalRunCount, &changed,
		&iid, &every, &period,
		&cid, &mi, &hr, &dom, &moy, &dow, &tzone); err != nil {
		return schedule.Entry{}, err
	}
	if err := json.Unmarshal([]byte(args), &e.Args); err != nil {
		return schedule.Entry{}, fmt.Errorf("entry %d args: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(kwargs), &e.Kwargs); err != nil {
		return schedule.Entry{}, fmt.Errorf("entry %d kwargs: %w", e.ID, err)
	}
	if expires.Valid {
		t := time.UnixMilli(expires.Int64).UTC()
		e.Expires = &t
	}
	if last.Valid {
		t := time.UnixMilli(last.Int64).UTC()
		e.LastRunAt = &t
	}
	e.ChangedAt = time.UnixMilli(changed).UTC()
	if iid.Valid {
		e.IntervalID = schedule.ScheduleID(iid.Int64)
		e.Interval = &schedule.Interval{Every: int(every.Int64), Period: schedule.Period(period.String)}
	}
	if cid.Valid {
		e.CrontabID = schedule.ScheduleID(cid.Int64)
		e.Calendar = &schedule.Calendar{
			Minute: mi.String, Hour: hr.String, DayOfMonth: dom.String,
			MonthOfYear: moy.String, DayOfWeek: dow.String, Timezone: tzone.String,
		}
	}
	return e, nil
}

func (s *sqliteStore) queryEntries(ctx context.Context, query string, args ...any) ([]schedule.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []schedule.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Entries(ctx context.Context) ([]schedule.Entry, error) {
	return s.queryEntries(ctx, entrySelect+` ORDER BY t.id`)
}

func (s *sqliteStore) EntriesByName(ctx context.Context, name string) ([]schedule.Entry, error) {
	return s.queryEntries(ctx, entrySelect+` WHERE t.name = ? ORDER BY t.id`, name)
}

func (s *sqliteStore) DeleteEntries(ctx context.Context, name string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM periodic_tasks WHERE name = ?`, name)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// execOne runs a single-row statement against entry id.
func (s *sqliteStore) execOne(ctx context.Context, id schedule.EntryID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entry %d: %w", id, schedule.ErrEntryNotFound)
	}
	return nil
}

func (s *sqliteStore) DeleteEntry(ctx context.Context, id schedule.EntryID) error {
	return s.execOne(ctx, id, `DELETE FROM periodic_tasks WHERE id = ?`, int64(id))
}

func (s *sqliteStore) MarkRun(ctx context.Context, id schedule.EntryID, at time.Time) error {
	return s.execOne(ctx, id,
		`UPDATE periodic_tasks SET last_run_at = ?, total_run_count = total_run_count + 1 WHERE id = ?`,
		at.UnixMilli(), int64(id))
}

func (s *sqliteStore) DisableEntry(ctx context.Context, id schedule.EntryID) error {
	return s.execOne(ctx, id,
		`UPDATE periodic_tasks SET enabled = 0, date_changed = ? WHERE id = ?`,
		s.now().UnixMilli(), int64(id))
}

func (s *sqliteStore) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM periodic_tasks WHERE expires IS NOT NULL AND expires <= ?`, now.UnixMilli())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
