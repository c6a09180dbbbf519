// Package store implements the item store contract of SPEC_FULL.md §4.6
// over a SQLite database, using database/sql with hand-built SQL the
// way the teacher's materialize/sql endpoint does (see
// materialize/sql/std_endpoint.go and go/materialize/driver/sqlite/sqlite.go).
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // driver registration, as in go/materialize/driver/sqlite/sqlite.go
	"github.com/pkg/errors"

	"github.com/estuary/glance/glanceerr"
)

// EventType enumerates the audit-log event kinds of SPEC_FULL.md §3.
type EventType string

const (
	EventCreateItem   EventType = "CreateItem"
	EventUpdateItem   EventType = "UpdateItem"
	EventRemoveItem   EventType = "RemoveItem"
	EventRemoveApp    EventType = "RemoveApp"
	EventScheduledRun EventType = "ScheduledRun"
)

// AppInfo is the App entity as read back from the store.
type AppInfo struct {
	ID        string
	Name      string
	Path      string
	UI        json.RawMessage
	Version   uint32
	Error     *string
	UpdatedAt time.Time
}

// Item is the Item entity as read back from the store.
type Item struct {
	AppID      string
	ID         string
	Data       json.RawMessage
	Persistent bool
	StateKey   *string
	Notify     json.RawMessage
	UpdatedAt  time.Time
	CreatedAt  time.Time
	Dismissed  bool
}

// UpsertItem is the input to UpsertItem: the item's fields plus the
// resurface decision computed by the reconciler's diff algorithm.
type UpsertItem struct {
	AppID      string
	ID         string
	Data       json.RawMessage
	Persistent bool
	StateKey   *string
	Notify     json.RawMessage
	UpdatedAt  time.Time
	Resurface  bool
}

// Querier is satisfied by both *sql.DB and *sql.Tx, so every store
// method can run either auto-committed or inside an active transaction
// (SPEC_FULL §4.6: "All methods take either the pool or an active
// transaction handle").
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store is the durable item store: apps, items, and the audit log.
type Store struct {
	db *sql.DB
}

// sqliteOpenMu serializes Open calls the way
// go/materialize/driver/sqlite/sqlite.go does, since go-sqlite3 is
// fickle about racing opens of a freshly created database file.
var sqliteOpenMu sync.Mutex

// Open opens (creating if absent) the SQLite database at |path| and
// applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	sqliteOpenMu.Lock()
	defer sqliteOpenMu.Unlock()

	var sep = "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite3", path+sep+"_foreign_keys=on")
	if err != nil {
		return nil, glanceerr.DbInit(err, "opening database %q", path)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, glanceerr.DbInit(err, "connecting to database %q", path)
	}
	// A single writer connection avoids SQLITE_BUSY under the
	// reconciler's single-consumer write pattern combined with
	// concurrent read-API queries.
	db.SetMaxOpenConns(1)

	var s = &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, glanceerr.DbInit(err, "migrating database %q", path)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for callers (e.g. the reconciler)
// that need to open their own transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS apps (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	path TEXT NOT NULL,
	ui TEXT,
	version INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS items (
	app_id TEXT NOT NULL REFERENCES apps(id) ON DELETE CASCADE,
	id TEXT NOT NULL,
	data TEXT NOT NULL,
	state_key TEXT,
	persistent INTEGER NOT NULL DEFAULT 0,
	notify TEXT,
	updated_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	dismissed INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (app_id, id)
);

CREATE TABLE IF NOT EXISTS events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	app_id TEXT NOT NULL,
	item_id TEXT,
	data TEXT,
	ts TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS events_app_ts ON events(app_id, ts);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// GetApps returns AppInfo for each of |ids| that exists.
func (s *Store) GetApps(ctx context.Context, q Querier, ids []string) ([]AppInfo, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var placeholders, args = inPlaceholders(ids)
	var query = fmt.Sprintf(
		`SELECT id, name, path, ui, version, error, updated_at FROM apps WHERE id IN (%s)`,
		placeholders,
	)
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying apps")
	}
	defer rows.Close()

	var out []AppInfo
	for rows.Next() {
		var a AppInfo
		var ui sql.NullString
		var errMsg sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &a.Path, &ui, &a.Version, &errMsg, &a.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning app row")
		}
		if ui.Valid {
			a.UI = json.RawMessage(ui.String)
		}
		if errMsg.Valid {
			a.Error = &errMsg.String
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetApp returns the AppInfo for a single app, or glanceerr.NotFound.
func (s *Store) GetApp(ctx context.Context, q Querier, appID string) (*AppInfo, error) {
	apps, err := s.GetApps(ctx, q, []string{appID})
	if err != nil {
		return nil, err
	}
	if len(apps) == 0 {
		return nil, glanceerr.NotFound(fmt.Sprintf("app %q", appID))
	}
	return &apps[0], nil
}

// ListApps returns every app in the store, ordered by id.
func (s *Store) ListApps(ctx context.Context, q Querier) ([]AppInfo, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, name, path, ui, version, error, updated_at FROM apps ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "listing apps")
	}
	defer rows.Close()

	var out []AppInfo
	for rows.Next() {
		var a AppInfo
		var ui, errMsg sql.NullString
		if err := rows.Scan(&a.ID, &a.Name, &a.Path, &ui, &a.Version, &errMsg, &a.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning app row")
		}
		if ui.Valid {
			a.UI = json.RawMessage(ui.String)
		}
		if errMsg.Valid {
			a.Error = &errMsg.String
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ReadItemsByApp returns every item currently stored for |appID|.
func (s *Store) ReadItemsByApp(ctx context.Context, q Querier, appID string) ([]Item, error) {
	rows, err := q.QueryContext(ctx, `
SELECT app_id, id, data, persistent, state_key, notify, updated_at, created_at, dismissed
FROM items WHERE app_id = ?`, appID)
	if err != nil {
		return nil, errors.Wrap(err, "querying items")
	}
	defer rows.Close()
	return scanItems(rows)
}

// ActiveAppItems pairs an AppInfo with its non-dismissed items, as
// returned by ReadActiveItems.
type ActiveAppItems struct {
	App   AppInfo
	Items []Item
}

// ReadActiveItems returns all non-dismissed items grouped by app,
// joined with app metadata. Apps without active items are omitted
// (SPEC_FULL §4.6).
func (s *Store) ReadActiveItems(ctx context.Context, q Querier) ([]ActiveAppItems, error) {
	rows, err := q.QueryContext(ctx, `
SELECT app_id, id, data, persistent, state_key, notify, updated_at, created_at, dismissed
FROM items WHERE dismissed = 0 ORDER BY app_id, id`)
	if err != nil {
		return nil, errors.Wrap(err, "querying active items")
	}
	items, err := scanItems(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	var appIDs []string
	var seen = make(map[string]bool)
	for _, it := range items {
		if !seen[it.AppID] {
			seen[it.AppID] = true
			appIDs = append(appIDs, it.AppID)
		}
	}
	apps, err := s.GetApps(ctx, q, appIDs)
	if err != nil {
		return nil, err
	}
	var byID = make(map[string]AppInfo, len(apps))
	for _, a := range apps {
		byID[a.ID] = a
	}

	var out []ActiveAppItems
	var cur *ActiveAppItems
	for _, it := range items {
		if cur == nil || cur.App.ID != it.AppID {
			app, ok := byID[it.AppID]
			if !ok {
				continue // app row vanished concurrently; skip its orphaned items
			}
			out = append(out, ActiveAppItems{App: app})
			cur = &out[len(out)-1]
		}
		cur.Items = append(cur.Items, it)
	}
	return out, nil
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	var out []Item
	for rows.Next() {
		var it Item
		var stateKey sql.NullString
		var notify sql.NullString
		var dismissed int
		if err := rows.Scan(&it.AppID, &it.ID, &it.Data, &it.Persistent, &stateKey, &notify,
			&it.UpdatedAt, &it.CreatedAt, &dismissed); err != nil {
			return nil, errors.Wrap(err, "scanning item row")
		}
		if stateKey.Valid {
			it.StateKey = &stateKey.String
		}
		if notify.Valid {
			it.Notify = json.RawMessage(notify.String)
		}
		it.Dismissed = dismissed != 0
		out = append(out, it)
	}
	return out, rows.Err()
}

// UpsertApp inserts or updates the App row. If |version| is non-nil,
// the update of name/path/ui is guarded by version_submitted >=
// version_stored (SPEC_FULL §4.5.2); items are unaffected by this
// guard regardless.
func (s *Store) UpsertApp(ctx context.Context, q Querier, appID, name, path string, ui json.RawMessage, version *uint32) error {
	var uiArg interface{}
	if ui != nil {
		uiArg = string(ui)
	}

	if version == nil {
		_, err := q.ExecContext(ctx, `
INSERT INTO apps (id, name, path, ui, version, error, updated_at)
VALUES (?, ?, ?, ?, 0, NULL, CURRENT_TIMESTAMP)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name,
	path = excluded.path,
	ui = excluded.ui,
	error = NULL,
	updated_at = CURRENT_TIMESTAMP`,
			appID, name, path, uiArg)
		return errors.Wrap(err, "upserting app")
	}

	_, err := q.ExecContext(ctx, `
INSERT INTO apps (id, name, path, ui, version, error, updated_at)
VALUES (?, ?, ?, ?, ?, NULL, CURRENT_TIMESTAMP)
ON CONFLICT(id) DO UPDATE SET
	name = CASE WHEN ? >= apps.version THEN excluded.name ELSE apps.name END,
	path = CASE WHEN ? >= apps.version THEN excluded.path ELSE apps.path END,
	ui = CASE WHEN ? >= apps.version THEN excluded.ui ELSE apps.ui END,
	version = CASE WHEN ? >= apps.version THEN excluded.version ELSE apps.version END,
	error = NULL,
	updated_at = CURRENT_TIMESTAMP`,
		appID, name, path, uiArg, *version, *version, *version, *version)
	return errors.Wrap(err, "upserting app with version guard")
}

// UpsertItem inserts or updates a single item. On update, created_at is
// preserved, and dismissed is preserved unless |item.Resurface| is
// true, in which case it is cleared (SPEC_FULL §4.5.2).
func (s *Store) UpsertItem(ctx context.Context, q Querier, item UpsertItem) error {
	var stateKeyArg interface{}
	if item.StateKey != nil {
		stateKeyArg = *item.StateKey
	}
	var notifyArg interface{}
	if item.Notify != nil {
		notifyArg = string(item.Notify)
	}

	_, err := q.ExecContext(ctx, `
INSERT INTO items (app_id, id, data, persistent, state_key, notify, updated_at, created_at, dismissed)
VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, 0)
ON CONFLICT(app_id, id) DO UPDATE SET
	data = excluded.data,
	persistent = excluded.persistent,
	state_key = excluded.state_key,
	notify = excluded.notify,
	updated_at = excluded.updated_at,
	dismissed = CASE WHEN ? THEN 0 ELSE items.dismissed END`,
		item.AppID, item.ID, string(item.Data), item.Persistent, stateKeyArg, notifyArg, item.UpdatedAt,
		item.Resurface)
	return errors.Wrap(err, "upserting item")
}

// DeleteItemsNotIn deletes items of |appID| whose id is not in |ids|.
// An empty |ids| deletes every item of the app.
func (s *Store) DeleteItemsNotIn(ctx context.Context, q Querier, appID string, ids []string) error {
	if len(ids) == 0 {
		_, err := q.ExecContext(ctx, `DELETE FROM items WHERE app_id = ?`, appID)
		return errors.Wrap(err, "deleting all items of app")
	}
	var placeholders, args = inPlaceholders(ids)
	var query = fmt.Sprintf(`DELETE FROM items WHERE app_id = ? AND id NOT IN (%s)`, placeholders)
	_, err := q.ExecContext(ctx, query, append([]interface{}{appID}, args...)...)
	return errors.Wrap(err, "deleting stale items")
}

// RemoveApp deletes the App row; items cascade via the foreign key.
func (s *Store) RemoveApp(ctx context.Context, q Querier, appID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM apps WHERE id = ?`, appID)
	return errors.Wrap(err, "removing app")
}

// SetItemDismissed sets the dismissed flag of a single item.
func (s *Store) SetItemDismissed(ctx context.Context, q Querier, appID, itemID string, dismissed bool) error {
	res, err := q.ExecContext(ctx, `UPDATE items SET dismissed = ? WHERE app_id = ? AND id = ?`,
		dismissed, appID, itemID)
	if err != nil {
		return errors.Wrap(err, "setting item dismissed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return glanceerr.NotFound(fmt.Sprintf("item %q of app %q", itemID, appID))
	}
	return nil
}

// UpdateAppStatus sets (or clears, if |errMsg| is nil) the app's last
// ingest error message.
func (s *Store) UpdateAppStatus(ctx context.Context, q Querier, appID string, errMsg *string) error {
	_, err := q.ExecContext(ctx, `UPDATE apps SET error = ? WHERE id = ?`, errMsg, appID)
	return errors.Wrap(err, "updating app status")
}

// RecordEvent appends one row to the audit log.
func (s *Store) RecordEvent(ctx context.Context, q Querier, eventType EventType, appID string, itemID *string, payload json.RawMessage) error {
	var payloadArg interface{}
	if payload != nil {
		payloadArg = string(payload)
	}
	_, err := q.ExecContext(ctx, `
INSERT INTO events (event_type, app_id, item_id, data, ts) VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		string(eventType), appID, itemID, payloadArg)
	return errors.Wrap(err, "recording event")
}

// RecentEvents returns the most recent |limit| events for |appID|,
// newest first. Supplemental read used by the per-app detail view
// (SPEC_FULL §3).
func (s *Store) RecentEvents(ctx context.Context, q Querier, appID string, limit int) ([]Event, error) {
	rows, err := q.QueryContext(ctx, `
SELECT event_type, app_id, item_id, data, ts FROM events
WHERE app_id = ? ORDER BY ts DESC LIMIT ?`, appID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying events")
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var itemID, data sql.NullString
		if err := rows.Scan(&e.Type, &e.AppID, &itemID, &data, &e.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scanning event row")
		}
		if itemID.Valid {
			e.ItemID = &itemID.String
		}
		if data.Valid {
			e.Payload = json.RawMessage(data.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Event is the Event entity as read back from the store.
type Event struct {
	Type      string
	AppID     string
	ItemID    *string
	Payload   json.RawMessage
	Timestamp time.Time
}

func inPlaceholders(ids []string) (string, []interface{}) {
	var placeholders = ""
	var args = make([]interface{}, len(ids))
	for i, id := range ids {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args[i] = id
	}
	return placeholders, args
}
