package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/TheSigmaSociety/DisasterDesk/internal/emergency"
)

var ErrNotFound = errors.New("not found")

var (
	ErrInvalidResource     = errors.New("invalid resource")
	ErrResourceUnavailable = errors.New("resource unavailable")
)

// CallInput is the full snapshot written on every create or update.
type CallInput struct {
	Record        emergency.Record
	Transcript    string
	AutoEscalated bool
	HumanTakeover bool
}

type Call struct {
	ID            string             `json:"id"`
	Type          emergency.Type     `json:"emergencyType"`
	Severity      emergency.Severity `json:"severity"`
	Description   string             `json:"description"`
	Location      string             `json:"location"`
	Casualties    int                `json:"casualties"`
	Latitude      *float64           `json:"latitude,omitempty"`
	Longitude     *float64           `json:"longitude,omitempty"`
	Transcript    string             `json:"transcript"`
	AutoEscalated bool               `json:"autoEscalated"`
	HumanTakeover bool               `json:"humanTakeover"`
	Status        emergency.Status   `json:"status"`
	Priority      emergency.Priority `json:"priority"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
	Assignments   []Assignment       `json:"assignments"`
}

// Record returns the emergency fields of the stored call.
func (c Call) Record() emergency.Record {
	return emergency.Record{
		Type:        c.Type,
		Severity:    c.Severity,
		Description: c.Description,
		Location:    c.Location,
		Casualties:  c.Casualties,
		Latitude:    c.Latitude,
		Longitude:   c.Longitude,
	}
}

const (
	ResourceAvailable  = "AVAILABLE"
	ResourceDispatched = "DISPATCHED"
	ResourceOffline    = "OFFLINE"

	AssignmentAssigned  = "ASSIGNED"
	AssignmentCompleted = "COMPLETED"
)

var resourceTypes = []string{"AMBULANCE", "FIRE_TRUCK", "POLICE_CAR", "RESCUE_TEAM"}

type Resource struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	Identifier string   `json:"identifier"`
	Station    string   `json:"station"`
	Status     string   `json:"status"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
}

type Assignment struct {
	ID         string    `json:"id"`
	CallID     string    `json:"callId"`
	ResourceID string    `json:"resourceId"`
	Status     string    `json:"status"`
	AssignedAt time.Time `json:"assignedAt"`
}

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "disasterdesk.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS emergency_calls (
			id TEXT PRIMARY KEY,
			emergency_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			description TEXT NOT NULL,
			location TEXT NOT NULL,
			casualties INTEGER NOT NULL DEFAULT 0,
			latitude REAL,
			longitude REAL,
			transcript TEXT NOT NULL DEFAULT '',
			auto_escalated INTEGER NOT NULL DEFAULT 0,
			human_takeover INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			priority TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create emergency_calls table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS resources (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			identifier TEXT NOT NULL UNIQUE,
			station TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			latitude REAL,
			longitude REAL
		);
	`); err != nil {
		return fmt.Errorf("create resources table: %w", err)
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS resource_assignments (
			id TEXT PRIMARY KEY,
			call_id TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			status TEXT NOT NULL,
			assigned_at TEXT NOT NULL,
			FOREIGN KEY(call_id) REFERENCES emergency_calls(id) ON DELETE CASCADE,
			FOREIGN KEY(resource_id) REFERENCES resources(id) ON DELETE CASCADE
		);
	`); err != nil {
		return fmt.Errorf("create resource_assignments table: %w", err)
	}

	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_calls_created_at ON emergency_calls(created_at)"); err != nil {
		return fmt.Errorf("create calls index: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_assignments_call_id ON resource_assignments(call_id, assigned_at)"); err != nil {
		return fmt.Errorf("create assignments index: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Ping reports whether the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateCall inserts a new call with a generated id. Status and priority are
// derived from the record.
func (s *SQLiteStore) CreateCall(ctx context.Context, in CallInput) (Call, error) {
	rec, err := prepare(in.Record)
	if err != nil {
		return Call{}, err
	}

	id := uuid.NewString()
	now := s.now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO emergency_calls(id, emergency_type, severity, description, location, casualties,
			latitude, longitude, transcript, auto_escalated, human_takeover, status, priority, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id,
		string(rec.Type),
		string(rec.Severity),
		rec.Description,
		rec.Location,
		rec.Casualties,
		nullFloat(rec.Latitude),
		nullFloat(rec.Longitude),
		in.Transcript,
		in.AutoEscalated,
		in.HumanTakeover,
		string(rec.InitialStatus()),
		string(rec.Priority()),
		now,
		now,
	)
	if err != nil {
		return Call{}, fmt.Errorf("create call: %w", err)
	}

	return s.GetCall(ctx, id)
}

// UpdateCall overwrites the call's record fields with a full snapshot. Status
// only ever moves from PENDING to IN_PROGRESS here; anything else is left to
// dispatchers.
func (s *SQLiteStore) UpdateCall(ctx context.Context, id string, in CallInput) (Call, error) {
	rec, err := prepare(in.Record)
	if err != nil {
		return Call{}, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE emergency_calls SET
			emergency_type = ?, severity = ?, description = ?, location = ?, casualties = ?,
			latitude = ?, longitude = ?, transcript = ?, auto_escalated = ?, human_takeover = ?,
			priority = ?, updated_at = ?,
			status = CASE WHEN status = 'PENDING' AND ? = 'IN_PROGRESS' THEN 'IN_PROGRESS' ELSE status END
		 WHERE id = ?`,
		string(rec.Type),
		string(rec.Severity),
		rec.Description,
		rec.Location,
		rec.Casualties,
		nullFloat(rec.Latitude),
		nullFloat(rec.Longitude),
		in.Transcript,
		in.AutoEscalated,
		in.HumanTakeover,
		string(rec.Priority()),
		s.now().UTC().Format(time.RFC3339Nano),
		string(rec.InitialStatus()),
		id,
	)
	if err != nil {
		return Call{}, fmt.Errorf("update call %s: %w", id, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return Call{}, fmt.Errorf("update call rows affected: %w", err)
	}
	if rows == 0 {
		return Call{}, fmt.Errorf("update call %s: %w", id, ErrNotFound)
	}

	return s.GetCall(ctx, id)
}

func prepare(r emergency.Record) (emergency.Record, error) {
	rec := r.WithDefaults()
	if err := rec.Validate(); err != nil {
		return emergency.Record{}, err
	}
	return rec, nil
}

const callColumns = `id, emergency_type, severity, description, location, casualties, latitude, longitude,
	transcript, auto_escalated, human_takeover, status, priority, created_at, updated_at`

func (s *SQLiteStore) GetCall(ctx context.Context, id string) (Call, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+callColumns+` FROM emergency_calls WHERE id = ?`, id)
	call, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Call{}, fmt.Errorf("query call %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Call{}, fmt.Errorf("query call %s: %w", id, err)
	}

	assignments, err := s.assignmentsFor(ctx, id)
	if err != nil {
		return Call{}, err
	}
	call.Assignments = assignments
	return call, nil
}

// ListCalls returns calls newest first, each with its assignments.
func (s *SQLiteStore) ListCalls(ctx context.Context) ([]Call, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+callColumns+` FROM emergency_calls ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query calls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	calls := make([]Call, 0, 16)
	for rows.Next() {
		call, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("scan call: %w", err)
		}
		calls = append(calls, call)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call rows: %w", err)
	}
	_ = rows.Close()

	for i := range calls {
		assignments, err := s.assignmentsFor(ctx, calls[i].ID)
		if err != nil {
			return nil, err
		}
		calls[i].Assignments = assignments
	}
	return calls, nil
}

func (s *SQLiteStore) CreateResource(ctx context.Context, r Resource) (Resource, error) {
	r.Type = strings.ToUpper(strings.TrimSpace(r.Type))
	r.Identifier = strings.TrimSpace(r.Identifier)
	if !validResourceType(r.Type) {
		return Resource{}, fmt.Errorf("%w: unknown type %q", ErrInvalidResource, r.Type)
	}
	if r.Identifier == "" {
		return Resource{}, fmt.Errorf("%w: identifier is required", ErrInvalidResource)
	}
	if (r.Latitude == nil) != (r.Longitude == nil) {
		return Resource{}, fmt.Errorf("%w: latitude and longitude must be set together", ErrInvalidResource)
	}
	if r.Status == "" {
		r.Status = ResourceAvailable
	}
	r.ID = uuid.NewString()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resources(id, type, identifier, station, status, latitude, longitude) VALUES(?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Type, r.Identifier, r.Station, r.Status, nullFloat(r.Latitude), nullFloat(r.Longitude),
	)
	if err != nil {
		return Resource{}, fmt.Errorf("create resource %s: %w", r.Identifier, err)
	}
	return r, nil
}

func validResourceType(t string) bool {
	for _, v := range resourceTypes {
		if v == t {
			return true
		}
	}
	return false
}

func (s *SQLiteStore) ListResources(ctx context.Context) ([]Resource, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, identifier, station, status, latitude, longitude FROM resources ORDER BY type, identifier`,
	)
	if err != nil {
		return nil, fmt.Errorf("query resources: %w", err)
	}
	defer func() { _ = rows.Close() }()

	resources := make([]Resource, 0, 16)
	for rows.Next() {
		var r Resource
		var lat, lon sql.NullFloat64
		if err := rows.Scan(&r.ID, &r.Type, &r.Identifier, &r.Station, &r.Status, &lat, &lon); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		r.Latitude = floatPtr(lat)
		r.Longitude = floatPtr(lon)
		resources = append(resources, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resource rows: %w", err)
	}
	return resources, nil
}

// AssignResource records an assignment and marks both the resource and the
// call as dispatched, atomically.
func (s *SQLiteStore) AssignResource(ctx context.Context, callID, resourceID string) (Assignment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Assignment{}, fmt.Errorf("begin assignment: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM resources WHERE id = ?`, resourceID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return Assignment{}, fmt.Errorf("resource %s: %w", resourceID, ErrNotFound)
	}
	if err != nil {
		return Assignment{}, fmt.Errorf("query resource %s: %w", resourceID, err)
	}
	if status != ResourceAvailable {
		return Assignment{}, fmt.Errorf("resource %s is %s: %w", resourceID, strings.ToLower(status), ErrResourceUnavailable)
	}

	now := s.now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE emergency_calls SET status = ?, updated_at = ? WHERE id = ?`,
		string(emergency.StatusDispatched), now.Format(time.RFC3339Nano), callID,
	)
	if err != nil {
		return Assignment{}, fmt.Errorf("dispatch call %s: %w", callID, err)
	}
	if rows, err := res.RowsAffected(); err != nil {
		return Assignment{}, fmt.Errorf("dispatch call rows affected: %w", err)
	} else if rows == 0 {
		return Assignment{}, fmt.Errorf("call %s: %w", callID, ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE resources SET status = ? WHERE id = ?`, ResourceDispatched, resourceID,
	); err != nil {
		return Assignment{}, fmt.Errorf("dispatch resource %s: %w", resourceID, err)
	}

	a := Assignment{
		ID:         uuid.NewString(),
		CallID:     callID,
		ResourceID: resourceID,
		Status:     AssignmentAssigned,
		AssignedAt: now,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO resource_assignments(id, call_id, resource_id, status, assigned_at) VALUES(?, ?, ?, ?, ?)`,
		a.ID, a.CallID, a.ResourceID, a.Status, now.Format(time.RFC3339Nano),
	); err != nil {
		return Assignment{}, fmt.Errorf("insert assignment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Assignment{}, fmt.Errorf("commit assignment: %w", err)
	}
	return a, nil
}

func (s *SQLiteStore) assignmentsFor(ctx context.Context, callID string) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, call_id, resource_id, status, assigned_at
		 FROM resource_assignments
		 WHERE call_id = ?
		 ORDER BY assigned_at ASC`,
		callID,
	)
	if err != nil {
		return nil, fmt.Errorf("query assignments for call %s: %w", callID, err)
	}
	defer func() { _ = rows.Close() }()

	assignments := make([]Assignment, 0, 2)
	for rows.Next() {
		var a Assignment
		var ts string
		if err := rows.Scan(&a.ID, &a.CallID, &a.ResourceID, &a.Status, &ts); err != nil {
			return nil, fmt.Errorf("scan assignment for call %s: %w", callID, err)
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse assignment timestamp for call %s: %w", callID, err)
		}
		a.AssignedAt = parsed
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignment rows for call %s: %w", callID, err)
	}
	return assignments, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(row scanner) (Call, error) {
	var c Call
	var typ, sev, status, priority, createdAt, updatedAt string
	var lat, lon sql.NullFloat64
	if err := row.Scan(
		&c.ID, &typ, &sev, &c.Description, &c.Location, &c.Casualties, &lat, &lon,
		&c.Transcript, &c.AutoEscalated, &c.HumanTakeover, &status, &priority, &createdAt, &updatedAt,
	); err != nil {
		return Call{}, err
	}
	c.Type = emergency.Type(typ)
	c.Severity = emergency.Severity(sev)
	c.Status = emergency.Status(status)
	c.Priority = emergency.Priority(priority)
	c.Latitude = floatPtr(lat)
	c.Longitude = floatPtr(lon)

	var err error
	if c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Call{}, fmt.Errorf("parse call %s created_at: %w", c.ID, err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Call{}, fmt.Errorf("parse call %s updated_at: %w", c.ID, err)
	}
	c.Assignments = []Assignment{}
	return c, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
