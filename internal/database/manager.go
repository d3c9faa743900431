package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	dbconfig "collabsync/pkg/database"
	"collabsync/pkg/interfaces"
	"collabsync/pkg/types"
)

var _ interfaces.DatabaseManager = (*Manager)(nil)

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

// Manager implements interfaces.DatabaseManager on SQLite.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	log          zerolog.Logger
	writeChannel chan writeOperation // TECHNICAL: single writer for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	retryDelay   time.Duration
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine.
func NewManager(config *dbconfig.Config, log zerolog.Logger) (*Manager, error) {
	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:           db,
		config:       config,
		log:          log.With().Str("component", "database").Logger(),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   5 * time.Second,
	}

	// ARCHITECTURAL DISCOVERY: One goroutine owns every write; reads go
	// straight to the pool.
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// Migrate applies pending schema migrations.
func (m *Manager) Migrate() error {
	migrator := dbconfig.NewMigrationManager(m.db, dbconfig.MigrationSource(m.config))
	if err := migrator.ApplyMigrations(); err != nil {
		return err
	}
	return migrator.ValidateSchema()
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			// FUNCTIONAL DISCOVERY: A failed write is retried exactly once.
			err := op.operation(m.db)
			if err != nil && retryable(err) {
				m.log.Warn().Err(err).Dur("retry_in", m.retryDelay).Msg("database write failed, retrying")
				time.Sleep(m.retryDelay)
				if err = op.operation(m.db); err != nil {
					m.log.Error().Err(err).Msg("database write failed after retry")
				}
			}
			op.result <- err

		case <-m.shutdown:
			m.log.Debug().Msg("database write loop shutting down")
			return
		}
	}
}

func (m *Manager) executeWrite(operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// CreateSession inserts the session and its member rows atomically.
func (m *Manager) CreateSession(ctx context.Context, session *types.Session) error {
	return m.executeWrite(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO sessions (id, creator_email, snapshot, start_time, status)
			VALUES (?, ?, ?, ?, ?)
		`, session.ID, session.CreatorEmail, nullableJSON(session.Snapshot), session.StartTime, session.Status)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}

		members := append([]string{session.CreatorEmail}, session.AllowedUsers...)
		seen := make(map[string]bool, len(members))
		for _, email := range members {
			if seen[email] {
				continue
			}
			seen[email] = true
			if err := upsertMember(ctx, tx, session.ID, email, session.PermissionsFor(email)); err != nil {
				return err
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit session creation: %w", err)
		}
		return nil
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func upsertMember(ctx context.Context, ex execer, sessionID, email string, perms types.Permissions) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO session_members (session_id, email, can_edit, can_invite, can_manage_permissions)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, email) DO UPDATE SET
			can_edit = excluded.can_edit,
			can_invite = excluded.can_invite,
			can_manage_permissions = excluded.can_manage_permissions
	`, sessionID, email, perms.CanEdit, perms.CanInvite, perms.CanManagePermissions)
	if err != nil {
		return fmt.Errorf("failed to store member %s: %w", email, err)
	}
	return nil
}

// GetSession loads a session with its members.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT id, creator_email, snapshot, start_time, end_time, status
		FROM sessions
		WHERE id = ?
	`, sessionID)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	if err := m.loadMembers(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row scanner) (*types.Session, error) {
	var (
		session  types.Session
		snapshot sql.NullString
		endTime  sql.NullTime
	)
	if err := row.Scan(&session.ID, &session.CreatorEmail, &snapshot, &session.StartTime, &endTime, &session.Status); err != nil {
		return nil, err
	}
	if snapshot.Valid {
		session.Snapshot = json.RawMessage(snapshot.String)
	}
	if endTime.Valid {
		session.EndTime = &endTime.Time
	}
	return &session, nil
}

func (m *Manager) loadMembers(ctx context.Context, session *types.Session) error {
	rows, err := m.db.QueryContext(ctx, `
		SELECT email, can_edit, can_invite, can_manage_permissions
		FROM session_members
		WHERE session_id = ?
		ORDER BY added_at, email
	`, session.ID)
	if err != nil {
		return fmt.Errorf("failed to query members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	session.AllowedUsers = nil
	session.Permissions = make(map[string]types.Permissions)
	for rows.Next() {
		var (
			email string
			perms types.Permissions
		)
		if err := rows.Scan(&email, &perms.CanEdit, &perms.CanInvite, &perms.CanManagePermissions); err != nil {
			return fmt.Errorf("failed to scan member row: %w", err)
		}
		session.AllowedUsers = append(session.AllowedUsers, email)
		session.Permissions[email] = perms
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating member rows: %w", err)
	}
	return nil
}

// UpdateSession persists status and end time.
func (m *Manager) UpdateSession(ctx context.Context, session *types.Session) error {
	return m.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE sessions SET end_time = ?, status = ? WHERE id = ?
		`, session.EndTime, session.Status, session.ID)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		return requireRow(res)
	})
}

// ListActiveSessions returns active sessions, newest first.
func (m *Manager) ListActiveSessions(ctx context.Context) ([]*types.Session, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, creator_email, snapshot, start_time, end_time, status
		FROM sessions
		WHERE status = 'active'
		ORDER BY start_time DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}

	var sessions []*types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}

	for _, session := range sessions {
		if err := m.loadMembers(ctx, session); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// AddMembers allows emails into a session with default permissions. Existing
// members keep their grants.
func (m *Manager) AddMembers(ctx context.Context, sessionID string, emails []string) error {
	return m.executeWrite(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		defaults := types.DefaultPermissions()
		for _, email := range emails {
			_, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO session_members (session_id, email, can_edit, can_invite, can_manage_permissions)
				VALUES (?, ?, ?, ?, ?)
			`, sessionID, email, defaults.CanEdit, defaults.CanInvite, defaults.CanManagePermissions)
			if err != nil {
				return fmt.Errorf("failed to add member %s: %w", email, err)
			}
		}
		return tx.Commit()
	})
}

// UpdatePermissions stores a member's complete triple.
func (m *Manager) UpdatePermissions(ctx context.Context, sessionID, email string, perms types.Permissions) error {
	return m.executeWrite(func(db *sql.DB) error {
		return upsertMember(ctx, db, sessionID, email, perms)
	})
}

// UpdateSnapshot replaces the stored diagram.
func (m *Manager) UpdateSnapshot(ctx context.Context, sessionID string, snapshot json.RawMessage) error {
	return m.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `UPDATE sessions SET snapshot = ? WHERE id = ?`, nullableJSON(snapshot), sessionID)
		if err != nil {
			return fmt.Errorf("failed to update snapshot: %w", err)
		}
		return requireRow(res)
	})
}

// StoreChange appends a change to the history.
func (m *Manager) StoreChange(ctx context.Context, change *types.ChangeMessage) error {
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO changes (id, session_id, user_email, origin_id, delta, snapshot, client_timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, change.MessageID, change.SessionID, change.UserEmail, change.OriginID,
			nullableJSON(change.Delta), nullableJSON(change.DiagramData), change.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to insert change: %w", err)
		}
		return nil
	})
}

// GetChangeHistory returns changes in arrival order. A positive limit keeps
// only the most recent ones.
func (m *Manager) GetChangeHistory(ctx context.Context, sessionID string, limit int) ([]*types.ChangeMessage, error) {
	query := `
		SELECT id, session_id, user_email, origin_id, delta, snapshot, client_timestamp
		FROM changes
		WHERE session_id = ?
		ORDER BY seq ASC
	`
	args := []interface{}{sessionID}
	if limit > 0 {
		query = `
			SELECT id, session_id, user_email, origin_id, delta, snapshot, client_timestamp FROM (
				SELECT seq, id, session_id, user_email, origin_id, delta, snapshot, client_timestamp
				FROM changes
				WHERE session_id = ?
				ORDER BY seq DESC
				LIMIT ?
			) ORDER BY seq ASC
		`
		args = append(args, limit)
	}

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query change history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var changes []*types.ChangeMessage
	for rows.Next() {
		var (
			change          types.ChangeMessage
			origin          sql.NullString
			delta, snapshot sql.NullString
		)
		if err := rows.Scan(&change.MessageID, &change.SessionID, &change.UserEmail, &origin, &delta, &snapshot, &change.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan change row: %w", err)
		}
		change.OriginID = origin.String
		if delta.Valid {
			change.Delta = json.RawMessage(delta.String)
		}
		if snapshot.Valid {
			change.DiagramData = json.RawMessage(snapshot.String)
		}
		changes = append(changes, &change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating change rows: %w", err)
	}
	return changes, nil
}

// HealthCheck validates connectivity and that the schema is readable.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB exposes the pool for migrations and tests.
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the pool. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// retryable excludes outcomes a second attempt cannot change.
func retryable(err error) bool {
	return !errors.Is(err, types.ErrSessionNotFound) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return types.ErrSessionNotFound
	}
	return nil
}
