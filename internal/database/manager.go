package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	dbconfig "studybuddy/pkg/database"
	"studybuddy/pkg/interfaces"
	"studybuddy/pkg/types"
)

// Errors returned by the manager lifecycle.
var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrShuttingDown  = errors.New("database manager is shutting down")
	ErrWriteTimeout  = errors.New("write operation timeout")
)

// Manager implements the DatabaseManager interface
type Manager struct {
	db           *sqlx.DB
	config       *dbconfig.Config
	logger       *slog.Logger
	writeChannel chan writeOperation // TECHNICAL: single writer for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	ctx       context.Context
	operation func(context.Context, *sqlx.DB) error
	result    chan error
}

type sessionRow struct {
	ID           string       `db:"id"`
	ParticipantA string       `db:"participant_a"`
	ParticipantB string       `db:"participant_b"`
	Topic        string       `db:"topic"`
	RoomName     string       `db:"room_name"`
	CreatedAt    time.Time    `db:"created_at"`
	Ended        bool         `db:"ended"`
	EndedAt      sql.NullTime `db:"ended_at"`
}

func (r *sessionRow) toSession() *types.MatchedSession {
	s := &types.MatchedSession{
		ID:           r.ID,
		Participants: [2]string{r.ParticipantA, r.ParticipantB},
		Topic:        r.Topic,
		RoomName:     r.RoomName,
		CreatedAt:    r.CreatedAt,
		Ended:        r.Ended,
	}
	if r.EndedAt.Valid {
		endedAt := r.EndedAt.Time
		s.EndedAt = &endedAt
	}
	return s
}

const sessionColumns = "id, participant_a, participant_b, topic, room_name, created_at, ended, ended_at"
const learnerColumns = "id, display_name, level, online, streak, xp, updated_at"

// NewManager opens the configured database and starts the writer goroutine.
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	db, err := dbconfig.Open(config)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.With("component", "database"),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// Migrate applies pending schema migrations and validates the result.
func (m *Manager) Migrate(ctx context.Context) ([]string, error) {
	migrations := dbconfig.NewMigrationManager(m.db, nil)
	applied, err := migrations.ApplyMigrations(ctx)
	if err != nil {
		return applied, err
	}
	if err := migrations.ValidateSchema(ctx); err != nil {
		return applied, fmt.Errorf("schema validation failed: %w", err)
	}
	return applied, nil
}

// DB returns the underlying connection pool.
func (m *Manager) DB() *sqlx.DB {
	return m.db
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			op.result <- m.runWrite(op)
		case <-m.shutdown:
			m.logger.Debug("Database write loop shutting down")
			return
		}
	}
}

// runWrite executes op, retrying once after WriteRetryDelay. Conflicts and
// cancelled contexts are returned immediately.
func (m *Manager) runWrite(op writeOperation) error {
	err := op.operation(op.ctx, m.db)
	if err == nil || !m.retryable(op.ctx, err) {
		return err
	}

	m.logger.Warn("Database write failed, retrying", "delay", m.config.WriteRetryDelay, "error", err)
	timer := time.NewTimer(m.config.WriteRetryDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-op.ctx.Done():
		return op.ctx.Err()
	case <-m.shutdown:
		return err
	}

	if err = op.operation(op.ctx, m.db); err != nil {
		m.logger.Error("Database write failed after retry", "error", err)
	}
	return err
}

func (m *Manager) retryable(ctx context.Context, err error) bool {
	if m.config.WriteRetryDelay <= 0 || ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, interfaces.ErrConcurrentMatchConflict) && !errors.Is(err, interfaces.ErrNotFound)
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(context.Context, *sqlx.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(m.config.WriteTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout.C:
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrShuttingDown
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrShuttingDown
	}
}

// SaveRequest stores a pending request, replacing any leftover row for the learner.
func (m *Manager) SaveRequest(ctx context.Context, req *types.MatchRequest) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sqlx.DB) error {
		query := db.Rebind(`
			INSERT INTO match_requests (learner_id, topic, level, enqueued_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (learner_id) DO UPDATE SET
				topic = excluded.topic,
				level = excluded.level,
				enqueued_at = excluded.enqueued_at
		`)
		if _, err := db.ExecContext(ctx, query, req.LearnerID, req.Topic, req.Level, req.EnqueuedAt.UTC()); err != nil {
			return fmt.Errorf("failed to save match request: %w", err)
		}
		return nil
	})
}

// DeleteRequests removes pending requests for the given learners.
func (m *Manager) DeleteRequests(ctx context.Context, learnerIDs ...string) error {
	if len(learnerIDs) == 0 {
		return nil
	}
	return m.executeWrite(ctx, func(ctx context.Context, db *sqlx.DB) error {
		query, args, err := sqlx.In("DELETE FROM match_requests WHERE learner_id IN (?)", learnerIDs)
		if err != nil {
			return fmt.Errorf("failed to build delete query: %w", err)
		}
		if _, err := db.ExecContext(ctx, db.Rebind(query), args...); err != nil {
			return fmt.Errorf("failed to delete match requests: %w", err)
		}
		return nil
	})
}

// DeleteRequestsOlderThan removes requests enqueued before cutoff.
func (m *Manager) DeleteRequestsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := m.executeWrite(ctx, func(ctx context.Context, db *sqlx.DB) error {
		res, err := db.ExecContext(ctx, db.Rebind("DELETE FROM match_requests WHERE enqueued_at < ?"), cutoff.UTC())
		if err != nil {
			return fmt.Errorf("failed to delete stale requests: %w", err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	return removed, err
}

// RecordMatch consumes both request rows and inserts the session atomically.
func (m *Manager) RecordMatch(ctx context.Context, session *types.MatchedSession) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sqlx.DB) error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		deleteQuery := tx.Rebind("DELETE FROM match_requests WHERE learner_id = ?")
		for _, learnerID := range session.Participants {
			res, err := tx.ExecContext(ctx, deleteQuery, learnerID)
			if err != nil {
				return fmt.Errorf("failed to consume match request: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read affected rows: %w", err)
			}
			if n == 0 {
				return &interfaces.MatchConflictError{LearnerID: learnerID}
			}
		}

		insert := tx.Rebind(`
			INSERT INTO buddy_sessions (id, participant_a, participant_b, topic, room_name, created_at, ended)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		_, err = tx.ExecContext(ctx, insert,
			session.ID,
			session.Participants[0],
			session.Participants[1],
			session.Topic,
			session.RoomName,
			session.CreatedAt.UTC(),
			false,
		)
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}

		if err = tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit session creation: %w", err)
		}
		return nil
	})
}

// RecordEnd marks a session ended.
func (m *Manager) RecordEnd(ctx context.Context, session *types.MatchedSession) error {
	endedAt := time.Now().UTC()
	if session.EndedAt != nil {
		endedAt = session.EndedAt.UTC()
	}
	return m.executeWrite(ctx, func(ctx context.Context, db *sqlx.DB) error {
		_, err := db.ExecContext(ctx,
			db.Rebind("UPDATE buddy_sessions SET ended = ?, ended_at = ? WHERE id = ?"),
			true, endedAt, session.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to end session: %w", err)
		}
		return nil
	})
}

// UpsertLearner stores the synced copy of a learner profile.
func (m *Manager) UpsertLearner(ctx context.Context, p *types.LearnerProfile) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	return m.executeWrite(ctx, func(ctx context.Context, db *sqlx.DB) error {
		query := db.Rebind(`
			INSERT INTO learners (id, display_name, level, online, streak, xp, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				display_name = excluded.display_name,
				level = excluded.level,
				online = excluded.online,
				streak = excluded.streak,
				xp = excluded.xp,
				updated_at = excluded.updated_at
		`)
		_, err := db.ExecContext(ctx, query, p.ID, p.DisplayName, p.Level, p.Online, p.Streak, p.XP, p.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to upsert learner: %w", err)
		}
		return nil
	})
}

// SetPresence flips a learner's online flag.
func (m *Manager) SetPresence(ctx context.Context, learnerID string, online bool) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sqlx.DB) error {
		res, err := db.ExecContext(ctx,
			db.Rebind("UPDATE learners SET online = ?, updated_at = ? WHERE id = ?"),
			online, time.Now().UTC(), learnerID,
		)
		if err != nil {
			return fmt.Errorf("failed to update presence: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if n == 0 {
			return interfaces.ErrNotFound
		}
		return nil
	})
}

// GetLearner retrieves a learner profile by id
func (m *Manager) GetLearner(ctx context.Context, learnerID string) (*types.LearnerProfile, error) {
	var p types.LearnerProfile
	err := m.db.GetContext(ctx, &p, m.db.Rebind("SELECT "+learnerColumns+" FROM learners WHERE id = ?"), learnerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query learner: %w", err)
	}
	return &p, nil
}

// FindLearners lists online learners matching the filter, most active first.
func (m *Manager) FindLearners(ctx context.Context, filter interfaces.LearnerFilter) ([]*types.LearnerProfile, error) {
	query := "SELECT " + learnerColumns + " FROM learners WHERE online = ?"
	args := []interface{}{true}

	if filter.Level != "" {
		query += " AND level = ?"
		args = append(args, filter.Level)
	}
	if len(filter.ExcludeIDs) > 0 {
		query += " AND id NOT IN (?)"
		args = append(args, filter.ExcludeIDs)
	}
	query += " ORDER BY xp DESC, streak DESC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	if len(filter.ExcludeIDs) > 0 {
		var err error
		query, args, err = sqlx.In(query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to build learner query: %w", err)
		}
	}

	learners := []*types.LearnerProfile{}
	if err := m.db.SelectContext(ctx, &learners, m.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query learners: %w", err)
	}
	return learners, nil
}

// LoadState returns pending requests oldest first and all active sessions.
func (m *Manager) LoadState(ctx context.Context) ([]*types.MatchRequest, []*types.MatchedSession, error) {
	requests := []*types.MatchRequest{}
	err := m.db.SelectContext(ctx, &requests,
		"SELECT learner_id, topic, level, enqueued_at FROM match_requests ORDER BY enqueued_at ASC, learner_id ASC")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load match requests: %w", err)
	}

	var rows []sessionRow
	err = m.db.SelectContext(ctx, &rows,
		m.db.Rebind("SELECT "+sessionColumns+" FROM buddy_sessions WHERE ended = ? ORDER BY created_at ASC"), false)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load active sessions: %w", err)
	}

	sessions := make([]*types.MatchedSession, 0, len(rows))
	for i := range rows {
		sessions = append(sessions, rows[i].toSession())
	}
	return requests, sessions, nil
}

// ListSessions returns a learner's sessions, newest first.
func (m *Manager) ListSessions(ctx context.Context, learnerID string, limit int) ([]*types.MatchedSession, error) {
	query := "SELECT " + sessionColumns + " FROM buddy_sessions WHERE participant_a = ? OR participant_b = ? ORDER BY created_at DESC"
	args := []interface{}{learnerID, learnerID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []sessionRow
	if err := m.db.SelectContext(ctx, &rows, m.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}

	sessions := make([]*types.MatchedSession, 0, len(rows))
	for i := range rows {
		sessions = append(sessions, rows[i].toSession())
	}
	return sessions, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM match_requests"); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close shuts down the database manager
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
