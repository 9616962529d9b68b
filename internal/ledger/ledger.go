package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/duplexlab/wspatterns/internal/model"
)

// Ledger provides data access for connection records.
type Ledger struct {
	db *sql.DB
}

// New creates a Ledger backed by the given database.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Record inserts a new connection row in the open state.
func (l *Ledger) Record(ctx context.Context, conn *model.Connection) error {
	if conn.Route == "" {
		return model.ErrRouteRequired
	}

	query := `
		INSERT INTO connections (id, route, remote_addr, status, connected_at)
		VALUES (?, ?, ?, ?, ?)
	`

	_, err := l.db.ExecContext(ctx, query,
		conn.ID,
		conn.Route,
		conn.RemoteAddr,
		model.ConnectionStatusOpen,
		conn.ConnectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record connection: %w", err)
	}

	return nil
}

// Finish marks a connection row closed, recording the close outcome and the
// final message counters. A zero close code means no close outcome was ever
// recorded (the session ended before completing the upgrade) and is stored
// as NULL.
func (l *Ledger) Finish(ctx context.Context, id string, closeCode int, closeReason string, sent, received int64) error {
	query := `
		UPDATE connections
		SET status = ?, close_code = ?, close_reason = ?, messages_sent = ?, messages_received = ?, disconnected_at = ?
		WHERE id = ?
	`

	var code sql.NullInt64
	if closeCode != 0 {
		code = sql.NullInt64{Int64: int64(closeCode), Valid: true}
	}

	result, err := l.db.ExecContext(ctx, query,
		model.ConnectionStatusClosed,
		code,
		closeReason,
		sent,
		received,
		time.Now(),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish connection: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return model.ErrConnectionNotFound
	}

	return nil
}

// GetByID retrieves a connection record by its ID.
func (l *Ledger) GetByID(ctx context.Context, id string) (*model.Connection, error) {
	query := `
		SELECT id, route, remote_addr, status, close_code, close_reason, messages_sent, messages_received, connected_at, disconnected_at
		FROM connections
		WHERE id = ?
	`

	conn := &model.Connection{}
	var closeCode sql.NullInt64
	var closeReason sql.NullString
	var disconnectedAt sql.NullTime

	err := l.db.QueryRowContext(ctx, query, id).Scan(
		&conn.ID,
		&conn.Route,
		&conn.RemoteAddr,
		&conn.Status,
		&closeCode,
		&closeReason,
		&conn.MessagesSent,
		&conn.MessagesReceived,
		&conn.ConnectedAt,
		&disconnectedAt,
	)
	if err == sql.ErrNoRows {
		return nil, model.ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	if closeCode.Valid {
		code := int(closeCode.Int64)
		conn.CloseCode = &code
	}

	if closeReason.Valid {
		conn.CloseReason = closeReason.String
	}

	if disconnectedAt.Valid {
		t := disconnectedAt.Time
		conn.DisconnectedAt = &t
	}

	return conn, nil
}

// ListRecent retrieves the most recently opened connections, newest first.
func (l *Ledger) ListRecent(ctx context.Context, limit int) ([]*model.Connection, error) {
	query := `
		SELECT id, route, remote_addr, status, close_code, close_reason, messages_sent, messages_received, connected_at, disconnected_at
		FROM connections
		ORDER BY connected_at DESC, id DESC
		LIMIT ?
	`

	rows, err := l.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []*model.Connection
	for rows.Next() {
		conn := &model.Connection{}
		var closeCode sql.NullInt64
		var closeReason sql.NullString
		var disconnectedAt sql.NullTime

		err := rows.Scan(
			&conn.ID,
			&conn.Route,
			&conn.RemoteAddr,
			&conn.Status,
			&closeCode,
			&closeReason,
			&conn.MessagesSent,
			&conn.MessagesReceived,
			&conn.ConnectedAt,
			&disconnectedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}

		if closeCode.Valid {
			code := int(closeCode.Int64)
			conn.CloseCode = &code
		}

		if closeReason.Valid {
			conn.CloseReason = closeReason.String
		}

		if disconnectedAt.Valid {
			t := disconnectedAt.Time
			conn.DisconnectedAt = &t
		}

		conns = append(conns, conn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}

	return conns, nil
}

// CountByStatus returns the number of connections with the given status.
func (l *Ledger) CountByStatus(ctx context.Context, status model.ConnectionStatus) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM connections
		WHERE status = ?
	`

	var count int
	err := l.db.QueryRowContext(ctx, query, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count connections: %w", err)
	}

	return count, nil
}

// RouteStats returns per-route connection counts, busiest route first.
func (l *Ledger) RouteStats(ctx context.Context) ([]model.RouteStat, error) {
	query := `
		SELECT route, COUNT(*) AS n
		FROM connections
		GROUP BY route
		ORDER BY n DESC, route ASC
	`

	rows, err := l.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate routes: %w", err)
	}
	defer rows.Close()

	var stats []model.RouteStat
	for rows.Next() {
		var st model.RouteStat
		if err := rows.Scan(&st.Route, &st.Count); err != nil {
			return nil, fmt.Errorf("failed to scan route stat: %w", err)
		}
		stats = append(stats, st)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating route stats: %w", err)
	}

	return stats, nil
}
