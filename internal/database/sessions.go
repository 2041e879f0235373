package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/reelvault/reelvault/internal/models"
)

// CreateSession creates a new upload session record
func CreateSession(db *sql.DB, session *models.UploadSession) error {
	query := `
		INSERT INTO upload_sessions (
			session_id, user_id, filename, relative_path, total_size,
			chunk_size, total_chunks, chunks_received, received_bytes,
			created_at, last_activity, completed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.Exec(query,
		session.SessionID,
		session.UserID,
		session.Filename,
		session.RelativePath,
		session.TotalSize,
		session.ChunkSize,
		session.TotalChunks,
		session.ChunksReceived,
		session.ReceivedBytes,
		session.CreatedAt,
		session.LastActivity,
		session.Completed,
	)

	if err != nil {
		return fmt.Errorf("failed to create upload session: %w", err)
	}

	return nil
}

// GetSession retrieves an upload session by session_id. Returns nil when
// the session does not exist.
func GetSession(db *sql.DB, sessionID string) (*models.UploadSession, error) {
	query := `
		SELECT
			session_id, user_id, filename, relative_path, total_size,
			chunk_size, total_chunks, chunks_received, received_bytes,
			created_at, last_activity, completed
		FROM upload_sessions
		WHERE session_id = ?
	`

	session := &models.UploadSession{}
	err := db.QueryRow(query, sessionID).Scan(
		&session.SessionID,
		&session.UserID,
		&session.Filename,
		&session.RelativePath,
		&session.TotalSize,
		&session.ChunkSize,
		&session.TotalChunks,
		&session.ChunksReceived,
		&session.ReceivedBytes,
		&session.CreatedAt,
		&session.LastActivity,
		&session.Completed,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get upload session: %w", err)
	}

	return session, nil
}

// RecordChunk registers receipt of one chunk. Duplicate deliveries of the
// same index are acknowledged without changing the bookkeeping, keeping
// partial and repeated delivery deterministic.
func RecordChunk(db *sql.DB, sessionID string, chunkIndex int, chunkBytes int64, now time.Time) (chunksReceived int, duplicate bool, err error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`INSERT OR IGNORE INTO session_chunks (session_id, chunk_index, chunk_bytes) VALUES (?, ?, ?)`,
		sessionID, chunkIndex, chunkBytes,
	)
	if err != nil {
		return 0, false, fmt.Errorf("failed to record chunk: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("failed to record chunk: %w", err)
	}
	duplicate = inserted == 0

	if !duplicate {
		_, err = tx.Exec(
			`UPDATE upload_sessions
			 SET chunks_received = chunks_received + 1,
			     received_bytes = received_bytes + ?,
			     last_activity = ?
			 WHERE session_id = ?`,
			chunkBytes, now, sessionID,
		)
	} else {
		_, err = tx.Exec(
			`UPDATE upload_sessions SET last_activity = ? WHERE session_id = ?`,
			now, sessionID,
		)
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to update session bookkeeping: %w", err)
	}

	err = tx.QueryRow(
		`SELECT chunks_received FROM upload_sessions WHERE session_id = ?`,
		sessionID,
	).Scan(&chunksReceived)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read chunk count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit chunk receipt: %w", err)
	}

	return chunksReceived, duplicate, nil
}

// MissingChunks returns the zero-based indexes not yet received for a
// session, in ascending order.
func MissingChunks(db *sql.DB, sessionID string, totalChunks int) ([]int, error) {
	rows, err := db.Query(
		`SELECT chunk_index FROM session_chunks WHERE session_id = ? ORDER BY chunk_index`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list received chunks: %w", err)
	}
	defer rows.Close()

	received := make(map[int]bool, totalChunks)
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("failed to scan chunk index: %w", err)
		}
		received[idx] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list received chunks: %w", err)
	}

	var missing []int
	for i := 0; i < totalChunks; i++ {
		if !received[i] {
			missing = append(missing, i)
		}
	}
	return missing, nil
}

// MarkCompleted flags a session as finalized.
func MarkCompleted(db *sql.DB, sessionID string, now time.Time) error {
	_, err := db.Exec(
		`UPDATE upload_sessions SET completed = 1, last_activity = ? WHERE session_id = ?`,
		now, sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark session completed: %w", err)
	}
	return nil
}

// DeleteSession removes a session and its chunk bookkeeping.
func DeleteSession(db *sql.DB, sessionID string) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM session_chunks WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session chunks: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM upload_sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session deletion: %w", err)
	}
	return nil
}

// ExpiredSessions returns incomplete sessions whose last activity is older
// than cutoff.
func ExpiredSessions(db *sql.DB, cutoff time.Time) ([]models.UploadSession, error) {
	rows, err := db.Query(
		`SELECT
			session_id, user_id, filename, relative_path, total_size,
			chunk_size, total_chunks, chunks_received, received_bytes,
			created_at, last_activity, completed
		FROM upload_sessions
		WHERE completed = 0 AND last_activity < ?`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.UploadSession
	for rows.Next() {
		var s models.UploadSession
		err := rows.Scan(
			&s.SessionID,
			&s.UserID,
			&s.Filename,
			&s.RelativePath,
			&s.TotalSize,
			&s.ChunkSize,
			&s.TotalChunks,
			&s.ChunksReceived,
			&s.ReceivedBytes,
			&s.CreatedAt,
			&s.LastActivity,
			&s.Completed,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expired session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	return sessions, nil
}
