package db

import (
	"database/sql"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/types"
)

// LinkSession upserts the spawn to session linkage and mirrors the session
// id onto the spawn row. Relinking with the same values is a no-op.
func LinkSession(db *sql.DB, link types.SessionLink) error {
	if link.LinkedAt == 0 {
		link.LinkedAt = core.NowMillis()
	}
	return withTx(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO mm_spawn_sessions (spawn_id, session_id, path, strategy, linked_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(spawn_id) DO UPDATE SET
				session_id = excluded.session_id,
				path = COALESCE(excluded.path, mm_spawn_sessions.path),
				strategy = excluded.strategy,
				linked_at = CASE WHEN mm_spawn_sessions.session_id = excluded.session_id
					THEN mm_spawn_sessions.linked_at ELSE excluded.linked_at END
		`, link.SpawnID, link.SessionID, nullableValue(link.Path), string(link.Strategy), link.LinkedAt); err != nil {
			if isForeignKeyError(err) {
				return core.NotFound("spawn", link.SpawnID)
			}
			return err
		}
		result, err := tx.Exec(`UPDATE mm_spawns SET session_id = ? WHERE id = ?`, link.SessionID, link.SpawnID)
		if err != nil {
			return err
		}
		return requireRow(result, "spawn", link.SpawnID)
	})
}

// GetSessionLink returns the linkage for a spawn.
func GetSessionLink(db DBTX, spawnID string) (*types.SessionLink, error) {
	row := db.QueryRow(`SELECT spawn_id, session_id, path, strategy, linked_at FROM mm_spawn_sessions WHERE spawn_id = ?`, spawnID)
	var link types.SessionLink
	var path sql.NullString
	var strategy string
	if err := row.Scan(&link.SpawnID, &link.SessionID, &path, &strategy, &link.LinkedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	link.Path = nullStringPtr(path)
	link.Strategy = types.CorrelationStrategy(strategy)
	return &link, nil
}

// ReplaceSpawnEvents stores the parsed events of a spawn's session.
func ReplaceSpawnEvents(db *sql.DB, spawnID string, events []types.SessionEvent) error {
	return withTx(db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM mm_spawn_events WHERE spawn_id = ?`, spawnID); err != nil {
			return err
		}
		stmt, err := tx.Prepare(`INSERT INTO mm_spawn_events (spawn_id, idx, type, ts, content) VALUES (?, ?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for i, event := range events {
			if _, err := stmt.Exec(spawnID, i, event.Type, event.Timestamp, event.Content); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSpawnEvents returns stored session events in order.
func GetSpawnEvents(db DBTX, spawnID string) ([]types.SessionEvent, error) {
	rows, err := db.Query(`SELECT type, ts, content FROM mm_spawn_events WHERE spawn_id = ? ORDER BY idx`, spawnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.SessionEvent
	for rows.Next() {
		var event types.SessionEvent
		if err := rows.Scan(&event.Type, &event.Timestamp, &event.Content); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
