package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/types"
)

const spawnColumns = `id, agent_id, channel_id, parent_spawn_id, session_id, constitution_hash, status, pid, marker, resume_from, work_dir, created_at, updated_at, ended_at, indexed_at, compacted_from`

// ErrLiveSpawnExists is returned when an agent already has a live spawn in
// the channel.
var ErrLiveSpawnExists = errors.New("agent already has a live spawn in this channel")

// ErrStatusConflict is returned when a spawn's status changed underneath a
// compare-and-set update.
var ErrStatusConflict = errors.New("spawn status changed concurrently")

// InsertSpawn persists a new spawn row.
func InsertSpawn(db DBTX, spawn types.Spawn) error {
	_, err := db.Exec(`
		INSERT INTO mm_spawns (id, agent_id, channel_id, parent_spawn_id, session_id, constitution_hash, status, pid, marker, resume_from, work_dir, created_at, updated_at, compacted_from)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, spawn.ID, spawn.AgentID, nullableValue(spawn.ChannelID), nullableValue(spawn.ParentSpawnID),
		nullableValue(spawn.SessionID), nullableValue(spawn.ConstitutionHash), string(spawn.Status),
		nullableValue(spawn.PID), spawn.Marker, nullableValue(spawn.ResumeFrom), nullableValue(spawn.WorkDir),
		spawn.CreatedAt, spawn.CreatedAt, nullableValue(spawn.CompactedFrom))
	switch {
	case err == nil:
		return nil
	case isForeignKeyError(err):
		return core.NotFound("spawn", nullableString(spawn.ParentSpawnID))
	case isUniqueError(err):
		return ErrLiveSpawnExists
	}
	return err
}

func nullableString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

// GetSpawn returns a spawn by exact ID.
func GetSpawn(db DBTX, id string) (*types.Spawn, error) {
	row := db.QueryRow(`SELECT `+spawnColumns+` FROM mm_spawns WHERE id = ?`, id)
	spawn, err := scanSpawn(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &spawn, nil
}

// ResolveSpawn finds a spawn by ID or unique ID prefix.
func ResolveSpawn(db DBTX, ref string) (*types.Spawn, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, core.NewValidationError("spawn id is required")
	}
	spawn, err := GetSpawn(db, ref)
	if err != nil || spawn != nil {
		return spawn, err
	}
	spawns, err := querySpawns(db, `SELECT `+spawnColumns+` FROM mm_spawns WHERE substr(id, 1, length(?)) = ? LIMIT 2`, ref, ref)
	if err != nil {
		return nil, err
	}
	switch len(spawns) {
	case 0:
		return nil, core.NotFound("spawn", ref)
	case 1:
		return &spawns[0], nil
	default:
		return nil, core.NewValidationError("spawn id prefix %q is ambiguous", ref)
	}
}

// ListSpawns returns spawns newest first.
func ListSpawns(db DBTX, filter types.SpawnFilter) ([]types.Spawn, error) {
	query := `SELECT ` + spawnColumns + ` FROM mm_spawns WHERE 1=1`
	var args []any
	if filter.AgentID != "" {
		query += ` AND agent_id = ?`
		args = append(args, filter.AgentID)
	}
	if filter.ChannelID != "" {
		query += ` AND channel_id = ?`
		args = append(args, filter.ChannelID)
	}
	if len(filter.Statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(filter.Statuses)) + `)`
		for _, status := range filter.Statuses {
			args = append(args, string(status))
		}
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	return querySpawns(db, query, args...)
}

// FindSpawnInChannel returns the most recent spawn for the pair whose status
// is one of statuses.
func FindSpawnInChannel(db DBTX, agentID, channelID string, statuses []types.SpawnStatus) (*types.Spawn, error) {
	spawns, err := ListSpawns(db, types.SpawnFilter{AgentID: agentID, ChannelID: channelID, Statuses: statuses, Limit: 1})
	if err != nil || len(spawns) == 0 {
		return nil, err
	}
	return &spawns[0], nil
}

// UpdateSpawnStatus moves a spawn from one status to another. It fails with
// ErrStatusConflict if the row is no longer in from.
func UpdateSpawnStatus(db DBTX, id string, from, to types.SpawnStatus) error {
	now := core.NowMillis()
	var endedAt any
	if to.Terminal() {
		endedAt = now
	}
	result, err := db.Exec(`
		UPDATE mm_spawns
		SET status = ?, updated_at = ?, ended_at = COALESCE(ended_at, ?)
		WHERE id = ? AND status = ?
	`, string(to), now, endedAt, id, string(from))
	if err != nil {
		if isUniqueError(err) {
			return ErrLiveSpawnExists
		}
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStatusConflict
	}
	return nil
}

// SetSpawnPID records or clears the tracked process id.
func SetSpawnPID(db DBTX, id string, pid *int) error {
	result, err := db.Exec(`UPDATE mm_spawns SET pid = ?, updated_at = ? WHERE id = ?`, nullableValue(pid), core.NowMillis(), id)
	if err != nil {
		return err
	}
	return requireRow(result, "spawn", id)
}

// SetSpawnResume records the session a launch resumed from.
func SetSpawnResume(db DBTX, id string, sessionID *string) error {
	_, err := db.Exec(`UPDATE mm_spawns SET resume_from = ? WHERE id = ?`, nullableValue(sessionID), id)
	return err
}

// MarkSpawnIndexed stamps indexed_at once and reports whether this call did.
func MarkSpawnIndexed(db DBTX, id string) (bool, error) {
	result, err := db.Exec(`UPDATE mm_spawns SET indexed_at = ? WHERE id = ? AND indexed_at IS NULL`, core.NowMillis(), id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// SpawnDepth returns the number of ancestors of a spawn. A compaction
// successor sits at its predecessor's depth.
func SpawnDepth(db DBTX, id string) (int, error) {
	depth := 0
	seen := map[string]struct{}{id: {}}
	current := id
	for {
		var parent, compactedFrom sql.NullString
		err := db.QueryRow(`SELECT parent_spawn_id, compacted_from FROM mm_spawns WHERE id = ?`, current).Scan(&parent, &compactedFrom)
		if err == sql.ErrNoRows {
			if current == id {
				return 0, core.NotFound("spawn", id)
			}
			return depth, nil
		}
		if err != nil {
			return 0, err
		}
		if !parent.Valid {
			return depth, nil
		}
		if _, ok := seen[parent.String]; ok {
			return 0, fmt.Errorf("spawn %s: parent cycle at %s", core.ShortID(id), core.ShortID(parent.String))
		}
		seen[parent.String] = struct{}{}
		if !compactedFrom.Valid || compactedFrom.String != parent.String {
			depth++
		}
		current = parent.String
	}
}

// ReassignSpawns moves spawns to another agent.
func ReassignSpawns(db DBTX, fromAgentID, toAgentID string) error {
	_, err := db.Exec(`UPDATE mm_spawns SET agent_id = ? WHERE agent_id = ?`, toAgentID, fromAgentID)
	return err
}

// EnqueueTurn queues input for a spawn's next run.
func EnqueueTurn(db DBTX, spawnID, content string) (*types.SpawnTurn, error) {
	now := core.NowMillis()
	result, err := db.Exec(`
		INSERT INTO mm_spawn_turns (spawn_id, content, created_at) VALUES (?, ?, ?)
	`, spawnID, content, now)
	if err != nil {
		if isForeignKeyError(err) {
			return nil, core.NotFound("spawn", spawnID)
		}
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &types.SpawnTurn{ID: id, SpawnID: spawnID, Content: content, CreatedAt: now}, nil
}

// NextTurn returns the oldest unconsumed turn.
func NextTurn(db DBTX, spawnID string) (*types.SpawnTurn, error) {
	row := db.QueryRow(`
		SELECT id, spawn_id, content, created_at, consumed_at FROM mm_spawn_turns
		WHERE spawn_id = ? AND consumed_at IS NULL
		ORDER BY id LIMIT 1
	`, spawnID)
	var turn types.SpawnTurn
	var consumed sql.NullInt64
	if err := row.Scan(&turn.ID, &turn.SpawnID, &turn.Content, &turn.CreatedAt, &consumed); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	turn.ConsumedAt = nullIntPtr(consumed)
	return &turn, nil
}

// ConsumeTurn marks a turn consumed and reports whether this call claimed it.
func ConsumeTurn(db DBTX, turnID int64) (bool, error) {
	result, err := db.Exec(`UPDATE mm_spawn_turns SET consumed_at = ? WHERE id = ? AND consumed_at IS NULL`, core.NowMillis(), turnID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

// CountPendingTurns counts unconsumed turns.
func CountPendingTurns(db DBTX, spawnID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM mm_spawn_turns WHERE spawn_id = ? AND consumed_at IS NULL`, spawnID).Scan(&n)
	return n, err
}

// SpawnOutput is the captured process output of a spawn.
type SpawnOutput struct {
	SpawnID   string  `json:"spawn_id"`
	Stdout    string  `json:"stdout"`
	Stderr    string  `json:"stderr"`
	ExitCode  *int64  `json:"exit_code,omitempty"`
	Error     *string `json:"error,omitempty"`
	UpdatedAt int64   `json:"updated_at"`
}

// SaveSpawnOutput appends captured output for a spawn run.
func SaveSpawnOutput(db DBTX, spawnID, stdout, stderr string, exitCode *int, runErr error) error {
	var errText *string
	if runErr != nil {
		text := runErr.Error()
		errText = &text
	}
	_, err := db.Exec(`
		INSERT INTO mm_spawn_output (spawn_id, stdout, stderr, exit_code, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(spawn_id) DO UPDATE SET
			stdout = mm_spawn_output.stdout || excluded.stdout,
			stderr = mm_spawn_output.stderr || excluded.stderr,
			exit_code = excluded.exit_code,
			error = excluded.error,
			updated_at = excluded.updated_at
	`, spawnID, stdout, stderr, nullableValue(exitCode), nullableValue(errText), core.NowMillis())
	return err
}

// GetSpawnOutput returns captured output for a spawn.
func GetSpawnOutput(db DBTX, spawnID string) (*SpawnOutput, error) {
	row := db.QueryRow(`SELECT spawn_id, stdout, stderr, exit_code, error, updated_at FROM mm_spawn_output WHERE spawn_id = ?`, spawnID)
	var out SpawnOutput
	var exitCode sql.NullInt64
	var errText sql.NullString
	if err := row.Scan(&out.SpawnID, &out.Stdout, &out.Stderr, &exitCode, &errText, &out.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	out.ExitCode = nullIntPtr(exitCode)
	out.Error = nullStringPtr(errText)
	return &out, nil
}

func querySpawns(db DBTX, query string, args ...any) ([]types.Spawn, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var spawns []types.Spawn
	for rows.Next() {
		spawn, err := scanSpawn(rows)
		if err != nil {
			return nil, err
		}
		spawns = append(spawns, spawn)
	}
	return spawns, rows.Err()
}

func scanSpawn(scanner interface{ Scan(dest ...any) error }) (types.Spawn, error) {
	var row spawnRow
	if err := scanner.Scan(&row.ID, &row.AgentID, &row.ChannelID, &row.ParentSpawnID, &row.SessionID,
		&row.ConstitutionHash, &row.Status, &row.PID, &row.Marker, &row.ResumeFrom, &row.WorkDir,
		&row.CreatedAt, &row.UpdatedAt, &row.EndedAt, &row.IndexedAt, &row.CompactedFrom); err != nil {
		return types.Spawn{}, err
	}
	return row.toSpawn(), nil
}

type spawnRow struct {
	ID               string
	AgentID          string
	ChannelID        sql.NullString
	ParentSpawnID    sql.NullString
	SessionID        sql.NullString
	ConstitutionHash sql.NullString
	Status           string
	PID              sql.NullInt64
	Marker           string
	ResumeFrom       sql.NullString
	WorkDir          sql.NullString
	CreatedAt        int64
	UpdatedAt        int64
	EndedAt          sql.NullInt64
	IndexedAt        sql.NullInt64
	CompactedFrom    sql.NullString
}

func (row spawnRow) toSpawn() types.Spawn {
	spawn := types.Spawn{
		ID:               row.ID,
		AgentID:          row.AgentID,
		ChannelID:        nullStringPtr(row.ChannelID),
		ParentSpawnID:    nullStringPtr(row.ParentSpawnID),
		SessionID:        nullStringPtr(row.SessionID),
		ConstitutionHash: nullStringPtr(row.ConstitutionHash),
		Status:           types.SpawnStatus(row.Status),
		Marker:           row.Marker,
		ResumeFrom:       nullStringPtr(row.ResumeFrom),
		WorkDir:          nullStringPtr(row.WorkDir),
		CompactedFrom:    nullStringPtr(row.CompactedFrom),
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
		EndedAt:          nullIntPtr(row.EndedAt),
		IndexedAt:        nullIntPtr(row.IndexedAt),
	}
	if row.PID.Valid {
		pid := int(row.PID.Int64)
		spawn.PID = &pid
	}
	return spawn
}
