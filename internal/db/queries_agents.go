package db

import (
	"database/sql"
	"strings"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/types"
)

const agentColumns = `agent_id, identity, provider, model, constitution_hash, self_description, created_at, archived_at`

// AgentInput describes a registration.
type AgentInput struct {
	Identity        string
	Provider        types.Provider
	Model           *string
	Constitution    *string
	SelfDescription *string
}

// GetAgent returns an agent by exact ID.
func GetAgent(db *sql.DB, agentID string) (*types.Agent, error) {
	row := db.QueryRow(`SELECT `+agentColumns+` FROM mm_agents WHERE agent_id = ?`, agentID)
	return scanAgentRow(row)
}

// GetAgentByIdentity returns an agent by identity.
func GetAgentByIdentity(db *sql.DB, identity string) (*types.Agent, error) {
	row := db.QueryRow(`SELECT `+agentColumns+` FROM mm_agents WHERE identity = ?`, core.NormalizeIdentity(identity))
	return scanAgentRow(row)
}

// ResolveAgent finds an agent by identity or agent ID.
func ResolveAgent(db *sql.DB, ref string) (*types.Agent, error) {
	agent, err := GetAgentByIdentity(db, ref)
	if err != nil || agent != nil {
		return agent, err
	}
	agent, err = GetAgent(db, strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, core.NotFound("agent", ref)
	}
	return agent, nil
}

// ListAgents returns agents ordered by identity.
func ListAgents(db *sql.DB, includeArchived bool) ([]types.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM mm_agents`
	if !includeArchived {
		query += ` WHERE archived_at IS NULL`
	}
	query += ` ORDER BY identity`

	rows, err := db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []types.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// EnsureAgent returns the agent with identity, creating a human agent on
// first reference.
func EnsureAgent(db *sql.DB, identity string) (*types.Agent, error) {
	identity = core.NormalizeIdentity(identity)
	if err := core.ValidateIdentity(identity); err != nil {
		return nil, err
	}
	agentID, err := newID("agt")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
		INSERT OR IGNORE INTO mm_agents (agent_id, identity, provider, created_at)
		VALUES (?, ?, ?, ?)
	`, agentID, identity, string(types.ProviderHuman), core.NowMillis()); err != nil {
		return nil, err
	}
	return GetAgentByIdentity(db, identity)
}

// RegisterAgent creates or updates an agent's provider, model and
// constitution. Re-registering an archived agent restores it.
func RegisterAgent(db *sql.DB, input AgentInput) (*types.Agent, error) {
	identity := core.NormalizeIdentity(input.Identity)
	if err := core.ValidateIdentity(identity); err != nil {
		return nil, err
	}
	if !input.Provider.Valid() {
		return nil, core.NewValidationError("unknown provider %q", input.Provider)
	}
	if input.Provider != types.ProviderHuman && (input.Model == nil || strings.TrimSpace(*input.Model) == "") {
		return nil, core.NewValidationError("provider %s requires --model", input.Provider)
	}

	var hash *string
	if input.Constitution != nil {
		h, err := PutConstitution(db, *input.Constitution)
		if err != nil {
			return nil, err
		}
		hash = &h
	}

	existing, err := GetAgentByIdentity(db, identity)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if hash == nil {
			hash = existing.ConstitutionHash
		}
		desc := input.SelfDescription
		if desc == nil {
			desc = existing.SelfDescription
		}
		if _, err := db.Exec(`
			UPDATE mm_agents
			SET provider = ?, model = ?, constitution_hash = ?, self_description = ?, archived_at = NULL
			WHERE agent_id = ?
		`, string(input.Provider), nullableValue(input.Model), nullableValue(hash), nullableValue(desc), existing.AgentID); err != nil {
			return nil, err
		}
		return GetAgent(db, existing.AgentID)
	}

	agentID, err := newID("agt")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
		INSERT INTO mm_agents (agent_id, identity, provider, model, constitution_hash, self_description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, agentID, identity, string(input.Provider), nullableValue(input.Model), nullableValue(hash), nullableValue(input.SelfDescription), core.NowMillis()); err != nil {
		if isConstraintError(err) {
			return nil, core.NewValidationError("identity %q is already registered", identity)
		}
		return nil, err
	}
	return GetAgent(db, agentID)
}

// RenameAgent changes an agent's identity.
func RenameAgent(db *sql.DB, agentID, newIdentity string) (*types.Agent, error) {
	newIdentity = core.NormalizeIdentity(newIdentity)
	if err := core.ValidateIdentity(newIdentity); err != nil {
		return nil, err
	}
	result, err := db.Exec(`UPDATE mm_agents SET identity = ? WHERE agent_id = ?`, newIdentity, agentID)
	if err != nil {
		if isConstraintError(err) {
			return nil, core.NewValidationError("identity %q is already registered", newIdentity)
		}
		return nil, err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, core.NotFound("agent", agentID)
	}
	return GetAgent(db, agentID)
}

// CloneAgent registers newIdentity with the source agent's provider, model
// and constitution.
func CloneAgent(db *sql.DB, sourceID, newIdentity string) (*types.Agent, error) {
	source, err := GetAgent(db, sourceID)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, core.NotFound("agent", sourceID)
	}
	if existing, err := GetAgentByIdentity(db, newIdentity); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, core.NewValidationError("identity %q is already registered", core.NormalizeIdentity(newIdentity))
	}

	agentID, err := newID("agt")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
		INSERT INTO mm_agents (agent_id, identity, provider, model, constitution_hash, self_description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, agentID, core.NormalizeIdentity(newIdentity), string(source.Provider), nullableValue(source.Model),
		nullableValue(source.ConstitutionHash), nullableValue(source.SelfDescription), core.NowMillis()); err != nil {
		if isConstraintError(err) {
			return nil, core.NewValidationError("identity %q is already registered", newIdentity)
		}
		return nil, err
	}
	return GetAgent(db, agentID)
}

// ArchiveAgent marks an agent archived. Archived agents are not launchable.
func ArchiveAgent(db *sql.DB, agentID string) error {
	result, err := db.Exec(`UPDATE mm_agents SET archived_at = COALESCE(archived_at, ?) WHERE agent_id = ?`, core.NowMillis(), agentID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return core.NotFound("agent", agentID)
	}
	return nil
}

// DeleteAgent hard-deletes an agent row. Callers cascade other stores.
func DeleteAgent(db *sql.DB, agentID string) error {
	result, err := db.Exec(`DELETE FROM mm_agents WHERE agent_id = ?`, agentID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return core.NotFound("agent", agentID)
	}
	return nil
}

// PutConstitution stores text by content hash, at most once.
func PutConstitution(db DBTX, content string) (string, error) {
	hash := core.HashConstitution(content)
	if _, err := db.Exec(`
		INSERT OR IGNORE INTO mm_constitutions (hash, content, created_at)
		VALUES (?, ?, ?)
	`, hash, content, core.NowMillis()); err != nil {
		return "", err
	}
	return hash, nil
}

// GetConstitution returns constitution text by hash.
func GetConstitution(db *sql.DB, hash string) (*types.Constitution, error) {
	row := db.QueryRow(`SELECT hash, content, created_at FROM mm_constitutions WHERE hash = ?`, hash)
	var c types.Constitution
	if err := row.Scan(&c.Hash, &c.Content, &c.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

func scanAgentRow(row *sql.Row) (*types.Agent, error) {
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func scanAgent(scanner interface{ Scan(dest ...any) error }) (types.Agent, error) {
	var row agentRow
	if err := scanner.Scan(&row.AgentID, &row.Identity, &row.Provider, &row.Model, &row.ConstitutionHash,
		&row.SelfDescription, &row.CreatedAt, &row.ArchivedAt); err != nil {
		return types.Agent{}, err
	}
	return row.toAgent(), nil
}

type agentRow struct {
	AgentID          string
	Identity         string
	Provider         string
	Model            sql.NullString
	ConstitutionHash sql.NullString
	SelfDescription  sql.NullString
	CreatedAt        int64
	ArchivedAt       sql.NullInt64
}

func (row agentRow) toAgent() types.Agent {
	return types.Agent{
		AgentID:          row.AgentID,
		Identity:         row.Identity,
		Provider:         types.Provider(row.Provider),
		Model:            nullStringPtr(row.Model),
		ConstitutionHash: nullStringPtr(row.ConstitutionHash),
		SelfDescription:  nullStringPtr(row.SelfDescription),
		CreatedAt:        row.CreatedAt,
		ArchivedAt:       nullIntPtr(row.ArchivedAt),
	}
}
