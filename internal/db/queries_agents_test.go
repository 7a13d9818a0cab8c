package db

import (
	"testing"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/types"
)

func TestEnsureAgentCreatesHumanOnce(t *testing.T) {
	db := openIdentitiesDB(t)

	first, err := EnsureAgent(db, "@Alice")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := EnsureAgent(db, "alice")
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if first.AgentID != second.AgentID {
		t.Fatalf("expected same agent")
	}
	if first.Provider != types.ProviderHuman || first.Launchable() {
		t.Fatalf("expected non-launchable human: %+v", first)
	}
}

func TestRegisterAgent(t *testing.T) {
	db := openIdentitiesDB(t)
	model := "sonnet"
	constitution := "You review code."

	agent, err := RegisterAgent(db, AgentInput{Identity: "bob", Provider: types.ProviderClaude, Model: &model, Constitution: &constitution})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !agent.Launchable() || agent.ConstitutionHash == nil {
		t.Fatalf("expected launchable agent with constitution: %+v", agent)
	}

	stored, err := GetConstitution(db, *agent.ConstitutionHash)
	if err != nil || stored == nil || stored.Content != constitution {
		t.Fatalf("expected stored constitution, got %+v err=%v", stored, err)
	}

	if _, err := RegisterAgent(db, AgentInput{Identity: "carol", Provider: types.ProviderClaude, Constitution: &constitution}); !core.IsValidation(err) {
		t.Fatalf("expected missing model to fail validation, got %v", err)
	}

	if _, err := RegisterAgent(db, AgentInput{Identity: "dave", Provider: types.ProviderCodex, Model: &model, Constitution: &constitution}); err != nil {
		t.Fatalf("register dave: %v", err)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM mm_constitutions`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected constitution stored once, got %d", count)
	}
}

func TestRenameCloneArchiveAgent(t *testing.T) {
	db := openIdentitiesDB(t)
	model := "o3"
	agent, err := RegisterAgent(db, AgentInput{Identity: "builder", Provider: types.ProviderCodex, Model: &model})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	renamed, err := RenameAgent(db, agent.AgentID, "maker")
	if err != nil || renamed.Identity != "maker" {
		t.Fatalf("rename: %+v err=%v", renamed, err)
	}

	clone, err := CloneAgent(db, agent.AgentID, "maker-two")
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if clone.Provider != types.ProviderCodex || clone.Model == nil || *clone.Model != model {
		t.Fatalf("unexpected clone: %+v", clone)
	}
	if _, err := CloneAgent(db, agent.AgentID, "maker-two"); !core.IsValidation(err) {
		t.Fatalf("expected duplicate clone to fail, got %v", err)
	}

	if err := ArchiveAgent(db, clone.AgentID); err != nil {
		t.Fatalf("archive: %v", err)
	}
	archived, _ := GetAgent(db, clone.AgentID)
	if archived.Launchable() {
		t.Fatalf("archived agent must not be launchable")
	}
	active, err := ListAgents(db, false)
	if err != nil || len(active) != 1 {
		t.Fatalf("expected 1 active agent, got %d err=%v", len(active), err)
	}

	if _, err := ResolveAgent(db, "nobody"); !core.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}
