package db

import (
	"errors"
	"testing"

	"github.com/adamavenir/murmur/internal/core"
	"github.com/adamavenir/murmur/internal/types"
	"github.com/google/uuid"
)

func newTestSpawn(agentID string, channelID, parentID *string) types.Spawn {
	return types.Spawn{
		ID:            uuid.NewString(),
		AgentID:       agentID,
		ChannelID:     channelID,
		ParentSpawnID: parentID,
		Status:        types.SpawnPending,
		Marker:        "mmtest",
		CreatedAt:     core.NowMillis(),
	}
}

func TestLiveSpawnUniquePerAgentChannel(t *testing.T) {
	db := openSpawnsDB(t)
	channel := strPtr("ch-general")

	first := newTestSpawn("agt-b", channel, nil)
	if err := InsertSpawn(db, first); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := InsertSpawn(db, newTestSpawn("agt-b", channel, nil)); !errors.Is(err, ErrLiveSpawnExists) {
		t.Fatalf("expected ErrLiveSpawnExists, got %v", err)
	}
	if err := InsertSpawn(db, newTestSpawn("agt-b", strPtr("ch-other"), nil)); err != nil {
		t.Fatalf("other channel should be allowed: %v", err)
	}

	if err := UpdateSpawnStatus(db, first.ID, types.SpawnPending, types.SpawnFailed); err != nil {
		t.Fatalf("fail spawn: %v", err)
	}
	if err := InsertSpawn(db, newTestSpawn("agt-b", channel, nil)); err != nil {
		t.Fatalf("expected insert after terminal: %v", err)
	}
}

func TestUpdateSpawnStatusCompareAndSet(t *testing.T) {
	db := openSpawnsDB(t)
	spawn := newTestSpawn("agt-b", nil, nil)
	if err := InsertSpawn(db, spawn); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if err := UpdateSpawnStatus(db, spawn.ID, types.SpawnRunning, types.SpawnActive); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := UpdateSpawnStatus(db, spawn.ID, types.SpawnPending, types.SpawnKilled); err != nil {
		t.Fatalf("kill: %v", err)
	}
	got, err := GetSpawn(db, spawn.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.SpawnKilled || got.EndedAt == nil {
		t.Fatalf("expected killed with ended_at: %+v", got)
	}
}

func TestSpawnDepth(t *testing.T) {
	db := openSpawnsDB(t)

	root := newTestSpawn("agt-a", nil, nil)
	if err := InsertSpawn(db, root); err != nil {
		t.Fatalf("insert root: %v", err)
	}
	parent := root.ID
	for i := 1; i <= 3; i++ {
		child := newTestSpawn("agt-a", nil, &parent)
		if err := InsertSpawn(db, child); err != nil {
			t.Fatalf("insert child %d: %v", i, err)
		}
		depth, err := SpawnDepth(db, child.ID)
		if err != nil {
			t.Fatalf("depth: %v", err)
		}
		if depth != i {
			t.Fatalf("expected depth %d, got %d", i, depth)
		}
		parent = child.ID
	}

	if _, err := SpawnDepth(db, "missing"); !core.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	missingParent := "no-such-parent"
	if err := InsertSpawn(db, newTestSpawn("agt-a", nil, &missingParent)); !core.IsNotFound(err) {
		t.Fatalf("expected not found for missing parent, got %v", err)
	}
}

func TestResolveSpawnPrefix(t *testing.T) {
	db := openSpawnsDB(t)
	spawn := newTestSpawn("agt-a", nil, nil)
	if err := InsertSpawn(db, spawn); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := ResolveSpawn(db, spawn.ID[:8])
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != spawn.ID {
		t.Fatalf("resolved wrong spawn")
	}
	if _, err := ResolveSpawn(db, "zzzzzzzz"); !core.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	for _, pattern := range []string{"%", "_", spawn.ID[:4] + "%"} {
		if _, err := ResolveSpawn(db, pattern); !core.IsNotFound(err) {
			t.Fatalf("expected %q to match literally, got %v", pattern, err)
		}
	}
}

func TestCompactionLinksDoNotAddDepth(t *testing.T) {
	db := openSpawnsDB(t)
	root := newTestSpawn("agt-a", nil, nil)
	if err := InsertSpawn(db, root); err != nil {
		t.Fatalf("insert root: %v", err)
	}
	child := newTestSpawn("agt-b", nil, &root.ID)
	if err := InsertSpawn(db, child); err != nil {
		t.Fatalf("insert child: %v", err)
	}

	previous := child.ID
	for i := 0; i < 3; i++ {
		next := newTestSpawn("agt-b", nil, &previous)
		next.CompactedFrom = &previous
		if err := InsertSpawn(db, next); err != nil {
			t.Fatalf("insert successor %d: %v", i, err)
		}
		previous = next.ID
	}

	got, err := GetSpawn(db, previous)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CompactedFrom == nil || got.ParentSpawnID == nil || *got.CompactedFrom != *got.ParentSpawnID {
		t.Fatalf("expected successor linked to its predecessor, got %+v", got)
	}
	if depth, err := SpawnDepth(db, previous); err != nil || depth != 1 {
		t.Fatalf("expected compacted successor at depth 1, got %d (%v)", depth, err)
	}

	grandchild := newTestSpawn("agt-c", nil, &previous)
	if err := InsertSpawn(db, grandchild); err != nil {
		t.Fatalf("insert grandchild: %v", err)
	}
	if depth, err := SpawnDepth(db, grandchild.ID); err != nil || depth != 2 {
		t.Fatalf("expected grandchild at depth 2, got %d (%v)", depth, err)
	}
}

func TestSpawnTurnsQueue(t *testing.T) {
	db := openSpawnsDB(t)
	spawn := newTestSpawn("agt-a", nil, nil)
	if err := InsertSpawn(db, spawn); err != nil {
		t.Fatalf("insert: %v", err)
	}

	for _, content := range []string{"first", "second"} {
		if _, err := EnqueueTurn(db, spawn.ID, content); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	turn, err := NextTurn(db, spawn.ID)
	if err != nil || turn == nil || turn.Content != "first" {
		t.Fatalf("expected first turn, got %+v err=%v", turn, err)
	}
	if claimed, err := ConsumeTurn(db, turn.ID); err != nil || !claimed {
		t.Fatalf("consume: claimed=%v err=%v", claimed, err)
	}
	if claimed, _ := ConsumeTurn(db, turn.ID); claimed {
		t.Fatalf("expected second consume to lose the claim")
	}
	n, err := CountPendingTurns(db, spawn.ID)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 pending, got %d err=%v", n, err)
	}

	if _, err := EnqueueTurn(db, "missing", "x"); !core.IsNotFound(err) {
		t.Fatalf("expected not found for missing spawn, got %v", err)
	}
}

func TestLinkSessionIsIdempotent(t *testing.T) {
	db := openSpawnsDB(t)
	spawn := newTestSpawn("agt-a", nil, nil)
	if err := InsertSpawn(db, spawn); err != nil {
		t.Fatalf("insert: %v", err)
	}

	link := types.SessionLink{SpawnID: spawn.ID, SessionID: "sess-1", Path: strPtr("/tmp/s.jsonl"), Strategy: types.StrategyMarker}
	if err := LinkSession(db, link); err != nil {
		t.Fatalf("link: %v", err)
	}
	first, err := GetSessionLink(db, spawn.ID)
	if err != nil {
		t.Fatalf("get link: %v", err)
	}
	link.LinkedAt = first.LinkedAt + 1000
	if err := LinkSession(db, link); err != nil {
		t.Fatalf("relink: %v", err)
	}
	second, _ := GetSessionLink(db, spawn.ID)
	if second.LinkedAt != first.LinkedAt {
		t.Fatalf("expected relink with same session to keep linked_at")
	}

	got, _ := GetSpawn(db, spawn.ID)
	if got.SessionID == nil || *got.SessionID != "sess-1" {
		t.Fatalf("expected spawn session id mirrored")
	}

	if err := LinkSession(db, types.SessionLink{SpawnID: "missing", SessionID: "s", Strategy: types.StrategyNewest}); !core.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMarkSpawnIndexedOnce(t *testing.T) {
	db := openSpawnsDB(t)
	spawn := newTestSpawn("agt-a", nil, nil)
	if err := InsertSpawn(db, spawn); err != nil {
		t.Fatalf("insert: %v", err)
	}
	first, err := MarkSpawnIndexed(db, spawn.ID)
	if err != nil || !first {
		t.Fatalf("expected first mark to win: %v", err)
	}
	second, err := MarkSpawnIndexed(db, spawn.ID)
	if err != nil || second {
		t.Fatalf("expected second mark to be a no-op: %v", err)
	}
}

func TestSpawnEventsAndOutput(t *testing.T) {
	db := openSpawnsDB(t)
	spawn := newTestSpawn("agt-a", nil, nil)
	if err := InsertSpawn(db, spawn); err != nil {
		t.Fatalf("insert: %v", err)
	}

	events := []types.SessionEvent{{Type: "user", Timestamp: 1, Content: "hi"}, {Type: "assistant", Timestamp: 2, Content: "hello"}}
	if err := ReplaceSpawnEvents(db, spawn.ID, events); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := ReplaceSpawnEvents(db, spawn.ID, events[:1]); err != nil {
		t.Fatalf("replace again: %v", err)
	}
	got, err := GetSpawnEvents(db, spawn.ID)
	if err != nil || len(got) != 1 {
		t.Fatalf("expected 1 event after replace, got %d err=%v", len(got), err)
	}

	code := 0
	if err := SaveSpawnOutput(db, spawn.ID, "out1\n", "", &code, nil); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := SaveSpawnOutput(db, spawn.ID, "out2\n", "warn\n", &code, nil); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, err := GetSpawnOutput(db, spawn.ID)
	if err != nil {
		t.Fatalf("get output: %v", err)
	}
	if out.Stdout != "out1\nout2\n" || out.Stderr != "warn\n" {
		t.Fatalf("unexpected output: %+v", out)
	}
}
