package db

import (
	"database/sql"
	"path/filepath"
	"testing"
)

func TestSchemaInitIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spawns.db")
	for i := 0; i < 2; i++ {
		db, err := OpenStore(path, InitSpawnSchema)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		_ = db.Close()
	}
}

func TestSpawnSchemaMigratesOlderStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spawns.db")
	legacy, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open legacy: %v", err)
	}
	if _, err := legacy.Exec(`
		CREATE TABLE mm_spawns (
		  id TEXT PRIMARY KEY,
		  agent_id TEXT NOT NULL,
		  channel_id TEXT,
		  parent_spawn_id TEXT,
		  session_id TEXT,
		  constitution_hash TEXT,
		  status TEXT NOT NULL,
		  pid INTEGER,
		  marker TEXT NOT NULL,
		  created_at INTEGER NOT NULL,
		  updated_at INTEGER NOT NULL,
		  ended_at INTEGER
		);
		INSERT INTO mm_spawns (id, agent_id, status, marker, created_at, updated_at)
		VALUES ('legacy', 'agt-a', 'completed', 'mm0', 1, 1);
	`); err != nil {
		t.Fatalf("seed legacy: %v", err)
	}
	_ = legacy.Close()

	db, err := OpenStore(path, InitSpawnSchema)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	defer db.Close()

	columns, err := getTableInfo(db, "mm_spawns")
	if err != nil {
		t.Fatalf("table info: %v", err)
	}
	for _, name := range []string{"resume_from", "work_dir", "indexed_at", "compacted_from"} {
		if !hasColumn(columns, name) {
			t.Fatalf("expected column %s after migration", name)
		}
	}

	spawn, err := GetSpawn(db, "legacy")
	if err != nil || spawn == nil {
		t.Fatalf("expected legacy row readable: %v", err)
	}
	if spawn.IndexedAt != nil {
		t.Fatalf("expected nullable new column")
	}
}

func TestSchemaExists(t *testing.T) {
	db := openChannelsDB(t)
	ok, err := SchemaExists(db, "mm_channels")
	if err != nil || !ok {
		t.Fatalf("expected mm_channels: %v", err)
	}
	ok, err = SchemaExists(db, "mm_spawns")
	if err != nil || ok {
		t.Fatalf("expected no mm_spawns in channels store")
	}
}
