package sqlite

import (
	"context"
	"reflect"
	"testing"
	"testing/fstest"
)

func ledgerRows(t *testing.T, store *Store) map[int]string {
	t.Helper()
	rows, err := store.UnderlyingDB().Query(`SELECT version, filename FROM schema_migrations ORDER BY version`)
	if err != nil {
		t.Fatalf("failed to read ledger: %v", err)
	}
	defer rows.Close()

	ledger := make(map[int]string)
	for rows.Next() {
		var version int
		var filename string
		if err := rows.Scan(&version, &filename); err != nil {
			t.Fatalf("scan ledger: %v", err)
		}
		ledger[version] = filename
	}
	return ledger
}

func TestMigrateAppliesEmbeddedSchema(t *testing.T) {
	env := newTestEnv(t)

	ledger := ledgerRows(t, env.Store)
	want := map[int]string{1: "001_init.sql", 2: "002_task_indexes.sql"}
	if !reflect.DeepEqual(ledger, want) {
		t.Errorf("ledger = %v, want %v", ledger, want)
	}

	// Schema is usable immediately.
	env.Create("t1")
	env.AssertStatus("t1", "QUEUED")
}

func TestMigrateIdempotent(t *testing.T) {
	env := newTestEnv(t)

	before := ledgerRows(t, env.Store)
	ran, err := env.Store.Migrate(env.Ctx)
	if err != nil {
		t.Fatalf("re-migrate failed: %v", err)
	}
	if len(ran) != 0 {
		t.Errorf("re-migrate ran %v, want nothing", ran)
	}
	if after := ledgerRows(t, env.Store); !reflect.DeepEqual(before, after) {
		t.Errorf("ledger changed on re-apply: %v -> %v", before, after)
	}
}

func TestMigrateFSOrderingAndFiltering(t *testing.T) {
	store := newTestStore(t, "")

	fsys := fstest.MapFS{
		"010_second.sql": {Data: []byte(`CREATE TABLE second (id INTEGER PRIMARY KEY)`)},
		"003_first.sql":  {Data: []byte(`CREATE TABLE first (id INTEGER PRIMARY KEY)`)},
		"README.md":      {Data: []byte(`not a migration`)},
		"notes.sql":      {Data: []byte(`BROKEN SQL THAT MUST NEVER RUN`)},
	}

	ran, err := store.MigrateFS(context.Background(), fsys)
	if err != nil {
		t.Fatalf("MigrateFS failed: %v", err)
	}
	if !reflect.DeepEqual(ran, []string{"003_first.sql", "010_second.sql"}) {
		t.Errorf("ran = %v, want numeric order with non-matching files ignored", ran)
	}

	ledger := ledgerRows(t, store)
	if ledger[3] != "003_first.sql" || ledger[10] != "010_second.sql" {
		t.Errorf("ledger = %v", ledger)
	}
}

func TestMigrateFSAppliesOnlyPending(t *testing.T) {
	store := newTestStore(t, "")

	extended := fstest.MapFS{
		"003_first.sql":  {Data: []byte(`CREATE TABLE first (id INTEGER PRIMARY KEY)`)},
		"004_second.sql": {Data: []byte(`CREATE TABLE second (id INTEGER PRIMARY KEY)`)},
	}

	ran, err := store.MigrateFS(context.Background(), fstest.MapFS{
		"003_first.sql": extended["003_first.sql"],
	})
	if err != nil {
		t.Fatalf("first MigrateFS failed: %v", err)
	}
	if !reflect.DeepEqual(ran, []string{"003_first.sql"}) {
		t.Errorf("ran = %v", ran)
	}

	ran, err = store.MigrateFS(context.Background(), extended)
	if err != nil {
		t.Fatalf("second MigrateFS failed: %v", err)
	}
	if !reflect.DeepEqual(ran, []string{"004_second.sql"}) {
		t.Errorf("ran = %v, want only the new file", ran)
	}
}

func TestMigrateFSFailureRollsBack(t *testing.T) {
	store := newTestStore(t, "")

	_, err := store.MigrateFS(context.Background(), fstest.MapFS{
		"003_bad.sql": {Data: []byte(`CREATE TABLE ok (id INTEGER PRIMARY KEY); THIS IS NOT SQL;`)},
	})
	if err == nil {
		t.Fatal("expected migration failure")
	}

	// Neither the ledger row nor the partial schema survives.
	if ledger := ledgerRows(t, store); len(ledger) != 2 {
		t.Errorf("ledger = %v, want only the embedded baseline", ledger)
	}
	var name string
	err = store.UnderlyingDB().QueryRow(
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name = 'ok'`).Scan(&name)
	if err == nil {
		t.Error("partial migration leaked table 'ok'")
	}
}
