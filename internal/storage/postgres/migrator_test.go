package postgres

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestParseMigrations_OrdersByVersion(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0002_dlq.up.sql":    {Data: []byte("CREATE TABLE b (id INT);")},
		"sql/migrations/0002_dlq.down.sql":  {Data: []byte("DROP TABLE b;")},
		"sql/migrations/0001_core.up.sql":   {Data: []byte("CREATE TABLE a (id INT);")},
		"sql/migrations/0001_core.down.sql": {Data: []byte("DROP TABLE a;")},
	}

	migrations, err := parseMigrations(fsys)
	if err != nil {
		t.Fatalf("parseMigrations failed: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "core" {
		t.Fatalf("unexpected first migration: %+v", migrations[0])
	}
	if migrations[1].Version != 2 || migrations[1].Down != "DROP TABLE b;" {
		t.Fatalf("unexpected second migration: %+v", migrations[1])
	}
}

func TestParseMigrations_Errors(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		fsys fstest.MapFS
		want string
	}{
		"missing down": {
			fsys: fstest.MapFS{"sql/migrations/0001_core.up.sql": {Data: []byte("SELECT 1;")}},
			want: "both up and down",
		},
		"bad name": {
			fsys: fstest.MapFS{"sql/migrations/core.sql": {Data: []byte("SELECT 1;")}},
			want: "invalid migration file name",
		},
		"empty body": {
			fsys: fstest.MapFS{
				"sql/migrations/0001_core.up.sql":   {Data: []byte("  \n")},
				"sql/migrations/0001_core.down.sql": {Data: []byte("SELECT 1;")},
			},
			want: "empty",
		},
		"name conflict": {
			fsys: fstest.MapFS{
				"sql/migrations/0001_core.up.sql":    {Data: []byte("SELECT 1;")},
				"sql/migrations/0001_other.down.sql": {Data: []byte("SELECT 1;")},
			},
			want: "conflicting names",
		},
		"no files": {
			fsys: fstest.MapFS{},
			want: "no migration files",
		},
	}

	for name, tc := range cases {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := parseMigrations(tc.fsys)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestEmbeddedMigrationsAreValid(t *testing.T) {
	migrations, err := parseMigrations(embeddedMigrations)
	if err != nil {
		t.Fatalf("embedded migrations: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 embedded migrations, got %d", len(migrations))
	}
}

func TestMigrationState_Pending(t *testing.T) {
	if got := (MigrationState{Applied: 1, Available: 2}).Pending(); got != 1 {
		t.Fatalf("unexpected pending count: %d", got)
	}
	if got := (MigrationState{Applied: 3, Available: 2}).Pending(); got != 0 {
		t.Fatalf("pending must not be negative: %d", got)
	}
}
