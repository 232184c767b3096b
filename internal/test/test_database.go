package test

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"io/fs"
	"os"
	"sort"
	"sync"
	"testing"

	"github.com/allaboutapps/integresql-client-go"
	migrate "github.com/rubenv/sql-migrate"
	"github/chapool/go-relay/internal/relay/store/migrations"
)

var (
	client     *integresql.Client
	clientOnce sync.Once
	clientErr  error

	templateHash string
	hashOnce     sync.Once
	hashErr      error
)

// WithTestDatabase hands closure a fresh, fully migrated postgres database from
// integresql. The test is skipped when no integresql server is configured.
func WithTestDatabase(t *testing.T, closure func(db *sql.DB)) {
	t.Helper()

	if os.Getenv("INTEGRESQL_CLIENT_BASE_URL") == "" {
		t.Skip("INTEGRESQL_CLIENT_BASE_URL not set, skipping database test")
	}

	ctx := context.Background()

	clientOnce.Do(func() {
		client, clientErr = integresql.DefaultClientFromEnv()
	})
	if clientErr != nil {
		t.Fatalf("Failed to create new integresql-client: %v", clientErr)
	}

	hash, err := migrationsHash()
	if err != nil {
		t.Fatalf("Failed to hash migrations: %v", err)
	}

	if err := client.SetupTemplateWithDBClient(ctx, hash, func(db *sql.DB) error {
		_, err := migrate.Exec(db, "postgres", migrations.Source(), migrate.Up)
		return err
	}); err != nil {
		t.Fatalf("Failed to setup template database for hash %q: %v", hash, err)
	}

	testDatabase, err := client.GetTestDatabase(ctx, hash)
	if err != nil {
		t.Fatalf("Failed to obtain test database: %v", err)
	}

	db, err := sql.Open("postgres", testDatabase.Config.ConnectionString())
	if err != nil {
		t.Fatalf("Failed to setup test database for connectionString %q: %v", testDatabase.Config.ConnectionString(), err)
	}

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("Failed to ping test database for connectionString %q: %v", testDatabase.Config.ConnectionString(), err)
	}

	t.Logf("WithTestDatabase: %q", testDatabase.Config.Database)

	closure(db)

	// this database object is managed and should close automatically after running the test
	if err := db.Close(); err != nil {
		t.Fatalf("Failed to close db %q: %v", testDatabase.Config.ConnectionString(), err)
	}
}

// migrationsHash identifies the schema, a new migration yields a new template.
func migrationsHash() (string, error) {
	hashOnce.Do(func() {
		files, ok := migrations.Files().(fs.ReadDirFS)
		if !ok {
			hashErr = fs.ErrInvalid
			return
		}

		entries, err := files.ReadDir(".")
		if err != nil {
			hashErr = err
			return
		}

		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		sort.Strings(names)

		h := sha256.New()
		for _, name := range names {
			b, err := fs.ReadFile(files, name)
			if err != nil {
				hashErr = err
				return
			}
			h.Write([]byte(name))
			h.Write(b)
		}

		templateHash = hex.EncodeToString(h.Sum(nil))
	})

	return templateHash, hashErr
}
