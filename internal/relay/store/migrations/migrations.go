package migrations

import (
	"embed"
	"io/fs"

	migrate "github.com/rubenv/sql-migrate"
)

//go:embed *.sql
var files embed.FS

// Source returns the embedded schema migrations.
func Source() migrate.MigrationSource {
	return &migrate.EmbedFileSystemMigrationSource{
		FileSystem: files,
		Root:       ".",
	}
}

// Files exposes the raw migration files.
func Files() fs.FS {
	return files
}
