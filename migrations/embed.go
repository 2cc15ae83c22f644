// Package migrations embeds the places schema into the binary.
//
// Importing this package (usually with a blank import) registers the
// migrations with the database package; a broker runs them on its first
// read-write connection.
package migrations

import (
	"embed"

	"github.com/nerrad567/places-core/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.MigrationsFS = files
}
