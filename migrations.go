package please

import (
	"embed"
	"io/fs"

	pleasesql "github.com/alecthomas/please/providers/sql"
)

//go:embed migrations
var migrations embed.FS

// Migrations returns the schema for the lease store, with a directory per supported dialect.
//
// The operation timeout is defined by these migrations. To change it, add a migration of your own that redefines
// please_timeout().
func Migrations() pleasesql.Migrations {
	sub, err := fs.Sub(migrations, "migrations")
	if err != nil {
		panic(err)
	}
	return pleasesql.Migrations{sub}
}
