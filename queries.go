package please

import (
	"fmt"

	pleasesql "github.com/alecthomas/please/providers/sql"
)

type queries struct {
	insert  string
	refresh string
	list    string
	timeout string

	// Used when the dialect supports RETURNING.
	expireReturning string
	sweepReturning  string

	// Used otherwise, within the same transaction.
	selectByIDForUpdate    string
	selectExpiredForUpdate string
	deleteByID             string
}

// Reading the store-side timeout is dialect specific, everything else is portable.
var timeoutQueries = map[string]string{
	"postgres": `SELECT CAST(EXTRACT(EPOCH FROM please_timeout()) AS DOUBLE PRECISION)`,
	"mysql":    `SELECT please_timeout()`,
	"sqlite":   `SELECT seconds FROM please_timeout`,
}

func newQueries(driver pleasesql.Driver) queries {
	q := driver.Denormalise
	now := driver.CurrentTime()
	insert := `INSERT INTO please_ids (title) VALUES (?)`
	if driver.SupportsReturning() {
		insert += ` RETURNING id`
	}
	return queries{
		insert: q(insert),
		// Bumping refresh_count fires the store's trigger which advances expiry. Being an UPDATE it also takes the
		// row lock for the remainder of the transaction.
		refresh:                q(`UPDATE please_ids SET refresh_count = refresh_count + 1 WHERE id = ?`),
		list:                   q(`SELECT ` + recordColumns + ` FROM please_ids ORDER BY id`),
		timeout:                timeoutQueries[driver.Name()],
		expireReturning:        q(`DELETE FROM please_ids WHERE id = ? RETURNING ` + recordColumns),
		sweepReturning:         q(fmt.Sprintf(`DELETE FROM please_ids WHERE expiry < %s RETURNING %s`, now, recordColumns)),
		selectByIDForUpdate:    q(`SELECT ` + recordColumns + ` FROM please_ids WHERE id = ? FOR UPDATE`),
		selectExpiredForUpdate: q(fmt.Sprintf(`SELECT %s FROM please_ids WHERE expiry < %s ORDER BY id FOR UPDATE`, recordColumns, now)),
		deleteByID:             q(`DELETE FROM please_ids WHERE id = ?`),
	}
}
