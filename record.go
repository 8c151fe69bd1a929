package please

import (
	"fmt"
	"time"

	"github.com/alecthomas/please/internal"
)

// Record is a row of the please_ids table.
type Record struct {
	ID       int64     `json:"id"`
	Creation time.Time `json:"creation"`
	// Expiry is computed by the store, never by the client.
	Expiry       time.Time `json:"expiry"`
	Title        string    `json:"title"`
	RefreshCount int       `json:"refreshCount"`
}

func (r Record) String() string {
	return fmt.Sprintf("lease %d %q (created %s, expiry %s, refreshed %d times)",
		r.ID, r.Title, r.Creation.Format(time.RFC3339), r.Expiry.Format(time.RFC3339), r.RefreshCount)
}

// ExpiredRecord is a snapshot of a [Record] at the moment it was removed from the store, either by
// [Store.PerformCleanup] or [Handle.Expire].
//
// It is only useful for logging and debugging.
type ExpiredRecord struct {
	Record
}

type scanner interface {
	Scan(dest ...any) error
}

const recordColumns = `id, creation, expiry, title, refresh_count`

func scanRecord(row scanner) (Record, error) {
	var (
		record   Record
		creation internal.Timestamp
		expiry   internal.Timestamp
	)
	if err := row.Scan(&record.ID, &creation, &expiry, &record.Title, &record.RefreshCount); err != nil {
		return Record{}, err
	}
	record.Creation = creation.Time()
	record.Expiry = expiry.Time()
	return record, nil
}
