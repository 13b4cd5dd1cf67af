package catalog

import (
	"strconv"
	"time"
)

/*
The catalog is a record of what went into one artifact.
It travels with the blob as object metadata so a dump can be audited
without the ledger.
*/

// Catalog describes a single exported artifact.
type Catalog struct {
	JobID      string        `json:"job_id"`
	Source     string        `json:"source"`
	SourceID   string        `json:"source_id"`
	BackupDate string        `json:"backup_date"`
	NumTables  int           `json:"num_tables"`
	NumRows    int           `json:"num_rows"`
	SizeBytes  int64         `json:"size_bytes"`
	StartTime  time.Time     `json:"start_time"`
	Duration   time.Duration `json:"duration"`
}

// Metadata flattens the catalog into string pairs accepted by blob stores.
func (c Catalog) Metadata() map[string]string {
	return map[string]string{
		"job-id":             c.JobID,
		"source":             c.Source,
		"source-id":          c.SourceID,
		"backup-date":        c.BackupDate,
		"table-count":        strconv.Itoa(c.NumTables),
		"row-count":          strconv.Itoa(c.NumRows),
		"size-bytes":         strconv.FormatInt(c.SizeBytes, 10),
		"started-at":         c.StartTime.UTC().Format(time.RFC3339),
		"export-duration-ms": strconv.FormatInt(c.Duration.Milliseconds(), 10),
	}
}
