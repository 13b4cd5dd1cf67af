package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCatalogMetadata(t *testing.T) {
	c := Catalog{
		JobID:      "job-1",
		Source:     "groveauth",
		SourceID:   "45eae4c7",
		BackupDate: "2024-12-15",
		NumTables:  3,
		NumRows:    120,
		SizeBytes:  4096,
		StartTime:  time.Date(2024, 12, 15, 3, 0, 0, 0, time.UTC),
		Duration:   1500 * time.Millisecond,
	}

	md := c.Metadata()
	assert.Equal(t, "job-1", md["job-id"])
	assert.Equal(t, "groveauth", md["source"])
	assert.Equal(t, "3", md["table-count"])
	assert.Equal(t, "120", md["row-count"])
	assert.Equal(t, "4096", md["size-bytes"])
	assert.Equal(t, "2024-12-15T03:00:00Z", md["started-at"])
	assert.Equal(t, "1500", md["export-duration-ms"])
}
