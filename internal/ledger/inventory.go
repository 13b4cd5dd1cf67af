package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const inventoryColumns = `artifact_key, source_name, backup_date, size_bytes, table_count,
	row_count, created_at, expires_at, deleted_at`

// RecordInventory upserts the entry for an artifact key. Each write is a new
// generation of the blob: the row is revived and takes the new expiry.
// Within one generation expires_at is never changed and deleted_at is set
// at most once.
func (l *Ledger) RecordInventory(ctx context.Context, e InventoryEntry) error {
	_, err := l.exec(ctx, `
		INSERT INTO backup_inventory (artifact_key, source_name, backup_date, size_bytes,
			table_count, row_count, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (artifact_key) DO UPDATE SET
			source_name = excluded.source_name,
			backup_date = excluded.backup_date,
			size_bytes = excluded.size_bytes,
			table_count = excluded.table_count,
			row_count = excluded.row_count,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at,
			deleted_at = NULL`,
		e.ArtifactKey, e.SourceName, e.BackupDate, e.SizeBytes,
		e.TableCount, e.RowCount, millis(e.CreatedAt), millis(e.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record inventory for %s: %w", e.ArtifactKey, err)
	}
	return nil
}

// MarkDeleted soft deletes a live entry.
func (l *Ledger) MarkDeleted(ctx context.Context, key string, at time.Time) error {
	_, err := l.exec(ctx, `
		UPDATE backup_inventory
		SET deleted_at = ?
		WHERE artifact_key = ? AND deleted_at IS NULL`,
		millis(at), key,
	)
	return err
}

func (f Filter) where() (string, []any) {
	clauses := []string{"deleted_at IS NULL"}
	var args []any
	if f.Source != "" {
		clauses = append(clauses, "source_name = ?")
		args = append(args, f.Source)
	}
	if f.Date != "" {
		clauses = append(clauses, "backup_date = ?")
		args = append(args, f.Date)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// ListInventory returns live entries, newest date first.
func (l *Ledger) ListInventory(ctx context.Context, f Filter) ([]InventoryEntry, error) {
	where, args := f.where()
	query := `SELECT ` + inventoryColumns + ` FROM backup_inventory` + where +
		` ORDER BY backup_date DESC, source_name ASC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := l.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInventory(rows)
}

// CountInventory counts live entries matching f, ignoring its pagination.
func (l *Ledger) CountInventory(ctx context.Context, f Filter) (int, error) {
	where, args := f.where()
	var n int
	err := l.queryRow(ctx, `SELECT COUNT(*) FROM backup_inventory`+where, args...).Scan(&n)
	return n, err
}

func (l *Ledger) StorageStats(ctx context.Context) (StorageStats, error) {
	var (
		s              StorageStats
		oldest, newest sql.NullString
	)
	err := l.queryRow(ctx, `
		SELECT COUNT(*), CAST(COALESCE(SUM(size_bytes), 0) AS BIGINT),
			MIN(backup_date), MAX(backup_date)
		FROM backup_inventory
		WHERE deleted_at IS NULL`).Scan(&s.TotalBackups, &s.TotalBytes, &oldest, &newest)
	if err != nil {
		return s, err
	}
	s.OldestDate = oldest.String
	s.NewestDate = newest.String
	return s, nil
}

// ExpiredEntries returns live entries whose expiry is strictly before now.
func (l *Ledger) ExpiredEntries(ctx context.Context, now time.Time) ([]InventoryEntry, error) {
	rows, err := l.query(ctx, `
		SELECT `+inventoryColumns+`
		FROM backup_inventory
		WHERE deleted_at IS NULL AND expires_at < ?
		ORDER BY expires_at ASC`, millis(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInventory(rows)
}

func scanInventory(rows *sql.Rows) ([]InventoryEntry, error) {
	var entries []InventoryEntry
	for rows.Next() {
		var (
			e                    InventoryEntry
			tables, rowCount     sql.NullInt64
			createdAt, expiresAt int64
			deletedAt            sql.NullInt64
		)
		if err := rows.Scan(
			&e.ArtifactKey, &e.SourceName, &e.BackupDate, &e.SizeBytes, &tables,
			&rowCount, &createdAt, &expiresAt, &deletedAt,
		); err != nil {
			return nil, err
		}
		e.TableCount = int(tables.Int64)
		e.RowCount = int(rowCount.Int64)
		e.CreatedAt = fromMillis(createdAt)
		e.ExpiresAt = fromMillis(expiresAt)
		e.DeletedAt = fromNullMillis(deletedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
