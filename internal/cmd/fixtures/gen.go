package fixtures

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
)

const schema = `
CREATE TABLE IF NOT EXISTS property_sales (
	serial_number    INTEGER PRIMARY KEY,
	list_year        INTEGER NOT NULL,
	date_recorded    TEXT NOT NULL,
	town             TEXT NOT NULL,
	address          TEXT,
	assessed_value   REAL,
	sale_amount      REAL,
	sales_ratio      REAL,
	property_type    TEXT,
	residential_type TEXT,
	remarks          TEXT,
	deed             BLOB
);
CREATE INDEX IF NOT EXISTS idx_property_sales_town ON property_sales (town);
CREATE VIEW IF NOT EXISTS v_sales_by_town AS
	SELECT town, COUNT(*) AS sales, SUM(sale_amount) AS total FROM property_sales GROUP BY town;
`

const batchSize = 1000

func newGenerateCommand() *cobra.Command {
	var records int
	var path string

	var cmd = &cobra.Command{
		Use:   "generate",
		Short: "Generates a SQLite database filled with sample rows",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := sql.Open("sqlite3", path)
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := generate(cmd.Context(), db, records)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Inserted %d records into %s\n", n, path)
			return nil
		},
	}

	cmd.Flags().IntVarP(&records, "records", "r", 10, "Number of records to generate")
	cmd.Flags().StringVarP(&path, "path", "p", "fixture.db", "Database file to create or extend")
	return cmd
}

func generate(ctx context.Context, db *sql.DB, records int) (int, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return 0, err
	}

	var start int
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(serial_number), 0) FROM property_sales`).Scan(&start); err != nil {
		return 0, err
	}

	towns := []string{"Ashford", "Bristol", "Canton", "Darien", "Essex"}
	today := time.Now().Format("2006-01-02")

	inserted := 0
	for inserted < records {
		n := min(batchSize, records-inserted)
		if err := insertBatch(ctx, db, func(stmt *sql.Stmt) error {
			for i := 0; i < n; i++ {
				id := start + inserted + i + 1
				var remarks any
				if id%3 != 0 {
					remarks = fmt.Sprintf("%d O'Brien remarks", id)
				}
				_, err := stmt.ExecContext(ctx,
					id,
					2000+rand.Intn(24),
					today,
					towns[rand.Intn(len(towns))],
					fmt.Sprintf("%d Main St", id),
					rand.Float64()*1000000,
					rand.Float64()*1000000,
					rand.Float64(),
					"Residential",
					"Single Family",
					remarks,
					[]byte{byte(id), 0x00, 0xff},
				)
				if err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return inserted, err
		}
		inserted += n
	}
	return inserted, nil
}

func insertBatch(ctx context.Context, db *sql.DB, fn func(*sql.Stmt) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO property_sales (
		serial_number, list_year, date_recorded, town, address, assessed_value,
		sale_amount, sales_ratio, property_type, residential_type, remarks, deed
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	if err := fn(stmt); err != nil {
		return err
	}
	return tx.Commit()
}
