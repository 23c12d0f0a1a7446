// Package dao implements the analytical query engine: table lifecycle,
// batched transactional inserts, and the average/count/grouped-count
// aggregations over a DuckDB-backed store.
package dao

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/marcboeker/go-duckdb"

	"github.com/ballcone/ballcone/src/internal/schema"
)

// DAO is a thin, stateless-besides-the-connection wrapper around a DuckDB
// database handle. All methods are safe for concurrent use; DuckDB itself
// serializes writers.
type DAO struct {
	db      *sql.DB
	builder sq.StatementBuilderType
}

// Open opens (creating if needed) the DuckDB database at path. Use
// ":memory:" for an ephemeral in-process database, matching the source's
// CLI convention.
func Open(path string) (*DAO, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("dao: opening duckdb at %q: %w", path, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dao: pinging duckdb at %q: %w", path, err)
	}

	// DuckDB's Go driver is not safe for concurrent writers on the same
	// connection; serialize through a single connection and let the
	// persister's at-most-one-flush-in-flight contract do the rest.
	db.SetMaxOpenConns(1)

	return &DAO{db: db, builder: sq.StatementBuilder.PlaceholderFormat(sq.Question)}, nil
}

// Close closes the underlying database handle.
func (d *DAO) Close() error {
	return d.db.Close()
}

// quoteIdent double-quotes a SQL identifier, escaping embedded quotes.
// Table and column names that flow from a service name or a field name
// must always go through this before being concatenated into SQL text.
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// Tables returns the ordered list of existing service table names.
func (d *DAO) Tables(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'main' ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("dao: listing tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("dao: scanning table name: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// TableExists reports whether a service table has been created.
func (d *DAO) TableExists(ctx context.Context, table string) (bool, error) {
	var count int
	err := d.db.QueryRowContext(ctx, `
		SELECT count(*) FROM information_schema.tables
		WHERE table_schema = 'main' AND table_name = ?`, table).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("dao: checking table %q: %w", table, err)
	}
	return count > 0, nil
}

// CreateTable creates the service table if it does not already exist.
// Schema matches schema.Fields verbatim; column order and types never
// drift between services.
func (d *DAO) CreateTable(ctx context.Context, table string) error {
	cols := make([]string, len(schema.Fields))
	for i, f := range schema.Fields {
		cols[i] = quoteIdent(f.Name) + " " + f.SQLType()
	}

	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(table), strings.Join(cols, ", "))

	if _, err := d.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("dao: creating table %q: %w", table, err)
	}
	return nil
}

// InsertBatch writes records to table inside one transaction, committing
// on success and rolling back entirely on any error. It returns the
// number of rows written.
func (d *DAO) InsertBatch(ctx context.Context, table string, records []schema.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("dao: beginning transaction for %q: %w", table, err)
	}

	insertSQL := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(table),
		quotedIdentList(schema.FieldNames()),
		placeholders(len(schema.Fields)))

	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("dao: preparing insert for %q: %w", table, err)
	}
	defer stmt.Close()

	for _, record := range records {
		if _, err := stmt.ExecContext(ctx, record.Values()...); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("dao: inserting into %q: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("dao: committing insert into %q: %w", table, err)
	}

	return len(records), nil
}

func quotedIdentList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

func placeholders(n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = "?"
	}
	return strings.Join(ps, ", ")
}

// Average is one day's aggregation of a numeric field.
type Average struct {
	Date  time.Time
	Avg   float64
	Sum   float64
	Count int64
}

// SelectAverage returns the per-day average/sum/count of field over
// table, ascending by date, restricted to the optional [start, stop]
// date range (both bounds inclusive).
func (d *DAO) SelectAverage(ctx context.Context, table, field string, start, stop *time.Time) ([]Average, error) {
	dateCol := quoteIdent(table) + "." + quoteIdent("date")
	fieldCol := quoteIdent(table) + "." + quoteIdent(field)

	qb := d.builder.
		Select(dateCol, fmt.Sprintf("avg(%s)", fieldCol), fmt.Sprintf("sum(%s)", fieldCol), fmt.Sprintf("count(%s)", fieldCol)).
		From(quoteIdent(table)).
		GroupBy(dateCol).
		OrderBy(dateCol)

	qb = applyDateRange(qb, dateCol, start, stop)

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("dao: building average query for %q.%q: %w", table, field, err)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dao: running average query for %q.%q: %w", table, field, err)
	}
	defer rows.Close()

	var results []Average
	for rows.Next() {
		var a Average
		var sum sql.NullFloat64
		var count sql.NullInt64
		if err := rows.Scan(&a.Date, &a.Avg, &sum, &count); err != nil {
			return nil, fmt.Errorf("dao: scanning average row: %w", err)
		}
		a.Sum = sum.Float64
		a.Count = count.Int64
		results = append(results, a)
	}
	return results, rows.Err()
}

// Count is one day's row count, optionally broken down by a group value.
type Count struct {
	Date  time.Time
	Group sql.NullString
	Count int64
}

// SelectCount returns the per-day row count of table, ascending by date.
// When field is non-nil, it counts distinct non-null values of that
// field per day instead of all rows.
func (d *DAO) SelectCount(ctx context.Context, table string, field *string, start, stop *time.Time) ([]Count, error) {
	dateCol := quoteIdent(table) + "." + quoteIdent("date")

	countExpr := fmt.Sprintf("count(%s)", dateCol)
	if field != nil {
		countExpr = fmt.Sprintf("count(DISTINCT %s)", quoteIdent(table)+"."+quoteIdent(*field))
	}

	qb := d.builder.
		Select(dateCol, countExpr+" AS cnt").
		From(quoteIdent(table)).
		GroupBy(dateCol).
		OrderBy(dateCol)

	qb = applyDateRange(qb, dateCol, start, stop)

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("dao: building count query for %q: %w", table, err)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dao: running count query for %q: %w", table, err)
	}
	defer rows.Close()

	var results []Count
	for rows.Next() {
		var c Count
		if err := rows.Scan(&c.Date, &c.Count); err != nil {
			return nil, fmt.Errorf("dao: scanning count row: %w", err)
		}
		results = append(results, c)
	}
	return results, rows.Err()
}

// SelectCountGroup returns, for each date independently, row counts
// grouped by the group column. When limit is non-nil, only the top
// `limit` groups per date survive, selected via a windowed row_number
// and re-sorted (date ASC, count ASC|DESC per ascending, group ASC).
func (d *DAO) SelectCountGroup(ctx context.Context, table string, field *string, group string, distinct bool,
	start, stop *time.Time, ascending bool, limit *int) ([]Count, error) {

	dateCol := quoteIdent(table) + "." + quoteIdent("date")
	groupCol := quoteIdent(table) + "." + quoteIdent(group)

	countExpr := fmt.Sprintf("count(%s)", dateCol)
	if field != nil {
		col := quoteIdent(table) + "." + quoteIdent(*field)
		if distinct {
			countExpr = fmt.Sprintf("count(DISTINCT %s)", col)
		} else {
			countExpr = fmt.Sprintf("count(%s)", col)
		}
	}

	order := "ASC"
	if !ascending {
		order = "DESC"
	}

	inner := d.builder.
		Select(dateCol+" AS date", groupCol+" AS grp", countExpr+" AS cnt").
		From(quoteIdent(table)).
		GroupBy(dateCol, groupCol)

	inner = applyDateRange(inner, dateCol, start, stop)

	innerSQL, args, err := inner.ToSql()
	if err != nil {
		return nil, fmt.Errorf("dao: building count-group inner query for %q: %w", table, err)
	}

	var query string
	if limit != nil {
		query = fmt.Sprintf(`
			SELECT date, grp, cnt FROM (
				SELECT date, grp, cnt,
				       row_number() OVER (PARTITION BY date ORDER BY cnt %s, grp ASC) AS rn
				FROM (%s) windowed
			) ranked WHERE rn <= ?`, order, innerSQL)
		args = append(args, *limit)
	} else {
		query = fmt.Sprintf("SELECT date, grp, cnt FROM (%s) unranked", innerSQL)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dao: running count-group query for %q: %w", table, err)
	}
	defer rows.Close()

	var results []Count
	for rows.Next() {
		var c Count
		var grp sql.NullString
		if err := rows.Scan(&c.Date, &grp, &c.Count); err != nil {
			return nil, fmt.Errorf("dao: scanning count-group row: %w", err)
		}
		c.Group = grp
		results = append(results, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		if !results[i].Date.Equal(results[j].Date) {
			return results[i].Date.Before(results[j].Date)
		}
		if results[i].Count != results[j].Count {
			if ascending {
				return results[i].Count < results[j].Count
			}
			return results[i].Count > results[j].Count
		}
		return results[i].Group.String < results[j].Group.String
	})

	return results, nil
}

// Run executes a raw SQL statement (the SQL console / debug TCP escape
// hatch) and returns its column names and rows as generic values.
func (d *DAO) Run(ctx context.Context, sql string) (columns []string, result [][]any, err error) {
	rows, err := d.db.QueryContext(ctx, sql)
	if err != nil {
		return nil, nil, fmt.Errorf("dao: running sql: %w", err)
	}
	defer rows.Close()

	columns, err = rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("dao: reading columns: %w", err)
	}

	for rows.Next() {
		values := make([]any, len(columns))
		dest := make([]any, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, nil, fmt.Errorf("dao: scanning row: %w", err)
		}
		result = append(result, values)
	}
	return columns, result, rows.Err()
}

// applyDateRange restricts qb to rows whose dateCol falls in [start, stop]
// (both bounds inclusive); start == stop collapses to an equality
// predicate. A missing bound leaves that side open.
func applyDateRange(qb sq.SelectBuilder, dateCol string, start, stop *time.Time) sq.SelectBuilder {
	switch {
	case start != nil && stop != nil && start.Equal(*stop):
		return qb.Where(sq.Eq{dateCol: schema.DateOnly(*start)})
	case start != nil && stop != nil:
		return qb.Where(sq.GtOrEq{dateCol: schema.DateOnly(*start)}).Where(sq.LtOrEq{dateCol: schema.DateOnly(*stop)})
	case start != nil:
		return qb.Where(sq.GtOrEq{dateCol: schema.DateOnly(*start)})
	case stop != nil:
		return qb.Where(sq.LtOrEq{dateCol: schema.DateOnly(*stop)})
	default:
		return qb
	}
}
