// Package schema declares the Ballcone analytics record: its field list,
// the SQL column types that list maps to, and the encode/decode pair that
// moves values between Go and the database driver.
package schema

import (
	"database/sql"
	"fmt"
	"net/netip"
	"time"
)

// Record is a single enriched HTTP-access entry. Field order here is the
// single source of truth for DDL column order, prepared-insert argument
// order, and row-scan destination order: Fields below must be kept in the
// same order as these struct fields.
type Record struct {
	Datetime        time.Time
	Date            time.Time
	Host            string
	Method          string
	Path            string
	Status          int16
	Length          int64
	GenerationTime  float64
	Referer         sql.NullString
	IP              netip.Addr
	CountryISOCode  sql.NullString
	PlatformName    sql.NullString
	PlatformVersion sql.NullString
	BrowserName     sql.NullString
	BrowserVersion  sql.NullString
	IsRobot         sql.NullBool

	// ipText backs IP during a row scan; Scan does not know how to fill a
	// netip.Addr directly, so ScanDest targets this field and Decode
	// parses it back into IP afterwards.
	ipText string
}

// FieldKind is the declared semantic type of a field, independent of its
// Go or SQL representation.
type FieldKind int

const (
	KindTimestamp FieldKind = iota
	KindDate
	KindString
	KindSmallInt
	KindInt
	KindDouble
	KindBool
)

func (k FieldKind) sqlType() string {
	switch k {
	case KindTimestamp:
		return "TIMESTAMP"
	case KindDate:
		return "DATE"
	case KindString:
		return "VARCHAR"
	case KindSmallInt:
		return "SMALLINT"
	case KindInt:
		return "INTEGER"
	case KindDouble:
		return "DOUBLE"
	case KindBool:
		return "BOOLEAN"
	default:
		panic(fmt.Sprintf("schema: unknown field kind %d", k))
	}
}

// FieldDesc describes one column: its name, declared semantic type, and
// whether it may be SQL NULL.
type FieldDesc struct {
	Name     string
	Kind     FieldKind
	Nullable bool
}

// SQLType returns the DDL column type, including "NOT NULL" for
// non-nullable fields.
func (f FieldDesc) SQLType() string {
	if f.Nullable {
		return f.Kind.sqlType()
	}
	return f.Kind.sqlType() + " NOT NULL"
}

// Fields is the declared column list, in table/insert/scan order. This is
// the one place that must change when the Record shape changes.
var Fields = []FieldDesc{
	{Name: "datetime", Kind: KindTimestamp, Nullable: false},
	{Name: "date", Kind: KindDate, Nullable: false},
	{Name: "host", Kind: KindString, Nullable: false},
	{Name: "method", Kind: KindString, Nullable: false},
	{Name: "path", Kind: KindString, Nullable: false},
	{Name: "status", Kind: KindSmallInt, Nullable: false},
	{Name: "length", Kind: KindInt, Nullable: false},
	{Name: "generation_time", Kind: KindDouble, Nullable: false},
	{Name: "referer", Kind: KindString, Nullable: true},
	{Name: "ip", Kind: KindString, Nullable: false},
	{Name: "country_iso_code", Kind: KindString, Nullable: true},
	{Name: "platform_name", Kind: KindString, Nullable: true},
	{Name: "platform_version", Kind: KindString, Nullable: true},
	{Name: "browser_name", Kind: KindString, Nullable: true},
	{Name: "browser_version", Kind: KindString, Nullable: true},
	{Name: "is_robot", Kind: KindBool, Nullable: true},
}

// DateOnly derives the calendar date of t in UTC, truncated to midnight,
// matching the "date == date(datetime)" invariant.
func DateOnly(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// FieldNames returns the declared column names, in order.
func FieldNames() []string {
	names := make([]string, len(Fields))
	for i, f := range Fields {
		names[i] = f.Name
	}
	return names
}

// Validate fails closed if a non-nullable field is missing its value. It
// does not second-guess values that are merely zero (e.g. status 0 is a
// valid, if unusual, status); it only catches the cases a decode step
// cannot reasonably recover, like an unset IP or empty host.
func (r Record) Validate() error {
	if r.Datetime.IsZero() {
		return fmt.Errorf("schema: datetime is required")
	}
	if r.Date.IsZero() {
		return fmt.Errorf("schema: date is required")
	}
	if r.Host == "" {
		return fmt.Errorf("schema: host is required")
	}
	if !r.IP.IsValid() {
		return fmt.Errorf("schema: ip is required")
	}
	return nil
}

// Values returns the record's fields as SQL-bindable arguments, in Fields
// order, ready for a prepared INSERT.
func (r Record) Values() []any {
	return []any{
		r.Datetime,
		r.Date,
		r.Host,
		r.Method,
		r.Path,
		r.Status,
		r.Length,
		r.GenerationTime,
		r.Referer,
		r.IP.String(),
		r.CountryISOCode,
		r.PlatformName,
		r.PlatformVersion,
		r.BrowserName,
		r.BrowserVersion,
		r.IsRobot,
	}
}

// ScanDest returns scan destinations for a SELECT * row, in Fields order,
// to be passed to (*sql.Rows).Scan. Call Decode after a successful scan
// to obtain the decoded Record.
func (r *Record) ScanDest() []any {
	return []any{
		&r.Datetime,
		&r.Date,
		&r.Host,
		&r.Method,
		&r.Path,
		&r.Status,
		&r.Length,
		&r.GenerationTime,
		&r.Referer,
		&r.ipText,
		&r.CountryISOCode,
		&r.PlatformName,
		&r.PlatformVersion,
		&r.BrowserName,
		&r.BrowserVersion,
		&r.IsRobot,
	}
}

// Decode finishes a row scanned via ScanDest by parsing the textual IP
// address column back into a netip.Addr, and normalizing the date column
// to a UTC midnight. Call it once after (*sql.Rows).Scan(r.ScanDest()...)
// succeeds.
func (r *Record) Decode() error {
	addr, err := netip.ParseAddr(r.ipText)
	if err != nil {
		return fmt.Errorf("schema: decoding ip %q: %w", r.ipText, err)
	}
	r.IP = addr
	r.Date = time.Date(r.Date.Year(), r.Date.Month(), r.Date.Day(), 0, 0, 0, 0, time.UTC)
	r.Datetime = r.Datetime.UTC()
	return nil
}
