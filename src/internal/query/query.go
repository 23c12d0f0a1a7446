// Package query implements the named analytical views over a service's
// table: the fixed set of aggregations the dashboard, the JSON query
// endpoint, and the SQL-less API surface all resolve to.
package query

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ballcone/ballcone/src/internal/core"
	"github.com/ballcone/ballcone/src/internal/dao"
)

// Facade answers the fixed set of named queries against a Core's DAO.
type Facade struct {
	core *core.Core
}

// New creates a Facade over c.
func New(c *core.Core) *Facade {
	return &Facade{core: c}
}

func strPtr(s string) *string { return &s }

// Time returns the per-day average/sum/count of generation_time.
func (f *Facade) Time(ctx context.Context, service string, start, stop *time.Time) ([]dao.Average, error) {
	return f.core.DAO().SelectAverage(ctx, service, "generation_time", start, stop)
}

// Bytes returns the per-day average/sum/count of response length.
func (f *Facade) Bytes(ctx context.Context, service string, start, stop *time.Time) ([]dao.Average, error) {
	return f.core.DAO().SelectAverage(ctx, service, "length", start, stop)
}

// OS returns, per day, the top platforms by client-address count, most
// frequent first.
func (f *Facade) OS(ctx context.Context, service string, start, stop *time.Time, distinct bool, limit *int) ([]dao.Count, error) {
	return f.core.DAO().SelectCountGroup(ctx, service, strPtr("ip"), "platform_name", distinct, start, stop, false, limit)
}

// Browser returns, per day, the top browsers by client-address count,
// most frequent first.
func (f *Facade) Browser(ctx context.Context, service string, start, stop *time.Time, distinct bool, limit *int) ([]dao.Count, error) {
	return f.core.DAO().SelectCountGroup(ctx, service, strPtr("ip"), "browser_name", distinct, start, stop, false, limit)
}

// URI returns, per day, the top request paths by client-address count,
// most frequent first.
func (f *Facade) URI(ctx context.Context, service string, start, stop *time.Time, distinct bool, limit *int) ([]dao.Count, error) {
	return f.core.DAO().SelectCountGroup(ctx, service, strPtr("ip"), "path", distinct, start, stop, false, limit)
}

// IP returns, per day, the top client addresses by status count, most
// frequent first.
func (f *Facade) IP(ctx context.Context, service string, start, stop *time.Time, distinct bool, limit *int) ([]dao.Count, error) {
	return f.core.DAO().SelectCountGroup(ctx, service, strPtr("status"), "ip", distinct, start, stop, false, limit)
}

// Country returns, per day, the top client countries by client-address
// count, most frequent first.
func (f *Facade) Country(ctx context.Context, service string, start, stop *time.Time, distinct bool, limit *int) ([]dao.Count, error) {
	return f.core.DAO().SelectCountGroup(ctx, service, strPtr("ip"), "country_iso_code", distinct, start, stop, false, limit)
}

// Visits returns the per-day total request count.
func (f *Facade) Visits(ctx context.Context, service string, start, stop *time.Time) ([]dao.Count, error) {
	return f.core.DAO().SelectCount(ctx, service, nil, start, stop)
}

// Unique returns the per-day distinct client count.
func (f *Facade) Unique(ctx context.Context, service string, start, stop *time.Time) ([]dao.Count, error) {
	return f.core.DAO().SelectCount(ctx, service, strPtr("ip"), start, stop)
}

// Result is the JSON-ready shape of a Facade query, matching the
// generic "table, field, group, elements" response the named-query
// endpoint and the raw aggregation endpoints both return.
type Result struct {
	Table     string `json:"table"`
	Field     string `json:"field,omitempty"`
	Group     string `json:"group,omitempty"`
	Ascending *bool  `json:"ascending,omitempty"`
	Elements  any    `json:"elements"`
}

// unknownCommandError is returned by HandleCommand for an unrecognized
// command name.
type unknownCommandError string

func (e unknownCommandError) Error() string {
	return fmt.Sprintf("query: unknown command %q", string(e))
}

// HandleCommand dispatches one of the nine named commands by name,
// applying parameter as a top-N override for the commands that accept
// one (the same way the original query string parameter does).
func (f *Facade) HandleCommand(ctx context.Context, service, command, parameter string, start, stop *time.Time) (Result, error) {
	limit := f.limitOverride(parameter)

	switch command {
	case "time":
		elements, err := f.Time(ctx, service, start, stop)
		return Result{Table: service, Field: "generation_time", Elements: elements}, err
	case "bytes":
		elements, err := f.Bytes(ctx, service, start, stop)
		return Result{Table: service, Field: "length", Elements: elements}, err
	case "os":
		elements, err := f.OS(ctx, service, start, stop, false, limit)
		return groupResult(service, "platform_name", elements, err)
	case "browser":
		elements, err := f.Browser(ctx, service, start, stop, false, limit)
		return groupResult(service, "browser_name", elements, err)
	case "uri":
		elements, err := f.URI(ctx, service, start, stop, false, limit)
		return groupResult(service, "path", elements, err)
	case "ip":
		elements, err := f.IP(ctx, service, start, stop, false, limit)
		return groupResult(service, "ip", elements, err)
	case "country":
		elements, err := f.Country(ctx, service, start, stop, false, limit)
		return groupResult(service, "country_iso_code", elements, err)
	case "visits":
		elements, err := f.Visits(ctx, service, start, stop)
		return Result{Table: service, Elements: elements}, err
	case "unique":
		elements, err := f.Unique(ctx, service, start, stop)
		return Result{Table: service, Field: "ip", Elements: elements}, err
	default:
		return Result{}, unknownCommandError(command)
	}
}

func groupResult(service, group string, elements []dao.Count, err error) (Result, error) {
	descending := false
	return Result{Table: service, Group: group, Ascending: &descending, Elements: elements}, err
}

// limitOverride parses parameter as the requester's preferred top-N
// limit, falling back to the Facade's configured default when it is
// absent or not a positive integer.
func (f *Facade) limitOverride(parameter string) *int {
	limit := f.core.TopLimit()
	if parameter != "" {
		if n, err := strconv.Atoi(parameter); err == nil && n > 0 {
			limit = n
		}
	}
	return &limit
}
