// Package enrich derives platform/browser/bot fields from a raw
// User-Agent header string.
package enrich

import (
	"database/sql"

	"github.com/mssola/useragent"
)

// Fields holds the User-Agent derived columns of a Record. Every field is
// optional and parsing never fails: an empty UA string yields an
// all-absent Fields, and any other string gets IsRobot set plus whichever
// platform and browser values the parser recognizes.
type Fields struct {
	PlatformName    sql.NullString
	PlatformVersion sql.NullString
	BrowserName     sql.NullString
	BrowserVersion  sql.NullString
	IsRobot         sql.NullBool
}

// ParseUserAgent classifies a raw User-Agent header.
func ParseUserAgent(raw string) Fields {
	if raw == "" {
		return Fields{}
	}

	ua := useragent.New(raw)

	var f Fields
	f.IsRobot = sql.NullBool{Bool: ua.Bot(), Valid: true}

	if platform := ua.Platform(); platform != "" {
		f.PlatformName = sql.NullString{String: platform, Valid: true}
	}
	if os := ua.OS(); os != "" {
		f.PlatformVersion = sql.NullString{String: os, Valid: true}
	}

	name, version := ua.Browser()
	if name != "" {
		f.BrowserName = sql.NullString{String: name, Valid: true}
	}
	if version != "" {
		f.BrowserVersion = sql.NullString{String: version, Valid: true}
	}

	return f
}
