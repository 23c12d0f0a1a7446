package schema

import (
	"database/sql"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldSQLType(t *testing.T) {
	cases := []struct {
		field FieldDesc
		want  string
	}{
		{FieldDesc{Name: "datetime", Kind: KindTimestamp, Nullable: false}, "TIMESTAMP NOT NULL"},
		{FieldDesc{Name: "date", Kind: KindDate, Nullable: false}, "DATE NOT NULL"},
		{FieldDesc{Name: "referer", Kind: KindString, Nullable: true}, "VARCHAR"},
		{FieldDesc{Name: "status", Kind: KindSmallInt, Nullable: false}, "SMALLINT NOT NULL"},
		{FieldDesc{Name: "length", Kind: KindInt, Nullable: false}, "INTEGER NOT NULL"},
		{FieldDesc{Name: "generation_time", Kind: KindDouble, Nullable: false}, "DOUBLE NOT NULL"},
		{FieldDesc{Name: "is_robot", Kind: KindBool, Nullable: true}, "BOOLEAN"},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, c.field.SQLType())
	}
}

func TestFieldNamesMatchesOrder(t *testing.T) {
	names := FieldNames()
	require.Len(t, names, len(Fields))
	assert.Equal(t, "datetime", names[0])
	assert.Equal(t, "is_robot", names[len(names)-1])
}

func TestRecordValidateRejectsMissingNonNullable(t *testing.T) {
	r := Record{}
	require.Error(t, r.Validate())

	r.Datetime = time.Now()
	r.Date = DateOnly(r.Datetime)
	r.Host = "example.org"
	require.Error(t, r.Validate(), "still missing ip")

	r.IP = netip.MustParseAddr("192.168.1.1")
	require.NoError(t, r.Validate())
}

func TestRecordValuesAndScanRoundTrip(t *testing.T) {
	dt := time.Date(2020, 1, 1, 12, 30, 0, 0, time.UTC)
	original := Record{
		Datetime:       dt,
		Date:           DateOnly(dt),
		Host:           "example.org",
		Method:         "GET",
		Path:           "/index.html",
		Status:         200,
		Length:         1024,
		GenerationTime: 55.0,
		Referer:        sql.NullString{String: "https://example.org/", Valid: true},
		IP:             netip.MustParseAddr("192.168.1.1"),
		CountryISOCode: sql.NullString{String: "US", Valid: true},
		IsRobot:        sql.NullBool{Bool: false, Valid: true},
	}
	require.NoError(t, original.Validate())

	values := original.Values()
	require.Len(t, values, len(Fields))
	assert.Equal(t, "192.168.1.1", values[9])

	var decoded Record
	dest := decoded.ScanDest()
	require.Len(t, dest, len(Fields))

	decoded.Datetime = original.Datetime
	decoded.Date = original.Date
	decoded.Host = original.Host
	decoded.Method = original.Method
	decoded.Path = original.Path
	decoded.Status = original.Status
	decoded.Length = original.Length
	decoded.GenerationTime = original.GenerationTime
	decoded.Referer = original.Referer
	decoded.ipText = original.IP.String()
	decoded.CountryISOCode = original.CountryISOCode
	decoded.IsRobot = original.IsRobot

	require.NoError(t, decoded.Decode())
	assert.Equal(t, original.IP, decoded.IP)
	assert.True(t, original.Date.Equal(decoded.Date))
}

func TestDateOnlyDerivesUTCMidnight(t *testing.T) {
	t1 := time.Date(2020, 5, 17, 23, 59, 59, 0, time.FixedZone("EDT", -4*3600))
	d := DateOnly(t1)
	assert.Equal(t, 2020, d.Year())
	assert.Equal(t, time.May, d.Month())
	assert.Equal(t, 18, d.Day())
	assert.Equal(t, time.UTC, d.Location())
}
