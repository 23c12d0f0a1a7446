// Package syslogd listens for nginx access-log datagrams forwarded over
// syslog, decodes their JSON payload, enriches each one with GeoIP and
// User-Agent derived fields, and hands the resulting record to a Core
// for staging.
package syslogd

import (
	"context"
	"encoding/json"
	"net"
	"net/netip"
	"net/url"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/araddon/dateparse"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/ballcone/ballcone/src/internal/core"
	"github.com/ballcone/ballcone/src/internal/enrich"
	"github.com/ballcone/ballcone/src/internal/geoip"
	"github.com/ballcone/ballcone/src/internal/schema"
)

// nginxSyslog strips the RFC-3164 priority/header prefix nginx prepends
// to every line; the remainder is the JSON payload. No parser handles
// nginx's own framing well enough to rely on it, so a regex it is.
var nginxSyslog = regexp.MustCompile(`\A<[0-9]{1,3}>.*?: (?P<message>.+)\z`)

const maxDatagramSize = 64 * 1024

// payload is the wire shape of the JSON body nginx emits per request.
type payload struct {
	Service        string  `json:"service"`
	Date           string  `json:"date"`
	Host           string  `json:"host"`
	Method         string  `json:"method"`
	Path           string  `json:"path"`
	Status         int16   `json:"status"`
	Length         int64   `json:"length"`
	GenerationTime float64 `json:"generation_time_milli"`
	Referrer       string  `json:"referrer"`
	IP             string  `json:"ip"`
	UserAgent      string  `json:"user_agent"`
}

// Listener receives UDP syslog datagrams and stages decoded records on a
// Core.
type Listener struct {
	conn *net.UDPConn
	core *core.Core
	geo  *geoip.Resolver

	received  prometheus.Counter
	malformed *prometheus.CounterVec
}

// Listen opens a UDP socket at addr (host:port). geo may be nil, in
// which case every record's country code is left absent.
func Listen(addr string, c *core.Core, geo *geoip.Resolver, reg prometheus.Registerer) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		conn: conn,
		core: c,
		geo:  geo,
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ballcone_syslog_datagrams_total",
			Help: "Total number of syslog datagrams received.",
		}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ballcone_syslog_malformed_total",
			Help: "Total number of syslog datagrams rejected, by reason.",
		}, []string{"reason"}),
	}

	if reg != nil {
		reg.MustRegister(l.received, l.malformed)
	}

	return l, nil
}

// Addr returns the address the listener is bound to.
func (l *Listener) Addr() net.Addr { return l.conn.LocalAddr() }

// Close stops accepting datagrams.
func (l *Listener) Close() error { return l.conn.Close() }

// Serve reads datagrams until ctx is cancelled or the socket is closed.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		l.conn.Close()
	}()

	buf := make([]byte, maxDatagramSize)

	for {
		n, addr, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}

		l.received.Inc()

		message := make([]byte, n)
		copy(message, buf[:n])
		l.handleDatagram(ctx, message, addr)
	}
}

func (l *Listener) handleDatagram(ctx context.Context, data []byte, addr net.Addr) {
	if !utf8.Valid(data) {
		l.malformed.WithLabelValues("utf8").Inc()
		log.Info().Stringer("addr", addr).Msg("malformed UTF-8 in syslog datagram")
		return
	}

	match := nginxSyslog.FindSubmatch(data)
	if match == nil || len(match[1]) == 0 {
		l.malformed.WithLabelValues("framing").Inc()
		log.Info().Stringer("addr", addr).Msg("missing payload in syslog datagram")
		return
	}

	var p payload
	if err := json.Unmarshal(match[1], &p); err != nil {
		l.malformed.WithLabelValues("json").Inc()
		log.Info().Stringer("addr", addr).Err(err).Msg("malformed JSON in syslog datagram")
		return
	}

	service := core.NormalizeService(p.Service)
	if service == "" || !l.core.CheckService(ctx, service, false) {
		l.malformed.WithLabelValues("service").Inc()
		log.Info().Stringer("addr", addr).Str("service", p.Service).Msg("malformed service field")
		return
	}

	rec, err := l.decode(p)
	if err != nil {
		l.malformed.WithLabelValues("fields").Inc()
		log.Info().Stringer("addr", addr).Err(err).Msg("malformed fields in syslog datagram")
		return
	}

	if err := l.core.Enqueue(ctx, service, rec); err != nil {
		l.malformed.WithLabelValues("enqueue").Inc()
		log.Warn().Stringer("addr", addr).Err(err).Msg("rejected by core")
	}
}

func (l *Listener) decode(p payload) (schema.Record, error) {
	var dt time.Time
	if p.Date == "" {
		dt = time.Now().UTC()
	} else {
		parsed, err := dateparse.ParseIn(p.Date, time.UTC)
		if err != nil {
			return schema.Record{}, err
		}
		dt = parsed.UTC()
	}

	ip, err := netip.ParseAddr(p.IP)
	if err != nil {
		return schema.Record{}, err
	}

	path, err := url.QueryUnescape(p.Path)
	if err != nil {
		path = p.Path
	}

	ua := enrich.ParseUserAgent(p.UserAgent)

	rec := schema.Record{
		Datetime:        dt,
		Date:            schema.DateOnly(dt),
		Host:            p.Host,
		Method:          p.Method,
		Path:            path,
		Status:          p.Status,
		Length:          p.Length,
		GenerationTime:  p.GenerationTime,
		IP:              ip,
		PlatformName:    ua.PlatformName,
		PlatformVersion: ua.PlatformVersion,
		BrowserName:     ua.BrowserName,
		BrowserVersion:  ua.BrowserVersion,
		IsRobot:         ua.IsRobot,
	}

	if p.Referrer != "" {
		rec.Referer.String, rec.Referer.Valid = p.Referrer, true
	}

	if code, ok := l.geo.ISOCode(ip); ok {
		rec.CountryISOCode.String, rec.CountryISOCode.Valid = code, true
	}

	return rec, nil
}
