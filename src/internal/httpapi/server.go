// Package httpapi implements the web dashboard and JSON query API: a
// chi router serving the per-service overview pages, the named-query
// JSON endpoint, the SQL console, the nginx config-snippet generator,
// and Prometheus metrics.
package httpapi

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/ballcone/ballcone/src/internal/core"
	"github.com/ballcone/ballcone/src/internal/query"
	"github.com/ballcone/ballcone/src/internal/schema"
)

//go:embed templates/*.html
var templateFS embed.FS

// Version is stamped by the caller (normally cmd/ballcone's build-time
// version string) and surfaced in every rendered page's footer.
var Version = "dev"

// Config holds HTTP server configuration.
type Config struct {
	Listen        string
	CORSOrigins   []string
	DashboardDays int
}

// Server serves the Ballcone web dashboard and JSON API.
type Server struct {
	cfg       Config
	core      *core.Core
	query     *query.Facade
	templates map[string]*template.Template
	httpSrv   *http.Server
}

// pageTemplates lists the content templates rendered inside layout.html,
// keyed by the name each handler passes to render. Every page file
// defines a template named "content"; parsing them all into one shared
// set would let the last file parsed silently win, so each page gets its
// own clone of the shared layout.
var pageTemplates = []string{"root", "service", "sql", "nginx"}

// New constructs a Server. Call Start to begin serving.
func New(cfg Config, c *core.Core) (*Server, error) {
	if cfg.DashboardDays <= 0 {
		cfg.DashboardDays = 7
	}

	layout, err := template.ParseFS(templateFS, "templates/layout.html")
	if err != nil {
		return nil, fmt.Errorf("httpapi: parsing layout template: %w", err)
	}

	templates := make(map[string]*template.Template, len(pageTemplates))
	for _, page := range pageTemplates {
		clone, err := layout.Clone()
		if err != nil {
			return nil, fmt.Errorf("httpapi: cloning layout for %q: %w", page, err)
		}
		tmpl, err := clone.ParseFS(templateFS, "templates/"+page+".html")
		if err != nil {
			return nil, fmt.Errorf("httpapi: parsing template %q: %w", page, err)
		}
		templates[page] = tmpl
	}

	return &Server{
		cfg:       cfg,
		core:      c,
		query:     query.New(c),
		templates: templates,
	}, nil
}

// Start begins serving HTTP in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("httpapi: listening on %q: %w", s.cfg.Listen, err)
	}

	s.httpSrv = &http.Server{
		Handler:      s.router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("starting HTTP server")
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.CORSOrigins,
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/", s.handleRoot)
	r.Get("/services/{service}", s.handleService)
	r.Get("/services/{service}/query/{command}", s.handleQuery)
	r.Get("/services/{service}/average/{field}", s.handleAverage)
	r.Get("/services/{service}/count/{field}", s.handleCount)
	r.Get("/services/{service}/count_group/{group}", s.handleCountGroup)
	r.Get("/sql", s.handleSQL)
	r.Post("/sql", s.handleSQL)
	r.Get("/nginx", s.handleNginx)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) services(ctx context.Context) []string {
	services, err := s.core.DAO().Tables(ctx)
	if err != nil {
		log.Error().Err(err).Msg("listing services")
		return nil
	}
	return services
}

func (s *Server) render(w http.ResponseWriter, page string, data map[string]any) {
	tmpl, ok := s.templates[page]
	if !ok {
		log.Error().Str("template", page).Msg("no such page template")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	data["Version"] = Version
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "layout", data); err != nil {
		log.Error().Err(err).Str("template", page).Msg("rendering template")
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

type dashboardRow struct {
	Service string
	Count   int64
}

// handleRoot renders the service list with today's unique-visitor count,
// sorted busiest-first.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	services := s.services(ctx)

	today := schema.DateOnly(time.Now())

	rows := make([]dashboardRow, 0, len(services))
	for _, service := range services {
		unique, err := s.query.Unique(ctx, service, &today, &today)
		if err != nil {
			log.Error().Err(err).Str("service", service).Msg("querying today's unique visitors")
			continue
		}
		var count int64
		if len(unique) > 0 {
			count = unique[0].Count
		}
		rows = append(rows, dashboardRow{Service: service, Count: count})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Count != rows[j].Count {
			return rows[i].Count > rows[j].Count
		}
		return rows[i].Service < rows[j].Service
	})

	s.render(w, "root", map[string]any{
		"Title":     "",
		"Services":  services,
		"Dashboard": rows,
	})
}

type overviewRow struct {
	Date   time.Time
	Visits int64
	Unique int64
}

// handleService renders a service's 7-day (DashboardDays) overview.
func (s *Server) handleService(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	service := core.NormalizeService(chi.URLParam(r, "service"))

	if !s.core.CheckService(ctx, service, true) {
		http.Error(w, fmt.Sprintf("no such service: %s", service), http.StatusNotFound)
		return
	}

	start, stop := core.DaysBefore(time.Time{}, s.cfg.DashboardDays)

	visits, err := s.query.Visits(ctx, service, &start, &stop)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	unique, err := s.query.Unique(ctx, service, &start, &stop)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	overview := make(map[time.Time]*overviewRow)
	order := make([]time.Time, 0)
	get := func(date time.Time) *overviewRow {
		row, ok := overview[date]
		if !ok {
			row = &overviewRow{Date: date}
			overview[date] = row
			order = append(order, date)
		}
		return row
	}
	for _, v := range visits {
		get(v.Date).Visits = v.Count
	}
	for _, u := range unique {
		get(u.Date).Unique = u.Count
	}
	sort.Slice(order, func(i, j int) bool { return order[i].Before(order[j]) })
	rows := make([]overviewRow, len(order))
	for i, date := range order {
		rows[i] = *overview[date]
	}

	genTime, err := s.query.Time(ctx, service, &start, &stop)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	limit := s.core.TopLimit()
	paths, err := s.query.URI(ctx, service, &start, &stop, false, &limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	browsers, err := s.query.Browser(ctx, service, &start, &stop, false, &limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.render(w, "service", map[string]any{
		"Title":          service,
		"Services":       s.services(ctx),
		"CurrentService": service,
		"Days":           s.cfg.DashboardDays,
		"Overview":       rows,
		"Time":           genTime,
		"Paths":          paths,
		"Browsers":       browsers,
	})
}

// handleQuery answers one of the nine named facade commands as JSON,
// defaulting to a trailing 30-day window.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	service := core.NormalizeService(chi.URLParam(r, "service"))
	command := chi.URLParam(r, "command")

	if !s.core.CheckService(ctx, service, true) {
		http.Error(w, fmt.Sprintf("no such service: %s", service), http.StatusNotFound)
		return
	}

	start, stop := core.DaysBefore(time.Time{}, 30)
	parameter := r.URL.Query().Get("parameter")

	result, err := s.query.HandleCommand(ctx, service, command, parameter, &start, &stop)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.writeJSON(w, result)
}

// dateRangeParams reads optional "start" and "stop" query parameters
// (YYYY-MM-DD), leaving either bound open when absent or unparsable.
func dateRangeParams(r *http.Request) (start, stop *time.Time) {
	if v := r.URL.Query().Get("start"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			start = &t
		}
	}
	if v := r.URL.Query().Get("stop"); v != "" {
		if t, err := time.Parse("2006-01-02", v); err == nil {
			stop = &t
		}
	}
	return start, stop
}

// handleAverage answers the raw DAO average aggregation for an arbitrary
// numeric field, bypassing the nine named facade commands.
func (s *Server) handleAverage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	service := core.NormalizeService(chi.URLParam(r, "service"))
	field := chi.URLParam(r, "field")

	if !s.core.CheckService(ctx, service, true) {
		http.Error(w, fmt.Sprintf("no such service: %s", service), http.StatusNotFound)
		return
	}

	start, stop := dateRangeParams(r)

	elements, err := s.core.DAO().SelectAverage(ctx, service, field, start, stop)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, query.Result{Table: service, Field: field, Elements: elements})
}

// handleCount answers the raw DAO distinct-count aggregation for an
// arbitrary field.
func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	service := core.NormalizeService(chi.URLParam(r, "service"))
	field := chi.URLParam(r, "field")

	if !s.core.CheckService(ctx, service, true) {
		http.Error(w, fmt.Sprintf("no such service: %s", service), http.StatusNotFound)
		return
	}

	start, stop := dateRangeParams(r)

	elements, err := s.core.DAO().SelectCount(ctx, service, &field, start, stop)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, query.Result{Table: service, Field: field, Elements: elements})
}

// handleCountGroup answers the raw DAO grouped top-N aggregation for an
// arbitrary group column, with distinct/ascending/limit/field all
// caller-controlled via the query string.
func (s *Server) handleCountGroup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	service := core.NormalizeService(chi.URLParam(r, "service"))
	group := chi.URLParam(r, "group")

	if !s.core.CheckService(ctx, service, true) {
		http.Error(w, fmt.Sprintf("no such service: %s", service), http.StatusNotFound)
		return
	}

	q := r.URL.Query()
	start, stop := dateRangeParams(r)
	ascending := q.Get("ascending") == "true" || q.Get("ascending") == "1"
	distinct := q.Get("distinct") == "true" || q.Get("distinct") == "1"

	var field *string
	if f := q.Get("field"); f != "" {
		field = &f
	}

	var limit *int
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = &n
		}
	}

	elements, err := s.core.DAO().SelectCountGroup(ctx, service, field, group, distinct, start, stop, ascending, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, query.Result{Table: service, Group: group, Ascending: &ascending, Elements: elements})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleSQL renders and, on POST, runs the raw-SQL console.
func (s *Server) handleSQL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sql := "SELECT 1, 2, 3"

	var columns []string
	var result [][]any
	var queryErr string

	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if posted := r.PostForm.Get("sql"); posted != "" {
			sql = posted
		}

		cols, rows, err := s.core.DAO().Run(ctx, sql)
		if err != nil {
			queryErr = err.Error()
		} else {
			columns, result = cols, rows
		}
	}

	s.render(w, "sql", map[string]any{
		"Title":    "SQL Console",
		"Services": s.services(ctx),
		"SQL":      sql,
		"Columns":  columns,
		"Result":   result,
		"Error":    queryErr,
	})
}

// handleNginx renders the nginx log_format/access_log snippet a new
// service needs to start forwarding requests to this instance.
func (s *Server) handleNginx(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	service := core.NormalizeService(r.URL.Query().Get("service"))
	if service == "" {
		service = "example"
	}

	ip := r.URL.Query().Get("ip")
	if ip == "" {
		ip = "127.0.0.1"
	}

	var errs []string
	if !s.core.CheckService(ctx, service, false) {
		errs = append(errs, fmt.Sprintf("invalid service name: %q", service))
	}
	if _, err := net.ResolveIPAddr("ip", ip); err != nil {
		errs = append(errs, fmt.Sprintf("invalid ballcone IP address: %q", ip))
	}

	s.render(w, "nginx", map[string]any{
		"Title":    "nginx Configuration",
		"Services": s.services(ctx),
		"Service":  service,
		"IP":       ip,
		"Errors":   errs,
	})
}
