package nestjarserve

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nestjar-serve/internal/nestjar"
)

// Server is the HTTP server for nestjar-serve.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	verbose bool // Enable verbose logging (log 2xx responses)

	engine    *nestjar.Engine
	classPath *ClassPath
	gatherer  prometheus.Gatherer
}

// NewServer constructs a new Server instance. gatherer backs /metrics and should
// be the registry the engine and server metrics were registered with.
func NewServer(
	cfg Config,
	logger *slog.Logger,
	metrics *Metrics,
	engine *nestjar.Engine,
	classPath *ClassPath,
	gatherer prometheus.Gatherer,
) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		engine:    engine,
		classPath: classPath,
		gatherer:  gatherer,
	}
}

// SetVerbose enables verbose logging (logs 2xx responses).
func (s *Server) SetVerbose(v bool) {
	s.verbose = v
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	route, ok := ParseRoute(r.URL.EscapedPath())

	rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

	if !ok {
		// Unknown routes return 404 regardless of method.
		http.NotFound(rw, r)
		s.logRequest(r, route, rw.statusCode, time.Since(start))
		return
	}

	if !s.isMethodAllowed(r.Method) {
		rw.Header().Set("Allow", "GET, HEAD")
		http.Error(rw, "Method Not Allowed", http.StatusMethodNotAllowed)
		s.logRequest(r, route, rw.statusCode, time.Since(start))
		return
	}

	switch route.Kind {
	case RouteMetrics:
		s.handleMetrics(rw, r)
	case RouteClassPathJSON:
		s.handleClassPathJSON(rw, r)
		s.metrics.ObserveClassPathJSONRequest(time.Since(start))
	case RouteListing, RouteEntry:
		if s.handleArchive(rw, r, route) {
			s.metrics.ObserveArchiveRequest(route.Root, time.Since(start))
		}
	default:
		http.NotFound(rw, r)
	}

	s.logRequest(r, route, rw.statusCode, time.Since(start))
}

func (s *Server) isMethodAllowed(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// handleMetrics serves GET /metrics via promhttp.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	h := promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
	if r.Method == http.MethodHead {
		h.ServeHTTP(&headResponseWriter{ResponseWriter: w}, r)
		return
	}
	h.ServeHTTP(w, r)
}

// headResponseWriter wraps http.ResponseWriter to discard body for HEAD requests.
type headResponseWriter struct {
	http.ResponseWriter
}

func (w *headResponseWriter) Write(b []byte) (int, error) {
	return len(b), nil
}

// handleClassPathJSON serves GET /classpath.json.
func (s *Server) handleClassPathJSON(w http.ResponseWriter, r *http.Request) {
	if s.classPath == nil {
		http.Error(w, "Class path not initialized", http.StatusInternalServerError)
		return
	}

	doc := BuildClassPathDocument(s.classPath.Snapshot(), s.cfg.ArchiveSuffix, s.derivePublicBaseURL(r))
	s.writeJSON(w, r, doc)
}

type entryJSON struct {
	Name           string    `json:"name"`
	Directory      bool      `json:"directory"`
	Method         string    `json:"method"`
	Size           uint64    `json:"size"`
	CompressedSize uint64    `json:"compressed_size"`
	Modified       time.Time `json:"modified,omitzero"`
	URL            string    `json:"url"`
}

type listingJSON struct {
	Root      string      `json:"root"`
	Nested    string      `json:"nested"`
	Kind      string      `json:"kind"`
	Directory string      `json:"directory,omitempty"`
	Entries   []entryJSON `json:"entries"`
}

// handleArchive serves nested archive listings and entries. It reports whether
// the route named a root on the class path.
func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request, route Route) bool {
	if s.engine == nil || s.classPath == nil {
		http.Error(w, "Server not fully initialized", http.StatusInternalServerError)
		return false
	}

	root, ok := s.classPath.LookupRoot(route.Root)
	if !ok {
		http.NotFound(w, r)
		return false
	}

	// Connections are cached per address, so only the nested archive is resolved.
	// Entry names come from clients and are looked up in the archive directly.
	addr, err := nestjar.NewAddress(root.Path, route.Nested, "")
	if err != nil {
		s.writeError(w, r, route, err)
		return true
	}
	conn, err := s.engine.Resolve(addr)
	if err != nil {
		s.writeError(w, r, route, err)
		return true
	}
	a := conn.Archive()

	if route.Kind == RouteListing {
		s.serveListing(w, r, route, a, "")
		return true
	}

	d, err := a.Entry(route.Entry)
	if err != nil {
		s.writeError(w, r, route, err)
		return true
	}
	if d.IsDir() {
		s.serveListing(w, r, route, a, d.Name)
		return true
	}

	s.serveEntry(w, r, route, a, d)
	return true
}

// serveListing lists the nested archive's entries, or those under dir when it
// is non-empty.
func (s *Server) serveListing(w http.ResponseWriter, r *http.Request, route Route, a nestjar.Archive, dir string) {
	names, err := a.Entries()
	if err != nil {
		s.writeError(w, r, route, err)
		return
	}

	base := s.derivePublicBaseURL(r)
	out := listingJSON{
		Root:      route.Root,
		Nested:    a.Name(),
		Kind:      a.Kind().String(),
		Directory: dir,
		Entries:   make([]entryJSON, 0, len(names)),
	}
	for _, name := range names {
		if dir != "" && (name == dir || !strings.HasPrefix(name, dir)) {
			continue
		}
		d, err := a.Entry(name)
		if err != nil {
			s.writeError(w, r, route, err)
			return
		}
		out.Entries = append(out.Entries, entryJSON{
			Name:           d.Name,
			Directory:      d.IsDir(),
			Method:         d.Method.String(),
			Size:           d.UncompressedSize,
			CompressedSize: d.CompressedSize,
			Modified:       d.Modified,
			URL:            base + entryPath(route.Root, a.Name(), d.Name),
		})
	}

	s.writeJSON(w, r, out)
}

// serveEntry streams one entry. Seekable entries go through http.ServeContent,
// which adds range and conditional request support.
func (s *Server) serveEntry(w http.ResponseWriter, r *http.Request, route Route, a nestjar.Archive, d *nestjar.EntryDescriptor) {
	rc, err := a.Open(d.Name)
	if err != nil {
		s.writeError(w, r, route, err)
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", contentTypeFor(d.Name))

	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, d.Name, d.Modified, rs)
		return
	}

	w.Header().Set("Content-Length", strconv.FormatUint(d.UncompressedSize, 10))
	if !d.Modified.IsZero() {
		w.Header().Set("Last-Modified", d.Modified.UTC().Format(http.TimeFormat))
	}
	if r.Method == http.MethodHead {
		return // HEAD: no body
	}

	if _, err := io.Copy(w, rc); err != nil {
		if s.logger != nil {
			s.logger.Error("Failed to write entry response", "root", route.Root, "nested", route.Nested, "entry", route.Entry, "error", err)
		}
	}
}

func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, v any) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodHead {
		return // HEAD: no body
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		if s.logger != nil {
			s.logger.Error("Failed to encode JSON response", "path", r.URL.Path, "error", err)
		}
	}
}

// writeError maps engine errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, route Route, err error) {
	switch {
	case errors.Is(err, nestjar.ErrNotFound), errors.Is(err, nestjar.ErrNotNestedArchive):
		http.NotFound(w, r)
	case errors.Is(err, nestjar.ErrAddress):
		http.Error(w, "Bad Request", http.StatusBadRequest)
	case errors.Is(err, nestjar.ErrIO):
		if s.logger != nil {
			s.logger.Error("Archive temporarily unavailable", "root", route.Root, "nested", route.Nested, "error", err)
		}
		http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
	default:
		if s.logger != nil {
			s.logger.Error("Archive request failed", "root", route.Root, "nested", route.Nested, "error", err)
		}
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// logRequest always logs non-2xx responses and logs 2xx only when verbose mode
// is enabled.
func (s *Server) logRequest(r *http.Request, route Route, statusCode int, duration time.Duration) {
	if s.logger == nil {
		return
	}

	shouldLog := statusCode < 200 || statusCode >= 300
	if statusCode >= 200 && statusCode < 300 {
		shouldLog = s.verbose
	}
	if !shouldLog {
		return
	}

	attrs := []any{
		"method", r.Method,
		"path", r.URL.Path,
		"status", statusCode,
		"duration_ms", duration.Milliseconds(),
	}

	if route.Root != "" {
		attrs = append(attrs, "root", route.Root, "nested", route.Nested)
	}

	// X-Forwarded-* headers are logged but only trusted for URL formation.
	if fwdHost := r.Header.Get("X-Forwarded-Host"); fwdHost != "" {
		attrs = append(attrs, "x_forwarded_host", fwdHost)
	}
	if fwdProto := r.Header.Get("X-Forwarded-Proto"); fwdProto != "" {
		attrs = append(attrs, "x_forwarded_proto", fwdProto)
	}

	switch {
	case statusCode >= 500:
		s.logger.Error("HTTP request", attrs...)
	case statusCode >= 400:
		s.logger.Warn("HTTP request", attrs...)
	default:
		s.logger.Info("HTTP request", attrs...)
	}
}

// derivePublicBaseURL derives the public base URL from the incoming request.
//
// It uses the Host header by default. If NESTJAR_HTTP_TRUSTED_SOURCES is set and
// the request source IP matches a trusted source, it uses X-Forwarded-Host and
// X-Forwarded-Proto instead.
func (s *Server) derivePublicBaseURL(r *http.Request) string {
	sourceIPStr, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		sourceIPStr = r.RemoteAddr
	}

	sourceIP, err := netip.ParseAddr(sourceIPStr)
	if err != nil {
		sourceIP = netip.Addr{}
	}

	isTrusted := false
	for _, prefix := range s.cfg.HTTPTrustedSources {
		if prefix.Contains(sourceIP) {
			isTrusted = true
			break
		}
	}

	var host string
	if isTrusted {
		if fwdHost := r.Header.Get("X-Forwarded-Host"); fwdHost != "" {
			host = firstNonEmptyAfterTrim(strings.Split(fwdHost, ","))
		}
	}
	if host == "" {
		host = r.Host
	}

	var scheme string
	if isTrusted {
		if fwdProto := r.Header.Get("X-Forwarded-Proto"); fwdProto != "" {
			scheme = firstNonEmptyAfterTrim(strings.Split(fwdProto, ","))
		}
	}
	if scheme == "" {
		scheme = "http"
	}
	scheme = strings.ToLower(scheme)

	return scheme + "://" + host
}

// firstNonEmptyAfterTrim returns the first non-empty element after trimming ASCII whitespace.
func firstNonEmptyAfterTrim(elems []string) string {
	for _, elem := range elems {
		trimmed := strings.TrimSpace(elem)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
