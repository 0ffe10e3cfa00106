package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/example/go-htrdata/internal/config"
	"github.com/example/go-htrdata/internal/container"
	"github.com/example/go-htrdata/internal/partition"
	"github.com/example/go-htrdata/internal/results"
)

// ParseLogLevel converts a case-insensitive level string to slog.Level.
// An empty string returns slog.LevelInfo. Unknown strings return an error.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (want debug|info|warn|error)", s)
	}
}

// ---------------------------------------------------------------------------
// Functional options
// ---------------------------------------------------------------------------

type options struct {
	maxRows        int
	workers        int
	requestTimeout time.Duration
	evaluationDir  string
	logger         *slog.Logger
}

func defaultOptions() options {
	return options{
		maxRows:        1000,
		workers:        4,
		requestTimeout: 60 * time.Second,
		logger:         slog.Default(),
	}
}

// Option configures the HTTP handler.
type Option func(*options)

// WithMaxRows caps the number of rows a partition request may return.
func WithMaxRows(n int) Option {
	return func(o *options) { o.maxRows = n }
}

// WithWorkers sets the maximum number of concurrent partition reads.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithRequestTimeout sets the per-request read deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithEvaluationDir sets the root holding <dataset>/<partition>/results_*.json.
func WithEvaluationDir(dir string) Option {
	return func(o *options) { o.evaluationDir = dir }
}

// WithLogger sets the slog.Logger used for request logging.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// ---------------------------------------------------------------------------
// handler
// ---------------------------------------------------------------------------

// handler holds the dependencies needed to serve HTTP requests.
type handler struct {
	data Datasets
	opts options
	sem  chan struct{} // semaphore for worker pool
	log  *slog.Logger
}

// NewHandler returns an http.Handler that serves /health, /datasets,
// /datasets/{name} and /datasets/{name}/partitions/{partition}.
func NewHandler(data Datasets, optFns ...Option) http.Handler {
	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	h := &handler{
		data: data,
		opts: opts,
		log:  opts.logger,
	}
	if opts.workers > 0 {
		h.sem = make(chan struct{}, opts.workers)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /datasets", h.handleDatasets)
	mux.HandleFunc("GET /datasets/{name}", h.handleDataset)
	mux.HandleFunc("GET /datasets/{name}/partitions/{partition}", h.handlePartition)
	return mux
}

func buildVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func (h *handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": buildVersion(),
	})
}

func (h *handler) handleDatasets(w http.ResponseWriter, _ *http.Request) {
	names := h.data.Available()
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

// DatasetInfo describes one container.
type DatasetInfo struct {
	Name          string         `json:"name"`
	FullImagePath string         `json:"full_image_path"`
	Height        int            `json:"height"`
	Width         int            `json:"width"`
	GlobalTotal   int            `json:"global_total"`
	Partitions    map[string]int `json:"partitions"`
}

func (h *handler) handleDataset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	reader, release, err := h.data.Acquire(name)
	if err != nil {
		h.writeAcquireError(w, r, name, err)
		return
	}
	defer release()

	info := DatasetInfo{
		Name:          name,
		FullImagePath: reader.FullImagePath(),
		Height:        reader.ImageSize().Height,
		Width:         reader.ImageSize().Width,
		Partitions:    make(map[string]int),
	}

	for _, p := range reader.Partitions() {
		n, err := reader.Len(p)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		info.Partitions[p] = n
		info.GlobalTotal += n
	}

	writeJSON(w, http.StatusOK, info)
}

// Row is one line of a partition.
type Row struct {
	FileName    string `json:"file_name"`
	GroundTruth string `json:"ground_truth"`
	ImageData   []int  `json:"image_data,omitempty"`
}

// PartitionData is the response of a partition request.
type PartitionData struct {
	Dataset        string           `json:"dataset"`
	Partition      string           `json:"partition"`
	TotalCount     int              `json:"total_count"`
	GlobalTotal    int              `json:"global_total"`
	Path           string           `json:"path"`
	Offset         int              `json:"offset"`
	Data           []Row            `json:"data"`
	EvaluationData []results.Record `json:"evaluation_data"`
	Statistics     *results.Stats   `json:"statistics"`
}

// defaultLimit is the page size when the request names none.
const defaultLimit = 10

// errLimitExceeded is checked after the dataset and partition lookups.
var errLimitExceeded = errors.New("limit exceeds maximum")

func (h *handler) handlePartition(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	part := r.PathValue("partition")

	if !partition.IsKnown(part) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown partition %q", part))
		return
	}

	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}

	def := defaultLimit
	if h.opts.maxRows > 0 {
		def = min(def, h.opts.maxRows)
	}

	limit, err := queryInt(r, "limit", def)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return
	}

	pixels := r.URL.Query().Get("pixels") == "true"

	// Acquire a worker slot; honour context cancellation while waiting.
	if h.sem != nil {
		select {
		case h.sem <- struct{}{}:
			// slot acquired
		case <-r.Context().Done():
			writeError(w, http.StatusServiceUnavailable, "request cancelled while waiting for worker")
			return
		}
		defer func() { <-h.sem }()
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.requestTimeout)
	defer cancel()

	start := time.Now()

	type result struct {
		data PartitionData
		err  error
	}

	done := make(chan result, 1)
	go func() {
		data, err := h.loadPartition(name, part, offset, limit, pixels)
		done <- result{data, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		h.log.WarnContext(r.Context(), "partition read timed out",
			slog.String("dataset", name),
			slog.String("partition", part),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
		writeError(w, http.StatusGatewayTimeout, "partition read timed out")
		return
	}

	durationMS := time.Since(start).Milliseconds()

	if res.err != nil {
		if errors.Is(res.err, ErrDatasetNotFound) || errors.Is(res.err, container.ErrPartitionNotFound) {
			writeError(w, http.StatusNotFound, res.err.Error())
			return
		}

		if errors.Is(res.err, errLimitExceeded) {
			writeError(w, http.StatusRequestEntityTooLarge, res.err.Error())
			return
		}

		h.log.ErrorContext(r.Context(), "partition read failed",
			slog.String("dataset", name),
			slog.String("partition", part),
			slog.Int64("duration_ms", durationMS),
			slog.String("error", res.err.Error()),
		)
		writeError(w, http.StatusInternalServerError, res.err.Error())
		return
	}

	h.log.InfoContext(r.Context(), "partition served",
		slog.String("dataset", name),
		slog.String("partition", part),
		slog.Int("offset", offset),
		slog.Int("rows", len(res.data.Data)),
		slog.Int("evaluations", len(res.data.EvaluationData)),
		slog.Int64("duration_ms", durationMS),
	)

	writeJSON(w, http.StatusOK, res.data)
}

func (h *handler) loadPartition(name, part string, offset, limit int, pixels bool) (PartitionData, error) {
	reader, release, err := h.data.Acquire(name)
	if err != nil {
		return PartitionData{}, err
	}
	defer release()

	total, err := reader.Len(part)
	if err != nil {
		return PartitionData{}, err
	}

	if h.opts.maxRows > 0 && limit > h.opts.maxRows {
		return PartitionData{}, fmt.Errorf("%w of %d rows", errLimitExceeded, h.opts.maxRows)
	}

	global := 0
	for _, p := range reader.Partitions() {
		n, _ := reader.Len(p)
		global += n
	}

	out := PartitionData{
		Dataset:        name,
		Partition:      part,
		TotalCount:     total,
		GlobalTotal:    global,
		Path:           reader.FullImagePath(),
		Offset:         offset,
		Data:           []Row{},
		EvaluationData: []results.Record{},
	}

	if offset < total {
		rows, err := reader.Rows(part, offset, offset+min(limit, total-offset))
		if err != nil {
			return PartitionData{}, err
		}

		for i := range rows.Len() {
			row := Row{FileName: rows.Paths[i], GroundTruth: rows.GroundTruth[i]}
			if pixels {
				img := rows.Image(i)
				row.ImageData = make([]int, len(img))
				for j, p := range img {
					row.ImageData[j] = int(p)
				}
			}
			out.Data = append(out.Data, row)
		}
	}

	if h.opts.evaluationDir != "" {
		records, _, err := results.LoadLatest(results.Dir(h.opts.evaluationDir, name, part))
		switch {
		case errors.Is(err, results.ErrNoResults):
			h.log.Debug("no evaluation results", "dataset", name, "partition", part)
		case err != nil:
			h.log.Warn("evaluation results unreadable", "dataset", name, "partition", part, "error", err)
		default:
			out.EvaluationData = records
			if stats, ok := results.Summarize(records); ok {
				out.Statistics = &stats
			}
		}
	}

	return out, nil
}

func (h *handler) writeAcquireError(w http.ResponseWriter, r *http.Request, name string, err error) {
	if errors.Is(err, ErrDatasetNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	h.log.ErrorContext(r.Context(), "open dataset failed",
		slog.String("dataset", name),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}

	return strconv.Atoi(raw)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// Server wires the HTTP handler into a net/http.Server with graceful shutdown.
type Server struct {
	cfg             config.Config
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	timeout := 30 * time.Second
	if cfg.Server.ShutdownTimeout > 0 {
		timeout = time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	}

	return &Server{
		cfg:             cfg,
		logger:          logger,
		shutdownTimeout: timeout,
	}
}

// WithShutdownTimeout overrides the graceful-shutdown drain period.
func (s *Server) WithShutdownTimeout(d time.Duration) *Server {
	s.shutdownTimeout = d
	return s
}

func (s *Server) Start(ctx context.Context) error {
	store, err := NewStore(s.cfg.Paths.OutputDir, s.cfg.Server.ReaderCache)
	if err != nil {
		return err
	}
	defer store.Close()

	h := NewHandler(store,
		WithWorkers(s.cfg.Server.Workers),
		WithMaxRows(s.cfg.Server.MaxRows),
		WithRequestTimeout(time.Duration(s.cfg.Server.RequestTimeout)*time.Second),
		WithEvaluationDir(s.cfg.Paths.EvaluationDir),
		WithLogger(s.logger),
	)

	httpServer := &http.Server{
		Addr:              s.cfg.Server.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	s.logger.Info("serving datasets",
		"addr", s.cfg.Server.ListenAddr,
		"dir", s.cfg.Paths.OutputDir,
		"available", store.Available(),
	)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("http listen: %w", err)
	}
}

// ProbeHTTP issues GET /health against addr and fails on any non-200 answer.
func ProbeHTTP(ctx context.Context, addr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status: %s", resp.Status)
	}
	return nil
}

// WaitHealthy probes addr every interval until it answers or ctx ends.
func WaitHealthy(ctx context.Context, addr string, interval time.Duration) error {
	for {
		err := ProbeHTTP(ctx, addr)
		if err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s not healthy: %w", addr, err)
		case <-time.After(interval):
		}
	}
}
