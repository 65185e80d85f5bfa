// Package dashboard serves the local wallet view: session, balances, prices
// and the transaction ledger with a live SSE feed.
package dashboard

import (
	"compress/gzip"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/instainr/internal/domain"
	"github.com/vadiminshakov/instainr/internal/services/balances"
	"github.com/vadiminshakov/instainr/internal/services/ledger"
	"github.com/vadiminshakov/instainr/internal/services/payment"
	"github.com/vadiminshakov/instainr/internal/services/pricer"
	"go.uber.org/zap"
)

const (
	changePollInterval = time.Second
	heartbeatInterval  = 20 * time.Second
)

//go:embed static
var staticFiles embed.FS

type sessionReader interface {
	Session() domain.Session
}

type balanceReader interface {
	State() balances.State
}

type priceReader interface {
	Snapshot() pricer.Snapshot
}

type attemptReader interface {
	Current() payment.Attempt
}

type transactionLister interface {
	List(f ledger.Filter) []domain.Transaction
}

// Sources bundles everything the dashboard reads. Nil readers are omitted
// from /state.
type Sources struct {
	Sessions     sessionReader
	Balances     balanceReader
	Prices       priceReader
	Attempts     attemptReader
	Transactions transactionLister
	Changes      *ChangeLog
}

type priceView struct {
	Prices    domain.Prices `json:"prices"`
	UpdatedAt time.Time     `json:"updatedAt,omitempty"`
	Stale     bool          `json:"stale,omitempty"`
	Err       string        `json:"error,omitempty"`
}

type stateView struct {
	Session  *domain.Session  `json:"session,omitempty"`
	Balances *balances.State  `json:"balances,omitempty"`
	Prices   *priceView       `json:"prices,omitempty"`
	Attempt  *payment.Attempt `json:"attempt,omitempty"`
}

// Server exposes HTTP endpoints serving the HTML UI and an SSE stream.
type Server struct {
	Addr string

	l   *zap.Logger
	src Sources
}

// NewServer creates a new dashboard server instance.
func NewServer(addr string, l *zap.Logger, src Sources) *Server {
	if src.Changes == nil {
		src.Changes = NewChangeLog(0)
	}
	return &Server{Addr: addr, l: l, src: src}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /", s.staticHandler())
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /transactions", s.handleTransactions)
	mux.HandleFunc("GET /transactions/stream", s.handleTransactionStream)
	return mux
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.l.Info("dashboard listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	var view stateView
	if s.src.Sessions != nil {
		sess := s.src.Sessions.Session()
		view.Session = &sess
	}
	if s.src.Balances != nil {
		st := s.src.Balances.State()
		view.Balances = &st
	}
	if s.src.Prices != nil {
		snap := s.src.Prices.Snapshot()
		pv := priceView{Prices: snap.Prices, UpdatedAt: snap.UpdatedAt, Stale: snap.Stale}
		if snap.Err != nil {
			pv.Err = snap.Err.Error()
		}
		view.Prices = &pv
	}
	if s.src.Attempts != nil {
		a := s.src.Attempts.Current()
		view.Attempt = &a
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if s.src.Transactions == nil {
		http.Error(w, "ledger not available", http.StatusServiceUnavailable)
		return
	}

	var f ledger.Filter
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := domain.TxStatus(raw)
		if !status.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown status %q", raw)})
			return
		}
		f.Status = status
	}
	writeJSON(w, http.StatusOK, s.src.Transactions.List(f))
}

func (s *Server) handleTransactionStream(w http.ResponseWriter, r *http.Request) {
	if s.src.Transactions == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "ledger not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	pollTicker := time.NewTicker(changePollInterval)
	defer pollTicker.Stop()

	lastIndex := s.parseLastEventID(r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id"))

	sendSnapshot := func() error {
		// index first: a change racing the list is sent twice, never lost
		lastIndex = s.src.Changes.LastIndex()
		txs := s.src.Transactions.List(ledger.Filter{})
		if len(txs) == 0 {
			fmt.Fprintf(w, "event: no_data\n")
			fmt.Fprintf(w, "data: {}\n\n")
		} else if err := writeEvent(w, lastIndex, "snapshot", txs); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if lastIndex == 0 {
		if err := sendSnapshot(); err != nil {
			s.l.Warn("transaction stream initial load", zap.Error(err))
			return
		}
	}

	sendChanges := func() error {
		recs, ok := s.src.Changes.ChangesAfter(lastIndex)
		if !ok {
			s.l.Debug("transaction stream cannot resume, resending snapshot", zap.Uint64("last_event_id", lastIndex))
			return sendSnapshot()
		}
		for _, rec := range recs {
			if err := writeEvent(w, rec.Index, "transaction", rec.Change); err != nil {
				return err
			}
			lastIndex = rec.Index
		}
		flusher.Flush()
		return nil
	}

	if err := sendChanges(); err != nil {
		s.l.Warn("transaction stream resume", zap.Error(err))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case <-pollTicker.C:
			if err := sendChanges(); err != nil {
				s.l.Warn("transaction stream poll", zap.Error(err))
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, id uint64, event string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "id: %d\n", id)
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", payload)
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) staticHandler() http.Handler {
	root, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	fileServer := http.FileServer(http.FS(root))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assetPath := r.URL.Path
		if assetPath == "" || assetPath == "/" {
			assetPath = "/index.html"
		}

		if !shouldCompress(assetPath) || !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			fileServer.ServeHTTP(w, r)
			return
		}

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Vary", "Accept-Encoding")

		gz := gzip.NewWriter(w)
		defer gz.Close()

		gzw := &gzipResponseWriter{ResponseWriter: w, writer: gz}
		fileServer.ServeHTTP(gzw, r)
	})
}

type gzipResponseWriter struct {
	http.ResponseWriter
	writer *gzip.Writer
}

func (w *gzipResponseWriter) WriteHeader(statusCode int) {
	w.Header().Del("Content-Length")
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	return w.writer.Write(b)
}

func shouldCompress(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case "", ".html", ".css", ".js", ".json", ".svg":
		return true
	default:
		return false
	}
}

// parseLastEventID extracts an SSE event ID from either the Last-Event-ID header or a query parameter.
// The header is preferred; the query parameter allows manual reconnects to resume from a known index.
func (s *Server) parseLastEventID(headerVal, queryVal string) uint64 {
	idStr := strings.TrimSpace(headerVal)
	if idStr == "" {
		idStr = strings.TrimSpace(queryVal)
	}
	if idStr == "" {
		return 0
	}

	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		s.l.Debug("invalid last event id", zap.String("id", idStr), zap.Error(err))
		return 0
	}
	return id
}
