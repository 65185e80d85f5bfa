package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/instainr/internal/api"
	"github.com/vadiminshakov/instainr/internal/domain"
	"github.com/vadiminshakov/instainr/internal/observability"
	"github.com/vadiminshakov/instainr/internal/services/pricer"
	"github.com/vadiminshakov/instainr/internal/services/settlement"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

const (
	maxBodyBytes   = 1 << 20
	nonceCookieTTL = time.Hour
)

type settlementService interface {
	Nonce() (api.NonceResponse, error)
	CompleteSIWE(ctx context.Context, req api.CompleteSIWERequest, storedNonce string) api.CompleteSIWEResponse
	Initiate(ctx context.Context, req api.InitiatePayRequest) (api.InitiatePayResponse, error)
	Confirm(ctx context.Context, req api.ConfirmPaymentRequest) (api.ConfirmPaymentResponse, error)
}

type priceSnapshotter interface {
	Snapshot() pricer.Snapshot
}

type balanceReader interface {
	Balances(ctx context.Context, address string) (domain.Balances, error)
}

// Server exposes the settlement backend over HTTP.
type Server struct {
	Addr string
	// SecureCookies marks the nonce cookie Secure. Enable behind TLS.
	SecureCookies bool

	l          *zap.Logger
	settlement settlementService
	prices     priceSnapshotter
	balances   balanceReader
	metrics    http.Handler
}

// NewServer creates a new API server. balances may be nil, which disables
// /balances.
func NewServer(addr string, l *zap.Logger, s settlementService, prices priceSnapshotter, balances balanceReader) *Server {
	return &Server{
		Addr:       addr,
		l:          l,
		settlement: s,
		prices:     prices,
		balances:   balances,
		metrics:    observability.Handler(),
	}
}

// Handler returns the routed and instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /nonce", s.handleNonce)
	mux.HandleFunc("POST /complete-siwe", s.handleCompleteSIWE)
	mux.HandleFunc("POST /initiate-pay", s.handleInitiatePay)
	mux.HandleFunc("POST /confirm-payment", s.handleConfirmPayment)
	mux.HandleFunc("GET /prices", s.handlePrices)
	mux.HandleFunc("GET /balances", s.handleBalances)
	mux.Handle("GET /metrics", s.metrics)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	return instrument(mux)
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

	s.l.Info("api server listening", zap.String("addr", s.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWithAutoTLS runs an HTTPS server with automatic TLS certificates via ACME.
// It also starts an HTTP server on port 80 to handle ACME HTTP-01 challenges.
func (s *Server) StartWithAutoTLS(ctx context.Context, domains []string, cacheDir string) error {
	if len(domains) == 0 {
		return errors.New("no domains provided for automatic TLS")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}
	s.SecureCookies = true

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpsSrv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Warn("http (acme) server shutdown error", zap.Error(err))
		}
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Warn("https server shutdown error", zap.Error(err))
		}
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.l.Error("http (acme) server error", zap.Error(err))
		}
	}()

	s.l.Info("api server listening with auto TLS", zap.String("addr", s.Addr), zap.Strings("domains", domains))
	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleNonce(w http.ResponseWriter, _ *http.Request) {
	resp, err := s.settlement.Nonce()
	if err != nil {
		s.l.Error("failed to issue nonce", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "Failed to generate nonce"})
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     api.NonceCookie,
		Value:    resp.Nonce,
		Path:     "/",
		MaxAge:   int(nonceCookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCompleteSIWE(w http.ResponseWriter, r *http.Request) {
	var req api.CompleteSIWERequest
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusOK, api.CompleteSIWEResponse{Status: api.StatusError, Message: "Invalid request format"})
		return
	}

	stored := ""
	if c, err := r.Cookie(api.NonceCookie); err == nil {
		stored = c.Value
	}

	resp := s.settlement.CompleteSIWE(r.Context(), req, stored)
	if resp.IsValid {
		// the nonce is single use
		http.SetCookie(w, &http.Cookie{
			Name:     api.NonceCookie,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   s.SecureCookies,
			SameSite: http.SameSiteLaxMode,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInitiatePay(w http.ResponseWriter, r *http.Request) {
	var req api.InitiatePayRequest
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "Invalid request body"})
		return
	}

	resp, err := s.settlement.Initiate(r.Context(), req)
	if err != nil {
		if domain.IsValidation(err) {
			writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: domain.Reason(err)})
			return
		}
		s.l.Error("initiate payment failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "Internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req api.ConfirmPaymentRequest
	if err := decode(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, api.ConfirmPaymentResponse{Error: "Invalid payload or missing reference"})
		return
	}

	resp, err := s.settlement.Confirm(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case domain.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, api.ConfirmPaymentResponse{Error: domain.Reason(err)})
	case errors.Is(err, settlement.ErrUnknownReference):
		writeJSON(w, http.StatusNotFound, api.ConfirmPaymentResponse{Error: "Payment reference not found"})
	case errors.Is(err, settlement.ErrPortal):
		writeJSON(w, http.StatusInternalServerError, api.ConfirmPaymentResponse{Error: "Failed to verify payment with Developer Portal"})
	default:
		s.l.Error("confirm payment failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, api.ConfirmPaymentResponse{Error: "Internal server error"})
	}
}

func (s *Server) handlePrices(w http.ResponseWriter, _ *http.Request) {
	snap := s.prices.Snapshot()
	if len(snap.Prices) == 0 {
		msg := "no price snapshot yet"
		if snap.Err != nil {
			msg = snap.Err.Error()
		}
		writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{Error: "Failed to fetch prices", Message: msg})
		return
	}

	body := make(map[string]any, len(domain.Assets)+2)
	for _, a := range domain.Assets {
		body[a.String()] = snap.Prices.Get(a).InexactFloat64()
	}
	if snap.Stale {
		body["stale"] = true
		if snap.Err != nil {
			body["error"] = snap.Err.Error()
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	if s.balances == nil {
		writeJSON(w, http.StatusServiceUnavailable, api.BalancesResponse{Error: "balance lookup disabled", Timestamp: time.Now().UTC()})
		return
	}

	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if !common.IsHexAddress(address) {
		writeJSON(w, http.StatusBadRequest, api.BalancesResponse{
			Address:   address,
			Error:     "a valid address query parameter is required",
			Timestamp: time.Now().UTC(),
		})
		return
	}

	balances, err := s.balances.Balances(r.Context(), address)
	if err != nil {
		s.l.Warn("balance lookup failed", zap.String("address", address), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, api.BalancesResponse{
			Address:   address,
			Error:     err.Error(),
			Timestamp: time.Now().UTC(),
		})
		return
	}

	out := make(map[string]string, len(domain.Assets))
	for _, a := range domain.Assets {
		out[a.String()] = balances.Get(a).String()
	}
	writeJSON(w, http.StatusOK, api.BalancesResponse{
		Success:   true,
		Address:   address,
		Balances:  out,
		Timestamp: time.Now().UTC(),
	})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		observability.RecordHTTPRequest(routeLabel(r), rec.code, time.Since(start))
	})
}

// routeLabel is the mux pattern that served r. Unmatched paths share one
// label to keep metric cardinality bounded.
func routeLabel(r *http.Request) string {
	if r.Pattern == "" {
		return "other"
	}
	return r.Pattern
}
