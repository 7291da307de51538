// Package rpc exposes the escrow node over JSON-RPC 2.0 on HTTP.
package rpc

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"escrowchain/core"
	"escrowchain/observability"
)

const (
	jsonRPCVersion       = "2.0"
	maxRequestBytes      = 1 << 20 // 1 MiB
	maxForwardedForAddrs = 16
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// ServerConfig controls authentication and throttling of the RPC surface.
type ServerConfig struct {
	// AuthToken, when set, must be presented as a Bearer token on every
	// mutating method.
	AuthToken string
	// RequestsPerMinute per client address. Zero or negative disables
	// limiting.
	RequestsPerMinute int
	Burst             int
	// TrustedProxies lists the IPs or CIDR ranges whose X-Forwarded-For
	// header is honoured. Requests from any other peer are keyed by
	// RemoteAddr.
	TrustedProxies []string
	Logger         *slog.Logger
}

type Server struct {
	node           *core.Node
	authToken      string
	limiter        *rateLimiter
	trustedProxies []netip.Prefix
	logger         *slog.Logger
	methods        map[string]method
}

type method struct {
	handler  func(r *http.Request, req *RPCRequest) (interface{}, *RPCError)
	mutating bool
}

func NewServer(node *core.Node, cfg ServerConfig) (*Server, error) {
	if node == nil {
		return nil, fmt.Errorf("rpc: node required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	proxies, err := parseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	s := &Server{
		node:           node,
		authToken:      strings.TrimSpace(cfg.AuthToken),
		limiter:        newRateLimiter(cfg.RequestsPerMinute, cfg.Burst),
		trustedProxies: proxies,
		logger:         logger.With(slog.String("component", "rpc")),
	}
	s.methods = map[string]method{
		"escrow_create":          {handler: s.handleEscrowCreate, mutating: true},
		"escrow_deposit":         {handler: s.handleEscrowDeposit, mutating: true},
		"escrow_confirmDelivery": {handler: s.handleEscrowConfirm, mutating: true},
		"escrow_refundBuyer":     {handler: s.handleEscrowRefund, mutating: true},
		"escrow_get":             {handler: s.handleEscrowGet},
		"account_get":            {handler: s.handleAccountGet},
	}
	return s, nil
}

// Handler returns the routed and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.With(s.limiter.middleware(s.clientSource)).Post("/", s.handle)
	return otelhttp.NewHandler(r, "escrow.rpc")
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handle decodes the JSON-RPC envelope and dispatches to the method table.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	reader := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(w, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(w, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(w, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}

	m, ok := s.methods[req.Method]
	if !ok {
		writeError(w, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method), nil)
		return
	}

	start := time.Now()
	result, rpcErr := s.invoke(m, r, req)
	code := 0
	if rpcErr != nil {
		code = rpcErr.Code
	}
	observability.RPC().Observe(req.Method, code, time.Since(start))

	if rpcErr != nil {
		if rpcErr.Code == codeServerError {
			s.logger.Error("rpc call failed",
				slog.String("method", req.Method),
				slog.String("request_id", w.Header().Get(requestIDHeader)),
				slog.Any("error", rpcErr.Data))
			rpcErr.Data = nil
		}
		writeError(w, statusForCode(rpcErr.Code), req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
		return
	}
	writeResult(w, req.ID, result)
}

func (s *Server) invoke(m method, r *http.Request, req *RPCRequest) (interface{}, *RPCError) {
	if m.mutating {
		if authErr := s.requireAuth(r); authErr != nil {
			return nil, authErr
		}
	}
	return m.handler(r, req)
}

// requireAuth enforces the bearer token when one is configured.
func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return nil
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func statusForCode(code int) int {
	switch code {
	case codeUnauthorized:
		return http.StatusUnauthorized
	case codeRateLimited:
		return http.StatusTooManyRequests
	case codeEscrowNotFound:
		return http.StatusNotFound
	case codeServerError:
		return http.StatusInternalServerError
	case codeEscrowUnauthorized:
		return http.StatusForbidden
	case codeEscrowInvalidState:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// parseTrustedProxies accepts bare IPs and CIDR ranges.
func parseTrustedProxies(entries []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		trimmed := strings.TrimSpace(entry)
		if trimmed == "" {
			continue
		}
		if strings.Contains(trimmed, "/") {
			prefix, err := netip.ParsePrefix(trimmed)
			if err != nil {
				return nil, fmt.Errorf("rpc: trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(trimmed)
		if err != nil {
			return nil, fmt.Errorf("rpc: trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func (s *Server) isTrustedProxy(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, prefix := range s.trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// clientSource keys a request by its peer address. X-Forwarded-For is only
// consulted when the peer is a trusted proxy; the chain is walked from the
// right and the first hop that is not itself a trusted proxy wins.
func (s *Server) clientSource(r *http.Request) string {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	peer, err := netip.ParseAddr(host)
	if err != nil || !s.isTrustedProxy(peer) {
		return host
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return host
	}
	parts := strings.Split(forwarded, ",")
	if len(parts) > maxForwardedForAddrs {
		return host
	}
	for i := len(parts) - 1; i >= 0; i-- {
		addr, ok := parseForwardedAddr(parts[i])
		if !ok {
			return host
		}
		if !s.isTrustedProxy(addr) {
			return addr.String()
		}
	}
	return host
}

func parseForwardedAddr(raw string) (netip.Addr, bool) {
	candidate := strings.TrimSpace(raw)
	if h, _, err := net.SplitHostPort(candidate); err == nil {
		candidate = h
	}
	addr, err := netip.ParseAddr(candidate)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}
