package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/enactai/enact/internal/service"
)

// DataSource is the upstream data the tools expose.
type DataSource interface {
	CurrentCongress(ctx context.Context) (int, error)
	Bills(ctx context.Context, congress, limit, offset int) (json.RawMessage, error)
	Bill(ctx context.Context, congress int, billType string, number int) (json.RawMessage, error)
	Member(ctx context.Context, bioguideID string) (json.RawMessage, error)
	Committee(ctx context.Context, chamber, code string) (json.RawMessage, error)
	Amendments(ctx context.Context, congress, limit, offset int) (json.RawMessage, error)
	CongressInfo(ctx context.Context, congress int) (json.RawMessage, error)
	HouseVotes(ctx context.Context, congress, session, limit int) (json.RawMessage, error)
	GovInfoSearch(ctx context.Context, query string, pageSize int) (json.RawMessage, error)
}

// Config wires an MCPServer.
type Config struct {
	Authorizer *service.Authorizer
	Lifecycle  *service.Lifecycle
	Data       DataSource
	Logger     *slog.Logger
	Version    string

	// TrustProxyHeaders takes the caller address from X-Forwarded-For or
	// X-Real-IP. Enable only behind a proxy that sets them.
	TrustProxyHeaders bool
}

// MCPServer wraps the mcp-go server with the congressional data tools.
// Every tool call carries its own token and is authorized before it runs;
// no session state is kept between calls.
type MCPServer struct {
	auth      *service.Authorizer
	lifecycle *service.Lifecycle
	data      DataSource
	logger    *slog.Logger
	server    *server.MCPServer
	tools     []string
	trustXFF  bool
}

// NewMCPServer creates an MCPServer with all tools and resources
// registered.
func NewMCPServer(cfg Config) *MCPServer {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	s := &MCPServer{
		auth:      cfg.Authorizer,
		lifecycle: cfg.Lifecycle,
		data:      cfg.Data,
		logger:    cfg.Logger,
		trustXFF:  cfg.TrustProxyHeaders,
	}

	mcpServer := server.NewMCPServer(
		"EnactAI Congressional Data",
		cfg.Version,
		server.WithResourceCapabilities(true, false),
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)

	s.registerTools(mcpServer)
	s.registerResources(mcpServer)

	s.server = mcpServer
	return s
}

// Server returns the underlying mcp-go MCPServer instance.
func (s *MCPServer) Server() *server.MCPServer {
	return s.server
}

// Tools returns the registered tool names in registration order.
func (s *MCPServer) Tools() []string {
	return append([]string(nil), s.tools...)
}

// ServeStdio starts the MCP server in stdio mode. Callers have no network
// address in this mode, so tokens with an IP whitelist are refused.
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server in stdio mode")
	return server.ServeStdio(s.server)
}

// ServeHTTP serves Streamable HTTP at /mcp on addr until ctx is done.
func (s *MCPServer) ServeHTTP(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/mcp", s.HTTPHandler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("MCP HTTP server starting", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("MCP HTTP server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

// HTTPHandler returns the Streamable HTTP handler. Each request's client
// address is made available to the tool gate.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.server,
		server.WithStateLess(true),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return withCallerAddress(ctx, clientAddress(r, s.trustXFF))
		}),
	)
}

type callerKey struct{}

func withCallerAddress(ctx context.Context, addr string) context.Context {
	return context.WithValue(ctx, callerKey{}, addr)
}

func callerAddress(ctx context.Context) string {
	addr, _ := ctx.Value(callerKey{}).(string)
	return addr
}

// clientAddress returns the connection's remote host. With trustProxy it
// prefers the first X-Forwarded-For hop, then X-Real-IP.
func clientAddress(r *http.Request, trustProxy bool) string {
	if !trustProxy {
		return remoteHost(r)
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}
	return remoteHost(r)
}

func remoteHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
