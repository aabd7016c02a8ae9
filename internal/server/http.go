package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/HendryAvila/datacommons-mcp/internal/datacommons"
	"github.com/ONSdigital/log.go/v2/log"
	"github.com/gorilla/mux"
	"github.com/mark3labs/mcp-go/server"
)

const (
	// MCPPath is the streamable HTTP endpoint.
	MCPPath = "/mcp"
	// HealthPath answers liveness probes.
	HealthPath = "/mcp/health"
	// APIKeyHeader carries a per-request Data Commons API key.
	APIKeyHeader = "X-API-Key"

	shutdownTimeout = 10 * time.Second
)

// NewHTTPHandler routes the MCP endpoint and the health check.
func NewHTTPHandler(s *server.MCPServer) http.Handler {
	streamable := server.NewStreamableHTTPServer(s,
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return datacommons.WithAPIKey(ctx, r.Header.Get(APIKeyHeader))
		}),
	)

	r := mux.NewRouter()
	r.Use(logRequests)
	r.Path(HealthPath).Methods(http.MethodGet).HandlerFunc(health)
	r.Path(MCPPath).Handler(streamable)
	return r
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

func health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(healthResponse{Status: "OK", Version: Version}); err != nil {
		log.Error(r.Context(), "writing health response", err)
	}
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Info(r.Context(), "http request", log.Data{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start).String(),
		})
	})
}

// ServeHTTP runs the HTTP transport on host:port until ctx is cancelled.
func ServeHTTP(ctx context.Context, s *server.MCPServer, host string, port int) error {
	srv := &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           NewHTTPHandler(s),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "http server listening", log.Data{"addr": srv.Addr, "mcp": MCPPath, "health": HealthPath})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info(ctx, "shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
