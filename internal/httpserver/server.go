// Package httpserver serves the assistant panel, the chat backend and the
// integration status API.
package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/chadiek/taxmate/internal/account"
	"github.com/chadiek/taxmate/internal/agent"
	"github.com/chadiek/taxmate/internal/status"
	"github.com/chadiek/taxmate/internal/tts"
)

// Generator produces the assistant reply for one message.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// PanelCapture is a capture adapter that is fed microphone PCM by the panel connection.
type PanelCapture interface {
	agent.Capture
	Feed(pcm []byte)
}

// Options wires the server's collaborators. Nil collaborators disable the
// routes or features that need them.
type Options struct {
	Logger       zerolog.Logger
	AuthPassword string

	// Generator backs POST /chat.
	Generator Generator

	// Dispatcher is what panels send messages through.
	Dispatcher agent.Dispatcher
	// NewCapture returns a fresh capture adapter per panel.
	NewCapture func() PanelCapture
	// Streamer synthesizes spoken replies.
	Streamer    tts.Streamer
	VoiceOutput bool
	Strict      bool

	Status *status.Monitor

	// Account is the signed-in user shown in every panel's header.
	Account *account.Session
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router *echo.Echo
	opts   Options
	log    zerolog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

// New constructs the HTTP server with routes.
func New(opts Options) *Server {
	s := &Server{Router: newRouter(opts.Logger), opts: opts, log: opts.Logger}

	s.Router.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	s.Router.POST("/chat", s.handleChat)
	s.Router.GET("/ws/panel", s.handlePanel)
	s.Router.GET("/api/status", s.handleStatus)
	s.Router.POST("/api/status/refresh", s.handleStatusRefresh)
	return s
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

func (s *Server) handleChat(c echo.Context) error {
	if s.opts.Generator == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "chat backend not configured"})
	}
	var req chatRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid json body"})
	}
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "message is required"})
	}
	reply, err := s.opts.Generator.Generate(c.Request().Context(), msg)
	if err != nil {
		s.log.Error().Err(err).Msg("generate reply failed")
		return c.JSON(http.StatusBadGateway, errorResponse{Error: "assistant unavailable"})
	}
	return c.JSON(http.StatusOK, chatResponse{Reply: reply})
}

func (s *Server) handleStatus(c echo.Context) error {
	if s.opts.Status == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "status monitor not configured"})
	}
	return c.JSON(http.StatusOK, s.opts.Status.Last())
}

// handleStatusRefresh is the "status updated" signal raised after the OAuth popup closes.
func (s *Server) handleStatusRefresh(c echo.Context) error {
	if s.opts.Status == nil {
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "status monitor not configured"})
	}
	s.opts.Status.Refresh()
	return c.NoContent(http.StatusAccepted)
}

// authOK accepts the password as ?password=, a bearer token or X-Auth-Token.
func authOK(r *http.Request, password string) bool {
	if password == "" {
		return true
	}
	if r == nil {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == password {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == password {
		return true
	}
	return false
}
