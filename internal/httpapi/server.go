// Package httpapi serves the admin and health surface of a node. Hub and
// edge mount the same routes; the hub additionally reports cluster topology.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"humble/internal/hub"
	"humble/internal/mirror"
)

// Node is the view of a running hub or edge the API reads.
type Node interface {
	ID() string
	Uptime() time.Duration
	Sessions() *mirror.Sessions
	Bans() *mirror.Bans
}

// Server is the Echo application.
type Server struct {
	echo     *echo.Echo
	node     Node
	registry *hub.Registry
}

// New constructs the app. The registry is nil on an edge node; the topology
// section of /api/status is omitted there.
func New(node Node, registry *hub.Registry) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, node: node, registry: registry}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/status", s.handleStatus)
	s.echo.GET("/api/sessions", s.handleSessions)
	s.echo.GET("/api/bans", s.handleBans)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:   "ok",
		Sessions: s.node.Sessions().Len(),
	})
}

type statusResponse struct {
	Node       string           `json:"node"`
	UptimeSecs int64            `json:"uptime_secs"`
	Sessions   int              `json:"sessions"`
	Bans       int              `json:"bans"`
	Edges      []hub.EdgeStatus `json:"edges,omitempty"`
}

func (s *Server) handleStatus(c echo.Context) error {
	res := statusResponse{
		Node:       s.node.ID(),
		UptimeSecs: int64(s.node.Uptime() / time.Second),
		Sessions:   s.node.Sessions().Len(),
		Bans:       s.node.Bans().Len(),
	}
	if s.registry != nil {
		res.Edges = s.registry.Statuses()
	}
	return c.JSON(http.StatusOK, res)
}

type sessionResponse struct {
	Session   uint32 `json:"session"`
	Name      string `json:"name"`
	UserID    int32  `json:"user_id"`
	ChannelID uint32 `json:"channel_id"`
	EdgeID    string `json:"edge_id"`
	Mute      bool   `json:"mute,omitempty"`
	Deaf      bool   `json:"deaf,omitempty"`
	SelfMute  bool   `json:"self_mute,omitempty"`
	SelfDeaf  bool   `json:"self_deaf,omitempty"`
	Suppress  bool   `json:"suppress,omitempty"`
	Recording bool   `json:"recording,omitempty"`
}

func (s *Server) handleSessions(c echo.Context) error {
	all := s.node.Sessions().All()
	out := make([]sessionResponse, 0, len(all))
	for _, u := range all {
		out = append(out, sessionResponse{
			Session:   u.ID,
			Name:      u.Name,
			UserID:    u.UserID,
			ChannelID: u.ChannelID,
			EdgeID:    u.EdgeID,
			Mute:      u.Mute,
			Deaf:      u.Deaf,
			SelfMute:  u.SelfMute,
			SelfDeaf:  u.SelfDeaf,
			Suppress:  u.Suppress,
			Recording: u.Recording,
		})
	}
	return c.JSON(http.StatusOK, out)
}

type banResponse struct {
	Address      string `json:"address,omitempty"`
	Mask         int    `json:"mask,omitempty"`
	Name         string `json:"name,omitempty"`
	CertHash     string `json:"cert_hash,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Start        string `json:"start"`
	DurationSecs int64  `json:"duration_secs"`
}

func (s *Server) handleBans(c echo.Context) error {
	all := s.node.Bans().All()
	out := make([]banResponse, 0, len(all))
	for _, b := range all {
		r := banResponse{
			Mask:         b.Mask,
			Name:         b.Name,
			CertHash:     b.CertHash,
			Reason:       b.Reason,
			Start:        b.Start.UTC().Format(time.RFC3339),
			DurationSecs: int64(b.Duration / time.Second),
		}
		if b.IP != nil {
			r.Address = b.IP.String()
		}
		out = append(out, r)
	}
	return c.JSON(http.StatusOK, out)
}
