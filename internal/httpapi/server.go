package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"homechat/server/internal/core"
	"homechat/server/internal/store"
	"homechat/server/internal/ws"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Server is the Echo application hosting the websocket rooms and the small
// REST surface (health, state, quote of the day).
type Server struct {
	echo  *echo.Echo
	coord *core.Coordinator
	store *store.Store
}

// New constructs the Echo app with websocket and REST routes.
func New(coord *core.Coordinator, st *store.Store, version string) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, coord: coord, store: st}

	e.GET("/health", s.handleHealth)
	e.GET("/api/state", s.handleState)
	e.GET("/api/quote", s.handleQuote)
	ws.NewHandler(coord, version).Register(e)
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
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
	Status string `json:"status"`
	Home   int    `json:"home_sessions"`
	Dark   int    `json:"afterdark_sessions"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status: "ok",
		Home:   s.coord.Open.Registry.Count(),
		Dark:   s.coord.Restricted.Registry.Count(),
	})
}

type roomState struct {
	Room  string                `json:"room"`
	Users []protocolRosterEntry `json:"users"`
}

type protocolRosterEntry struct {
	Nick string `json:"nick"`
	Idle bool   `json:"idle,omitempty"`
}

type stateResponse struct {
	Rooms  []roomState       `json:"rooms"`
	Access []core.AccessInfo `json:"access"`
}

func (s *Server) handleState(c echo.Context) error {
	rooms := make([]roomState, 0, 2)
	for _, rm := range []*core.Room{s.coord.Open, s.coord.Restricted} {
		entries := rm.Registry.Roster()
		users := make([]protocolRosterEntry, 0, len(entries))
		for _, e := range entries {
			users = append(users, protocolRosterEntry{Nick: e.Nick, Idle: e.Idle})
		}
		rooms = append(rooms, roomState{Room: rm.ID, Users: users})
	}
	return c.JSON(http.StatusOK, stateResponse{
		Rooms:  rooms,
		Access: s.coord.AccessOverview(),
	})
}

// handleQuote serves one random quote in the legacy wire shape the terminal
// client expects: a one-element array of {q, a}.
func (s *Server) handleQuote(c echo.Context) error {
	if s.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "quote store is not configured")
	}
	q, err := s.store.RandomQuote(c.Request().Context())
	if err != nil {
		if errors.Is(err, store.ErrNoQuotes) {
			return echo.NewHTTPError(http.StatusNotFound, "no quotes available")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("pick quote: %v", err))
	}
	return c.JSON(http.StatusOK, []map[string]string{{"q": q.Text, "a": q.Author}})
}
