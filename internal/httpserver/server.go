// Package httpserver exposes the HTTP surface: a health probe and the
// websocket endpoint that bridges callers to the inference backend.
package httpserver

import (
	"context"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/chadiek/voicebridge/internal/bridge"
	"github.com/chadiek/voicebridge/internal/config"
)

// BackendDialer opens one inference stream per session.
type BackendDialer func(ctx context.Context) (bridge.BackendStream, error)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		// Allow any origin for demo use; restrict in production
		return true
	},
}

// Server bundles the router and the dependencies route handlers need.
type Server struct {
	cfg  config.Config
	dial BackendDialer
	log  *zap.SugaredLogger
}

// New constructs the HTTP server with routes registered on e.
func New(cfg config.Config, dial BackendDialer, log *zap.SugaredLogger) *Server {
	return &Server{cfg: cfg, dial: dial, log: log}
}

// Register mounts the routes.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/ws/:session/:caller/init/sessionstart", s.handleSession)
}

func (s *Server) handleSession(c echo.Context) error {
	sessionID := c.Param("session")
	caller := c.Param("caller")
	voice := voiceFromAudioURL(c.QueryParam("audioUrl"), s.cfg.DefaultVoice)
	prompts := bridge.PromptSettings{
		SystemPrompt:    c.QueryParam("systemPrompt"),
		InitialSentence: c.QueryParam("initialSentence"),
	}

	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warnw("ws upgrade failed", "error", err, "session", sessionID)
		return nil
	}

	stream, err := s.dial(c.Request().Context())
	if err != nil {
		s.log.Errorw("backend dial failed", "error", err, "session", sessionID)
		_ = conn.Close()
		return nil
	}

	client := newWSClient(conn)
	sess := bridge.New(sessionID, caller, voice, prompts, stream, client, bridge.Config{
		Model:           s.cfg.ModelName,
		FrameInterval:   s.cfg.FrameInterval,
		ChunkInterval:   s.cfg.ChunkInterval,
		InputBufferCap:  s.cfg.InputBufferCap,
		OutputBufferCap: s.cfg.OutputBufferCap,
	}, s.log)
	if err := sess.Start(); err != nil {
		s.log.Errorw("session start failed", "error", err, "session", sessionID)
		client.close()
		return nil
	}

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if mt == websocket.BinaryMessage {
			sess.WriteAudio(data)
		}
	}

	client.close()
	sess.Stop()
	return nil
}

// voiceFromAudioURL maps the greeting audio URL to a backend voice name:
// the file's basename minus its extension. Empty or unusable URLs select
// the fallback voice.
func voiceFromAudioURL(raw, fallback string) string {
	if raw == "" {
		return fallback
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fallback
	}
	base := path.Base(u.Path)
	name := strings.TrimSuffix(base, path.Ext(base))
	if name == "" || name == "." || name == "/" {
		return fallback
	}
	return name
}

// wsClient adapts a gorilla connection to the bridge's client view.
// gorilla permits one concurrent writer, so writes serialize on a mutex.
type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
	open atomic.Bool
}

func newWSClient(conn *websocket.Conn) *wsClient {
	c := &wsClient{conn: conn}
	c.open.Store(true)
	return c
}

func (c *wsClient) SendText(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *wsClient) SendAudio(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, chunk)
}

func (c *wsClient) Open() bool { return c.open.Load() }

func (c *wsClient) close() {
	if !c.open.CompareAndSwap(true, false) {
		return
	}
	_ = c.conn.Close()
}
