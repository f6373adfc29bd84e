// Package router implements the stateless front door: it resolves a room
// name to a coordinator (creating one on demand), forwards HTTP and
// websocket-upgrade traffic to it, and serves blob downloads directly.
package router

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"roomcoordinator/server/internal/blob"
	"roomcoordinator/server/internal/coordinator"
	"roomcoordinator/server/internal/metrics"
	"roomcoordinator/server/internal/ratelimit"
	"roomcoordinator/server/internal/store"
)

const maxUploadBytes = 10 << 20 // 10 MB

// Router is the Echo application fronting every room.
type Router struct {
	echo        *echo.Echo
	dataDir     string
	blobs       *blob.Store
	redisClient *redis.Client
	metrics     *metrics.Collector

	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]*coordinator.Coordinator
}

// New constructs the router. redisClient may be nil, in which case each
// room's rate limiter falls back to an in-process store.
func New(dataDir string, blobs *blob.Store, redisClient *redis.Client, mcol *metrics.Collector) *Router {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())
	e.HTTPErrorHandler = jsonErrorHandler

	r := &Router{
		echo:        e,
		dataDir:     dataDir,
		blobs:       blobs,
		redisClient: redisClient,
		metrics:     mcol,
		rooms:       make(map[string]*coordinator.Coordinator),
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	r.registerRoutes()
	return r
}

// Echo exposes the underlying Echo instance for tests.
func (r *Router) Echo() *echo.Echo { return r.echo }

// requestLogger logs every HTTP request via slog, matching the teacher's
// Echo middleware shape.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			slog.Info("http request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote", c.RealIP(),
			)
			return nil
		}
	}
}

// jsonErrorHandler ensures every error response is {"error": msg} JSON,
// regardless of whether it originated as an *echo.HTTPError or a bare
// error, preserving visibility in client developer tools per the
// propagation policy.
func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if writeErr := c.JSON(code, map[string]string{"error": msg}); writeErr != nil {
		slog.Error("write error response failed", "err", writeErr)
	}
}

func (r *Router) registerRoutes() {
	r.echo.GET("/health", func(c echo.Context) error { return c.JSON(http.StatusOK, map[string]string{"status": "ok"}) })
	r.echo.GET("/files/:key", r.handleFileDownload)

	r.echo.POST("/api/room", r.handleAllocateRoom)
	r.echo.Any("/api/room/:name/websocket", r.handleWebSocket)
	r.echo.POST("/api/room/:name/upload", r.handleUpload)
	r.echo.GET("/api/room/:name/channels", r.handleListChannels)
	r.echo.GET("/api/room/:name/channel/:channel/messages", r.handleChannelMessages)
	r.echo.GET("/api/room/:name/channel/search", r.handleChannelSearch)
	r.echo.GET("/api/room/:name/thread/:mid", r.handleThread)
	r.echo.DELETE("/api/room/:name/message/:mid", r.handleDeleteMessage)
	r.echo.PUT("/api/room/:name/message/:mid", r.handleEditMessage)
	r.echo.POST("/api/room/:name/message/:mid/reaction", r.handleAddReaction)
	r.echo.DELETE("/api/room/:name/message/:mid/reaction", r.handleRemoveReaction)
	r.echo.POST("/api/room/:name/message/:mid/pin", r.handlePinMessage)
	r.echo.DELETE("/api/room/:name/message/:mid/pin", r.handleUnpinMessage)
	r.echo.GET("/api/room/:name/info", r.handleGetRoomInfo)
	r.echo.PUT("/api/room/:name/info", r.handleSetRoomInfo)
	r.echo.POST("/api/room/:name/destruction/start", r.handleDestructionStart)
	r.echo.POST("/api/room/:name/destruction/cancel", r.handleDestructionCancel)
	r.echo.GET("/api/room/:name/export", r.handleExport)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (r *Router) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := r.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down router")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.echo.Shutdown(shutCtx)
	}
}

// resolveRoomID implements the router's name-resolution rules: 64 hex
// characters are used directly as the room identity; names of 32
// characters or fewer are hashed into a deterministic identity; anything
// longer is rejected.
func resolveRoomID(name string) (string, error) {
	if len(name) == 64 && isHex(name) {
		return strings.ToLower(name), nil
	}
	if len(name) > 32 {
		return "", echo.NewHTTPError(http.StatusNotFound, "Name too long")
	}
	sum := sha256.Sum256([]byte("room-name:" + name))
	return hex.EncodeToString(sum[:]), nil
}

func isHex(s string) bool {
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

func (r *Router) resolveRoom(c echo.Context) (string, error) {
	return resolveRoomID(c.Param("name"))
}

// getOrCreateCoordinator returns the coordinator for roomID, opening its
// SQLite database and rate limiter on first reference.
func (r *Router) getOrCreateCoordinator(roomID string) (*coordinator.Coordinator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.rooms[roomID]; ok {
		return c, nil
	}

	dbPath := filepath.Join(r.dataDir, "rooms", roomID+".db")
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open room store: %w", err)
	}

	var limiter *ratelimit.Limiter
	if r.redisClient != nil {
		limiter = ratelimit.New(ratelimit.NewRedisStore(r.redisClient, roomID))
	} else {
		limiter = ratelimit.New(nil)
	}

	c, err := coordinator.New(roomID, st, r.blobs, limiter, r.metrics)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("create coordinator: %w", err)
	}
	r.rooms[roomID] = c
	r.metrics.SetRoomsActive(len(r.rooms))
	slog.Info("coordinator created", "room", roomID)
	return c, nil
}

func (r *Router) handleAllocateRoom(c echo.Context) error {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to allocate room identity")
	}
	id := hex.EncodeToString(raw[:])
	return c.String(http.StatusOK, id)
}

func (r *Router) handleWebSocket(c echo.Context) error {
	roomID, err := r.resolveRoom(c)
	if err != nil {
		return err
	}
	co, err := r.getOrCreateCoordinator(roomID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	conn, err := r.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "room", roomID, "err", err)
		return nil
	}

	session := co.AcceptStream(conn, c.RealIP())

	go func() {
		for b := range session.Outbox() {
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			co.RemoveSession(session)
			return nil
		}
		co.OnInboundFrame(session, data)
	}
}

func (r *Router) handleUpload(c echo.Context) error {
	roomID, err := r.resolveRoom(c)
	if err != nil {
		return err
	}
	if _, err := r.getOrCreateCoordinator(roomID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	c.Request().Body = http.MaxBytesReader(c.Response(), c.Request().Body, maxUploadBytes+1024)
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart file field \"file\" is required")
	}
	if fileHeader.Size > maxUploadBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "file exceeds the 10 MB limit")
	}

	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("open uploaded file: %v", err))
	}
	defer src.Close()

	meta, err := r.blobs.Put(c.Request().Context(), blob.PutInput{
		Kind:         "upload",
		OriginalName: fileHeader.Filename,
		ContentType:  strings.TrimSpace(fileHeader.Header.Get(echo.HeaderContentType)),
		Reader:       src,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("persist blob: %v", err))
	}

	return c.JSON(http.StatusCreated, map[string]any{
		"fileUrl":  "/files/" + meta.ID,
		"fileName": meta.OriginalName,
		"fileType": meta.ContentType,
		"fileSize": meta.SizeBytes,
	})
}

func (r *Router) handleFileDownload(c echo.Context) error {
	key := strings.TrimSpace(c.Param("key"))
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "file key is required")
	}
	result, err := r.blobs.Open(c.Request().Context(), key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "file not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	defer result.File.Close()

	c.Response().Header().Set(echo.HeaderContentType, result.Metadata.ContentType)
	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(result.Metadata.SizeBytes, 10))
	c.Response().Header().Set("Cache-Control", "public, max-age=31536000")
	c.Response().WriteHeader(http.StatusOK)
	_, copyErr := io.Copy(c.Response().Writer, result.File)
	return copyErr
}

func (r *Router) handleListChannels(c echo.Context) error {
	co, err := r.roomFromPath(c)
	if err != nil {
		return err
	}
	chans, err := co.ListChannels(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, chans)
}

func (r *Router) handleChannelSearch(c echo.Context) error {
	co, err := r.roomFromPath(c)
	if err != nil {
		return err
	}
	chans, err := co.SearchChannels(c.Request().Context(), c.QueryParam("q"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, chans)
}

func (r *Router) handleChannelMessages(c echo.Context) error {
	co, err := r.roomFromPath(c)
	if err != nil {
		return err
	}
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	msgs, err := co.ListChannelMessages(c.Request().Context(), c.Param("channel"), limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, msgs)
}

func (r *Router) handleThread(c echo.Context) error {
	co, err := r.roomFromPath(c)
	if err != nil {
		return err
	}
	nested := c.QueryParam("nested") == "true"
	replies, err := co.GetThreadReplies(c.Request().Context(), c.Param("mid"), nested)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, replies)
}

type ownerRequest struct {
	Username   string `json:"username"`
	NewMessage string `json:"newMessage"`
}

func (r *Router) handleDeleteMessage(c echo.Context) error {
	co, err := r.roomFromPath(c)
	if err != nil {
		return err
	}
	var body ownerRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if err := co.DeleteMessage(c.Request().Context(), c.Param("mid"), body.Username); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusOK)
}

func (r *Router) handleEditMessage(c echo.Context) error {
	co, err := r.roomFromPath(c)
	if err != nil {
		return err
	}
	var body ownerRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if err := co.EditMessage(c.Request().Context(), c.Param("mid"), body.Username, body.NewMessage); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusOK)
}

type reactionRequest struct {
	Username string `json:"username"`
	Emoji    string `json:"emoji"`
}

func (r *Router) handleAddReaction(c echo.Context) error {
	co, err := r.roomFromPath(c)
	if err != nil {
		return err
	}
	var body reactionRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if err := co.AddReaction(c.Request().Context(), c.Param("mid"), body.Username, body.Emoji); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusOK)
}

func (r *Router) handleRemoveReaction(c echo.Context) error {
	co, err := r.roomFromPath(c)
	if err != nil {
		return err
	}
	var body reactionRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if err := co.RemoveReaction(c.Request().Context(), c.Param("mid"), body.Username, body.Emoji); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusOK)
}

type pinRequest struct {
	Channel string `json:"channel"`
}

func (r *Router) handlePinMessage(c echo.Context) error {
	co, err := r.roomFromPath(c)
	if err != nil {
		return err
	}
	var body pinRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if err := co.PinMessage(c.Request().Context(), c.Param("mid"), body.Channel); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusOK)
}

func (r *Router) handleUnpinMessage(c echo.Context) error {
	co, err := r.roomFromPath(c)
	if err != nil {
		return err
	}
	var body pinRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if err := co.UnpinMessage(c.Request().Context(), c.Param("mid"), body.Channel); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusOK)
}

func (r *Router) handleGetRoomInfo(c echo.Context) error {
	co, err := r.roomFromPath(c)
	if err != nil {
		return err
	}
	name, note, err := co.GetRoomInfo(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"name": name, "note": note})
}

func (r *Router) handleSetRoomInfo(c echo.Context) error {
	co, err := r.roomFromPath(c)
	if err != nil {
		return err
	}
	var body struct {
		Name *string `json:"name"`
		Note *string `json:"note"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if err := co.UpdateRoomInfo(c.Request().Context(), body.Name, body.Note); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusOK)
}

func (r *Router) handleDestructionStart(c echo.Context) error {
	co, err := r.roomFromPath(c)
	if err != nil {
		return err
	}
	var body struct {
		CountdownSeconds int64 `json:"countdownSeconds"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if err := co.StartDestruction(c.Request().Context(), body.CountdownSeconds); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusOK)
}

func (r *Router) handleDestructionCancel(c echo.Context) error {
	co, err := r.roomFromPath(c)
	if err != nil {
		return err
	}
	if err := co.CancelDestruction(c.Request().Context()); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusOK)
}

func (r *Router) handleExport(c echo.Context) error {
	co, err := r.roomFromPath(c)
	if err != nil {
		return err
	}
	export, err := co.ExportAll(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, export)
}

func (r *Router) roomFromPath(c echo.Context) (*coordinator.Coordinator, error) {
	roomID, err := r.resolveRoom(c)
	if err != nil {
		return nil, err
	}
	co, err := r.getOrCreateCoordinator(roomID)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return co, nil
}

func httpError(err error) error {
	var ce *coordinator.Error
	if errors.As(err, &ce) {
		switch ce.Kind {
		case coordinator.KindNotFound:
			return echo.NewHTTPError(http.StatusNotFound, ce.Msg)
		case coordinator.KindForbidden:
			return echo.NewHTTPError(http.StatusForbidden, ce.Msg)
		case coordinator.KindInvalidArgument, coordinator.KindConflict:
			return echo.NewHTTPError(http.StatusBadRequest, ce.Msg)
		case coordinator.KindRateLimited:
			return echo.NewHTTPError(http.StatusTooManyRequests, ce.Msg)
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, ce.Msg)
		}
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

// EnsureDataDir creates the router's room-database directory up front.
func EnsureDataDir(dataDir string) error {
	return os.MkdirAll(filepath.Join(dataDir, "rooms"), 0o755)
}
