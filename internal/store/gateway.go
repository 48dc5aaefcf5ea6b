package store

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Gateway hosts a MemoryStore over websocket. Each connection gets its own
// MemoryClient handle so on-disconnect mutations fire when its socket dies.
type Gateway struct {
	store    *MemoryStore
	upgrader websocket.Upgrader
	log      *zap.Logger
}

func NewGateway(log *zap.Logger) *Gateway {
	return &Gateway{
		store: NewMemoryStore(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log,
	}
}

// Register attaches the gateway routes to an echo instance.
func (g *Gateway) Register(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/store", g.handleSocket)
}

func (g *Gateway) handleSocket(c echo.Context) error {
	conn, err := g.upgrader.Upgrade(c.Response().Writer, c.Request(), nil)
	if err != nil {
		g.log.Error("upgrade failed", zap.Error(err))
		return err
	}

	connID := uuid.NewString()
	handle := g.store.Client()
	log := g.log.With(zap.String("conn", connID))
	log.Info("client connected", zap.String("remote", conn.RemoteAddr().String()))

	// Close fires the handle's on-disconnect ops whether the peer left
	// gracefully or the socket broke.
	defer func() {
		handle.Close()
		conn.Close()
		log.Info("client disconnected")
	}()

	var writeMu sync.Mutex
	write := func(f frame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(f); err != nil {
			log.Warn("write failed", zap.Error(err))
		}
	}

	for {
		var req frame
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("read failed", zap.Error(err))
			}
			return nil
		}
		write(g.serve(handle, req))
	}
}

// serve executes one request against the connection's store handle.
func (g *Gateway) serve(handle *MemoryClient, req frame) frame {
	ctx := context.Background()
	resp := frame{ID: req.ID, Op: opResult}

	switch req.Op {
	case opSet:
		if err := handle.Set(ctx, req.Path, req.Value); err != nil {
			resp.Error = err.Error()
		}
	case opUpdate:
		if err := handle.Update(ctx, req.Patch); err != nil {
			resp.Error = err.Error()
		}
	case opRemove:
		if err := handle.Remove(ctx, req.Path); err != nil {
			resp.Error = err.Error()
		}
	case opGet:
		value, err := handle.Get(ctx, req.Path)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Value = value
		}
	case opPush:
		key, err := handle.Push(ctx, req.Path, req.Value)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Key = key
		}
	case opQuery:
		q := Query{}
		if req.Query != nil {
			q = *req.Query
		}
		entries, err := handle.Query(ctx, req.Path, q)
		if err != nil {
			resp.Error = err.Error()
		} else {
			resp.Entries = entries
		}
	case opOnDisconnect:
		if req.Disc == nil {
			resp.Error = "missing disconnect op"
			break
		}
		if err := handle.OnDisconnect(ctx, *req.Disc); err != nil {
			resp.Error = err.Error()
		}
	case opClearDisc:
		if err := handle.ClearOnDisconnect(ctx); err != nil {
			resp.Error = err.Error()
		}
	default:
		resp.Error = "unknown op " + req.Op
	}
	return resp
}
