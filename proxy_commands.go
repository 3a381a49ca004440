package satchel

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
)

var proxyUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ProxyCommand is the JSON format for cache control messages. Pages send
// commands over the socket and the proxy answers with a message of the same
// type suffixed "-result".
type ProxyCommand struct {
	Type  string   `json:"type"`
	Cache string   `json:"cache,omitempty"`
	URLs  []string `json:"urls,omitempty"`

	// Response fields.
	Dropped int                        `json:"dropped,omitempty"`
	Stats   map[string]ProxyCacheStats `json:"stats,omitempty"`
	Errors  []string                   `json:"errors,omitempty"`
	Error   string                     `json:"error,omitempty"`
}

// Proxy command types.
const (
	CmdClearCache     = "clear-cache"
	CmdGetCacheStats  = "get-cache-stats"
	CmdCacheURLs      = "cache-urls"
	CmdOptimizeCaches = "optimize-caches"
)

// CommandHandler returns an HTTP handler that upgrades to a WebSocket and
// serves cache control commands until the peer disconnects.
func (cp *CacheProxy) CommandHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := proxyUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		ctx := r.Context()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var cmd ProxyCommand
			if err := json.Unmarshal(msg, &cmd); err != nil {
				cp.sendCommandError(conn, "invalid command: "+err.Error())
				continue
			}
			if err := cp.writeCommandResult(conn, cp.runCommand(ctx, cmd)); err != nil {
				return
			}
		}
	}
}

// RunCommand executes one cache control command outside a socket, for
// administrative callers.
func (cp *CacheProxy) RunCommand(ctx context.Context, cmd ProxyCommand) ProxyCommand {
	return cp.runCommand(ctx, cmd)
}

func (cp *CacheProxy) runCommand(ctx context.Context, cmd ProxyCommand) ProxyCommand {
	switch cmd.Type {
	case CmdClearCache:
		return ProxyCommand{
			Type:    cmd.Type + "-result",
			Cache:   cmd.Cache,
			Dropped: cp.Clear(cmd.Cache),
		}

	case CmdGetCacheStats:
		return ProxyCommand{
			Type:  cmd.Type + "-result",
			Stats: cp.Stats(),
		}

	case CmdCacheURLs:
		resp := ProxyCommand{Type: cmd.Type + "-result"}
		for _, err := range cp.CacheURLs(ctx, cmd.URLs) {
			resp.Errors = append(resp.Errors, err.Error())
		}
		return resp

	case CmdOptimizeCaches:
		return ProxyCommand{
			Type:    cmd.Type + "-result",
			Dropped: cp.Optimize(),
		}

	default:
		return ProxyCommand{
			Type:  "error",
			Error: "unknown command: " + cmd.Type,
		}
	}
}

func (cp *CacheProxy) writeCommandResult(conn *websocket.Conn, resp ProxyCommand) error {
	payload, _ := json.Marshal(resp)
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (cp *CacheProxy) sendCommandError(conn *websocket.Conn, msg string) {
	resp, _ := json.Marshal(ProxyCommand{Type: "error", Error: msg})
	_ = conn.WriteMessage(websocket.TextMessage, resp)
}
