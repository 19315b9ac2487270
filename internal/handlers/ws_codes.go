// internal/handlers/ws_codes.go
package handlers

import "github.com/coder/websocket"

// Custom WebSocket close codes used by the game socket.
// These provide more specific reasons for closure than standard codes.
const (
	BadSubprotocolError   websocket.StatusCode = 3000 // Client connected with an unsupported subprotocol.
	InvalidAuthTokenError websocket.StatusCode = 3001 // Player token missing, invalid or expired.
	SupersededError       websocket.StatusCode = 3002 // The player opened a newer socket.
	StaleConnectionError  websocket.StatusCode = 3003 // No heartbeat within the presence window.
)
