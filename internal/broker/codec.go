package broker

import (
	"github.com/gorilla/websocket"
)

// Frame kinds returned from Codec.Ping
const (
	textMessage = websocket.TextMessage
	pingMessage = websocket.PingMessage
)
