package liveserver

import (
	"strings"
	"time"
)

// Message is one frame pushed to dashboard clients. Engine bus events are
// mirrored one-to-one: Stream is the first topic segment so clients can
// route frames without parsing topics, Key is the bus partition key.
type Message struct {
	Stream string      `json:"stream"`
	Topic  string      `json:"topic"`
	Key    string      `json:"key,omitempty"`
	At     int64       `json:"at"` // unix milliseconds
	Data   interface{} `json:"data,omitempty"`
}

// Stream names carried by the engine bus.
const (
	StreamSignal    = "signal"
	StreamOrder     = "order"
	StreamPosition  = "position"
	StreamExit      = "exit"
	StreamReconcile = "reconcile"
	StreamSession   = "session"
	StreamToken     = "token"

	// StreamSnapshot tags the engine-state frames a client receives on
	// connect, before any live frame.
	StreamSnapshot = "snapshot"
)

// NewEvent mirrors a bus event into a client frame.
func NewEvent(topic, key string, data interface{}) Message {
	return Message{
		Stream: streamOf(topic),
		Topic:  topic,
		Key:    key,
		At:     time.Now().UnixMilli(),
		Data:   data,
	}
}

// NewSnapshot builds one on-connect state frame. Topic names the state
// being snapshotted (e.g. "snapshot.position").
func NewSnapshot(topic, key string, data interface{}) Message {
	return Message{
		Stream: StreamSnapshot,
		Topic:  topic,
		Key:    key,
		At:     time.Now().UnixMilli(),
		Data:   data,
	}
}

func streamOf(topic string) string {
	if i := strings.IndexByte(topic, '.'); i > 0 {
		return topic[:i]
	}
	return topic
}
