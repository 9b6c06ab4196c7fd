package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/aristath/riskdesk/internal/events"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	streamBuffer     = 100
	streamWriteWait  = 5 * time.Second
	streamPingPeriod = 30 * time.Second
)

// EventSource is what the stream subscribes to
type EventSource interface {
	SubscribeAll(handler events.Handler) func()
}

// EventsStreamHandler streams bus events to websocket clients
type EventsStreamHandler struct {
	bus            EventSource
	originPatterns []string
	log            zerolog.Logger
}

// NewEventsStreamHandler creates a stream handler. originPatterns are passed to the
// websocket handshake; "*" accepts any origin.
func NewEventsStreamHandler(bus EventSource, originPatterns []string, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		bus:            bus,
		originPatterns: originPatterns,
		log:            log.With().Str("component", "events_stream").Logger(),
	}
}

type streamMessage struct {
	Type      string    `json:"type"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ServeHTTP handles GET /api/admin/events/ws. ?types=a,b limits the stream to those event types.
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("Websocket handshake failed")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	var allowed map[events.EventType]bool
	if filter := r.URL.Query().Get("types"); filter != "" {
		allowed = make(map[events.EventType]bool)
		for _, t := range strings.Split(filter, ",") {
			allowed[events.EventType(strings.TrimSpace(t))] = true
		}
	}

	queue := make(chan *events.Event, streamBuffer)
	unsubscribe := h.bus.SubscribeAll(func(e *events.Event) {
		if allowed != nil && !allowed[e.Type] {
			return
		}
		select {
		case queue <- e:
		default:
			h.log.Warn().Str("event_type", string(e.Type)).Msg("Stream buffer full, dropping event")
		}
	})
	defer unsubscribe()

	// The client never sends data; CloseRead handles control frames and
	// cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	h.log.Info().Str("remote", r.RemoteAddr).Msg("Client connected to event stream")

	if err := h.write(ctx, conn, streamMessage{Type: "connected", Message: "subscribed to event stream", Timestamp: time.Now()}); err != nil {
		return
	}

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			h.log.Info().Str("remote", r.RemoteAddr).Msg("Client disconnected from event stream")
			conn.Close(websocket.StatusNormalClosure, "")
			return

		case e := <-queue:
			if err := h.write(ctx, conn, e); err != nil {
				h.logWriteError(err)
				return
			}

		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, streamWriteWait)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				h.logWriteError(err)
				return
			}
		}
	}
}

func (h *EventsStreamHandler) write(ctx context.Context, conn *websocket.Conn, v interface{}) error {
	wctx, cancel := context.WithTimeout(ctx, streamWriteWait)
	defer cancel()
	return wsjson.Write(wctx, conn, v)
}

func (h *EventsStreamHandler) logWriteError(err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return
	}
	h.log.Warn().Err(err).Msg("Event stream write failed")
}
