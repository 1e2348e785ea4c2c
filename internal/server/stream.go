package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/xkilldash9x/spacegraph/api/schemas"
)

// broadcaster fans committed event batches out to SSE subscribers. The store
// offers no sink removal, so the server registers one broadcaster for its
// lifetime and connections come and go underneath it.
type broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan []schemas.Event
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan []schemas.Event)}
}

// OnEvents implements schemas.EventSink. A subscriber that cannot keep up
// loses batches instead of stalling the commit path.
func (b *broadcaster) OnEvents(events []schemas.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- events:
		default:
		}
	}
}

func (b *broadcaster) subscribe() (int, chan []schemas.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	ch := make(chan []schemas.Event, 16)
	b.subs[b.next] = ch
	return b.next, ch
}

func (b *broadcaster) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// streamEvents serves the committed event feed as server-sent events, one
// "scene" event per committed schemas.Event.
func (s *Server) streamEvents(c echo.Context) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	id, ch := s.stream.subscribe()
	defer s.stream.unsubscribe(id)

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case batch := <-ch:
			for _, ev := range batch {
				if err := writeSSEEvent(c, "scene", ev); err != nil {
					return nil
				}
			}
		}
	}
}

func writeSSEEvent(c echo.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Response(), "data: %s\n\n", data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}
