package display

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"

	"qms/hospital-queue/internal/metrics"
)

const sendBuffer = 16

// Handler serves display sessions under prefix. A screen may pass room_id and
// counter_id query parameters, then refine with subscribe messages.
func Handler(prefix string, h *Hub) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &Client{
			ID:           uuid.NewString(),
			Send:         make(chan []byte, sendBuffer),
			Subscription: subscriptionFromRequest(session.Request()),
		}
		h.Register(client)
		metrics.DisplaySessions.Inc()
		defer func() {
			h.Unregister(client)
			metrics.DisplaySessions.Dec()
		}()

		go func() {
			for msg := range client.Send {
				if err := session.Send(string(msg)); err != nil {
					return
				}
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, Subscription{})
				continue
			}
			h.UpdateSubscription(client, Subscription{RoomID: parsed.RoomID, CounterID: parsed.CounterID})
		}
	})
}

func subscriptionFromRequest(r *http.Request) Subscription {
	if r == nil {
		return Subscription{}
	}
	query := r.URL.Query()
	roomID, _ := strconv.ParseInt(query.Get("room_id"), 10, 64)
	counterID, _ := strconv.ParseInt(query.Get("counter_id"), 10, 64)
	return Subscription{RoomID: roomID, CounterID: counterID}
}
