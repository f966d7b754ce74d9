package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const feedWriteTimeout = 10 * time.Second

// handleFeed upgrades to a websocket and streams committed changes. The
// client passes since=<watermark>; everything newer is replayed from the
// durable log before live changes flow, so a subscriber never observes a gap
// between catch-up and stream.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request, _ string) {
	since := parseBoundedInt64(r.URL.Query().Get("since"), 0, 0, 1<<62)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "feed closed")

	ctx := r.Context()

	// subscribe before replay: changes committed during the replay land in
	// the subscription buffer and are filtered by seq below
	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub)

	watermark := since
	for {
		changes, err := s.log.After(ctx, watermark, s.cfg.ChangePageSize)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "change log unavailable")
			return
		}
		if len(changes) == 0 {
			break
		}
		for _, change := range changes {
			if err := writeChange(ctx, conn, change); err != nil {
				return
			}
			watermark = change.Seq
		}
	}

	// drain reads so close frames are processed
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-readDone:
			return
		case change, ok := <-sub.C():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "feed closed")
				return
			}
			if change.Seq <= watermark {
				continue
			}
			if err := writeChange(ctx, conn, change); err != nil {
				return
			}
			watermark = change.Seq
		}
	}
}

func writeChange(ctx context.Context, conn *websocket.Conn, change any) error {
	writeCtx, cancel := context.WithTimeout(ctx, feedWriteTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, change)
}
