package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	ssePageSize  = 500
	sseKeepAlive = 15 * time.Second
)

// WriteSSE writes one event as a Server-Sent Events frame.
func WriteSSE(w io.Writer, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: sync\ndata: %s\n\n", f.EventID, data)
	return err
}

// ServeSSE streams the account's events after since until ctx ends.
// It replays the backlog first and then follows new appends.
func (s *Stream) ServeSSE(ctx context.Context, w http.ResponseWriter, accountID string, since int64) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("response writer does not support streaming")
	}

	// Subscribe before reading the backlog so nothing appended in between is missed.
	notify, unsubscribe := s.Subscribe(accountID)
	defer unsubscribe()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	last := since
	for {
		var err error
		if last, err = s.drain(ctx, w, accountID, last); err != nil {
			return err
		}
		flusher.Flush()

		select {
		case <-ctx.Done():
			return nil
		case <-notify:
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return err
			}
		}
	}
}

// drain writes every stored event after last and returns the new position.
func (s *Stream) drain(ctx context.Context, w io.Writer, accountID string, last int64) (int64, error) {
	for {
		batch, err := s.Since(ctx, accountID, last, ssePageSize)
		if err != nil {
			return last, err
		}
		for _, e := range batch {
			if err := WriteSSE(w, NewFrame(e)); err != nil {
				return last, err
			}
			last = e.ID
		}
		if len(batch) < ssePageSize {
			return last, nil
		}
	}
}
