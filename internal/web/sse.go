package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"CaisaChat/internal/render"
	"CaisaChat/internal/session"
)

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeSSEEvent(w io.Writer, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

type bubbleEvent struct {
	HTML string `json:"html"`
}

type doneEvent struct {
	Outcome string `json:"outcome"`
}

// sseDisplay streams a turn to the browser as re-rendered bubbles
type sseDisplay struct {
	w  io.Writer
	rc *http.ResponseController
}

func (d *sseDisplay) send(event string, role session.Role, text string) error {
	if err := writeSSEEvent(d.w, event, bubbleEvent{HTML: string(render.Bubble(role, text))}); err != nil {
		return err
	}
	return d.rc.Flush()
}

func (d *sseDisplay) ShowUser(text string) error {
	return d.send("user", session.RoleUser, text)
}

func (d *sseDisplay) Update(accumulated string) error {
	return d.send("delta", session.RoleAssistant, accumulated)
}

func (d *sseDisplay) ShowError(annotation string) error {
	return d.send("error", session.RoleAssistant, annotation)
}

// formDisplay serves form posts from browsers without JavaScript. The
// reply shows up on the page they are redirected to; a failure is carried
// there in a flash cookie since it is never stored.
type formDisplay struct {
	annotation string
}

func (*formDisplay) ShowUser(string) error { return nil }
func (*formDisplay) Update(string) error   { return nil }

func (d *formDisplay) ShowError(annotation string) error {
	d.annotation = annotation
	return nil
}
