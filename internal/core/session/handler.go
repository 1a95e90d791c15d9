package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"

	"sitecheck/internal/core/progress"
	"sitecheck/internal/logger"
)

type Handler struct {
	log      *logger.Logger
	sessions *Service
}

func NewHandler(sessions *Service) *Handler {
	return &Handler{log: logger.New("SessionHandler"), sessions: sessions}
}

type createRequest struct {
	ZoneLabel   string   `json:"zone_label"`
	BusinessIDs []string `json:"business_ids"`
}

func (h *Handler) HandleCreate(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "invalid body"})
	}
	if len(req.BusinessIDs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "business_ids is required"})
	}
	sess, skipped, err := h.sessions.Create(c.Context(), req.ZoneLabel, req.BusinessIDs)
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"success": false, "error": err.Error(), "skipped": skipped})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"success": true, "session": sess, "skipped": skipped})
}

func (h *Handler) HandleGet(c *fiber.Ctx) error {
	sess, err := h.sessions.Get(c.Context(), c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "error": "not_found"})
	}
	return c.JSON(fiber.Map{"success": true, "session": sess})
}

func (h *Handler) HandleCancel(c *fiber.Ctx) error {
	if err := h.sessions.Cancel(c.Context(), c.Params("id")); err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"success": false, "error": err.Error()})
	}
	return c.JSON(fiber.Map{"success": true})
}

// HandleProgress streams session events over SSE. The stream closes itself
// after a terminal event; idle periods carry heartbeat comments so proxies
// keep the connection open.
func (h *Handler) HandleProgress(c *fiber.Ctx) error {
	id := c.Params("id")
	sess, err := h.sessions.Get(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "error": "not_found"})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	// The subscription must outlive the request context; the stream writer
	// runs after the handler returns.
	sub := h.sessions.Subscribe(context.Background(), id)

	terminal := sess.Status.Terminal()
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer sub.Close()

		// Snapshot first so late subscribers see current progress.
		if !writeSSE(w, "snapshot", fiber.Map{"session": sess}) {
			return
		}
		if terminal {
			return
		}

		ch := sub.Channel()
		heartbeat := time.NewTicker(15 * time.Second)
		defer heartbeat.Stop()

		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev progress.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					h.log.LogWarnf("Malformed progress event on session %s: %v", id, err)
					continue
				}
				if !writeSSE(w, string(ev.Type), ev) {
					return
				}
				if ev.Type == progress.EventSessionComplete || ev.Type == progress.EventSessionError {
					return
				}
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})
	return nil
}

func writeSSE(w *bufio.Writer, event string, payload interface{}) bool {
	b, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return false
	}
	return w.Flush() == nil
}
