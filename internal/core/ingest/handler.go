package ingest

import (
	"github.com/gofiber/fiber/v2"

	"sitecheck/internal/core/business"
)

type Handler struct {
	ingest *Service
	store  *business.Store
}

func NewHandler(ingest *Service, store *business.Store) *Handler {
	return &Handler{ingest: ingest, store: store}
}

type intakeRequest struct {
	Businesses []Record `json:"businesses"`
}

type intakeResponse struct {
	Success  bool        `json:"success"`
	Accepted []string    `json:"accepted"`
	Rejected []Rejection `json:"rejected,omitempty"`
}

// HandleIntake accepts a scraped batch. Storage happens on the scrape queue;
// the 202 only promises that accepted records will be persisted.
func (h *Handler) HandleIntake(c *fiber.Ctx) error {
	var req intakeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "invalid body"})
	}
	if len(req.Businesses) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"success": false, "error": "businesses is required"})
	}
	accepted, rejected, err := h.ingest.Intake(c.Context(), req.Businesses)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"success": false, "error": err.Error()})
	}
	return c.Status(fiber.StatusAccepted).JSON(intakeResponse{
		Success:  true,
		Accepted: accepted,
		Rejected: rejected,
	})
}

// HandleGetBusiness returns the stored candidate with its full audit trail.
func (h *Handler) HandleGetBusiness(c *fiber.Ctx) error {
	id := c.Params("id")
	cand, err := h.store.Get(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"success": false, "error": "not_found"})
	}
	return c.JSON(fiber.Map{"success": true, "business": cand})
}
