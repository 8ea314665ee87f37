package ledger

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Handler maps transport-level requests onto the ledger services. Routing,
// authentication and rendering concerns live outside the core; the handler
// only binds payloads and translates sentinel errors to statuses.
type Handler struct {
	ownerships OwnershipService
	transfers  TransferService
	reserves   ReserveService
	recalc     *RecalcService
}

// NewHandler creates the ledger HTTP handler.
func NewHandler(ownerships OwnershipService, transfers TransferService, reserves ReserveService, recalc *RecalcService) *Handler {
	return &Handler{ownerships: ownerships, transfers: transfers, reserves: reserves, recalc: recalc}
}

// RegisterRoutes mounts the ledger endpoints on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/ownerships", h.CreateOwnership)
	r.GET("/ownerships", h.ListOwnerships)
	r.GET("/ownerships/summary", h.OwnershipSummary)
	r.GET("/ownerships/:id", h.GetOwnership)
	r.PUT("/ownerships/:id", h.UpdateOwnership)
	r.DELETE("/ownerships/:id", h.DeleteOwnership)
	r.POST("/ownerships/:id/activate", h.ActivateOwnership)
	r.POST("/ownerships/:id/terminate", h.TerminateOwnership)

	r.POST("/transfers", h.RequestTransfer)
	r.GET("/transfers", h.ListTransfers)
	r.GET("/transfers/:id", h.GetTransfer)
	r.POST("/transfers/:id/approve", h.ApproveTransfer)
	r.POST("/transfers/:id/reject", h.RejectTransfer)
	r.POST("/transfers/:id/cancel", h.CancelTransfer)

	r.POST("/phases/:id/deposit-surplus", h.DepositSurplus)
	r.GET("/reserves/:id", h.GetReserve)
	r.POST("/reserve-allocations", h.AllocateFromReserve)
	r.POST("/phases/:id/recalculate", h.RecalculatePhase)
	r.POST("/projects/:id/recalculate", h.RecalculateProject)
}

func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrTransferNotAllowed),
		errors.Is(err, ErrDuplicatePendingTransfer),
		errors.Is(err, ErrConcurrentModification):
		status = http.StatusConflict
	case errors.Is(err, ErrCapacityExceeded),
		errors.Is(err, ErrInsufficientReserve),
		errors.Is(err, ErrNoSurplus):
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) CreateOwnership(c *gin.Context) {
	var req CreateOwnershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ownership, err := h.ownerships.CreateOwnership(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ownership)
}

func (h *Handler) GetOwnership(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ownership, err := h.ownerships.GetOwnership(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ownership)
}

func (h *Handler) UpdateOwnership(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req UpdateOwnershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ownership, err := h.ownerships.UpdateOwnership(c.Request.Context(), id, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ownership)
}

func (h *Handler) DeleteOwnership(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.ownerships.DeleteOwnership(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ActivateOwnership(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ownership, err := h.ownerships.ActivateOwnership(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ownership)
}

func (h *Handler) TerminateOwnership(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	ownership, err := h.ownerships.TerminateOwnership(c.Request.Context(), id, body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ownership)
}

func ownershipFilterFromQuery(c *gin.Context) OwnershipFilter {
	var f OwnershipFilter
	if v, err := uuid.Parse(c.Query("project_id")); err == nil {
		f.ProjectID = &v
	}
	if v, err := uuid.Parse(c.Query("contract_id")); err == nil {
		f.ContractID = &v
	}
	if v, err := uuid.Parse(c.Query("owner_id")); err == nil {
		f.OwnerID = &v
	}
	if v := c.Query("status"); v != "" {
		f.Statuses = []OwnershipStatus{OwnershipStatus(v)}
	}
	return f
}

func (h *Handler) ListOwnerships(c *gin.Context) {
	ownerships, err := h.ownerships.ListOwnerships(c.Request.Context(), ownershipFilterFromQuery(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ownerships)
}

func (h *Handler) OwnershipSummary(c *gin.Context) {
	f := ownershipFilterFromQuery(c)
	if f.ProjectID == nil && f.OwnerID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project_id or owner_id is required"})
		return
	}
	summary, err := h.ownerships.Summary(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) RequestTransfer(c *gin.Context) {
	var req RequestTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	transfer, err := h.transfers.RequestTransfer(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, transfer)
}

func (h *Handler) GetTransfer(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	transfer, err := h.transfers.GetTransfer(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, transfer)
}

func (h *Handler) ListTransfers(c *gin.Context) {
	var f TransferFilter
	if v, err := uuid.Parse(c.Query("ownership_id")); err == nil {
		f.OwnershipID = &v
	}
	if v, err := uuid.Parse(c.Query("contract_id")); err == nil {
		f.ContractID = &v
	}
	if v, err := uuid.Parse(c.Query("owner_id")); err == nil {
		f.OwnerID = &v
	}
	if v := c.Query("status"); v != "" {
		status := TransferStatus(v)
		f.Status = &status
	}
	transfers, err := h.transfers.ListTransfers(c.Request.Context(), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, transfers)
}

func (h *Handler) ApproveTransfer(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body struct {
		ApproverID uuid.UUID `json:"approver_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	transfer, err := h.transfers.ApproveTransfer(c.Request.Context(), id, body.ApproverID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, transfer)
}

func (h *Handler) RejectTransfer(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	transfer, err := h.transfers.RejectTransfer(c.Request.Context(), id, body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, transfer)
}

func (h *Handler) CancelTransfer(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	transfer, err := h.transfers.CancelTransfer(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, transfer)
}

func (h *Handler) DepositSurplus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	reserve, err := h.reserves.DepositSurplus(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, reserve)
}

func (h *Handler) GetReserve(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	reserve, err := h.reserves.GetReserve(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, reserve)
}

func (h *Handler) AllocateFromReserve(c *gin.Context) {
	var body struct {
		ProjectID     uuid.UUID       `json:"project_id"`
		TargetPhaseID uuid.UUID       `json:"target_phase_id"`
		Amount        decimal.Decimal `json:"amount"`
		Notes         string          `json:"notes"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result, err := h.reserves.AllocateFromReserve(c.Request.Context(), body.ProjectID, body.TargetPhaseID, body.Amount, body.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) RecalculatePhase(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	phase, err := h.recalc.RecalculatePhase(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, phase)
}

func (h *Handler) RecalculateProject(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	project, err := h.recalc.RecalculateProject(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}
