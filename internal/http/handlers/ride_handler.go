// README: Ride lifecycle handlers: create, estimate, queries, driver transitions, cancel and rate.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"ridedispatch/internal/http/middleware"
	"ridedispatch/internal/modules/dispatch"
	"ridedispatch/internal/modules/pricing"
	"ridedispatch/internal/modules/ride"
	"ridedispatch/internal/types"
)

type RideHandler struct {
	rides    *ride.Service
	dispatch *dispatch.Engine
	pricing  *pricing.Service
}

func NewRideHandler(rides *ride.Service, engine *dispatch.Engine, fares *pricing.Service) *RideHandler {
	return &RideHandler{rides: rides, dispatch: engine, pricing: fares}
}

type routeReq struct {
	Pickup  *types.Point `json:"pickupLocation" binding:"required"`
	Dropoff *types.Point `json:"dropOffLocation" binding:"required"`
}

type statusReq struct {
	Status ride.Status `json:"status" binding:"required"`
}

type cancelReq struct {
	Reason string `json:"reason"`
}

type rateReq struct {
	Rating   int    `json:"rating" binding:"required"`
	Feedback string `json:"feedback"`
}

func (h *RideHandler) Create(c *gin.Context) {
	if middleware.CallerRole(c) != types.RoleRider {
		writeError(c, http.StatusForbidden, "only riders can request rides")
		return
	}
	var req routeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "pickupLocation and dropOffLocation are required")
		return
	}
	r, err := h.dispatch.CreateRide(c.Request.Context(), dispatch.CreateCommand{
		UserID:  middleware.CallerUID(c),
		Pickup:  *req.Pickup,
		Dropoff: *req.Dropoff,
	})
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, r)
}

func (h *RideHandler) Estimate(c *gin.Context) {
	var req routeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "pickupLocation and dropOffLocation are required")
		return
	}
	q, err := h.pricing.Estimate(c.Request.Context(), *req.Pickup, *req.Dropoff)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, q)
}

func (h *RideHandler) Active(c *gin.Context) {
	r, err := h.rides.Active(c.Request.Context(), middleware.CallerRole(c), middleware.CallerUID(c))
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *RideHandler) History(c *gin.Context) {
	rides, err := h.rides.History(c.Request.Context(), middleware.CallerRole(c), middleware.CallerUID(c), queryLimit(c, 20, 100))
	if err != nil {
		writeAppError(c, err)
		return
	}
	if rides == nil {
		rides = []*ride.Ride{}
	}
	writeJSON(c, http.StatusOK, gin.H{"rides": rides})
}

func (h *RideHandler) Get(c *gin.Context) {
	id, ok := rideID(c)
	if !ok {
		return
	}
	r, err := h.rides.Get(c.Request.Context(), ride.ViewQuery{
		RideID:  id,
		Role:    middleware.CallerRole(c),
		ActorID: middleware.CallerUID(c),
	})
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *RideHandler) Accept(c *gin.Context) {
	cmd, ok := h.transitionCommand(c)
	if !ok {
		return
	}
	r, err := h.rides.Accept(c.Request.Context(), cmd)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *RideHandler) Reject(c *gin.Context) {
	id, ok := rideID(c)
	if !ok {
		return
	}
	if middleware.CallerRole(c) != types.RoleDriver {
		writeError(c, http.StatusForbidden, "only drivers can reject rides")
		return
	}
	r, err := h.dispatch.Reject(c.Request.Context(), dispatch.RejectCommand{RideID: id, DriverUserID: middleware.CallerUID(c)})
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"id": r.ID, "status": r.Status})
}

// ChangeStatus advances a ride one step along the trip: GOING_TO_PICK_UP,
// DRIVER_ARRIVED, IN_TRANSIT, REACHED_DESTINATION or COMPLETED.
func (h *RideHandler) ChangeStatus(c *gin.Context) {
	cmd, ok := h.transitionCommand(c)
	if !ok {
		return
	}
	var req statusReq
	if err := c.ShouldBindJSON(&req); err != nil || !req.Status.Valid() {
		writeError(c, http.StatusBadRequest, "a valid status is required")
		return
	}
	r, err := h.rides.ChangeStatus(c.Request.Context(), cmd, req.Status)
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *RideHandler) Cancel(c *gin.Context) {
	id, ok := rideID(c)
	if !ok {
		return
	}
	var req cancelReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	r, err := h.rides.Cancel(c.Request.Context(), ride.CancelCommand{
		RideID:  id,
		Role:    middleware.CallerRole(c),
		ActorID: middleware.CallerUID(c),
		Reason:  req.Reason,
	})
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *RideHandler) Rate(c *gin.Context) {
	id, ok := rideID(c)
	if !ok {
		return
	}
	if middleware.CallerRole(c) != types.RoleRider {
		writeError(c, http.StatusForbidden, "only riders can rate rides")
		return
	}
	var req rateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "rating is required")
		return
	}
	r, err := h.rides.Rate(c.Request.Context(), ride.RateCommand{
		RideID:   id,
		UserID:   middleware.CallerUID(c),
		Rating:   req.Rating,
		Feedback: req.Feedback,
	})
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *RideHandler) transitionCommand(c *gin.Context) (ride.TransitionCommand, bool) {
	id, ok := rideID(c)
	if !ok {
		return ride.TransitionCommand{}, false
	}
	return ride.TransitionCommand{
		RideID:  id,
		Role:    middleware.CallerRole(c),
		ActorID: middleware.CallerUID(c),
	}, true
}
