// README: Driver dispatch handlers: availability, incoming ride requests and location history.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridedispatch/internal/http/middleware"
	"ridedispatch/internal/modules/driver"
	"ridedispatch/internal/modules/location"
	"ridedispatch/internal/modules/ride"
	"ridedispatch/internal/types"
)

type DriverHandler struct {
	drivers   *driver.Service
	rides     *ride.Service
	locations *location.Service
}

func NewDriverHandler(drivers *driver.Service, rides *ride.Service, locations *location.Service) *DriverHandler {
	return &DriverHandler{drivers: drivers, rides: rides, locations: locations}
}

type availabilityReq struct {
	Available *bool        `json:"available" binding:"required"`
	Location  *types.Point `json:"location"`
}

func (h *DriverHandler) SetAvailability(c *gin.Context) {
	var req availabilityReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "available is required")
		return
	}
	d, err := h.drivers.SetAvailability(c.Request.Context(), driver.AvailabilityCommand{
		UserID:    middleware.CallerUID(c),
		Available: *req.Available,
		Location:  req.Location,
	})
	if errors.Is(err, driver.ErrNotFound) {
		writeError(c, http.StatusForbidden, "caller is not a registered driver")
		return
	}
	if err != nil {
		writeAppError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, d)
}

func (h *DriverHandler) Requests(c *gin.Context) {
	rides, err := h.rides.IncomingRequests(c.Request.Context(), middleware.CallerUID(c))
	if err != nil {
		writeAppError(c, err)
		return
	}
	if rides == nil {
		rides = []*ride.Ride{}
	}
	writeJSON(c, http.StatusOK, gin.H{"rides": rides})
}

// Locations lists the caller's recorded availability snapshots, newest first.
func (h *DriverHandler) Locations(c *gin.Context) {
	d, err := h.drivers.GetByUser(c.Request.Context(), middleware.CallerUID(c))
	if errors.Is(err, driver.ErrNotFound) {
		writeError(c, http.StatusForbidden, "caller is not a registered driver")
		return
	}
	if err != nil {
		writeAppError(c, err)
		return
	}
	snaps, err := h.locations.History(c.Request.Context(), d.ID, queryLimit(c, 50, 500))
	if err != nil {
		writeAppError(c, err)
		return
	}
	if snaps == nil {
		snaps = []location.Snapshot{}
	}
	writeJSON(c, http.StatusOK, gin.H{"locations": snaps})
}
