package http

import (
	"net/http"

	"github.com/dkeye/Huddle/internal/app"
	"github.com/dkeye/Huddle/internal/core"
	"github.com/dkeye/Huddle/internal/domain"
	"github.com/gin-gonic/gin"
)

// RoomLister is the read side of the room registry.
type RoomLister interface {
	List() []core.RoomInfo
	Get(id domain.RoomID) (*app.Room, bool)
}

type roomHandlers struct {
	rooms RoomLister
}

type RoomsResponse struct {
	Rooms []core.RoomInfo `json:"rooms"`
}

func (h roomHandlers) list(c *gin.Context) {
	c.JSON(http.StatusOK, RoomsResponse{Rooms: h.rooms.List()})
}

func (h roomHandlers) get(c *gin.Context) {
	room, ok := h.rooms.Get(domain.RoomID(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, room.Info())
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
