package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xiaolu219/banana-slides/service"
)

// StatusHandler serves the generic polling endpoints: per-entity stage
// status and task lookup/acknowledge.
type StatusHandler struct {
	gateway  *service.PollGateway
	register *service.StatusRegister
}

func NewStatusHandler(gateway *service.PollGateway, register *service.StatusRegister) *StatusHandler {
	return &StatusHandler{gateway: gateway, register: register}
}

// Entity returns all stage entries for one entity id, whether it is a
// project, page or file. An unknown entity returns an empty list.
func (h *StatusHandler) Entity(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"entity_id": c.Param("entityId"),
		"stages":    h.gateway.EntityStatus(c.Param("entityId")),
	})
}

func (h *StatusHandler) Task(c *gin.Context) {
	task, ok := h.gateway.TaskStatus(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	c.JSON(http.StatusOK, task)
}

// AckTask marks a terminal task as seen so the sweeper can drop it early.
func (h *StatusHandler) AckTask(c *gin.Context) {
	if !h.register.Ack(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task acknowledged"})
}

// Health is the liveness probe.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
