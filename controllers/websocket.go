package controllers

import (
	"attendance_go/middleware"
	"attendance_go/services/websocket"

	"github.com/gofiber/fiber/v2"
	fiberws "github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
)

type WebSocketController struct {
	hub *websocket.Hub
}

func NewWebSocketController(hub *websocket.Hub) *WebSocketController {
	return &WebSocketController{hub: hub}
}

// Upgrade authenticates the subscriber before the websocket handshake.
// Browsers cannot set headers on websocket requests, so the token comes from the query.
func (wsc *WebSocketController) Upgrade(c *fiber.Ctx) error {
	if !fiberws.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"error": "Use the WebSocket endpoint: ws://<host>/ws?token=YOUR_JWT&class_id=CLASS",
		})
	}

	claims, err := middleware.ParseToken(c.Query("token"))
	if err != nil {
		logrus.WithError(err).Debug("websocket connection rejected: invalid token")
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}
	classID := c.Query("class_id")
	if classID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "class_id is required"})
	}

	c.Locals("user_id", claims.UserID)
	c.Locals("class_id", classID)
	return c.Next()
}

// WebSocketHandler subscribes the connection to its class until it closes.
func (wsc *WebSocketController) WebSocketHandler() fiber.Handler {
	return fiberws.New(func(c *fiberws.Conn) {
		userID, _ := c.Locals("user_id").(uint)
		classID, _ := c.Locals("class_id").(string)

		logrus.WithFields(logrus.Fields{"user_id": userID, "class_id": classID}).Info("websocket subscriber connected")
		wsc.hub.ServeFiberWS(c, userID, classID)
	})
}

// GetWebSocketStats returns WebSocket connection statistics (admin only)
func (wsc *WebSocketController) GetWebSocketStats(c *fiber.Ctx) error {
	status := "active"
	if !wsc.hub.Running() {
		status = "stopped"
	}
	return c.JSON(fiber.Map{
		"connected_clients": wsc.hub.GetClientCount(),
		"classes":           wsc.hub.ClassCounts(),
		"status":            status,
	})
}
