package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"time"

	"attendance_go/services"

	"github.com/gofiber/fiber/v2"
	"github.com/line/line-bot-sdk-go/linebot"
	"github.com/sirupsen/logrus"
)

// GroupDirectory records LINE group membership and class bindings.
type GroupDirectory interface {
	Joined(ctx context.Context, groupID, groupName string) error
	Left(ctx context.Context, groupID string) error
	Bind(ctx context.Context, groupID, classID string) error
}

// GroupNamer resolves a group's display name.
type GroupNamer interface {
	Enabled() bool
	GroupName(groupID string) (string, error)
}

type LineWebhookHandler struct {
	secret    string
	groups    GroupDirectory
	namer     GroupNamer
	log       logrus.FieldLogger
	processed chan struct{}
}

func NewLineWebhookHandler(secret string, groups GroupDirectory, namer GroupNamer) *LineWebhookHandler {
	return &LineWebhookHandler{
		secret: secret,
		groups: groups,
		namer:  namer,
		log:    logrus.WithField("component", "line_webhook"),
	}
}

// Handle verifies the signature, acknowledges the webhook and processes its
// events in the background.
func (h *LineWebhookHandler) Handle(c *fiber.Ctx) error {
	if h.secret == "" {
		h.log.Warn("LINE webhook received but channel secret is not configured")
		return c.SendStatus(fiber.StatusOK)
	}

	signature := c.Get("X-Line-Signature")
	if signature == "" {
		h.log.Warn("LINE webhook missing signature header")
		return c.SendStatus(fiber.StatusBadRequest)
	}

	body := append([]byte(nil), c.Body()...)
	if !validateSignature(h.secret, body, signature) {
		h.log.WithField("signature", signature).Warn("LINE webhook signature mismatch")
		return c.SendStatus(fiber.StatusUnauthorized)
	}

	// LINE expects a fast 200 before the events are handled.
	go func() {
		h.process(body)
		if h.processed != nil {
			h.processed <- struct{}{}
		}
	}()

	return c.SendStatus(fiber.StatusOK)
}

func (h *LineWebhookHandler) process(body []byte) {
	var webhook struct {
		Events []*linebot.Event `json:"events"`
	}
	if err := json.Unmarshal(body, &webhook); err != nil {
		h.log.WithError(err).Error("failed to parse LINE webhook events")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, event := range webhook.Events {
		if event == nil || event.Source == nil || event.Source.GroupID == "" {
			continue
		}
		groupID := event.Source.GroupID
		fields := logrus.Fields{"group_id": groupID, "event": event.Type}

		switch event.Type {
		case linebot.EventTypeJoin:
			name := h.groupName(groupID)
			if err := h.groups.Joined(ctx, groupID, name); err != nil {
				h.log.WithFields(fields).WithError(err).Error("failed to record LINE group join")
			}
		case linebot.EventTypeLeave:
			if err := h.groups.Left(ctx, groupID); err != nil {
				h.log.WithFields(fields).WithError(err).Error("failed to record LINE group leave")
			}
		case linebot.EventTypeMessage:
			msg, ok := event.Message.(*linebot.TextMessage)
			if !ok {
				continue
			}
			classID, ok := services.ParseBindCommand(msg.Text)
			if !ok {
				continue
			}
			if err := h.groups.Bind(ctx, groupID, classID); err != nil {
				h.log.WithFields(fields).WithError(err).Warn("LINE bind command failed")
			}
		}
	}
}

func (h *LineWebhookHandler) groupName(groupID string) string {
	if h.namer == nil || !h.namer.Enabled() {
		return ""
	}
	name, err := h.namer.GroupName(groupID)
	if err != nil {
		h.log.WithError(err).WithField("group_id", groupID).Warn("failed to get LINE group summary")
		return ""
	}
	return name
}

func computeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func validateSignature(secret string, body []byte, signature string) bool {
	expected := computeSignature(secret, body)
	return hmac.Equal([]byte(signature), []byte(expected))
}
