package services

import (
	"github.com/line/line-bot-sdk-go/linebot"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// LineMessagingService pushes attendance notices to LINE groups.
type LineMessagingService struct {
	Bot *linebot.Client
}

// NewLineMessagingService returns a service with a nil Bot when credentials are missing.
func NewLineMessagingService(channelSecret, channelToken string) (*LineMessagingService, error) {
	if channelSecret == "" || channelToken == "" {
		logrus.Warn("LINE Messaging API disabled: missing channel secret or access token")
		return &LineMessagingService{Bot: nil}, nil
	}

	bot, err := linebot.New(channelSecret, channelToken)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create LINE bot client")
	}
	return &LineMessagingService{Bot: bot}, nil
}

// Enabled reports whether a bot client is configured.
func (s *LineMessagingService) Enabled() bool {
	return s != nil && s.Bot != nil
}

// SendToGroup pushes a text message to groupID.
func (s *LineMessagingService) SendToGroup(groupID string, message string) error {
	if !s.Enabled() {
		return errors.New("LINE bot client is not initialized")
	}

	if _, err := s.Bot.PushMessage(groupID, linebot.NewTextMessage(message)).Do(); err != nil {
		return errors.Wrap(err, "LINE Messaging API failed")
	}
	return nil
}

// GroupName looks up the display name of a group.
func (s *LineMessagingService) GroupName(groupID string) (string, error) {
	if !s.Enabled() {
		return "", errors.New("LINE bot client is not initialized")
	}
	summary, err := s.Bot.GetGroupSummary(groupID).Do()
	if err != nil {
		return "", errors.Wrap(err, "failed to get group summary")
	}
	return summary.GroupName, nil
}
