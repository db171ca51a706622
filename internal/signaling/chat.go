package signaling

import (
	"errors"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mossy-p/telehealth-signaling/internal/models"
)

const maxChatMessageLength = 4000

var (
	errEmptyChat   = errors.New("chat message cannot be empty")
	errChatTooLong = errors.New("chat message is too long")
)

// relayChat forwards a text message to the rest of the room. Chat shares the
// room channel with negotiation but never looks at negotiation state.
func (r *Relay) relayChat(c *Client, msg models.SignalMessage) {
	if !r.checkRoom(c, msg.RoomID) {
		return
	}

	text, err := validateChatText(msg.Text)
	if err != nil {
		c.sendError(models.ErrorCodeInvalidChat, err.Error())
		return
	}

	n := r.broadcast(c, c.roomID, models.SignalMessage{
		Type:   models.SignalTypeChat,
		RoomID: c.roomID,
		From:   c.id,
		UserID: c.userID,
		ID:     uuid.NewString(),
		Text:   text,
		SentAt: time.Now().UTC(),
	})

	c.log.Debug("relayed chat", slog.String("room_id", c.roomID), slog.Int("recipients", n))
}

func validateChatText(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", errEmptyChat
	}
	if utf8.RuneCountInString(text) > maxChatMessageLength {
		return "", errChatTooLong
	}
	return text, nil
}
