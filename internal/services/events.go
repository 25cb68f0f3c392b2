package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/schoolgate/apiserver/internal/logging"
	"github.com/schoolgate/apiserver/types"
)

const (
	EventApplicationSubmitted = "application.submitted"
	EventApplicationApproved  = "application.approved"
	EventApplicationRejected  = "application.rejected"
)

// Publisher is satisfied by *mq.MQ.
type Publisher interface {
	Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error)
}

// ApplicationEvent is the payload published for registration lifecycle
// changes.
type ApplicationEvent struct {
	Type       string              `json:"type"`
	UserID     int64               `json:"user_id"`
	SchoolID   string              `json:"school_id"`
	Role       types.Role          `json:"role"`
	State      types.ApprovalState `json:"state"`
	ReviewerID *int64              `json:"reviewer_id,omitempty"`
	At         time.Time           `json:"at"`
}

// Events publishes application events on one channel. Delivery is best
// effort: failures are logged and never returned to the caller.
type Events struct {
	publisher Publisher
	channel   string
	log       logging.Logger
}

// NewEvents returns an Events emitter. A nil publisher disables publishing.
func NewEvents(publisher Publisher, channel string, log logging.Logger) *Events {
	if log == nil {
		log = logging.Discard()
	}
	return &Events{publisher: publisher, channel: channel, log: log}
}

func (e *Events) emit(ctx context.Context, eventType string, user types.User) {
	if e == nil || e.publisher == nil {
		return
	}

	event := ApplicationEvent{
		Type:       eventType,
		UserID:     user.ID,
		SchoolID:   user.SchoolID,
		Role:       user.Role,
		State:      user.Resolved(),
		ReviewerID: user.ReviewedBy,
		At:         time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		e.log.Error(ctx, "encode application event", "type", eventType, "user_id", user.ID, "error", err)
		return
	}

	attrs := map[string]string{
		"type":      eventType,
		"school_id": user.SchoolID,
	}
	id, err := e.publisher.Publish(ctx, e.channel, data, attrs)
	if err != nil {
		e.log.Warn(ctx, "publish application event failed", "type", eventType, "user_id", user.ID, "error", err)
		return
	}
	e.log.Info(ctx, "application event published", "type", eventType, "user_id", user.ID, "message_id", id)
}
