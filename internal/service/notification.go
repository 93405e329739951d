package service

import (
	"context"
	"log/slog"
	"time"

	"ridedispatch/internal/domain"
)

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationRideRequested  NotificationType = "RIDE_REQUESTED"
	NotificationDriverAssigned NotificationType = "DRIVER_ASSIGNED"
	NotificationRideStarted    NotificationType = "RIDE_STARTED"
	NotificationRideCompleted  NotificationType = "RIDE_COMPLETED"
	NotificationRideCancelled  NotificationType = "RIDE_CANCELLED"
)

// Notification represents a notification to be sent.
type Notification struct {
	Type        NotificationType
	RecipientID string
	RideID      string
	Message     string
	CreatedAt   time.Time
}

// Sender delivers a notification to its recipient.
type Sender interface {
	Send(ctx context.Context, n Notification) error
}

// LogSender writes notifications to the structured log.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a LogSender. A nil logger uses slog.Default.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

// Send logs n.
func (s *LogSender) Send(ctx context.Context, n Notification) error {
	s.logger.InfoContext(ctx, "notification",
		slog.String("type", string(n.Type)),
		slog.String("recipient_id", n.RecipientID),
		slog.String("ride_id", n.RideID),
		slog.String("message", n.Message),
	)
	return nil
}

// NotificationService tells riders and drivers about ride changes.
// It runs after the change is committed; delivery failures are logged and
// never undo the transition.
type NotificationService struct {
	sender Sender
}

// NewNotificationService creates a new NotificationService.
func NewNotificationService(sender Sender) *NotificationService {
	return &NotificationService{sender: sender}
}

// RideChanged notifies the party on the other side of a transition.
func (s *NotificationService) RideChanged(ctx context.Context, ride *domain.Ride) {
	if s == nil || s.sender == nil {
		return
	}

	var n Notification
	switch ride.Status {
	case domain.RideStatusPending:
		// Open rides are discovered by polling; log for the rider's record.
		n = Notification{Type: NotificationRideRequested, RecipientID: ride.RiderID, Message: "Your ride request is waiting for a driver"}
	case domain.RideStatusAccepted:
		n = Notification{Type: NotificationDriverAssigned, RecipientID: ride.RiderID, Message: "A driver has accepted your ride"}
	case domain.RideStatusStarted:
		n = Notification{Type: NotificationRideStarted, RecipientID: ride.RiderID, Message: "Your ride has started"}
	case domain.RideStatusCompleted:
		n = Notification{Type: NotificationRideCompleted, RecipientID: ride.RiderID, Message: "Your ride is complete"}
	case domain.RideStatusCancelled:
		n = Notification{Type: NotificationRideCancelled, RecipientID: ride.RiderID, Message: "Your ride was cancelled"}
	default:
		return
	}
	n.RideID = ride.ID
	n.CreatedAt = time.Now()

	if err := s.sender.Send(ctx, n); err != nil {
		slog.WarnContext(ctx, "notification failed", "type", n.Type, "ride_id", ride.ID, "error", err)
	}
}
