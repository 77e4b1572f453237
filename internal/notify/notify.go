package notify

import (
	"context"

	"github.com/MarcoPoloResearchLab/campusmarket/client/internal/broadcast"
	"go.uber.org/zap"
)

// Kind is the tone of a user-facing message.
type Kind string

const (
	KindSuccess Kind = "success"
	KindError   Kind = "error"
)

// Notification is one toast/alert shown to the user.
type Notification struct {
	Kind    Kind   `json:"type"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Sink receives notifications. Show must not block the caller.
type Sink interface {
	Show(notification Notification)
}

// Success builds a success notification.
func Success(title, message string) Notification {
	return Notification{Kind: KindSuccess, Title: title, Message: message}
}

// Failure builds an error notification.
func Failure(title, message string) Notification {
	return Notification{Kind: KindError, Title: title, Message: message}
}

// LogSink writes notifications to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink constructs a LogSink; a nil logger discards output.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Show(notification Notification) {
	fields := []zap.Field{
		zap.String("title", notification.Title),
		zap.String("message", notification.Message),
	}
	if notification.Kind == KindError {
		s.logger.Warn("notification", fields...)
		return
	}
	s.logger.Info("notification", fields...)
}

// ChannelSink publishes notifications to any number of UI subscribers.
type ChannelSink struct {
	dispatcher *broadcast.Dispatcher[Notification]
}

// NewChannelSink constructs a ChannelSink with the given per-subscriber buffer.
func NewChannelSink(bufferSize int) *ChannelSink {
	return &ChannelSink{dispatcher: broadcast.NewDispatcher[Notification](bufferSize)}
}

func (s *ChannelSink) Show(notification Notification) {
	s.dispatcher.Publish(notification)
}

// Subscribe streams notifications until ctx ends or cleanup runs.
func (s *ChannelSink) Subscribe(ctx context.Context) (<-chan Notification, func()) {
	return s.dispatcher.Subscribe(ctx)
}

// Multi fans a notification out to several sinks.
type Multi []Sink

func (m Multi) Show(notification Notification) {
	for _, sink := range m {
		if sink != nil {
			sink.Show(notification)
		}
	}
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Show(Notification) {}
