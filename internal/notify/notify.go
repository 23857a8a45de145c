// Package notify provides the default internal/signalhandler.Notifier:
// a structured-log sink standing in for the messaging-transport gateway
// (Telegram/Slack/etc.), which is an external collaborator referenced
// only by interface contract. Swapping in a real transport means
// implementing Notifier elsewhere; nothing in signalhandler changes.
package notify

import "go.uber.org/zap"

// LogNotifier satisfies signalhandler.Notifier by logging at info
// level. It is the zero-dependency default until a real transport is
// wired in.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify")}
}

func (n *LogNotifier) Notify(message string) {
	n.logger.Info("notification", zap.String("message", message))
}
