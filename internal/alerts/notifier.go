package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dip-bot/internal/engine"

	"go.uber.org/zap"
)

type Sender interface {
	Send(ctx context.Context, message string) error
}

// CycleNotifier forwards trade and error logs of each cycle to a chat.
// Sends happen off the engine goroutine.
type CycleNotifier struct {
	sender  Sender
	log     *zap.Logger
	timeout time.Duration
}

func NewCycleNotifier(sender Sender, log *zap.Logger) *CycleNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &CycleNotifier{sender: sender, log: log, timeout: 10 * time.Second}
}

func (n *CycleNotifier) ObserveCycle(result engine.CycleResult) {
	msg := FormatCycle(result)
	if msg == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()
		if err := n.sender.Send(ctx, msg); err != nil {
			n.log.Warn("cycle alert failed", zap.String("cycle_id", result.ID), zap.Error(err))
		}
	}()
}

// FormatCycle renders the buy, sell and error lines of a cycle. It returns
// an empty string when nothing worth alerting happened.
func FormatCycle(result engine.CycleResult) string {
	var lines []string
	for _, l := range result.Logs {
		switch l.Kind {
		case engine.KindBuy, engine.KindSell, engine.KindError:
			lines = append(lines, fmt.Sprintf("[%s] %s", strings.ToUpper(string(l.Kind)), l.Message))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	header := "dip-bot cycle " + shortID(result.ID)
	if result.Aborted {
		header += " (aborted)"
	}
	return header + "\n" + strings.Join(lines, "\n")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
