package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/mtzanidakis/conductor/internal/config"
	"github.com/mtzanidakis/conductor/internal/control"
	"github.com/mtzanidakis/conductor/internal/orchestrator"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
)

// Commander executes parsed chat commands. control.Server satisfies it.
type Commander interface {
	Handle(ctx context.Context, cmd control.Command) control.Response
}

type Bot struct {
	bot     *telego.Bot
	handler *th.BotHandler
	ctl     Commander
	cfg     config.TelegramConfig
	cancel  context.CancelFunc
}

func NewBot(cfg config.TelegramConfig, ctl Commander) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Bot{bot: bot, ctl: ctl, cfg: cfg}, nil
}

func (b *Bot) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	updates, err := b.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(b.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	b.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		b.handleMessage(ctx, message)
		return nil
	})

	go handler.Start()

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.handler != nil {
		_ = b.handler.Stop()
	}
}

func (b *Bot) allowed(userID int64) bool {
	return len(b.cfg.AllowFrom) == 0 || slices.Contains(b.cfg.AllowFrom, userID)
}

func (b *Bot) handleMessage(ctx context.Context, msg telego.Message) {
	if msg.From == nil || msg.Text == "" {
		return
	}
	chatID := msg.Chat.ID
	if !b.allowed(msg.From.ID) {
		slog.Warn("unauthorized telegram user", "user_id", msg.From.ID, "chat_id", chatID)
		return
	}

	reply := b.Reply(ctx, msg.Text)
	if reply == "" {
		return
	}
	if err := b.SendMessage(ctx, chatID, reply); err != nil {
		slog.Error("failed to send telegram reply", "chat", chatID, "error", err)
	}
}

// Reply runs a chat command and renders the answer. Text that is not a
// command yields an empty reply.
func (b *Bot) Reply(ctx context.Context, text string) string {
	cmd, err := parseCommand(text)
	if err != nil {
		return err.Error()
	}
	if cmd == nil {
		return ""
	}
	if cmd.Type == "help" {
		return helpText
	}
	return formatResponse(cmd.Type, b.ctl.Handle(ctx, *cmd))
}

// NotifyFinished sends a plan's outcome to every configured notify chat.
// It is meant for Orchestrator.OnFinish and does not block the caller.
func (b *Bot) NotifyFinished(st orchestrator.PlanStatus) {
	if len(b.cfg.NotifyChatIDs) == 0 {
		return
	}
	text := formatOutcome(st)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, chatID := range b.cfg.NotifyChatIDs {
			if err := b.SendMessage(ctx, chatID, text); err != nil {
				slog.Error("failed to send plan notification", "chat", chatID, "plan", st.PlanID, "error", err)
			}
		}
	}()
}
