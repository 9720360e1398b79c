// Package telegram pushes run outcomes to a chat and answers a small
// set of status commands. The bot is optional; serve skips it when no
// token is configured.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"

	"klonos/internal/config"
	"klonos/internal/graph"
	"klonos/internal/store"
)

const usageText = `Commands:
/runs - recent pipeline runs
/run <id> - run detail (id prefix works)
/graph - knowledge graph stats`

type Bot struct {
	bot     *telego.Bot
	handler *th.BotHandler
	store   *store.Store
	graph   *graph.Store
	cfg     config.TelegramConfig
	cancel  context.CancelFunc
}

func NewBot(cfg config.TelegramConfig, s *store.Store, g *graph.Store) (*Bot, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Bot{bot: bot, store: s, graph: g, cfg: cfg}, nil
}

// Notify sends a short text to the configured chat. The launcher calls
// it once per finished run.
func (b *Bot) Notify(text string) {
	if b.cfg.ChatID == 0 {
		return
	}
	if err := b.SendMessage(context.Background(), b.cfg.ChatID, text); err != nil {
		slog.Error("failed to send telegram notification", "chat", b.cfg.ChatID, "error", err)
	}
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

func (b *Bot) handleMessage(ctx context.Context, msg telego.Message) {
	chatID := msg.Chat.ID
	userID := msg.From.ID

	// Check allow list
	if len(b.cfg.AllowFrom) > 0 {
		allowed := false
		for _, id := range b.cfg.AllowFrom {
			if id == userID {
				allowed = true
				break
			}
		}
		if !allowed {
			slog.Warn("unauthorized telegram user", "user_id", userID, "chat_id", chatID)
			return
		}
	}

	fields := strings.Fields(msg.Text)
	if len(fields) == 0 {
		return
	}

	// Command suffixes like /runs@klonos_bot arrive in group chats.
	cmd, _, _ := strings.Cut(fields[0], "@")
	if !strings.HasPrefix(cmd, "/") {
		return
	}

	_ = b.sendChatAction(ctx, chatID, "typing")

	var reply string
	switch cmd {
	case "/runs":
		reply = b.runsReply()
	case "/run":
		if len(fields) < 2 {
			reply = "Usage: /run <id>"
			break
		}
		reply = b.runReply(fields[1])
	case "/graph":
		reply = graphText(b.graph.Stats())
	case "/start", "/help":
		reply = usageText
	default:
		reply = usageText
	}

	if err := b.SendMessage(ctx, chatID, reply); err != nil {
		slog.Error("failed to send telegram reply", "chat", chatID, "error", err)
	}
}

func (b *Bot) runsReply() string {
	runs, err := b.store.ListRuns(10)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return runsText(runs)
}

func (b *Bot) runReply(id string) string {
	run, err := findRun(b.store, id)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	if run == nil {
		return fmt.Sprintf("No run matching %q", id)
	}
	results, err := b.store.ListResults(run.ID)
	if err != nil {
		return fmt.Sprintf("Error: %v", err)
	}
	return runText(run, results)
}

// findRun resolves an exact run id or a unique id prefix.
func findRun(s *store.Store, id string) (*store.PipelineRun, error) {
	run, err := s.GetRun(id)
	if err != nil || run != nil {
		return run, err
	}

	runs, err := s.ListRuns(100)
	if err != nil {
		return nil, err
	}
	var match *store.PipelineRun
	for i := range runs {
		if strings.HasPrefix(runs[i].ID, id) {
			if match != nil {
				return nil, fmt.Errorf("run id prefix %q is ambiguous", id)
			}
			match = &runs[i]
		}
	}
	return match, nil
}

func runsText(runs []store.PipelineRun) string {
	if len(runs) == 0 {
		return "No runs yet."
	}
	var sb strings.Builder
	sb.WriteString("Recent runs:\n")
	for _, r := range runs {
		fmt.Fprintf(&sb, "%s  %s  %s\n", shortID(r.ID), r.Status, r.StartedAt.Format("Jan 2 15:04"))
	}
	return sb.String()
}

func runText(run *store.PipelineRun, results []store.AgentResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Run %s\nstatus: %s\nstarted: %s\n", shortID(run.ID), run.Status, run.StartedAt.Format("Jan 2 15:04"))
	if len(results) > 0 {
		sb.WriteString("\n")
	}
	for _, res := range results {
		fmt.Fprintf(&sb, "%s: %s", res.Agent, res.Status)
		if res.Error != "" {
			fmt.Fprintf(&sb, " (%s)", truncate(res.Error, 80))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func graphText(stats graph.Stats) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Knowledge graph:\nnodes: %d\nedges: %d\n", stats.Nodes, stats.Edges)
	for _, kind := range []graph.Kind{graph.KindProduct, graph.KindFeature, graph.KindComplaint, graph.KindCategory} {
		if n := stats.Kinds[kind]; n > 0 {
			fmt.Fprintf(&sb, "%ss: %d\n", kind, n)
		}
	}
	return sb.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	chunks := chunkMessage(toTelegramMarkdown(text), 4096)
	for _, chunk := range chunks {
		msg := tu.Message(tu.ID(chatID), chunk)
		if _, err := b.bot.SendMessage(ctx, msg); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func (b *Bot) sendChatAction(ctx context.Context, chatID int64, action string) error {
	return b.bot.SendChatAction(ctx, tu.ChatAction(tu.ID(chatID), action))
}
