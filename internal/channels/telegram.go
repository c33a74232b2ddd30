package channels

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/talon-ai/talon/internal/config"
	"github.com/talon-ai/talon/internal/observability"
	"github.com/talon-ai/talon/pkg/models"
)

// Group activation modes. In "mention" mode the bot only answers group
// messages that @-mention it; "always" answers everything.
const (
	ActivationMention = "mention"
	ActivationAlways  = "always"
)

// TelegramAdapter serves DMs and groups over the Bot API long-polling loop.
type TelegramAdapter struct {
	cfg      config.TelegramConfig
	bot      *bot.Bot
	username string
	messages chan *models.Inbound
	logger   *observability.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewTelegramAdapter builds the adapter. The bot token must already be
// resolved from the environment by the config loader.
func NewTelegramAdapter(cfg config.TelegramConfig, logger *observability.Logger) (*TelegramAdapter, error) {
	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	if cfg.GroupActivation == "" {
		cfg.GroupActivation = ActivationMention
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &TelegramAdapter{
		cfg:      cfg,
		messages: make(chan *models.Inbound, 100),
		logger:   logger.With("channel", "telegram"),
	}, nil
}

func (a *TelegramAdapter) Name() models.ChannelType         { return models.ChannelTelegram }
func (a *TelegramAdapter) Messages() <-chan *models.Inbound { return a.messages }

// Start connects to the Bot API and begins long polling.
func (a *TelegramAdapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		a.logger.Warn("telegram adapter already started")
		return nil
	}

	b, err := bot.New(a.cfg.BotToken, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return fmt.Errorf("telegram: create bot: %w", err)
	}
	me, err := b.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: authenticate: %w", err)
	}

	a.bot = b
	a.username = me.Username
	a.started = true
	a.done = make(chan struct{})

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go func() {
		defer close(a.done)
		defer close(a.messages)
		b.Start(runCtx)
	}()

	a.logger.Info("telegram adapter started",
		"bot", me.Username, "groupActivation", a.cfg.GroupActivation)
	return nil
}

// Stop halts long polling and waits for the poll loop to exit.
func (a *TelegramAdapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = false
	cancel := a.cancel
	done := a.done
	a.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram: stop timed out: %w", ctx.Err())
	}
}

// Send delivers text to the chat encoded in the session key.
func (a *TelegramAdapter) Send(ctx context.Context, sessionKey, text string) error {
	peer, err := PeerFromSessionKey(sessionKey)
	if err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(peer, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: session key %q has no chat id: %w", sessionKey, err)
	}
	_, err = a.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text})
	if err != nil {
		return fmt.Errorf("telegram: send to chat %d: %w", chatID, err)
	}
	return nil
}

func (a *TelegramAdapter) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}

	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"
	text, activated := GateGroupMessage(msg.Text, isGroup, a.cfg.GroupActivation, a.username)
	if !activated {
		return
	}

	inbound := &models.Inbound{
		Channel:    models.ChannelTelegram,
		SenderID:   strconv.FormatInt(msg.From.ID, 10),
		SenderName: strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
		Text:       text,
		IsGroup:    isGroup,
		ReceivedAt: time.Unix(int64(msg.Date), 0),
	}
	if isGroup {
		inbound.GroupID = strconv.FormatInt(msg.Chat.ID, 10)
	}

	select {
	case a.messages <- inbound:
	case <-ctx.Done():
	default:
		a.logger.Warn("inbound queue full, dropping telegram message", "chat", msg.Chat.ID)
	}
}

// GateGroupMessage applies group activation policy to a message. In mention
// mode it returns the text with the bot mention stripped and false when the
// bot was not addressed. DMs always pass through untouched.
func GateGroupMessage(text string, isGroup bool, activation, botUsername string) (string, bool) {
	if !isGroup || activation == ActivationAlways {
		return text, true
	}
	mention := "@" + botUsername
	if botUsername == "" || !strings.Contains(text, mention) {
		return "", false
	}
	stripped := strings.TrimSpace(strings.ReplaceAll(text, mention, ""))
	return stripped, true
}
