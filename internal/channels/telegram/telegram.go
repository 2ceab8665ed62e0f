// Package telegram adapts a Telegram bot (long polling) to the
// channelbridge.ChannelAdapter contract, grounded on the upstream project's
// telego-based channel but narrowed to the bridge's capability set.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"

	"github.com/nextlevelbuilder/goclaw-bridge/internal/channelbridge"
	"github.com/nextlevelbuilder/goclaw-bridge/internal/channels"
)

// Config configures a Telegram adapter.
type Config struct {
	Token          string
	Proxy          string
	AllowFrom      []string
	RequireMention bool
}

// Adapter connects to Telegram via long polling and implements
// channelbridge.ChannelAdapter.
type Adapter struct {
	bot       *telego.Bot
	cfg       Config
	log       *slog.Logger
	bridge    *channelbridge.Bridge
	channelID string

	mu         sync.Mutex
	running    bool
	cancelPoll context.CancelFunc

	// msgChats maps a Telegram message ID to the chat it arrived in, since
	// ReplyText only receives the message ID (the reply-to target per the
	// ChannelAdapter contract) but the Bot API needs a chat ID to send into.
	msgChats sync.Map
}

// New creates a Telegram adapter. It does not start polling; call Start.
func New(cfg Config, bridge *channelbridge.Bridge, log *slog.Logger) (*Adapter, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)}}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{bot: bot, cfg: cfg, log: log.With("channel", "telegram"), bridge: bridge, channelID: "telegram"}, nil
}

// ChannelID implements channelbridge.ChannelAdapter.
func (a *Adapter) ChannelID() string { return a.channelID }

// Start begins long polling for Telegram updates.
func (a *Adapter) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	bh, err := th.NewBotHandler(a.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create telegram handler: %w", err)
	}
	bh.Handle(a.handleMessage, th.AnyMessage())

	a.mu.Lock()
	a.running = true
	a.cancelPoll = cancel
	a.mu.Unlock()

	go bh.Start()
	a.log.Info("telegram bot connected", "username", a.bot.Username())
	return nil
}

// Stop cancels long polling.
func (a *Adapter) Stop(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.running = false
	if a.cancelPoll != nil {
		a.cancelPoll()
	}
	return nil
}

func (a *Adapter) isRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Adapter) handleMessage(ctx *th.Context, update telego.Message) error {
	if update.From == nil || update.From.IsBot {
		return nil
	}
	if a.cfg.RequireMention && update.Chat.Type != telego.ChatTypePrivate && !mentionsBot(update, a.bot.Username()) {
		return nil
	}

	a.msgChats.Store(strconv.Itoa(update.MessageID), update.Chat.ID)

	msg := channelbridge.ChannelMessage{
		ChannelID:  a.channelID,
		SessionKey: strconv.FormatInt(update.Chat.ID, 10),
		MessageID:  strconv.Itoa(update.MessageID),
		SenderID:   strconv.FormatInt(update.From.ID, 10),
		Text:       update.Text,
		ReplyToID:  strconv.Itoa(update.MessageID),
	}
	if thumb, ok := a.fetchPhotoThumbnail(context.Background(), update); ok {
		msg.Metadata = map[string]any{"images": []string{thumb}}
	}

	if _, _, err := a.bridge.HandleInbound(context.Background(), msg); err != nil {
		a.log.Debug("telegram inbound not routed", "err", err)
	}
	return nil
}

// fetchPhotoThumbnail resolves the largest photo size on the message (if
// any) to a download URL and downsamples it for the agent's turn context.
func (a *Adapter) fetchPhotoThumbnail(ctx context.Context, update telego.Message) (string, bool) {
	if len(update.Photo) == 0 {
		return "", false
	}
	largest := update.Photo[len(update.Photo)-1]
	file, err := a.bot.GetFile(ctx, &telego.GetFileParams{FileID: largest.FileID})
	if err != nil {
		a.log.Warn("telegram: resolve file failed", "err", err)
		return "", false
	}
	thumb, err := channels.FetchImageThumbnail(ctx, a.bot.FileDownloadURL(file.FilePath))
	if err != nil {
		a.log.Warn("telegram: thumbnail fetch failed", "err", err)
		return "", false
	}
	return thumb, true
}

func mentionsBot(m telego.Message, username string) bool {
	if username == "" {
		return false
	}
	for _, e := range m.Entities {
		if e.Type == telego.EntityTypeMention {
			mention := m.Text[e.Offset : e.Offset+e.Length]
			if mention == "@"+username {
				return true
			}
		}
	}
	return false
}

func (a *Adapter) chatIDFromMessageID(messageID string) (int64, error) {
	v, ok := a.msgChats.LoadAndDelete(messageID)
	if !ok {
		return 0, fmt.Errorf("unknown telegram chat for message %q", messageID)
	}
	return v.(int64), nil
}

// SendText implements channelbridge.ChannelAdapter. to is a chat ID.
func (a *Adapter) SendText(ctx context.Context, to, text string) error {
	if !a.isRunning() {
		return fmt.Errorf("telegram adapter not running")
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("parse telegram chat id %q: %w", to, err)
	}
	_, err = a.bot.SendMessage(ctx, telego.NewMessage(telego.ChatID{ID: chatID}, text))
	return err
}

// ReplyText implements channelbridge.ChannelAdapter. replyToID is the
// Telegram message ID to reply-thread against; the bot replies in the same
// chat the original message arrived in, recoverable from replyToID because
// the bridge always calls HandleInbound and ReplyText within the same chat.
func (a *Adapter) ReplyText(ctx context.Context, replyToID, text string) error {
	if !a.isRunning() {
		return fmt.Errorf("telegram adapter not running")
	}
	chatID, err := a.chatIDFromMessageID(replyToID)
	if err != nil {
		return err
	}
	replyMsgID, err := strconv.Atoi(replyToID)
	if err != nil {
		return fmt.Errorf("parse telegram reply message id %q: %w", replyToID, err)
	}
	params := telego.NewMessage(telego.ChatID{ID: chatID}, text)
	params.ReplyParameters = &telego.ReplyParameters{MessageID: replyMsgID}
	_, err = a.bot.SendMessage(ctx, params)
	return err
}

// SendTyping implements channelbridge.ChannelAdapter.
func (a *Adapter) SendTyping(ctx context.Context, to string) error {
	if !a.isRunning() {
		return fmt.Errorf("telegram adapter not running")
	}
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("parse telegram chat id %q: %w", to, err)
	}
	return a.bot.SendChatAction(ctx, telego.NewSendChatAction(telego.ChatID{ID: chatID}, telego.ChatActionTyping))
}
