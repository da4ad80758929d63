// Package telegram runs the bot over the Telegram Bot API: long-polled
// updates in, MarkdownV2 replies and inline approval keyboards out.
// Voice notes are transcribed before dispatch so spoken and typed input
// take the same path.
package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"parley/controller"
	"parley/domain"
	"parley/format"
	"parley/ports"
)

// Handler receives classified chat input. Satisfied by the controller.
type Handler interface {
	HandleMessage(ctx context.Context, chatID, text string)
	Approve(ctx context.Context, chatID string) string
	Deny(ctx context.Context, chatID string) string
	StickyApprove(ctx context.Context, chatID string) string
	CancelTask(ctx context.Context, chatID string) string
}

// Bot is the Telegram transport. It implements ports.Transport for
// outbound traffic and feeds inbound updates to a Handler.
type Bot struct {
	api         *tgbotapi.BotAPI
	transcriber ports.Transcriber
	allowed     map[string]bool
	logger      *slog.Logger
	downloader  *http.Client

	handler Handler
}

// New connects to the Telegram Bot API. An empty allowed set admits
// every chat.
func New(token string, transcriber ports.Transcriber, allowed map[string]bool, logger *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("connect to telegram: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		api:         api,
		transcriber: transcriber,
		allowed:     allowed,
		logger:      logger,
		downloader:  &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// SetHandler wires the inbound message handler. Must be called before Run.
// A setter because the controller needs the bot as its transport first.
func (b *Bot) SetHandler(h Handler) { b.handler = h }

// Run long-polls for updates until ctx is cancelled. Updates are
// handled concurrently, capped so a flood of messages cannot spawn
// unbounded goroutines.
func (b *Bot) Run(ctx context.Context) error {
	if b.handler == nil {
		return fmt.Errorf("no handler set")
	}
	b.logger.Info("telegram bot started", "username", b.api.Self.UserName)

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = 30
	updates := b.api.GetUpdatesChan(cfg)

	handlers := new(errgroup.Group)
	handlers.SetLimit(64)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			_ = handlers.Wait()
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				_ = handlers.Wait()
				return nil
			}
			handlers.Go(func() error {
				b.handleUpdate(ctx, update)
				return nil
			})
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.Voice != nil:
		b.handleVoice(ctx, update.Message)
	case update.Message != nil && update.Message.Text != "":
		b.handleText(ctx, update.Message)
	}
}

func (b *Bot) isAllowed(chatID string) bool {
	if len(b.allowed) == 0 {
		return true
	}
	return b.allowed[chatID]
}

func chatIDString(id int64) string {
	return strconv.FormatInt(id, 10)
}

func (b *Bot) handleText(ctx context.Context, msg *tgbotapi.Message) {
	chatID := chatIDString(msg.Chat.ID)
	if !b.isAllowed(chatID) {
		b.logger.Debug("ignoring text from non-allowed chat", "chat_id", chatID)
		return
	}

	text := msg.Text
	switch msg.Command() {
	case "start":
		b.sendPlain(msg.Chat.ID, "Hi! Send me a voice note or text and I'll run it through the coding agent.")
		return
	case "status":
		text = "status"
	}
	b.handler.HandleMessage(ctx, chatID, text)
}

func (b *Bot) handleVoice(ctx context.Context, msg *tgbotapi.Message) {
	chatID := chatIDString(msg.Chat.ID)
	if !b.isAllowed(chatID) {
		b.logger.Debug("ignoring voice from non-allowed chat", "chat_id", chatID)
		return
	}

	audio, err := b.downloadFile(ctx, msg.Voice.FileID)
	if err != nil {
		b.logger.Error("voice download failed", "chat_id", chatID, "error", err)
		b.sendPlain(msg.Chat.ID, fmt.Sprintf("Failed to download audio: %v", err))
		return
	}

	text, err := b.transcriber.Transcribe(ctx, audio)
	if err != nil {
		b.logger.Error("transcription failed", "chat_id", chatID, "error", err)
		b.sendPlain(msg.Chat.ID, fmt.Sprintf("Transcription failed: %v", err))
		return
	}

	// Echo the transcription in italics so the user can verify what
	// was heard before the agent acts on it.
	echo := tgbotapi.NewMessage(msg.Chat.ID, "_"+format.Escape(text)+"_")
	echo.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := b.api.Send(echo); err != nil {
		b.logger.Warn("transcription echo failed", "chat_id", chatID, "error", err)
	}

	b.handler.HandleMessage(ctx, chatID, text)
}

func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("resolve file url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.downloader.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (b *Bot) handleCallback(ctx context.Context, query *tgbotapi.CallbackQuery) {
	if _, err := b.api.Request(tgbotapi.NewCallback(query.ID, "")); err != nil {
		b.logger.Warn("callback ack failed", "error", err)
	}
	if query.Message == nil {
		return
	}
	chatID := chatIDString(query.Message.Chat.ID)
	if !b.isAllowed(chatID) {
		return
	}

	var feedback string
	switch query.Data {
	case "approve":
		feedback = b.handler.Approve(ctx, chatID)
	case "sticky_approve":
		feedback = b.handler.StickyApprove(ctx, chatID)
	case "reject":
		feedback = b.handler.Deny(ctx, chatID)
	case "cancel":
		feedback = b.handler.CancelTask(ctx, chatID)
	default:
		b.logger.Warn("unknown callback data", "data", query.Data)
		return
	}

	if feedback == "" {
		// Silent success: remove the keyboard message instead of
		// leaving a stale prompt behind.
		del := tgbotapi.NewDeleteMessage(query.Message.Chat.ID, query.Message.MessageID)
		if _, err := b.api.Request(del); err != nil {
			b.logger.Warn("delete keyboard message failed", "error", err)
		}
		return
	}
	edit := tgbotapi.NewEditMessageText(query.Message.Chat.ID, query.Message.MessageID, feedback)
	if _, err := b.api.Request(edit); err != nil {
		b.logger.Warn("edit keyboard message failed", "error", err)
	}
}

// SendReply delivers reply text as MarkdownV2, falling back to plain
// text when Telegram rejects the formatting.
func (b *Bot) SendReply(ctx context.Context, chatID, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad chat id %q: %w", chatID, err)
	}

	msg := tgbotapi.NewMessage(id, format.Convert(text))
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if text == controller.WorkingNotice {
		msg.ReplyMarkup = stopKeyboard()
	}
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Debug("markdown send failed, falling back to plain", "chat_id", chatID, "error", err)
		plain := tgbotapi.NewMessage(id, text)
		if text == controller.WorkingNotice {
			plain.ReplyMarkup = stopKeyboard()
		}
		if _, err := b.api.Send(plain); err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
	}
	return nil
}

// NotifyApproval presents the gated action with approve, always and
// reject buttons.
func (b *Bot) NotifyApproval(ctx context.Context, chatID string, req domain.ApprovalRequest) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad chat id %q: %w", chatID, err)
	}
	msg := tgbotapi.NewMessage(id, req.Describe())
	msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Approve", "approve"),
			tgbotapi.NewInlineKeyboardButtonData("Always", "sticky_approve"),
			tgbotapi.NewInlineKeyboardButtonData("Reject", "reject"),
		),
	)
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send approval prompt: %w", err)
	}
	return nil
}

func (b *Bot) sendPlain(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.logger.Error("send failed", "chat_id", chatID, "error", err)
	}
}

func stopKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Stop", "cancel"),
		),
	)
}

var _ ports.Transport = (*Bot)(nil)
