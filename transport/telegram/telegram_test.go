package telegram

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/controller"
	"parley/domain"
)

type apiCall struct {
	method string
	params url.Values
}

// recorder fakes the Telegram Bot API and records every call.
type recorder struct {
	mu             sync.Mutex
	calls          []apiCall
	rejectMarkdown bool
}

func (r *recorder) record(method string, params url.Values) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, apiCall{method: method, params: params})
}

func (r *recorder) byMethod(method string) []apiCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []apiCall
	for _, c := range r.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func newFakeBot(t *testing.T) (*Bot, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		parts := strings.Split(r.URL.Path, "/")
		method := parts[len(parts)-1]
		rec.record(method, r.Form)

		w.Header().Set("Content-Type", "application/json")
		switch {
		case method == "getMe":
			io.WriteString(w, `{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"parley","username":"parley_bot"}}`)
		case method == "sendMessage" && rec.rejectMarkdown && r.Form.Get("parse_mode") == tgbotapi.ModeMarkdownV2:
			io.WriteString(w, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`)
		case method == "sendMessage" || method == "editMessageText":
			io.WriteString(w, `{"ok":true,"result":{"message_id":7,"date":1,"chat":{"id":42,"type":"private"}}}`)
		default:
			io.WriteString(w, `{"ok":true,"result":true}`)
		}
	}))
	t.Cleanup(srv.Close)

	api, err := tgbotapi.NewBotAPIWithAPIEndpoint("test-token", srv.URL+"/bot%s/%s")
	require.NoError(t, err)

	return &Bot{
		api:        api,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		downloader: &http.Client{Timeout: time.Second},
	}, rec
}

type fakeHandler struct {
	mu       sync.Mutex
	calls    []string
	feedback string
}

func (h *fakeHandler) note(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, s)
}

func (h *fakeHandler) HandleMessage(_ context.Context, chatID, text string) {
	h.note("msg:" + chatID + ":" + text)
}

func (h *fakeHandler) Approve(_ context.Context, chatID string) string {
	h.note("approve:" + chatID)
	return h.feedback
}

func (h *fakeHandler) Deny(_ context.Context, chatID string) string {
	h.note("deny:" + chatID)
	return h.feedback
}

func (h *fakeHandler) StickyApprove(_ context.Context, chatID string) string {
	h.note("sticky:" + chatID)
	return h.feedback
}

func (h *fakeHandler) CancelTask(_ context.Context, chatID string) string {
	h.note("cancel:" + chatID)
	return h.feedback
}

func textMessage(chatID int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: chatID, Type: "private"},
		Text: text,
	}
}

func TestSendReplyConvertsMarkdown(t *testing.T) {
	bot, rec := newFakeBot(t)

	require.NoError(t, bot.SendReply(context.Background(), "42", "**bold** text."))

	sends := rec.byMethod("sendMessage")
	require.Len(t, sends, 1)
	assert.Equal(t, tgbotapi.ModeMarkdownV2, sends[0].params.Get("parse_mode"))
	assert.Equal(t, `*bold* text\.`, sends[0].params.Get("text"))
	assert.Equal(t, "42", sends[0].params.Get("chat_id"))
}

func TestSendReplyFallsBackToPlainText(t *testing.T) {
	bot, rec := newFakeBot(t)
	rec.rejectMarkdown = true

	require.NoError(t, bot.SendReply(context.Background(), "42", "broken *markdown"))

	sends := rec.byMethod("sendMessage")
	require.Len(t, sends, 2)
	assert.Equal(t, tgbotapi.ModeMarkdownV2, sends[0].params.Get("parse_mode"))
	assert.Empty(t, sends[1].params.Get("parse_mode"))
	assert.Equal(t, "broken *markdown", sends[1].params.Get("text"))
}

func TestSendReplyBadChatID(t *testing.T) {
	bot, _ := newFakeBot(t)
	err := bot.SendReply(context.Background(), "not-a-number", "hello")
	require.ErrorContains(t, err, "bad chat id")
}

func TestWorkingNoticeCarriesStopButton(t *testing.T) {
	bot, rec := newFakeBot(t)

	require.NoError(t, bot.SendReply(context.Background(), "42", controller.WorkingNotice))

	sends := rec.byMethod("sendMessage")
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0].params.Get("reply_markup"), `"cancel"`)
}

func TestNotifyApprovalKeyboard(t *testing.T) {
	bot, rec := newFakeBot(t)

	req := domain.ApprovalRequest{
		Tool:  "Bash",
		Input: map[string]any{"command": "rm -rf build"},
	}
	require.NoError(t, bot.NotifyApproval(context.Background(), "42", req))

	sends := rec.byMethod("sendMessage")
	require.Len(t, sends, 1)
	assert.Equal(t, "Run command: rm -rf build", sends[0].params.Get("text"))
	markup := sends[0].params.Get("reply_markup")
	assert.Contains(t, markup, `"approve"`)
	assert.Contains(t, markup, `"sticky_approve"`)
	assert.Contains(t, markup, `"reject"`)
}

func TestHandleTextDispatchesPrompt(t *testing.T) {
	bot, _ := newFakeBot(t)
	h := &fakeHandler{}
	bot.handler = h

	bot.handleText(context.Background(), textMessage(42, "fix the build"))

	assert.Equal(t, []string{"msg:42:fix the build"}, h.calls)
}

func TestHandleTextIgnoresNonAllowedChat(t *testing.T) {
	bot, _ := newFakeBot(t)
	bot.allowed = map[string]bool{"99": true}
	h := &fakeHandler{}
	bot.handler = h

	bot.handleText(context.Background(), textMessage(42, "fix the build"))

	assert.Empty(t, h.calls)
}

func TestHandleTextStatusCommand(t *testing.T) {
	bot, _ := newFakeBot(t)
	h := &fakeHandler{}
	bot.handler = h

	msg := textMessage(42, "/status")
	msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 7}}
	bot.handleText(context.Background(), msg)

	assert.Equal(t, []string{"msg:42:status"}, h.calls)
}

func TestHandleTextStartCommand(t *testing.T) {
	bot, rec := newFakeBot(t)
	h := &fakeHandler{}
	bot.handler = h

	msg := textMessage(42, "/start")
	msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}}
	bot.handleText(context.Background(), msg)

	assert.Empty(t, h.calls)
	sends := rec.byMethod("sendMessage")
	require.Len(t, sends, 1)
	assert.Contains(t, sends[0].params.Get("text"), "voice note")
}

func callbackQuery(chatID int64, data string) *tgbotapi.CallbackQuery {
	return &tgbotapi.CallbackQuery{
		ID:   "cb-1",
		Data: data,
		Message: &tgbotapi.Message{
			MessageID: 7,
			Chat:      &tgbotapi.Chat{ID: chatID, Type: "private"},
		},
	}
}

func TestCallbackRouting(t *testing.T) {
	cases := []struct {
		data string
		want string
	}{
		{"approve", "approve:42"},
		{"sticky_approve", "sticky:42"},
		{"reject", "deny:42"},
		{"cancel", "cancel:42"},
	}
	for _, tc := range cases {
		t.Run(tc.data, func(t *testing.T) {
			bot, _ := newFakeBot(t)
			h := &fakeHandler{feedback: "done"}
			bot.handler = h

			bot.handleCallback(context.Background(), callbackQuery(42, tc.data))

			assert.Equal(t, []string{tc.want}, h.calls)
		})
	}
}

func TestCallbackFeedbackEditsKeyboardMessage(t *testing.T) {
	bot, rec := newFakeBot(t)
	h := &fakeHandler{feedback: "No pending approval."}
	bot.handler = h

	bot.handleCallback(context.Background(), callbackQuery(42, "approve"))

	edits := rec.byMethod("editMessageText")
	require.Len(t, edits, 1)
	assert.Equal(t, "No pending approval.", edits[0].params.Get("text"))
}

func TestCallbackSilentSuccessDeletesKeyboardMessage(t *testing.T) {
	bot, rec := newFakeBot(t)
	h := &fakeHandler{feedback: ""}
	bot.handler = h

	bot.handleCallback(context.Background(), callbackQuery(42, "approve"))

	assert.Len(t, rec.byMethod("deleteMessage"), 1)
	assert.Empty(t, rec.byMethod("editMessageText"))
}

func TestCallbackIgnoresNonAllowedChat(t *testing.T) {
	bot, rec := newFakeBot(t)
	bot.allowed = map[string]bool{"99": true}
	h := &fakeHandler{}
	bot.handler = h

	bot.handleCallback(context.Background(), callbackQuery(42, "approve"))

	assert.Empty(t, h.calls)
	assert.Empty(t, rec.byMethod("editMessageText"))
}
