// Package bot is the Telegram front-end: the long-poll loop, command routing,
// access lists and the per-user download mode.
package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/datallboy/gofetch/internal/app"
	"github.com/datallboy/gofetch/internal/domain"
	"github.com/datallboy/gofetch/internal/infra/logger"
)

const (
	msgNoAccess    = "❌ You don't have access yet. Send /start to request access."
	msgAdminOnly   = "❌ This command is for admins only!"
	pollBackoff    = time.Second
	maxPollBackoff = 30 * time.Second
)

// Poller long-polls the Bot API for updates.
type Poller interface {
	Updates(ctx context.Context, offset int) ([]tgbotapi.Update, error)
}

type Bot struct {
	app      *app.Context
	poller   Poller
	access   *Access
	sessions *Sessions
	log      *logger.Logger

	offset int
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(appCtx *app.Context, poller Poller, access *Access) *Bot {
	return &Bot{
		app:      appCtx,
		poller:   poller,
		access:   access,
		sessions: NewSessions(),
		log:      appCtx.Logger.Named("bot"),
		sleep:    sleepCtx,
	}
}

func (b *Bot) Sessions() *Sessions { return b.sessions }

// Run polls until ctx is cancelled. Handler failures are logged and never stop the loop.
func (b *Bot) Run(ctx context.Context) error {
	b.log.Info("Starting polling...")
	backoff := pollBackoff

	for {
		if ctx.Err() != nil {
			b.log.Info("Polling stopped")
			return nil
		}

		updates, err := b.poller.Updates(ctx, b.offset)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				continue
			}
			b.log.Warn("Polling error: %v (retrying in %s)", err, backoff)
			if b.sleep(ctx, backoff) != nil {
				continue
			}
			backoff = min(backoff*2, maxPollBackoff)
			continue
		}
		backoff = pollBackoff

		for _, u := range updates {
			if u.UpdateID >= b.offset {
				b.offset = u.UpdateID + 1
			}
			b.HandleUpdate(ctx, u)
		}
	}
}

// HandleUpdate dispatches one update and recovers from any panic in a handler.
func (b *Bot) HandleUpdate(ctx context.Context, u tgbotapi.Update) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("Error handling update %d: %v", u.UpdateID, r)
		}
	}()

	switch {
	case u.Message != nil:
		b.handleMessage(ctx, u.Message)
	case u.CallbackQuery != nil:
		b.handleCallback(ctx, u.CallbackQuery)
	}
}

type sender struct {
	id        int64
	chatID    int64
	username  string
	firstName string
}

// displayName is the first name escaped for HTML replies.
func (s sender) displayName() string {
	return html.EscapeString(s.firstName)
}

func senderOf(m *tgbotapi.Message) sender {
	s := sender{firstName: "Unknown"}
	if m.From != nil {
		s.id = m.From.ID
		s.username = m.From.UserName
		if m.From.FirstName != "" {
			s.firstName = m.From.FirstName
		}
	}
	s.chatID = s.id
	if m.Chat != nil {
		s.chatID = m.Chat.ID
	}
	return s
}

func (b *Bot) handleMessage(ctx context.Context, m *tgbotapi.Message) {
	from := senderOf(m)
	text := strings.TrimSpace(m.Text)
	if from.id == 0 || text == "" {
		return
	}

	if !strings.HasPrefix(text, "/") {
		b.handleText(ctx, from, text)
		return
	}

	fields := strings.Fields(text)
	command := strings.ToLower(fields[0])
	// Commands addressed as /cmd@botname in groups
	if at := strings.IndexByte(command, '@'); at > 0 {
		command = command[:at]
	}
	args := fields[1:]

	b.log.Debug("Command %s from %d", command, from.id)

	handler, ok := b.commands()[command]
	if !ok {
		if b.access.HasAccess(from.id) {
			b.reply(ctx, from.chatID, fmt.Sprintf("❓ Unknown command '%s'. Type /help for help.", html.EscapeString(command)))
		}
		return
	}
	handler(ctx, from, args)
}

type commandFunc func(ctx context.Context, from sender, args []string)

func (b *Bot) commands() map[string]commandFunc {
	return map[string]commandFunc{
		"/start":        b.cmdStart,
		"/mp3":          func(ctx context.Context, s sender, _ []string) { b.cmdMode(ctx, s, ModeMP3) },
		"/mp4":          func(ctx context.Context, s sender, _ []string) { b.cmdMode(ctx, s, ModeMP4) },
		"/close":        b.cmdClose,
		"/help":         b.cmdHelp,
		"/info":         b.cmdInfo,
		"/approve":      b.adminOnly(b.cmdApprove),
		"/kick":         b.adminOnly(b.cmdKick),
		"/list":         b.adminOnly(b.cmdList),
		"/addadmin":     b.adminOnly(b.cmdAddAdmin),
		"/listadmin":    b.adminOnly(b.cmdListAdmin),
		"/stats":        b.adminOnly(b.cmdStats),
		"/clearhistory": b.adminOnly(b.cmdClearHistory),
		"/cleanup":      b.adminOnly(b.cmdCleanup),
	}
}

func (b *Bot) adminOnly(fn commandFunc) commandFunc {
	return func(ctx context.Context, from sender, args []string) {
		if !b.access.IsAdmin(from.id) {
			b.reply(ctx, from.chatID, msgAdminOnly)
			return
		}
		fn(ctx, from, args)
	}
}

func (b *Bot) handleText(ctx context.Context, from sender, text string) {
	if !b.access.HasAccess(from.id) {
		b.reply(ctx, from.chatID, msgNoAccess)
		return
	}

	if isURL(text) {
		b.handleURL(ctx, from, text)
		return
	}

	if mode := b.sessions.Mode(from.id); mode != ModeIdle {
		b.reply(ctx, from.chatID, fmt.Sprintf("📎 Send a link to download %s.\n❌ Or type /close to exit.", mode.Upper()))
	}
}

func (b *Bot) handleURL(ctx context.Context, from sender, url string) {
	mode := b.sessions.Mode(from.id)
	kind, ok := mode.Kind()
	if !ok {
		b.reply(ctx, from.chatID, "❓ Pick a download mode first:\n🎵 /mp3 for audio\n🎬 /mp4 for video")
		return
	}

	platformName, err := ValidateURL(url)
	if err != nil {
		b.reply(ctx, from.chatID, rejection(err))
		return
	}

	job, err := b.app.Jobs.Submit(&domain.Job{
		ChatID:    from.chatID,
		UserID:    from.id,
		Username:  from.username,
		FirstName: from.firstName,
		URL:       url,
		Platform:  platformName,
		Kind:      kind,
	})
	switch {
	case errors.Is(err, domain.ErrJobActive):
		b.reply(ctx, from.chatID, "⏳ You already have a download in progress. Please wait for it to finish.")
		return
	case errors.Is(err, domain.ErrQueueFull):
		b.reply(ctx, from.chatID, "🚦 The download queue is full right now. Try again in a moment.")
		return
	case err != nil:
		b.log.Error("Submit failed for %d: %v", from.id, err)
		b.reply(ctx, from.chatID, "❌ Could not start the download: "+html.EscapeString(err.Error()))
		return
	}

	b.log.Info("Download request: %s | User: %d | URL: %s | Job: %s", mode, from.id, url, job.ID)
	b.reply(ctx, from.chatID, fmt.Sprintf("🌐 Platform: %s\n📥 Mode: %s\n⏳ Queued for download...", platformName, mode.Upper()))
}

func (b *Bot) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if err := b.app.Telegram.AnswerCallback(ctx, q.ID, ""); err != nil {
		b.log.Warn("Failed to answer callback %s: %v", q.ID, err)
	}

	if q.From == nil || !b.access.IsAdmin(q.From.ID) {
		return
	}

	action, target, ok := parseDecision(q.Data)
	if !ok {
		return
	}

	original := ""
	var chatID int64
	msgID := 0
	if q.Message != nil {
		original = q.Message.Text
		msgID = q.Message.MessageID
		if q.Message.Chat != nil {
			chatID = q.Message.Chat.ID
		}
	}

	var header string
	switch action {
	case "approve":
		if _, err := b.access.Allowed.Add(target); err != nil {
			b.log.Error("Failed to approve %d: %v", target, err)
			return
		}
		header = fmt.Sprintf("✅ User ID %d has been approved!", target)
		b.reply(ctx, target, "🎉 <b>Congratulations!</b>\n\n✅ An admin approved your access.\n🚀 You can use this bot now.\n\nType /start to see the download menu!")
	case "reject":
		header = fmt.Sprintf("❌ User ID %d has been rejected.", target)
		b.reply(ctx, target, "😔 <b>Request Rejected</b>\n\n❌ Sorry, an admin rejected your access request.\n📝 You can try again later with /start")
	}

	b.log.Info("Admin %d: %s %d", q.From.ID, action, target)

	if msgID != 0 {
		if err := b.app.Telegram.EditMessage(ctx, chatID, msgID, header+"\n\n"+original); err != nil {
			b.log.Warn("Failed to edit approval message: %v", err)
		}
	}
}

// parseDecision reads callback data of the form approve_<id> or reject_<id>.
func parseDecision(data string) (action string, target int64, ok bool) {
	action, rawID, found := strings.Cut(data, "_")
	if !found || (action != "approve" && action != "reject") {
		return "", 0, false
	}
	id, err := parseUserID(rawID)
	if err != nil {
		return "", 0, false
	}
	return action, id, true
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if _, err := b.app.Telegram.SendMessage(ctx, chatID, text); err != nil {
		b.log.Warn("Failed to send message to %d: %v", chatID, err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
