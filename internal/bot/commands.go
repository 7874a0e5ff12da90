package bot

import (
	"context"
	"fmt"
	"html"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/datallboy/gofetch/internal/domain"
	"github.com/datallboy/gofetch/internal/infra/fsutil"
	"github.com/datallboy/gofetch/internal/pipeline"
	"github.com/datallboy/gofetch/internal/telegram"
)

// Videos older than this are swept by /cleanup.
const staleVideoAge = 2 * time.Hour

const downloadMenu = "📥 <b>Download Menu (Real-time Progress):</b>\n" +
	"🎵 /mp3 - Download audio from YouTube\n" +
	"🎬 /mp4 - Download video (YouTube, TikTok, Instagram)\n" +
	"❌ /close - Close the download session\n\n"

func (b *Bot) cmdStart(ctx context.Context, from sender, _ []string) {
	b.log.Info("/start from user %d (%s)", from.id, from.firstName)
	b.sessions.Set(from.id, ModeIdle, from.username)

	switch {
	case b.access.IsAdmin(from.id):
		b.reply(ctx, from.chatID, fmt.Sprintf("👑 <b>Welcome Admin %s!</b>\n\n"+
			"🎛️ <b>Admin Menu:</b>\n"+
			"• /approve &lt;user_id&gt; - Approve user\n"+
			"• /kick &lt;user_id&gt; - Remove user access\n"+
			"• /list - Allowed users\n"+
			"• /addadmin &lt;user_id&gt; - Add a new admin\n"+
			"• /listadmin - Admin list\n"+
			"• /stats - Bot statistics\n"+
			"• /clearhistory - Clear JSON history\n"+
			"• /cleanup - Clean temp files\n\n"+
			downloadMenu+
			"📋 <b>Status:</b>\n"+
			"👥 Allowed Users: %d\n"+
			"👑 Total Admin: %d",
			from.displayName(), b.access.Allowed.Len(), b.access.Admins.Len()))

	case b.access.HasAccess(from.id):
		b.reply(ctx, from.chatID, fmt.Sprintf("✅ <b>Welcome back, %s!</b>\n\n"+
			"🎉 You have full access to this bot.\n\n"+
			downloadMenu+
			"📚 <b>Other commands:</b>\n"+
			"• /help - Usage help\n"+
			"• /info - Bot information\n\n"+
			"💡 <b>How to use:</b>\n"+
			"1. Pick /mp3 or /mp4\n"+
			"2. Send a video link\n"+
			"3. Watch the live progress and receive the file!",
			from.displayName()))

	default:
		b.requestAccess(ctx, from)
	}
}

func (b *Bot) requestAccess(ctx context.Context, from sender) {
	admins, err := b.access.Admins.IDs()
	if err != nil {
		b.log.Error("Error reading admin list: %v", err)
	}
	if len(admins) == 0 {
		b.reply(ctx, from.chatID, "❌ Sorry, no admin is registered yet.\nPlease contact the bot owner.")
		return
	}

	username := "No username"
	if from.username != "" {
		username = html.EscapeString(from.username)
	}
	request := fmt.Sprintf("🔔 <b>New Access Request</b>\n\n"+
		"👤 Name: %s\n"+
		"🆔 Username: @%s\n"+
		"🔢 User ID: <code>%d</code>\n\n"+
		"Use the buttons below or the manual command:",
		from.displayName(), username, from.id)

	buttons := []telegram.Button{
		{Text: "✅ Approve", Data: fmt.Sprintf("approve_%d", from.id)},
		{Text: "❌ Reject", Data: fmt.Sprintf("reject_%d", from.id)},
	}
	for _, admin := range admins {
		if _, err := b.app.Telegram.SendMessage(ctx, admin, request, buttons); err != nil {
			b.log.Warn("Failed to forward access request to admin %d: %v", admin, err)
		}
	}

	b.reply(ctx, from.chatID, fmt.Sprintf("👋 Hi %s!\n\n📝 Your access request has been sent to the admins.\n⏳ Please wait for approval.", from.displayName()))
}

func (b *Bot) cmdMode(ctx context.Context, from sender, mode Mode) {
	if !b.access.HasAccess(from.id) {
		b.reply(ctx, from.chatID, msgNoAccess)
		return
	}

	b.sessions.Set(from.id, mode, from.username)
	if _, _, err := pipeline.UserDirs(b.app.Config.Download.OutDir, from.id); err != nil {
		b.log.Error("Error creating directories for user %d: %v", from.id, err)
	}

	if mode == ModeMP3 {
		b.reply(ctx, from.chatID, fmt.Sprintf("🎵 <b>MP3 Mode Active!</b>\n\n"+
			"👋 Hi %s!\n"+
			"📎 Send a YouTube link to download it as MP3.\n\n"+
			"🎧 <b>Format:</b> MP3 128kbps\n"+
			"📊 <b>Progress:</b> Real-time single message update\n"+
			"🔄 <b>Auto-retry:</b> Network resilience\n"+
			"❌ <b>Close mode:</b> /close\n\n"+
			"💡 Example: https://youtube.com/watch?v=xxx", from.displayName()))
		return
	}

	b.reply(ctx, from.chatID, fmt.Sprintf("🎬 <b>MP4 Mode Active!</b>\n\n"+
		"👋 Hi %s!\n"+
		"📎 Send a video link to download it as MP4.\n\n"+
		"✅ <b>Support:</b> YouTube, TikTok, Instagram\n"+
		"📹 <b>Quality:</b> 720p (auto-optimized)\n"+
		"✂️ <b>Auto-split:</b> Files >%.0fMB are split automatically\n"+
		"🗜️ <b>Compression:</b> Smart size optimization\n"+
		"❌ <b>Close mode:</b> /close\n\n"+
		"💡 Example: https://youtube.com/watch?v=xxx", from.displayName(), b.app.Config.Download.DirectSendMB))
}

func (b *Bot) cmdClose(ctx context.Context, from sender, _ []string) {
	if !b.access.HasAccess(from.id) {
		b.reply(ctx, from.chatID, msgNoAccess)
		return
	}

	mode := b.sessions.Mode(from.id)
	if mode == ModeIdle {
		b.reply(ctx, from.chatID, "ℹ️ No active session.")
		return
	}

	// Only the progress message is cancelled; a running tool finishes on its own
	if b.app.Progress.IsActive(from.id) {
		b.app.Progress.Cancel(ctx, from.id)
	}
	b.sessions.Clear(from.id)

	b.reply(ctx, from.chatID, fmt.Sprintf("✅ %s session closed.\n\n📥 Type /mp3 or /mp4 to start downloading again.", mode.Upper()))
}

func (b *Bot) cmdHelp(ctx context.Context, from sender, _ []string) {
	if b.access.IsAdmin(from.id) {
		b.reply(ctx, from.chatID, "🆘 <b>Admin Help</b>\n\n"+
			"👑 <b>Admin commands:</b>\n"+
			"• /approve &lt;id&gt; - Approve user\n"+
			"• /kick &lt;id&gt; - Remove user\n"+
			"• /list - Allowed users\n"+
			"• /addadmin &lt;id&gt; - Add admin\n"+
			"• /listadmin - Admin list\n"+
			"• /stats - Bot and network statistics\n"+
			"• /clearhistory - Clear JSON history\n"+
			"• /cleanup - Clean temp files\n\n"+
			"📥 <b>Download commands:</b>\n"+
			"• /mp3 - Audio download mode\n"+
			"• /mp4 - Video download mode\n"+
			"• /close - Close session")
		return
	}

	b.reply(ctx, from.chatID, fmt.Sprintf("🆘 <b>User Help</b>\n\n"+
		"📥 <b>Download commands:</b>\n"+
		"• /mp3 - Download audio from YouTube\n"+
		"• /mp4 - Download video (YT, TT, IG)\n"+
		"• /close - Close the download session\n\n"+
		"📚 <b>Other commands:</b>\n"+
		"• /start - Main menu\n"+
		"• /help - This help\n"+
		"• /info - Bot info\n\n"+
		"🎯 <b>Features:</b>\n"+
		"✅ Real-time progress tracking\n"+
		"✅ Auto-split for large files (>%.0fMB)\n"+
		"✅ Auto-retry when sending fails\n"+
		"✅ Daily quota %.0fMB",
		b.app.Config.Download.DirectSendMB, b.app.Config.Quota.DailyLimitMB))
}

func (b *Bot) cmdInfo(ctx context.Context, from sender, _ []string) {
	status := "❌ Not Allowed"
	switch {
	case b.access.IsAdmin(from.id):
		status = "👑 Admin"
	case b.access.HasAccess(from.id):
		status = "✅ Allowed"
	}

	session := "💤 Idle"
	if mode := b.sessions.Mode(from.id); mode != ModeIdle {
		session = "🔄 " + mode.Upper()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "ℹ️ <b>Bot Information</b>\n\n")
	fmt.Fprintf(&sb, "👤 Your Status: %s\n", status)
	fmt.Fprintf(&sb, "📱 Session: %s\n", session)
	fmt.Fprintf(&sb, "🌐 Network: %s\n", strings.ToUpper(string(b.app.Network.Status())))
	if b.app.Progress.IsActive(from.id) {
		sb.WriteString("📊 Download: Downloading...\n")
	}
	fmt.Fprintf(&sb, "\n📊 <b>Statistics:</b>\n👑 Total Admin: %d\n👥 Allowed Users: %d\n🔄 Active Sessions: %d\n\n",
		b.access.Admins.Len(), b.access.Allowed.Len(), b.sessions.Len())
	fmt.Fprintf(&sb, "📥 <b>Supported:</b>\n🎵 MP3: YouTube (128kbps)\n🎬 MP4: YouTube, TikTok, Instagram (720p max)\n✂️ Auto-split: Files >%.0fMB\n\n",
		b.app.Config.Download.DirectSendMB)

	if b.access.HasAccess(from.id) {
		sb.WriteString("📝 Send /help for usage help.")
	} else {
		sb.WriteString("📝 Send /start to request access.")
	}

	b.reply(ctx, from.chatID, sb.String())
}

func parseUserID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return id, nil
}

// targetArg parses the first argument as a user ID and replies with usage or
// an error when it cannot.
func (b *Bot) targetArg(ctx context.Context, from sender, command string, args []string) (int64, bool) {
	if len(args) == 0 {
		b.reply(ctx, from.chatID, fmt.Sprintf("📝 Usage: /%s &lt;user_id&gt;\nExample: /%s 123456789", command, command))
		return 0, false
	}
	id, err := parseUserID(args[0])
	if err != nil {
		b.reply(ctx, from.chatID, "❌ User ID must be a number!")
		return 0, false
	}
	return id, true
}

func (b *Bot) cmdApprove(ctx context.Context, from sender, args []string) {
	target, ok := b.targetArg(ctx, from, "approve", args)
	if !ok {
		return
	}

	added, err := b.access.Allowed.Add(target)
	if err != nil {
		b.reply(ctx, from.chatID, "❌ Error: "+html.EscapeString(err.Error()))
		return
	}
	if !added {
		b.reply(ctx, from.chatID, fmt.Sprintf("ℹ️ User ID %d was already approved.", target))
		return
	}

	b.log.Info("Admin %d approved %d", from.id, target)
	b.reply(ctx, from.chatID, fmt.Sprintf("✅ User ID %d approved!", target))
	b.reply(ctx, target, "🎉 <b>Congratulations!</b>\n\n✅ An admin approved your access.\n🚀 You can use this bot now.\n\nType /start to see the menu!")
}

func (b *Bot) cmdKick(ctx context.Context, from sender, args []string) {
	target, ok := b.targetArg(ctx, from, "kick", args)
	if !ok {
		return
	}

	removed, err := b.access.Allowed.Remove(target)
	if err != nil {
		b.reply(ctx, from.chatID, "❌ Error: "+html.EscapeString(err.Error()))
		return
	}
	if !removed {
		b.reply(ctx, from.chatID, fmt.Sprintf("❌ User ID %d is not in the allowed users list.", target))
		return
	}

	b.log.Info("Admin %d kicked %d", from.id, target)
	b.reply(ctx, from.chatID, fmt.Sprintf("✅ User ID %d kicked!", target))

	if b.app.Progress.IsActive(target) {
		b.app.Progress.Cancel(ctx, target)
	}
	b.sessions.Clear(target)

	b.reply(ctx, target, "🚫 <b>Access Revoked</b>\n\n❌ An admin revoked your access.\n📝 Send /start if you want to request access again.")
}

func (b *Bot) cmdList(ctx context.Context, from sender, _ []string) {
	allowed, err := b.access.Allowed.IDs()
	if err != nil {
		b.reply(ctx, from.chatID, "❌ Error: "+html.EscapeString(err.Error()))
		return
	}
	if len(allowed) == 0 {
		b.reply(ctx, from.chatID, "📋 No approved users yet.")
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📋 <b>Allowed Users (%d):</b>\n\n<code>%s</code>", len(allowed), bulletIDs(allowed))

	sessions := b.sessions.Snapshot()
	var modes, downloading []string
	for _, id := range allowed {
		sess, ok := sessions[id]
		if !ok {
			continue
		}
		modes = append(modes, fmt.Sprintf("• %d - %s", id, sess.Mode))
		if b.app.Progress.IsActive(id) {
			downloading = append(downloading, fmt.Sprintf("• %d - downloading", id))
		}
	}
	if len(modes) > 0 {
		fmt.Fprintf(&sb, "\n\n🔄 <b>Active Sessions:</b>\n<code>%s</code>", strings.Join(modes, "\n"))
	}
	if len(downloading) > 0 {
		fmt.Fprintf(&sb, "\n\n📊 <b>Active Downloads:</b>\n<code>%s</code>", strings.Join(downloading, "\n"))
	}

	b.reply(ctx, from.chatID, sb.String())
}

func (b *Bot) cmdAddAdmin(ctx context.Context, from sender, args []string) {
	target, ok := b.targetArg(ctx, from, "addadmin", args)
	if !ok {
		return
	}

	added, err := b.access.Admins.Add(target)
	if err != nil {
		b.reply(ctx, from.chatID, "❌ Error: "+html.EscapeString(err.Error()))
		return
	}
	if !added {
		b.reply(ctx, from.chatID, fmt.Sprintf("ℹ️ User ID %d is already an admin.", target))
		return
	}

	b.log.Info("Admin %d promoted %d", from.id, target)
	b.reply(ctx, from.chatID, fmt.Sprintf("✅ User ID %d is now an admin!", target))
	b.reply(ctx, target, "👑 <b>Congratulations!</b>\n\n🎉 You are now an admin of this bot.\n🛡️ You have full access.\n\nType /start to see the admin menu!")
}

func (b *Bot) cmdListAdmin(ctx context.Context, from sender, _ []string) {
	admins, err := b.access.Admins.IDs()
	if err != nil || len(admins) == 0 {
		b.reply(ctx, from.chatID, "📋 No admins registered yet.")
		return
	}
	b.reply(ctx, from.chatID, fmt.Sprintf("👑 <b>Admins (%d):</b>\n\n<code>%s</code>", len(admins), bulletIDs(admins)))
}

func (b *Bot) cmdStats(ctx context.Context, from sender, _ []string) {
	byMode := b.sessions.CountByMode()
	state := b.app.Network.State()

	var sb strings.Builder
	sb.WriteString("📊 <b>Bot Statistics</b>\n\n")
	fmt.Fprintf(&sb, "👑 Total Admin: %d\n", b.access.Admins.Len())
	fmt.Fprintf(&sb, "👥 Allowed Users: %d\n", b.access.Allowed.Len())
	fmt.Fprintf(&sb, "🔄 Active Sessions: %d\n", b.sessions.Len())
	fmt.Fprintf(&sb, "   🎵 MP3 Mode: %d\n", byMode[ModeMP3])
	fmt.Fprintf(&sb, "   🎬 MP4 Mode: %d\n", byMode[ModeMP4])
	fmt.Fprintf(&sb, "📊 Active Downloads: %d (queued or running: %d)\n\n", b.app.Progress.Active(), b.app.Jobs.Count())

	fmt.Fprintf(&sb, "🌐 <b>Network Status:</b> %s\n", strings.ToUpper(string(state.Status)))
	if !state.LastProbe.IsZero() {
		fmt.Fprintf(&sb, "   ⏱️ Last probe: %s (%.2fs)\n", humanize.Time(state.LastProbe), state.LastLatency.Seconds())
	}
	if state.Degraded {
		sb.WriteString("   🐢 Round trips past the poor threshold\n")
	}

	rs := b.app.History.RetryStats(ctx, b.app.Config.Retry.MaxRetries)
	fmt.Fprintf(&sb, "🔄 <b>Retry Queue:</b> %d files\n", rs.TotalFailed)
	fmt.Fprintf(&sb, "   🎵 MP3: %d\n", rs.ByType[domain.KindAudio])
	fmt.Fprintf(&sb, "   🎬 MP4: %d\n\n", rs.ByType[domain.KindVideo])

	fmt.Fprintf(&sb, "🚀 Running since %s\n\n", humanize.Time(b.app.StartedAt))

	cfg := b.app.Config
	fmt.Fprintf(&sb, "📁 Download Directory: /%s/\n", cfg.Download.OutDir)
	sb.WriteString("🗂️ <b>Files:</b>\n")
	for _, f := range []string{b.access.Admins.Path(), b.access.Allowed.Path(), cfg.Store.AuditPath, historyLocation(cfg.Store.Backend, cfg.Store.JSONPath, cfg.Store.SQLitePath)} {
		fmt.Fprintf(&sb, "• %s\n", f)
	}

	b.reply(ctx, from.chatID, strings.TrimRight(sb.String(), "\n"))
}

func historyLocation(backend, jsonPath, sqlitePath string) string {
	switch backend {
	case "sqlite":
		return sqlitePath
	case "postgres":
		return "postgres"
	default:
		return jsonPath
	}
}

func (b *Bot) cmdClearHistory(ctx context.Context, from sender, _ []string) {
	n := b.app.History.Clear(ctx)
	if n == 0 {
		b.reply(ctx, from.chatID, "ℹ️ History is already empty.")
		return
	}

	b.log.Info("Admin %d cleared %d history entries", from.id, n)
	b.reply(ctx, from.chatID, fmt.Sprintf("🗑️ <b>History Cleared</b>\n\n✅ %d entries removed\n📝 The TXT audit log is kept\n\nThe retry queue has been emptied.", n))
}

func (b *Bot) cmdCleanup(ctx context.Context, from sender, _ []string) {
	var report []string

	cancelled := 0
	for _, uid := range b.app.Progress.ActiveUsers() {
		if b.app.Progress.Cancel(ctx, uid) {
			cancelled++
		}
	}
	if cancelled > 0 {
		report = append(report, fmt.Sprintf("🛑 %d active downloads cancelled", cancelled))
	}

	n := b.app.Splitter.CleanupTemp(b.app.Config.Split.TempMaxAge)
	report = append(report, fmt.Sprintf("✅ Split temp files cleaned (%d)", n))

	videos := CleanupStaleVideos(b.log, b.app.Config.Download.OutDir)
	if videos > 0 {
		report = append(report, fmt.Sprintf("✅ %s old video files cleaned", humanize.Comma(int64(videos))))
	} else {
		report = append(report, "ℹ️ No old video files to clean")
	}

	b.reply(ctx, from.chatID, "🧹 <b>Cleanup Complete</b>\n\n"+strings.Join(report, "\n"))
}

// CleanupStaleVideos removes files under <outDir>/*/video older than two hours.
// Audio is kept so failed audio uploads stay retryable.
func CleanupStaleVideos(log fsutil.Warner, outDir string) int {
	sep := string(filepath.Separator)
	return fsutil.CleanOlderThan(log, outDir, staleVideoAge, true, func(path string) bool {
		return strings.Contains(path, sep+"video"+sep)
	})
}

func bulletIDs(ids []int64) string {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)

	lines := make([]string, len(sorted))
	for i, id := range sorted {
		lines[i] = fmt.Sprintf("• %d", id)
	}
	return strings.Join(lines, "\n")
}
