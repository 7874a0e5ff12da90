// Package telegram wraps the Bot API client with context-aware calls,
// an outbound rate limiter and separate timeouts for small calls and uploads.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/datallboy/gofetch/internal/infra/config"
	"github.com/datallboy/gofetch/internal/infra/logger"
)

var (
	// ErrAPI means Telegram answered but refused the call or sent something unreadable.
	ErrAPI = errors.New("telegram api error")
	// ErrUnreachable means no answer arrived: transport failure, timeout or cancellation.
	ErrUnreachable = errors.New("telegram unreachable")
)

// Button is one inline keyboard button.
type Button struct {
	Text string
	Data string
}

type Client struct {
	api     *tgbotapi.BotAPI
	upload  *tgbotapi.BotAPI
	limiter *rate.Limiter
	poll    int
	log     *logger.Logger
}

// New builds the client without calling the API, so the bot can start while
// Telegram is unreachable.
func New(cfg config.TelegramConfig, log *logger.Logger) *Client {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		api:     newBot(cfg.Token, cfg.APIEndpoint, cfg.RequestTimeout),
		upload:  newBot(cfg.Token, cfg.APIEndpoint, cfg.UploadTimeout),
		limiter: rate.NewLimiter(limit, burst),
		poll:    cfg.PollTimeout,
		log:     log,
	}
}

func newBot(token, endpoint string, timeout time.Duration) *tgbotapi.BotAPI {
	bot := &tgbotapi.BotAPI{
		Token:  token,
		Client: &http.Client{Timeout: timeout},
		Buffer: 100,
	}
	bot.SetAPIEndpoint(endpoint)
	return bot
}

// call waits for the limiter, then runs fn while honouring ctx.
// The underlying HTTP call is bounded by the client timeout.
func (c *Client) call(ctx context.Context, fn func() error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return classify(err)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
	}
}

func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *tgbotapi.Error
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &apiErr) || errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return fmt.Errorf("%w: %v", ErrAPI, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

// GetMe is the cheap authenticated call used to probe connectivity.
func (c *Client) GetMe(ctx context.Context) error {
	return c.call(ctx, func() error {
		_, err := c.api.GetMe()
		return err
	})
}

// SendMessage sends HTML text, optionally with one row per button slice, and
// returns the new message ID.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, rows ...[]Button) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	if len(rows) > 0 {
		msg.ReplyMarkup = keyboard(rows)
	}

	var sent tgbotapi.Message
	err := c.call(ctx, func() error {
		var err error
		sent, err = c.api.Send(msg)
		return err
	})
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func (c *Client) EditMessage(ctx context.Context, chatID int64, msgID int, text string) error {
	edit := tgbotapi.NewEditMessageText(chatID, msgID, text)
	edit.ParseMode = tgbotapi.ModeHTML

	return c.call(ctx, func() error {
		_, err := c.api.Request(edit)
		return err
	})
}

func (c *Client) SendAudio(ctx context.Context, chatID int64, path, caption string) error {
	audio := tgbotapi.NewAudio(chatID, tgbotapi.FilePath(path))
	audio.Caption = caption
	audio.ParseMode = tgbotapi.ModeHTML

	return c.call(ctx, func() error {
		_, err := c.upload.Send(audio)
		return err
	})
}

func (c *Client) SendVideo(ctx context.Context, chatID int64, path, caption string) error {
	video := tgbotapi.NewVideo(chatID, tgbotapi.FilePath(path))
	video.Caption = caption
	video.ParseMode = tgbotapi.ModeHTML
	video.SupportsStreaming = true

	return c.call(ctx, func() error {
		_, err := c.upload.Send(video)
		return err
	})
}

// AnswerCallback acknowledges an inline button press.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return c.call(ctx, func() error {
		_, err := c.api.Request(tgbotapi.NewCallback(callbackID, text))
		return err
	})
}

// Updates long-polls for updates after offset. The server holds the request
// for the configured poll timeout, so it bypasses the outbound limiter.
func (c *Client) Updates(ctx context.Context, offset int) ([]tgbotapi.Update, error) {
	u := tgbotapi.NewUpdate(offset)
	u.Timeout = c.poll
	u.AllowedUpdates = []string{"message", "callback_query"}

	done := make(chan struct{})
	var (
		updates []tgbotapi.Update
		err     error
	)
	go func() {
		defer close(done)
		updates, err = c.api.GetUpdates(u)
	}()

	select {
	case <-done:
		return updates, classify(err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func keyboard(rows [][]Button) tgbotapi.InlineKeyboardMarkup {
	kb := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		kb = append(kb, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(kb...)
}
