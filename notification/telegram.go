// Package notification delivers run outcomes to the operator over
// Telegram and mail.
package notification

import (
	"fmt"
	"time"

	tb "gopkg.in/tucnak/telebot.v2"

	"github.com/quantbox/quantbox/config"
	"github.com/quantbox/quantbox/model"
	"github.com/quantbox/quantbox/service"
	"github.com/quantbox/quantbox/tools/log"
)

type telegram struct {
	settings config.Telegram
	client   *tb.Bot
	status   func() string
	last     func() string
}

// NewTelegram builds the bot client and registers its command set. The
// status and last callbacks feed the /status and /last commands.
func NewTelegram(settings config.Telegram, status, last func() string) (service.Telegram, error) {
	poller := &tb.LongPoller{Timeout: 10 * time.Second}

	// Only the configured chat may talk to the bot.
	userMiddleware := tb.NewMiddlewarePoller(poller, func(u *tb.Update) bool {
		if u.Message == nil || u.Message.Chat == nil {
			log.Error("telegram: no message, ", u)
			return false
		}
		if u.Message.Chat.ID != settings.Chat {
			log.Error("telegram: unauthorized chat, ", u.Message.Chat.ID)
			return false
		}
		return true
	})

	client, err := tb.NewBot(tb.Settings{
		ParseMode: tb.ModeDefault,
		Token:     settings.Token,
		Poller:    userMiddleware,
	})
	if err != nil {
		return nil, err
	}

	err = client.SetCommands([]tb.Command{
		{Text: "/help", Description: "Display help instructions"},
		{Text: "/status", Description: "Engine and vendor status"},
		{Text: "/last", Description: "Summary of the last run"},
	})
	if err != nil {
		return nil, err
	}

	bot := &telegram{
		settings: settings,
		client:   client,
		status:   status,
		last:     last,
	}

	client.Handle("/start", bot.HelpHandle)
	client.Handle("/help", bot.HelpHandle)
	client.Handle("/status", bot.StatusHandle)
	client.Handle("/last", bot.LastHandle)

	return bot, nil
}

// Start runs the long-polling loop; it blocks until the client stops.
func (t *telegram) Start() {
	go t.client.Start()
	t.Notify("Bot initialized.")
}

func (t *telegram) Notify(text string) {
	chat := &tb.Chat{ID: t.settings.Chat}
	if _, err := t.client.Send(chat, text); err != nil {
		log.Error("telegram: ", err)
	}
}

// OnResult reports one finished pipeline run.
func (t *telegram) OnResult(result *model.SaveResult) {
	status := "OK"
	if !result.OK() {
		status = fmt.Sprintf("%d error(s)", len(result.Errors()))
	}
	t.Notify(fmt.Sprintf(
		"%s [%s] %s\ninserted=%d modified=%d unchanged=%d\nunits %d/%d committed in %s",
		result.Dataset, result.Vendor, status,
		result.Inserted(), result.Modified(), result.Skipped(),
		result.UnitsCommitted(), result.UnitsPlanned(),
		result.Duration().Round(time.Millisecond),
	))
}

func (t *telegram) OnError(err error) {
	t.Notify("ERROR: " + err.Error())
}

func (t *telegram) HelpHandle(m *tb.Message) {
	commands := []string{
		"/status - engine and vendor status",
		"/last - summary of the last run",
		"/help - this message",
	}
	t.Notify(fmt.Sprintf("Commands:\n%s\n%s\n%s", commands[0], commands[1], commands[2]))
}

func (t *telegram) StatusHandle(m *tb.Message) {
	t.Notify(t.status())
}

func (t *telegram) LastHandle(m *tb.Message) {
	t.Notify(t.last())
}
