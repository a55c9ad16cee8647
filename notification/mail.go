package notification

import (
	"fmt"
	"net/smtp"
	"time"

	"github.com/quantbox/quantbox/config"
	"github.com/quantbox/quantbox/model"
	"github.com/quantbox/quantbox/tools/log"
)

// Mail sends run reports over SMTP.
type Mail struct {
	auth smtp.Auth
	host string
	port int

	to   string
	from string
}

// NewMail configures the sender from the mail section.
func NewMail(settings config.Mail) Mail {
	return Mail{
		host: settings.Host,
		port: settings.Port,
		to:   settings.To,
		from: settings.From,
		auth: smtp.PlainAuth("", settings.Username, settings.Password, settings.Host),
	}
}

func (t Mail) Notify(text string) {
	serverAddress := fmt.Sprintf("%s:%d", t.host, t.port)

	message := fmt.Sprintf(
		"To: <%s>\r\nFrom: <%s>\r\n%s",
		t.to,
		t.from,
		text,
	)

	err := smtp.SendMail(
		serverAddress,
		t.auth,
		t.from,
		[]string{t.to},
		[]byte(message))
	if err != nil {
		log.WithField("err", err).Error("notification/mail: couldnt send mail")
	}
}

// OnResult mails the outcome of one pipeline run.
func (t Mail) OnResult(result *model.SaveResult) {
	subject := fmt.Sprintf("Subject: SAVE %s - OK", result.Dataset)
	if !result.OK() {
		subject = fmt.Sprintf("Subject: SAVE %s - %d error(s)", result.Dataset, len(result.Errors()))
	}
	body := fmt.Sprintf(
		"vendor=%s inserted=%d modified=%d unchanged=%d units=%d/%d elapsed=%s",
		result.Vendor,
		result.Inserted(), result.Modified(), result.Skipped(),
		result.UnitsCommitted(), result.UnitsPlanned(),
		result.Duration().Round(time.Millisecond),
	)
	t.Notify(fmt.Sprintf("%s\r\n\r\n%s", subject, body))
}

func (t Mail) OnError(err error) {
	t.Notify(fmt.Sprintf("Subject: ERROR\r\n\r\n%s", err))
}
