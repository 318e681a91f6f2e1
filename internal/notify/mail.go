package notify

import "gopkg.in/gomail.v2"

type SMTPMailer struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
}

func (m *SMTPMailer) Send(to, subject, body string) error {
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.From)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	d := gomail.NewDialer(m.Host, m.Port, m.User, m.Password)
	return d.DialAndSend(msg)
}
