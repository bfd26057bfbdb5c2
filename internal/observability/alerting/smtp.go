package alerting

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// SMTPSender 通过 SMTP 中继发送纯文本邮件，可选 PLAIN 认证。
type SMTPSender struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string

	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender 返回指向 host:port 的发送器。
func NewSMTPSender(host string, port int, username, password, from string) *SMTPSender {
	return &SMTPSender{Host: host, Port: port, Username: username, Password: password, From: from, send: smtp.SendMail}
}

// Send 实现 EmailSender 接口。smtp.SendMail 不支持 context，只在拨号前检查。
func (s *SMTPSender) Send(ctx context.Context, subject, content string, to []string) error {
	if s == nil || s.Host == "" || s.From == "" {
		return errors.New("未配置 SMTP 发送器")
	}
	if len(to) == 0 {
		return errors.New("收件人不能为空")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	send := s.send
	if send == nil {
		send = smtp.SendMail
	}
	if err := send(addr, auth, s.From, to, buildMessage(s.From, to, subject, content)); err != nil {
		return fmt.Errorf("通过 %s 发送邮件失败: %w", addr, err)
	}
	return nil
}

func buildMessage(from string, to []string, subject, content string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", strings.ReplaceAll(subject, "\n", " "))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(content, "\n", "\r\n"))
	return []byte(b.String())
}
