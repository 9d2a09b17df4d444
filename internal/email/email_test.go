package email_test

import (
	"bufio"
	"context"
	"net"
	"net/mail"
	"strings"
	"testing"
	"time"

	"github.com/jmerrifield20/sandcats/internal/email"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// captureSMTP accepts one SMTP session on a loopback port and sends the
// DATA payload to the returned channel.
func captureSMTP(t *testing.T) (port int, got <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ch := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		reply := func(s string) { conn.Write([]byte(s + "\r\n")) }

		reply("220 localhost ESMTP capture")
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				reply("250 localhost")
			case strings.HasPrefix(cmd, "MAIL"), strings.HasPrefix(cmd, "RCPT"):
				reply("250 OK")
			case cmd == "DATA":
				reply("354 go ahead")
				var b strings.Builder
				for {
					l, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if l == ".\r\n" {
						break
					}
					b.WriteString(l)
				}
				ch <- b.String()
				reply("250 queued")
			case cmd == "QUIT":
				reply("221 bye")
				return
			default:
				reply("502 unsupported")
			}
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, ch
}

func TestSMTPSender_DeliversRecoveryToken(t *testing.T) {
	port, got := captureSMTP(t)
	s := email.NewSMTPSender(email.SMTPConfig{Host: "127.0.0.1", Port: port, From: "no-reply@sandcats.io"})

	msg := email.RecoveryMessage("benb@benb.org", "benb", "sandcats-dev.sandstorm.io", "tok123")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Send(ctx, msg))

	var raw string
	select {
	case raw = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("no message captured")
	}
	parsed, err := mail.ReadMessage(strings.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, "benb@benb.org", parsed.Header.Get("To"))
	assert.Equal(t, "no-reply@sandcats.io", parsed.Header.Get("From"))
	assert.Equal(t, "Sandcats.io domain recovery token", parsed.Header.Get("Subject"))
	assert.Equal(t, "tok123", parsed.Header.Get(email.RecoveryTokenHeader))
}

func TestSMTPSender_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	s := email.NewSMTPSender(email.SMTPConfig{Host: "127.0.0.1", Port: port, From: "a@b.org"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = s.Send(ctx, email.Message{To: "x@y.org", Subject: "s"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "smtp dial")
}

func TestRender(t *testing.T) {
	raw, err := email.Message{
		To: "a@b.org", Subject: "hi", Body: "line1\nline2\n",
		Headers: map[string]string{"X-B": "2", "X-A": "1"},
	}.Render("me@c.org")
	require.NoError(t, err)

	s := string(raw)
	assert.True(t, strings.HasPrefix(s, "From: me@c.org\r\nTo: a@b.org\r\nSubject: hi\r\nX-A: 1\r\nX-B: 2\r\n"))
	assert.True(t, strings.HasSuffix(s, "line1\r\nline2\r\n"))
}

func TestRender_RejectsHeaderInjection(t *testing.T) {
	_, err := email.Message{To: "a@b.org\r\nBcc: evil@x.org", Subject: "hi"}.Render("me@c.org")
	assert.ErrorIs(t, err, email.ErrHeaderInjection)
}

func TestNoopSender(t *testing.T) {
	s := email.NewNoopSender(zap.NewNop())
	assert.NoError(t, s.Send(context.Background(), email.RecoveryMessage("a@b.org", "benb", "example.org", "t")))
}
