package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jmerrifield20/sandcats/internal/token"
	"github.com/jmerrifield20/sandcats/internal/udpping"
)

// Ping sends one UDP liveness probe for hostname to addr and reports
// whether the nonce came back within timeout. A server in the default reply
// mode echoes only when this machine's address is the one on record.
func Ping(ctx context.Context, addr, hostname string, timeout time.Duration) (bool, error) {
	tok, err := token.Generate()
	if err != nil {
		return false, err
	}
	nonce := tok[:udpping.NonceLen]

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return false, err
	}
	if _, err := conn.Write(udpping.Format(hostname, nonce)); err != nil {
		return false, fmt.Errorf("send probe: %w", err)
	}

	buf := make([]byte, 64)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return false, nil
			}
			return false, fmt.Errorf("read reply: %w", err)
		}
		// Stale replies to earlier probes carry other nonces.
		if string(buf[:n]) == nonce {
			return true, nil
		}
	}
}
