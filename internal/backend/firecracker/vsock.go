package firecracker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// dialPolicy bounds how hard DialGuest tries to reach the agent.
type dialPolicy struct {
	attempts   int
	backoff    time.Duration
	maxBackoff time.Duration
}

var defaultDialPolicy = dialPolicy{attempts: 5, backoff: 100 * time.Millisecond, maxBackoff: time.Second}

// readyPollInterval spaces WaitReady's ping attempts.
const readyPollInterval = 100 * time.Millisecond

// GuestConn is one request/response exchange with the guest agent. It is not
// safe for concurrent use.
type GuestConn struct {
	conn net.Conn
	// r holds bytes read past the CONNECT reply.
	r *bufio.Reader
}

func newGuestConn(conn net.Conn) *GuestConn {
	return &GuestConn{conn: conn, r: bufio.NewReader(conn)}
}

// DialGuest connects to the agent listening on port through Firecracker's
// vsock UDS at udsPath, retrying with backoff while the guest comes up.
func DialGuest(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	return defaultDialPolicy.dial(ctx, udsPath, port)
}

func (p dialPolicy) dial(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	var lastErr error
	wait := p.backoff
	for attempt := 1; ; attempt++ {
		gc, err := connectUDS(ctx, udsPath, port)
		if err == nil {
			return gc, nil
		}
		lastErr = err
		if attempt >= p.attempts {
			return nil, fmt.Errorf("dial guest after %d attempts: %w", attempt, lastErr)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial guest: %w", ctx.Err())
		case <-time.After(wait):
		}
		wait = min(wait*2, p.maxBackoff)
	}
}

// connectUDS opens the UDS and performs Firecracker's host-initiated
// handshake: "CONNECT <port>\n" answered by "OK <host_port>\n".
func connectUDS(ctx context.Context, udsPath string, port uint32) (*GuestConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	gc := newGuestConn(conn)
	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}
	reply, err := gc.r.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT reply: %w", err)
	}
	if reply = strings.TrimSpace(reply); !strings.HasPrefix(reply, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT refused: %q", reply)
	}
	conn.SetDeadline(time.Time{})
	return gc, nil
}

// Exec sends req and collects the agent's reply, passing each streamed log
// line to onLog. When ctx ends first the connection is interrupted and the
// returned error wraps ctx.Err().
func (gc *GuestConn) Exec(ctx context.Context, req GuestRequest, onLog func(string)) (GuestResponse, error) {
	if deadline, ok := ctx.Deadline(); ok {
		gc.conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { gc.conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	resp, err := gc.exchange(req, onLog)
	if err != nil && ctx.Err() != nil {
		return GuestResponse{}, fmt.Errorf("guest exchange interrupted: %w", ctx.Err())
	}
	return resp, err
}

func (gc *GuestConn) exchange(req GuestRequest, onLog func(string)) (GuestResponse, error) {
	if err := WriteMessage(gc.conn, &req); err != nil {
		return GuestResponse{}, fmt.Errorf("send request: %w", err)
	}
	for {
		var msg GuestMessage
		if err := ReadMessage(gc.r, &msg); err != nil {
			return GuestResponse{}, fmt.Errorf("read guest message: %w", err)
		}
		switch msg.Type {
		case MsgTypeLog:
			if onLog != nil {
				onLog(msg.Line)
			}
		case MsgTypeResult:
			if msg.Response == nil {
				return GuestResponse{}, errors.New("result message without a response")
			}
			return *msg.Response, nil
		default:
			return GuestResponse{}, fmt.Errorf("unknown message type %q", msg.Type)
		}
	}
}

// Ping checks that the agent answers requests.
func (gc *GuestConn) Ping(ctx context.Context) error {
	resp, err := gc.Exec(ctx, GuestRequest{Op: OpPing}, nil)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("guest ping: %s", resp.Error)
	}
	return nil
}

// Close closes the underlying connection.
func (gc *GuestConn) Close() error {
	return gc.conn.Close()
}

// WaitReady pings the agent until a ping succeeds or ctx ends.
func WaitReady(ctx context.Context, udsPath string, port uint32) error {
	once := dialPolicy{attempts: 1}
	for {
		gc, err := once.dial(ctx, udsPath, port)
		if err == nil {
			err = gc.Ping(ctx)
			gc.Close()
			if err == nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("guest not ready: %w (last error: %v)", ctx.Err(), err)
		case <-time.After(readyPollInterval):
		}
	}
}
