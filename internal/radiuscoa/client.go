package radiuscoa

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/oyaguma3/captive-enforcer-poc/internal/config"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/apperr"
	"layeh.com/radius"
	"layeh.com/radius/rfc3576"
)

// Client はNASへのDynamic Authorization要求を定義する。
type Client interface {
	// Disconnect はDisconnect-Requestを送信してセッションを切断する。
	// NAS側にセッションが存在しない場合はErrSessionContextNotFoundを返す。
	Disconnect(ctx context.Context, sess *Session) error
	// CoA はSession-Timeout付きCoA-Requestを送信して認可を変更する。
	CoA(ctx context.Context, sess *Session, sessionTimeout time.Duration) error
}

// udpClient はClientのUDP実装。
// 再送は同一Identifier・同一パケットで行う（RFC 5176 Section 2.1）。
type udpClient struct {
	addr        string
	secret      []byte
	timeout     time.Duration
	maxAttempts int
	nextID      atomic.Uint32
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(cfg *config.Config) Client {
	c := &udpClient{
		addr:        net.JoinHostPort(cfg.RadiusNasIP, fmt.Sprintf("%d", cfg.RadiusCoAPort)),
		secret:      []byte(cfg.RadiusSecret),
		timeout:     cfg.RadiusCoATimeout,
		maxAttempts: cfg.RadiusCoAMaxAttempts,
	}
	// プロセス再起動直後のIdentifier衝突を避けるためPIDから開始
	c.nextID.Store(uint32(os.Getpid()))
	return c
}

// Disconnect はDisconnect-Requestを送信する。
func (c *udpClient) Disconnect(ctx context.Context, sess *Session) error {
	id := byte(c.nextID.Add(1) % 256)
	wire, err := BuildDisconnectRequest(id, sess, c.secret)
	if err != nil {
		return fmt.Errorf("build disconnect request: %w", err)
	}

	code, errorCause, err := c.exchange(ctx, wire)
	if err != nil {
		return err
	}

	switch code {
	case radius.CodeDisconnectACK:
		return nil
	case radius.CodeDisconnectNAK:
		if errorCause == int(rfc3576.ErrorCause_Value_SessionContextNotFound) {
			return ErrSessionContextNotFound
		}
		return NewNAKError("disconnect", errorCause)
	}
	return fmt.Errorf("unexpected response code %d", code)
}

// CoA はCoA-Requestを送信する。
func (c *udpClient) CoA(ctx context.Context, sess *Session, sessionTimeout time.Duration) error {
	id := byte(c.nextID.Add(1) % 256)
	wire, err := BuildCoARequest(id, sess, sessionTimeout, c.secret)
	if err != nil {
		return fmt.Errorf("build coa request: %w", err)
	}

	code, errorCause, err := c.exchange(ctx, wire)
	if err != nil {
		return err
	}

	switch code {
	case radius.CodeCoAACK:
		return nil
	case radius.CodeCoANAK:
		return NewNAKError("coa", errorCause)
	}
	return fmt.Errorf("unexpected response code %d", code)
}

// exchange はパケットを送信してACK/NAKを待つ。
// 応答が無い場合は同一パケットを再送し、待ち時間を線形に伸ばす。
func (c *udpClient) exchange(ctx context.Context, wire []byte) (radius.Code, int, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp", c.addr)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: dial %s: %v", apperr.ErrCoANoResponse, c.addr, err)
	}
	defer conn.Close()

	var requestAuth [16]byte
	copy(requestAuth[:], wire[4:20])

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}

		if _, err := conn.Write(wire); err != nil {
			return 0, 0, fmt.Errorf("%w: write: %v", apperr.ErrCoANoResponse, err)
		}

		// 再送ごとに待ち時間を線形に伸ばす
		wait := c.timeout + time.Duration(attempt-1)*config.CoABackoffStep
		deadline := time.Now().Add(wait)
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
		_ = conn.SetReadDeadline(deadline)

		code, errorCause, err := c.readResponse(conn, wire[1], requestAuth)
		if err == nil {
			return code, errorCause, nil
		}

		slog.Debug("no coa response, retransmitting",
			"event_id", "COA_RETRANSMIT",
			"attempt", attempt,
			"identifier", wire[1],
		)
	}
	return 0, 0, apperr.ErrCoANoResponse
}

// readResponse は期限内に届いた応答からIdentifier一致のものを読み取る。
// Identifier不一致の応答と、Response Authenticator検証に失敗した応答は
// 正規の応答ではないため読み捨てる（RFC 5176 Section 3）。
func (c *udpClient) readResponse(conn net.Conn, id byte, requestAuth [16]byte) (radius.Code, int, error) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: %v", apperr.ErrCoANoResponse, err)
		}
		if n < 20 || buf[1] != id {
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		if !VerifyResponseAuthenticator(data, requestAuth, c.secret) {
			slog.Debug("discarding response with invalid authenticator",
				"event_id", "COA_BAD_AUTHENTICATOR",
				"identifier", id,
			)
			continue
		}

		p, err := radius.Parse(data, c.secret)
		if err != nil {
			return 0, 0, fmt.Errorf("parse response: %w", err)
		}

		errorCause := int(rfc3576.ErrorCause_Get(p))
		return p.Code, errorCause, nil
	}
}
