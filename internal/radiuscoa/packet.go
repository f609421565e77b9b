// Package radiuscoa はRFC 5176のDynamic Authorization（CoA / Disconnect）
// クライアントを提供する。
package radiuscoa

import (
	"fmt"
	"net"
	"strings"
	"time"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"
)

// Session はCoA / Disconnect-Requestの対象セッションを特定する属性群。
// NASはこれらの属性でセッションを検索する（RFC 5176 Section 3）。
type Session struct {
	UserName      string
	MAC           string // コロン区切り大文字（AA:BB:CC:DD:EE:FF）
	AcctSessionID string
	NasIP         net.IP
}

// FormatCallingStationID はMACアドレスをCalling-Station-Id形式
//（ハイフン区切り大文字）へ変換する。
func FormatCallingStationID(mac string) string {
	return strings.ReplaceAll(strings.ToUpper(mac), ":", "-")
}

// buildRequest は対象セッション属性を積んだRADIUSパケットを生成する。
// Authenticatorはゼロのまま返すので、ワイヤ化後にSignRequestで署名する。
func buildRequest(code radius.Code, id byte, sess *Session) (*radius.Packet, error) {
	p := &radius.Packet{
		Code:       code,
		Identifier: id,
	}

	if sess.UserName != "" {
		if err := rfc2865.UserName_SetString(p, sess.UserName); err != nil {
			return nil, fmt.Errorf("set User-Name: %w", err)
		}
	}
	if sess.NasIP != nil {
		if err := rfc2865.NASIPAddress_Set(p, sess.NasIP); err != nil {
			return nil, fmt.Errorf("set NAS-IP-Address: %w", err)
		}
	}
	if sess.MAC != "" {
		if err := rfc2865.CallingStationID_SetString(p, FormatCallingStationID(sess.MAC)); err != nil {
			return nil, fmt.Errorf("set Calling-Station-Id: %w", err)
		}
	}
	if sess.AcctSessionID != "" {
		if err := rfc2866.AcctSessionID_SetString(p, sess.AcctSessionID); err != nil {
			return nil, fmt.Errorf("set Acct-Session-Id: %w", err)
		}
	}
	return p, nil
}

// BuildDisconnectRequest はDisconnect-Requestのワイヤバイト列を生成する。
// 返り値は署名済み（Request Authenticator計算済み）。
func BuildDisconnectRequest(id byte, sess *Session, secret []byte) ([]byte, error) {
	p, err := buildRequest(radius.CodeDisconnectRequest, id, sess)
	if err != nil {
		return nil, err
	}
	return marshalAndSign(p, secret)
}

// BuildCoARequest はSession-Timeout付きCoA-Requestのワイヤバイト列を生成する。
// 返り値は署名済み（Request Authenticator計算済み）。
func BuildCoARequest(id byte, sess *Session, sessionTimeout time.Duration, secret []byte) ([]byte, error) {
	p, err := buildRequest(radius.CodeCoARequest, id, sess)
	if err != nil {
		return nil, err
	}
	if sessionTimeout > 0 {
		if err := rfc2865.SessionTimeout_Set(p, rfc2865.SessionTimeout(sessionTimeout/time.Second)); err != nil {
			return nil, fmt.Errorf("set Session-Timeout: %w", err)
		}
	}
	return marshalAndSign(p, secret)
}

// marshalAndSign はパケットをワイヤ化してRequest Authenticatorを埋め込む。
func marshalAndSign(p *radius.Packet, secret []byte) ([]byte, error) {
	wire, err := p.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal packet: %w", err)
	}
	if err := SignRequest(wire, secret); err != nil {
		return nil, err
	}
	return wire, nil
}
