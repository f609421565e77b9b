package radiuscoa

import (
	"crypto/md5"
	"crypto/subtle"
	"fmt"
)

// SignRequest はCoA / Disconnect-RequestのRequest Authenticatorを計算して
// ワイヤバイト列に書き込む（RFC 5176 Section 2.3）。
// 計算式: Authenticator = MD5(Code + ID + Length + 16 zero octets + Attributes + Secret)
func SignRequest(wire []byte, secret []byte) error {
	if len(wire) < 20 {
		return fmt.Errorf("packet too short: %d bytes", len(wire))
	}

	// Authenticatorフィールドを16個のゼロバイトに置換
	copy(wire[4:20], make([]byte, 16))

	h := md5.New()
	h.Write(wire)
	h.Write(secret)
	copy(wire[4:20], h.Sum(nil))
	return nil
}

// VerifyResponseAuthenticator はACK/NAKのResponse Authenticatorを検証する。
// 検証式: Authenticator = MD5(Code + ID + Length + Request Authenticator + Attributes + Secret)
func VerifyResponseAuthenticator(wire []byte, requestAuth [16]byte, secret []byte) bool {
	if len(wire) < 20 {
		return false
	}

	// 元のAuthenticator（オフセット4-19）を保存
	var origAuth [16]byte
	copy(origAuth[:], wire[4:20])

	// AuthenticatorフィールドをRequest Authenticatorに置換
	copy(wire[4:20], requestAuth[:])

	h := md5.New()
	h.Write(wire)
	h.Write(secret)
	expected := h.Sum(nil)

	// 検証後に元のAuthenticatorを復元
	copy(wire[4:20], origAuth[:])

	return subtle.ConstantTimeCompare(origAuth[:], expected) == 1
}
