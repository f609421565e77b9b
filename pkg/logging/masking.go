// Package logging はログ関連のユーティリティを提供する。
package logging

// MaskIdentity はidentity（MACアドレスまたはIPアドレス）をマスキングする。
// MAC: 先頭8文字（OUI部）+ マスク + 末尾2文字
// 例: AA:BB:CC:DD:EE:FF → AA:BB:CC*******FF
// enabled=false の場合はマスキングせずにそのまま返す。
func MaskIdentity(identity string, enabled bool) string {
	if !enabled {
		return identity
	}
	return MaskPartial(identity, 8, 2, '*')
}

// MaskSubject はIdPユーザー識別子をマスキングする。
// 先頭2文字 + マスク + 末尾1文字
// 例: alice → al**e
func MaskSubject(subject string, enabled bool) string {
	if !enabled {
		return subject
	}
	return MaskPartial(subject, 2, 1, '*')
}

// MaskPartial は文字列の一部をマスキングする。
// keepPrefix: 先頭から保持する文字数
// keepSuffix: 末尾から保持する文字数
// maskChar: マスキングに使用する文字
func MaskPartial(s string, keepPrefix, keepSuffix int, maskChar rune) string {
	runes := []rune(s)
	length := len(runes)

	// 文字列が短すぎる場合はそのまま返す
	if length <= keepPrefix+keepSuffix {
		return s
	}

	result := make([]rune, length)

	// 先頭部分をコピー
	for i := 0; i < keepPrefix; i++ {
		result[i] = runes[i]
	}

	// 中間部分をマスク
	for i := keepPrefix; i < length-keepSuffix; i++ {
		result[i] = maskChar
	}

	// 末尾部分をコピー
	for i := length - keepSuffix; i < length; i++ {
		result[i] = runes[i]
	}

	return string(result)
}

// Masker はマスキング設定を保持する構造体。
type Masker struct {
	enabled bool
}

// NewMasker は新しいMaskerを生成する。
func NewMasker(enabled bool) *Masker {
	return &Masker{enabled: enabled}
}

// Identity はidentityをマスキングする。
func (m *Masker) Identity(identity string) string {
	return MaskIdentity(identity, m.enabled)
}

// Subject はsubjectをマスキングする。
func (m *Masker) Subject(subject string) string {
	return MaskSubject(subject, m.enabled)
}

// IsEnabled はマスキングが有効かどうかを返す。
func (m *Masker) IsEnabled() bool {
	return m.enabled
}
