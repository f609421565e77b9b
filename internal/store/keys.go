package store

// Valkeyキープレフィックス
const (
	// KeyPrefixGrant はアクセス許可レコード（identity単位のハッシュ）
	KeyPrefixGrant = "grant:"
)

// ScanBatchSize はScanAllのSCANコマンド1回あたりの取得件数
const ScanBatchSize = 100
