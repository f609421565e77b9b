package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oyaguma3/captive-enforcer-poc/internal/config"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/apperr"
	"github.com/oyaguma3/captive-enforcer-poc/pkg/model"
	"github.com/redis/go-redis/v9"
)

//go:generate mockgen -source=session.go -destination=mock_session.go -package=store

// SessionStore はアクセス許可レコードの操作を定義する。
type SessionStore interface {
	// Get はidentityのレコードを取得する。存在しない場合はErrRecordNotFound。
	Get(ctx context.Context, identity string) (*model.SessionRecord, error)
	// Put はレコードを書き込む。保存済みステータスがexpectと一致しない場合は
	// ErrStoreConflictを返し、何も書き込まない。
	Put(ctx context.Context, rec *model.SessionRecord, expect model.Status) error
	// Delete はidentityのレコードを削除する。存在しない場合も成功扱い。
	Delete(ctx context.Context, identity string) error
	// ScanAll は全レコードのスナップショットを返す。瞬間的に古い場合がある。
	ScanAll(ctx context.Context) ([]*model.SessionRecord, error)
}

// sessionStore はSessionStoreの実装。
type sessionStore struct {
	vc               *ValkeyClient
	revokedRetention time.Duration
	clock            func() time.Time
}

// NewSessionStore はSessionStoreの新しいインスタンスを生成する。
// revokedRetentionはrevokedレコードのTTL（削除猶予期間）。
func NewSessionStore(vc *ValkeyClient, revokedRetention time.Duration) SessionStore {
	return NewSessionStoreWithClock(vc, revokedRetention, time.Now)
}

// NewSessionStoreWithClock はクロックを注入してSessionStoreを生成する。
func NewSessionStoreWithClock(vc *ValkeyClient, revokedRetention time.Duration, clock func() time.Time) SessionStore {
	return &sessionStore{
		vc:               vc,
		revokedRetention: revokedRetention,
		clock:            clock,
	}
}

// Get はレコードをValkeyから取得する。
func (s *sessionStore) Get(ctx context.Context, identity string) (*model.SessionRecord, error) {
	key := KeyPrefixGrant + identity
	m, err := s.vc.Client().HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValkeyUnavailable, apperr.NewValkeyError("HGETALL", key, err))
	}
	if len(m) == 0 {
		return nil, ErrRecordNotFound
	}

	var rec model.SessionRecord
	if err := MapToStruct(m, &rec); err != nil {
		return nil, fmt.Errorf("record deserialization error: %w", err)
	}
	return &rec, nil
}

// Put はCAS付きでレコードを書き込む。
// WATCHで保存済みステータスを監視し、expectとの不一致および
// 書き込み競合（EXEC失敗）はErrStoreConflictとして返す。
func (s *sessionStore) Put(ctx context.Context, rec *model.SessionRecord, expect model.Status) error {
	key := KeyPrefixGrant + rec.Identity
	ttl := s.recordTTL(rec)

	err := s.vc.Client().Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "status").Result()
		switch {
		case errors.Is(err, redis.Nil):
			current = string(model.StatusNone)
		case err != nil:
			return err
		}

		if model.Status(current) != expect {
			return ErrStoreConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			// 旧フィールドを残さないため一度削除してから書き込む
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, StructToMap(rec))
			if ttl > 0 {
				pipe.Expire(ctx, key, ttl)
			}
			return nil
		})
		return err
	}, key)

	switch {
	case errors.Is(err, ErrStoreConflict):
		return ErrStoreConflict
	case errors.Is(err, redis.TxFailedErr):
		// WATCH中にキーが書き換えられた
		return ErrStoreConflict
	case err != nil:
		return fmt.Errorf("%w: %w", ErrValkeyUnavailable, apperr.NewValkeyError("WATCH", key, err))
	}
	return nil
}

// Delete はレコードを削除する。
func (s *sessionStore) Delete(ctx context.Context, identity string) error {
	key := KeyPrefixGrant + identity
	if err := s.vc.Client().Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrValkeyUnavailable, apperr.NewValkeyError("DEL", key, err))
	}
	return nil
}

// ScanAll はSCANで全レコードを列挙する。
func (s *sessionStore) ScanAll(ctx context.Context) ([]*model.SessionRecord, error) {
	var records []*model.SessionRecord
	var cursor uint64

	for {
		keys, next, err := s.vc.Client().Scan(ctx, cursor, KeyPrefixGrant+"*", ScanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrValkeyUnavailable, apperr.NewValkeyError("SCAN", KeyPrefixGrant+"*", err))
		}

		for _, key := range keys {
			m, err := s.vc.Client().HGetAll(ctx, key).Result()
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrValkeyUnavailable, apperr.NewValkeyError("HGETALL", key, err))
			}
			if len(m) == 0 {
				// SCAN後にTTLで消えたキーはスキップ
				continue
			}
			var rec model.SessionRecord
			if err := MapToStruct(m, &rec); err != nil {
				return nil, fmt.Errorf("record deserialization error: %w", err)
			}
			records = append(records, &rec)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return records, nil
}

// recordTTL はステータスに応じたレコードTTLを返す。
// daemonが落ちてもpending/revokedレコードがValkey側で回収されるようにする。
func (s *sessionStore) recordTTL(rec *model.SessionRecord) time.Duration {
	switch rec.Status {
	case model.StatusPending:
		return config.PendingTTL
	case model.StatusActive:
		return rec.RemainingTTL(s.clock()) + config.ActiveTTLSlack
	case model.StatusRevoked:
		return s.revokedRetention
	}
	return 0
}
