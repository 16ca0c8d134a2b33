package ratecache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/valkey-io/valkey-go"

	"github.com/jdziat/taxsync/pkg/core"
)

// ValkeyConfig configures the valkey-backed store.
type ValkeyConfig struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	// ScanCount is the COUNT hint used when listing keys.
	ScanCount int64
}

// ValkeyStore is the production Store backed by valkey (or any RESP server).
type ValkeyStore struct {
	client    valkey.Client
	scanCount int64
}

// NewValkeyStore connects to the cache store.
func NewValkeyStore(cfg ValkeyConfig) (*ValkeyStore, error) {
	opt := valkey.ClientOption{
		InitAddress:       []string{cfg.Addr},
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		DisableCache:      true,
		ForceSingleClient: true,
	}
	if cfg.DialTimeout > 0 {
		opt.Dialer.Timeout = cfg.DialTimeout
	}
	client, err := valkey.NewClient(opt)
	if err != nil {
		return nil, markStore(err, "connect to cache store %s", cfg.Addr)
	}
	scan := cfg.ScanCount
	if scan <= 0 {
		scan = 200
	}
	return &ValkeyStore{client: client, scanCount: scan}, nil
}

func markStore(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), core.ErrCacheStoreUnavailable)
}

func (s *ValkeyStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, markStore(err, "get %s", key)
	}
	return val, true, nil
}

func (s *ValkeyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var cmd valkey.Completed
	if ttl > 0 {
		secs := int64(ttl / time.Second)
		if secs < 1 {
			secs = 1
		}
		cmd = s.client.B().Set().Key(key).Value(valkey.BinaryString(value)).ExSeconds(secs).Build()
	} else {
		cmd = s.client.B().Set().Key(key).Value(valkey.BinaryString(value)).Build()
	}
	return markStore(s.client.Do(ctx, cmd).Error(), "set %s", key)
}

func (s *ValkeyStore) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Do(ctx, s.client.B().Del().Key(keys...).Build()).AsInt64()
	if err != nil {
		return 0, markStore(err, "delete %d keys", len(keys))
	}
	return n, nil
}

// Keys walks SCAN; it never issues KEYS against the server.
func (s *ValkeyStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		out    []string
		cursor uint64
	)
	for {
		entry, err := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Match(pattern).Count(s.scanCount).Build()).AsScanEntry()
		if err != nil {
			return nil, markStore(err, "scan %s", pattern)
		}
		out = append(out, entry.Elements...)
		cursor = entry.Cursor
		if cursor == 0 {
			return out, nil
		}
	}
}

func (s *ValkeyStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	secs, err := s.client.Do(ctx, s.client.B().Ttl().Key(key).Build()).AsInt64()
	if err != nil {
		return 0, markStore(err, "ttl %s", key)
	}
	return time.Duration(secs) * time.Second, nil
}

func (s *ValkeyStore) Ping(ctx context.Context) error {
	return markStore(s.client.Do(ctx, s.client.B().Ping().Build()).Error(), "ping cache store")
}

func (s *ValkeyStore) Close() error {
	s.client.Close()
	return nil
}
