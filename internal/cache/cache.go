package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/zeebo/xxh3"

	"fleetinspect/internal/config"
	"fleetinspect/pkg/log"
)

var (
	// ErrQuotaExceeded is returned when a write does not fit even after cleanup.
	ErrQuotaExceeded = errors.New("cache quota exceeded")
	// ErrConflict is returned when a concurrent writer changed the entry mid-update.
	ErrConflict = errors.New("cache entry changed concurrently")
)

// Store is the typed key/value repository the rest of the client persists through.
type Store interface {
	Get(ctx context.Context, key Key, out any) (bool, error)
	Set(ctx context.Context, key Key, v any, ttl time.Duration) error
	Remove(ctx context.Context, key Key) error
	Has(ctx context.Context, key Key) (bool, error)
	Update(ctx context.Context, key Key, ttl time.Duration, fn func(current []byte) ([]byte, error)) error
}

var _ Store = (*Cache)(nil)

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Cache is the SQLite implementation of Store.
type Cache struct {
	DB       *sql.DB
	Now      func() time.Time
	Config   config.Cache
	MaxBytes int64
	Log      log.Logger

	mu sync.Mutex
}

func New(db *sql.DB, cfg config.Cache, logger log.Logger) *Cache {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Cache{
		DB:       db,
		Now:      time.Now,
		Config:   cfg,
		MaxBytes: cfg.MaxBytes,
		Log:      logger.WithName("cache"),
	}
}

func (c *Cache) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Cache) logger() log.Logger {
	if c.Log != nil {
		return c.Log
	}
	return log.NewNopLogger()
}

// TTLFor resolves the lifetime for key when the caller passes 0.
func (c *Cache) TTLFor(key Key) time.Duration {
	fallback := builtinTTLFor(key)
	if c.Config.DefaultTTL > 0 && fallback == DefaultTTL {
		fallback = c.Config.DefaultTTL
	}
	return c.Config.TTLFor(string(key), fallback)
}

func checksum(raw []byte) string {
	return strconv.FormatUint(xxh3.Hash(raw), 16)
}

// Set stores v as JSON under key. A ttl of 0 uses the key's configured lifetime.
func (c *Cache) Set(ctx context.Context, key Key, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return c.SetRaw(ctx, key, raw, ttl)
}

// SetRaw stores already encoded JSON. On failure it sweeps expired entries and retries once.
func (c *Cache) SetRaw(ctx context.Context, key Key, raw []byte, ttl time.Duration) error {
	if !json.Valid(raw) {
		return fmt.Errorf("cache %s: value is not valid JSON", key)
	}
	if ttl <= 0 {
		ttl = c.TTLFor(key)
	}
	now := c.now()
	storedAt, expiresAt := now.UnixMilli(), now.Add(ttl).UnixMilli()
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.put(ctx, c.DB, key, raw, storedAt, expiresAt)
	if err == nil {
		return nil
	}
	removed, cerr := c.cleanup(ctx)
	if cerr != nil {
		return errors.Join(err, cerr)
	}
	c.logger().Warn("cache write failed, retrying after cleanup", "key", string(key), "removed", removed, "error", err.Error())
	return c.put(ctx, c.DB, key, raw, storedAt, expiresAt)
}

func (c *Cache) put(ctx context.Context, q dbtx, key Key, raw []byte, storedAt, expiresAt int64) error {
	if err := c.checkQuota(ctx, q, key, len(raw)); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx, `INSERT INTO cache_entries(key,value,checksum,size_bytes,stored_at,expires_at,version)
		VALUES (?,?,?,?,?,?,1)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, checksum=excluded.checksum, size_bytes=excluded.size_bytes,
			stored_at=excluded.stored_at, expires_at=excluded.expires_at, version=cache_entries.version+1`,
		string(key), string(raw), checksum(raw), len(raw), storedAt, expiresAt)
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func (c *Cache) checkQuota(ctx context.Context, q dbtx, key Key, size int) error {
	if c.MaxBytes <= 0 {
		return nil
	}
	var used int64
	if err := q.QueryRowContext(ctx, `SELECT COALESCE(SUM(size_bytes),0) FROM cache_entries WHERE key<>?`, string(key)).Scan(&used); err != nil {
		return err
	}
	if used+int64(size) > c.MaxBytes {
		return fmt.Errorf("%w: %d of %d bytes used, %s needs %d", ErrQuotaExceeded, used, c.MaxBytes, key, size)
	}
	return nil
}

type row struct {
	value     string
	checksum  string
	expiresAt int64
	version   int64
}

func (c *Cache) load(ctx context.Context, q dbtx, key Key) (row, bool, error) {
	var r row
	err := q.QueryRowContext(ctx, `SELECT value,checksum,expires_at,version FROM cache_entries WHERE key=?`, string(key)).
		Scan(&r.value, &r.checksum, &r.expiresAt, &r.version)
	if errors.Is(err, sql.ErrNoRows) {
		return row{}, false, nil
	}
	if err != nil {
		return row{}, false, fmt.Errorf("read %s: %w", key, err)
	}
	return r, true, nil
}

// usable drops expired or corrupt rows and reports whether r can be served.
func (c *Cache) usable(ctx context.Context, q dbtx, key Key, r row) (bool, error) {
	reason := ""
	switch {
	case c.now().UnixMilli() > r.expiresAt:
		reason = "expired"
	case checksum([]byte(r.value)) != r.checksum:
		reason = "checksum mismatch"
	case !json.Valid([]byte(r.value)):
		reason = "invalid json"
	}
	if reason == "" {
		return true, nil
	}
	if reason != "expired" {
		c.logger().Warn("dropping corrupt cache entry", "key", string(key), "reason", reason)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM cache_entries WHERE key=? AND version=?`, string(key), r.version); err != nil {
		return false, fmt.Errorf("drop %s: %w", key, err)
	}
	return false, nil
}

// GetRaw returns the stored JSON for key. Expired and corrupt entries are
// deleted and reported as absent.
func (c *Cache) GetRaw(ctx context.Context, key Key) ([]byte, bool, error) {
	r, ok, err := c.load(ctx, c.DB, key)
	if err != nil || !ok {
		return nil, false, err
	}
	ok, err = c.usable(ctx, c.DB, key, r)
	if err != nil || !ok {
		return nil, false, err
	}
	return []byte(r.value), true, nil
}

// Get decodes the value stored under key into out.
func (c *Cache) Get(ctx context.Context, key Key, out any) (bool, error) {
	raw, ok, err := c.GetRaw(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		c.logger().Warn("dropping undecodable cache entry", "key", string(key), "error", err.Error())
		if rerr := c.Remove(ctx, key); rerr != nil {
			return false, rerr
		}
		return false, nil
	}
	return true, nil
}

func (c *Cache) Has(ctx context.Context, key Key) (bool, error) {
	return c.Get(ctx, key, nil)
}

func (c *Cache) Remove(ctx context.Context, key Key) error {
	if _, err := c.DB.ExecContext(ctx, `DELETE FROM cache_entries WHERE key=?`, string(key)); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// Update runs a read-modify-write on key inside one immediate transaction.
// fn receives nil when the key is absent. Returning nil bytes deletes the key.
func (c *Cache) Update(ctx context.Context, key Key, ttl time.Duration, fn func(current []byte) ([]byte, error)) error {
	if ttl <= 0 {
		ttl = c.TTLFor(key)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	r, ok, err := c.load(ctx, tx, key)
	if err != nil {
		return err
	}
	var current []byte
	if ok {
		ok, err = c.usable(ctx, tx, key, r)
		if err != nil {
			return err
		}
	}
	if ok {
		current = []byte(r.value)
	}
	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries WHERE key=?`, string(key)); err != nil {
			return fmt.Errorf("remove %s: %w", key, err)
		}
		return tx.Commit()
	}
	if !json.Valid(next) {
		return fmt.Errorf("cache %s: update produced invalid JSON", key)
	}
	now := c.now()
	if !ok {
		if err := c.put(ctx, tx, key, next, now.UnixMilli(), now.Add(ttl).UnixMilli()); err != nil {
			return err
		}
		return tx.Commit()
	}
	if err := c.checkQuota(ctx, tx, key, len(next)); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE cache_entries SET value=?, checksum=?, size_bytes=?, stored_at=?, expires_at=?, version=version+1
		WHERE key=? AND version=?`,
		string(next), checksum(next), len(next), now.UnixMilli(), now.Add(ttl).UnixMilli(), string(key), r.version)
	if err != nil {
		return fmt.Errorf("update %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrConflict, key)
	}
	return tx.Commit()
}

// Mutate is Update for JSON-typed values. fn edits a zero T when the key is absent.
func Mutate[T any](ctx context.Context, s Store, key Key, ttl time.Duration, fn func(v *T) error) error {
	return s.Update(ctx, key, ttl, func(current []byte) ([]byte, error) {
		var v T
		if current != nil {
			if err := json.Unmarshal(current, &v); err != nil {
				return nil, fmt.Errorf("decode %s: %w", key, err)
			}
		}
		if err := fn(&v); err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
}

// Cleanup deletes every expired or corrupt entry and returns how many went.
func (c *Cache) Cleanup(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanup(ctx)
}

func (c *Cache) cleanup(ctx context.Context) (int, error) {
	res, err := c.DB.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at < ?`, c.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired: %w", err)
	}
	expired, _ := res.RowsAffected()

	rows, err := c.DB.QueryContext(ctx, `SELECT key,value,checksum FROM cache_entries`)
	if err != nil {
		return int(expired), err
	}
	var corrupt []string
	for rows.Next() {
		var key, value, sum string
		if err := rows.Scan(&key, &value, &sum); err != nil {
			rows.Close()
			return int(expired), err
		}
		if checksum([]byte(value)) != sum || !json.Valid([]byte(value)) {
			corrupt = append(corrupt, key)
		}
	}
	if err := rows.Close(); err != nil {
		return int(expired), err
	}
	for _, key := range corrupt {
		if _, err := c.DB.ExecContext(ctx, `DELETE FROM cache_entries WHERE key=?`, key); err != nil {
			return int(expired), err
		}
	}
	total := int(expired) + len(corrupt)
	if total > 0 {
		c.logger().Info("cache cleanup", "expired", int(expired), "corrupt", len(corrupt))
	}
	return total, nil
}

// Clear removes every entry.
func (c *Cache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.DB.ExecContext(ctx, `DELETE FROM cache_entries`)
	return err
}

// Keys returns the unexpired keys in lexical order.
func (c *Cache) Keys(ctx context.Context) ([]Key, error) {
	rows, err := c.DB.QueryContext(ctx, `SELECT key FROM cache_entries WHERE expires_at >= ? ORDER BY key`, c.now().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := []Key{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, Key(k))
	}
	return keys, rows.Err()
}

// EntryInfo describes one stored key.
type EntryInfo struct {
	Key       string    `json:"key"`
	SizeBytes int64     `json:"size_bytes"`
	StoredAt  time.Time `json:"stored_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Expired   bool      `json:"expired"`
}

type Info struct {
	Entries    int         `json:"entries"`
	TotalBytes int64       `json:"total_bytes"`
	MaxBytes   int64       `json:"max_bytes"`
	Items      []EntryInfo `json:"items"`
}

// Info lists the stored keys with their sizes and lifetimes.
func (c *Cache) Info(ctx context.Context) (Info, error) {
	rows, err := c.DB.QueryContext(ctx, `SELECT key,size_bytes,stored_at,expires_at FROM cache_entries ORDER BY key`)
	if err != nil {
		return Info{}, err
	}
	defer rows.Close()
	now := c.now().UnixMilli()
	info := Info{MaxBytes: c.MaxBytes, Items: []EntryInfo{}}
	for rows.Next() {
		var e EntryInfo
		var stored, expires int64
		if err := rows.Scan(&e.Key, &e.SizeBytes, &stored, &expires); err != nil {
			return Info{}, err
		}
		e.StoredAt = time.UnixMilli(stored).UTC()
		e.ExpiresAt = time.UnixMilli(expires).UTC()
		e.Expired = now > expires
		info.Entries++
		info.TotalBytes += e.SizeBytes
		info.Items = append(info.Items, e)
	}
	return info, rows.Err()
}
