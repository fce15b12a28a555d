package cache

import (
	"context"
	"encoding/json"
	"fmt"
)

// ExportVersion tags the backup format.
const ExportVersion = "1.0"

// Entry is one exported value. Value holds the stored JSON text verbatim.
type Entry struct {
	Value     string `json:"value"`
	StoredAt  int64  `json:"stored_at"`
	ExpiresAt int64  `json:"expires_at"`
}

type Export struct {
	Version   string           `json:"version"`
	Timestamp int64            `json:"timestamp"`
	Data      map[string]Entry `json:"data"`
}

// ExportAll snapshots every live entry. Expired and corrupt entries are left out.
func (c *Cache) ExportAll(ctx context.Context) (Export, error) {
	out := Export{Version: ExportVersion, Timestamp: c.now().UnixMilli(), Data: map[string]Entry{}}
	rows, err := c.DB.QueryContext(ctx, `SELECT key,value,checksum,stored_at,expires_at FROM cache_entries ORDER BY key`)
	if err != nil {
		return Export{}, err
	}
	defer rows.Close()
	now := c.now().UnixMilli()
	for rows.Next() {
		var key, value, sum string
		var e Entry
		if err := rows.Scan(&key, &value, &sum, &e.StoredAt, &e.ExpiresAt); err != nil {
			return Export{}, err
		}
		if now > e.ExpiresAt || checksum([]byte(value)) != sum {
			continue
		}
		e.Value = value
		out.Data[key] = e
	}
	return out, rows.Err()
}

// ImportAll writes exported entries back with their original timestamps and
// returns how many were restored. Entries already expired or holding invalid
// JSON are skipped.
func (c *Cache) ImportAll(ctx context.Context, exp Export) (int, error) {
	if exp.Version != ExportVersion {
		return 0, fmt.Errorf("unsupported export version %q", exp.Version)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	now := c.now().UnixMilli()
	n := 0
	for key, e := range exp.Data {
		raw := []byte(e.Value)
		if key == "" || now > e.ExpiresAt || !json.Valid(raw) {
			c.logger().Warn("skipping import entry", "key", key)
			continue
		}
		if err := c.put(ctx, tx, Key(key), raw, e.StoredAt, e.ExpiresAt); err != nil {
			return 0, err
		}
		n++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// DecodeExport parses a backup document.
func DecodeExport(data []byte) (Export, error) {
	var exp Export
	if err := json.Unmarshal(data, &exp); err != nil {
		return Export{}, fmt.Errorf("invalid cache export: %w", err)
	}
	if exp.Data == nil {
		exp.Data = map[string]Entry{}
	}
	return exp, nil
}
