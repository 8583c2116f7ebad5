// Package pairing persists AG-UI device pairing requests and the allow-list
// of approved devices.
package pairing

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	DefaultMaxPending = 3
	DefaultTTL        = 10 * time.Minute

	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 8
)

var (
	ErrUnknownCode   = errors.New("pairing: unknown or expired code")
	ErrUnknownDevice = errors.New("pairing: unknown device")
)

// Request is a device waiting for operator approval.
type Request struct {
	Code      string    `json:"code"`
	DeviceID  string    `json:"deviceId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Device is an approved device.
type Device struct {
	DeviceID   string    `json:"deviceId"`
	Code       string    `json:"code,omitempty"`
	ApprovedAt time.Time `json:"approvedAt"`
}

type Options struct {
	MaxPending int
	TTL        time.Duration
}

type Store struct {
	db         *sql.DB
	mu         sync.Mutex
	maxPending int
	ttl        time.Duration
	now        func() time.Time
}

func NewStore(dbPath string, opts Options) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{
		db:         db,
		maxPending: opts.MaxPending,
		ttl:        opts.TTL,
		now:        time.Now,
	}
	if s.maxPending <= 0 {
		s.maxPending = DefaultMaxPending
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pairing_requests (
			code TEXT PRIMARY KEY,
			device_id TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_expires ON pairing_requests(expires_at)`,
		`CREATE TABLE IF NOT EXISTS devices (
			device_id TEXT PRIMARY KEY,
			code TEXT NOT NULL DEFAULT '',
			approved_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertRequest registers deviceID as pending and returns its pairing code.
// A device that is already pending keeps its code. The code is empty when
// the pending cap is reached.
func (s *Store) UpsertRequest(ctx context.Context, deviceID string) (string, error) {
	deviceID = NormalizeEntry(deviceID)
	if deviceID == "" {
		return "", fmt.Errorf("pairing: empty device id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if err := s.prune(ctx, now); err != nil {
		return "", err
	}

	var code string
	err := s.db.QueryRowContext(ctx, `SELECT code FROM pairing_requests WHERE device_id = ?`, deviceID).Scan(&code)
	switch {
	case err == nil:
		return code, nil
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("lookup request: %w", err)
	}

	var pending int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM pairing_requests`).Scan(&pending); err != nil {
		return "", fmt.Errorf("count requests: %w", err)
	}
	if pending >= s.maxPending {
		return "", nil
	}

	for attempt := 0; attempt < 5; attempt++ {
		code, err = newCode()
		if err != nil {
			return "", err
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO pairing_requests (code, device_id, created_at, expires_at)
			VALUES (?, ?, ?, ?)
		`, code, deviceID, now.UnixMilli(), now.Add(s.ttl).UnixMilli())
		if err == nil {
			return code, nil
		}
	}
	return "", fmt.Errorf("insert request: %w", err)
}

// ListPending returns unexpired requests, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.prune(ctx, s.now()); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT code, device_id, created_at, expires_at
		FROM pairing_requests
		ORDER BY created_at ASC, code ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var (
			r                  Request
			created, expiresAt int64
		)
		if err := rows.Scan(&r.Code, &r.DeviceID, &created, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		r.CreatedAt = time.UnixMilli(created)
		r.ExpiresAt = time.UnixMilli(expiresAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Approve moves the device behind code onto the allow-list.
func (s *Store) Approve(ctx context.Context, code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if err := s.prune(ctx, now); err != nil {
		return "", err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin approve: %w", err)
	}
	defer tx.Rollback()

	var deviceID string
	err = tx.QueryRowContext(ctx, `SELECT device_id FROM pairing_requests WHERE code = ?`, code).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnknownCode
	}
	if err != nil {
		return "", fmt.Errorf("lookup code: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO devices (device_id, code, approved_at) VALUES (?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET code = excluded.code, approved_at = excluded.approved_at
	`, deviceID, code, now.UnixMilli()); err != nil {
		return "", fmt.Errorf("insert device: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pairing_requests WHERE code = ?`, code); err != nil {
		return "", fmt.Errorf("delete request: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit approve: %w", err)
	}
	return deviceID, nil
}

// Reject drops a pending request.
func (s *Store) Reject(ctx context.Context, code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.prune(ctx, s.now()); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM pairing_requests WHERE code = ?`, code)
	if err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownCode
	}
	return nil
}

// Devices returns approved devices, oldest approval first.
func (s *Store) Devices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, code, approved_at FROM devices ORDER BY approved_at ASC, device_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		var (
			d        Device
			approved int64
		)
		if err := rows.Scan(&d.DeviceID, &d.Code, &approved); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		d.ApprovedAt = time.UnixMilli(approved)
		out = append(out, d)
	}
	return out, rows.Err()
}

// AllowList returns the approved device ids.
func (s *Store) AllowList(ctx context.Context) ([]string, error) {
	devices, err := s.Devices(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(devices))
	for i, d := range devices {
		ids[i] = d.DeviceID
	}
	return ids, nil
}

// IsAllowed reports whether deviceID has been approved.
func (s *Store) IsAllowed(ctx context.Context, deviceID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM devices WHERE device_id = ?`, NormalizeEntry(deviceID)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check device: %w", err)
	}
	return n > 0, nil
}

// Revoke removes a device from the allow-list.
func (s *Store) Revoke(ctx context.Context, deviceID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE device_id = ?`, NormalizeEntry(deviceID))
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUnknownDevice
	}
	return nil
}

func (s *Store) prune(ctx context.Context, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pairing_requests WHERE expires_at <= ?`, now.UnixMilli()); err != nil {
		return fmt.Errorf("prune requests: %w", err)
	}
	return nil
}

// NormalizeEntry strips channel prefixes ("clawg-ui:", "agui:") and
// lowercases an allow-list entry.
func NormalizeEntry(entry string) string {
	entry = strings.TrimSpace(entry)
	lower := strings.ToLower(entry)
	for _, prefix := range []string{"clawg-ui:", "agui:"} {
		if strings.HasPrefix(lower, prefix) {
			lower = lower[len(prefix):]
			break
		}
	}
	return lower
}

func newCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}
