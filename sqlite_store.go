package logchain

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"
	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

type sqliteStore struct{ db *sql.DB }

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS batches (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  hash         BLOB    NOT NULL UNIQUE,
  agent_id     TEXT    NOT NULL,
  seq          INTEGER NOT NULL,
  prev_hash    BLOB    NOT NULL,
  ts           INTEGER NOT NULL,   -- client timestamp, unix millis
  lines_json   TEXT    NOT NULL,   -- authoritative plaintext, JSON array
  lines_flate  BLOB    NOT NULL,   -- DEFLATE of the same bytes
  signature    BLOB    NOT NULL,
  received_at  INTEGER NOT NULL,   -- server clock at commit, unix millis
  UNIQUE(agent_id, seq)
);
CREATE TABLE IF NOT EXISTS agents (
  agent_id           TEXT PRIMARY KEY,
  current_public_key BLOB    NOT NULL,
  registered_at      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS agent_rotations (
  id                 INTEGER PRIMARY KEY AUTOINCREMENT,
  agent_id           TEXT    NOT NULL REFERENCES agents(agent_id),
  old_key            BLOB    NOT NULL,
  new_key            BLOB    NOT NULL,
  rotated_at         INTEGER NOT NULL,
  rotation_signature BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS agent_rotations_agent ON agent_rotations(agent_id, rotated_at);

-- Append-only and chain enforcement at the storage layer. These fire for
-- every client, including raw SQL sessions that bypass the ingest pipeline.
CREATE TRIGGER IF NOT EXISTS batches_no_update
BEFORE UPDATE ON batches
BEGIN
  SELECT RAISE(ABORT, 'append-only: batches rows cannot be updated');
END;
CREATE TRIGGER IF NOT EXISTS batches_no_delete
BEFORE DELETE ON batches
BEGIN
  SELECT RAISE(ABORT, 'append-only: batches rows cannot be deleted');
END;
CREATE TRIGGER IF NOT EXISTS batches_chain_check
BEFORE INSERT ON batches
BEGIN
  SELECT CASE
    WHEN NEW.seq <> COALESCE((SELECT MAX(seq) FROM batches WHERE agent_id = NEW.agent_id), 0) + 1
    THEN RAISE(ABORT, 'chain violation: seq does not extend the head')
  END;
  SELECT CASE
    WHEN NEW.seq = 1 AND NEW.prev_hash <> zeroblob(32)
    THEN RAISE(ABORT, 'chain violation: first batch prev_hash must be zero')
  END;
  SELECT CASE
    WHEN NEW.seq > 1 AND NEW.prev_hash <>
      (SELECT hash FROM batches WHERE agent_id = NEW.agent_id AND seq = NEW.seq - 1)
    THEN RAISE(ABORT, 'chain violation: prev_hash does not match predecessor')
  END;
END;
`

// OpenSQLiteStore opens/creates a SQLite DB and ensures schema + PRAGMAs.
func OpenSQLiteStore(dsn string) (Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA wal_autocheckpoint=1000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

// AppendBatch commits one batch inside a serializable transaction. The
// registry binding is re-read inside the transaction so a concurrent
// rotation or TOFU bind surfaces as a key conflict rather than a batch
// committed under a stale key.
func (s *sqliteStore) AppendBatch(ctx context.Context, req AppendRequest) (AppendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	b := &req.Sub.Batch

	var boundKey []byte
	err = tx.QueryRowContext(ctx, `SELECT current_public_key FROM agents WHERE agent_id = ?`, b.AgentID).Scan(&boundKey)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if !req.BindKey {
			return AppendResult{}, ErrUnknownAgent
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agents(agent_id, current_public_key, registered_at) VALUES(?, ?, ?)`,
			b.AgentID, req.VerifiedKey, req.ReceivedAt.UnixMilli()); err != nil {
			return AppendResult{}, err
		}
	case err != nil:
		return AppendResult{}, err
	default:
		if !bytes.Equal(boundKey, req.VerifiedKey) {
			return AppendResult{}, errKeyConflict
		}
	}

	var existingID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM batches WHERE hash = ?`, req.Hash[:]).Scan(&existingID)
	if err == nil {
		return AppendResult{ID: existingID, Duplicate: true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return AppendResult{}, err
	}

	var headSeq int64
	var headHash Hash
	var headHashBytes []byte
	err = tx.QueryRowContext(ctx,
		`SELECT seq, hash FROM batches WHERE agent_id = ? ORDER BY seq DESC LIMIT 1`,
		b.AgentID).Scan(&headSeq, &headHashBytes)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return AppendResult{}, err
	}
	copy(headHash[:], headHashBytes)
	if b.Seq != uint64(headSeq)+1 || b.PrevHash != headHash {
		return AppendResult{}, &ChainViolationError{
			AgentID:          b.AgentID,
			ExpectedSeq:      uint64(headSeq) + 1,
			ExpectedPrevHash: headHash,
		}
	}

	linesJSON, err := json.Marshal(b.Lines)
	if err != nil {
		return AppendResult{}, err
	}
	linesFlate, err := deflateBytes(linesJSON)
	if err != nil {
		return AppendResult{}, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO batches(hash, agent_id, seq, prev_hash, ts, lines_json, lines_flate, signature, received_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.Hash[:], b.AgentID, int64(b.Seq), b.PrevHash[:], b.Timestamp,
		string(linesJSON), linesFlate, []byte(req.Sub.Signature), req.ReceivedAt.UnixMilli())
	if err != nil {
		// A racing commit slipped past the in-transaction checks and the
		// trigger layer or a unique index caught it. Classify against the
		// winner's state after rolling back.
		_ = tx.Rollback()
		return s.classifyInsertConflict(ctx, b.AgentID, req.Hash, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return AppendResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{ID: id}, nil
}

// classifyInsertConflict translates a constraint failure on insert into the
// ingest vocabulary: an existing hash is idempotent success, anything else
// chain-shaped becomes a ChainViolation carrying the committed head. No
// internal row ids leak into the error.
func (s *sqliteStore) classifyInsertConflict(ctx context.Context, agentID string, h Hash, insertErr error) (AppendResult, error) {
	if !isConstraint(insertErr) {
		return AppendResult{}, insertErr
	}
	var existingID int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM batches WHERE hash = ?`, h[:]).Scan(&existingID)
	if err == nil {
		return AppendResult{ID: existingID, Duplicate: true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return AppendResult{}, err
	}
	head, _, err := s.Head(ctx, agentID)
	if err != nil {
		return AppendResult{}, err
	}
	return AppendResult{}, &ChainViolationError{
		AgentID:          agentID,
		ExpectedSeq:      head.LatestSeq + 1,
		ExpectedPrevHash: head.LatestHash,
	}
}

const batchColumns = `id, hash, agent_id, seq, prev_hash, ts, lines_json, signature, received_at`

func scanBatch(row interface{ Scan(...any) error }) (*StoredBatch, error) {
	var sb StoredBatch
	var hash, prevHash, sig []byte
	var linesJSON string
	var seq int64
	if err := row.Scan(&sb.ID, &hash, &sb.AgentID, &seq, &prevHash, &sb.Timestamp, &linesJSON, &sig, &sb.ReceivedAt); err != nil {
		return nil, err
	}
	sb.Seq = uint64(seq)
	copy(sb.Hash[:], hash)
	copy(sb.PrevHash[:], prevHash)
	sb.Signature = sig
	if err := json.Unmarshal([]byte(linesJSON), &sb.Lines); err != nil {
		return nil, fmt.Errorf("batch %d: decode lines: %w", sb.ID, err)
	}
	return &sb, nil
}

func (s *sqliteStore) BatchByID(ctx context.Context, id int64) (*StoredBatch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
	sb, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sb, err
}

func (s *sqliteStore) BatchByHash(ctx context.Context, h Hash) (*StoredBatch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE hash = ?`, h[:])
	sb, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sb, err
}

// listLimitDefault caps unbounded listings; callers page with Limit/Offset.
const listLimitDefault = 100

func (s *sqliteStore) ListBatches(ctx context.Context, f BatchFilter) ([]StoredBatch, error) {
	var where []string
	var args []any
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.SinceSeq > 0 {
		where = append(where, "seq > ?")
		args = append(args, int64(f.SinceSeq))
	}
	if f.SinceTimestamp != 0 {
		where = append(where, "ts >= ?")
		args = append(args, f.SinceTimestamp)
	}
	if f.UntilTimestamp != 0 {
		where = append(where, "ts <= ?")
		args = append(args, f.UntilTimestamp)
	}
	if f.LogSubstring != "" {
		// Match against decoded line values, not the JSON text, so JSON
		// escaping cannot produce false positives across line boundaries.
		where = append(where, "EXISTS (SELECT 1 FROM json_each(batches.lines_json) WHERE instr(json_each.value, ?) > 0)")
		args = append(args, f.LogSubstring)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = listLimitDefault
	}
	args = append(args, limit, f.Offset)

	query := `SELECT ` + batchColumns + ` FROM batches`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY agent_id ASC, seq ASC LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBatches(rows)
}

func (s *sqliteStore) Export(ctx context.Context, afterID int64, limit int) ([]StoredBatch, error) {
	if limit <= 0 {
		limit = listLimitDefault
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE id > ? ORDER BY id ASC LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBatches(rows)
}

func collectBatches(rows *sql.Rows) ([]StoredBatch, error) {
	var out []StoredBatch
	for rows.Next() {
		sb, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sb)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Checkpoints(ctx context.Context) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.agent_id, b.seq, b.hash
		FROM batches b
		JOIN (SELECT agent_id, MAX(seq) AS max_seq FROM batches GROUP BY agent_id) m
		  ON b.agent_id = m.agent_id AND b.seq = m.max_seq
		ORDER BY b.agent_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		var seq int64
		var hash []byte
		if err := rows.Scan(&cp.AgentID, &seq, &hash); err != nil {
			return nil, err
		}
		cp.LatestSeq = uint64(seq)
		copy(cp.LatestHash[:], hash)
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Head(ctx context.Context, agentID string) (Checkpoint, bool, error) {
	var seq int64
	var hash []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT seq, hash FROM batches WHERE agent_id = ? ORDER BY seq DESC LIMIT 1`,
		agentID).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{AgentID: agentID}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}
	cp := Checkpoint{AgentID: agentID, LatestSeq: uint64(seq)}
	copy(cp.LatestHash[:], hash)
	return cp, true, nil
}

func (s *sqliteStore) RegisterAgent(ctx context.Context, agentID string, pub []byte, registeredAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents(agent_id, current_public_key, registered_at) VALUES(?, ?, ?)`,
		agentID, pub, registeredAt.UnixMilli())
	if isUniqueViolation(err) {
		return ErrAlreadyRegistered
	}
	return err
}

func (s *sqliteStore) RotateAgentKey(ctx context.Context, agentID string, oldPub, newPub, sig []byte, rotatedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var current []byte
	err = tx.QueryRowContext(ctx, `SELECT current_public_key FROM agents WHERE agent_id = ?`, agentID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrUnknownAgent
	}
	if err != nil {
		return err
	}
	if !bytes.Equal(current, oldPub) {
		return errKeyConflict
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE agents SET current_public_key = ? WHERE agent_id = ?`, newPub, agentID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_rotations(agent_id, old_key, new_key, rotated_at, rotation_signature)
		 VALUES(?, ?, ?, ?, ?)`,
		agentID, oldPub, newPub, rotatedAt.UnixMilli(), sig); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) AgentKey(ctx context.Context, agentID string) (AgentRecord, error) {
	rec := AgentRecord{AgentID: agentID}
	var pub []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT current_public_key, registered_at FROM agents WHERE agent_id = ?`,
		agentID).Scan(&pub, &rec.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentRecord{}, ErrUnknownAgent
	}
	if err != nil {
		return AgentRecord{}, err
	}
	rec.PublicKey = pub
	return rec, nil
}

// AgentKeyAt resolves the key that was current at t: the old_key of the
// earliest rotation after t, or the current key when no later rotation
// exists. t is compared against server-side times (registered_at,
// rotated_at), never the client timestamp.
func (s *sqliteStore) AgentKeyAt(ctx context.Context, agentID string, t time.Time) ([]byte, error) {
	rec, err := s.AgentKey(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if t.UnixMilli() < rec.RegisteredAt {
		return nil, fmt.Errorf("%w: agent %q was not registered at %s", ErrUnknownAgent, agentID, t.UTC().Format(time.RFC3339))
	}
	var oldKey []byte
	err = s.db.QueryRowContext(ctx,
		`SELECT old_key FROM agent_rotations WHERE agent_id = ? AND rotated_at > ?
		 ORDER BY rotated_at ASC, id ASC LIMIT 1`,
		agentID, t.UnixMilli()).Scan(&oldKey)
	if errors.Is(err, sql.ErrNoRows) {
		return rec.PublicKey, nil
	}
	if err != nil {
		return nil, err
	}
	return oldKey, nil
}

func (s *sqliteStore) Rotations(ctx context.Context, agentID string) ([]Rotation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, old_key, new_key, rotated_at, rotation_signature
		 FROM agent_rotations WHERE agent_id = ? ORDER BY rotated_at ASC, id ASC`,
		agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Rotation
	for rows.Next() {
		var r Rotation
		var oldKey, newKey, sig []byte
		if err := rows.Scan(&r.AgentID, &oldKey, &newKey, &r.RotatedAt, &sig); err != nil {
			return nil, err
		}
		r.OldKey, r.NewKey, r.Signature = oldKey, newKey, sig
		out = append(out, r)
	}
	return out, rows.Err()
}

// Backup writes a standalone snapshot via VACUUM INTO. The snapshot goes to
// a temp path first so a crash mid-vacuum never leaves a half-written file
// at the published path.
func (s *sqliteStore) Backup(ctx context.Context, path string) error {
	tmp := path + ".tmp"
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, tmp); err != nil {
		return fmt.Errorf("vacuum into %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

// deflateBytes compresses the plaintext lines JSON with DEFLATE.
func deflateBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// inflateBytes undoes deflateBytes. The plaintext column is authoritative;
// this serves consumers that read the compressed blob.
func inflateBytes(data []byte) ([]byte, error) {
	fr := flate.NewReader(bytes.NewReader(data))
	defer fr.Close()
	return io.ReadAll(fr)
}
