// Package sqlstore is a SQLite-backed store.Store, used to exercise the
// compliance property (identical query results to the in-memory and
// filesystem stores for the same call sequence) against a real relational
// engine. Structured columns (hashes, ranks, epochs) get real columns so
// GetNodeHashesInRange can push its range filter into SQL; the node and
// wire-node payloads themselves are gob-encoded BLOBs for the same reason
// fsstore gob-encodes its state file: no retrieved example persists this
// particular nested-struct shape, and a hand-rolled relational
// normalization of dagnode.Content's nine-variant union would buy nothing
// a BLOB column doesn't already give the query patterns store.Store needs.
package sqlstore

import (
	"bytes"
	"database/sql"
	"encoding/gob"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/duskline/convo/dagnode"
	"github.com/duskline/convo/ratchet"
	"github.com/duskline/convo/store"
	"github.com/duskline/convo/types"
	"github.com/duskline/convo/wire"
)

const schema = `
CREATE TABLE IF NOT EXISTS heads (
	conv_id BLOB NOT NULL,
	kind TEXT NOT NULL,
	idx INTEGER NOT NULL,
	hash BLOB NOT NULL,
	PRIMARY KEY (conv_id, kind, idx)
);
CREATE TABLE IF NOT EXISTS nodes (
	conv_id BLOB NOT NULL,
	hash BLOB NOT NULL,
	verified INTEGER NOT NULL DEFAULT 0,
	speculative INTEGER NOT NULL DEFAULT 0,
	epoch INTEGER NOT NULL,
	rank INTEGER NOT NULL,
	node_type INTEGER NOT NULL,
	sender BLOB NOT NULL,
	seq INTEGER NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (conv_id, hash)
);
CREATE INDEX IF NOT EXISTS nodes_rank_idx ON nodes(conv_id, epoch, rank);
CREATE TABLE IF NOT EXISTS wire_nodes (
	conv_id BLOB NOT NULL,
	hash BLOB NOT NULL,
	opaque INTEGER NOT NULL DEFAULT 0,
	data BLOB NOT NULL,
	PRIMARY KEY (conv_id, hash)
);
CREATE TABLE IF NOT EXISTS last_seq (
	conv_id BLOB NOT NULL,
	device BLOB NOT NULL,
	seq INTEGER NOT NULL,
	PRIMARY KEY (conv_id, device)
);
CREATE TABLE IF NOT EXISTS conversation_keys (
	conv_id BLOB NOT NULL,
	epoch INTEGER NOT NULL,
	root BLOB NOT NULL,
	PRIMARY KEY (conv_id, epoch)
);
CREATE TABLE IF NOT EXISTS epoch_meta (
	conv_id BLOB NOT NULL,
	epoch INTEGER NOT NULL,
	message_count INTEGER NOT NULL,
	last_rotation_ms INTEGER NOT NULL,
	PRIMARY KEY (conv_id, epoch)
);
CREATE TABLE IF NOT EXISTS ratchet_keys (
	conv_id BLOB NOT NULL,
	hash BLOB NOT NULL,
	chain BLOB NOT NULL,
	epoch INTEGER NOT NULL,
	PRIMARY KEY (conv_id, hash)
);
CREATE TABLE IF NOT EXISTS sketches (
	conv_id BLOB NOT NULL,
	epoch INTEGER NOT NULL,
	min_rank INTEGER NOT NULL,
	max_rank INTEGER NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (conv_id, epoch, min_rank, max_rank)
);
CREATE TABLE IF NOT EXISTS blob_info (
	hash BLOB PRIMARY KEY,
	status INTEGER NOT NULL,
	data BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS chunks (
	hash BLOB NOT NULL,
	offset INTEGER NOT NULL,
	data BLOB NOT NULL,
	proof BLOB,
	PRIMARY KEY (hash, offset)
);
CREATE TABLE IF NOT EXISTS global_kv (
	key TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
`

// SQLStore is a SQLite-backed store.Store.
type SQLStore struct {
	db *sql.DB
}

// Open opens (creating if needed) a SQLite database at path and prepares
// its schema. Use ":memory:" for an ephemeral store.
func Open(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	// The engine's single-threaded call discipline means one connection is
	// enough and avoids SQLite's writer-lock contention under concurrent
	// handles to the same file.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

func (s *SQLStore) headsOf(conv types.ConversationId, kind string) ([]types.NodeHash, error) {
	rows, err := s.db.Query(`SELECT hash FROM heads WHERE conv_id = ? AND kind = ? ORDER BY idx`, conv[:], kind)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query heads: %w", err)
	}
	defer rows.Close()
	var out []types.NodeHash
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var h types.NodeHash
		copy(h[:], raw)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *SQLStore) setHeadsOf(conv types.ConversationId, kind string, heads []types.NodeHash) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM heads WHERE conv_id = ? AND kind = ?`, conv[:], kind); err != nil {
		return err
	}
	for i, h := range heads {
		if _, err := tx.Exec(`INSERT INTO heads (conv_id, kind, idx, hash) VALUES (?, ?, ?, ?)`, conv[:], kind, i, h[:]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLStore) GetHeads(conv types.ConversationId) ([]types.NodeHash, error) {
	return s.headsOf(conv, "heads")
}

func (s *SQLStore) SetHeads(conv types.ConversationId, heads []types.NodeHash) error {
	return s.setHeadsOf(conv, "heads", heads)
}

func (s *SQLStore) GetAdminHeads(conv types.ConversationId) ([]types.NodeHash, error) {
	return s.headsOf(conv, "admin")
}

func (s *SQLStore) SetAdminHeads(conv types.ConversationId, heads []types.NodeHash) error {
	return s.setHeadsOf(conv, "admin", heads)
}

func (s *SQLStore) PutNode(conv types.ConversationId, node *dagnode.MerkleNode, verified bool) error {
	hash := dagnode.Hash(node, conv)
	data, err := gobEncode(*node)
	if err != nil {
		return fmt.Errorf("sqlstore: encode node: %w", err)
	}
	verifiedInt, speculativeInt := 0, 1
	if verified {
		verifiedInt, speculativeInt = 1, 0
	}
	epoch := node.SequenceNumber.Epoch()
	if _, err := s.db.Exec(`
		INSERT INTO nodes (conv_id, hash, verified, speculative, epoch, rank, node_type, sender, seq, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conv_id, hash) DO UPDATE SET
			verified=excluded.verified, speculative=excluded.speculative, data=excluded.data`,
		conv[:], hash[:], verifiedInt, speculativeInt, epoch, node.TopologicalRank, node.NodeType(),
		node.SenderPk[:], uint64(node.SequenceNumber), data); err != nil {
		return fmt.Errorf("sqlstore: insert node: %w", err)
	}
	// Only verified writes advance the per-device sequence watermark; a
	// speculative child must not make its still-missing parent look like a
	// replay.
	if verified {
		if _, err := s.db.Exec(`
			INSERT INTO last_seq (conv_id, device, seq) VALUES (?, ?, ?)
			ON CONFLICT(conv_id, device) DO UPDATE SET seq = MAX(seq, excluded.seq)`,
			conv[:], node.SenderPk[:], uint64(node.SequenceNumber)); err != nil {
			return fmt.Errorf("sqlstore: upsert last_seq: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) MarkVerified(conv types.ConversationId, hash types.NodeHash) error {
	res, err := s.db.Exec(`UPDATE nodes SET verified = 1, speculative = 0 WHERE conv_id = ? AND hash = ?`, conv[:], hash[:])
	if err != nil {
		return fmt.Errorf("sqlstore: mark verified: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	if _, err := s.db.Exec(`
		INSERT INTO last_seq (conv_id, device, seq)
		SELECT conv_id, sender, seq FROM nodes WHERE conv_id = ? AND hash = ?
		ON CONFLICT(conv_id, device) DO UPDATE SET seq = MAX(seq, excluded.seq)`,
		conv[:], hash[:]); err != nil {
		return fmt.Errorf("sqlstore: upsert last_seq: %w", err)
	}
	return nil
}

func (s *SQLStore) InvalidateNode(conv types.ConversationId, hash types.NodeHash) error {
	_, err := s.db.Exec(`UPDATE nodes SET verified = 0, speculative = 1 WHERE conv_id = ? AND hash = ? AND verified = 1`, conv[:], hash[:])
	if err != nil {
		return fmt.Errorf("sqlstore: invalidate node: %w", err)
	}
	return nil
}

func (s *SQLStore) GetNode(conv types.ConversationId, hash types.NodeHash) (*dagnode.MerkleNode, bool, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM nodes WHERE conv_id = ? AND hash = ?`, conv[:], hash[:]).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlstore: query node: %w", err)
	}
	var n dagnode.MerkleNode
	if err := gobDecode(data, &n); err != nil {
		return nil, false, fmt.Errorf("sqlstore: decode node: %w", err)
	}
	return &n, true, nil
}

func (s *SQLStore) GetWireNode(conv types.ConversationId, hash types.NodeHash) (*wire.MerkleNodeMessage, bool, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM wire_nodes WHERE conv_id = ? AND hash = ?`, conv[:], hash[:]).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlstore: query wire node: %w", err)
	}
	var n dagnode.WireNode
	if err := gobDecode(data, &n); err != nil {
		return nil, false, fmt.Errorf("sqlstore: decode wire node: %w", err)
	}
	return &wire.MerkleNodeMessage{ConvId: conv, Hash: hash, Node: n}, true, nil
}

func (s *SQLStore) PutWireNode(conv types.ConversationId, hash types.NodeHash, node dagnode.WireNode) error {
	data, err := gobEncode(node)
	if err != nil {
		return fmt.Errorf("sqlstore: encode wire node: %w", err)
	}
	var verified int
	_ = s.db.QueryRow(`SELECT verified FROM nodes WHERE conv_id = ? AND hash = ?`, conv[:], hash[:]).Scan(&verified)
	opaque := 0
	if verified == 0 {
		opaque = 1
	}
	_, err = s.db.Exec(`
		INSERT INTO wire_nodes (conv_id, hash, opaque, data) VALUES (?, ?, ?, ?)
		ON CONFLICT(conv_id, hash) DO UPDATE SET opaque=excluded.opaque, data=excluded.data`,
		conv[:], hash[:], opaque, data)
	if err != nil {
		return fmt.Errorf("sqlstore: insert wire node: %w", err)
	}
	return nil
}

func (s *SQLStore) RemoveWireNode(conv types.ConversationId, hash types.NodeHash) error {
	_, err := s.db.Exec(`DELETE FROM wire_nodes WHERE conv_id = ? AND hash = ?`, conv[:], hash[:])
	return err
}

func (s *SQLStore) hashesWhere(conv types.ConversationId, table, where string, args ...any) ([]types.NodeHash, error) {
	queryArgs := append([]any{conv[:]}, args...)
	rows, err := s.db.Query(`SELECT hash FROM `+table+` WHERE conv_id = ? AND `+where, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query %s: %w", table, err)
	}
	defer rows.Close()
	var out []types.NodeHash
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var h types.NodeHash
		copy(h[:], raw)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetSpeculativeNodes(conv types.ConversationId) ([]types.NodeHash, error) {
	return s.hashesWhere(conv, "nodes", "speculative = 1")
}

func (s *SQLStore) GetOpaqueNodeHashes(conv types.ConversationId) ([]types.NodeHash, error) {
	return s.hashesWhere(conv, "wire_nodes", "opaque = 1")
}

func (s *SQLStore) GetNodeCounts(conv types.ConversationId) (store.NodeCounts, error) {
	var counts store.NodeCounts
	row := s.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM nodes WHERE conv_id = ? AND verified = 1),
			(SELECT COUNT(*) FROM nodes WHERE conv_id = ? AND speculative = 1),
			(SELECT COUNT(*) FROM wire_nodes WHERE conv_id = ? AND opaque = 1)`,
		conv[:], conv[:], conv[:])
	if err := row.Scan(&counts.Verified, &counts.Speculative, &counts.Opaque); err != nil {
		return counts, fmt.Errorf("sqlstore: node counts: %w", err)
	}
	return counts, nil
}

func (s *SQLStore) GetVerifiedNodesByType(conv types.ConversationId, t dagnode.NodeType) ([]types.NodeHash, error) {
	return s.hashesWhere(conv, "nodes", "verified = 1 AND node_type = ?", t)
}

func (s *SQLStore) GetNodeHashesInRange(conv types.ConversationId, r wire.SyncRange) ([]types.NodeHash, error) {
	return s.hashesWhere(conv, "nodes", "verified = 1 AND epoch = ? AND rank BETWEEN ? AND ?", r.Epoch, r.MinRank, r.MaxRank)
}

func (s *SQLStore) GetLastSequenceNumber(conv types.ConversationId, device types.PhysicalDevicePk) (types.SequenceNumber, bool, error) {
	var seq uint64
	err := s.db.QueryRow(`SELECT seq FROM last_seq WHERE conv_id = ? AND device = ?`, conv[:], device[:]).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sqlstore: query last_seq: %w", err)
	}
	return types.SequenceNumber(seq), true, nil
}

func (s *SQLStore) GetConversationKey(conv types.ConversationId, epoch types.Epoch) ([32]byte, bool, error) {
	var root []byte
	err := s.db.QueryRow(`SELECT root FROM conversation_keys WHERE conv_id = ? AND epoch = ?`, conv[:], epoch).Scan(&root)
	if err == sql.ErrNoRows {
		return [32]byte{}, false, nil
	}
	if err != nil {
		return [32]byte{}, false, fmt.Errorf("sqlstore: query conversation key: %w", err)
	}
	var out [32]byte
	copy(out[:], root)
	return out, true, nil
}

func (s *SQLStore) PutConversationKey(conv types.ConversationId, epoch types.Epoch, root [32]byte) error {
	_, err := s.db.Exec(`
		INSERT INTO conversation_keys (conv_id, epoch, root) VALUES (?, ?, ?)
		ON CONFLICT(conv_id, epoch) DO UPDATE SET root=excluded.root`,
		conv[:], epoch, root[:])
	return err
}

func (s *SQLStore) GetEpochMetadata(conv types.ConversationId, epoch types.Epoch) (store.EpochMetadata, bool, error) {
	var meta store.EpochMetadata
	err := s.db.QueryRow(`SELECT message_count, last_rotation_ms FROM epoch_meta WHERE conv_id = ? AND epoch = ?`, conv[:], epoch).
		Scan(&meta.MessageCount, &meta.LastRotationMs)
	if err == sql.ErrNoRows {
		return store.EpochMetadata{}, false, nil
	}
	if err != nil {
		return store.EpochMetadata{}, false, fmt.Errorf("sqlstore: query epoch_meta: %w", err)
	}
	return meta, true, nil
}

func (s *SQLStore) UpdateEpochMetadata(conv types.ConversationId, epoch types.Epoch, meta store.EpochMetadata) error {
	_, err := s.db.Exec(`
		INSERT INTO epoch_meta (conv_id, epoch, message_count, last_rotation_ms) VALUES (?, ?, ?, ?)
		ON CONFLICT(conv_id, epoch) DO UPDATE SET message_count=excluded.message_count, last_rotation_ms=excluded.last_rotation_ms`,
		conv[:], epoch, meta.MessageCount, meta.LastRotationMs)
	return err
}

func (s *SQLStore) GetRatchetKey(conv types.ConversationId, hash types.NodeHash) (ratchet.ChainKey, types.Epoch, bool, error) {
	var chainBytes []byte
	var epoch types.Epoch
	err := s.db.QueryRow(`SELECT chain, epoch FROM ratchet_keys WHERE conv_id = ? AND hash = ?`, conv[:], hash[:]).Scan(&chainBytes, &epoch)
	if err == sql.ErrNoRows {
		return ratchet.ChainKey{}, 0, false, nil
	}
	if err != nil {
		return ratchet.ChainKey{}, 0, false, fmt.Errorf("sqlstore: query ratchet_keys: %w", err)
	}
	var chain ratchet.ChainKey
	copy(chain[:], chainBytes)
	return chain, epoch, true, nil
}

func (s *SQLStore) PutRatchetKey(conv types.ConversationId, hash types.NodeHash, chain ratchet.ChainKey, epoch types.Epoch) error {
	_, err := s.db.Exec(`
		INSERT INTO ratchet_keys (conv_id, hash, chain, epoch) VALUES (?, ?, ?, ?)
		ON CONFLICT(conv_id, hash) DO UPDATE SET chain=excluded.chain, epoch=excluded.epoch`,
		conv[:], hash[:], chain[:], epoch)
	return err
}

func (s *SQLStore) RemoveRatchetKey(conv types.ConversationId, hash types.NodeHash) error {
	_, err := s.db.Exec(`DELETE FROM ratchet_keys WHERE conv_id = ? AND hash = ?`, conv[:], hash[:])
	return err
}

func (s *SQLStore) ListRatchetKeyHashes(conv types.ConversationId) ([]types.NodeHash, error) {
	rows, err := s.db.Query(`SELECT hash FROM ratchet_keys WHERE conv_id = ?`, conv[:])
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list ratchet_keys: %w", err)
	}
	defer rows.Close()
	var out []types.NodeHash
	for rows.Next() {
		var hb []byte
		if err := rows.Scan(&hb); err != nil {
			return nil, fmt.Errorf("sqlstore: scan ratchet_keys: %w", err)
		}
		var h types.NodeHash
		copy(h[:], hb)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *SQLStore) SizeBytes() (int64, error) {
	var total int64
	err := s.db.QueryRow(`SELECT COALESCE(SUM(LENGTH(data)), 0) FROM nodes`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: size: %w", err)
	}
	var chunkTotal int64
	if err := s.db.QueryRow(`SELECT COALESCE(SUM(LENGTH(data)), 0) FROM chunks`).Scan(&chunkTotal); err != nil {
		return 0, fmt.Errorf("sqlstore: chunk size: %w", err)
	}
	return total + chunkTotal, nil
}

func (s *SQLStore) GetSketch(conv types.ConversationId, r wire.SyncRange) (wire.SyncSketchMessage, bool, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM sketches WHERE conv_id = ? AND epoch = ? AND min_rank = ? AND max_rank = ?`,
		conv[:], r.Epoch, r.MinRank, r.MaxRank).Scan(&data)
	if err == sql.ErrNoRows {
		return wire.SyncSketchMessage{}, false, nil
	}
	if err != nil {
		return wire.SyncSketchMessage{}, false, fmt.Errorf("sqlstore: query sketch: %w", err)
	}
	var sketch wire.SyncSketchMessage
	if err := gobDecode(data, &sketch); err != nil {
		return wire.SyncSketchMessage{}, false, fmt.Errorf("sqlstore: decode sketch: %w", err)
	}
	return sketch, true, nil
}

func (s *SQLStore) PutSketch(conv types.ConversationId, r wire.SyncRange, sketch wire.SyncSketchMessage) error {
	data, err := gobEncode(sketch)
	if err != nil {
		return fmt.Errorf("sqlstore: encode sketch: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO sketches (conv_id, epoch, min_rank, max_rank, data) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(conv_id, epoch, min_rank, max_rank) DO UPDATE SET data=excluded.data`,
		conv[:], r.Epoch, r.MinRank, r.MaxRank, data)
	return err
}

func (s *SQLStore) HasBlob(hash types.NodeHash) (bool, error) {
	var status int
	err := s.db.QueryRow(`SELECT status FROM blob_info WHERE hash = ?`, hash[:]).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("sqlstore: query blob_info: %w", err)
	}
	return wire.BlobStatus(status) == wire.BlobAvailable, nil
}

func (s *SQLStore) GetBlobInfo(hash types.NodeHash) (wire.BlobInfo, bool, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM blob_info WHERE hash = ?`, hash[:]).Scan(&data)
	if err == sql.ErrNoRows {
		return wire.BlobInfo{}, false, nil
	}
	if err != nil {
		return wire.BlobInfo{}, false, fmt.Errorf("sqlstore: query blob_info: %w", err)
	}
	var info wire.BlobInfo
	if err := gobDecode(data, &info); err != nil {
		return wire.BlobInfo{}, false, fmt.Errorf("sqlstore: decode blob_info: %w", err)
	}
	return info, true, nil
}

func (s *SQLStore) PutBlobInfo(info wire.BlobInfo) error {
	data, err := gobEncode(info)
	if err != nil {
		return fmt.Errorf("sqlstore: encode blob_info: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO blob_info (hash, status, data) VALUES (?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET status=excluded.status, data=excluded.data`,
		info.Hash[:], info.Status, data)
	return err
}

func (s *SQLStore) PutChunk(conv types.ConversationId, hash types.NodeHash, offset uint64, data []byte, proof []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO chunks (hash, offset, data, proof) VALUES (?, ?, ?, ?)
		ON CONFLICT(hash, offset) DO UPDATE SET data=excluded.data, proof=excluded.proof`,
		hash[:], offset, data, proof)
	return err
}

func (s *SQLStore) GetChunk(hash types.NodeHash, offset uint64, length uint64) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM chunks WHERE hash = ? AND offset = ?`, hash[:], offset).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: query chunk: %w", err)
	}
	if uint64(len(data)) != length {
		return nil, fmt.Errorf("sqlstore: chunk length mismatch: got %d want %d", len(data), length)
	}
	return data, nil
}

func (s *SQLStore) GetChunkWithProof(hash types.NodeHash, offset uint64, length uint64) ([]byte, []byte, error) {
	var data, proof []byte
	err := s.db.QueryRow(`SELECT data, proof FROM chunks WHERE hash = ? AND offset = ?`, hash[:], offset).Scan(&data, &proof)
	if err == sql.ErrNoRows {
		return nil, nil, store.ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("sqlstore: query chunk: %w", err)
	}
	if uint64(len(data)) != length {
		return nil, nil, fmt.Errorf("sqlstore: chunk length mismatch: got %d want %d", len(data), length)
	}
	return data, proof, nil
}

func (s *SQLStore) GetGlobalOffset() (int64, error) {
	var v int64
	err := s.db.QueryRow(`SELECT value FROM global_kv WHERE key = 'global_offset_ms'`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("sqlstore: query global offset: %w", err)
	}
	return v, nil
}

func (s *SQLStore) SetGlobalOffset(offsetMs int64) error {
	_, err := s.db.Exec(`
		INSERT INTO global_kv (key, value) VALUES ('global_offset_ms', ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value`, offsetMs)
	return err
}

var _ store.Store = (*SQLStore)(nil)
