package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"

	"github.com/abdrafdev/agrimind/internal/model"
)

// SQLiteStore is the durable event log. The ledger is the system's only
// required durable state: the full history and the hash chain are
// reconstructable from this table alone.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the log at path. Use ":memory:" for
// an ephemeral database.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger sqlite: open %s: %w", path, err)
	}
	// Appends are serialized upstream; one connection keeps SQLite's
	// locking out of the picture.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS ledger_events (
		seq INTEGER PRIMARY KEY,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload BLOB NOT NULL,
		mode TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		negotiation_id TEXT,
		agents TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_ledger_events_negotiation
		ON ledger_events (negotiation_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_events_type
		ON ledger_events (event_type);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("ledger sqlite: migrate: %w", err)
	}
	return nil
}

// Append inserts one event. The seq primary key rejects duplicates, so a
// racing second writer fails loudly instead of forking the chain.
func (s *SQLiteStore) Append(ctx context.Context, ev model.LedgerEvent, refs eventRefs) error {
	var negID any
	if refs.NegotiationID != nil {
		negID = refs.NegotiationID.String()
	}
	// Agents stored comma-wrapped (",a,b,") so membership is one LIKE.
	agents := ""
	if len(refs.Agents) > 0 {
		agents = "," + strings.Join(refs.Agents, ",") + ","
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_events (seq, prev_hash, hash, event_type, payload, mode, timestamp, negotiation_id, agents)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.Seq, ev.PrevHash, ev.Hash, string(ev.EventType), []byte(ev.Payload),
		string(ev.Mode), ev.Timestamp.UTC().Format(time.RFC3339Nano), negID, agents,
	)
	if err != nil {
		return fmt.Errorf("ledger sqlite: insert seq %d: %w", ev.Seq, err)
	}
	return nil
}

// Last returns the highest-seq event.
func (s *SQLiteStore) Last(ctx context.Context) (model.LedgerEvent, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, prev_hash, hash, event_type, payload, mode, timestamp
		 FROM ledger_events ORDER BY seq DESC LIMIT 1`)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.LedgerEvent{}, false, nil
	}
	if err != nil {
		return model.LedgerEvent{}, false, err
	}
	return ev, true, nil
}

// Query returns matching events ordered by seq ascending.
func (s *SQLiteStore) Query(ctx context.Context, f Filter) ([]model.LedgerEvent, error) {
	var conds []string
	var args []any

	if f.FromSeq > 0 {
		conds = append(conds, "seq >= ?")
		args = append(args, f.FromSeq)
	}
	if f.ToSeq > 0 {
		conds = append(conds, "seq <= ?")
		args = append(args, f.ToSeq)
	}
	if len(f.EventTypes) > 0 {
		ph := make([]string, len(f.EventTypes))
		for i, t := range f.EventTypes {
			ph[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, "event_type IN ("+strings.Join(ph, ",")+")")
	}
	if f.NegotiationID != nil {
		conds = append(conds, "negotiation_id = ?")
		args = append(args, f.NegotiationID.String())
	}
	if f.AgentID != "" {
		conds = append(conds, "agents LIKE ?")
		args = append(args, "%,"+f.AgentID+",%")
	}

	query := `SELECT seq, prev_hash, hash, event_type, payload, mode, timestamp FROM ledger_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger sqlite: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.LedgerEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger sqlite: rows: %w", err)
	}
	return events, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (model.LedgerEvent, error) {
	var ev model.LedgerEvent
	var eventType, mode, ts string
	var payload []byte
	if err := row.Scan(&ev.Seq, &ev.PrevHash, &ev.Hash, &eventType, &payload, &mode, &ts); err != nil {
		return model.LedgerEvent{}, err
	}
	ev.EventType = model.EventType(eventType)
	ev.Payload = json.RawMessage(payload)
	ev.Mode = model.Mode(mode)
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return model.LedgerEvent{}, fmt.Errorf("ledger sqlite: bad timestamp %q: %w", ts, err)
	}
	ev.Timestamp = parsed
	return ev, nil
}

// extractRefs pulls queryable references out of a payload. Payload shapes
// vary by event type; the fields below are the shared vocabulary.
func extractRefs(payload []byte) eventRefs {
	var probe struct {
		NegotiationID *uuid.UUID `json:"negotiation_id"`
		SenderID      string     `json:"sender_id"`
		BuyerID       string     `json:"buyer_id"`
		SellerID      string     `json:"seller_id"`
		Participants  []string   `json:"participants"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return eventRefs{}
	}
	refs := eventRefs{NegotiationID: probe.NegotiationID}
	seen := make(map[string]bool)
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			refs.Agents = append(refs.Agents, id)
		}
	}
	add(probe.SenderID)
	add(probe.BuyerID)
	add(probe.SellerID)
	for _, p := range probe.Participants {
		add(p)
	}
	return refs
}
