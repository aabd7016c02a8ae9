// Package topics implements the local topic store: a SQLite cache of the
// knowledge graph's topic hierarchy (topic -> member topics and member
// variables) plus display names.
//
// The store is read-mostly. It is filled once at startup from a topic
// cache file (or the embedded default) and then queried by the indicator
// ranker for topic membership, names, and known variables.
package topics

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/HendryAvila/datacommons-mcp/internal/kg"
	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

//go:embed default_topic_cache.json
var defaultCache []byte

// ErrUnknownTopic is returned when a DCID is not a topic in the store.
var ErrUnknownTopic = errors.New("unknown topic")

// ─── Types ───────────────────────────────────────────────────────────────────

// Topic is one node of the topic hierarchy.
type Topic struct {
	DCID            string   `json:"dcid"`
	Name            string   `json:"name"`
	MemberTopics    []string `json:"member_topics"`
	MemberVariables []string `json:"member_variables"`
}

// CacheNode is one entry of a topic cache file. Fields are lists because
// that is how the graph exports node properties.
type CacheNode struct {
	DCID                 []string `json:"dcid"`
	Name                 []string `json:"name"`
	TypeOf               []string `json:"typeOf"`
	RelevantVariableList []string `json:"relevantVariableList"`
	MemberList           []string `json:"memberList"`
}

// Cache is the on-disk topic cache format.
type Cache struct {
	Nodes []CacheNode `json:"nodes"`
}

// ImportResult holds counts of imported records.
type ImportResult struct {
	TopicsImported    int `json:"topics_imported"`
	VariablesImported int `json:"variables_imported"`
}

// Stats holds aggregate store statistics.
type Stats struct {
	Topics    int `json:"topics"`
	Variables int `json:"variables"`
}

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds topic store configuration.
type Config struct {
	DataDir string
	// CachePath is a topic cache JSON file. Empty means the embedded default.
	CachePath string
}

// DefaultConfig returns the default configuration for the topic store.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir: filepath.Join(home, ".datacommons-mcp"),
	}
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store is the topic cache backed by SQLite.
type Store struct {
	db    *sql.DB
	cfg   Config
	hooks storeHooks
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

type storeHooks struct {
	exec    func(db execer, query string, args ...any) (sql.Result, error)
	query   func(db queryer, query string, args ...any) (*sql.Rows, error)
	beginTx func(db *sql.DB) (*sql.Tx, error)
	commit  func(tx *sql.Tx) error
}

func defaultStoreHooks() storeHooks {
	return storeHooks{
		exec: func(db execer, query string, args ...any) (sql.Result, error) {
			return db.Exec(query, args...)
		},
		query: func(db queryer, query string, args ...any) (*sql.Rows, error) {
			return db.Query(query, args...)
		},
		beginTx: func(db *sql.DB) (*sql.Tx, error) {
			return db.Begin()
		},
		commit: func(tx *sql.Tx) error {
			return tx.Commit()
		},
	}
}

func (s *Store) execHook(db execer, query string, args ...any) (sql.Result, error) {
	if s.hooks.exec != nil {
		return s.hooks.exec(db, query, args...)
	}
	return db.Exec(query, args...)
}

func (s *Store) queryHook(db queryer, query string, args ...any) (*sql.Rows, error) {
	if s.hooks.query != nil {
		return s.hooks.query(db, query, args...)
	}
	return db.Query(query, args...)
}

func (s *Store) beginTxHook() (*sql.Tx, error) {
	if s.hooks.beginTx != nil {
		return s.hooks.beginTx(s.db)
	}
	return s.db.Begin()
}

func (s *Store) commitHook(tx *sql.Tx) error {
	if s.hooks.commit != nil {
		return s.hooks.commit(tx)
	}
	return tx.Commit()
}

// New creates a Store with the given configuration.
// It creates the data directory if needed, opens SQLite with WAL mode,
// runs migrations and loads the configured topic cache.
func New(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("topics: create data dir: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "topics.db")
	db, err := openDB("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("topics: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("topics: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, cfg: cfg, hooks: defaultStoreHooks()}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("topics: migration: %w", err)
	}

	cache, err := LoadCache(cfg.CachePath)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := s.Import(cache); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("topics: load cache: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Migrations ──────────────────────────────────────────────────────────────

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS topics (
			dcid TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS topic_members (
			topic_dcid  TEXT    NOT NULL REFERENCES topics(dcid) ON DELETE CASCADE,
			position    INTEGER NOT NULL,
			member_dcid TEXT    NOT NULL,
			member_kind TEXT    NOT NULL,
			PRIMARY KEY (topic_dcid, position)
		);

		CREATE INDEX IF NOT EXISTS idx_topic_members_member ON topic_members(member_dcid);

		CREATE TABLE IF NOT EXISTS names (
			dcid TEXT PRIMARY KEY,
			name TEXT NOT NULL
		);
	`
	if _, err := s.execHook(s.db, schema); err != nil {
		return err
	}
	return nil
}

// ─── Loading ─────────────────────────────────────────────────────────────────

// LoadCache reads a topic cache file. An empty path returns the embedded
// default cache.
func LoadCache(path string) (*Cache, error) {
	raw := defaultCache
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("topics: read cache %s: %w", path, err)
		}
		raw = b
	}
	var c Cache
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("topics: parse cache: %w", err)
	}
	return &c, nil
}

// Import replaces the store contents with the given cache. Nodes whose
// type is not Topic only contribute names.
func (s *Store) Import(c *Cache) (*ImportResult, error) {
	tx, err := s.beginTxHook()
	if err != nil {
		return nil, fmt.Errorf("import: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range []string{"DELETE FROM topic_members", "DELETE FROM topics", "DELETE FROM names"} {
		if _, err := s.execHook(tx, stmt); err != nil {
			return nil, fmt.Errorf("import: reset: %w", err)
		}
	}

	result := &ImportResult{}
	variables := make(map[string]bool)

	for _, n := range c.Nodes {
		dcid := first(n.DCID)
		if dcid == "" {
			continue
		}
		name := first(n.Name)
		if name != "" {
			if _, err := s.execHook(tx, `INSERT OR REPLACE INTO names (dcid, name) VALUES (?, ?)`, dcid, name); err != nil {
				return nil, fmt.Errorf("import name %s: %w", dcid, err)
			}
		}
		if !isTopicNode(n) {
			continue
		}

		if _, err := s.execHook(tx, `INSERT OR REPLACE INTO topics (dcid, name) VALUES (?, ?)`, dcid, name); err != nil {
			return nil, fmt.Errorf("import topic %s: %w", dcid, err)
		}
		result.TopicsImported++

		members := append(slices.Clone(n.RelevantVariableList), n.MemberList...)
		seen := make(map[string]bool, len(members))
		pos := 0
		for _, m := range members {
			if m == "" || seen[m] {
				continue
			}
			seen[m] = true
			kind := kg.KindOf(m)
			if kind == kg.KindVariable {
				variables[m] = true
			}
			_, err := s.execHook(tx,
				`INSERT INTO topic_members (topic_dcid, position, member_dcid, member_kind) VALUES (?, ?, ?, ?)`,
				dcid, pos, m, string(kind),
			)
			if err != nil {
				return nil, fmt.Errorf("import member %s of %s: %w", m, dcid, err)
			}
			pos++
		}
	}
	result.VariablesImported = len(variables)

	if err := s.commitHook(tx); err != nil {
		return nil, fmt.Errorf("import: commit: %w", err)
	}
	return result, nil
}

func isTopicNode(n CacheNode) bool {
	for _, t := range n.TypeOf {
		if t == "Topic" {
			return true
		}
	}
	return len(n.TypeOf) == 0 && kg.KindOf(first(n.DCID)) == kg.KindTopic
}

func first(vs []string) string {
	if len(vs) == 0 {
		return ""
	}
	return strings.TrimSpace(vs[0])
}

// ─── Queries ─────────────────────────────────────────────────────────────────

// Topic returns one topic with its members in cache order.
func (s *Store) Topic(dcid string) (*Topic, error) {
	rows, err := s.queryHook(s.db,
		`SELECT t.name, m.member_dcid, m.member_kind
		 FROM topics t LEFT JOIN topic_members m ON m.topic_dcid = t.dcid
		 WHERE t.dcid = ?
		 ORDER BY m.position`, dcid)
	if err != nil {
		return nil, fmt.Errorf("topic %s: %w", dcid, err)
	}
	defer rows.Close()

	var t *Topic
	for rows.Next() {
		var name string
		var member, kind sql.NullString
		if err := rows.Scan(&name, &member, &kind); err != nil {
			return nil, fmt.Errorf("topic %s: scan: %w", dcid, err)
		}
		if t == nil {
			t = &Topic{DCID: dcid, Name: name}
		}
		if !member.Valid {
			continue
		}
		if kg.IndicatorKind(kind.String) == kg.KindTopic {
			t.MemberTopics = append(t.MemberTopics, member.String)
		} else {
			t.MemberVariables = append(t.MemberVariables, member.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, dcid)
	}
	return t, nil
}

// HasVariable reports whether the variable is a member of any topic.
func (s *Store) HasVariable(dcid string) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM topic_members WHERE member_dcid = ? AND member_kind = ?`,
		dcid, string(kg.KindVariable),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has variable %s: %w", dcid, err)
	}
	return n > 0, nil
}

// Names returns the known display names for dcids. Unknown DCIDs are omitted.
func (s *Store) Names(dcids []string) (map[string]string, error) {
	out := make(map[string]string, len(dcids))
	if len(dcids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(dcids)), ",")
	args := make([]any, len(dcids))
	for i, d := range dcids {
		args[i] = d
	}
	rows, err := s.queryHook(s.db, `SELECT dcid, name FROM names WHERE dcid IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("names: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dcid, name string
		if err := rows.Scan(&dcid, &name); err != nil {
			return nil, fmt.Errorf("names: scan: %w", err)
		}
		out[dcid] = name
	}
	return out, rows.Err()
}

// Variables returns every variable reachable from the topic, depth-first
// in member order, without duplicates. Cycles in the cache are ignored.
func (s *Store) Variables(topicDCID string) ([]string, error) {
	var out []string
	seenVar := make(map[string]bool)
	visited := make(map[string]bool)

	var walk func(string) error
	walk = func(dcid string) error {
		if visited[dcid] {
			return nil
		}
		visited[dcid] = true
		t, err := s.Topic(dcid)
		if errors.Is(err, ErrUnknownTopic) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, v := range t.MemberVariables {
			if !seenVar[v] {
				seenVar[v] = true
				out = append(out, v)
			}
		}
		for _, sub := range t.MemberTopics {
			if err := walk(sub); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(topicDCID); err != nil {
		return nil, err
	}
	return out, nil
}

// Stats returns aggregate counts.
func (s *Store) Stats() (*Stats, error) {
	st := &Stats{}
	if err := s.db.QueryRow("SELECT COUNT(*) FROM topics").Scan(&st.Topics); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	err := s.db.QueryRow(
		"SELECT COUNT(DISTINCT member_dcid) FROM topic_members WHERE member_kind = ?",
		string(kg.KindVariable),
	).Scan(&st.Variables)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}
