// Package canonical 持久化规范序列：每个 (instrument, timeframe, 月份) 一个 SQLite 文件，
// 外加一个记录版本的 index.db。
package canonical

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	indexFile   = "index.db"
	blockLayout = "200601"
)

// Manifest 记录某个月份块的统计信息。
type Manifest struct {
	Instrument    string `json:"instrument"`
	Timeframe     string `json:"timeframe"`
	Block         string `json:"block"`
	MinTime       int64  `json:"min_time"`
	MaxTime       int64  `json:"max_time"`
	Rows          int64  `json:"rows"`
	LatestVersion int    `json:"latest_version"`
	LastSyncAt    int64  `json:"last_sync_at"`
	Path          string `json:"path"`
}

// VersionInfo 是 index.db 中的一条版本记录。
type VersionInfo struct {
	Version    int    `json:"version"`
	RunID      string `json:"run_id"`
	Digest     string `json:"digest"`
	RangeStart int64  `json:"range_start"`
	RangeEnd   int64  `json:"range_end"`
	CreatedAt  int64  `json:"created_at"`
}

type Store struct {
	root string
	now  func() time.Time

	mu  sync.Mutex
	dbs map[string]*sql.DB

	// 同一 instrument@timeframe 的写入串行
	writeMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("canonical root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, now: time.Now, dbs: make(map[string]*sql.DB), locks: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) Root() string { return s.root }

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for k, db := range s.dbs {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.dbs, k)
	}
	return firstErr
}

func (s *Store) seriesLock(instrument, timeframe string) *sync.Mutex {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	k := seriesDir(instrument, timeframe)
	l, ok := s.locks[k]
	if !ok {
		l = &sync.Mutex{}
		s.locks[k] = l
	}
	return l
}

func seriesDir(instrument, timeframe string) string {
	return filepath.Join(strings.ToUpper(instrument), strings.ToLower(timeframe))
}

func (s *Store) dir(instrument, timeframe string) string {
	return filepath.Join(s.root, seriesDir(instrument, timeframe))
}

// BlockOf 返回 ts 所在的月份块名（UTC）。
func BlockOf(ts int64) string {
	return time.UnixMilli(ts).UTC().Format(blockLayout)
}

func blockStart(block string) (int64, error) {
	t, err := time.ParseInLocation(blockLayout, block, time.UTC)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

// blocksIn 列出 [start,end) 覆盖的全部月份块。
func blocksIn(start, end int64) []string {
	if end <= start {
		return nil
	}
	var out []string
	t := time.UnixMilli(start).UTC()
	cur := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	for cur.UnixMilli() < end {
		out = append(out, cur.Format(blockLayout))
		cur = cur.AddDate(0, 1, 0)
	}
	return out
}

func (s *Store) open(path string, init func(*sql.DB) error) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[path]; ok && db != nil {
		return db, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := init(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.dbs[path] = db
	return db, nil
}

func (s *Store) blockDB(instrument, timeframe, block string) (*sql.DB, string, error) {
	if instrument == "" || timeframe == "" {
		return nil, "", fmt.Errorf("instrument/timeframe 不能为空")
	}
	path := filepath.Join(s.dir(instrument, timeframe), block+".db")
	db, err := s.open(path, func(db *sql.DB) error {
		return ensureBlockSchema(db, instrument, timeframe, block)
	})
	return db, path, err
}

// existingBlockDB 只打开已存在的块文件，避免读取时创建空文件。
func (s *Store) existingBlockDB(instrument, timeframe, block string) (*sql.DB, string, bool, error) {
	path := filepath.Join(s.dir(instrument, timeframe), block+".db")
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, path, false, nil
		}
		return nil, path, false, err
	}
	db, _, err := s.blockDB(instrument, timeframe, block)
	return db, path, err == nil, err
}

func (s *Store) indexDB(instrument, timeframe string) (*sql.DB, error) {
	if instrument == "" || timeframe == "" {
		return nil, fmt.Errorf("instrument/timeframe 不能为空")
	}
	return s.open(filepath.Join(s.dir(instrument, timeframe), indexFile), ensureIndexSchema)
}

// Blocks 列出已存在的月份块（升序）。
func (s *Store) Blocks(instrument, timeframe string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir(instrument, timeframe), "*.db"))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, m := range matches {
		name := strings.TrimSuffix(filepath.Base(m), ".db")
		if _, err := blockStart(name); err != nil {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Series 列出已存储的 instrument@timeframe。
func (s *Store) Series() ([][2]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, "*", "*", indexFile))
	if err != nil {
		return nil, err
	}
	out := make([][2]string, 0, len(matches))
	for _, m := range matches {
		tfDir := filepath.Dir(m)
		out = append(out, [2]string{filepath.Base(filepath.Dir(tfDir)), filepath.Base(tfDir)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out, nil
}

func (s *Store) refreshManifest(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE manifest
		SET min_time = (SELECT COALESCE(MIN(open_time), 0) FROM entries),
		    max_time = (SELECT COALESCE(MAX(open_time), 0) FROM entries),
		    rows = (SELECT COUNT(1) FROM entries),
		    latest_version = (SELECT COALESCE(MAX(version), 0) FROM entries),
		    last_sync_at = ?
		WHERE id = 1`, s.now().UnixMilli())
	return err
}

func ensureBlockSchema(db *sql.DB, instrument, timeframe, block string) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			version    INTEGER NOT NULL,
			open_time  INTEGER NOT NULL,
			provenance TEXT NOT NULL DEFAULT '',
			rule       TEXT NOT NULL DEFAULT '',
			missing    TEXT NOT NULL DEFAULT '',
			open       REAL,
			high       REAL,
			low        REAL,
			close      REAL,
			volume     REAL,
			bid_open   REAL,
			bid_high   REAL,
			bid_low    REAL,
			bid_close  REAL,
			ask_open   REAL,
			ask_high   REAL,
			ask_low    REAL,
			ask_close  REAL,
			inserted_at INTEGER NOT NULL DEFAULT (strftime('%s','now') * 1000),
			PRIMARY KEY (version, open_time)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_entries_open_time ON entries(open_time, version);`,
		`CREATE TABLE IF NOT EXISTS manifest (
			id INTEGER PRIMARY KEY CHECK (id=1),
			instrument TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			block TEXT NOT NULL,
			min_time INTEGER DEFAULT 0,
			max_time INTEGER DEFAULT 0,
			rows INTEGER DEFAULT 0,
			latest_version INTEGER DEFAULT 0,
			last_sync_at INTEGER DEFAULT 0
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	_, err := db.Exec(`INSERT INTO manifest (id, instrument, timeframe, block) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET instrument=excluded.instrument, timeframe=excluded.timeframe, block=excluded.block;`,
		strings.ToUpper(instrument), strings.ToLower(timeframe), block)
	return err
}

func ensureIndexSchema(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS versions (
		version     INTEGER PRIMARY KEY,
		run_id      TEXT NOT NULL DEFAULT '',
		digest      TEXT NOT NULL DEFAULT '',
		range_start INTEGER NOT NULL,
		range_end   INTEGER NOT NULL,
		created_at  INTEGER NOT NULL
	);`)
	return err
}
