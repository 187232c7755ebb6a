package ledger

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"chatbatch/pkg/contract"
)

// SQLiteMirror 将账本条目镜像到 SQLite，供按类别查询合计。
type SQLiteMirror struct {
	db *sql.DB
}

// OpenMirror 打开（必要时创建）镜像库。
func OpenMirror(path string) (*SQLiteMirror, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrapf(err, "ledger: mkdir for %s", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: open %s", path)
	}
	db.SetMaxOpenConns(1)
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "ledger: pragma %q", p)
		}
	}
	schema := `
		CREATE TABLE IF NOT EXISTS ledger (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			ts            TEXT    NOT NULL,
			unit_id       TEXT    NOT NULL,
			job_class     TEXT    NOT NULL,
			model         TEXT    NOT NULL,
			cost          REAL    NOT NULL,
			input_tokens  INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_ledger_class ON ledger(job_class);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, eris.Wrap(err, "ledger: migrate")
	}
	return &SQLiteMirror{db: db}, nil
}

// Close 关闭数据库。
func (m *SQLiteMirror) Close() error { return m.db.Close() }

// Insert 在单个事务内写入条目。
func (m *SQLiteMirror) Insert(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "ledger: begin")
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO ledger (ts, unit_id, job_class, model, cost, input_tokens, output_tokens) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return eris.Wrap(err, "ledger: prepare")
	}
	defer stmt.Close()
	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Timestamp.UTC().Format(time.RFC3339Nano), string(e.UnitID), string(e.JobClass), e.Model, e.Cost, e.InputTokens, e.OutputTokens); err != nil {
			_ = tx.Rollback()
			return eris.Wrapf(err, "ledger: insert %s", e.UnitID)
		}
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "ledger: commit")
	}
	return nil
}

// ClassSum 为单个类别的聚合。
type ClassSum struct {
	JobClass contract.JobClass
	Entries  int
	Cost     float64
}

// SumByClass 按类别名升序返回合计。
func (m *SQLiteMirror) SumByClass(ctx context.Context) ([]ClassSum, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT job_class, COUNT(*), COALESCE(SUM(cost), 0) FROM ledger GROUP BY job_class ORDER BY job_class`)
	if err != nil {
		return nil, eris.Wrap(err, "ledger: query")
	}
	defer rows.Close()
	var out []ClassSum
	for rows.Next() {
		var (
			s     ClassSum
			class string
		)
		if err := rows.Scan(&class, &s.Entries, &s.Cost); err != nil {
			return nil, eris.Wrap(err, "ledger: scan")
		}
		s.JobClass = contract.JobClass(class)
		out = append(out, s)
	}
	return out, eris.Wrap(rows.Err(), "ledger: rows")
}

// SumEntries 从 JSON 账本条目计算与 SumByClass 相同的聚合。
func SumEntries(entries []Entry) []ClassSum {
	idx := map[contract.JobClass]int{}
	var out []ClassSum
	for _, e := range entries {
		i, ok := idx[e.JobClass]
		if !ok {
			i = len(out)
			idx[e.JobClass] = i
			out = append(out, ClassSum{JobClass: e.JobClass})
		}
		out[i].Entries++
		out[i].Cost += e.Cost
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobClass < out[j].JobClass })
	return out
}
