package database

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// StatRow 一天内某个来源与音色的合成统计。
type StatRow struct {
	Date    string  `json:"date"`
	Source  string  `json:"source"`
	VoiceID string  `json:"voice_id"`
	Count   int     `json:"count"`
	Seconds float64 `json:"seconds"`
}

// StatsStore 合成使用统计（SQLite）。
type StatsStore struct {
	db  *DB
	now func() time.Time
}

// NewStatsStore 创建统计存储，调用前需已执行 Migrate。
func NewStatsStore(db *DB) *StatsStore {
	return &StatsStore{db: db, now: time.Now}
}

// Record 累加一次成功合成。
func (s *StatsStore) Record(source, voiceID string, seconds float64) error {
	date := s.now().Format(dateLayout)
	_, err := s.db.Exec(`INSERT INTO synthesis_stats (source, voice_id, date, count, seconds) VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(source, voice_id, date) DO UPDATE SET count = count + 1, seconds = seconds + excluded.seconds`,
		source, voiceID, date, seconds)
	if err != nil {
		return fmt.Errorf("记录合成统计失败: %w", err)
	}
	return nil
}

// Summary 返回最近 days 天（含今天）的统计，按日期倒序。days <= 0 返回全部。
func (s *StatsStore) Summary(days int) ([]StatRow, error) {
	query := `SELECT date, source, voice_id, count, seconds FROM synthesis_stats`
	var args []interface{}
	if days > 0 {
		since := s.now().AddDate(0, 0, -(days - 1)).Format(dateLayout)
		query += ` WHERE date >= ?`
		args = append(args, since)
	}
	query += ` ORDER BY date DESC, count DESC, source, voice_id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询合成统计失败: %w", err)
	}
	defer rows.Close()

	var out []StatRow
	for rows.Next() {
		var r StatRow
		if err := rows.Scan(&r.Date, &r.Source, &r.VoiceID, &r.Count, &r.Seconds); err != nil {
			return nil, fmt.Errorf("读取合成统计失败: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TotalsBySource 按来源汇总全部合成次数。
func (s *StatsStore) TotalsBySource() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT source, SUM(count) FROM synthesis_stats GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("汇总合成统计失败: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var source string
		var n int
		if err := rows.Scan(&source, &n); err != nil {
			return nil, err
		}
		out[source] = n
	}
	return out, rows.Err()
}
