package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// TaskRecord is the durable row for one task. Every filterable field carries
// an index.
type TaskRecord struct {
	ID          string `gorm:"primaryKey"`
	Origin      string `gorm:"index"`
	Status      string `gorm:"index"`
	Agent       string
	Mode        string
	WorkingDir  string `gorm:"index"`
	EnvID       string `gorm:"index"`
	ThreadID    string `gorm:"index"`
	UserID      string `gorm:"index"`
	CreatedAt   time.Time `gorm:"index"`
	StartedAt   *time.Time
	CompletedAt *time.Time
	Progress    string
	Result      string
	Outcome     string
	ExitCode    int
}

// Registry is the durable task ledger. It owns the sqlite connection; its
// lifecycle is tied to process start/stop and it is passed into the manager
// explicitly rather than referenced as a global.
type Registry struct {
	db      *gorm.DB
	log     *zap.SugaredLogger
	retries int
	backoff time.Duration
}

func openRegistry(path string, retries int, backoff time.Duration, log *zap.SugaredLogger) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	// Stat before the open touches the file: a fresh database has no history
	// worth backing up.
	hadData := pathExists(path)
	backup := path + ".bak"
	if hadData {
		if err := copyFile(path, backup); err != nil {
			return nil, fmt.Errorf("registry backup: %w", err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		if hadData {
			_ = os.Remove(backup)
		}
		return nil, fmt.Errorf("open registry: %w", err)
	}
	r := &Registry{db: db, log: log, retries: retries, backoff: backoff}
	if err := r.migrate(path, backup, hadData); err != nil {
		return nil, err
	}
	if n, err := r.reconcileInterrupted(); err != nil {
		log.Warnw("registry_reconcile_failed", "error", err)
	} else if n > 0 {
		log.Infow("registry_reconciled_interrupted", "count", n)
	}
	return r, nil
}

// migrate evolves the schema with a backup/restore fallback: a failed
// migration must not corrupt existing history. The connection is closed
// before a restore so the copy never races the live handle.
func (r *Registry) migrate(path, backup string, hadData bool) error {
	if err := r.db.AutoMigrate(&TaskRecord{}); err != nil {
		if hadData {
			if sqlDB, dbErr := r.db.DB(); dbErr == nil {
				_ = sqlDB.Close()
			}
			if restoreErr := copyFile(backup, path); restoreErr != nil {
				return fmt.Errorf("migrate failed (%v) and restore failed: %w", err, restoreErr)
			}
			_ = os.Remove(backup)
		}
		return fmt.Errorf("registry migrate: %w", err)
	}
	if hadData {
		_ = os.Remove(backup)
	}
	return nil
}

// reconcileInterrupted finalizes rows left pending or working by a previous
// process. Their supervising process is gone, so the only honest terminal
// state is unknown.
func (r *Registry) reconcileInterrupted() (int64, error) {
	now := time.Now().UTC()
	res := r.db.Model(&TaskRecord{}).
		Where("status IN ?", []string{string(StatusPending), string(StatusWorking)}).
		Updates(map[string]interface{}{
			"status":       string(StatusUnknown),
			"outcome":      OutcomeUnknown,
			"completed_at": now,
		})
	return res.RowsAffected, res.Error
}

func (r *Registry) CreateTask(t *Task) error {
	rec := recordFromTask(t)
	return r.withRetry("create", t.ID, func() error {
		return r.db.Create(&rec).Error
	})
}

// MarkWorking flips pending → working; the guard keeps the transition from
// stomping on a terminal row when a cancel raced the dequeue.
func (r *Registry) MarkWorking(id string, startedAt time.Time) error {
	return r.withRetry("mark_working", id, func() error {
		return r.db.Model(&TaskRecord{}).
			Where("id = ? AND status = ?", id, string(StatusPending)).
			Updates(map[string]interface{}{
				"status":     string(StatusWorking),
				"started_at": startedAt,
			}).Error
	})
}

// UpdateProgress persists a snapshot. Rows already terminal are never
// touched.
func (r *Registry) UpdateProgress(id string, snap ProgressSnapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return r.withRetry("progress", id, func() error {
		return r.db.Model(&TaskRecord{}).
			Where("id = ? AND status NOT IN ?", id, terminalStatusStrings()).
			Update("progress", string(payload)).Error
	})
}

// SetThreadID records the resumable thread id once the stream reveals it.
func (r *Registry) SetThreadID(id, threadID string) error {
	return r.withRetry("thread_id", id, func() error {
		return r.db.Model(&TaskRecord{}).
			Where("id = ? AND status NOT IN ?", id, terminalStatusStrings()).
			Update("thread_id", threadID).Error
	})
}

// FinalizeTask records the one and only terminal transition. It reports
// whether this call won the race; the loser's write is silently discarded.
func (r *Registry) FinalizeTask(id string, status TaskStatus, result TaskResult, snap ProgressSnapshot, completedAt time.Time) (bool, error) {
	resultPayload, err := json.Marshal(result)
	if err != nil {
		return false, err
	}
	progressPayload, err := json.Marshal(snap)
	if err != nil {
		return false, err
	}
	var won bool
	err = r.withRetry("finalize", id, func() error {
		res := r.db.Model(&TaskRecord{}).
			Where("id = ? AND status NOT IN ?", id, terminalStatusStrings()).
			Updates(map[string]interface{}{
				"status":       string(status),
				"outcome":      result.Outcome,
				"exit_code":    result.ExitCode,
				"result":       string(resultPayload),
				"progress":     string(progressPayload),
				"completed_at": completedAt,
			})
		won = res.RowsAffected > 0
		return res.Error
	})
	return won, err
}

func (r *Registry) GetTask(id string) (TaskRecord, bool, error) {
	var rec TaskRecord
	err := r.db.Where("id = ?", id).First(&rec).Error
	if err == gorm.ErrRecordNotFound {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, err
	}
	return rec, true, nil
}

// TaskQuery filters the ledger. Zero values mean "any".
type TaskQuery struct {
	Origin     string
	Status     string
	WorkingDir string
	EnvID      string
	ThreadID   string
	UserID     string
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func (r *Registry) ListTasks(q TaskQuery) ([]TaskRecord, int64, error) {
	tx := r.db.Model(&TaskRecord{})
	if q.Origin != "" {
		tx = tx.Where("origin = ?", q.Origin)
	}
	if q.Status != "" {
		tx = tx.Where("status = ?", q.Status)
	}
	if q.WorkingDir != "" {
		tx = tx.Where("working_dir = ?", q.WorkingDir)
	}
	if q.EnvID != "" {
		tx = tx.Where("env_id = ?", q.EnvID)
	}
	if q.ThreadID != "" {
		tx = tx.Where("thread_id = ?", q.ThreadID)
	}
	if q.UserID != "" {
		tx = tx.Where("user_id = ?", q.UserID)
	}
	if !q.Since.IsZero() {
		tx = tx.Where("created_at >= ?", q.Since)
	}
	if !q.Until.IsZero() {
		tx = tx.Where("created_at <= ?", q.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var recs []TaskRecord
	err := tx.Order("created_at desc").Limit(limit).Offset(offset).Find(&recs).Error
	return recs, total, err
}

func (r *Registry) CountByStatus() (map[string]int64, error) {
	type row struct {
		Status string
		N      int64
	}
	var rows []row
	err := r.db.Model(&TaskRecord{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := map[string]int64{}
	for _, rw := range rows {
		out[rw.Status] = rw.N
	}
	return out, nil
}

// Prune deletes terminal rows older than the retention window so storage
// stays bounded. Returns the number of rows removed.
func (r *Registry) Prune(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := r.db.Where("status IN ? AND completed_at < ?", terminalStatusStrings(), cutoff).
		Delete(&TaskRecord{})
	if res.Error == nil && res.RowsAffected > 0 {
		r.log.Infow("registry_pruned", "count", res.RowsAffected)
	}
	return res.RowsAffected, res.Error
}

// withRetry runs a write with bounded backoff. A write that still fails is
// surfaced as a degraded warning; the in-memory outcome is preserved either
// way.
func (r *Registry) withRetry(op, id string, fn func() error) error {
	backoff := r.backoff
	var err error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < r.retries {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	r.log.Warnw("registry_write_degraded", "op", op, "task", id, "error", err)
	return err
}

func recordFromTask(t *Task) TaskRecord {
	progress, _ := json.Marshal(t.Progress)
	return TaskRecord{
		ID:         t.ID,
		Origin:     string(t.Spec.Origin),
		Status:     string(t.Status),
		Agent:      t.Spec.Agent,
		Mode:       string(t.Spec.Mode),
		WorkingDir: t.Spec.Cwd,
		EnvID:      t.Spec.EnvID,
		ThreadID:   t.ThreadID,
		UserID:     t.Spec.UserID,
		CreatedAt:  t.CreatedAt,
		Progress:   string(progress),
	}
}

func terminalStatusStrings() []string {
	out := make([]string, 0, len(terminalStatuses))
	for _, s := range terminalStatuses {
		out = append(out, string(s))
	}
	return out
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
