package store

import (
	"errors"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rescale/taskengine/internal/model"
)

// ErrNotFound is returned by GetTask when no row matches the task id.
var ErrNotFound = errors.New("store: task not found")

// Store is the one concrete persistence adapter: every mutating call is a
// synchronous, row-level-atomic SQLite transaction invoked from the event
// loop's goroutine, except PurgeOlderThan, which the GC sweep calls from
// its own goroutine.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if absent) the SQLite database at path and migrates
// the request_task and companion tables.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(
		&requestTaskRow{},
		&taskNotificationContentRow{},
		&groupNotificationRow{},
		&groupNotificationConfigRow{},
		&groupNotificationContentRow{},
		&taskConfigRow{},
	); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(t *model.Task) *requestTaskRow {
	var waitingAt *time.Time
	if !t.Status.WaitingNetworkAt.IsZero() {
		w := t.Status.WaitingNetworkAt
		waitingAt = &w
	}
	return &requestTaskRow{
		TaskID:           t.ID,
		UID:              t.Config.UID,
		Bundle:           t.Config.Bundle,
		Action:           int(t.Config.Action),
		Mode:             int(t.Config.Mode),
		State:            int(t.Status.State),
		Reason:           int(t.Status.Reason),
		CTime:            t.CTime,
		MTime:            t.Status.MTime,
		Tries:            t.Tries,
		Priority:         t.Config.Priority,
		ConfigJSON:       marshalJSON(t.Config),
		ProgressJSON:     marshalJSON(t.Progress),
		PerFileJSON:      marshalJSON(t.PerFile),
		WaitingNetworkAt: waitingAt,
	}
}

func fromRow(r *requestTaskRow) (*model.Task, error) {
	t := &model.Task{
		ID:    r.TaskID,
		CTime: r.CTime,
		Tries: r.Tries,
		Status: model.Status{
			State:  model.State(r.State),
			Reason: model.Reason(r.Reason),
			MTime:  r.MTime,
		},
	}
	if r.WaitingNetworkAt != nil {
		t.Status.WaitingNetworkAt = *r.WaitingNetworkAt
	}
	if err := unmarshalJSON(r.ConfigJSON, &t.Config); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(r.ProgressJSON, &t.Progress); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(r.PerFileJSON, &t.PerFile); err != nil {
		return nil, err
	}
	return t, nil
}

// CreateTask inserts a new task row. Callers assign Task.ID before calling.
func (s *Store) CreateTask(t *model.Task) error {
	return s.db.Create(toRow(t)).Error
}

// UpdateTask replaces the whole row for t.ID. Used on every state-changing
// transition (§9 "Persistence timing"), before the corresponding event is
// emitted, so crash recovery never observes an event with no durable cause.
func (s *Store) UpdateTask(t *model.Task) error {
	return s.db.Save(toRow(t)).Error
}

// GetTask loads one task by id.
func (s *Store) GetTask(id uint32) (*model.Task, error) {
	var row requestTaskRow
	if err := s.db.First(&row, "task_id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return fromRow(&row)
}

// DeleteTask purges a task row immediately. remove() does not call it: per
// the "fully tracked until GC" reading of §9's open question, remove()
// marks Removed and emits the event, and GC deletes the row later (see
// PurgeOlderThan).
func (s *Store) DeleteTask(id uint32) error {
	return s.db.Delete(&requestTaskRow{}, "task_id = ?", id).Error
}

// ListQoSEntries projects the non-terminal rows for the given action into
// the compact QosEntry shape the QoS model sorts over, without loading
// config/progress blobs.
func (s *Store) ListQoSEntries(action model.Action) ([]model.QosEntry, error) {
	var rows []requestTaskRow
	nonTerminal := []int{
		int(model.StateInitialized), int(model.StateWaiting),
		int(model.StateRunning), int(model.StateRetrying),
	}
	if err := s.db.
		Select("task_id", "uid", "action", "mode", "state", "priority", "ctime").
		Where("action = ? AND state IN ?", int(action), nonTerminal).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]model.QosEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.QosEntry{
			UID:      r.UID,
			TaskID:   r.TaskID,
			Action:   model.Action(r.Action),
			Mode:     model.Mode(r.Mode),
			State:    model.State(r.State),
			Priority: r.Priority,
			CTime:    r.CTime,
		})
	}
	return out, nil
}

// SearchTasks returns task ids matching f; zero-value Filter fields are
// unconstrained.
func (s *Store) SearchTasks(f model.Filter) ([]uint32, error) {
	q := s.db.Model(&requestTaskRow{})
	if f.Bundle != "" {
		q = q.Where("bundle = ?", f.Bundle)
	}
	if !f.Before.IsZero() {
		q = q.Where("ctime < ?", f.Before)
	}
	if !f.After.IsZero() {
		q = q.Where("ctime > ?", f.After)
	}
	if f.State != nil {
		q = q.Where("state = ?", int(*f.State))
	}
	if f.Action != nil {
		q = q.Where("action = ?", int(*f.Action))
	}
	if f.Mode != nil {
		q = q.Where("mode = ?", int(*f.Mode))
	}

	var rows []requestTaskRow
	if err := q.Select("task_id").Order("ctime asc, task_id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.TaskID)
	}
	return ids, nil
}

// CountNonTerminal counts a uid's non-terminal tasks in mode, for the
// per-app admission quota check at construct() time.
func (s *Store) CountNonTerminal(uid string, mode model.Mode) (int64, error) {
	nonTerminal := []int{
		int(model.StateInitialized), int(model.StateWaiting),
		int(model.StateRunning), int(model.StateRetrying),
		int(model.StatePaused), int(model.StateStopped),
	}
	var count int64
	err := s.db.Model(&requestTaskRow{}).
		Where("uid = ? AND mode = ? AND state IN ?", uid, int(mode), nonTerminal).
		Count(&count).Error
	return count, err
}

// PurgeOlderThan deletes terminal task rows (and orphan group rows) whose
// mtime/ctime predates the cutoff — the weekly GC sweep of §6.
func (s *Store) PurgeOlderThan(cutoff time.Time) (int64, error) {
	terminal := []int{int(model.StateCompleted), int(model.StateFailed), int(model.StateRemoved)}
	res := s.db.Where("state IN ? AND mtime < ?", terminal, cutoff).Delete(&requestTaskRow{})
	if res.Error != nil {
		return 0, res.Error
	}

	var orphanGroups []uint32
	s.db.Model(&groupNotificationConfigRow{}).
		Where("ctime < ? AND group_id NOT IN (?)", cutoff,
			s.db.Model(&groupNotificationRow{}).Select("group_id")).
		Pluck("group_id", &orphanGroups)
	if len(orphanGroups) > 0 {
		s.db.Delete(&groupNotificationConfigRow{}, "group_id IN ?", orphanGroups)
		s.db.Delete(&groupNotificationContentRow{}, "group_id IN ?", orphanGroups)
	}

	return res.RowsAffected, nil
}
