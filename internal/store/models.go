// Package store is the persistence adapter: it maps model.Task records,
// QoS projections, and notification metadata onto a relational store via
// gorm.io/gorm over the pure-Go glebarez/sqlite driver, and answers the
// bulk/partial queries the scheduler and running queue need without
// loading a full task.
package store

import (
	"encoding/json"
	"time"
)

// requestTaskRow is the gorm model for the request_task table (§6).
type requestTaskRow struct {
	TaskID   uint32 `gorm:"primaryKey;column:task_id"`
	UID      string `gorm:"index;column:uid"`
	Bundle   string `gorm:"column:bundle"`
	Action   int    `gorm:"index;column:action"`
	Mode     int    `gorm:"index;column:mode"`
	State    int    `gorm:"index;column:state"`
	Reason   int    `gorm:"column:reason"`
	CTime    time.Time `gorm:"index;column:ctime"`
	MTime    time.Time `gorm:"column:mtime"`
	Tries    int    `gorm:"column:tries"`
	Priority int    `gorm:"column:priority"`

	// ConfigJSON and ProgressJSON hold the serialized model.Config and
	// model.Progress blobs; they are opaque to SQL and only the adapter
	// (de)serializes them. PerFileJSON mirrors model.PerFileStatus.
	ConfigJSON   string `gorm:"column:config_json"`
	ProgressJSON string `gorm:"column:progress_json"`
	PerFileJSON  string `gorm:"column:per_file_json"`

	WaitingNetworkAt *time.Time `gorm:"column:waiting_network_at"`
}

func (requestTaskRow) TableName() string { return "request_task" }

// taskNotificationContentRow is task_notification_content(task_id pk, title, text).
type taskNotificationContentRow struct {
	TaskID uint32 `gorm:"primaryKey;column:task_id"`
	Title  string `gorm:"column:title"`
	Text   string `gorm:"column:text"`
}

func (taskNotificationContentRow) TableName() string { return "task_notification_content" }

// groupNotificationRow is group_notification(task_id pk, group_id).
type groupNotificationRow struct {
	TaskID  uint32 `gorm:"primaryKey;column:task_id"`
	GroupID uint32 `gorm:"index;column:group_id"`
}

func (groupNotificationRow) TableName() string { return "group_notification" }

// groupNotificationConfigRow is group_notification_config(group_id pk, gauge, attach_able, ctime).
type groupNotificationConfigRow struct {
	GroupID    uint32    `gorm:"primaryKey;column:group_id"`
	Gauge      bool      `gorm:"column:gauge"`
	AttachAble bool      `gorm:"column:attach_able"`
	CTime      time.Time `gorm:"column:ctime"`
}

func (groupNotificationConfigRow) TableName() string { return "group_notification_config" }

// groupNotificationContentRow is group_notification_content(group_id pk, title, text).
type groupNotificationContentRow struct {
	GroupID uint32 `gorm:"primaryKey;column:group_id"`
	Title   string `gorm:"column:title"`
	Text    string `gorm:"column:text"`
}

func (groupNotificationContentRow) TableName() string { return "group_notification_content" }

// taskConfigRow is task_config(task_id pk, display).
type taskConfigRow struct {
	TaskID  uint32 `gorm:"primaryKey;column:task_id"`
	Display string `gorm:"column:display"`
}

func (taskConfigRow) TableName() string { return "task_config" }

func marshalJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalJSON(s string, v interface{}) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
