package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// 任务状态（在系统中统一使用这些状态）
const (
	// processing: 任务正在执行中
	TaskStatusProcessing = "processing"
	TaskStatusSuccess    = "finished"
	TaskStatusFailed     = "failed"
	// cancelled: 任务被用户/系统取消（例如删除分镜时取消正在轮询的任务）
	TaskStatusCancelled = "cancelled"
)

// TaskRun 记录一次编排任务的执行历史
type TaskRun struct {
	ID         string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Kind       string     `gorm:"type:varchar(32);index:idx_task_entity" json:"kind"`
	EntityID   string     `gorm:"type:varchar(64);index:idx_task_entity" json:"entityId"`
	Status     string     `gorm:"type:varchar(32)" json:"status"`
	Message    string     `json:"message"`
	Result     TaskResult `gorm:"type:json" json:"result"`
	Error      string     `json:"error"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// TaskResult 仅保留最小资源定位信息
type TaskResult struct {
	ResourceType string `json:"resource_type,omitempty"` // e.g., "image", "video", "shots"
	ResourceId   string `json:"resource_id,omitempty"`
	ResourceUrl  string `json:"resource_url,omitempty"`
}

// 实现 driver.Valuer 接口: Go Struct -> JSON String (存入数据库)
func (r TaskResult) Value() (driver.Value, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// 实现 sql.Scanner 接口: JSON String -> Go Struct (从数据库读取)
func (r *TaskResult) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, r)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), r)
	default:
		return fmt.Errorf("failed to unmarshal task result: %v", value)
	}
}

// 强制指定表名为 "task_run"
func (TaskRun) TableName() string {
	return "task_run"
}
