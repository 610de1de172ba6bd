package models

import (
	"fmt"
	"time"
)

type Episode struct {
	ID         string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId  string    `gorm:"index;type:varchar(64)" json:"projectId"`
	Number     int       `json:"number"`
	Name       string    `json:"name"`
	SourcePath string    `json:"sourcePath"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Label 用于导出文件名：有名称用名称，否则用集数
func (e Episode) Label() string {
	if e.Name != "" {
		return e.Name
	}
	return fmt.Sprintf("EP%02d", e.Number)
}

func (Episode) TableName() string {
	return "episode"
}
