package models

import "time"

// 画面比例，影响视频方向与分镜图构图
const (
	AspectLandscape = "16:9"
	AspectPortrait  = "9:16"
)

type Project struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Title       string    `json:"title"`
	Style       string    `json:"style"`
	AspectRatio string    `gorm:"type:varchar(16)" json:"aspectRatio"`
	SourcePath  string    `json:"sourcePath"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Orientation 把画面比例映射为视频接口的方向参数
func (p Project) Orientation() string {
	if p.AspectRatio == AspectLandscape {
		return "landscape"
	}
	return "portrait"
}

func (Project) TableName() string {
	return "project"
}
