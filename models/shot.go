package models

import (
	"time"
)

// VideoStatus 分镜视频生成状态
type VideoStatus string

const (
	VideoNotStarted VideoStatus = "not_started"
	VideoPending    VideoStatus = "pending"
	VideoProcessing VideoStatus = "processing"
	VideoCompleted  VideoStatus = "completed"
	VideoFailed     VideoStatus = "failed"
)

// 两种固定时长
const (
	DurationShort = "10s"
	DurationLong  = "15s"
)

func (s VideoStatus) rank() int {
	switch s {
	case VideoPending:
		return 1
	case VideoProcessing:
		return 2
	case VideoCompleted, VideoFailed:
		return 3
	default:
		return 0
	}
}

func (s VideoStatus) Terminal() bool {
	return s == VideoCompleted || s == VideoFailed
}

// InFlight 已提交、仍需轮询
func (s VideoStatus) InFlight() bool {
	return s == VideoPending || s == VideoProcessing
}

// CanTransition 状态只能前进；终态之间不互转。
// 重新生成走 ResetVideo，不经过这里。
func (s VideoStatus) CanTransition(to VideoStatus) bool {
	if s == to {
		return true
	}
	if s.Terminal() {
		return false
	}
	return to.rank() > s.rank()
}

type Shot struct {
	ID                string      `gorm:"primaryKey;type:varchar(64)" json:"id"`
	EpisodeId         string      `gorm:"index;type:varchar(64)" json:"episodeId"`
	SequenceNumber    int         `json:"sequenceNumber"`
	Title             string      `json:"title"`
	Duration          string      `gorm:"type:varchar(16)" json:"duration"`
	Dialogue          string      `json:"dialogue"`
	VisualDescription string      `json:"visualDescription"`
	CameraMovement    string      `json:"cameraMovement"`
	SceneImagePath    string      `json:"sceneImagePath"`
	Prompt            string      `json:"prompt"`
	VideoJobID        string      `gorm:"type:varchar(128)" json:"videoJobId"`
	VideoStatus       VideoStatus `gorm:"type:varchar(32)" json:"videoStatus"`
	VideoURL          string      `json:"videoUrl"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}

// 可按名字更新的列
const (
	FieldSceneImagePath = "scene_image_path"
	FieldPrompt         = "prompt"
	FieldVideoJobID     = "video_job_id"
	FieldVideoStatus    = "video_status"
	FieldVideoURL       = "video_url"
	FieldTitle          = "title"
	FieldDuration       = "duration"
	FieldDialogue       = "dialogue"
	FieldVisual         = "visual_description"
	FieldCameraMovement = "camera_movement"
	FieldPortraitPath   = "portrait_path"
	FieldVoiceID        = "voice_id"
	FieldRemoteID       = "remote_id"
	FieldRemoteUsername = "remote_username"
)

// ResetVideoFields 用户触发重新生成时把视频字段清零
func ResetVideoFields() map[string]interface{} {
	return map[string]interface{}{
		FieldVideoJobID:  "",
		FieldVideoStatus: string(VideoNotStarted),
		FieldVideoURL:    "",
	}
}

func (Shot) TableName() string {
	return "shot"
}
