package service

import (
	"context"
)

// ImageResult 图像生成结果：内联字节或远程地址二选一
type ImageResult struct {
	Data     []byte
	MIMEType string
	URL      string
}

type VideoJobRequest struct {
	Model           string
	ImageURL        string
	Prompt          string
	DurationSeconds int
	Orientation     string
}

// VideoJobStatus 轮询结果。状态与地址可能在顶层，也可能在 detail 里。
type VideoJobStatus struct {
	Status string
	URL    string
	Detail *VideoJobDetail
}

type VideoJobDetail struct {
	Status string
	URL    string
}

// RemoteCharacter 远端注册后的角色身份，提示词里以 @Username 引用
type RemoteCharacter struct {
	ID       string
	Username string
}

// GenerationClient 远程生成服务。非 2xx 返回 ErrRemote；任务不存在返回 ErrNotFound。
type GenerationClient interface {
	GenerateText(ctx context.Context, prompt, model string) (string, error)
	GenerateImage(ctx context.Context, prompt, model string) (*ImageResult, error)
	SubmitVideoJob(ctx context.Context, req VideoJobRequest) (string, error)
	PollVideoJob(ctx context.Context, jobID string) (*VideoJobStatus, error)
	CreateCharacter(ctx context.Context, videoURL, timestamps string) (*RemoteCharacter, error)
}

// ObjectUploader 上传本地文件并返回可公开访问的地址，失败返回 ErrUpload
type ObjectUploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
}
