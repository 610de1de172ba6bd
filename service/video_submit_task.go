package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"StoryToVideo-pipeline/models"
)

type VideoSubmitInput struct {
	ShotID         string
	SceneImagePath string
	Prompt         string
	Duration       string
	AspectRatio    string
}

// NewVideoSubmitInput 取出提交视频任务需要的字段副本
func NewVideoSubmitInput(shot models.Shot, project models.Project) VideoSubmitInput {
	return VideoSubmitInput{
		ShotID:         shot.ID,
		SceneImagePath: shot.SceneImagePath,
		Prompt:         shot.Prompt,
		Duration:       shot.Duration,
		AspectRatio:    project.AspectRatio,
	}
}

// VideoSubmitTask 上传场景图并提交视频生成任务，返回远端任务 id
type VideoSubmitTask struct {
	Client   GenerationClient
	Uploader ObjectUploader
	Model    string
}

// CheckVideoPreconditions 场景图文件必须存在且提示词非空
func CheckVideoPreconditions(in VideoSubmitInput) error {
	if strings.TrimSpace(in.Prompt) == "" {
		return fmt.Errorf("%w: shot %s has no prompt", ErrPrecondition, in.ShotID)
	}
	if strings.TrimSpace(in.SceneImagePath) == "" {
		return fmt.Errorf("%w: shot %s has no scene image", ErrPrecondition, in.ShotID)
	}
	info, err := os.Stat(in.SceneImagePath)
	if err != nil || info.IsDir() {
		return fmt.Errorf("%w: scene image %s is missing", ErrPrecondition, in.SceneImagePath)
	}
	return nil
}

func (t *VideoSubmitTask) Run(ctx context.Context, in VideoSubmitInput, progress func(string)) (string, error) {
	if err := CheckVideoPreconditions(in); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	progress("正在上传场景图")
	imageURL, err := t.Uploader.Upload(ctx, in.SceneImagePath)
	if err != nil {
		if errors.Is(err, ErrUpload) || ctx.Err() != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrUpload, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	progress("正在提交视频生成任务")
	orientation := models.Project{AspectRatio: in.AspectRatio}.Orientation()
	jobID, err := t.Client.SubmitVideoJob(ctx, VideoJobRequest{
		Model:           t.Model,
		ImageURL:        imageURL,
		Prompt:          in.Prompt,
		DurationSeconds: DurationSeconds(in.Duration),
		Orientation:     orientation,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(jobID) == "" {
		return "", fmt.Errorf("%w: job id missing from response", ErrRemote)
	}
	return jobID, nil
}
