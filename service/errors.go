package service

import (
	"errors"
	"fmt"

	"StoryToVideo-pipeline/models"
)

var (
	ErrPrecondition    = errors.New("precondition failed")
	ErrRemote          = errors.New("remote call failed")
	ErrParse           = errors.New("unparseable response")
	ErrNoImageData     = errors.New("no image data in response")
	ErrUpload          = errors.New("upload failed")
	ErrDownload        = errors.New("download failed")
	ErrConcat          = errors.New("concatenation failed")
	ErrEncode          = errors.New("media encoding failed")
	ErrNotFound        = models.ErrNotFound
	ErrAlreadyRunning  = errors.New("task already running")
	ErrNothingToExport = errors.New("nothing to export")
	ErrJobFailed       = errors.New("video job failed")
	ErrPollTimeout     = errors.New("video job polling timed out")
	ErrCancelled       = errors.New("task cancelled")
)

// TaskError 把失败归属到具体的任务类型与实体
type TaskError struct {
	Kind     TaskKind
	EntityID string
	Err      error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.EntityID, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// DownloadError 标明导出时哪个序号的片段下载失败
type DownloadError struct {
	SequenceNumber int
	URL            string
	Err            error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download clip #%d (%s): %v", e.SequenceNumber, e.URL, e.Err)
}

func (e *DownloadError) Unwrap() []error { return []error{ErrDownload, e.Err} }

// ConcatError 携带 ffmpeg 的 stderr
type ConcatError struct {
	ExitErr error
	Stderr  string
}

func (e *ConcatError) Error() string {
	return fmt.Sprintf("concat: %v: %s", e.ExitErr, e.Stderr)
}

func (e *ConcatError) Unwrap() []error { return []error{ErrConcat, e.ExitErr} }

// Retryable 只有远端错误值得重试；前置条件、解析失败等重试也不会变
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrPrecondition) ||
		errors.Is(err, ErrParse) || errors.Is(err, ErrNoImageData) {
		return false
	}
	return errors.Is(err, ErrRemote)
}
