package api

import (
	"errors"
	"net/http"

	"StoryToVideo-pipeline/models"
	"StoryToVideo-pipeline/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 持有接口层需要的全部依赖
type Handler struct {
	Pipeline *service.Pipeline
	Store    *models.Store
	Bus      *service.Bus
	// TextDir 保存上传的原文
	TextDir string
	// DefaultAspect 创建项目未指定画面比例时使用
	DefaultAspect string
}

// statusFor 把领域错误映射成 HTTP 状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, service.ErrPrecondition):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNothingToExport):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrRemote), errors.Is(err, service.ErrUpload),
		errors.Is(err, service.ErrParse), errors.Is(err, service.ErrNoImageData):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

// respondTask 启动类接口统一返回 202 与任务 id
func respondTask(c *gin.Context, entityKey, entityID, taskID string) {
	c.JSON(http.StatusAccepted, gin.H{
		"task_id": taskID,
		entityKey: entityID,
		"message": "任务已创建",
	})
}
