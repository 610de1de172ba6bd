package api

import (
	"net/http"
	"strings"

	"StoryToVideo-pipeline/models"
	"StoryToVideo-pipeline/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// 获取分镜列表：GET /v1/api/episodes/:episode_id/shots
func (h *Handler) GetShots(c *gin.Context) {
	ctx := c.Request.Context()
	episodeID := c.Param("episode_id")
	if _, err := h.Store.GetEpisode(ctx, episodeID); err != nil {
		respondError(c, err)
		return
	}
	shots, err := h.Store.ListShots(ctx, episodeID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"shots":       shots,
		"episode_id":  episodeID,
		"total_shots": len(shots),
	})
}

// 获取分镜详情：GET /v1/api/shots/:shot_id
func (h *Handler) GetShotDetail(c *gin.Context) {
	shot, err := h.Store.GetShot(c.Request.Context(), c.Param("shot_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"shot": shot})
}

// 编辑分镜脚本字段或提示词：PATCH /v1/api/shots/:shot_id
func (h *Handler) UpdateShot(c *gin.Context) {
	shotID := c.Param("shot_id")
	var req struct {
		Title             *string `json:"title"`
		Duration          *string `json:"duration"`
		Dialogue          *string `json:"dialogue"`
		VisualDescription *string `json:"visual_description"`
		CameraMovement    *string `json:"camera_movement"`
		Prompt            *string `json:"prompt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	fields := map[string]interface{}{}
	set := func(key string, v *string) {
		if v != nil {
			fields[key] = strings.TrimSpace(*v)
		}
	}
	set(models.FieldTitle, req.Title)
	set(models.FieldDialogue, req.Dialogue)
	set(models.FieldVisual, req.VisualDescription)
	set(models.FieldCameraMovement, req.CameraMovement)
	set(models.FieldPrompt, req.Prompt)
	if req.Duration != nil {
		fields[models.FieldDuration] = service.NormalizeDuration(*req.Duration)
	}
	if len(fields) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "没有需要更新的字段"})
		return
	}

	ctx := c.Request.Context()
	if err := h.Store.UpdateShotFields(ctx, shotID, fields); err != nil {
		respondError(c, err)
		return
	}
	shot, err := h.Store.GetShot(ctx, shotID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"shot": shot})
}

// 删除分镜：先取消该分镜上所有任务
func (h *Handler) DeleteShot(c *gin.Context) {
	shotID := c.Param("shot_id")
	if err := h.Pipeline.DeleteShot(c.Request.Context(), shotID); err != nil {
		respondError(c, err)
		return
	}
	log.Info().Str("shot_id", shotID).Msg("shot deleted")
	c.JSON(http.StatusOK, gin.H{"message": "分镜已删除", "shot_id": shotID})
}

// 取消分镜上的全部任务：DELETE /v1/api/shots/:shot_id/tasks
func (h *Handler) CancelShotTasks(c *gin.Context) {
	shotID := c.Param("shot_id")
	n := h.Pipeline.CancelShot(shotID)
	c.JSON(http.StatusOK, gin.H{"shot_id": shotID, "cancelled": n})
}

// 生成单个分镜的场景图：POST /v1/api/shots/:shot_id/scene-image
func (h *Handler) GenerateSceneImage(c *gin.Context) {
	shotID := c.Param("shot_id")
	taskID, err := h.Pipeline.GenerateSceneImage(c.Request.Context(), shotID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondTask(c, "shot_id", shotID, taskID)
}

// 组合单个分镜的提示词（同步）：POST /v1/api/shots/:shot_id/prompt
func (h *Handler) ComposePrompt(c *gin.Context) {
	shotID := c.Param("shot_id")
	prompt, err := h.Pipeline.ComposePrompt(c.Request.Context(), shotID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"shot_id": shotID, "prompt": prompt})
}

// 提交视频生成：POST /v1/api/shots/:shot_id/video
func (h *Handler) GenerateShotVideo(c *gin.Context) {
	shotID := c.Param("shot_id")
	taskID, err := h.Pipeline.SubmitVideo(c.Request.Context(), shotID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondTask(c, "shot_id", shotID, taskID)
}

// 重新生成视频：POST /v1/api/shots/:shot_id/video/regenerate
func (h *Handler) RegenerateShotVideo(c *gin.Context) {
	shotID := c.Param("shot_id")
	taskID, err := h.Pipeline.RegenerateVideo(c.Request.Context(), shotID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondTask(c, "shot_id", shotID, taskID)
}

// 剧集级操作

// 生成分镜脚本：POST /v1/api/episodes/:episode_id/script
func (h *Handler) GenerateScript(c *gin.Context) {
	episodeID := c.Param("episode_id")
	taskID, err := h.Pipeline.GenerateScript(c.Request.Context(), episodeID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondTask(c, "episode_id", episodeID, taskID)
}

// 批量操作逐个分镜提交，返回每个分镜的结果
func (h *Handler) batch(c *gin.Context, run func(*service.Pipeline, *gin.Context, string) ([]service.BatchItem, error)) {
	episodeID := c.Param("episode_id")
	items, err := run(h.Pipeline, c, episodeID)
	if err != nil {
		respondError(c, err)
		return
	}
	submitted := 0
	for _, it := range items {
		if it.TaskID != "" {
			submitted++
		}
	}
	c.JSON(http.StatusOK, gin.H{"episode_id": episodeID, "items": items, "submitted": submitted})
}

// POST /v1/api/episodes/:episode_id/scene-images
func (h *Handler) GenerateSceneImages(c *gin.Context) {
	h.batch(c, func(p *service.Pipeline, c *gin.Context, id string) ([]service.BatchItem, error) {
		return p.GenerateSceneImages(c.Request.Context(), id)
	})
}

// POST /v1/api/episodes/:episode_id/prompts
func (h *Handler) ComposePrompts(c *gin.Context) {
	h.batch(c, func(p *service.Pipeline, c *gin.Context, id string) ([]service.BatchItem, error) {
		return p.ComposePrompts(c.Request.Context(), id)
	})
}

// POST /v1/api/episodes/:episode_id/videos
func (h *Handler) SubmitVideos(c *gin.Context) {
	h.batch(c, func(p *service.Pipeline, c *gin.Context, id string) ([]service.BatchItem, error) {
		return p.SubmitVideos(c.Request.Context(), id)
	})
}

// 导出合并视频：POST /v1/api/episodes/:episode_id/export
func (h *Handler) ExportEpisode(c *gin.Context) {
	episodeID := c.Param("episode_id")
	taskID, err := h.Pipeline.Export(c.Request.Context(), episodeID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondTask(c, "episode_id", episodeID, taskID)
}
