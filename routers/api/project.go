package api

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"StoryToVideo-pipeline/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// 创建项目：POST /v1/api/projects
func (h *Handler) CreateProject(c *gin.Context) {
	var req struct {
		Title       string `json:"title" binding:"required"`
		Style       string `json:"style"`
		AspectRatio string `json:"aspect_ratio"`
		Description string `json:"description"`
		SourcePath  string `json:"source_path"`
		StoryText   string `json:"story_text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.AspectRatio {
	case "":
		req.AspectRatio = h.DefaultAspect
	case models.AspectLandscape, models.AspectPortrait:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "aspect_ratio 只能是 16:9 或 9:16"})
		return
	}

	project := models.Project{
		ID:          uuid.NewString(),
		Title:       req.Title,
		Style:       req.Style,
		AspectRatio: req.AspectRatio,
		Description: req.Description,
		SourcePath:  req.SourcePath,
	}
	if req.StoryText != "" {
		path, err := h.saveText("project_"+project.ID, req.StoryText)
		if err != nil {
			respondError(c, err)
			return
		}
		project.SourcePath = path
	}
	if err := h.Store.CreateProject(c.Request.Context(), &project); err != nil {
		respondError(c, err)
		return
	}
	log.Info().Str("project_id", project.ID).Msg("project created")
	c.JSON(http.StatusOK, gin.H{"project": project})
}

// 获取项目详情：GET /v1/api/projects/:project_id
func (h *Handler) GetProject(c *gin.Context) {
	project, err := h.Store.GetProject(c.Request.Context(), c.Param("project_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": project})
}

// 创建剧集：POST /v1/api/projects/:project_id/episodes
func (h *Handler) CreateEpisode(c *gin.Context) {
	projectID := c.Param("project_id")
	var req struct {
		Number     int    `json:"number"`
		Name       string `json:"name"`
		SourcePath string `json:"source_path"`
		StoryText  string `json:"story_text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := h.Store.GetProject(c.Request.Context(), projectID); err != nil {
		respondError(c, err)
		return
	}

	ep := models.Episode{
		ID:         uuid.NewString(),
		ProjectId:  projectID,
		Number:     req.Number,
		Name:       req.Name,
		SourcePath: req.SourcePath,
	}
	if req.StoryText != "" {
		path, err := h.saveText("episode_"+ep.ID, req.StoryText)
		if err != nil {
			respondError(c, err)
			return
		}
		ep.SourcePath = path
	}
	if err := h.Store.CreateEpisode(c.Request.Context(), &ep); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"episode": ep})
}

// 获取剧集：GET /v1/api/episodes/:episode_id
func (h *Handler) GetEpisode(c *gin.Context) {
	ep, err := h.Store.GetEpisode(c.Request.Context(), c.Param("episode_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"episode": ep})
}

// 删除剧集：先取消其分镜上的任务，再级联删除
func (h *Handler) DeleteEpisode(c *gin.Context) {
	episodeID := c.Param("episode_id")
	if err := h.Pipeline.DeleteEpisode(c.Request.Context(), episodeID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "剧集已删除", "episode_id": episodeID})
}

// 角色列表：GET /v1/api/projects/:project_id/characters
func (h *Handler) ListCharacters(c *gin.Context) {
	projectID := c.Param("project_id")
	characters, err := h.Store.ListCharacters(c.Request.Context(), projectID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"characters": characters, "project_id": projectID})
}

// 分析角色：POST /v1/api/projects/:project_id/characters/analyze
func (h *Handler) AnalyzeCharacters(c *gin.Context) {
	projectID := c.Param("project_id")
	taskID, err := h.Pipeline.AnalyzeCharacters(c.Request.Context(), projectID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondTask(c, "project_id", projectID, taskID)
}

// 生成角色立绘：POST /v1/api/characters/:character_id/portrait
func (h *Handler) GeneratePortrait(c *gin.Context) {
	characterID := c.Param("character_id")
	taskID, err := h.Pipeline.GeneratePortrait(c.Request.Context(), characterID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondTask(c, "character_id", characterID, taskID)
}

// 上传角色到远端并绑定身份：POST /v1/api/characters/:character_id/upload
// 可选 body {"timestamps": "1,3"}
func (h *Handler) UploadCharacter(c *gin.Context) {
	characterID := c.Param("character_id")
	var req struct {
		Timestamps string `json:"timestamps"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	taskID, err := h.Pipeline.UploadCharacter(c.Request.Context(), characterID, req.Timestamps)
	if err != nil {
		respondError(c, err)
		return
	}
	respondTask(c, "character_id", characterID, taskID)
}

// 更新角色的远程身份：PATCH /v1/api/characters/:character_id
func (h *Handler) UpdateCharacter(c *gin.Context) {
	characterID := c.Param("character_id")
	var req struct {
		Description    *string `json:"description"`
		VoiceID        *string `json:"voice_id"`
		RemoteID       *string `json:"remote_id"`
		RemoteUsername *string `json:"remote_username"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	fields := map[string]interface{}{}
	if req.Description != nil {
		fields["description"] = *req.Description
	}
	if req.VoiceID != nil {
		fields[models.FieldVoiceID] = *req.VoiceID
	}
	if req.RemoteID != nil {
		fields[models.FieldRemoteID] = strings.TrimSpace(*req.RemoteID)
	}
	if req.RemoteUsername != nil {
		fields[models.FieldRemoteUsername] = strings.TrimSpace(*req.RemoteUsername)
	}
	if len(fields) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "没有需要更新的字段"})
		return
	}
	ctx := c.Request.Context()
	if err := h.Store.UpdateCharacterFields(ctx, characterID, fields); err != nil {
		respondError(c, err)
		return
	}
	character, err := h.Store.GetCharacter(ctx, characterID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"character": character})
}

func (h *Handler) saveText(name, text string) (string, error) {
	dir := h.TextDir
	if dir == "" {
		dir = "data/texts"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create text dir: %w", err)
	}
	path := filepath.Join(dir, name+".txt")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("save text: %w", err)
	}
	return path, nil
}
