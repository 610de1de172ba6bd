package routers

import (
	"StoryToVideo-pipeline/routers/api"

	"github.com/gin-gonic/gin"
)

func InitRouter(h *api.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", h.CreateProject)
		v1.GET("/projects/:project_id", h.GetProject)
		v1.POST("/projects/:project_id/episodes", h.CreateEpisode)
		v1.GET("/projects/:project_id/characters", h.ListCharacters)
		v1.POST("/projects/:project_id/characters/analyze", h.AnalyzeCharacters)

		v1.GET("/episodes/:episode_id", h.GetEpisode)
		v1.DELETE("/episodes/:episode_id", h.DeleteEpisode)
		v1.GET("/episodes/:episode_id/shots", h.GetShots)
		v1.POST("/episodes/:episode_id/script", h.GenerateScript)
		v1.POST("/episodes/:episode_id/scene-images", h.GenerateSceneImages)
		v1.POST("/episodes/:episode_id/prompts", h.ComposePrompts)
		v1.POST("/episodes/:episode_id/videos", h.SubmitVideos)
		v1.POST("/episodes/:episode_id/export", h.ExportEpisode)

		v1.GET("/shots/:shot_id", h.GetShotDetail)
		v1.PATCH("/shots/:shot_id", h.UpdateShot)
		v1.DELETE("/shots/:shot_id", h.DeleteShot)
		v1.POST("/shots/:shot_id/scene-image", h.GenerateSceneImage)
		v1.POST("/shots/:shot_id/prompt", h.ComposePrompt)
		v1.POST("/shots/:shot_id/video", h.GenerateShotVideo)
		v1.POST("/shots/:shot_id/video/regenerate", h.RegenerateShotVideo)
		v1.DELETE("/shots/:shot_id/tasks", h.CancelShotTasks)

		v1.PATCH("/characters/:character_id", h.UpdateCharacter)
		v1.POST("/characters/:character_id/portrait", h.GeneratePortrait)
		v1.POST("/characters/:character_id/upload", h.UploadCharacter)

		v1.GET("/tasks/:task_id", h.GetTaskStatus)
		v1.DELETE("/tasks/:kind/:entity_id", h.CancelTask)
	}
	r.GET("/events/wss", h.EventsWebSocket)
	return r
}
