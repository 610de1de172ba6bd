package service

import (
	"context"

	"StoryToVideo-pipeline/models"
)

// EntityStore 是流水线读写实体状态的唯一途径。
// UpdateShotFields / UpdateCharacterFields 必须是按 id 定位的单条原子更新，行不存在时返回 ErrNotFound。
type EntityStore interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetEpisode(ctx context.Context, id string) (*models.Episode, error)
	GetShot(ctx context.Context, id string) (*models.Shot, error)
	GetCharacter(ctx context.Context, id string) (*models.Character, error)

	ListShots(ctx context.Context, episodeID string) ([]models.Shot, error)
	ListExportableShots(ctx context.Context, episodeID string) ([]models.Shot, error)
	ListPollableShots(ctx context.Context) ([]models.Shot, error)
	ListCharacters(ctx context.Context, projectID string) ([]models.Character, error)

	DeleteEpisode(ctx context.Context, id string) error
	ReplaceEpisodeShots(ctx context.Context, episodeID string, shots []models.Shot) error
	UpdateShotFields(ctx context.Context, id string, fields map[string]interface{}) error
	DeleteShot(ctx context.Context, id string) error
	CreateCharacters(ctx context.Context, cs []models.Character) error
	UpdateCharacterFields(ctx context.Context, id string, fields map[string]interface{}) error
}
