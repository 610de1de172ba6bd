package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("not found")

// Store 是实体状态的唯一写入方；每次写入都是按 id 定位的单条 UPDATE
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func notFound(err error, what, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return err
}

// Project

func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.AspectRatio == "" {
		p.AspectRatio = AspectLandscape
	}
	return s.db.WithContext(ctx).Create(p).Error
}

func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "project", id)
	}
	return &p, nil
}

// Episode

func (s *Store) CreateEpisode(ctx context.Context, e *Episode) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(e).Error
}

func (s *Store) GetEpisode(ctx context.Context, id string) (*Episode, error) {
	var e Episode
	if err := s.db.WithContext(ctx).First(&e, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "episode", id)
	}
	return &e, nil
}

// DeleteEpisode 删除剧集及其全部分镜
func (s *Store) DeleteEpisode(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("episode_id = ?", id).Delete(&Shot{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&Episode{}, "id = ?", id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("episode %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// Shot

func (s *Store) GetShot(ctx context.Context, id string) (*Shot, error) {
	var shot Shot
	if err := s.db.WithContext(ctx).First(&shot, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "shot", id)
	}
	return &shot, nil
}

func (s *Store) ListShots(ctx context.Context, episodeID string) ([]Shot, error) {
	var shots []Shot
	err := s.db.WithContext(ctx).
		Where("episode_id = ?", episodeID).
		Order("sequence_number ASC").
		Find(&shots).Error
	return shots, err
}

// ListExportableShots 返回已有视频地址的分镜，按序号排列，允许序号不连续
func (s *Store) ListExportableShots(ctx context.Context, episodeID string) ([]Shot, error) {
	var shots []Shot
	err := s.db.WithContext(ctx).
		Where("episode_id = ? AND video_url <> ''", episodeID).
		Order("sequence_number ASC").
		Find(&shots).Error
	return shots, err
}

// ListPollableShots 返回已提交但尚未到终态的分镜（重启后恢复轮询用）
func (s *Store) ListPollableShots(ctx context.Context) ([]Shot, error) {
	var shots []Shot
	err := s.db.WithContext(ctx).
		Where("video_job_id <> '' AND video_status IN ?", []string{string(VideoPending), string(VideoProcessing)}).
		Order("updated_at ASC").
		Find(&shots).Error
	return shots, err
}

// ReplaceEpisodeShots 在一个事务里用新的分镜替换剧集原有分镜
func (s *Store) ReplaceEpisodeShots(ctx context.Context, episodeID string, shots []Shot) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("episode_id = ?", episodeID).Delete(&Shot{}).Error; err != nil {
			return err
		}
		if len(shots) == 0 {
			return nil
		}
		for i := range shots {
			shots[i].EpisodeId = episodeID
			if shots[i].ID == "" {
				shots[i].ID = uuid.NewString()
			}
			if shots[i].VideoStatus == "" {
				shots[i].VideoStatus = VideoNotStarted
			}
		}
		return tx.Create(&shots).Error
	})
}

// UpdateShotFields 原子地更新一条分镜的若干列
func (s *Store) UpdateShotFields(ctx context.Context, id string, fields map[string]interface{}) error {
	return s.updateFields(ctx, &Shot{}, "shot", id, fields)
}

func (s *Store) DeleteShot(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&Shot{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("shot %s: %w", id, ErrNotFound)
	}
	return nil
}

// Character

func (s *Store) GetCharacter(ctx context.Context, id string) (*Character, error) {
	var c Character
	if err := s.db.WithContext(ctx).First(&c, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "character", id)
	}
	return &c, nil
}

func (s *Store) ListCharacters(ctx context.Context, projectID string) ([]Character, error) {
	var cs []Character
	err := s.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&cs).Error
	return cs, err
}

func (s *Store) CreateCharacters(ctx context.Context, cs []Character) error {
	if len(cs) == 0 {
		return nil
	}
	for i := range cs {
		if cs[i].ID == "" {
			cs[i].ID = uuid.NewString()
		}
	}
	return s.db.WithContext(ctx).Create(&cs).Error
}

func (s *Store) UpdateCharacterFields(ctx context.Context, id string, fields map[string]interface{}) error {
	return s.updateFields(ctx, &Character{}, "character", id, fields)
}

// TaskRun

func (s *Store) CreateTaskRun(ctx context.Context, t *TaskRun) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(t).Error
}

func (s *Store) FinishTaskRun(ctx context.Context, id, status string, result TaskResult, errMsg string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":      status,
		"result":      result,
		"error":       errMsg,
		"finished_at": now,
		"updated_at":  now,
	}
	return s.db.WithContext(ctx).Model(&TaskRun{}).Where("id = ?", id).Updates(updates).Error
}

func (s *Store) GetTaskRun(ctx context.Context, id string) (*TaskRun, error) {
	var t TaskRun
	if err := s.db.WithContext(ctx).First(&t, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "task", id)
	}
	return &t, nil
}

func (s *Store) updateFields(ctx context.Context, model interface{}, what, id string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	updates := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		if vs, ok := v.(VideoStatus); ok {
			v = string(vs)
		}
		updates[k] = v
	}
	updates["updated_at"] = time.Now()

	res := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}
