package models

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "pipeline.db")
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewStore(db)
}

func seedEpisode(t *testing.T, s *Store) (*Project, *Episode) {
	t.Helper()
	ctx := context.Background()
	p := &Project{Title: "长夜", Style: "水墨"}
	if err := s.CreateProject(ctx, p); err != nil {
		t.Fatalf("create project: %v", err)
	}
	e := &Episode{ProjectId: p.ID, Number: 1}
	if err := s.CreateEpisode(ctx, e); err != nil {
		t.Fatalf("create episode: %v", err)
	}
	return p, e
}

func TestStore_ReplaceEpisodeShotsOrdersBySequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ep := seedEpisode(t, s)

	first := []Shot{{SequenceNumber: 1, Title: "a"}, {SequenceNumber: 2, Title: "b"}}
	if err := s.ReplaceEpisodeShots(ctx, ep.ID, first); err != nil {
		t.Fatalf("replace: %v", err)
	}
	second := []Shot{{SequenceNumber: 2, Title: "y"}, {SequenceNumber: 1, Title: "x"}, {SequenceNumber: 3, Title: "z"}}
	if err := s.ReplaceEpisodeShots(ctx, ep.ID, second); err != nil {
		t.Fatalf("replace: %v", err)
	}

	shots, err := s.ListShots(ctx, ep.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(shots) != 3 {
		t.Fatalf("expected 3 shots after replace, got %d", len(shots))
	}
	want := []string{"x", "y", "z"}
	for i, sh := range shots {
		if sh.Title != want[i] {
			t.Errorf("shot %d: title %q, want %q", i, sh.Title, want[i])
		}
		if sh.VideoStatus != VideoNotStarted {
			t.Errorf("shot %d: status %q, want not_started", i, sh.VideoStatus)
		}
	}
}

func TestStore_ListExportableShotsKeepsGaps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ep := seedEpisode(t, s)

	shots := []Shot{
		{SequenceNumber: 4, VideoURL: "http://v/4"},
		{SequenceNumber: 1, VideoURL: "http://v/1"},
		{SequenceNumber: 2},
		{SequenceNumber: 3, VideoURL: "http://v/3"},
	}
	if err := s.ReplaceEpisodeShots(ctx, ep.ID, shots); err != nil {
		t.Fatalf("replace: %v", err)
	}

	got, err := s.ListExportableShots(ctx, ep.ID)
	if err != nil {
		t.Fatalf("list exportable: %v", err)
	}
	var seq []int
	for _, sh := range got {
		seq = append(seq, sh.SequenceNumber)
	}
	if len(seq) != 3 || seq[0] != 1 || seq[1] != 3 || seq[2] != 4 {
		t.Fatalf("expected [1 3 4], got %v", seq)
	}
}

func TestStore_UpdateShotFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ep := seedEpisode(t, s)
	if err := s.ReplaceEpisodeShots(ctx, ep.ID, []Shot{{ID: "s1", SequenceNumber: 1}}); err != nil {
		t.Fatalf("replace: %v", err)
	}

	err := s.UpdateShotFields(ctx, "s1", map[string]interface{}{
		FieldVideoJobID:  "job-1",
		FieldVideoStatus: VideoPending,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	sh, err := s.GetShot(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sh.VideoJobID != "job-1" || sh.VideoStatus != VideoPending {
		t.Fatalf("unexpected shot after update: %+v", sh)
	}

	pollable, err := s.ListPollableShots(ctx)
	if err != nil {
		t.Fatalf("pollable: %v", err)
	}
	if len(pollable) != 1 || pollable[0].ID != "s1" {
		t.Fatalf("expected s1 to be pollable, got %+v", pollable)
	}

	if err := s.UpdateShotFields(ctx, "missing", map[string]interface{}{FieldPrompt: "p"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown shot, got %v", err)
	}
	if _, err := s.GetShot(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound from GetShot, got %v", err)
	}
}

func TestStore_DeleteEpisodeCascadesShots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ep := seedEpisode(t, s)
	if err := s.ReplaceEpisodeShots(ctx, ep.ID, []Shot{{SequenceNumber: 1}, {SequenceNumber: 2}}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := s.DeleteEpisode(ctx, ep.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	shots, err := s.ListShots(ctx, ep.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(shots) != 0 {
		t.Fatalf("expected shots to be deleted, got %d", len(shots))
	}
}

func TestStore_CharactersAndTaskRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	p, _ := seedEpisode(t, s)

	cs := []Character{{ProjectId: p.ID, Name: "小明"}, {ProjectId: p.ID, Name: "小红"}}
	if err := s.CreateCharacters(ctx, cs); err != nil {
		t.Fatalf("create characters: %v", err)
	}
	if err := s.UpdateCharacterFields(ctx, cs[0].ID, map[string]interface{}{FieldPortraitPath: "/tmp/a.png"}); err != nil {
		t.Fatalf("update character: %v", err)
	}
	got, err := s.ListCharacters(ctx, p.ID)
	if err != nil {
		t.Fatalf("list characters: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 characters, got %d", len(got))
	}

	run := &TaskRun{Kind: "scene_image", EntityID: "s1", Status: TaskStatusProcessing}
	if err := s.CreateTaskRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}
	res := TaskResult{ResourceType: "image", ResourceUrl: "/tmp/a.png"}
	if err := s.FinishTaskRun(ctx, run.ID, TaskStatusSuccess, res, ""); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	loaded, err := s.GetTaskRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if loaded.Status != TaskStatusSuccess || loaded.Result.ResourceUrl != "/tmp/a.png" || loaded.FinishedAt == nil {
		t.Fatalf("unexpected run: %+v", loaded)
	}
}
