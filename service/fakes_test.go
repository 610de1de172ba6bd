package service

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"StoryToVideo-pipeline/models"
)

// fakeClient 按脚本返回结果，记录调用次数
type fakeClient struct {
	mu sync.Mutex

	text    func(prompt, model string) (string, error)
	image   func(prompt, model string) (*ImageResult, error)
	submit  func(req VideoJobRequest) (string, error)
	create  func(videoURL, timestamps string) (*RemoteCharacter, error)
	polls   []pollStep
	pollPos int

	textCalls   int
	imageCalls  int
	submitCalls int
	pollCalls   int
	lastPrompt  string
	lastSubmit  VideoJobRequest
	lastCreate  []string
}

type pollStep struct {
	status *VideoJobStatus
	err    error
}

func (f *fakeClient) GenerateText(ctx context.Context, prompt, model string) (string, error) {
	f.mu.Lock()
	f.textCalls++
	f.lastPrompt = prompt
	fn := f.text
	f.mu.Unlock()
	if fn == nil {
		return "", fmt.Errorf("%w: no text configured", ErrRemote)
	}
	return fn(prompt, model)
}

func (f *fakeClient) GenerateImage(ctx context.Context, prompt, model string) (*ImageResult, error) {
	f.mu.Lock()
	f.imageCalls++
	f.lastPrompt = prompt
	fn := f.image
	f.mu.Unlock()
	if fn == nil {
		return nil, ErrNoImageData
	}
	return fn(prompt, model)
}

func (f *fakeClient) SubmitVideoJob(ctx context.Context, req VideoJobRequest) (string, error) {
	f.mu.Lock()
	f.submitCalls++
	f.lastSubmit = req
	fn := f.submit
	f.mu.Unlock()
	if fn == nil {
		return "job-1", nil
	}
	return fn(req)
}

func (f *fakeClient) CreateCharacter(ctx context.Context, videoURL, timestamps string) (*RemoteCharacter, error) {
	f.mu.Lock()
	f.lastCreate = []string{videoURL, timestamps}
	fn := f.create
	f.mu.Unlock()
	if fn == nil {
		return &RemoteCharacter{ID: "ch_1", Username: "remote.user"}, nil
	}
	return fn(videoURL, timestamps)
}

// PollVideoJob 依次返回 polls 中的步骤，用完后重复最后一步
func (f *fakeClient) PollVideoJob(ctx context.Context, jobID string) (*VideoJobStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollCalls++
	if len(f.polls) == 0 {
		return &VideoJobStatus{Status: "processing"}, nil
	}
	step := f.polls[f.pollPos]
	if f.pollPos < len(f.polls)-1 {
		f.pollPos++
	}
	return step.status, step.err
}

func (f *fakeClient) calls() (text, image, submit, poll int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.textCalls, f.imageCalls, f.submitCalls, f.pollCalls
}

func status(s, url string) pollStep {
	return pollStep{status: &VideoJobStatus{Status: s, URL: url}}
}

func pollErr(err error) pollStep {
	return pollStep{err: err}
}

// memStore 内存版 EntityStore，同时记录每次分镜写入
type memStore struct {
	mu         sync.Mutex
	projects   map[string]models.Project
	episodes   map[string]models.Episode
	shots      map[string]models.Shot
	characters map[string]models.Character
	writes     []map[string]interface{}
	failWrites error
	nextID     int
}

func newMemStore() *memStore {
	return &memStore{
		projects:   make(map[string]models.Project),
		episodes:   make(map[string]models.Episode),
		shots:      make(map[string]models.Shot),
		characters: make(map[string]models.Character),
	}
}

func (m *memStore) putProject(p models.Project) {
	m.mu.Lock()
	m.projects[p.ID] = p
	m.mu.Unlock()
}

func (m *memStore) putEpisode(e models.Episode) {
	m.mu.Lock()
	m.episodes[e.ID] = e
	m.mu.Unlock()
}

func (m *memStore) putShot(s models.Shot) {
	m.mu.Lock()
	if s.VideoStatus == "" {
		s.VideoStatus = models.VideoNotStarted
	}
	m.shots[s.ID] = s
	m.mu.Unlock()
}

func (m *memStore) putCharacter(c models.Character) {
	m.mu.Lock()
	m.characters[c.ID] = c
	m.mu.Unlock()
}

func (m *memStore) shot(t *testing.T, id string) models.Shot {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shots[id]
	if !ok {
		t.Fatalf("shot %s not in store", id)
	}
	return s
}

func (m *memStore) writeLog() []map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]interface{}, len(m.writes))
	copy(out, m.writes)
	return out
}

func (m *memStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return &p, nil
}

func (m *memStore) GetEpisode(ctx context.Context, id string) (*models.Episode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.episodes[id]
	if !ok {
		return nil, fmt.Errorf("episode %s: %w", id, ErrNotFound)
	}
	return &e, nil
}

func (m *memStore) GetShot(ctx context.Context, id string) (*models.Shot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shots[id]
	if !ok {
		return nil, fmt.Errorf("shot %s: %w", id, ErrNotFound)
	}
	return &s, nil
}

func (m *memStore) GetCharacter(ctx context.Context, id string) (*models.Character, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.characters[id]
	if !ok {
		return nil, fmt.Errorf("character %s: %w", id, ErrNotFound)
	}
	return &c, nil
}

func (m *memStore) listShots(keep func(models.Shot) bool) []models.Shot {
	var out []models.Shot
	for _, s := range m.shots {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out
}

func (m *memStore) ListShots(ctx context.Context, episodeID string) ([]models.Shot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listShots(func(s models.Shot) bool { return s.EpisodeId == episodeID }), nil
}

func (m *memStore) ListExportableShots(ctx context.Context, episodeID string) ([]models.Shot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listShots(func(s models.Shot) bool { return s.EpisodeId == episodeID && s.VideoURL != "" }), nil
}

func (m *memStore) ListPollableShots(ctx context.Context) ([]models.Shot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listShots(func(s models.Shot) bool { return s.VideoJobID != "" && s.VideoStatus.InFlight() }), nil
}

func (m *memStore) ListCharacters(ctx context.Context, projectID string) ([]models.Character, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Character
	for _, c := range m.characters {
		if c.ProjectId == projectID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) DeleteEpisode(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.episodes[id]; !ok {
		return fmt.Errorf("episode %s: %w", id, ErrNotFound)
	}
	for sid, s := range m.shots {
		if s.EpisodeId == id {
			delete(m.shots, sid)
		}
	}
	delete(m.episodes, id)
	return nil
}

func (m *memStore) ReplaceEpisodeShots(ctx context.Context, episodeID string, shots []models.Shot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.shots {
		if s.EpisodeId == episodeID {
			delete(m.shots, id)
		}
	}
	for _, s := range shots {
		m.nextID++
		s.ID = fmt.Sprintf("gen-%d", m.nextID)
		s.EpisodeId = episodeID
		s.VideoStatus = models.VideoNotStarted
		m.shots[s.ID] = s
	}
	return nil
}

func (m *memStore) UpdateShotFields(ctx context.Context, id string, fields map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrites != nil {
		return m.failWrites
	}
	s, ok := m.shots[id]
	if !ok {
		return fmt.Errorf("shot %s: %w", id, ErrNotFound)
	}
	rec := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		rec[k] = v
		str := fmt.Sprint(v)
		switch k {
		case models.FieldSceneImagePath:
			s.SceneImagePath = str
		case models.FieldPrompt:
			s.Prompt = str
		case models.FieldVideoJobID:
			s.VideoJobID = str
		case models.FieldVideoStatus:
			s.VideoStatus = models.VideoStatus(str)
		case models.FieldVideoURL:
			s.VideoURL = str
		case models.FieldTitle:
			s.Title = str
		case models.FieldDuration:
			s.Duration = str
		case models.FieldDialogue:
			s.Dialogue = str
		case models.FieldVisual:
			s.VisualDescription = str
		case models.FieldCameraMovement:
			s.CameraMovement = str
		default:
			return fmt.Errorf("unknown shot field %q", k)
		}
	}
	m.shots[id] = s
	m.writes = append(m.writes, rec)
	return nil
}

func (m *memStore) DeleteShot(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.shots[id]; !ok {
		return fmt.Errorf("shot %s: %w", id, ErrNotFound)
	}
	delete(m.shots, id)
	return nil
}

func (m *memStore) CreateCharacters(ctx context.Context, cs []models.Character) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range cs {
		m.nextID++
		if c.ID == "" {
			c.ID = fmt.Sprintf("char-%d", m.nextID)
		}
		m.characters[c.ID] = c
	}
	return nil
}

func (m *memStore) UpdateCharacterFields(ctx context.Context, id string, fields map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.characters[id]
	if !ok {
		return fmt.Errorf("character %s: %w", id, ErrNotFound)
	}
	if v, ok := fields[models.FieldPortraitPath]; ok {
		c.PortraitPath = fmt.Sprint(v)
	}
	if v, ok := fields[models.FieldRemoteID]; ok {
		c.RemoteID = fmt.Sprint(v)
	}
	if v, ok := fields[models.FieldRemoteUsername]; ok {
		c.RemoteUsername = fmt.Sprint(v)
	}
	m.characters[id] = c
	return nil
}

// fakeFetcher 把 URL 映射成固定内容；errs 中的 URL 返回错误
type fakeFetcher struct {
	mu          sync.Mutex
	body        map[string]string
	contentType string
	errs        map[string]error
	fetched     []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string, dst io.Writer) (string, error) {
	f.mu.Lock()
	f.fetched = append(f.fetched, url)
	err := f.errs[url]
	body, ok := f.body[url]
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	if !ok {
		body = "data:" + url
	}
	if _, err := io.Copy(dst, strings.NewReader(body)); err != nil {
		return "", err
	}
	return f.contentType, nil
}

func noProgress(string) {}

// progressLog 并发安全地记录进度消息
type progressLog struct {
	mu   sync.Mutex
	msgs []string
}

func (p *progressLog) add(msg string) {
	p.mu.Lock()
	p.msgs = append(p.msgs, msg)
	p.mu.Unlock()
}

func (p *progressLog) all() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.msgs...)
}
