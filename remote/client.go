package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"StoryToVideo-pipeline/config"
	"StoryToVideo-pipeline/service"

	"github.com/rs/zerolog/log"
)

const maxErrorBody = 200

// StatusError 远端返回的非 2xx 响应
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

// Client 通过 HTTP 调用远程生成服务。每类调用都有各自的有限超时。
type Client struct {
	baseURL       string
	apiKey        string
	httpClient    *http.Client
	textTimeout   time.Duration
	imageTimeout  time.Duration
	submitTimeout time.Duration
	statusTimeout time.Duration
}

func NewClient(cfg config.RemoteConfig) *Client {
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		httpClient:    &http.Client{},
		textTimeout:   orDefault(cfg.TextTimeout, 300*time.Second),
		imageTimeout:  orDefault(cfg.ImageTimeout, 120*time.Second),
		submitTimeout: orDefault(cfg.SubmitTimeout, 60*time.Second),
		statusTimeout: orDefault(cfg.StatusTimeout, 30*time.Second),
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func isGemini(model string) bool {
	return strings.Contains(strings.ToLower(model), "gemini")
}

// GenerateText gemini 模型走 generateContent，其余走 chat/completions
func (c *Client) GenerateText(ctx context.Context, prompt, model string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.textTimeout)
	defer cancel()

	var (
		resp map[string]interface{}
		err  error
	)
	if isGemini(model) {
		body := map[string]interface{}{
			"contents": []map[string]interface{}{
				{"parts": []map[string]interface{}{{"text": prompt}}},
			},
		}
		resp, err = c.doJSON(ctx, http.MethodPost, c.geminiURL(model), body, false)
	} else {
		body := map[string]interface{}{
			"model":      model,
			"stream":     false,
			"messages":   []map[string]string{{"role": "user", "content": prompt}},
			"max_tokens": 4000,
		}
		resp, err = c.doJSON(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", body, true)
	}
	if err != nil {
		return "", err
	}
	text := ExtractTextPayload(resp)
	if text == "" {
		return "", fmt.Errorf("%w: no text in response", service.ErrParse)
	}
	return text, nil
}

// GenerateImage gemini 图像模型走 generateContent，其余走 images/generations
func (c *Client) GenerateImage(ctx context.Context, prompt, model string) (*service.ImageResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.imageTimeout)
	defer cancel()

	var (
		resp map[string]interface{}
		err  error
	)
	if isGemini(model) {
		body := map[string]interface{}{
			"contents": []map[string]interface{}{
				{"parts": []map[string]interface{}{{"text": prompt}}},
			},
			"generationConfig": map[string]interface{}{
				"responseModalities": []string{"TEXT", "IMAGE"},
			},
		}
		resp, err = c.doJSON(ctx, http.MethodPost, c.geminiURL(model), body, false)
	} else {
		body := map[string]interface{}{
			"model":           model,
			"prompt":          prompt,
			"n":               1,
			"response_format": "b64_json",
		}
		resp, err = c.doJSON(ctx, http.MethodPost, c.baseURL+"/v1/images/generations", body, true)
	}
	if err != nil {
		return nil, err
	}
	img := ExtractImagePayload(resp)
	if img == nil {
		return nil, service.ErrNoImageData
	}
	return img, nil
}

// SubmitVideoJob 提交图生视频任务，返回任务 id
func (c *Client) SubmitVideoJob(ctx context.Context, req service.VideoJobRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	body := map[string]interface{}{
		"model":       req.Model,
		"prompt":      req.Prompt,
		"images":      []string{req.ImageURL},
		"duration":    req.DurationSeconds,
		"orientation": req.Orientation,
		"size":        "small",
		"watermark":   false,
	}
	resp, err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/v1/videos", body, true)
	if err != nil {
		return "", err
	}
	id := strings.TrimSpace(getString(resp, "id"))
	if id == "" {
		id = strings.TrimSpace(getString(resp, "task_id"))
	}
	if id == "" {
		return "", fmt.Errorf("%w: job id missing from response", service.ErrRemote)
	}
	log.Info().Str("job_id", id).Int("duration", req.DurationSeconds).Str("orientation", req.Orientation).Msg("video job submitted")
	return id, nil
}

// CreateCharacter 用一段角色视频在远端注册角色，timestamps 形如 "1,3"
func (c *Client) CreateCharacter(ctx context.Context, videoURL, timestamps string) (*service.RemoteCharacter, error) {
	ctx, cancel := context.WithTimeout(ctx, c.submitTimeout)
	defer cancel()

	body := map[string]interface{}{
		"url":        videoURL,
		"timestamps": timestamps,
	}
	resp, err := c.doJSON(ctx, http.MethodPost, c.baseURL+"/sora/v1/characters", body, true)
	if err != nil {
		return nil, err
	}
	rc := &service.RemoteCharacter{
		ID:       strings.TrimSpace(getString(resp, "id")),
		Username: strings.TrimSpace(getString(resp, "username")),
	}
	if rc.ID == "" || rc.Username == "" {
		return nil, fmt.Errorf("%w: character id or username missing from response", service.ErrRemote)
	}
	log.Info().Str("character_id", rc.ID).Str("username", rc.Username).Msg("remote character created")
	return rc, nil
}

// PollVideoJob 查询视频任务状态；404 返回 ErrNotFound
func (c *Client) PollVideoJob(ctx context.Context, jobID string) (*service.VideoJobStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()

	resp, err := c.doJSON(ctx, http.MethodGet, c.baseURL+"/v1/videos/"+url.PathEscape(jobID), nil, true)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: video job %s", service.ErrNotFound, jobID)
		}
		return nil, err
	}
	st := &service.VideoJobStatus{
		Status: getString(resp, "status"),
		URL:    getString(resp, "video_url"),
	}
	if detail, ok := resp["detail"].(map[string]interface{}); ok {
		st.Detail = &service.VideoJobDetail{
			Status: getString(detail, "status"),
			URL:    getString(detail, "url"),
		}
	}
	return st, nil
}

func (c *Client) geminiURL(model string) string {
	return fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.baseURL, url.PathEscape(model), url.QueryEscape(c.apiKey))
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body interface{}, bearer bool) (map[string]interface{}, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", service.ErrRemote, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ctx.Err()
		}
		// url.Error 会带上完整地址（含 key）
		var ue *url.Error
		if errors.As(err, &ue) {
			err = ue.Err
		}
		return nil, fmt.Errorf("%w: %s %s: %v", service.ErrRemote, method, endpointPath(endpoint), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", service.ErrRemote, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s: %w", service.ErrRemote, endpointPath(endpoint),
			&StatusError{Code: resp.StatusCode, Body: truncate(string(data), maxErrorBody)})
	}

	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v: %s", service.ErrParse, err, truncate(string(data), maxErrorBody))
	}
	return out, nil
}

// endpointPath 去掉查询串，避免把密钥写进错误信息
func endpointPath(endpoint string) string {
	if u, err := url.Parse(endpoint); err == nil {
		return u.Path
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
