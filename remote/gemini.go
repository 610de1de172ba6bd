package remote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"StoryToVideo-pipeline/config"
	"StoryToVideo-pipeline/service"

	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

// GeminiClient 文本与图像走 Gemini SDK，视频任务仍走 HTTP 接口
type GeminiClient struct {
	*Client
	genai        *genai.Client
	textTimeout  time.Duration
	imageTimeout time.Duration
}

func NewGeminiClient(ctx context.Context, cfg config.RemoteConfig) (*GeminiClient, error) {
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: strings.TrimRight(cfg.BaseURL, "/") + "/"}
	}
	gc, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	log.Info().Msg("gemini sdk backend initialized")
	return &GeminiClient{
		Client:       NewClient(cfg),
		genai:        gc,
		textTimeout:  orDefault(cfg.TextTimeout, 300*time.Second),
		imageTimeout: orDefault(cfg.ImageTimeout, 120*time.Second),
	}, nil
}

func (g *GeminiClient) GenerateText(ctx context.Context, prompt, model string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.textTimeout)
	defer cancel()

	resp, err := g.genai.Models.GenerateContent(ctx, model, genai.Text(prompt), nil)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: gemini: %v", service.ErrRemote, err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("%w: no text in response", service.ErrParse)
	}
	return text, nil
}

func (g *GeminiClient) GenerateImage(ctx context.Context, prompt, model string) (*service.ImageResult, error) {
	ctx, cancel := context.WithTimeout(ctx, g.imageTimeout)
	defer cancel()

	resp, err := g.genai.Models.GenerateContent(ctx, model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	})
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: gemini: %v", service.ErrRemote, err)
	}
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				return &service.ImageResult{Data: part.InlineData.Data, MIMEType: part.InlineData.MIMEType}, nil
			}
			if part.FileData != nil && part.FileData.FileURI != "" {
				return &service.ImageResult{URL: part.FileData.FileURI, MIMEType: part.FileData.MIMEType}, nil
			}
		}
	}
	return nil, service.ErrNoImageData
}
