package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"StoryToVideo-pipeline/models"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type ExportClip struct {
	SequenceNumber int
	URL            string
}

type ExportInput struct {
	EpisodeID    string
	ProjectTitle string
	EpisodeLabel string
	// 已按序号排好，序号可以不连续
	Clips []ExportClip
}

// NewExportInput 从已完成的分镜构建导出输入
func NewExportInput(project models.Project, ep models.Episode, shots []models.Shot) ExportInput {
	in := ExportInput{EpisodeID: ep.ID, ProjectTitle: project.Title, EpisodeLabel: ep.Label()}
	for _, s := range shots {
		if strings.TrimSpace(s.VideoURL) == "" {
			continue
		}
		in.Clips = append(in.Clips, ExportClip{SequenceNumber: s.SequenceNumber, URL: s.VideoURL})
	}
	return in
}

// Concatenator 按 concat 列表文件无损拼接，失败时不得留下输出文件
type Concatenator interface {
	Concat(ctx context.Context, listPath, output string) error
}

// FFmpegConcatenator 用 ffmpeg concat demuxer 做流拷贝，不重新编码
type FFmpegConcatenator struct {
	Path string
}

func (c FFmpegConcatenator) Concat(ctx context.Context, listPath, output string) error {
	bin := c.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner", "-loglevel", "error",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y", output,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(output)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &ConcatError{ExitErr: err, Stderr: strings.TrimSpace(stderr.String())}
	}
	return nil
}

// ExportTask 下载全部片段到临时目录，拼接成一个文件。任何一步失败都整体放弃。
type ExportTask struct {
	Fetcher         Fetcher
	Concat          Concatenator
	OutputDir       string
	TempDir         string
	Concurrency     int
	DownloadTimeout time.Duration
}

func (t *ExportTask) Run(ctx context.Context, in ExportInput, progress func(string)) (string, error) {
	if len(in.Clips) == 0 {
		return "", fmt.Errorf("%w: episode %s has no finished clips", ErrNothingToExport, in.EpisodeID)
	}
	if err := os.MkdirAll(t.OutputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	scratch, err := os.MkdirTemp(t.TempDir, "export-*")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			log.Warn().Err(err).Str("dir", scratch).Msg("remove export scratch dir")
		}
	}()

	paths, err := t.downloadAll(ctx, in.Clips, scratch, progress)
	if err != nil {
		return "", err
	}

	listPath := filepath.Join(scratch, "concat_list.txt")
	if err := os.WriteFile(listPath, []byte(BuildConcatList(paths)), 0o644); err != nil {
		return "", fmt.Errorf("write concat list: %w", err)
	}

	output := UniqueOutputPath(filepath.Join(t.OutputDir, ExportFileName(in.ProjectTitle, in.EpisodeLabel)))
	progress(fmt.Sprintf("正在合并 %d 个片段", len(paths)))
	if err := t.Concat.Concat(ctx, listPath, output); err != nil {
		os.Remove(output)
		return "", err
	}
	return output, nil
}

func (t *ExportTask) downloadAll(ctx context.Context, clips []ExportClip, scratch string, progress func(string)) ([]string, error) {
	limit := t.Concurrency
	if limit <= 0 {
		limit = 4
	}
	timeout := t.DownloadTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	paths := make([]string, len(clips))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, clip := range clips {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()
			path := filepath.Join(scratch, fmt.Sprintf("video_%03d.mp4", i+1))
			if _, err := downloadToFile(dctx, t.Fetcher, clip.URL, path); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return &DownloadError{SequenceNumber: clip.SequenceNumber, URL: clip.URL, Err: err}
			}
			paths[i] = path
			progress(fmt.Sprintf("已下载镜头 %d", clip.SequenceNumber))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		var de *DownloadError
		if errors.As(err, &de) {
			log.Error().Err(de.Err).Int("sequence", de.SequenceNumber).Msg("export download failed")
		}
		return nil, err
	}
	return paths, nil
}

// BuildConcatList 生成 ffmpeg concat 列表，路径中的单引号按 shell 规则转义
func BuildConcatList(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}

// ExportFileName 由项目标题和剧集标签组成，去掉文件系统不允许的字符
func ExportFileName(projectTitle, episodeLabel string) string {
	title := sanitizeFileComponent(projectTitle)
	if title == "" {
		title = "export"
	}
	label := sanitizeFileComponent(episodeLabel)
	if label == "" {
		return title + "_合并视频.mp4"
	}
	return title + "_" + label + "_合并视频.mp4"
}

func sanitizeFileComponent(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' || r == '-' || r == '_' {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// UniqueOutputPath 目标已存在时追加 _1、_2 …
func UniqueOutputPath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
