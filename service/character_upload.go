package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"StoryToVideo-pipeline/models"

	"github.com/rs/zerolog/log"
)

// DefaultCharacterTimestamps 远端从角色视频中截取的时间段（秒）
const DefaultCharacterTimestamps = "1,3"

var voiceExts = []string{".mp3", ".wav", ".m4a", ".aac", ".ogg", ".flac"}

// VoiceLibrary 音色库目录，文件名为 voice_id 加音频扩展名
type VoiceLibrary struct {
	Dir string
}

func (v VoiceLibrary) Resolve(voiceID string) (string, error) {
	id := strings.TrimSpace(voiceID)
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("%w: invalid voice id %q", ErrPrecondition, voiceID)
	}
	for _, ext := range voiceExts {
		path := filepath.Join(v.Dir, id+ext)
		if fi, err := os.Stat(path); err == nil && fi.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: voice %s not found in library", ErrPrecondition, id)
}

// ClipMaker 把一张静态图片和一段音频合成视频
type ClipMaker interface {
	StillClip(ctx context.Context, imagePath, audioPath, output string) error
}

// FFmpegClipMaker 图片循环作画面，音频不足 3 秒时补静音
type FFmpegClipMaker struct {
	Path string
}

func (m FFmpegClipMaker) StillClip(ctx context.Context, imagePath, audioPath, output string) error {
	bin := m.Path
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner", "-loglevel", "error",
		"-loop", "1", "-i", imagePath,
		"-i", audioPath,
		"-af", "apad=whole_dur=3",
		"-c:v", "libx264", "-tune", "stillimage",
		"-c:a", "aac",
		"-pix_fmt", "yuv420p",
		"-shortest",
		"-y", output,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(output)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v: %s", ErrEncode, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

type CharacterUploadInput struct {
	CharacterID  string
	PortraitPath string
	VoiceID      string
	Timestamps   string
}

func NewCharacterUploadInput(c models.Character, timestamps string) CharacterUploadInput {
	ts := strings.TrimSpace(timestamps)
	if ts == "" {
		ts = DefaultCharacterTimestamps
	}
	return CharacterUploadInput{
		CharacterID:  c.ID,
		PortraitPath: strings.TrimSpace(c.PortraitPath),
		VoiceID:      strings.TrimSpace(c.VoiceID),
		Timestamps:   ts,
	}
}

// CheckCharacterUploadPreconditions 需要已生成的立绘和已绑定的音色
func CheckCharacterUploadPreconditions(in CharacterUploadInput) error {
	if in.PortraitPath == "" {
		return fmt.Errorf("%w: character %s has no portrait", ErrPrecondition, in.CharacterID)
	}
	if _, err := os.Stat(in.PortraitPath); err != nil {
		return fmt.Errorf("%w: portrait file %s: %v", ErrPrecondition, in.PortraitPath, err)
	}
	if in.VoiceID == "" {
		return fmt.Errorf("%w: character %s has no voice bound", ErrPrecondition, in.CharacterID)
	}
	return ValidateTimestamps(in.Timestamps)
}

// ValidateTimestamps 格式为 "起,止"，单位秒，起点小于终点
func ValidateTimestamps(ts string) error {
	parts := strings.Split(ts, ",")
	if len(parts) != 2 {
		return fmt.Errorf("%w: timestamps %q must look like \"1,3\"", ErrPrecondition, ts)
	}
	start, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	end, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil || start < 0 || end <= start {
		return fmt.Errorf("%w: invalid timestamps %q", ErrPrecondition, ts)
	}
	return nil
}

// CharacterUploadTask 立绘配音色合成短视频，上传后在远端注册角色
type CharacterUploadTask struct {
	Client   GenerationClient
	Uploader ObjectUploader
	Clips    ClipMaker
	Voices   VoiceLibrary
	TempDir  string
}

func (t *CharacterUploadTask) Run(ctx context.Context, in CharacterUploadInput, progress func(string)) (*RemoteCharacter, error) {
	if err := CheckCharacterUploadPreconditions(in); err != nil {
		return nil, err
	}
	voicePath, err := t.Voices.Resolve(in.VoiceID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	progress("正在合成角色视频")
	dir := t.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	f, err := os.CreateTemp(dir, "character_"+in.CharacterID+"_*.mp4")
	if err != nil {
		return nil, fmt.Errorf("create temp clip: %w", err)
	}
	clip := f.Name()
	f.Close()
	defer os.Remove(clip)

	if err := t.Clips.StillClip(ctx, in.PortraitPath, voicePath, clip); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	progress("正在上传角色视频")
	videoURL, err := t.Uploader.Upload(ctx, clip)
	if err != nil {
		if errors.Is(err, ErrUpload) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUpload, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	progress("正在创建远端角色")
	rc, err := t.Client.CreateCharacter(ctx, videoURL, in.Timestamps)
	if err != nil {
		return nil, err
	}
	log.Info().Str("character_id", in.CharacterID).Str("username", rc.Username).Msg("character uploaded")
	return rc, nil
}
