package service

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"StoryToVideo-pipeline/models"

	"github.com/rs/zerolog/log"
)

const sceneImagePromptTemplate = `请根据以下分镜画面描述生成一张 %s 比例的场景背景图。

画面描述：%s

整体风格：%s

要求：
1. 只画场景和环境，画面中不能出现任何人物或角色，包括背影、剪影和局部肢体。
2. 画面中不能出现任何文字、字幕、标识或水印。
3. 构图完整，光影和氛围与描述一致，适合作为视频镜头的背景。`

// BuildSceneImagePrompt 生成分镜场景图的固定指令
func BuildSceneImagePrompt(visual, style, aspect string) string {
	if strings.TrimSpace(aspect) == "" {
		aspect = models.AspectLandscape
	}
	return fmt.Sprintf(sceneImagePromptTemplate, aspect, strings.TrimSpace(visual), style)
}

type SceneImageInput struct {
	ShotID            string
	VisualDescription string
	Style             string
	AspectRatio       string
}

// SceneImageTask 把分镜画面描述变成本地背景图文件
type SceneImageTask struct {
	Client       GenerationClient
	Fetcher      Fetcher
	Model        string
	OutputDir    string
	DefaultStyle string
	Now          func() time.Time
}

func (t *SceneImageTask) Run(ctx context.Context, in SceneImageInput, progress func(string)) (string, error) {
	if strings.TrimSpace(in.VisualDescription) == "" {
		return "", fmt.Errorf("%w: shot %s has no visual description", ErrPrecondition, in.ShotID)
	}
	style := strings.TrimSpace(in.Style)
	if style == "" {
		style = t.DefaultStyle
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	progress("正在生成场景图")
	img, err := t.Client.GenerateImage(ctx, BuildSceneImagePrompt(in.VisualDescription, style, in.AspectRatio), t.Model)
	if err != nil {
		return "", err
	}

	progress("正在保存场景图")
	base := fmt.Sprintf("scene_%s_%d", in.ShotID, t.now().Unix())
	return saveImage(ctx, t.Fetcher, img, t.OutputDir, base)
}

func (t *SceneImageTask) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// saveImage 内联数据直接落盘，远程地址则下载；扩展名取自 mime 类型
func saveImage(ctx context.Context, f Fetcher, img *ImageResult, dir, base string) (string, error) {
	if img == nil || (len(img.Data) == 0 && img.URL == "") {
		return "", ErrNoImageData
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create image dir: %w", err)
	}

	if len(img.Data) > 0 {
		path := filepath.Join(dir, base+ExtensionForMIME(img.MIMEType))
		if err := os.WriteFile(path, img.Data, 0o644); err != nil {
			return "", fmt.Errorf("write image: %w", err)
		}
		return path, nil
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	tmp := filepath.Join(dir, base+".part")
	contentType, err := downloadToFile(ctx, f, img.URL, tmp)
	if err != nil {
		return "", err
	}
	mimeType := img.MIMEType
	if mimeType == "" {
		mimeType = contentType
	}
	path := filepath.Join(dir, base+ExtensionForMIME(mimeType))
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename image: %w", err)
	}
	log.Debug().Str("url", img.URL).Str("path", path).Msg("image downloaded")
	return path, nil
}

// ExtensionForMIME png / jpeg / webp，其余默认 png
func ExtensionForMIME(mimeType string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(mimeType))
	}
	switch mt {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}
