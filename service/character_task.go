package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"StoryToVideo-pipeline/models"
)

type CharacterDraft struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

const characterPromptTemplate = `请通读下面的小说内容，提取其中出现的主要角色。

要求：
1. 返回一个 JSON 数组，每个元素包含两个字段：
  - name: 角色名，使用原文中最常用的称呼
  - description: 外貌、年龄、身份、性格和服饰特征，便于绘制角色形象
2. 同一角色只出现一次，忽略只出现一两次的路人。
3. 只返回 JSON 数组本身，不要任何解释，不要代码块标记。

小说内容：
%s`

func BuildCharacterPrompt(text string) string {
	return fmt.Sprintf(characterPromptTemplate, text)
}

// CharacterAnalysisTask 从项目原文中提取角色草稿
type CharacterAnalysisTask struct {
	Client GenerationClient
	Reader TextReader
	Model  string
}

func (t *CharacterAnalysisTask) Run(ctx context.Context, sourcePath string, progress func(string)) ([]CharacterDraft, error) {
	if strings.TrimSpace(sourcePath) == "" {
		return nil, fmt.Errorf("%w: project has no source text", ErrPrecondition)
	}
	text, err := t.Reader.ReadText(sourcePath)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: project source text is empty", ErrPrecondition)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	progress("正在分析角色")
	payload, err := t.Client.GenerateText(ctx, BuildCharacterPrompt(text), t.Model)
	if err != nil {
		return nil, err
	}
	return ParseCharacterDrafts(payload)
}

// ParseCharacterDrafts 接受数组，也接受 {"characters": [...]} 形式的对象
func ParseCharacterDrafts(payload string) ([]CharacterDraft, error) {
	var drafts []CharacterDraft
	if raw, ok := ExtractJSONArray(payload); ok {
		if err := json.Unmarshal([]byte(raw), &drafts); err != nil {
			drafts = nil
		}
	}
	if drafts == nil {
		start, end := strings.Index(payload, "{"), strings.LastIndex(payload, "}")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("%w: no character list in response", ErrParse)
		}
		var wrapped struct {
			Characters []CharacterDraft `json:"characters"`
		}
		if err := json.Unmarshal([]byte(payload[start:end+1]), &wrapped); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		drafts = wrapped.Characters
	}

	out := make([]CharacterDraft, 0, len(drafts))
	seen := make(map[string]bool)
	for _, d := range drafts {
		d.Name = strings.TrimSpace(d.Name)
		d.Description = strings.TrimSpace(d.Description)
		if d.Name == "" || seen[d.Name] {
			continue
		}
		seen[d.Name] = true
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: response contains no characters", ErrParse)
	}
	return out, nil
}

// NewCharacters 过滤掉项目中已存在的同名角色
func NewCharacters(projectID string, drafts []CharacterDraft, existing []models.Character) []models.Character {
	have := make(map[string]bool, len(existing))
	for _, c := range existing {
		have[strings.TrimSpace(c.Name)] = true
	}
	var out []models.Character
	for _, d := range drafts {
		if have[d.Name] {
			continue
		}
		have[d.Name] = true
		out = append(out, models.Character{ProjectId: projectID, Name: d.Name, Description: d.Description})
	}
	return out
}

const portraitPromptTemplate = `请为以下角色绘制一张 9:16 竖版的全身正面立绘。

角色：%s
角色描述：%s
整体风格：%s

要求：
1. 全身正面站姿，完整展示发型、服饰和鞋子。
2. 纯白色背景，不要任何场景元素。
3. 画面中不能出现任何文字、标识或水印。`

func BuildPortraitPrompt(name, description, style string) string {
	return fmt.Sprintf(portraitPromptTemplate, name, description, style)
}

type PortraitInput struct {
	CharacterID string
	Name        string
	Description string
	Style       string
}

// CharacterPortraitTask 生成角色立绘并保存到本地
type CharacterPortraitTask struct {
	Client       GenerationClient
	Fetcher      Fetcher
	Model        string
	OutputDir    string
	DefaultStyle string
	Now          func() time.Time
}

func (t *CharacterPortraitTask) Run(ctx context.Context, in PortraitInput, progress func(string)) (string, error) {
	if strings.TrimSpace(in.Name) == "" {
		return "", fmt.Errorf("%w: character %s has no name", ErrPrecondition, in.CharacterID)
	}
	style := strings.TrimSpace(in.Style)
	if style == "" {
		style = t.DefaultStyle
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	progress("正在生成角色立绘")
	img, err := t.Client.GenerateImage(ctx, BuildPortraitPrompt(in.Name, in.Description, style), t.Model)
	if err != nil {
		return "", err
	}
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	return saveImage(ctx, t.Fetcher, img, t.OutputDir, fmt.Sprintf("character_%s_%d", in.CharacterID, now().Unix()))
}
