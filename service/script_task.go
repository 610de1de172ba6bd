package service

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"StoryToVideo-pipeline/models"
)

// ShotDraft 是脚本生成的一条分镜草稿，尚未落库
type ShotDraft struct {
	SequenceNumber    int    `json:"sequenceNumber"`
	Title             string `json:"title"`
	Duration          string `json:"duration"`
	Dialogue          string `json:"dialogue"`
	VisualDescription string `json:"visualDescription"`
	CameraMovement    string `json:"cameraMovement"`
}

// ToShot 草稿转成待写入的分镜
func (d ShotDraft) ToShot() models.Shot {
	return models.Shot{
		SequenceNumber:    d.SequenceNumber,
		Title:             d.Title,
		Duration:          d.Duration,
		Dialogue:          d.Dialogue,
		VisualDescription: d.VisualDescription,
		CameraMovement:    d.CameraMovement,
		VideoStatus:       models.VideoNotStarted,
	}
}

const scriptPromptTemplate = `你是一名专业的短视频编剧和分镜师。请把下面这一集小说改写成短视频分镜脚本。

要求：
1. 输出一个 JSON 数组，每个元素是一个分镜对象，且只包含以下五个字段：
  - title: 分镜标题，简短概括本镜头内容
  - duration: 时长，只能是 "10s" 或 "15s"
  - dialogue: 角色对白、音效、旁白，按时间顺序写在同一个字符串里，没有就写 ""
  - screen_content: 画面内容，详细但精炼地描述人物动作、表情、环境氛围和道具
  - camera_movement: 镜头运动，例如固定镜头、推镜、拉镜、摇镜、跟拍、俯拍、仰拍，以及镜头如何移动
2. 分镜数量至少 10 个，最多 15 个，按剧情顺序排列。
3. 剧情完整连贯，能讲完本集的主要情节。
4. 只返回 JSON 数组本身，不要任何解释，不要代码块标记。

本集全文：
%s

返回格式示例（仅示意结构）：
[
  {
    "title": "雨夜来客",
    "duration": "10s",
    "dialogue": "旁白: 那一夜的雨下得格外大。SFX: 敲门声。",
    "screen_content": "昏暗的客栈大堂, 油灯摇曳, 门外雨幕中站着一个披蓑衣的人影。",
    "camera_movement": "固定镜头, 缓慢推进到门口人影的特写。"
  }
]`

// BuildScriptPrompt 生成分镜脚本的固定指令
func BuildScriptPrompt(episodeText string) string {
	return fmt.Sprintf(scriptPromptTemplate, episodeText)
}

// ScriptTask 把剧集原文转成有序的分镜草稿列表，不负责落库
type ScriptTask struct {
	Client GenerationClient
	Reader TextReader
	Model  string
}

func (t *ScriptTask) Run(ctx context.Context, sourcePath string, progress func(string)) ([]ShotDraft, error) {
	if strings.TrimSpace(sourcePath) == "" {
		return nil, fmt.Errorf("%w: episode has no source text", ErrPrecondition)
	}
	text, err := t.Reader.ReadText(sourcePath)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: episode source text is empty", ErrPrecondition)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	progress("正在调用模型生成分镜脚本")
	payload, err := t.Client.GenerateText(ctx, BuildScriptPrompt(text), t.Model)
	if err != nil {
		return nil, err
	}

	progress("正在解析分镜脚本")
	return ParseShotDrafts(payload)
}

var fencedArray = regexp.MustCompile("(?s)```(?:json)?\\s*(\\[.*?\\])\\s*```")

// ExtractJSONArray 去掉代码块包裹；没有代码块时取第一个 [ 到最后一个 ] 之间的内容
func ExtractJSONArray(payload string) (string, bool) {
	if m := fencedArray.FindStringSubmatch(payload); m != nil {
		return m[1], true
	}
	start := strings.Index(payload, "[")
	end := strings.LastIndex(payload, "]")
	if start < 0 || end <= start {
		return "", false
	}
	return payload[start : end+1], true
}

// ParseShotDrafts 解析模型返回的分镜数组，缺失字段填默认值，序号从 1 连续编号
func ParseShotDrafts(payload string) ([]ShotDraft, error) {
	raw, ok := ExtractJSONArray(payload)
	if !ok {
		return nil, fmt.Errorf("%w: no JSON array in response", ErrParse)
	}
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	drafts := make([]ShotDraft, 0, len(items))
	for _, item := range items {
		var obj map[string]interface{}
		if err := json.Unmarshal(item, &obj); err != nil || obj == nil {
			continue
		}
		d := ShotDraft{
			SequenceNumber:    len(drafts) + 1,
			Title:             stringField(obj, "title"),
			Duration:          NormalizeDuration(stringField(obj, "duration")),
			Dialogue:          stringField(obj, "dialogue"),
			VisualDescription: stringField(obj, "screen_content"),
			CameraMovement:    stringField(obj, "camera_movement"),
		}
		drafts = append(drafts, d)
	}
	if len(drafts) == 0 {
		return nil, fmt.Errorf("%w: response contains no shots", ErrParse)
	}
	return drafts, nil
}

// NormalizeDuration 只保留两种时长标签，缺失或不认识的一律为 10s
func NormalizeDuration(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return models.DurationShort
	}
	if DurationSeconds(label) == 15 {
		return models.DurationLong
	}
	return models.DurationShort
}

func stringField(obj map[string]interface{}, key string) string {
	v, ok := obj[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case float64, bool:
		return fmt.Sprint(s)
	default:
		b, err := json.Marshal(s)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
