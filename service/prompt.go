package service

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"StoryToVideo-pipeline/models"
)

const promptSeparator = "  "

// PromptInput 组合单个分镜提示词所需的全部输入
type PromptInput struct {
	SequenceNumber    int
	Title             string
	Duration          string
	Dialogue          string
	VisualDescription string
	CameraMovement    string
	Style             string
	// 角色名 -> 提示词中的引用写法
	Names map[string]string
}

// NewPromptInput 从分镜、项目与角色构建输入；只有绑定了远端身份的角色参与替换
func NewPromptInput(shot models.Shot, project models.Project, characters []models.Character) PromptInput {
	names := make(map[string]string)
	for _, c := range characters {
		name := strings.TrimSpace(c.Name)
		if name == "" || !c.HasRemoteIdentity() {
			continue
		}
		names[name] = c.DisplayName()
	}
	return PromptInput{
		SequenceNumber:    shot.SequenceNumber,
		Title:             shot.Title,
		Duration:          shot.Duration,
		Dialogue:          shot.Dialogue,
		VisualDescription: shot.VisualDescription,
		CameraMovement:    shot.CameraMovement,
		Style:             project.Style,
		Names:             names,
	}
}

// ComposePrompt 按固定顺序拼出视频生成提示词，空字段对应的段落省略。纯函数。
func ComposePrompt(in PromptInput) string {
	names := sortedNames(in.Names)
	text := nameReplacer(names, in.Names)
	dialogue := dialogueReplacer(names, in.Names)

	title := text.Replace(strings.TrimSpace(in.Title))
	visual := text.Replace(strings.TrimSpace(in.VisualDescription))
	camera := text.Replace(strings.TrimSpace(in.CameraMovement))
	lines := dialogue.Replace(strings.TrimSpace(in.Dialogue))
	duration := strings.TrimSpace(in.Duration)
	style := strings.TrimSpace(in.Style)

	parts := []string{fmt.Sprintf("【镜头%d】%s", in.SequenceNumber, title)}
	if duration != "" {
		parts = append(parts, "时长："+duration)
	}
	switch {
	case visual != "" && style != "":
		parts = append(parts, "画面内容："+visual+"；整体风格："+style)
	case visual != "":
		parts = append(parts, "画面内容："+visual)
	case style != "":
		parts = append(parts, "整体风格："+style)
	}
	if lines != "" {
		parts = append(parts, "角色对白与音效："+lines)
	}
	if camera != "" {
		parts = append(parts, "镜头运动："+camera)
	}
	return strings.Join(parts, promptSeparator)
}

// sortedNames 长名字在前，保证较长的名字不会被其中包含的短名字截断
func sortedNames(m map[string]string) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		if n != "" {
			names = append(names, n)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		li, lj := utf8.RuneCountInString(names[i]), utf8.RuneCountInString(names[j])
		if li != lj {
			return li > lj
		}
		return names[i] < names[j]
	})
	return names
}

// strings.Replacer 在每个位置按参数顺序尝试匹配且只扫描一遍，替换结果不会被再次替换
func nameReplacer(names []string, m map[string]string) *strings.Replacer {
	pairs := make([]string, 0, len(names)*2)
	for _, n := range names {
		pairs = append(pairs, n, m[n])
	}
	return strings.NewReplacer(pairs...)
}

func dialogueReplacer(names []string, m map[string]string) *strings.Replacer {
	pairs := make([]string, 0, len(names)*4)
	for _, n := range names {
		for _, colon := range []string{"：", ":"} {
			pairs = append(pairs, n+colon, m[n]+" 说"+colon)
		}
	}
	return strings.NewReplacer(pairs...)
}

// DurationSeconds 时长标签含 "15" 即 15 秒，其余一律 10 秒
func DurationSeconds(label string) int {
	if strings.Contains(label, "15") {
		return 15
	}
	return 10
}
