package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"StoryToVideo-pipeline/models"
)

func TestParseShotDrafts(t *testing.T) {
	payload := `[
	  {"title": " 开场 ", "duration": "15s", "dialogue": "旁白：夜深了", "screen_content": "城门紧闭", "camera_movement": "俯拍"},
	  {"title": "对峙"},
	  "garbage",
	  {"title": "结尾", "duration": "20s"}
	]`
	drafts, err := ParseShotDrafts(payload)
	if err != nil {
		t.Fatalf("ParseShotDrafts: %v", err)
	}
	if len(drafts) != 3 {
		t.Fatalf("got %d drafts", len(drafts))
	}
	first := drafts[0]
	if first.SequenceNumber != 1 || first.Title != "开场" || first.Duration != models.DurationLong ||
		first.VisualDescription != "城门紧闭" || first.CameraMovement != "俯拍" || first.Dialogue != "旁白：夜深了" {
		t.Fatalf("first = %+v", first)
	}
	// 缺失字段取默认值，非对象元素被跳过后序号依然连续
	if drafts[1].SequenceNumber != 2 || drafts[1].Duration != models.DurationShort || drafts[1].Dialogue != "" {
		t.Fatalf("second = %+v", drafts[1])
	}
	if drafts[2].SequenceNumber != 3 || drafts[2].Duration != models.DurationShort {
		t.Fatalf("third = %+v", drafts[2])
	}
}

func TestParseShotDraftsExtraction(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		titles  []string
	}{
		{"fenced json", "好的：\n```json\n[{\"title\":\"a\"}]\n```\n以上", []string{"a"}},
		{"fenced plain", "```\n[{\"title\":\"b\"},{\"title\":\"c\"}]\n```", []string{"b", "c"}},
		{"bracket fallback", "分镜如下 [{\"title\":\"d\"}] 请查收", []string{"d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drafts, err := ParseShotDrafts(tt.payload)
			if err != nil {
				t.Fatalf("ParseShotDrafts: %v", err)
			}
			var got []string
			for _, d := range drafts {
				got = append(got, d.Title)
			}
			if strings.Join(got, ",") != strings.Join(tt.titles, ",") {
				t.Fatalf("titles = %v, want %v", got, tt.titles)
			}
		})
	}
}

func TestParseShotDraftsRejects(t *testing.T) {
	for _, payload := range []string{"", "抱歉，我无法完成", "[1, 2", "[]", `["a", 3]`, "{\"title\":\"x\"}"} {
		if _, err := ParseShotDrafts(payload); !errors.Is(err, ErrParse) {
			t.Errorf("ParseShotDrafts(%q) err = %v, want ErrParse", payload, err)
		}
	}
}

func TestNormalizeDuration(t *testing.T) {
	for in, want := range map[string]string{"": "10s", "10s": "10s", "15s": "15s", " 15秒 ": "15s", "5s": "10s", "long": "10s"} {
		if got := NormalizeDuration(in); got != want {
			t.Errorf("NormalizeDuration(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestScriptTaskTruncatesLongText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ep.txt")
	long := strings.Repeat("天", 12000)
	if err := os.WriteFile(path, []byte(long), 0o644); err != nil {
		t.Fatal(err)
	}
	client := &fakeClient{text: func(prompt, model string) (string, error) {
		if model != "script-model" {
			t.Errorf("model = %q", model)
		}
		return `[{"title":"一"},{"title":"二"}]`, nil
	}}
	task := &ScriptTask{Client: client, Reader: TextFileReader{Encodings: []string{"utf-8"}, Budget: 8000}, Model: "script-model"}

	progress := &progressLog{}
	drafts, err := task.Run(context.Background(), path, progress.add)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(drafts) != 2 {
		t.Fatalf("drafts = %+v", drafts)
	}
	if n := strings.Count(client.lastPrompt, "天"); n != 8000 {
		t.Fatalf("prompt carries %d chars of source, want 8000", n)
	}
	if len(progress.all()) == 0 {
		t.Fatal("no progress reported")
	}
}

func TestScriptTaskPreconditions(t *testing.T) {
	client := &fakeClient{}
	task := &ScriptTask{Client: client, Reader: TextFileReader{Encodings: []string{"utf-8"}}}

	if _, err := task.Run(context.Background(), "", noProgress); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("empty path err = %v", err)
	}
	blank := filepath.Join(t.TempDir(), "blank.txt")
	if err := os.WriteFile(blank, []byte("  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := task.Run(context.Background(), blank, noProgress); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("blank text err = %v", err)
	}
	if text, _, _, _ := client.calls(); text != 0 {
		t.Fatal("remote called for an invalid episode")
	}
}

func TestScriptTaskPropagatesRemoteError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ep.txt")
	if err := os.WriteFile(path, []byte("故事"), 0o644); err != nil {
		t.Fatal(err)
	}
	task := &ScriptTask{Client: &fakeClient{text: func(string, string) (string, error) {
		return "", ErrRemote
	}}, Reader: TextFileReader{Encodings: []string{"utf-8"}}}
	if _, err := task.Run(context.Background(), path, noProgress); !errors.Is(err, ErrRemote) {
		t.Fatalf("err = %v", err)
	}
}
