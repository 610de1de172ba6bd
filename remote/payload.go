package remote

import (
	"encoding/base64"
	"strings"

	"StoryToVideo-pipeline/service"
)

// ExtractTextPayload 兼容 chat-completion 与 generateContent 两种响应结构
func ExtractTextPayload(resp map[string]interface{}) string {
	if choices, ok := resp["choices"].([]interface{}); ok && len(choices) > 0 {
		if choice, ok := choices[0].(map[string]interface{}); ok {
			if msg, ok := choice["message"].(map[string]interface{}); ok {
				if content := strings.TrimSpace(getString(msg, "content")); content != "" {
					return content
				}
			}
		}
	}
	if candidates, ok := resp["candidates"].([]interface{}); ok && len(candidates) > 0 {
		if candidate, ok := candidates[0].(map[string]interface{}); ok {
			for _, part := range candidateParts(candidate) {
				if text := strings.TrimSpace(getString(part, "text")); text != "" {
					return text
				}
			}
		}
	}
	return ""
}

// ExtractImagePayload 依次查找每个候选中的内联数据或地址，兼容 images/generations 的 data 结构
func ExtractImagePayload(resp map[string]interface{}) *service.ImageResult {
	if candidates, ok := resp["candidates"].([]interface{}); ok {
		for _, c := range candidates {
			candidate, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			for _, part := range candidateParts(candidate) {
				if img := imageFromPart(part); img != nil {
					return img
				}
			}
			if img := imageFromPart(candidate); img != nil {
				return img
			}
		}
	}
	if data, ok := resp["data"].([]interface{}); ok {
		for _, d := range data {
			item, ok := d.(map[string]interface{})
			if !ok {
				continue
			}
			if b64 := getString(item, "b64_json"); b64 != "" {
				if raw, err := base64.StdEncoding.DecodeString(b64); err == nil && len(raw) > 0 {
					return &service.ImageResult{Data: raw, MIMEType: "image/png"}
				}
			}
			if url := getString(item, "url"); url != "" {
				return &service.ImageResult{URL: url}
			}
		}
	}
	return nil
}

func imageFromPart(part map[string]interface{}) *service.ImageResult {
	for _, key := range []string{"inlineData", "inline_data"} {
		inline, ok := part[key].(map[string]interface{})
		if !ok {
			continue
		}
		data := getString(inline, "data")
		if data == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil || len(raw) == 0 {
			continue
		}
		mimeType := getString(inline, "mimeType")
		if mimeType == "" {
			mimeType = getString(inline, "mime_type")
		}
		if mimeType == "" {
			mimeType = "image/png"
		}
		return &service.ImageResult{Data: raw, MIMEType: mimeType}
	}
	if url := getString(part, "url"); url != "" {
		return &service.ImageResult{URL: url}
	}
	if fd, ok := part["fileData"].(map[string]interface{}); ok {
		if uri := getString(fd, "fileUri"); uri != "" {
			return &service.ImageResult{URL: uri, MIMEType: getString(fd, "mimeType")}
		}
	}
	return nil
}

func candidateParts(candidate map[string]interface{}) []map[string]interface{} {
	content, ok := candidate["content"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := content["parts"].([]interface{})
	if !ok {
		return nil
	}
	parts := make([]map[string]interface{}, 0, len(raw))
	for _, p := range raw {
		if m, ok := p.(map[string]interface{}); ok {
			parts = append(parts, m)
		}
	}
	return parts
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
