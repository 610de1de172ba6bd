package models

import (
	"strings"
	"time"
)

type Character struct {
	ID           string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId    string `gorm:"index;type:varchar(64)" json:"projectId"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	PortraitPath string `json:"portraitPath"`
	VoiceID      string `json:"voiceId"`
	// 上传到远端后获得的角色身份
	RemoteID       string    `json:"remoteId"`
	RemoteUsername string    `json:"remoteUsername"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// HasRemoteIdentity 只有绑定了远端身份的角色才参与提示词替换
func (c Character) HasRemoteIdentity() bool {
	return strings.TrimSpace(c.RemoteUsername) != ""
}

// DisplayName 返回提示词中引用角色的写法，形如 @username
func (c Character) DisplayName() string {
	u := strings.TrimSpace(c.RemoteUsername)
	if strings.HasPrefix(u, "@") {
		return u
	}
	return "@" + u
}

func (Character) TableName() string {
	return "story_character"
}
