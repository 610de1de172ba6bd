package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"
)

const defaultConfigPath = "config/config.yaml"

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	MySQL struct {
		DSN string `yaml:"dsn"`
	} `yaml:"mysql"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		// EventChannel 为空时不向 Redis 广播任务事件
		EventChannel string `yaml:"event_channel"`
	} `yaml:"redis"`
	MinIO struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		UseSSL    bool   `yaml:"use_ssl"`
		Domain    string `yaml:"domain"`
	} `yaml:"minio"`
	Remote   RemoteConfig   `yaml:"remote"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Storage  StorageConfig  `yaml:"storage"`
	Export   ExportConfig   `yaml:"export"`
}

// RemoteConfig 远程生成服务（文本 / 图像 / 视频）
type RemoteConfig struct {
	BaseURL         string        `yaml:"base_url"`
	APIKey          string        `yaml:"api_key"`
	TextModel       string        `yaml:"text_model"`
	ImageModel      string        `yaml:"image_model"`
	VideoModel      string        `yaml:"video_model"`
	GeminiSDK       bool          `yaml:"gemini_sdk"`
	TextTimeout     time.Duration `yaml:"text_timeout"`
	ImageTimeout    time.Duration `yaml:"image_timeout"`
	SubmitTimeout   time.Duration `yaml:"submit_timeout"`
	StatusTimeout   time.Duration `yaml:"status_timeout"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
}

type PipelineConfig struct {
	Workers              int           `yaml:"workers"`
	CancelGrace          time.Duration `yaml:"cancel_grace"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	PollMaxAttempts      int           `yaml:"poll_max_attempts"`
	PollMaxErrors        int           `yaml:"poll_max_errors"`
	TextCharBudget       int           `yaml:"text_char_budget"`
	TextEncodings        []string      `yaml:"text_encodings"`
	ResumeOnStart        bool          `yaml:"resume_on_start"`
	ResumeQueueWorkers   int           `yaml:"resume_queue_workers"`
	DefaultImageStyle    string        `yaml:"default_image_style"`
	DefaultProjectAspect string        `yaml:"default_aspect_ratio"`
}

type StorageConfig struct {
	// TextDir 保存通过接口上传的原文
	TextDir           string `yaml:"text_dir"`
	SceneImageDir     string `yaml:"scene_image_dir"`
	CharacterImageDir string `yaml:"character_image_dir"`
	// VoiceDir 音色库，文件名为 voice_id 加音频扩展名
	VoiceDir string `yaml:"voice_dir"`
}

type ExportConfig struct {
	OutputDir           string        `yaml:"output_dir"`
	FFmpegPath          string        `yaml:"ffmpeg_path"`
	DownloadConcurrency int           `yaml:"download_concurrency"`
	DownloadTimeout     time.Duration `yaml:"download_timeout"`
}

// Load 读取 YAML 配置，随后用环境变量（含 .env）覆盖敏感项并补齐默认值。
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg(".env not found, using process environment")
	}
	if path == "" {
		path = getEnv("PIPELINE_CONFIG", defaultConfigPath)
	}

	cfg := &Config{}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.MySQL.DSN = getEnv("MYSQL_DSN", c.MySQL.DSN)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.MinIO.Endpoint = getEnv("MINIO_ENDPOINT", c.MinIO.Endpoint)
	c.MinIO.AccessKey = getEnv("MINIO_ACCESS_KEY", c.MinIO.AccessKey)
	c.MinIO.SecretKey = getEnv("MINIO_SECRET_KEY", c.MinIO.SecretKey)
	c.MinIO.Bucket = getEnv("MINIO_BUCKET", c.MinIO.Bucket)
	c.Remote.BaseURL = getEnv("API_BASE_URL", c.Remote.BaseURL)
	c.Remote.APIKey = getEnv("API_KEY", c.Remote.APIKey)
	if v := os.Getenv("GEMINI_SDK"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Remote.GeminiSDK = b
		}
	}
}

// ApplyDefaults 填充未配置的字段。测试中直接构造 Config 时也会调用。
func (c *Config) ApplyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Remote.TextModel == "" {
		c.Remote.TextModel = "gemini-2.5-pro"
	}
	if c.Remote.ImageModel == "" {
		c.Remote.ImageModel = "gemini-2.5-flash-image"
	}
	if c.Remote.VideoModel == "" {
		c.Remote.VideoModel = "sora-2"
	}
	if c.Remote.TextTimeout <= 0 {
		c.Remote.TextTimeout = 300 * time.Second
	}
	if c.Remote.ImageTimeout <= 0 {
		c.Remote.ImageTimeout = 120 * time.Second
	}
	if c.Remote.SubmitTimeout <= 0 {
		c.Remote.SubmitTimeout = 60 * time.Second
	}
	if c.Remote.StatusTimeout <= 0 {
		c.Remote.StatusTimeout = 30 * time.Second
	}
	if c.Remote.DownloadTimeout <= 0 {
		c.Remote.DownloadTimeout = 60 * time.Second
	}

	p := &c.Pipeline
	if p.Workers <= 0 {
		p.Workers = 16
	}
	if p.CancelGrace <= 0 {
		p.CancelGrace = 3 * time.Second
	}
	if p.PollInterval <= 0 {
		p.PollInterval = 10 * time.Second
	}
	if p.PollMaxAttempts <= 0 {
		p.PollMaxAttempts = 120
	}
	if p.PollMaxErrors <= 0 {
		p.PollMaxErrors = 3
	}
	if p.TextCharBudget <= 0 {
		p.TextCharBudget = 20000
	}
	if len(p.TextEncodings) == 0 {
		p.TextEncodings = []string{"utf-8", "gbk", "gb2312", "gb18030", "big5"}
	}
	if p.ResumeQueueWorkers <= 0 {
		p.ResumeQueueWorkers = 5
	}
	if p.DefaultImageStyle == "" {
		p.DefaultImageStyle = "写实风格"
	}
	if p.DefaultProjectAspect == "" {
		p.DefaultProjectAspect = "16:9"
	}

	if c.Storage.TextDir == "" {
		c.Storage.TextDir = "data/texts"
	}
	if c.Storage.SceneImageDir == "" {
		c.Storage.SceneImageDir = "data/scene_images"
	}
	if c.Storage.CharacterImageDir == "" {
		c.Storage.CharacterImageDir = "data/character_images"
	}
	if c.Storage.VoiceDir == "" {
		c.Storage.VoiceDir = "data/voices"
	}
	if c.Export.OutputDir == "" {
		c.Export.OutputDir = "data/exports"
	}
	if c.Export.FFmpegPath == "" {
		c.Export.FFmpegPath = "ffmpeg"
	}
	if c.Export.DownloadConcurrency <= 0 {
		c.Export.DownloadConcurrency = 4
	}
	if c.Export.DownloadTimeout <= 0 {
		c.Export.DownloadTimeout = 5 * time.Minute
	}
}

func (c *Config) Validate() error {
	var missing []string
	if c.MySQL.DSN == "" {
		missing = append(missing, "mysql.dsn")
	}
	if c.Remote.BaseURL == "" && !c.Remote.GeminiSDK {
		missing = append(missing, "remote.base_url")
	}
	if c.Remote.APIKey == "" {
		missing = append(missing, "remote.api_key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
