package common

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config 应用配置，先读取 TOML 文件，再由环境变量覆盖
type Config struct {
	AppEnv     string `toml:"app_env"`
	ServerAddr string `toml:"server_addr"`
	ServerName string `toml:"server_name"` // 对外访问地址，用于拼接日志/制品链接
	LogPath    string `toml:"log_path"`

	BitbucketUsername     string `toml:"bitbucket_username"`
	BitbucketPassword     string `toml:"bitbucket_password"`
	BitbucketOAuthKey     string `toml:"bitbucket_oauth_key"`
	BitbucketOAuthSecret  string `toml:"bitbucket_oauth_secret"`
	BitbucketRefreshToken string `toml:"bitbucket_refresh_token"`
	BitbucketAPIURL       string `toml:"bitbucket_api_url"`

	ProjectConf      string        `toml:"project_conf"`
	DockerHost       string        `toml:"docker_host"`
	DockerAPITimeout time.Duration `toml:"docker_api_timeout"`
	DockerRunTimeout time.Duration `toml:"docker_run_timeout"`
	RunnerImage      string        `toml:"runner_image"`
	Workers          int           `toml:"workers"`

	CloneRoot    string `toml:"clone_root"`
	LogDir       string `toml:"log_dir"`
	ArtifactsDir string `toml:"artifacts_dir"`

	SMTPHost     string `toml:"smtp_host"`
	SMTPPort     int    `toml:"smtp_port"`
	SMTPUsername string `toml:"smtp_username"`
	SMTPPassword string `toml:"smtp_password"`
	MailSender   string `toml:"mail_sender"`

	VaultURL   string `toml:"vault_url"`
	VaultToken string `toml:"vault_token"`

	SecureTokenIdentity string `toml:"secure_token_identity"` // age 私钥，用于解密 secure 配置项
	JWTKey              string `toml:"jwt_key"`

	AutoMergeEnabled       bool `toml:"auto_merge_enabled"`
	AutoMergeApprovalCount int  `toml:"auto_merge_approval_count"`

	RetentionDays int    `toml:"retention_days"`
	JanitorSpec   string `toml:"janitor_spec"`
}

var config = DefaultConfig()

func GetConfig() Config {
	return config
}

// SetConfig replaces the process configuration, mostly for tests and the CLI.
func SetConfig(c Config) {
	config = c
}

func DefaultConfig() Config {
	return Config{
		AppEnv:                 "development",
		ServerAddr:             ":8000",
		ServerName:             "http://localhost:8000",
		BitbucketAPIURL:        "https://api.bitbucket.org",
		ProjectConf:            ".badwolf.yml",
		DockerHost:             "unix:///var/run/docker.sock",
		DockerAPITimeout:       600 * time.Second,
		DockerRunTimeout:       3600 * time.Second,
		RunnerImage:            "messense/badwolf-test-runner:python",
		Workers:                runtime.NumCPU() * 2,
		CloneRoot:              os.TempDir(),
		LogDir:                 "/var/lib/badwolf/log",
		ArtifactsDir:           "/var/lib/badwolf/artifacts",
		SMTPPort:               587,
		AutoMergeApprovalCount: 1,
		JanitorSpec:            "@daily",
	}
}

// InitConf loads path (may be empty) and applies environment overrides.
func InitConf(path string) error {
	c := DefaultConfig()
	if path != "" {
		if _, err := toml.DecodeFile(path, &c); err != nil {
			return fmt.Errorf("load config %s: %w", path, err)
		}
	}
	applyEnv(&c)
	config = c
	return nil
}

func applyEnv(c *Config) {
	c.AppEnv = getEnv("APP_ENV", c.AppEnv)
	c.ServerAddr = getEnv("BADWOLF_SERVER_ADDR", c.ServerAddr)
	c.ServerName = getEnv("SERVER_NAME", c.ServerName)
	c.LogPath = getEnv("LOG_PATH", c.LogPath)

	c.BitbucketUsername = getEnv("BITBUCKET_USERNAME", c.BitbucketUsername)
	c.BitbucketPassword = getEnv("BITBUCKET_PASSWORD", c.BitbucketPassword)
	c.BitbucketOAuthKey = getEnv("BITBUCKET_OAUTH_KEY", c.BitbucketOAuthKey)
	c.BitbucketOAuthSecret = getEnv("BITBUCKET_OAUTH_SECRET", c.BitbucketOAuthSecret)
	c.BitbucketRefreshToken = getEnv("BITBUCKET_REFRESH_TOKEN", c.BitbucketRefreshToken)
	c.BitbucketAPIURL = getEnv("BITBUCKET_API_URL", c.BitbucketAPIURL)

	c.ProjectConf = getEnv("BADWOLF_PROJECT_CONF", c.ProjectConf)
	c.DockerHost = getEnv("DOCKER_HOST", c.DockerHost)
	c.DockerAPITimeout = getEnvSeconds("DOCKER_API_TIMEOUT", c.DockerAPITimeout)
	c.DockerRunTimeout = getEnvSeconds("DOCKER_RUN_TIMEOUT", c.DockerRunTimeout)
	c.RunnerImage = getEnv("BADWOLF_RUNNER_IMAGE", c.RunnerImage)
	c.Workers = getEnvInt("BADWOLF_WORKERS", c.Workers)

	c.CloneRoot = getEnv("BADWOLF_CLONE_ROOT", c.CloneRoot)
	c.LogDir = getEnv("BADWOLF_LOG_DIR", c.LogDir)
	c.ArtifactsDir = getEnv("BADWOLF_ARTIFACTS_DIR", c.ArtifactsDir)

	c.SMTPHost = getEnv("MAIL_SERVER", c.SMTPHost)
	c.SMTPPort = getEnvInt("MAIL_PORT", c.SMTPPort)
	c.SMTPUsername = getEnv("MAIL_USERNAME", c.SMTPUsername)
	c.SMTPPassword = getEnv("MAIL_PASSWORD", c.SMTPPassword)
	c.MailSender = getEnv("MAIL_DEFAULT_SENDER", c.MailSender)

	c.VaultURL = getEnv("VAULT_URL", c.VaultURL)
	c.VaultToken = getEnv("VAULT_TOKEN", c.VaultToken)

	c.SecureTokenIdentity = getEnv("SECURE_TOKEN_KEY", c.SecureTokenIdentity)
	c.JWTKey = getEnv("BADWOLF_JWT_KEY", c.JWTKey)

	c.AutoMergeEnabled = getEnvBool("AUTO_MERGE_ENABLED", c.AutoMergeEnabled)
	c.AutoMergeApprovalCount = getEnvInt("AUTO_MERGE_APPROVAL_COUNT", c.AutoMergeApprovalCount)

	c.RetentionDays = getEnvInt("BADWOLF_RETENTION_DAYS", c.RetentionDays)
	c.JanitorSpec = getEnv("BADWOLF_JANITOR_SPEC", c.JanitorSpec)
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return time.Duration(value) * time.Second
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return Yesish(value)
}
