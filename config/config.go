// Package config loads deploybot configuration from defaults, a YAML file,
// a .env file and the process environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/compose-spec/compose-go/v2/dotenv"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DatabaseFile = "deploybot.db"
	LogsDir      = "logs"
	EnvFile      = ".env"
)

// EnvProvider abstracts environment variable access for testing
type EnvProvider interface {
	Getenv(key string) string
	UserHomeDir() (string, error)
}

// DefaultEnvProvider implements EnvProvider using real OS functions
type DefaultEnvProvider struct{}

func (p *DefaultEnvProvider) Getenv(key string) string {
	return os.Getenv(key)
}

func (p *DefaultEnvProvider) UserHomeDir() (string, error) {
	return os.UserHomeDir()
}

// TargetConfig describes one deployment slot (a chat channel or environment)
type TargetConfig struct {
	Key        string `yaml:"key" validate:"required"`
	Name       string `yaml:"name"`
	Inventory  string `yaml:"inventory"`
	SkipChecks bool   `yaml:"skip_checks"`
	// AllowedArgs maps accepted user argument keys to automation extra-var names
	AllowedArgs map[string]string `yaml:"allowed_args"`
}

// DisplayName returns the name, falling back to the key
func (t TargetConfig) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Key
}

// AllowedArgKeys returns the allow-listed user argument keys
func (t TargetConfig) AllowedArgKeys() []string {
	keys := make([]string, 0, len(t.AllowedArgs))
	for key := range t.AllowedArgs {
		keys = append(keys, key)
	}
	return keys
}

// Config holds configuration for all services
type Config struct {
	// Core paths
	DataDir      string `validate:"required"`
	DatabasePath string
	LogDir       string

	// Logging
	LogLevel     string `validate:"oneof=debug info warning error silent"`
	LogFormat    string `validate:"oneof=text json"`
	ColorEnabled bool

	// HTTP server
	HTTPHost string
	HTTPPort int `validate:"min=1,max=65535"`

	// GitHub checks
	GitHubToken        string
	GitHubBaseURL      string        `validate:"omitempty,url"`
	CheckRepos         []string      `validate:"dive,required,contains=/"`
	CheckRef           string        `validate:"required"`
	CheckInterval      time.Duration `validate:"gt=0"`
	IgnoredChecks      []string
	PassingConclusions []string `validate:"min=1"`

	// Provisioning
	AnsibleRoot     string        `validate:"required"`
	AnsibleBin      string        `validate:"required"`
	AnsiblePlaybook string        `validate:"required"`
	Highlights      []string
	KillGrace       time.Duration `validate:"gt=0"`

	// Control repository
	GitRemote  string        `validate:"required"`
	GitBranch  string        `validate:"required"`
	GitTimeout time.Duration `validate:"gt=0"`

	// Control repository credentials
	GitUsername string
	GitToken    string
	GitSSHKey   string

	// Action tokens
	ActionKey string
	ActionTTL time.Duration `validate:"gt=0"`

	// Notifications
	WebhookURL string `validate:"omitempty,url"`

	SuperUsers []string
	Targets    []TargetConfig `validate:"dive"`

	// Environment provider for testing
	env EnvProvider
	// values read from the .env file, consulted after the process environment
	dotenv map[string]string
}

// fileConfig mirrors the YAML layout of the configuration file
type fileConfig struct {
	DataDir      string `yaml:"data_dir"`
	DatabasePath string `yaml:"database_path"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`
	ColorEnabled *bool  `yaml:"color_enabled"`
	HTTP         struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"http"`
	GitHub struct {
		Token   string `yaml:"token"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"github"`
	Checks struct {
		Repos              []string `yaml:"repos"`
		Ref                string   `yaml:"ref"`
		Interval           string   `yaml:"interval"`
		Ignored            []string `yaml:"ignored"`
		PassingConclusions []string `yaml:"passing_conclusions"`
	} `yaml:"checks"`
	Ansible struct {
		Root       string   `yaml:"root"`
		Bin        string   `yaml:"bin"`
		Playbook   string   `yaml:"playbook"`
		Highlights []string `yaml:"highlights"`
		KillGrace  string   `yaml:"kill_grace"`
	} `yaml:"ansible"`
	Git struct {
		Remote   string `yaml:"remote"`
		Branch   string `yaml:"branch"`
		Timeout  string `yaml:"timeout"`
		Username string `yaml:"username"`
		Token    string `yaml:"token"`
		SSHKey   string `yaml:"ssh_key"`
	} `yaml:"git"`
	Actions struct {
		Key string `yaml:"key"`
		TTL string `yaml:"ttl"`
	} `yaml:"actions"`
	Notify struct {
		WebhookURL string `yaml:"webhook_url"`
	} `yaml:"notify"`
	SuperUsers []string       `yaml:"super_users"`
	Targets    []TargetConfig `yaml:"targets"`
}

// GetDefaultDataDir returns the default data directory following the XDG Base Directory specification
func GetDefaultDataDir() string {
	return getDefaultDataDirWithEnv(&DefaultEnvProvider{})
}

func getDefaultDataDirWithEnv(env EnvProvider) string {
	if xdgDataHome := env.Getenv("XDG_DATA_HOME"); xdgDataHome != "" {
		return filepath.Join(xdgDataHome, "deploybot")
	}

	homeDir, _ := env.UserHomeDir()
	return filepath.Join(homeDir, ".local", "share", "deploybot")
}

// NewConfig creates a configuration from an optional YAML file
func NewConfig(configPath string) (*Config, error) {
	return NewConfigWithEnv(configPath, &DefaultEnvProvider{})
}

// NewConfigWithEnv creates a configuration with a custom environment provider (for testing).
// An empty configPath skips the YAML layer.
func NewConfigWithEnv(configPath string, env EnvProvider) (*Config, error) {
	c := &Config{env: env}

	c.setDefaults()

	if configPath != "" {
		if err := c.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	c.loadDotenv(EnvFile)
	if err := c.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	c.derivePaths()

	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return c, nil
}

// setDefaults sets sensible default values
func (c *Config) setDefaults() {
	c.DataDir = getDefaultDataDirWithEnv(c.env)
	c.LogLevel = "info"
	c.LogFormat = "text"
	c.ColorEnabled = true
	c.HTTPHost = "127.0.0.1"
	c.HTTPPort = 8080
	c.CheckRef = "main"
	c.CheckInterval = 2 * time.Minute
	c.IgnoredChecks = []string{"Dependabot"}
	c.PassingConclusions = []string{"success", "neutral", "skipped"}
	c.AnsibleBin = "ansible-playbook"
	c.AnsiblePlaybook = "deploy.yml"
	c.KillGrace = 10 * time.Second
	c.GitRemote = "origin"
	c.GitBranch = "main"
	c.GitTimeout = 30 * time.Second
	c.ActionTTL = 24 * time.Hour
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	setString(&c.DataDir, fc.DataDir)
	setString(&c.DatabasePath, fc.DatabasePath)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogFormat, fc.LogFormat)
	if fc.ColorEnabled != nil {
		c.ColorEnabled = *fc.ColorEnabled
	}
	setString(&c.HTTPHost, fc.HTTP.Host)
	if fc.HTTP.Port != 0 {
		c.HTTPPort = fc.HTTP.Port
	}
	setString(&c.GitHubToken, fc.GitHub.Token)
	setString(&c.GitHubBaseURL, fc.GitHub.BaseURL)
	setList(&c.CheckRepos, fc.Checks.Repos)
	setString(&c.CheckRef, fc.Checks.Ref)
	setList(&c.IgnoredChecks, fc.Checks.Ignored)
	setList(&c.PassingConclusions, fc.Checks.PassingConclusions)
	setString(&c.AnsibleRoot, fc.Ansible.Root)
	setString(&c.AnsibleBin, fc.Ansible.Bin)
	setString(&c.AnsiblePlaybook, fc.Ansible.Playbook)
	setList(&c.Highlights, fc.Ansible.Highlights)
	setString(&c.GitRemote, fc.Git.Remote)
	setString(&c.GitBranch, fc.Git.Branch)
	setString(&c.GitUsername, fc.Git.Username)
	setString(&c.GitToken, fc.Git.Token)
	setString(&c.GitSSHKey, fc.Git.SSHKey)
	setString(&c.ActionKey, fc.Actions.Key)
	setString(&c.WebhookURL, fc.Notify.WebhookURL)
	setList(&c.SuperUsers, fc.SuperUsers)
	if len(fc.Targets) > 0 {
		c.Targets = fc.Targets
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"checks.interval", fc.Checks.Interval, &c.CheckInterval},
		{"ansible.kill_grace", fc.Ansible.KillGrace, &c.KillGrace},
		{"git.timeout", fc.Git.Timeout, &c.GitTimeout},
		{"actions.ttl", fc.Actions.TTL, &c.ActionTTL},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.value); err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
	}

	return nil
}

// loadDotenv reads an optional .env file from the working directory
func (c *Config) loadDotenv(path string) {
	values, err := dotenv.Read(path)
	if err != nil {
		// .env file doesn't exist or can't be read, that's okay
		return
	}
	c.dotenv = values
}

// getenv returns the first non-empty value among keys, process environment first
func (c *Config) getenv(keys ...string) string {
	for _, key := range keys {
		if v := c.env.Getenv(key); v != "" {
			return v
		}
	}
	for _, key := range keys {
		if v := c.dotenv[key]; v != "" {
			return v
		}
	}
	return ""
}

// loadFromEnv loads configuration from environment variables. The unprefixed
// names are accepted for compatibility with existing deployments.
func (c *Config) loadFromEnv() error {
	setString(&c.DataDir, c.getenv("DEPLOYBOT_DATA_DIR"))
	setString(&c.DatabasePath, c.getenv("DEPLOYBOT_DATABASE_PATH"))
	setString(&c.LogLevel, c.getenv("DEPLOYBOT_LOG_LEVEL"))
	setString(&c.LogFormat, c.getenv("DEPLOYBOT_LOG_FORMAT"))
	if v := c.getenv("DEPLOYBOT_COLOR_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.ColorEnabled = enabled
		}
	}
	setString(&c.HTTPHost, c.getenv("DEPLOYBOT_HTTP_HOST"))
	if v := c.getenv("DEPLOYBOT_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DEPLOYBOT_HTTP_PORT: %w", err)
		}
		c.HTTPPort = port
	}
	setString(&c.GitHubToken, c.getenv("DEPLOYBOT_GITHUB_TOKEN", "OCTOKIT_TOKEN"))
	setString(&c.GitHubBaseURL, c.getenv("DEPLOYBOT_GITHUB_BASE_URL"))
	setList(&c.CheckRepos, splitList(c.getenv("DEPLOYBOT_CHECK_REPOS", "CHECK_REPOS")))
	setString(&c.CheckRef, c.getenv("DEPLOYBOT_CHECK_REF"))
	setString(&c.AnsibleRoot, c.getenv("DEPLOYBOT_ANSIBLE_ROOT", "ANSIBLE_ROOT"))
	setString(&c.AnsibleBin, c.getenv("DEPLOYBOT_ANSIBLE_BIN", "ANSIBLE_BIN"))
	setString(&c.AnsiblePlaybook, c.getenv("DEPLOYBOT_ANSIBLE_PLAYBOOK", "ANSIBLE_PLAYBOOK"))
	setList(&c.Highlights, splitList(c.getenv("DEPLOYBOT_HIGHLIGHTS", "DEPLOYMENT_HIGHLIGHTS")))
	setString(&c.GitRemote, c.getenv("DEPLOYBOT_GIT_REMOTE"))
	setString(&c.GitBranch, c.getenv("DEPLOYBOT_GIT_BRANCH"))
	setString(&c.GitUsername, c.getenv("DEPLOYBOT_GIT_USERNAME"))
	setString(&c.GitToken, c.getenv("DEPLOYBOT_GIT_TOKEN"))
	setString(&c.GitSSHKey, c.getenv("DEPLOYBOT_GIT_SSH_KEY"))
	setString(&c.ActionKey, c.getenv("DEPLOYBOT_ACTION_KEY"))
	setString(&c.WebhookURL, c.getenv("DEPLOYBOT_WEBHOOK_URL"))
	setList(&c.SuperUsers, splitList(c.getenv("DEPLOYBOT_SUPER_USERS", "SUPER_USERS")))

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"DEPLOYBOT_CHECK_INTERVAL", &c.CheckInterval},
		{"DEPLOYBOT_KILL_GRACE", &c.KillGrace},
		{"DEPLOYBOT_GIT_TIMEOUT", &c.GitTimeout},
		{"DEPLOYBOT_ACTION_TTL", &c.ActionTTL},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, c.getenv(d.key)); err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
	}

	return nil
}

// derivePaths calculates dependent paths from the base DataDir
func (c *Config) derivePaths() {
	c.LogDir = filepath.Join(c.DataDir, LogsDir)
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, DatabaseFile)
	}
}

// validate ensures configuration values are valid
func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
			fe := validationErrs[0]
			return fmt.Errorf("field %s failed %q validation (value: %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}

	seen := make(map[string]struct{}, len(c.Targets))
	for _, target := range c.Targets {
		if _, ok := seen[target.Key]; ok {
			return fmt.Errorf("duplicate target key: %s", target.Key)
		}
		seen[target.Key] = struct{}{}
	}

	if _, err := CompileHighlights(c.Highlights); err != nil {
		return err
	}

	return nil
}

// Target returns the profile configured for key
func (c *Config) Target(key string) (TargetConfig, bool) {
	for _, target := range c.Targets {
		if target.Key == key {
			return target, true
		}
	}
	return TargetConfig{}, false
}

// IsSuperUser reports whether user may force deployments
func (c *Config) IsSuperUser(user string) bool {
	for _, su := range c.SuperUsers {
		if su == user {
			return true
		}
	}
	return false
}

// HighlightPatterns compiles the configured highlight labels
func (c *Config) HighlightPatterns() []*regexp.Regexp {
	patterns, _ := CompileHighlights(c.Highlights)
	return patterns
}

// CompileHighlights turns highlight labels into task-header patterns. The
// first capture group of each pattern holds the label that was matched.
func CompileHighlights(labels []string) ([]*regexp.Regexp, error) {
	patterns := make([]*regexp.Regexp, 0, len(labels))
	for _, label := range labels {
		re, err := regexp.Compile(`TASK \[(?:\w+ : )?(` + label + `)\]`)
		if err != nil {
			return nil, fmt.Errorf("invalid highlight %q: %w", label, err)
		}
		patterns = append(patterns, re)
	}
	return patterns, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setList(dst *[]string, v []string) {
	if len(v) > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
