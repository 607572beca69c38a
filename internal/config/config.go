package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polarfoxDev/anchor/internal/helpers"
	"github.com/polarfoxDev/anchor/internal/model"
)

// ErrInvalid is wrapped by every validation failure
var ErrInvalid = errors.New("invalid config")

const (
	EncryptionGPG = "gpg"
	EncryptionAge = "age"

	defaultMailPort = 465
	defaultListen   = ":8080"
)

// Config represents the complete configuration file
type Config struct {
	General GeneralConfig `yaml:"general"`
	Backup  BackupConfig  `yaml:"backup"`
	Mail    MailConfig    `yaml:"mail"`
	API     APIConfig     `yaml:"api,omitempty"`
}

// GeneralConfig holds tool paths, credentials and run policy
type GeneralConfig struct {
	LockFile           string       `yaml:"lockFile"`
	RsyncPath          string       `yaml:"rsyncPath,omitempty"`          // defaults to "rsync" from PATH
	Encryption         string       `yaml:"encryption,omitempty"`         // gpg (default) or age
	GPGPublicKey       string       `yaml:"gpgPublicKey,omitempty"`       // recipient key id for gpg -r
	AgeRecipients      []string     `yaml:"ageRecipients,omitempty"`      // age1... public keys
	DropboxToken       string       `yaml:"dropboxToken"`                 // access token (use ${ENV})
	DropboxTarget      string       `yaml:"dropboxTarget"`                // remote folder, e.g. /Backups/host
	FullBackupInterval int          `yaml:"fullBackupInterval"`           // every Nth run is a full backup
	Layout             model.Layout `yaml:"layout,omitempty"`             // shared (default) or separate
	Schedule           string       `yaml:"schedule,omitempty"`           // cron expression for daemon mode
	StateDB            string       `yaml:"stateDB,omitempty"`            // sqlite file for runs and logs
	MetricsTextfile    string       `yaml:"metricsTextfile,omitempty"`    // optional node_exporter textfile
	UploadRateLimit    int64        `yaml:"uploadRateLimit,omitempty"`    // bytes per second, 0 = unlimited
	CommandTimeout     string       `yaml:"commandTimeout,omitempty"`     // e.g. "6h", empty = no timeout
}

// BackupConfig describes what is backed up and where local artifacts go
type BackupConfig struct {
	SrcDirs    []string `yaml:"srcDirs"`
	TargetDir  string   `yaml:"targetDir"`
	LogDir     string   `yaml:"logDir"`
	WorkDir    string   `yaml:"workDir,omitempty"`    // archive and encrypted file location, defaults to targetDir
	RsyncExtra string   `yaml:"rsyncExtra,omitempty"` // appended to every rsync call, split on whitespace
}

// MailConfig holds the outbound SMTP settings used for notifications
type MailConfig struct {
	From             string `yaml:"from"`
	To               string `yaml:"to"`
	Host             string `yaml:"host"`
	Port             int    `yaml:"port,omitempty"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	StartTLS         bool   `yaml:"startTLS,omitempty"`         // false = implicit TLS (smtps)
	NotifyMilestones bool   `yaml:"notifyMilestones,omitempty"` // also mail when a run starts
}

// APIConfig configures the status API served by cmd/api
type APIConfig struct {
	Listen   string `yaml:"listen,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// Enabled reports whether enough is configured to send mail
func (m MailConfig) Enabled() bool {
	return m.Host != "" && m.To != "" && m.From != ""
}

// Load reads and parses the config file, expanding environment variables and applying defaults.
// The result is validated; a validation error wraps ErrInvalid.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.expand()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) expand() {
	g := &c.General
	g.LockFile = expandEnv(g.LockFile)
	g.RsyncPath = expandEnv(g.RsyncPath)
	g.Encryption = expandEnv(g.Encryption)
	g.GPGPublicKey = expandEnv(g.GPGPublicKey)
	g.DropboxToken = expandEnv(g.DropboxToken)
	g.DropboxTarget = expandEnv(g.DropboxTarget)
	g.Schedule = expandEnv(g.Schedule)
	g.StateDB = expandEnv(g.StateDB)
	g.MetricsTextfile = expandEnv(g.MetricsTextfile)
	g.CommandTimeout = expandEnv(g.CommandTimeout)
	for i := range g.AgeRecipients {
		g.AgeRecipients[i] = expandEnv(g.AgeRecipients[i])
	}

	b := &c.Backup
	b.TargetDir = expandEnv(b.TargetDir)
	b.LogDir = expandEnv(b.LogDir)
	b.WorkDir = expandEnv(b.WorkDir)
	b.RsyncExtra = expandEnv(b.RsyncExtra)
	for i := range b.SrcDirs {
		b.SrcDirs[i] = expandEnv(b.SrcDirs[i])
	}

	m := &c.Mail
	m.From = expandEnv(m.From)
	m.To = expandEnv(m.To)
	m.Host = expandEnv(m.Host)
	m.Username = expandEnv(m.Username)
	m.Password = expandEnv(m.Password)

	c.API.Listen = expandEnv(c.API.Listen)
	c.API.Password = expandEnv(c.API.Password)
}

func (c *Config) applyDefaults() {
	if c.General.RsyncPath == "" {
		c.General.RsyncPath = "rsync"
	}
	if c.General.Encryption == "" {
		c.General.Encryption = EncryptionGPG
	}
	c.General.Encryption = strings.ToLower(c.General.Encryption)
	if c.General.Layout == "" {
		c.General.Layout = model.LayoutShared
	}
	if c.General.StateDB == "" && c.Backup.LogDir != "" {
		c.General.StateDB = filepath.Join(c.Backup.LogDir, "anchor.db")
	}
	if c.Backup.WorkDir == "" {
		c.Backup.WorkDir = c.Backup.TargetDir
	}
	if c.Mail.Port == 0 {
		c.Mail.Port = defaultMailPort
	}
	if c.API.Listen == "" {
		c.API.Listen = defaultListen
	}
}

// Validate checks the configuration before anything destructive happens
func (c *Config) Validate() error {
	var problems []string
	require := func(v, key string) {
		if strings.TrimSpace(v) == "" {
			problems = append(problems, key+" is required")
		}
	}

	require(c.General.LockFile, "general.lockFile")
	require(c.General.DropboxToken, "general.dropboxToken")
	require(c.General.DropboxTarget, "general.dropboxTarget")
	require(c.Backup.TargetDir, "backup.targetDir")
	require(c.Backup.LogDir, "backup.logDir")

	if c.General.FullBackupInterval <= 0 {
		problems = append(problems, fmt.Sprintf("general.fullBackupInterval must be positive, got %d", c.General.FullBackupInterval))
	}
	if len(c.Backup.SrcDirs) == 0 {
		problems = append(problems, "backup.srcDirs must list at least one directory")
	}

	switch c.General.Encryption {
	case EncryptionGPG:
		require(c.General.GPGPublicKey, "general.gpgPublicKey")
	case EncryptionAge:
		if len(c.General.AgeRecipients) == 0 {
			problems = append(problems, "general.ageRecipients must list at least one recipient")
		}
	default:
		problems = append(problems, fmt.Sprintf("general.encryption must be %q or %q, got %q", EncryptionGPG, EncryptionAge, c.General.Encryption))
	}

	switch c.General.Layout {
	case model.LayoutShared, model.LayoutSeparate:
	default:
		problems = append(problems, fmt.Sprintf("general.layout must be %q or %q, got %q", model.LayoutShared, model.LayoutSeparate, c.General.Layout))
	}

	if c.General.Schedule != "" {
		if err := helpers.ValidateCron(c.General.Schedule); err != nil {
			problems = append(problems, fmt.Sprintf("general.schedule: %v", err))
		}
	}
	if c.General.CommandTimeout != "" {
		if _, err := time.ParseDuration(c.General.CommandTimeout); err != nil {
			problems = append(problems, fmt.Sprintf("general.commandTimeout: %v", err))
		}
	}
	if c.General.UploadRateLimit < 0 {
		problems = append(problems, "general.uploadRateLimit must not be negative")
	}
	require(c.Mail.Host, "mail.host")
	require(c.Mail.From, "mail.from")
	require(c.Mail.To, "mail.to")

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// CommandTimeoutDuration returns the parsed command timeout, zero when unset
func (c *Config) CommandTimeoutDuration() time.Duration {
	if c.General.CommandTimeout == "" {
		return 0
	}
	d, _ := time.ParseDuration(c.General.CommandTimeout)
	return d
}

// RsyncExtraArgs splits the extra rsync flags the same way a shell would split unquoted words
func (c *Config) RsyncExtraArgs() []string {
	return strings.Fields(c.Backup.RsyncExtra)
}

// expandEnv expands environment variable references in the format ${VAR} or $VAR
func expandEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		var varName string
		if match[1] == '{' {
			varName = match[2 : len(match)-1] // ${VAR}
		} else {
			varName = match[1:] // $VAR
		}
		return os.Getenv(varName)
	})
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)
