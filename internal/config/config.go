// Package config provides configuration types and loading for coreclaw.
package config

import (
	"time"

	"github.com/ostheimer/coreclaw/internal/notify"
	"github.com/ostheimer/coreclaw/internal/queue"
	"github.com/ostheimer/coreclaw/internal/tap"
	"github.com/ostheimer/coreclaw/internal/worker"
)

// Config is the root configuration struct.
type Config struct {
	Paths      PathsConfig      `json:"paths"`
	Mode       string           `json:"mode" envconfig:"MODE"`
	Queue      queue.Config     `json:"queue"`
	Worker     worker.Config    `json:"worker"`
	Conductors ConductorsConfig `json:"conductors"`
	Kafka      tap.Config       `json:"kafka"`
	Slack      notify.Config    `json:"slack"`
	Secrets    SecretsConfig    `json:"secrets"`
}

// PathsConfig groups filesystem locations.
type PathsConfig struct {
	DataDir string `json:"dataDir" envconfig:"DATA_DIR"`
	DBPath  string `json:"dbPath" envconfig:"DB_PATH"`
}

// ConductorsConfig groups conductor timing settings.
type ConductorsConfig struct {
	BriefingInterval time.Duration `json:"briefingInterval" envconfig:"BRIEFING_INTERVAL"`
	LearningInterval time.Duration `json:"learningInterval" envconfig:"LEARNING_INTERVAL"`
}

// SecretsConfig lists the secret names workers may receive per task
// type. An absent entry means no secrets for that type.
type SecretsConfig struct {
	AllowList map[string][]string `json:"allowList"`
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() *Config {
	return &Config{
		Mode:   "suggest",
		Queue:  queue.DefaultConfig(),
		Worker: worker.DefaultConfig(),
		Conductors: ConductorsConfig{
			BriefingInterval: 5 * time.Minute,
			LearningInterval: 5 * time.Minute,
		},
		Kafka: tap.DefaultConfig(),
	}
}
