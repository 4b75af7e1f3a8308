package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	Api         ApiConfig         `yaml:"api"`
	Paths       PathsConfig       `yaml:"paths"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	HuggingFace HuggingFaceConfig `yaml:"huggingface"`
	Download    DownloadConfig    `yaml:"download"`
	Log         LogConfig         `yaml:"log"`
	Generation  GenerationConfig  `yaml:"generation"`
}

type ApiConfig struct {
	Host           string `yaml:"host"`
	Port           string `yaml:"port"`
	AllowedOrigins string `yaml:"allowedOrigins"`
	StaticDir      string `yaml:"staticDir"`
}

type PathsConfig struct {
	Models      string `yaml:"models"`
	Loras       string `yaml:"loras"`
	Outputs     string `yaml:"outputs"`
	PromptsFile string `yaml:"promptsFile"`
	HistoryDB   string `yaml:"historyDb"`
	HFCache     string `yaml:"hfCache"`
}

type RuntimeConfig struct {
	Peer        string        `yaml:"peer"`
	Port        string        `yaml:"port"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
	CallTimeout time.Duration `yaml:"callTimeout"`
}

type HuggingFaceConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Token           string `yaml:"token"`
	FluxDevRepo     string `yaml:"fluxDevRepo"`
	FluxSchnellRepo string `yaml:"fluxSchnellRepo"`
	MaxConcurrent   int    `yaml:"maxConcurrent"`
}

type DownloadConfig struct {
	QueueSize     int `yaml:"queueSize"`
	MaxConcurrent int `yaml:"maxConcurrent"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

type GenerationConfig struct {
	FilenamePrefix string `yaml:"filenamePrefix"`
	Version        string `yaml:"version"`
}

// WithDefaults fills every zero value the app cannot start without.
func (c Config) WithDefaults() Config {
	def := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	defInt := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}

	def(&c.Api.Host, "127.0.0.1")
	def(&c.Api.Port, "7860")
	def(&c.Api.AllowedOrigins, "*")

	def(&c.Paths.Models, "./models")
	def(&c.Paths.Loras, "./loras")
	def(&c.Paths.Outputs, "./outputs")
	def(&c.Paths.PromptsFile, "prompts.toml")
	def(&c.Paths.HistoryDB, "./data/history.db")
	if c.Paths.HFCache == "" {
		if env := os.Getenv("HF_HUB_CACHE"); env != "" {
			c.Paths.HFCache = env
		} else if home, err := os.UserHomeDir(); err == nil {
			c.Paths.HFCache = filepath.Join(home, ".cache", "huggingface", "hub")
		} else {
			c.Paths.HFCache = "./.hf-cache"
		}
	}

	def(&c.Runtime.Peer, "127.0.0.1")
	def(&c.Runtime.Port, "50051")
	if c.Runtime.DialTimeout <= 0 {
		c.Runtime.DialTimeout = 240 * time.Second
	}
	if c.Runtime.CallTimeout <= 0 {
		c.Runtime.CallTimeout = 30 * time.Minute
	}

	def(&c.HuggingFace.Endpoint, "https://huggingface.co")
	def(&c.HuggingFace.FluxDevRepo, "black-forest-labs/FLUX.1-dev")
	def(&c.HuggingFace.FluxSchnellRepo, "black-forest-labs/FLUX.1-schnell")
	if c.HuggingFace.Token == "" {
		c.HuggingFace.Token = os.Getenv("HF_TOKEN")
	}
	defInt(&c.HuggingFace.MaxConcurrent, 4)

	defInt(&c.Download.QueueSize, 16)
	defInt(&c.Download.MaxConcurrent, 2)

	def(&c.Log.Level, "info")
	defInt(&c.Log.MaxSizeMB, 20)
	defInt(&c.Log.MaxBackups, 3)
	defInt(&c.Log.MaxAgeDays, 14)

	def(&c.Generation.FilenamePrefix, "ArtTic-LAB")
	def(&c.Generation.Version, "3.1.0")
	return c
}
