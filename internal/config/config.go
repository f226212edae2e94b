package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  struct{ Addr string `yaml:"addr"` } `yaml:"server"`
	Storage struct{ Path string `yaml:"path"` } `yaml:"storage"`

	Data struct {
		Dir      string `yaml:"dir"`
		Querylog string `yaml:"querylog"` // local copy of the router log
		State    string `yaml:"state"`
		Features string `yaml:"features"`
		History  string `yaml:"history"`
		Alerts   string `yaml:"alerts"`
	} `yaml:"data"`

	Router struct {
		Enabled      bool          `yaml:"enabled"`
		Addr         string        `yaml:"addr"` // host:port
		User         string        `yaml:"user"`
		IdentityFile string        `yaml:"identityFile"`
		KnownHosts   string        `yaml:"knownHosts"` // defaults to ~/.ssh/known_hosts
		// InsecureIgnoreHostKey skips host key checking. Only for lab setups.
		InsecureIgnoreHostKey bool          `yaml:"insecureIgnoreHostKey"`
		RemotePath            string        `yaml:"remotePath"`
		TailLines             int           `yaml:"tailLines"`
		Timeout               time.Duration `yaml:"timeout"`
		MaxRetries            int           `yaml:"maxRetries"`
	} `yaml:"router"`

	Ingest struct {
		Exclude     []ExcludeRule `yaml:"exclude"`
		ExcludeFile string        `yaml:"excludeFile"` // extra rules, YAML list of {name, pattern}
	} `yaml:"ingest"`

	Features struct {
		Bucket  time.Duration `yaml:"bucket"`
		Epsilon float64       `yaml:"epsilon"`
	} `yaml:"features"`

	Detector struct {
		MinHistory        int     `yaml:"minHistory"`
		WeightScore       float64 `yaml:"weightScore"`
		WeightMahalanobis float64 `yaml:"weightMahalanobis"`
		Trees             int     `yaml:"trees"`
		MaxSamples        int     `yaml:"maxSamples"`
		Seed              int64   `yaml:"seed"`
	} `yaml:"detector"`

	Schedule string `yaml:"schedule"` // cron, e.g. "*/5 * * * *"; empty = manual refresh only

	Retention struct {
		FirstSeen time.Duration `yaml:"firstSeen"` // 0 = keep forever
		Events    time.Duration `yaml:"events"`    // raw events older than this are pruned; 0 = keep forever
		OnRefresh bool          `yaml:"onRefresh"` // compact at the end of every refresh
	} `yaml:"retention"`

	Slack struct {
		Enabled   bool     `yaml:"enabled"`
		Webhook   string   `yaml:"webhook"`
		Threshold *float64 `yaml:"threshold"` // nil until defaulted; 0 sends every scored device
	} `yaml:"slack"`

	Tracing struct {
		Enabled      bool    `yaml:"enabled"`
		ServiceName  string  `yaml:"serviceName"`
		OTLPEndpoint string  `yaml:"otlpEndpoint"`
		SampleRatio  float64 `yaml:"sampleRatio"`
	} `yaml:"tracing"`
}

const defaultSlackThreshold = 0.8

// SlackThreshold is the combined score at or above which alerts are sent.
func (c *Config) SlackThreshold() float64 {
	if c.Slack.Threshold == nil { return defaultSlackThreshold }
	return *c.Slack.Threshold
}

type ExcludeRule struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// Load reads path and fills defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	var c Config
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" { c.Server.Addr = ":8080" }
	if c.Data.Dir == "" { c.Data.Dir = "data" }
	if c.Storage.Path == "" { c.Storage.Path = c.Data.Dir + "/dns-anomaly.db" }
	if c.Data.Querylog == "" { c.Data.Querylog = c.Data.Dir + "/querylog.json" }
	if c.Data.State == "" { c.Data.State = c.Data.Dir + "/state.json" }
	if c.Data.Features == "" { c.Data.Features = c.Data.Dir + "/features.csv" }
	if c.Data.History == "" { c.Data.History = c.Data.Dir + "/history.csv" }
	if c.Data.Alerts == "" { c.Data.Alerts = c.Data.Dir + "/alerts.csv" }

	if c.Router.User == "" { c.Router.User = "root" }
	if c.Router.KnownHosts == "" && !c.Router.InsecureIgnoreHostKey {
		if home, err := os.UserHomeDir(); err == nil {
			c.Router.KnownHosts = filepath.Join(home, ".ssh", "known_hosts")
		}
	}
	if c.Router.RemotePath == "" { c.Router.RemotePath = "/etc/AdGuardHome/data/querylog.json" }
	if c.Router.TailLines == 0 { c.Router.TailLines = 20000 }
	if c.Router.Timeout == 0 { c.Router.Timeout = 30 * time.Second }
	if c.Router.MaxRetries == 0 { c.Router.MaxRetries = 3 }

	if c.Features.Bucket == 0 { c.Features.Bucket = time.Minute }
	if c.Features.Epsilon == 0 { c.Features.Epsilon = 1e-7 }

	if c.Detector.MinHistory == 0 { c.Detector.MinHistory = 2 }
	if c.Detector.WeightScore == 0 && c.Detector.WeightMahalanobis == 0 {
		c.Detector.WeightScore, c.Detector.WeightMahalanobis = 0.5, 0.5
	}
	if c.Detector.Trees == 0 { c.Detector.Trees = 100 }
	if c.Detector.MaxSamples == 0 { c.Detector.MaxSamples = 256 }

	if c.Slack.Threshold == nil {
		t := defaultSlackThreshold
		c.Slack.Threshold = &t
	}

	if c.Tracing.ServiceName == "" { c.Tracing.ServiceName = "go-dns-anomaly-detector" }
	if c.Tracing.OTLPEndpoint == "" { c.Tracing.OTLPEndpoint = "localhost:4317" }
	if c.Tracing.SampleRatio == 0 { c.Tracing.SampleRatio = 1.0 }
}

func (c *Config) Validate() error {
	if c.Features.Bucket < time.Second {
		return fmt.Errorf("features.bucket must be at least 1s, got %s", c.Features.Bucket)
	}
	if c.Detector.MinHistory < 1 {
		return fmt.Errorf("detector.minHistory must be >= 1, got %d", c.Detector.MinHistory)
	}
	if c.Detector.WeightScore < 0 || c.Detector.WeightMahalanobis < 0 {
		return errors.New("detector weights must be non-negative")
	}
	if c.Retention.FirstSeen < 0 || c.Retention.Events < 0 {
		return errors.New("retention durations must be non-negative")
	}
	if c.Router.Enabled && c.Router.Addr == "" {
		return errors.New("router.addr is required when router.enabled is set")
	}
	if c.Router.Enabled && c.Router.IdentityFile == "" {
		return errors.New("router.identityFile is required when router.enabled is set")
	}
	if c.Router.Enabled && c.Router.KnownHosts == "" && !c.Router.InsecureIgnoreHostKey {
		return errors.New("router.knownHosts is required when router.enabled is set")
	}
	return nil
}
