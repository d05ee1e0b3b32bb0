package config

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vigilwaf/vigil/internal/operators"
	"github.com/vigilwaf/vigil/internal/policy"
	"github.com/vigilwaf/vigil/internal/rules"
	"github.com/vigilwaf/vigil/internal/waf"
)

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	cfg.baseDir = filepath.Dir(absPath)
	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Timeout <= 0 {
		c.Server.Timeout = 30 * time.Second
	}
	if c.Engine.Mode == "" {
		c.Engine.Mode = "On"
	}
	if c.Engine.DefaultDenyStatus == 0 {
		c.Engine.DefaultDenyStatus = http.StatusForbidden
	}
	if c.Engine.BodyLimitAction == "" {
		c.Engine.BodyLimitAction = string(waf.BodyLimitReject)
	}
	if c.Store.Backend == "" {
		c.Store.Backend = StoreMemory
	}
	if c.Store.SweepInterval <= 0 {
		c.Store.SweepInterval = time.Minute
	}
	if c.Store.Redis.KeyPrefix == "" {
		c.Store.Redis.KeyPrefix = "vigil:"
	}
}

func (c *Config) resolvePath(p string) string {
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	base := c.baseDir
	if base == "" {
		base = "."
	}
	return filepath.Join(base, p)
}

// WAF returns the engine settings. The config must have passed Validate.
func (c *Config) WAF() (waf.Config, error) {
	mode, err := policy.ParseMode(c.Engine.Mode)
	if err != nil {
		return waf.Config{}, err
	}
	dataDir := c.resolvePath(c.Engine.DataDir)
	if dataDir == "" {
		dataDir = c.baseDir
	}
	return waf.Config{
		Mode:      mode,
		RuleFiles: c.RulePatterns(),
		Rules: rules.Options{
			DefaultDenyStatus: c.Engine.DefaultDenyStatus,
			Operators: operators.Options{
				BaseDir:       dataDir,
				SQLiThreshold: c.Engine.Detectors.SQLiThreshold,
				XSSThreshold:  c.Engine.Detectors.XSSThreshold,
			},
		},
		RequestBodyLimit:    c.Engine.RequestBodyLimit,
		ResponseBodyLimit:   c.Engine.ResponseBodyLimit,
		BodyLimitAction:     waf.BodyLimitAction(c.Engine.BodyLimitAction),
		BodyLimitStatus:     c.Engine.BodyLimitStatus,
		MaxBodyArgs:         c.Engine.MaxBodyArgs,
		InspectResponseBody: c.Engine.InspectResponseBody,
		ResponseMIMETypes:   c.Engine.ResponseMIMETypes,
	}, nil
}
