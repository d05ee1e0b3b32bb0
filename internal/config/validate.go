package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vigilwaf/vigil/internal/logging"
	"github.com/vigilwaf/vigil/internal/policy"
	"github.com/vigilwaf/vigil/internal/waf"
)

type ValidationError struct {
	Problems []string
}

func (v *ValidationError) Add(format string, args ...any) {
	v.Problems = append(v.Problems, fmt.Sprintf(format, args...))
}

func (v *ValidationError) Error() string {
	return fmt.Sprintf("%d validation error(s)", len(v.Problems))
}

// Validate checks the settings. Rule syntax is checked separately when the
// rules are compiled.
func (c *Config) Validate() error {
	v := &ValidationError{}

	if c.ConfigVersion != 1 {
		v.Add("configVersion must be 1")
	}

	if err := validateListen(c.Server.Listen); err != nil {
		v.Add("server.listen invalid: %v", err)
	}

	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			v.Add("server.tls.certFile required when tls.enabled is true")
		}
		if c.Server.TLS.KeyFile == "" {
			v.Add("server.tls.keyFile required when tls.enabled is true")
		}
		if c.Server.TLS.CertFile != "" {
			if err := requireFile(c.resolvePath(c.Server.TLS.CertFile)); err != nil {
				v.Add("server.tls.certFile invalid: %v", err)
			}
		}
		if c.Server.TLS.KeyFile != "" {
			if err := requireFile(c.resolvePath(c.Server.TLS.KeyFile)); err != nil {
				v.Add("server.tls.keyFile invalid: %v", err)
			}
		}
	}

	if c.Metrics.Enabled {
		if err := validateListen(c.Metrics.Listen); err != nil {
			v.Add("metrics.listen invalid: %v", err)
		}
	}
	if c.Admin.Enabled {
		if err := validateListen(c.Admin.Listen); err != nil {
			v.Add("admin.listen invalid: %v", err)
		}
	}

	upstreamNames := map[string]struct{}{}
	for i, upstream := range c.Upstreams {
		if upstream.Name == "" {
			v.Add("upstreams[%d].name is required", i)
		} else if _, exists := upstreamNames[upstream.Name]; exists {
			v.Add("upstreams[%d].name %q is duplicated", i, upstream.Name)
		} else {
			upstreamNames[upstream.Name] = struct{}{}
		}

		if upstream.URL == "" {
			v.Add("upstreams[%d].url is required", i)
		} else if err := validateURL(upstream.URL); err != nil {
			v.Add("upstreams[%d].url invalid: %v", i, err)
		}
	}

	for i, route := range c.Routes {
		if route.Match.PathPrefix == "" {
			v.Add("routes[%d].match.pathPrefix is required", i)
		}
		if route.Upstream == "" {
			v.Add("routes[%d].upstream is required", i)
		} else if _, exists := upstreamNames[route.Upstream]; !exists {
			v.Add("routes[%d].upstream %q does not exist", i, route.Upstream)
		}
	}

	c.validateEngine(v)
	c.validateStore(v)

	if c.Audit.Path != "" {
		if err := ensureWritable(c.resolvePath(c.Audit.Path)); err != nil {
			v.Add("audit.path invalid: %v", err)
		}
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		v.Add("logging.level invalid: %v", err)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "console":
	default:
		v.Add("logging.format must be json|console")
	}

	if len(v.Problems) > 0 {
		sort.Strings(v.Problems)
		return v
	}
	return nil
}

func (c *Config) validateEngine(v *ValidationError) {
	e := c.Engine
	if _, err := policy.ParseMode(e.Mode); err != nil {
		v.Add("engine.mode must be On|DetectionOnly|Off")
	}
	if len(e.Rules) == 0 {
		v.Add("engine.rules requires at least one file pattern")
	}
	for i, pattern := range c.RulePatterns() {
		matches, err := filepath.Glob(pattern)
		switch {
		case err != nil:
			v.Add("engine.rules[%d] invalid: %v", i, err)
		case len(matches) == 0:
			v.Add("engine.rules[%d] %q matches no files", i, e.Rules[i])
		}
	}
	if e.DataDir != "" {
		if info, err := os.Stat(c.resolvePath(e.DataDir)); err != nil || !info.IsDir() {
			v.Add("engine.dataDir must be a directory")
		}
	}
	if e.DefaultDenyStatus < 400 || e.DefaultDenyStatus > 599 {
		v.Add("engine.defaultDenyStatus must be a 4xx or 5xx status")
	}
	if e.RequestBodyLimit < 0 {
		v.Add("engine.requestBodyLimit must be >= 0")
	}
	if e.ResponseBodyLimit < 0 {
		v.Add("engine.responseBodyLimit must be >= 0")
	}
	switch waf.BodyLimitAction(e.BodyLimitAction) {
	case waf.BodyLimitReject, waf.BodyLimitPass:
	default:
		v.Add("engine.bodyLimitAction must be reject|pass")
	}
	if e.BodyLimitStatus != 0 && (e.BodyLimitStatus < 400 || e.BodyLimitStatus > 599) {
		v.Add("engine.bodyLimitStatus must be a 4xx or 5xx status")
	}
	if e.MaxBodyArgs < 0 {
		v.Add("engine.maxBodyArgs must be >= 0")
	}
	if e.Detectors.SQLiThreshold < 0 || e.Detectors.XSSThreshold < 0 {
		v.Add("engine.detectors thresholds must be >= 0")
	}
}

func (c *Config) validateStore(v *ValidationError) {
	switch c.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		if len(c.Store.Redis.Addrs) == 0 {
			v.Add("store.redis.addrs required when store.backend is redis")
		}
		for i, addr := range c.Store.Redis.Addrs {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				v.Add("store.redis.addrs[%d] invalid: %v", i, err)
			}
		}
	default:
		v.Add("store.backend must be memory|redis")
	}
}

func validateListen(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return errors.New("address is required")
	}
	if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
		return err
	}
	return nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return errors.New("must include scheme and host")
	}
	return nil
}

func requireFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

func ensureWritable(path string) error {
	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	file, err := os.CreateTemp(dir, "vigil-validate-*")
	if err != nil {
		return err
	}
	name := file.Name()
	if err := file.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}
