package config

import "time"

type Config struct {
	ConfigVersion int            `yaml:"configVersion"`
	Server        ServerConfig   `yaml:"server"`
	Upstreams     []Upstream     `yaml:"upstreams"`
	Routes        []Route        `yaml:"routes"`
	Engine        EngineConfig   `yaml:"engine"`
	Store         StoreConfig    `yaml:"store"`
	Audit         AuditConfig    `yaml:"audit"`
	Logging       LoggingConfig  `yaml:"logging"`
	Metrics       ListenerConfig `yaml:"metrics"`
	Admin         AdminConfig    `yaml:"admin"`

	baseDir string `yaml:"-"`
}

type ServerConfig struct {
	Listen  string        `yaml:"listen"`
	TLS     TLSConfig     `yaml:"tls"`
	Timeout time.Duration `yaml:"timeout"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`
}

type Upstream struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type Route struct {
	Match    RouteMatch `yaml:"match"`
	Upstream string     `yaml:"upstream"`
}

type RouteMatch struct {
	Host       string `yaml:"host"`
	PathPrefix string `yaml:"pathPrefix"`
}

// EngineConfig holds the inspection settings. Mode is On, DetectionOnly or
// Off. DataDir resolves @pmFromFile paths and defaults to the config
// directory.
type EngineConfig struct {
	Mode                string         `yaml:"mode"`
	Rules               []string       `yaml:"rules"`
	DataDir             string         `yaml:"dataDir"`
	WatchRules          bool           `yaml:"watchRules"`
	DefaultDenyStatus   int            `yaml:"defaultDenyStatus"`
	RequestBodyLimit    int64          `yaml:"requestBodyLimit"`
	ResponseBodyLimit   int64          `yaml:"responseBodyLimit"`
	BodyLimitAction     string         `yaml:"bodyLimitAction"`
	BodyLimitStatus     int            `yaml:"bodyLimitStatus"`
	MaxBodyArgs         int            `yaml:"maxBodyArgs"`
	InspectResponseBody bool           `yaml:"inspectResponseBody"`
	ResponseMIMETypes   []string       `yaml:"responseMimeTypes"`
	Detectors           DetectorConfig `yaml:"detectors"`
}

type DetectorConfig struct {
	SQLiThreshold int `yaml:"sqliThreshold"`
	XSSThreshold  int `yaml:"xssThreshold"`
}

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

type StoreConfig struct {
	Backend       string        `yaml:"backend"`
	SweepInterval time.Duration `yaml:"sweepInterval"`
	Redis         RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addrs     []string `yaml:"addrs"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	KeyPrefix string   `yaml:"keyPrefix"`
}

type AuditConfig struct {
	Path         string `yaml:"path"`
	RelevantOnly bool   `yaml:"relevantOnly"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ListenerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// AdminConfig enables the admin API. A non-empty Token is required as a
// bearer token on every admin request.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Token   string `yaml:"token"`
}

func (c *Config) BaseDir() string {
	return c.baseDir
}

func (c *Config) ResolvePath(path string) string {
	return c.resolvePath(path)
}

// RulePatterns returns the rule globs resolved against the config directory.
func (c *Config) RulePatterns() []string {
	out := make([]string, 0, len(c.Engine.Rules))
	for _, p := range c.Engine.Rules {
		out = append(out, c.resolvePath(p))
	}
	return out
}
