// Package config loads and validates the server's XML configuration,
// including the per-alert-level rule grammar.
package config

import (
	"encoding/xml"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vigil-hq/vigil/internal/rules"
)

// Defaults applied when the config omits the optional timing attributes.
const (
	DefaultPort                  = 44556
	DefaultConnectionTimeout     = 60 * time.Second
	DefaultReceiveTimeout        = 20 * time.Second
	DefaultManagerUpdateInterval = 60 * time.Second
)

// Config is the validated runtime configuration.
type Config struct {
	Log     LogConfig
	Server  ServerConfig
	Client  ClientConfig
	SMTP    SMTPConfig
	Users   UserBackendConfig
	Storage StorageBackendConfig
	Levels  []*rules.AlertLevel
	Metrics MetricsConfig
	Tracing TracingConfig
}

type LogConfig struct {
	File  string
	Level string
}

type ServerConfig struct {
	CertFile string
	KeyFile  string
	Port     int

	ConnectionTimeout     time.Duration
	ReceiveTimeout        time.Duration
	ManagerUpdateInterval time.Duration
}

type ClientConfig struct {
	UseClientCertificates bool
	ClientCAFile          string
}

type SMTPConfig struct {
	Activated bool
	FromAddr  string
	ToAddr    string
	Host      string
	Port      int
}

type UserBackendConfig struct {
	Method string
	File   string
}

type StorageBackendConfig struct {
	Method   string
	File     string
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

type MetricsConfig struct {
	Activated bool
	Listen    string
}

type TracingConfig struct {
	Endpoint string
}

// Level resolves a configured alert level by number.
func (c *Config) Level(level int) *rules.AlertLevel {
	for _, l := range c.Levels {
		if l.Level == level {
			return l
		}
	}
	return nil
}

// Load parses and validates the config file. expectVersion is the version
// the running server was built for; a mismatching config is rejected.
func Load(path string, expectVersion float64) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var raw xmlConfig
	if err := xml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if raw.Version != expectVersion {
		return nil, fmt.Errorf("config version %g does not match server version %g", raw.Version, expectVersion)
	}

	cfg := &Config{
		Log: LogConfig{
			File:  raw.General.Log.File,
			Level: strings.ToLower(raw.General.Log.Level),
		},
		Server: ServerConfig{
			CertFile:              raw.General.Server.CertFile,
			KeyFile:               raw.General.Server.KeyFile,
			Port:                  raw.General.Server.Port,
			ConnectionTimeout:     secondsOrDefault(raw.General.Server.ConnectionTimeout, DefaultConnectionTimeout),
			ReceiveTimeout:        secondsOrDefault(raw.General.Server.ReceiveTimeout, DefaultReceiveTimeout),
			ManagerUpdateInterval: secondsOrDefault(raw.General.Server.ManagerUpdateInterval, DefaultManagerUpdateInterval),
		},
		Client: ClientConfig{
			UseClientCertificates: parseBool(raw.General.Client.UseClientCertificates),
			ClientCAFile:          raw.General.Client.ClientCAFile,
		},
		SMTP: SMTPConfig{
			Activated: parseBool(raw.SMTP.General.Activated),
			FromAddr:  raw.SMTP.General.FromAddr,
			ToAddr:    raw.SMTP.General.ToAddr,
			Host:      raw.SMTP.Server.Host,
			Port:      raw.SMTP.Server.Port,
		},
		Users: UserBackendConfig{
			Method: raw.Storage.UserBackend.Method,
			File:   raw.Storage.UserBackend.File,
		},
		Storage: StorageBackendConfig{
			Method:   raw.Storage.StorageBackend.Method,
			File:     raw.Storage.StorageBackend.File,
			Host:     raw.Storage.StorageBackend.Host,
			Port:     raw.Storage.StorageBackend.Port,
			Database: raw.Storage.StorageBackend.Database,
			Username: raw.Storage.StorageBackend.Username,
			Password: raw.Storage.StorageBackend.Password,
		},
		Metrics: MetricsConfig{
			Activated: parseBool(raw.Metrics.Activated),
			Listen:    raw.Metrics.Listen,
		},
		Tracing: TracingConfig{
			Endpoint: raw.Tracing.Endpoint,
		},
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}

	levels, err := parseAlertLevels(raw.AlertLevels.Levels)
	if err != nil {
		return nil, err
	}
	cfg.Levels = levels

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Log.Level {
	case "debug", "info", "warning", "error", "critical":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}

	if c.Server.CertFile == "" || c.Server.KeyFile == "" {
		return fmt.Errorf("server certFile and keyFile are required")
	}
	for _, f := range []string{c.Server.CertFile, c.Server.KeyFile} {
		if _, err := os.Stat(f); err != nil {
			return fmt.Errorf("certificate file %s: %w", f, err)
		}
	}
	if c.Client.UseClientCertificates {
		if c.Client.ClientCAFile == "" {
			return fmt.Errorf("useClientCertificates requires clientCAFile")
		}
		if _, err := os.Stat(c.Client.ClientCAFile); err != nil {
			return fmt.Errorf("client CA file %s: %w", c.Client.ClientCAFile, err)
		}
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}

	if c.SMTP.Activated {
		if c.SMTP.FromAddr == "" || c.SMTP.ToAddr == "" {
			return fmt.Errorf("smtp activated but fromAddr or toAddr missing")
		}
		if c.SMTP.Host == "" || c.SMTP.Port == 0 {
			return fmt.Errorf("smtp activated but server host or port missing")
		}
	}

	if c.Users.Method != "csv" {
		return fmt.Errorf("unsupported user backend %q", c.Users.Method)
	}
	if c.Users.File == "" {
		return fmt.Errorf("user backend requires a file")
	}

	switch c.Storage.Method {
	case "sqlite":
		if c.Storage.File == "" {
			return fmt.Errorf("sqlite storage requires a file")
		}
	case "mysql":
		if c.Storage.Host == "" || c.Storage.Database == "" || c.Storage.Username == "" {
			return fmt.Errorf("mysql storage requires host, database and username")
		}
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Method)
	}

	if len(c.Levels) == 0 {
		return fmt.Errorf("no alert levels configured")
	}
	return nil
}

// MySQLDSN builds the driver DSN from the mysql backend options.
func (c *Config) MySQLDSN() string {
	port := c.Storage.Port
	if port == 0 {
		port = 3306
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s",
		c.Storage.Username, c.Storage.Password, c.Storage.Host, port, c.Storage.Database)
}

func secondsOrDefault(s float64, def time.Duration) time.Duration {
	if s <= 0 {
		return def
	}
	return time.Duration(s * float64(time.Second))
}

// XML booleans come as "True"/"False" in existing configs; accept any case.
func parseBool(s string) bool {
	b, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(s)))
	return err == nil && b
}

type xmlConfig struct {
	XMLName xml.Name `xml:"config"`
	Version float64  `xml:"version,attr"`
	General struct {
		Log struct {
			File  string `xml:"file,attr"`
			Level string `xml:"level,attr"`
		} `xml:"log"`
		Server struct {
			CertFile              string  `xml:"certFile,attr"`
			KeyFile               string  `xml:"keyFile,attr"`
			Port                  int     `xml:"port,attr"`
			ConnectionTimeout     float64 `xml:"connectionTimeout,attr"`
			ReceiveTimeout        float64 `xml:"receiveTimeout,attr"`
			ManagerUpdateInterval float64 `xml:"managerUpdateInterval,attr"`
		} `xml:"server"`
		Client struct {
			UseClientCertificates string `xml:"useClientCertificates,attr"`
			ClientCAFile          string `xml:"clientCAFile,attr"`
		} `xml:"client"`
	} `xml:"general"`
	SMTP struct {
		General struct {
			Activated string `xml:"activated,attr"`
			FromAddr  string `xml:"fromAddr,attr"`
			ToAddr    string `xml:"toAddr,attr"`
		} `xml:"general"`
		Server struct {
			Host string `xml:"host,attr"`
			Port int    `xml:"port,attr"`
		} `xml:"server"`
	} `xml:"smtp"`
	Storage struct {
		UserBackend struct {
			Method string `xml:"method,attr"`
			File   string `xml:"file,attr"`
		} `xml:"userBackend"`
		StorageBackend struct {
			Method   string `xml:"method,attr"`
			File     string `xml:"file,attr"`
			Host     string `xml:"host,attr"`
			Port     int    `xml:"port,attr"`
			Database string `xml:"database,attr"`
			Username string `xml:"username,attr"`
			Password string `xml:"password,attr"`
		} `xml:"storageBackend"`
	} `xml:"storage"`
	AlertLevels struct {
		Levels []xmlAlertLevel `xml:"alertLevel"`
	} `xml:"alertLevels"`
	Metrics struct {
		Activated string `xml:"activated,attr"`
		Listen    string `xml:"listen,attr"`
	} `xml:"metrics"`
	Tracing struct {
		Endpoint string `xml:"endpoint,attr"`
	} `xml:"tracing"`
}

type xmlAlertLevel struct {
	General struct {
		Level         int    `xml:"level,attr"`
		Name          string `xml:"name,attr"`
		TriggerAlways string `xml:"triggerAlways,attr"`
	} `xml:"general"`
	SMTP struct {
		EmailAlert string `xml:"emailAlert,attr"`
		ToAddr     string `xml:"toAddr,attr"`
	} `xml:"smtp"`
	Rules struct {
		Activated string    `xml:"activated,attr"`
		Rules     []xmlRule `xml:"rule"`
	} `xml:"rules"`
}

type xmlRule struct {
	Order            int     `xml:"order,attr"`
	MinTimeAfterPrev float64 `xml:"minTimeAfterPrev,attr"`
	MaxTimeAfterPrev float64 `xml:"maxTimeAfterPrev,attr"`
	CounterActivated string  `xml:"counterActivated,attr"`
	CounterLimit     int     `xml:"counterLimit,attr"`
	CounterWaitTime  float64 `xml:"counterWaitTime,attr"`
	Elements         []xmlRuleElement `xml:",any"`
}

// xmlRuleElement captures any element of the rule grammar; the tag name
// selects the variant.
type xmlRuleElement struct {
	XMLName xml.Name

	Username         string  `xml:"username,attr"`
	RemoteSensorID   int     `xml:"remoteSensorId,attr"`
	TimeTriggeredFor float64 `xml:"timeTriggeredFor,attr"`

	Time     string `xml:"time,attr"`
	Weekday  int    `xml:"weekday,attr"`
	Monthday int    `xml:"monthday,attr"`
	Start    int    `xml:"start,attr"`
	End      int    `xml:"end,attr"`

	Children []xmlRuleElement `xml:",any"`
}

func parseAlertLevels(raw []xmlAlertLevel) ([]*rules.AlertLevel, error) {
	out := make([]*rules.AlertLevel, 0, len(raw))
	seen := make(map[int]bool)
	for _, rl := range raw {
		if rl.General.Level < 0 {
			return nil, fmt.Errorf("invalid alert level %d", rl.General.Level)
		}
		if seen[rl.General.Level] {
			return nil, fmt.Errorf("duplicate alert level %d", rl.General.Level)
		}
		seen[rl.General.Level] = true

		level := &rules.AlertLevel{
			Level:          rl.General.Level,
			Name:           rl.General.Name,
			TriggerAlways:  parseBool(rl.General.TriggerAlways),
			SMTPActivated:  parseBool(rl.SMTP.EmailAlert),
			ToAddr:         rl.SMTP.ToAddr,
			RulesActivated: parseBool(rl.Rules.Activated),
		}

		if level.RulesActivated {
			parsed, err := parseRules(rl.General.Level, rl.Rules.Rules)
			if err != nil {
				return nil, err
			}
			level.Rules = parsed
		}
		out = append(out, level)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out, nil
}

func parseRules(level int, raw []xmlRule) ([]*rules.Rule, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("alert level %d: rules activated but none configured", level)
	}
	out := make([]*rules.Rule, 0, len(raw))
	orders := make(map[int]bool)
	for _, rr := range raw {
		if orders[rr.Order] {
			return nil, fmt.Errorf("alert level %d: duplicate rule order %d", level, rr.Order)
		}
		orders[rr.Order] = true
		if rr.MinTimeAfterPrev < 0 || rr.MaxTimeAfterPrev < rr.MinTimeAfterPrev {
			return nil, fmt.Errorf("alert level %d rule %d: invalid time window [%g,%g]",
				level, rr.Order, rr.MinTimeAfterPrev, rr.MaxTimeAfterPrev)
		}
		counter := parseBool(rr.CounterActivated)
		if counter && (rr.CounterLimit < 0 || rr.CounterWaitTime < 0) {
			return nil, fmt.Errorf("alert level %d rule %d: invalid counter settings", level, rr.Order)
		}
		if len(rr.Elements) != 1 {
			return nil, fmt.Errorf("alert level %d rule %d: expected exactly one root element, got %d",
				level, rr.Order, len(rr.Elements))
		}
		root, err := parseElement(&rr.Elements[0])
		if err != nil {
			return nil, fmt.Errorf("alert level %d rule %d: %w", level, rr.Order, err)
		}
		out = append(out, &rules.Rule{
			Order:            rr.Order,
			MinTimeAfterPrev: rr.MinTimeAfterPrev,
			MaxTimeAfterPrev: rr.MaxTimeAfterPrev,
			CounterActivated: counter,
			CounterLimit:     rr.CounterLimit,
			CounterWaitTime:  rr.CounterWaitTime,
			Root:             root,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func parseElement(raw *xmlRuleElement) (*rules.Element, error) {
	tag := raw.XMLName.Local
	switch tag {
	case "and", "or", "not":
		children := make([]*rules.Element, 0, len(raw.Children))
		for i := range raw.Children {
			c, err := parseElement(&raw.Children[i])
			if err != nil {
				return nil, err
			}
			children = append(children, c)
		}
		if tag == "not" && len(children) != 1 {
			return nil, fmt.Errorf("not element needs exactly one child, got %d", len(children))
		}
		if tag != "not" && len(children) == 0 {
			return nil, fmt.Errorf("%s element needs at least one child", tag)
		}
		return &rules.Element{
			Kind: rules.KindBoolean,
			Bool: &rules.BooleanExpr{Op: rules.BoolOp(tag), Children: children},
		}, nil

	case "sensor":
		if len(raw.Children) != 0 {
			return nil, fmt.Errorf("sensor element cannot have children")
		}
		if raw.Username == "" {
			return nil, fmt.Errorf("sensor element missing username")
		}
		if raw.TimeTriggeredFor < 0 {
			return nil, fmt.Errorf("sensor element: negative timeTriggeredFor")
		}
		return &rules.Element{
			Kind:             rules.KindSensor,
			TimeTriggeredFor: raw.TimeTriggeredFor,
			Sensor:           &rules.SensorExpr{Username: raw.Username, RemoteSensorID: raw.RemoteSensorID},
		}, nil

	case "weekday":
		base, err := parseTimeBase(raw.Time)
		if err != nil {
			return nil, err
		}
		if raw.Weekday < 0 || raw.Weekday > 6 {
			return nil, fmt.Errorf("weekday %d out of range", raw.Weekday)
		}
		return &rules.Element{
			Kind:    rules.KindWeekday,
			Weekday: &rules.WeekdayExpr{Base: base, Weekday: raw.Weekday},
		}, nil

	case "monthday":
		base, err := parseTimeBase(raw.Time)
		if err != nil {
			return nil, err
		}
		if raw.Monthday < 1 || raw.Monthday > 31 {
			return nil, fmt.Errorf("monthday %d out of range", raw.Monthday)
		}
		return &rules.Element{
			Kind:     rules.KindMonthday,
			Monthday: &rules.MonthdayExpr{Base: base, Monthday: raw.Monthday},
		}, nil

	case "hour":
		base, err := parseTimeBase(raw.Time)
		if err != nil {
			return nil, err
		}
		if err := checkRange("hour", raw.Start, raw.End, 23); err != nil {
			return nil, err
		}
		return &rules.Element{
			Kind: rules.KindHour,
			Hour: &rules.HourExpr{Base: base, Start: raw.Start, End: raw.End},
		}, nil

	case "minute":
		if err := checkRange("minute", raw.Start, raw.End, 59); err != nil {
			return nil, err
		}
		return &rules.Element{
			Kind:   rules.KindMinute,
			Minute: &rules.MinuteExpr{Start: raw.Start, End: raw.End},
		}, nil

	case "second":
		if err := checkRange("second", raw.Start, raw.End, 59); err != nil {
			return nil, err
		}
		return &rules.Element{
			Kind:   rules.KindSecond,
			Second: &rules.SecondExpr{Start: raw.Start, End: raw.End},
		}, nil
	}
	return nil, fmt.Errorf("unknown rule element <%s>", tag)
}

func parseTimeBase(s string) (rules.TimeBase, error) {
	switch rules.TimeBase(s) {
	case rules.TimeLocal, rules.TimeUTC:
		return rules.TimeBase(s), nil
	}
	return "", fmt.Errorf("invalid time base %q", s)
}

func checkRange(what string, start, end, max int) error {
	if start < 0 || end > max || start > end {
		return fmt.Errorf("%s range [%d,%d] invalid", what, start, end)
	}
	return nil
}
