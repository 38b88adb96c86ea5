package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	"github.com/spf13/viper"
)

type ClientProperties struct {
	Address        string        `cfg:"address" yaml:"address"`
	Database       int           `cfg:"database" yaml:"database"`
	Password       string        `cfg:"password" yaml:"password"`
	MaxConnections int           `cfg:"maxconnections" yaml:"maxConnections"`
	IdleTimeout    time.Duration `cfg:"idletimeout" yaml:"idleTimeout"`
	DialTimeout    time.Duration `cfg:"dialtimeout" yaml:"dialTimeout"`
	ReadTimeout    time.Duration `cfg:"readtimeout" yaml:"readTimeout"`
	Mode           string        `cfg:"mode" yaml:"mode"`
	Namespace      string        `cfg:"namespace" yaml:"namespace"`
	TempKeyTTL     time.Duration `cfg:"tempkeyttl" yaml:"tempKeyTTL"`
	QueryWorkers   int           `cfg:"queryworkers" yaml:"queryWorkers"`
	MetricsAddress string        `cfg:"metricsaddress" yaml:"metricsAddress"`
	LogLevel       string        `cfg:"loglevel" yaml:"logLevel"`
}

var Properties *ClientProperties

const (
	ModeBlocking = "blocking"
	ModeReactor  = "reactor"

	EnvPrefix = "REDISMAP_"
)

func init() {
	Properties = Defaults()
}

func Defaults() *ClientProperties {
	return &ClientProperties{
		Address:        "127.0.0.1:6379",
		Database:       0,
		MaxConnections: 16,
		IdleTimeout:    5 * time.Minute,
		DialTimeout:    5 * time.Second,
		ReadTimeout:    5 * time.Second,
		Mode:           ModeBlocking,
		TempKeyTTL:     60 * time.Second,
		QueryWorkers:   8,
		LogLevel:       "info",
	}
}

func (p *ClientProperties) Validate() error {
	if p.Address == "" {
		return fmt.Errorf("config: address is empty")
	}
	if p.Database < 0 {
		return fmt.Errorf("config: invalid database index %d", p.Database)
	}
	if p.MaxConnections <= 0 {
		return fmt.Errorf("config: maxConnections must be positive")
	}
	if p.Mode != ModeBlocking && p.Mode != ModeReactor {
		return fmt.Errorf("config: unknown mode %q", p.Mode)
	}
	return nil
}

// parse reads "key value" lines, as in a redis.conf file, into a copy of base.
func parse(reader io.Reader, base *ClientProperties) (*ClientProperties, error) {
	configs := *base
	cfgMap := make(map[string]string)
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		idx := strings.IndexAny(line, " ")
		if idx > 0 && idx < len(line)-1 {
			key := line[0:idx]
			value := strings.Trim(line[idx+1:], " ")
			cfgMap[strings.ToLower(key)] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	t := reflect.TypeOf(&configs).Elem()
	v := reflect.ValueOf(&configs).Elem()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key, ok := field.Tag.Lookup("cfg")
		if !ok {
			key = field.Name
		}
		value, ok := cfgMap[strings.ToLower(key)]
		if !ok {
			continue
		}
		if err := setField(v.Field(i), value); err != nil {
			return nil, fmt.Errorf("config: %s: %w", key, err)
		}
	}
	return &configs, nil
}

func setField(fieldValue reflect.Value, value string) error {
	if fieldValue.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		fieldValue.SetInt(int64(d))
		return nil
	}
	switch fieldValue.Kind() {
	case reflect.String:
		fieldValue.SetString(value)
	case reflect.Int:
		num, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		fieldValue.SetInt(num)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		fieldValue.SetBool(b)
	}
	return nil
}

// yamlProperties mirrors ClientProperties with durations as strings, since ghodss/yaml goes through JSON.
type yamlProperties struct {
	Address        *string `json:"address"`
	Database       *int    `json:"database"`
	Password       *string `json:"password"`
	MaxConnections *int    `json:"maxConnections"`
	IdleTimeout    *string `json:"idleTimeout"`
	DialTimeout    *string `json:"dialTimeout"`
	ReadTimeout    *string `json:"readTimeout"`
	Mode           *string `json:"mode"`
	Namespace      *string `json:"namespace"`
	TempKeyTTL     *string `json:"tempKeyTTL"`
	QueryWorkers   *int    `json:"queryWorkers"`
	MetricsAddress *string `json:"metricsAddress"`
	LogLevel       *string `json:"logLevel"`
}

func parseYAML(data []byte, base *ClientProperties) (*ClientProperties, error) {
	var raw yamlProperties
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	configs := *base
	setString(&configs.Address, raw.Address)
	setInt(&configs.Database, raw.Database)
	setString(&configs.Password, raw.Password)
	setInt(&configs.MaxConnections, raw.MaxConnections)
	setString(&configs.Mode, raw.Mode)
	setString(&configs.Namespace, raw.Namespace)
	setInt(&configs.QueryWorkers, raw.QueryWorkers)
	setString(&configs.MetricsAddress, raw.MetricsAddress)
	setString(&configs.LogLevel, raw.LogLevel)
	durations := []struct {
		dst *time.Duration
		src *string
	}{
		{&configs.IdleTimeout, raw.IdleTimeout},
		{&configs.DialTimeout, raw.DialTimeout},
		{&configs.ReadTimeout, raw.ReadTimeout},
		{&configs.TempKeyTTL, raw.TempKeyTTL},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.src)
		if err != nil {
			return nil, err
		}
		*d.dst = parsed
	}
	return &configs, nil
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setInt(dst *int, src *int) {
	if src != nil {
		*dst = *src
	}
}

// LoadConfigs loads a .yaml/.yml file or a key/value .conf file over the defaults,
// applies REDISMAP_* environment overrides and stores the result in Properties.
func LoadConfigs(configFilePath string) (*ClientProperties, error) {
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return nil, err
	}
	var props *ClientProperties
	switch strings.ToLower(filepath.Ext(configFilePath)) {
	case ".yaml", ".yml":
		props, err = parseYAML(data, Defaults())
	default:
		props, err = parse(strings.NewReader(string(data)), Defaults())
	}
	if err != nil {
		return nil, err
	}
	if err = LoadEnv(props); err != nil {
		return nil, err
	}
	if err = props.Validate(); err != nil {
		return nil, err
	}
	Properties = props
	return props, nil
}

// LoadEnv overrides fields from REDISMAP_<CFG KEY> environment variables, e.g. REDISMAP_MAXCONNECTIONS=32.
func LoadEnv(props *ClientProperties) error {
	v := viper.New()
	v.SetEnvPrefix(strings.TrimSuffix(EnvPrefix, "_"))
	v.AutomaticEnv()

	t := reflect.TypeOf(props).Elem()
	val := reflect.ValueOf(props).Elem()
	for i := 0; i < t.NumField(); i++ {
		key, ok := t.Field(i).Tag.Lookup("cfg")
		if !ok {
			continue
		}
		if !v.IsSet(key) {
			continue
		}
		if err := setField(val.Field(i), v.GetString(key)); err != nil {
			return fmt.Errorf("config: env %s%s: %w", EnvPrefix, strings.ToUpper(key), err)
		}
	}
	return nil
}
