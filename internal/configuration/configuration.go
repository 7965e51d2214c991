package configuration

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "DEPLOYER"

type Config struct {
	App          AppConfig       `mapstructure:"app" yaml:"app"`
	Container    ContainerConfig `mapstructure:"container" yaml:"container"`
	Health       HealthConfig    `mapstructure:"health" yaml:"health"`
	Manifest     ManifestConfig  `mapstructure:"manifest" yaml:"manifest"`
	Engine       string          `mapstructure:"engine" yaml:"engine" validate:"oneof=cli api"`
	DockerBinary string          `mapstructure:"docker_binary" yaml:"docker_binary"`
	Log          LogConfig       `mapstructure:"log" yaml:"log"`
}

type AppConfig struct {
	SourceDir     string   `mapstructure:"source_dir" yaml:"source_dir" validate:"required"`
	RequiredFiles []string `mapstructure:"required_files" yaml:"required_files" validate:"required,min=1,dive,required"`
	OptionalFiles []string `mapstructure:"optional_files" yaml:"optional_files" validate:"dive,required"`
	ImageTag      string   `mapstructure:"image_tag" yaml:"image_tag" validate:"required"`
	// Parent of the disposable build context, empty for the system temp dir
	StagingDir string `mapstructure:"staging_dir" yaml:"staging_dir"`
}

type ContainerConfig struct {
	Name          string `mapstructure:"name" yaml:"name" validate:"required"`
	HostPort      int    `mapstructure:"host_port" yaml:"host_port" validate:"min=1,max=65535"`
	ContainerPort int    `mapstructure:"container_port" yaml:"container_port" validate:"min=1,max=65535"`
}

type HealthConfig struct {
	// Defaults to http://localhost:<host_port>/
	URL            string        `mapstructure:"url" yaml:"url" validate:"required,url"`
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts" validate:"min=1"`
	Interval       time.Duration `mapstructure:"interval" yaml:"interval" validate:"gt=0s"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout" validate:"gt=0s"`
}

// ManifestConfig fills the generated Dockerfile. With Generate off the
// required files must include a Dockerfile.
type ManifestConfig struct {
	Generate  bool   `mapstructure:"generate" yaml:"generate"`
	BaseImage string `mapstructure:"base_image" yaml:"base_image" validate:"required_if=Generate true"`
	WorkDir   string `mapstructure:"workdir" yaml:"workdir" validate:"required_if=Generate true"`
	// In standard Docker format <name>=<value>
	Env            []string `mapstructure:"env" yaml:"env" validate:"dive,required"`
	InstallCommand string   `mapstructure:"install_command" yaml:"install_command"`
	StartCommand   []string `mapstructure:"start_command" yaml:"start_command" validate:"required_if=Generate true"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warning warn error silent"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=text json"`
}

// Flags maps configuration keys to the CLI flags that override them.
var Flags = map[string]string{
	"app.source_dir":           "source-dir",
	"app.image_tag":            "tag",
	"container.name":           "name",
	"container.host_port":      "host-port",
	"container.container_port": "container-port",
	"health.url":               "health-url",
	"health.max_attempts":      "max-attempts",
	"health.interval":          "interval",
	"engine":                   "engine",
	"log.level":                "log-level",
	"log.format":               "log-format",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.source_dir", ".")
	v.SetDefault("app.required_files", []string{"myapp.py"})
	v.SetDefault("app.optional_files", []string{"requirements.txt"})
	v.SetDefault("app.image_tag", "task-service:latest")
	v.SetDefault("app.staging_dir", "")

	v.SetDefault("container.name", "task-service")
	v.SetDefault("container.host_port", 8000)
	v.SetDefault("container.container_port", 8000)

	v.SetDefault("health.url", "")
	v.SetDefault("health.max_attempts", 15)
	v.SetDefault("health.interval", "1s")
	v.SetDefault("health.request_timeout", "2s")

	v.SetDefault("manifest.generate", true)
	v.SetDefault("manifest.base_image", "python:3.11-slim")
	v.SetDefault("manifest.workdir", "/app")
	v.SetDefault("manifest.env", []string{"PYTHONDONTWRITEBYTECODE=1", "PYTHONUNBUFFERED=1"})
	v.SetDefault("manifest.install_command", "if [ -f requirements.txt ]; then pip install --no-cache-dir -r requirements.txt; fi")
	v.SetDefault("manifest.start_command", []string{"python", "myapp.py"})

	v.SetDefault("engine", "cli")
	v.SetDefault("docker_binary", "docker")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadConfig layers defaults, the config file, DEPLOYER_* environment
// variables and changed flags, in increasing priority. Without configPath a
// deployer.yaml in the working directory is used when present.
func LoadConfig(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	} else {
		v.SetConfigName("deployer")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for key, name := range Flags {
			flag := flags.Lookup(name)
			if flag == nil {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Health.URL == "" {
		cfg.Health.URL = fmt.Sprintf("http://localhost:%d/", cfg.Container.HostPort)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := c.Manifest.EnvMap(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func (m ManifestConfig) EnvMap() (map[string]string, error) {
	env := make(map[string]string, len(m.Env))
	for _, entry := range m.Env {
		name, value, ok := strings.Cut(entry, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("manifest env entry %q is not in <name>=<value> format", entry)
		}
		env[name] = value
	}
	return env, nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(c); err != nil {
		return nil, err
	}
	if err := encoder.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
