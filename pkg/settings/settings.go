package settings

import (
	"bytes"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/go-go-golems/arbor/pkg/client"
	"github.com/go-go-golems/arbor/pkg/security"
	"github.com/huandu/go-clone"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	DefaultBaseURL       = "http://localhost:8080/api/chat"
	DefaultStoreDriver   = "sqlite"
	DefaultStreamTimeout = 5 * time.Minute
	EnvPrefix            = "arbor"
)

type StoreSettings struct {
	// Driver is one of memory, yaml, sqlite, pebble.
	Driver string `yaml:"driver" mapstructure:"driver"`
	Path   string `yaml:"path,omitempty" mapstructure:"path"`
}

// Settings is everything the engine reads from configuration. The engine
// never writes it.
type Settings struct {
	APIKey  string `yaml:"api-key,omitempty" mapstructure:"api-key"`
	BaseURL string `yaml:"base-url" mapstructure:"base-url"`
	// AllowInsecureEndpoint permits plain http and private network
	// endpoints other than loopback.
	AllowInsecureEndpoint bool `yaml:"allow-insecure-endpoint,omitempty" mapstructure:"allow-insecure-endpoint"`

	Mode          client.Mode `yaml:"mode" mapstructure:"mode"`
	DefaultModels []string    `yaml:"default-models,omitempty" mapstructure:"default-models"`

	ChatTitleGenerationEnabled bool `yaml:"chat-title-generation" mapstructure:"chat-title-generation"`

	// SystemPrompt is a text/template rendered with sprig functions.
	SystemPrompt  string        `yaml:"system-prompt,omitempty" mapstructure:"system-prompt"`
	StreamTimeout time.Duration `yaml:"stream-timeout" mapstructure:"stream-timeout"`

	WebSearch    client.WebSearchOptions `yaml:"web-search" mapstructure:"web-search"`
	ImageOptions client.ImageOptions     `yaml:"image-options" mapstructure:"image-options"`

	Store StoreSettings `yaml:"store" mapstructure:"store"`
}

func New() *Settings {
	return &Settings{
		BaseURL:                    DefaultBaseURL,
		Mode:                       client.ModeAuto,
		DefaultModels:              []string{},
		ChatTitleGenerationEnabled: true,
		StreamTimeout:              DefaultStreamTimeout,
		Store: StoreSettings{
			Driver: DefaultStoreDriver,
		},
	}
}

func (s *Settings) Clone() *Settings {
	return clone.Clone(s).(*Settings)
}

// HasCredential reports whether an API key is configured.
func (s *Settings) HasCredential() bool {
	return strings.TrimSpace(s.APIKey) != ""
}

// TargetModels returns one entry per response a send produces. Auto mode
// yields a single empty model, filled in later by the router. Repeated
// models collapse into one response, since events are routed by model.
func (s *Settings) TargetModels() []string {
	if s.Mode != client.ModeManual || len(s.DefaultModels) == 0 {
		return []string{""}
	}
	ret := make([]string, 0, len(s.DefaultModels))
	seen := map[string]bool{}
	for _, m := range s.DefaultModels {
		if seen[m] {
			continue
		}
		seen[m] = true
		ret = append(ret, m)
	}
	return ret
}

// ValidateGeneration checks the settings a generation depends on.
func (s *Settings) ValidateGeneration() error {
	err := security.ValidateEndpoint(s.BaseURL, security.EndpointOptions{AllowInsecure: s.AllowInsecureEndpoint})
	if err != nil {
		return err
	}
	switch s.Mode {
	case client.ModeAuto:
	case client.ModeManual:
		if len(s.DefaultModels) == 0 {
			return errors.New("manual mode needs at least one default model")
		}
	default:
		return errors.Errorf("unknown mode %q", s.Mode)
	}
	return nil
}

// Validate checks the whole configuration, store included.
func (s *Settings) Validate() error {
	if err := s.ValidateGeneration(); err != nil {
		return err
	}
	switch s.Store.Driver {
	case "memory":
	case "yaml", "sqlite", "pebble":
		if s.Store.Path == "" {
			return errors.Errorf("store driver %s needs a path", s.Store.Driver)
		}
	default:
		return errors.Errorf("unknown store driver %q", s.Store.Driver)
	}
	return nil
}

// WebSearchOptionsOrNil returns nil unless web search is enabled.
func (s *Settings) WebSearchOptionsOrNil() *client.WebSearchOptions {
	if !s.WebSearch.Enabled {
		return nil
	}
	ret := s.WebSearch
	return &ret
}

// ImageOptionsOrNil returns nil when no image option is set.
func (s *Settings) ImageOptionsOrNil() *client.ImageOptions {
	if s.ImageOptions == (client.ImageOptions{}) {
		return nil
	}
	ret := s.ImageOptions
	return &ret
}

// PromptData is what a system prompt template can reference.
type PromptData struct {
	Now       time.Time
	ChatTitle string
	Models    []string
}

// RenderSystemPrompt expands the system prompt template. An empty template
// renders to the empty string.
func (s *Settings) RenderSystemPrompt(data PromptData) (string, error) {
	if strings.TrimSpace(s.SystemPrompt) == "" {
		return "", nil
	}
	t, err := template.New("system-prompt").Funcs(sprig.TxtFuncMap()).Parse(s.SystemPrompt)
	if err != nil {
		return "", errors.Wrap(err, "could not parse system prompt")
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", errors.Wrap(err, "could not render system prompt")
	}
	return strings.TrimSpace(buf.String()), nil
}

// SetDefaults registers every key with v so that environment variables are
// picked up by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := New()
	v.SetDefault("api-key", "")
	v.SetDefault("base-url", d.BaseURL)
	v.SetDefault("allow-insecure-endpoint", false)
	v.SetDefault("mode", string(d.Mode))
	v.SetDefault("default-models", d.DefaultModels)
	v.SetDefault("chat-title-generation", d.ChatTitleGenerationEnabled)
	v.SetDefault("system-prompt", "")
	v.SetDefault("stream-timeout", d.StreamTimeout)
	v.SetDefault("web-search.enabled", false)
	v.SetDefault("web-search.engine", "")
	v.SetDefault("web-search.max-results", 0)
	v.SetDefault("web-search.context-size", "")
	v.SetDefault("image-options.aspect-ratio", "")
	v.SetDefault("image-options.size", "")
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", "")
}

// ConfigureEnv makes v read ARBOR_* variables, with dashes and dots mapped
// to underscores.
func ConfigureEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
}

// Load builds Settings from v on top of the defaults.
func Load(v *viper.Viper) (*Settings, error) {
	s := New()
	if err := v.Unmarshal(s); err != nil {
		return nil, errors.Wrap(err, "could not decode settings")
	}
	s.DefaultModels = splitModels(s.DefaultModels)
	return s, nil
}

// splitModels accepts both a list and a single comma separated value, as
// set through the environment.
func splitModels(models []string) []string {
	ret := []string{}
	for _, m := range models {
		for _, part := range strings.Split(m, ",") {
			if part = strings.TrimSpace(part); part != "" {
				ret = append(ret, part)
			}
		}
	}
	return ret
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return errors.Wrapf(err, "could not load %s", p)
		}
	}
	return nil
}
