package common

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog/log"
)

//go:embed config.default.yaml
var defaultConfig []byte

const (
	configPathEnv = "CONFIG_PATH"
	configTag     = "key"
)

type validatable interface {
	Validate() error
}

// ConfigManager loads a config of type T from the embedded defaults plus an optional file
type ConfigManager[T any] struct {
	kf     *koanf.Koanf
	mu     sync.RWMutex
	config T
}

// NewConfigManager reads the defaults and the file named by CONFIG_PATH, if set
func NewConfigManager[T any]() (*ConfigManager[T], error) {
	return NewConfigManagerWithPath[T](os.Getenv(configPathEnv))
}

// NewConfigManagerWithPath reads the defaults and overlays the given file, if non-empty
func NewConfigManagerWithPath[T any](path string) (*ConfigManager[T], error) {
	cm := &ConfigManager[T]{kf: koanf.New(".")}

	if err := cm.kf.Load(rawbytes.Provider(defaultConfig), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load default config: %w", err)
	}

	if path != "" {
		if err := cm.loadFile(path); err != nil {
			return nil, err
		}
		log.Info().Str("path", path).Msg("Loaded config file")
	}

	if err := cm.unmarshal(); err != nil {
		return nil, err
	}

	return cm, nil
}

func (cm *ConfigManager[T]) loadFile(path string) error {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file extension: %s", path)
	}

	if err := cm.kf.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return nil
}

func (cm *ConfigManager[T]) unmarshal() error {
	var config T
	err := cm.kf.UnmarshalWithConf("", &config, koanf.UnmarshalConf{
		Tag: configTag,
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			WeaklyTypedInput: true,
			Result:           &config,
			TagName:          configTag,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to decode config: %w", err)
	}

	if v, ok := any(&config).(validatable); ok {
		if err := v.Validate(); err != nil {
			return err
		}
	}

	cm.mu.Lock()
	cm.config = config
	cm.mu.Unlock()
	return nil
}

// GetConfig returns a copy of the loaded config
func (cm *ConfigManager[T]) GetConfig() T {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// Set overrides a single key and re-decodes the config
func (cm *ConfigManager[T]) Set(key string, value interface{}) error {
	if err := cm.kf.Set(key, value); err != nil {
		return err
	}
	return cm.unmarshal()
}
