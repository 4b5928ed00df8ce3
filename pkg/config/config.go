// Package config loads trigger settings from .ini or .toml files.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/samsamfire/cantrigger/pkg/settings"
	"gopkg.in/ini.v1"
)

const (
	DefaultCanID   = "100"
	DefaultData    = "A5F1"
	DefaultTrigger = "101"
	DefaultDriver  = "socketcan"

	// Section holding the keys in both file formats
	Section = "trigger"
)

var ErrUnsupportedFormat = errors.New("unsupported config file format")

// Everything needed to start the responder
type Config struct {
	settings.Options
	Driver string
}

func Default() Config {
	return Config{
		Options: settings.Options{
			CanID:   DefaultCanID,
			Data:    DefaultData,
			Trigger: DefaultTrigger,
		},
		Driver: DefaultDriver,
	}
}

// Values found in a config file, nil when the key is absent
type Overrides struct {
	CanID     *string
	Data      *string
	Trigger   *string
	Extended  *bool
	Interface *string
	Driver    *string
}

// Load a config file, the format is picked from the extension
func Load(path string) (Overrides, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ini", ".cfg", ".conf":
		return loadIni(path)
	case ".toml":
		return loadToml(path)
	default:
		return Overrides{}, fmt.Errorf("%w : %v", ErrUnsupportedFormat, path)
	}
}

// Apply every value present in the file
func (o Overrides) Apply(cfg *Config) {
	setString(&cfg.CanID, o.CanID)
	setString(&cfg.Data, o.Data)
	setString(&cfg.Trigger, o.Trigger)
	setString(&cfg.Interface, o.Interface)
	setString(&cfg.Driver, o.Driver)
	if o.Extended != nil {
		cfg.Extended = *o.Extended
	}
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func loadIni(path string) (Overrides, error) {
	file, err := ini.Load(path)
	if err != nil {
		return Overrides{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	section := file.Section(Section)
	var o Overrides
	str := func(key string) *string {
		if !section.HasKey(key) {
			return nil
		}
		value := strings.TrimSpace(section.Key(key).String())
		return &value
	}
	o.CanID = str("can_id")
	o.Data = str("data")
	o.Trigger = str("trigger")
	o.Interface = str("interface")
	o.Driver = str("driver")
	if section.HasKey("extended") {
		extended, err := section.Key("extended").Bool()
		if err != nil {
			return Overrides{}, fmt.Errorf("config parse failed (%s): extended : %w", path, err)
		}
		o.Extended = &extended
	}
	return o, nil
}

type fileConfig struct {
	Trigger struct {
		CanID     string `toml:"can_id"`
		Data      string `toml:"data"`
		Trigger   string `toml:"trigger"`
		Extended  bool   `toml:"extended"`
		Interface string `toml:"interface"`
		Driver    string `toml:"driver"`
	} `toml:"trigger"`
}

func loadToml(path string) (Overrides, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Overrides{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	var o Overrides
	str := func(key string, value string) *string {
		if !meta.IsDefined(Section, key) {
			return nil
		}
		value = strings.TrimSpace(value)
		return &value
	}
	o.CanID = str("can_id", raw.Trigger.CanID)
	o.Data = str("data", raw.Trigger.Data)
	o.Trigger = str("trigger", raw.Trigger.Trigger)
	o.Interface = str("interface", raw.Trigger.Interface)
	o.Driver = str("driver", raw.Trigger.Driver)
	if meta.IsDefined(Section, "extended") {
		extended := raw.Trigger.Extended
		o.Extended = &extended
	}
	return o, nil
}
