// Package config loads and validates the threadsh session configuration.
package config

import (
	_ "embed"
	"path"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"sigs.k8s.io/yaml"
)

//go:embed default/config.yaml
var defaultConfigData []byte

// ConfigurationName is the file name Load looks for.
const ConfigurationName = "config.yaml"

type Configuration struct {
	Prompt        string `json:"prompt"`
	ThreadType    string `json:"thread_type" validate:"oneof=checkpoint interrupt"`
	Debug         bool   `json:"debug"`
	Traceback     bool   `json:"traceback"`
	ColoredErrors bool   `json:"colored_errors"`

	Home        string            `json:"home" validate:"required"`
	SearchPath  []string          `json:"search_path"`
	Rcfile      string            `json:"rcfile"`
	HistoryFile string            `json:"history_file"`
	Env         map[string]string `json:"env"`

	SSH SSH `json:"ssh"`
}

type SSH struct {
	Port    int    `json:"port" validate:"gte=0,lte=65535"`
	Banner  string `json:"banner"`
	HostKey string `json:"host_key"`
}

// Validate the configuration for basic semantic errors.
func (c *Configuration) Validate() error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		return name
	})

	return validate.Struct(c)
}

// RcfilePath resolves the rc file relative to home. Empty means no rc file.
func (c *Configuration) RcfilePath() string {
	return c.relToHome(c.Rcfile)
}

// HistoryFilePath resolves the history file relative to home.
func (c *Configuration) HistoryFilePath() string {
	return c.relToHome(c.HistoryFile)
}

func (c *Configuration) relToHome(p string) string {
	if p == "" || strings.HasPrefix(p, "/") {
		return p
	}
	return path.Join(c.Home, p)
}

// Default returns the built-in configuration.
func Default() *Configuration {
	var out Configuration
	if err := yaml.UnmarshalStrict(defaultConfigData, &out); err != nil {
		panic(err)
	}
	return &out
}

// Load reads a configuration file, layering it over the defaults.
func Load(fs afero.Fs, configPath string) (*Configuration, error) {
	contents, err := afero.ReadFile(fs, configPath)
	if err != nil {
		return nil, err
	}

	out := Default()
	if err := yaml.UnmarshalStrict(contents, out); err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}
