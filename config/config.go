// Package config reads the run configuration for the psuctrl binary: where
// the supply is, how to talk to it, and what experiment to run. Values come
// from a JSON file with environment overrides on top.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"

	"github.com/anodize-io/psuctrl/control"
	"github.com/anodize-io/psuctrl/experiment"
	"github.com/anodize-io/psuctrl/modbus"
	"github.com/anodize-io/psuctrl/powersupply"
	"github.com/anodize-io/psuctrl/stage"
)

// StageSpec is one experiment stage as written in a config file. Times are in
// seconds to keep hand-written files readable.
type StageSpec struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Seconds float64 `json:"seconds"`
}

// ExperimentSpec is the experiment section of a config file.
type ExperimentSpec struct {
	IntervalSeconds        float64        `json:"interval_seconds"`
	Stages                 []StageSpec    `json:"stages"`
	Strategy               control.Config `json:"strategy"`
	MaxConsecutiveFailures int            `json:"max_consecutive_failures,omitempty"`
}

// ToConfig converts the file shape into the controller's config.
func (e ExperimentSpec) ToConfig() experiment.Config {
	stages := make([]stage.Stage, 0, len(e.Stages))
	for _, s := range e.Stages {
		stages = append(stages, stage.Stage{
			Start:    s.Start,
			End:      s.End,
			Duration: time.Duration(s.Seconds * float64(time.Second)),
		})
	}
	return experiment.Config{
		Interval:               time.Duration(e.IntervalSeconds * float64(time.Second)),
		Stages:                 stages,
		Strategy:               e.Strategy,
		MaxConsecutiveFailures: e.MaxConsecutiveFailures,
	}
}

// Config is everything the binary needs for one run.
type Config struct {
	SerialPath string `json:"serial_path" env:"PSUCTRL_SERIAL_PATH"`
	BaudRate   int    `json:"baud_rate,omitempty" env:"PSUCTRL_BAUD_RATE"`

	Modbus     modbus.ClientConfig `json:"modbus"`
	Supply     powersupply.Config  `json:"supply"`
	Experiment ExperimentSpec      `json:"experiment"`

	// Output is the CSV file samples are stored in.
	Output string `json:"output,omitempty" env:"PSUCTRL_OUTPUT"`
}

func (cfg *Config) populateDefaults() {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	if cfg.Modbus.SlaveAddress == 0 {
		cfg.Modbus.SlaveAddress = 1
	}
}

// Validate checks everything that can be checked before touching hardware.
func (cfg *Config) Validate() error {
	if cfg.SerialPath == "" {
		return errors.New("serial_path is required")
	}
	exp := cfg.Experiment.ToConfig()
	if err := exp.Validate(); err != nil {
		return errors.Wrap(err, "experiment")
	}
	for i, s := range exp.Stages {
		if err := s.Validate(); err != nil {
			return errors.Wrapf(err, "experiment: stage %d", i)
		}
	}
	return nil
}

// Read loads path, applies environment overrides, and validates the result.
func Read(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %q", path)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, errors.Wrap(err, "applying environment overrides")
	}
	cfg.populateDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
