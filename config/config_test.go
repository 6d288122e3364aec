package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/test"

	"github.com/anodize-io/psuctrl/control"
)

const sampleConfig = `{
	"serial_path": "/dev/ttyUSB0",
	"modbus": {"slave_address": 2},
	"supply": {"limits": {"max_voltage": 30, "max_current": 5}},
	"experiment": {
		"interval_seconds": 0.5,
		"stages": [
			{"start": 0, "end": 5, "seconds": 10},
			{"start": 5, "end": 0, "seconds": 10}
		],
		"strategy": {"mode": "pid", "kp": 1.2, "ki": 0.4}
	},
	"output": "run.csv"
}`

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	test.That(t, os.WriteFile(path, []byte(contents), 0o600), test.ShouldBeNil)
	return path
}

func TestRead(t *testing.T) {
	cfg, err := Read(writeConfig(t, sampleConfig))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.SerialPath, test.ShouldEqual, "/dev/ttyUSB0")
	test.That(t, cfg.BaudRate, test.ShouldEqual, 9600) // default
	test.That(t, cfg.Modbus.SlaveAddress, test.ShouldEqual, 2)
	test.That(t, cfg.Output, test.ShouldEqual, "run.csv")

	exp := cfg.Experiment.ToConfig()
	test.That(t, exp.Interval, test.ShouldEqual, 500*time.Millisecond)
	test.That(t, exp.Stages, test.ShouldHaveLength, 2)
	test.That(t, exp.Stages[0].Duration, test.ShouldEqual, 10*time.Second)
	test.That(t, exp.Strategy.Mode, test.ShouldEqual, control.ModePID)
	test.That(t, exp.Strategy.Kp, test.ShouldEqual, 1.2)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PSUCTRL_SERIAL_PATH", "/dev/ttyACM3")
	t.Setenv("PSUCTRL_OUTPUT", "elsewhere.csv")
	cfg, err := Read(writeConfig(t, sampleConfig))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.SerialPath, test.ShouldEqual, "/dev/ttyACM3")
	test.That(t, cfg.Output, test.ShouldEqual, "elsewhere.csv")
}

func TestValidation(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
		errPart  string
	}{
		{
			"missing serial path",
			`{"experiment": {"interval_seconds": 1, "stages": [{"start": 0, "end": 1, "seconds": 1}], "strategy": {"mode": "linear"}}}`,
			"serial_path is required",
		},
		{
			"no stages",
			`{"serial_path": "/dev/ttyUSB0", "experiment": {"interval_seconds": 1, "stages": [], "strategy": {"mode": "linear"}}}`,
			"at least one stage",
		},
		{
			"bad strategy",
			`{"serial_path": "/dev/ttyUSB0", "experiment": {"interval_seconds": 1, "stages": [{"start": 0, "end": 1, "seconds": 1}], "strategy": {"mode": "pid"}}}`,
			"pid strategy",
		},
		{
			"zero interval",
			`{"serial_path": "/dev/ttyUSB0", "experiment": {"stages": [{"start": 0, "end": 1, "seconds": 1}], "strategy": {"mode": "linear"}}}`,
			"sampling interval",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Read(writeConfig(t, tc.contents))
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.errPart)
		})
	}
}
