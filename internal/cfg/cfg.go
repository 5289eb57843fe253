// Package cfg holds the service configuration file.
package cfg

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ansel1/merry"
	"gopkg.in/yaml.v3"

	"github.com/softpoint/logicd/internal/pkg/must"
)

type Config struct {
	// TickTimeoutSeconds bounds a single block evaluation.
	TickTimeoutSeconds float64 `yaml:"tick_timeout_s"`
	// AlarmSweepSeconds is the alarm evaluator's sweep period.
	AlarmSweepSeconds float64 `yaml:"alarm_sweep_s"`
	// NotifyAddr is the websocket broadcast listen address.
	NotifyAddr string `yaml:"notify_addr"`
}

func Default() Config {
	return Config{
		TickTimeoutSeconds: 30,
		AlarmSweepSeconds:  1,
		NotifyAddr:         "127.0.0.1:7099",
	}
}

func (c Config) Validate() error {
	if c.TickTimeoutSeconds <= 0 {
		return merry.New("tick timeout must be positive")
	}
	if c.AlarmSweepSeconds <= 0 {
		return merry.New("alarm sweep period must be positive")
	}
	return nil
}

func (c Config) TickTimeout() time.Duration {
	return time.Duration(c.TickTimeoutSeconds * float64(time.Second))
}

func (c Config) AlarmSweep() time.Duration {
	return time.Duration(c.AlarmSweepSeconds * float64(time.Second))
}

var (
	mu       sync.Mutex
	fileName = filepath.Join(filepath.Dir(os.Args[0]), "logicd.yaml")
)

// SetFileName overrides the config file location, before the first Get.
func SetFileName(name string) {
	mu.Lock()
	defer mu.Unlock()
	fileName = name
}

func Get() Config {
	mu.Lock()
	defer mu.Unlock()
	c, err := read()
	must.PanicIf(err)
	return c
}

func Set(c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	return os.WriteFile(fileName, must.MarshalYaml(c), 0o644)
}

func read() (Config, error) {
	data, err := os.ReadFile(fileName)
	if os.IsNotExist(err) {
		c := Default()
		if err := os.WriteFile(fileName, must.MarshalYaml(c), 0o644); err != nil {
			return Config{}, err
		}
		return c, nil
	}
	if err != nil {
		return Config{}, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
