package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"log"
)

type Config struct {
	Manager Manager
	Redis   Redis
	Log     Log
}

type Manager struct {
	Workers          int           `env:"TASKD_WORKERS" envDefault:"20"`
	GateExclusive    int           `env:"TASKD_GATE_EXCLUSIVE" envDefault:"1"`
	GateShared       int           `env:"TASKD_GATE_SHARED" envDefault:"10"`
	GateDefault      int           `env:"TASKD_GATE_DEFAULT" envDefault:"3"`
	RetainDone       int           `env:"TASKD_RETAIN_DONE" envDefault:"10"`
	PollInterval     time.Duration `env:"TASKD_POLL_INTERVAL" envDefault:"50ms"`
	SchedulerTick    time.Duration `env:"TASKD_SCHEDULER_TICK" envDefault:"1s"`
	SchedulerBackoff time.Duration `env:"TASKD_SCHEDULER_BACKOFF" envDefault:"5s"`
}

// Gates maps gate names to capacities.
func (m Manager) Gates() map[string]int {
	return map[string]int{
		"exclusive": m.GateExclusive,
		"shared":    m.GateShared,
		"default":   m.GateDefault,
	}
}

// Redis is optional; an empty Addr disables the intake and the mirror.
type Redis struct {
	Addr           string `env:"Redis_Address"`
	Password       string `env:"Redis_Password"`
	DB             int    `env:"Redis_DB"`
	StreamKey      string `env:"Redis_StreamKey" envDefault:"taskd:intake"`
	Group          string `env:"Redis_Group" envDefault:"taskd"`
	DLQStreamKey   string `env:"Redis_DLQStreamKey" envDefault:"taskd:intake:dlq"`
	StateKeyPrefix string `env:"Redis_StateKeyPrefix" envDefault:"task:"`
}

func (r Redis) Enabled() bool { return r.Addr != "" }

type Log struct {
	Level  string `env:"TASKD_LOG_LEVEL" envDefault:"info"`
	Pretty bool   `env:"TASKD_LOG_PRETTY" envDefault:"false"`
}

// Load reads a .env file when present, then the environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("ignoring .env: %v", err)
	}

	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}
	return c
}

func Parse() (*Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, err
	}
	return &c, nil
}
