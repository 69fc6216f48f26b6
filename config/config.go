package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del controller.
type Config struct {
	Trading    TradingConfig    `yaml:"trading"`
	Calendar   CalendarConfig   `yaml:"calendar"`
	Feed       FeedConfig       `yaml:"feed"`
	Compliance ComplianceConfig `yaml:"compliance"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Storage    StorageConfig    `yaml:"storage"`
	Log        LogConfig        `yaml:"log"`
}

// TradingConfig controla qué se opera y con qué cuentas.
type TradingConfig struct {
	Symbols        []string        `yaml:"symbols"`
	TickIntervalMs int             `yaml:"tick_interval_ms"`
	SignalBuffer   int             `yaml:"signal_buffer"`
	Accounts       []AccountConfig `yaml:"accounts"`
}

// AccountConfig define una cuenta con capital asignable.
type AccountConfig struct {
	ID          string  `yaml:"id"`
	Capital     float64 `yaml:"capital"`
	ExposureCap float64 `yaml:"exposure_cap"` // 0 = sin límite
}

// CalendarConfig define la sesión regular del mercado.
type CalendarConfig struct {
	Timezone string   `yaml:"timezone"` // e.g. "America/New_York"
	Open     string   `yaml:"open"`     // "09:30"
	Close    string   `yaml:"close"`    // "16:00"
	Holidays []string `yaml:"holidays"` // "2006-01-02"
}

// FeedConfig controla el supervisor de conexión al feed.
type FeedConfig struct {
	MaxFailures  int `yaml:"max_failures"`   // fallos transitorios antes de abrir el breaker
	HeartbeatMs  int `yaml:"heartbeat_ms"`   // cadencia del loop de supervisión
	BackoffMinMs int `yaml:"backoff_min_ms"`
	BackoffMaxMs int `yaml:"backoff_max_ms"`
}

// ComplianceConfig controla límites y asignación.
type ComplianceConfig struct {
	MaxOrdersPerWindow int     `yaml:"max_orders_per_window"` // techo en la ventana deslizante
	WindowMs           int     `yaml:"window_ms"`
	MinIntervalSeconds int     `yaml:"min_interval_seconds"` // cooldown por cuenta
	TargetPct          float64 `yaml:"target_pct"`           // 0 desactiva brackets
	StopPct            float64 `yaml:"stop_pct"`
}

// ExecutionConfig controla el engine de ejecución.
type ExecutionConfig struct {
	Workers     int     `yaml:"workers"`
	MaxAttempts int     `yaml:"max_attempts"`
	BrokerRate  float64 `yaml:"broker_rate"` // llamadas/s al broker
	BrokerBurst int     `yaml:"broker_burst"`
	ForcePaper  bool    `yaml:"force_paper"`
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// TickInterval devuelve el intervalo de evaluación como time.Duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Trading.TickIntervalMs) * time.Millisecond
}

// Window devuelve la ventana deslizante del límite de órdenes.
func (c *Config) Window() time.Duration {
	return time.Duration(c.Compliance.WindowMs) * time.Millisecond
}

// MinInterval devuelve el cooldown por cuenta.
func (c *Config) MinInterval() time.Duration {
	return time.Duration(c.Compliance.MinIntervalSeconds) * time.Second
}

// SessionHours parsea open/close como offsets desde medianoche.
func (c *Config) SessionHours() (open, close time.Duration, err error) {
	open, err = parseClock(c.Calendar.Open)
	if err != nil {
		return 0, 0, fmt.Errorf("calendar open %q: %w", c.Calendar.Open, err)
	}
	close, err = parseClock(c.Calendar.Close)
	if err != nil {
		return 0, 0, fmt.Errorf("calendar close %q: %w", c.Calendar.Close, err)
	}
	return open, close, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("TRADEPILOT_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if os.Getenv("TRADEPILOT_FORCE_PAPER") == "1" {
		cfg.Execution.ForcePaper = true
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Trading.TickIntervalMs <= 0 {
		cfg.Trading.TickIntervalMs = 1000
	}
	if cfg.Trading.SignalBuffer <= 0 {
		cfg.Trading.SignalBuffer = 256
	}
	if cfg.Calendar.Timezone == "" {
		cfg.Calendar.Timezone = "America/New_York"
	}
	if cfg.Calendar.Open == "" {
		cfg.Calendar.Open = "09:30"
	}
	if cfg.Calendar.Close == "" {
		cfg.Calendar.Close = "16:00"
	}
	if cfg.Feed.MaxFailures <= 0 {
		cfg.Feed.MaxFailures = 3
	}
	if cfg.Feed.HeartbeatMs <= 0 {
		cfg.Feed.HeartbeatMs = 1000
	}
	if cfg.Feed.BackoffMinMs <= 0 {
		cfg.Feed.BackoffMinMs = 250
	}
	if cfg.Feed.BackoffMaxMs <= 0 {
		cfg.Feed.BackoffMaxMs = 5000
	}
	if cfg.Compliance.MaxOrdersPerWindow <= 0 {
		cfg.Compliance.MaxOrdersPerWindow = 7
	}
	if cfg.Compliance.WindowMs <= 0 {
		cfg.Compliance.WindowMs = 1000
	}
	if cfg.Compliance.MinIntervalSeconds <= 0 {
		cfg.Compliance.MinIntervalSeconds = 300
	}
	if cfg.Execution.Workers <= 0 {
		cfg.Execution.Workers = 4
	}
	if cfg.Execution.MaxAttempts <= 0 {
		cfg.Execution.MaxAttempts = 3
	}
	if cfg.Execution.BrokerRate <= 0 {
		cfg.Execution.BrokerRate = 20
	}
	if cfg.Execution.BrokerBurst <= 0 {
		cfg.Execution.BrokerBurst = 10
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "tradepilot.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// validate rechaza configuraciones sin sentido antes de arrancar.
func validate(cfg *Config) error {
	if len(cfg.Trading.Symbols) == 0 {
		return fmt.Errorf("trading.symbols is empty")
	}
	if len(cfg.Trading.Accounts) == 0 {
		return fmt.Errorf("trading.accounts is empty")
	}
	for _, a := range cfg.Trading.Accounts {
		if a.ID == "" {
			return fmt.Errorf("account without id")
		}
		if a.Capital <= 0 {
			return fmt.Errorf("account %s: capital must be > 0", a.ID)
		}
	}
	if _, err := time.LoadLocation(cfg.Calendar.Timezone); err != nil {
		return fmt.Errorf("calendar.timezone %q: %w", cfg.Calendar.Timezone, err)
	}
	if _, _, err := cfg.SessionHours(); err != nil {
		return err
	}
	return nil
}
