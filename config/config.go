package config

import (
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	mu sync.RWMutex `yaml:"-"`

	MapPath   string          `yaml:"map_path"`
	UseMock   bool            `yaml:"use_mock"`
	Shuttle   ShuttleConfig   `yaml:"shuttle"`
	PLC       PLCConfig       `yaml:"plc"`
	Workflow  WorkflowConfig  `yaml:"workflow"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Messaging MessagingConfig `yaml:"messaging"`
	Web       WebConfig       `yaml:"web"`
	Log       LogConfig       `yaml:"log"`
}

type ShuttleConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	DeviceID          int           `yaml:"device_id"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	BatteryEvery      int           `yaml:"battery_every"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
}

type PLCConfig struct {
	Driver        string        `yaml:"driver"` // "s7", "modbus" or "mock"
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Rack          int           `yaml:"rack"`
	Slot          int           `yaml:"slot"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	VerifyWrites  bool          `yaml:"verify_writes"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	StatusDB      int           `yaml:"status_db"`
	CommandDB     int           `yaml:"command_db"`
	Modbus        ModbusConfig  `yaml:"modbus"`
	StoreyTargets bool          `yaml:"storey_target_words"`
}

// ModbusConfig maps DB numbers onto holding register windows of a
// Modbus/TCP gateway in front of the PLC.
type ModbusConfig struct {
	UnitID    int            `yaml:"unit_id"`
	Registers map[int]uint16 `yaml:"registers"` // db number -> first register
}

type WorkflowConfig struct {
	TaskTimeout time.Duration `yaml:"task_timeout"`
	PLCTimeout  time.Duration `yaml:"plc_timeout"`
	PulseHold   time.Duration `yaml:"pulse_hold"`
}

type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MessagingConfig struct {
	Backend             string        `yaml:"backend"` // "mqtt", "kafka" or "" to disable
	MQTT                MQTTConfig    `yaml:"mqtt"`
	Kafka               KafkaConfig   `yaml:"kafka"`
	EventsTopic         string        `yaml:"events_topic"`
	RequestsTopic       string        `yaml:"requests_topic"`
	ResultsTopic        string        `yaml:"results_topic"`
	OutboxDrainInterval time.Duration `yaml:"outbox_drain_interval"`
	StationID           string        `yaml:"station_id"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	GroupID string   `yaml:"group_id"`
}

type WebConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	SessionSecret string `yaml:"session_secret"`
}

type LogConfig struct {
	Level   string `yaml:"level"` // debug, info, warn, error
	Journal bool   `yaml:"journal"`
}

func Defaults() *Config {
	return &Config{
		MapPath: "map.json",
		Shuttle: ShuttleConfig{
			Host:              "192.168.8.30",
			Port:              2504,
			DeviceID:          1,
			HeartbeatInterval: 600 * time.Millisecond,
			BatteryEvery:      5,
			ConnectTimeout:    5 * time.Second,
			CommandTimeout:    5 * time.Second,
		},
		PLC: PLCConfig{
			Driver:       "s7",
			Host:         "192.168.8.10",
			Port:         102,
			Rack:         0,
			Slot:         1,
			Timeout:      3 * time.Second,
			MaxRetries:   3,
			RetryDelay:   2 * time.Second,
			VerifyWrites: true,
			PollInterval: 100 * time.Millisecond,
			StatusDB:     11,
			CommandDB:    12,
			Modbus: ModbusConfig{
				UnitID:    1,
				Registers: map[int]uint16{11: 0, 12: 100},
			},
		},
		Workflow: WorkflowConfig{
			TaskTimeout: 300 * time.Second,
			PLCTimeout:  120 * time.Second,
			PulseHold:   500 * time.Millisecond,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{Path: "shuttlecore.db"},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "shuttlecore",
				User:     "shuttlecore",
				SSLMode:  "disable",
			},
		},
		Redis: RedisConfig{
			Address: "localhost:6379",
		},
		Messaging: MessagingConfig{
			Backend: "",
			MQTT: MQTTConfig{
				Broker:   "localhost",
				Port:     1883,
				ClientID: "shuttlecore",
			},
			Kafka: KafkaConfig{
				Brokers: []string{"localhost:9092"},
				GroupID: "shuttlecore",
			},
			EventsTopic:         "shuttlecore.events",
			RequestsTopic:       "shuttlecore.requests",
			ResultsTopic:        "shuttlecore.results",
			OutboxDrainInterval: 5 * time.Second,
			StationID:           "asrs-1",
		},
		Web: WebConfig{
			Host:          "0.0.0.0",
			Port:          8090,
			SessionSecret: "change-me-in-production",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Save(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Config) Lock()    { c.mu.Lock() }
func (c *Config) Unlock()  { c.mu.Unlock() }
func (c *Config) RLock()   { c.mu.RLock() }
func (c *Config) RUnlock() { c.mu.RUnlock() }
