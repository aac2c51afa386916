// Copyright (c) 2026 the growatt-rtu-broker authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package config loads the broker configuration from command line
// flags, optionally merged over a YAML config file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/l4m4re/growatt-rtu-broker/transport/serialport"
)

// DefaultLogPath is where wire events go unless --log says otherwise.
const DefaultLogPath = "/var/log/growatt_broker.jsonl"

// Config is the full configuration surface.
type Config struct {
	Inverter string `mapstructure:"inverter"`
	Shine    string `mapstructure:"shine"`

	Baud       int    `mapstructure:"baud"`
	Bytes      string `mapstructure:"bytes"`
	InvBaud    int    `mapstructure:"inv-baud"`
	InvBytes   string `mapstructure:"inv-bytes"`
	ShineBaud  int    `mapstructure:"shine-baud"`
	ShineBytes string `mapstructure:"shine-bytes"`

	TCP    string `mapstructure:"tcp"`
	TCPAlt string `mapstructure:"tcp-alt"`
	Sniff  string `mapstructure:"sniff"`

	MinPeriod float64 `mapstructure:"min-period"`
	RTimeout  float64 `mapstructure:"rtimeout"`

	Log      string `mapstructure:"log"`
	LogLevel string `mapstructure:"log-level"`
}

// Load parses args (without the program name) into a Config. An
// optional --config YAML file is merged below the flags: explicit
// flags win, file values beat defaults.
func Load(args []string) (*Config, error) {
	v := viper.New()
	v.SetDefault("baud", 9600)
	v.SetDefault("bytes", "8E1")
	v.SetDefault("tcp", "0.0.0.0:5020")
	v.SetDefault("min-period", 1.0)
	v.SetDefault("rtimeout", 1.5)
	v.SetDefault("log", DefaultLogPath)
	v.SetDefault("log-level", "info")

	fs := pflag.NewFlagSet("growatt-broker", pflag.ContinueOnError)
	fs.String("config", "", "Optional YAML config file")
	fs.String("inverter", "", "Downstream RS-485 serial device (to inverter)")
	fs.String("shine", "", "Upstream ShineWiFi-X serial device (optional)")
	fs.Int("inv-baud", 0, "Inverter baud rate (overrides --baud)")
	fs.String("inv-bytes", "", "Inverter serial format, e.g. 8E1 (overrides --bytes)")
	fs.Int("shine-baud", 0, "Shine baud rate (overrides --baud)")
	fs.String("shine-bytes", "", "Shine serial format (overrides --bytes)")
	fs.Int("baud", v.GetInt("baud"), "Default baud rate if side-specific not set")
	fs.String("bytes", v.GetString("bytes"), "Default serial format if side-specific not set")
	fs.String("tcp", v.GetString("tcp"), "Bind host:port for the Modbus-TCP server ('-' disables)")
	fs.String("tcp-alt", "", "Bind host:port for a secondary Modbus-TCP server")
	fs.String("sniff", "", "Bind host:port for the JSONL sniff relay")
	fs.Float64("min-period", v.GetFloat64("min-period"), "Minimum seconds between downstream transactions")
	fs.Float64("rtimeout", v.GetFloat64("rtimeout"), "Downstream read timeout in seconds")
	fs.String("log", v.GetString("log"), "Event JSONL path, '-' for stdout, 'none' to disable")
	fs.String("log-level", v.GetString("log-level"), "Operational log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("failed to bind pflags: %w", err)
	}

	if configFile := v.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Inverter == "" {
		return fmt.Errorf("--inverter is required")
	}
	if c.Baud <= 0 {
		return fmt.Errorf("--baud must be positive")
	}
	if c.MinPeriod < 0 {
		return fmt.Errorf("--min-period must not be negative")
	}
	if c.RTimeout <= 0 {
		return fmt.Errorf("--rtimeout must be positive")
	}
	if len(c.TCPAddrs()) == 0 {
		return fmt.Errorf("at least one TCP server must be active (--tcp or --tcp-alt)")
	}
	if _, err := c.InverterSettings(); err != nil {
		return err
	}
	if c.Shine != "" {
		if _, err := c.ShineSettings(); err != nil {
			return err
		}
	}
	return nil
}

func settings(device string, baud int, format string) (serialport.Settings, error) {
	dataBits, parity, stopBits, err := serialport.ParseFormat(format)
	if err != nil {
		return serialport.Settings{}, err
	}
	return serialport.Settings{
		Device:   device,
		BaudRate: baud,
		DataBits: dataBits,
		Parity:   parity,
		StopBits: stopBits,
	}, nil
}

// InverterSettings returns the downstream line settings, applying the
// side-specific overrides over the shared defaults.
func (c *Config) InverterSettings() (serialport.Settings, error) {
	baud, format := c.Baud, c.Bytes
	if c.InvBaud > 0 {
		baud = c.InvBaud
	}
	if c.InvBytes != "" {
		format = c.InvBytes
	}
	return settings(c.Inverter, baud, format)
}

// ShineSettings returns the logger line settings.
func (c *Config) ShineSettings() (serialport.Settings, error) {
	baud, format := c.Baud, c.Bytes
	if c.ShineBaud > 0 {
		baud = c.ShineBaud
	}
	if c.ShineBytes != "" {
		format = c.ShineBytes
	}
	return settings(c.Shine, baud, format)
}

// TCPAddrs returns the Modbus-TCP bind addresses. "-" disables the
// primary listener.
func (c *Config) TCPAddrs() []string {
	var addrs []string
	if c.TCP != "" && c.TCP != "-" {
		addrs = append(addrs, c.TCP)
	}
	if c.TCPAlt != "" && c.TCPAlt != "-" {
		addrs = append(addrs, c.TCPAlt)
	}
	return addrs
}

// MinCmdPeriod returns --min-period as a duration.
func (c *Config) MinCmdPeriod() time.Duration {
	return time.Duration(c.MinPeriod * float64(time.Second))
}

// ReadTimeout returns --rtimeout as a duration.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.RTimeout * float64(time.Second))
}
