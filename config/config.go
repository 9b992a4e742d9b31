// Package config loads client policy knobs from a KEY=VALUE file. Every
// knob has a conventional default, so a missing file or a partial file
// is fine.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

type Config struct {
	TCPPort           int           `mapstructure:"TCP_PORT"`
	DownloadDirectory string        `mapstructure:"DOWNLOAD_DIRECTORY"`
	MaxPeers          int           `mapstructure:"MAX_PEERS"`
	PipelineDepth     int           `mapstructure:"PIPELINE_DEPTH"`
	Downloaders       int           `mapstructure:"DOWNLOADERS"`
	OptimisticRounds  int           `mapstructure:"OPTIMISTIC_ROUNDS"`
	ChokeInterval     time.Duration `mapstructure:"CHOKE_INTERVAL"`
	HandshakeTimeout  time.Duration `mapstructure:"HANDSHAKE_TIMEOUT"`
	IdleTimeout       time.Duration `mapstructure:"IDLE_TIMEOUT"`
	KeepAliveInterval time.Duration `mapstructure:"KEEP_ALIVE_INTERVAL"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	SnubPeriod        time.Duration `mapstructure:"SNUB_PERIOD"`
}

// Default returns the conventional BitTorrent policy defaults: 4 upload
// slots plus a rotated optimistic unchoke, a pipeline depth of 5 and a
// 10 second choke interval.
func Default() *Config {
	return &Config{
		TCPPort:           0, // ephemeral
		DownloadDirectory: ".",
		MaxPeers:          100,
		PipelineDepth:     5,
		Downloaders:       4,
		OptimisticRounds:  3,
		ChokeInterval:     10 * time.Second,
		HandshakeTimeout:  3 * time.Second,
		IdleTimeout:       2 * time.Minute,
		KeepAliveInterval: time.Minute,
		RequestTimeout:    time.Minute,
		SnubPeriod:        time.Minute,
	}
}

// Load reads a KEY=VALUE file and overlays it on the defaults. Unknown
// keys and malformed lines are rejected so a typo does not silently run
// with defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	settings := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line: %q", line)
		}
		settings[strings.TrimSpace(parts[0])] = strings.TrimSpace(parts[1])
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	cfg := Default()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
