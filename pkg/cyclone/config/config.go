// Package config holds the YAML configuration for the daemon.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Device            string `yaml:"device"`
	RTLSDRDeviceIndex int    `yaml:"rtlsdr_device_index"`

	SampleRate   int           `yaml:"sample_rate"`
	ControlFreq  int           `yaml:"control_freq"`
	TuningOffset int           `yaml:"tuning_offset"`
	SymbolRate   int           `yaml:"symbol_rate"`
	Protocol     string        `yaml:"protocol"`
	VoiceCodec   string        `yaml:"voice_codec"`
	HangTime     time.Duration `yaml:"hang_time"`
	SettleTime   time.Duration `yaml:"settle_time"`
	NoHop        bool          `yaml:"nohop"`
	HoldCalls    bool          `yaml:"hold_current_call"`

	AllowTalkgroups []int `yaml:"allow_talkgroups,flow"`
	DenyTalkgroups  []int `yaml:"deny_talkgroups,flow"`

	HTTPBind string `yaml:"http_bind"`

	OutputDestinations []OutputDestination `yaml:"output_destinations"`
	AudioFile          string              `yaml:"audio_file"`
	AudioTalkgroups    []int               `yaml:"audio_talkgroups,flow"`

	RecordLocation   string `yaml:"record_location"`
	PlaybackLocation string `yaml:"playback_location"`

	Pool struct {
		IQBlocks        int `yaml:"iq_blocks"`
		IQBlockSize     int `yaml:"iq_block_size"`
		SymbolFrames    int `yaml:"symbol_frames"`
		SymbolFrameSize int `yaml:"symbol_frame_size"`
	} `yaml:"pool"`

	InfluxDB struct {
		Host         string `yaml:"host"`
		Organization string `yaml:"organization"`
		Bucket       string `yaml:"bucket"`
	} `yaml:"influxdb"`
}

type OutputDestination struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Load reads and validates a config file, filling defaults.
func Load(path string) (*Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read file")
	}
	var cfg Config
	if err := yaml.Unmarshal(contents, &cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal yaml")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Device == "" {
		c.Device = "hackrf"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 1200000
	}
	if c.SymbolRate == 0 {
		c.SymbolRate = 4800
	}
	if c.Protocol == "" {
		c.Protocol = "null"
	}
	if c.VoiceCodec == "" {
		c.VoiceCodec = "pcm16"
	}
	if c.HangTime == 0 {
		c.HangTime = 2 * time.Second
	}
	if c.SettleTime == 0 {
		c.SettleTime = 40 * time.Millisecond
	}
	if c.HTTPBind == "" {
		c.HTTPBind = "127.0.0.1:8080"
	}
	if c.PlaybackLocation != "" {
		c.Device = "file"
	}
}

func (c *Config) Validate() error {
	if c.ControlFreq <= 0 {
		return errors.New("config: control_freq is required")
	}
	if c.SampleRate <= 0 || c.SampleRate%240000 != 0 {
		return errors.Errorf("config: sample_rate %d must be a positive multiple of 240000", c.SampleRate)
	}
	if c.SymbolRate <= 0 {
		return errors.Errorf("config: symbol_rate %d out of range", c.SymbolRate)
	}
	return nil
}
