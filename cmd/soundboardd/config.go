package main

import (
	"os"
	"strconv"
	"strings"

	"soundlayer/audio"
)

// Config collects everything the daemon reads from the environment.
// Defaults are production-sane; every knob has an env override.
type Config struct {
	Port      int
	SoundsDir string
	Sink      string // "portaudio" or "null"

	Audio        audio.Config
	MasterVolume float64

	CORSOrigins []string

	RateLimitPerSecond float64
	RateLimitBurst     int
}

// DefaultConfig returns the stock daemon configuration.
func DefaultConfig() Config {
	return Config{
		Port:               8080,
		SoundsDir:          "sounds",
		Sink:               "portaudio",
		Audio:              audio.DefaultConfig(),
		MasterVolume:       1.0,
		CORSOrigins:        []string{"http://localhost:*"},
		RateLimitPerSecond: 10,
		RateLimitBurst:     20,
	}
}

// LoadConfig returns the configuration with environment overrides.
func LoadConfig() Config {
	cfg := DefaultConfig()

	if p := getEnvInt("PORT", 0); p > 0 {
		cfg.Port = p
	}
	if d := os.Getenv("SOUNDS_DIR"); d != "" {
		cfg.SoundsDir = d
	}
	if s := os.Getenv("SINK"); s != "" {
		cfg.Sink = s
	}
	if r := getEnvInt("SAMPLE_RATE", 0); r > 0 {
		cfg.Audio.SampleRate = r
	}
	if c := getEnvInt("CHANNELS", 0); c > 0 {
		cfg.Audio.Channels = c
	}
	if b := getEnvInt("BUFFER_FRAMES", 0); b > 0 {
		cfg.Audio.BufferFrames = b
	}
	switch os.Getenv("SAMPLE_FORMAT") {
	case "int16":
		cfg.Audio.Format = audio.Int16
	case "int32":
		cfg.Audio.Format = audio.Int32
	case "float32":
		cfg.Audio.Format = audio.Float32
	}
	if v := getEnvFloat("MASTER_VOLUME", -1); v >= 0 {
		cfg.MasterVolume = v
	}
	if o := os.Getenv("CORS_ORIGINS"); o != "" {
		cfg.CORSOrigins = strings.Split(o, ",")
	}
	if v := getEnvFloat("RATE_LIMIT_RPS", -1); v > 0 {
		cfg.RateLimitPerSecond = v
	}
	if b := getEnvInt("RATE_LIMIT_BURST", 0); b > 0 {
		cfg.RateLimitBurst = b
	}
	return cfg
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
