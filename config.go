package main

import (
	"fmt"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const defaultSystemInstruction = "You are a helpful assistant. Answer any questions as necessary."

// Config is the process configuration, loaded from environment variables.
type Config struct {
	Port int `mapstructure:"PORT" validate:"gte=1,lte=65535"`

	// Gemini Live session settings. An empty API key does not fail the
	// load: the server still runs and rejects source connections with a
	// configuration error event.
	GeminiAPIKey      string `mapstructure:"GEMINI_API_KEY"`
	GeminiModel       string `mapstructure:"GEMINI_MODEL" validate:"required"`
	GeminiVoice       string `mapstructure:"GEMINI_VOICE" validate:"required"`
	SystemInstruction string `mapstructure:"SYSTEM_INSTRUCTION" validate:"required"`

	// Frame rate of the MJPEG preview endpoint.
	MJPEGFPS int `mapstructure:"MJPEG_FPS" validate:"gte=1,lte=60"`
}

// bindEnv binds environment variables based on mapstructure tags.
func bindEnv(v *viper.Viper, c Config) {
	typ := reflect.TypeOf(c)
	for i := 0; i < typ.NumField(); i++ {
		if tag := typ.Field(i).Tag.Get("mapstructure"); tag != "" {
			v.BindEnv(tag)
		}
	}
}

// LoadConfig reads the configuration from the environment, applies defaults
// and validates the result.
func LoadConfig() (*Config, error) {
	v := viper.New()
	bindEnv(v, Config{})
	v.AutomaticEnv()

	v.SetDefault("PORT", 8000)
	v.SetDefault("GEMINI_MODEL", "gemini-2.5-flash-native-audio-latest")
	v.SetDefault("GEMINI_VOICE", "Puck")
	v.SetDefault("SYSTEM_INSTRUCTION", defaultSystemInstruction)
	v.SetDefault("MJPEG_FPS", 30)

	cfg := Config{}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}
