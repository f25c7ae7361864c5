package chatter

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/putto11262002/chatter-mobile/core"
	"github.com/spf13/viper"
)

type Config struct {
	// Username is the account the client runs as.
	Username string `mapstructure:"username" validate:"required"`
	// Token is the access token issued at login. Storing it is the host's job;
	// the client only reads it.
	Token  string `mapstructure:"token" validate:"required"`
	Server struct {
		// API is the base URL of the REST API, e.g. https://chat.example.com.
		API string `mapstructure:"api" validate:"required,url"`
		// Socket is the URL of the event socket, e.g. wss://chat.example.com/ws.
		Socket string `mapstructure:"socket" validate:"required,url"`
	} `mapstructure:"server"`
	Cache struct {
		// File is the path to the SQLite cache file. The default is ./chatter-cache.db.
		File string `mapstructure:"file" validate:"required"`
	} `mapstructure:"cache"`
	Sync struct {
		Limit int `mapstructure:"limit" validate:"gte=0"`
	} `mapstructure:"sync"`
	Typing struct {
		Timeout  time.Duration `mapstructure:"timeout" validate:"gte=0"`
		Interval time.Duration `mapstructure:"interval" validate:"gte=0"`
	} `mapstructure:"typing"`
	Reconnect struct {
		Base time.Duration `mapstructure:"base" validate:"gt=0"`
		Max  time.Duration `mapstructure:"max" validate:"gtefield=Base"`
	} `mapstructure:"reconnect"`
	Call core.CallConfig `mapstructure:"call"`
	// Status is the address of the local status server. Empty disables it.
	Status struct {
		Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
	} `mapstructure:"status"`
	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	valid    bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.api", "http://localhost:5000")
	v.SetDefault("server.socket", "ws://localhost:5000/ws")
	v.SetDefault("cache.file", "./chatter-cache.db")
	v.SetDefault("sync.limit", core.DefaultSyncLimit)
	v.SetDefault("typing.timeout", 3*time.Second)
	v.SetDefault("typing.interval", 500*time.Millisecond)
	v.SetDefault("reconnect.base", time.Second)
	v.SetDefault("reconnect.max", 30*time.Second)
	v.SetDefault("call.answer_timeout", core.DefaultCallConfig.AnswerTimeout)
	v.SetDefault("call.ring_timeout", core.DefaultCallConfig.RingTimeout)
	v.SetDefault("call.tick_interval", core.DefaultCallConfig.TickInterval)
	v.SetDefault("log_level", "info")
	// keys without a default are unknown to AutomaticEnv
	v.SetDefault("username", "")
	v.SetDefault("token", "")
	v.SetDefault("status.addr", "")
}

// LoadConfig loads the configuration from the config file, if any, and
// CHATTER_ prefixed environment variables. Values that fail to decode are
// left zero and caught in the validation step.
func LoadConfig(file string) (*Config, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("chatter")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return decodeConfig(v)
}

func decodeConfig(v *viper.Viper) (*Config, error) {
	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		// defer error to validation step
		return config, nil
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	err := validate.Struct(c)
	if err != nil {
		return err
	}
	c.valid = true
	return nil
}

func FormatValidationErrors(err error) string {
	errors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errors.Translate(trans)

	var sb strings.Builder
	for _, v := range translated {
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	return sb.String()
}
