package common

import (
	"bytes"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		viper.Reset()
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the defaults
	{
		viper.Reset()
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal(512, cfg.Distribution.Registry.MaxConnections)
		assert.Equal(50, cfg.Distribution.Batcher.MaxBatchSize)
		assert.Equal(0.01, cfg.Distribution.Throttle.SignificantChange)
		assert.Equal(
			time.Millisecond*1000,
			time.Millisecond*time.Duration(cfg.Distribution.Throttle.Interval),
		)
	}

	// Case 2: invalid listen address
	{
		viper.Reset()
		InstallDefaultConfigValues()
		config := []byte(`---
api_server:
  server_config:
    listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: invalid batcher setting
	{
		viper.Reset()
		InstallDefaultConfigValues()
		config := []byte(`---
distribution:
  batcher:
    max_batch_size: -5`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: override via config file
	{
		viper.Reset()
		InstallDefaultConfigValues()
		config := []byte(`---
feed:
  subject: rates.treasury
distribution:
  registry:
    max_connections: 32
  throttle:
    forced_fields:
      - status`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal("rates.treasury", cfg.Feed.Subject)
		assert.Equal(32, cfg.Distribution.Registry.MaxConnections)
		assert.Equal([]string{"status"}, cfg.Distribution.Throttle.ForcedFields)
	}
}
