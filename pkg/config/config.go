package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// NewConfig loads the server configuration. The APP_CONF environment variable
// overrides the path given on the command line.
func NewConfig(p string) *viper.Viper {
	envConf := os.Getenv("APP_CONF")
	if envConf == "" {
		envConf = p
	}
	fmt.Println("load conf file:", envConf)
	return getConfig(envConf)
}

func getConfig(path string) *viper.Viper {
	conf := viper.New()
	setDefaults(conf)
	conf.SetConfigFile(path)
	if err := conf.ReadInConfig(); err != nil {
		panic(err)
	}
	return conf
}

// Default returns a config holding only built-in defaults.
func Default() *viper.Viper {
	conf := viper.New()
	setDefaults(conf)
	return conf
}

func setDefaults(conf *viper.Viper) {
	conf.SetDefault("env", "local")
	conf.SetDefault("http.host", "0.0.0.0")
	conf.SetDefault("http.port", 9200)
	conf.SetDefault("log.level", "info")
	conf.SetDefault("log.encoding", "console")
	conf.SetDefault("log.max_size", 100)
	conf.SetDefault("log.max_backups", 10)
	conf.SetDefault("log.max_age", 30)
	conf.SetDefault("security.passphrase", "ecs-sync-db-password")
	conf.SetDefault("jobs.max", 10)
	conf.SetDefault("jobs.data_dir", "")
	conf.SetDefault("storage.s3.region", "us-east-1")
	conf.SetDefault("storage.s3.pool_size", 4)
	conf.SetDefault("storage.s3.max_retries", 3)
	conf.SetDefault("storage.s3.timeout", "30s")
}
