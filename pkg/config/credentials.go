package config

import (
	"os"
	"time"

	"github.com/spf13/viper"
)

// S3Settings holds connection settings for S3-compatible storage.
type S3Settings struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
	EndpointURL     string
	ForcePathStyle  bool
	PoolSize        int
	MaxRetries      int
	Timeout         time.Duration
}

// LoadS3Settings reads the storage.s3 section. Keys missing from the config
// fall back to the usual AWS environment variables; anything still empty is
// left to the SDK default credential chain.
func LoadS3Settings(conf *viper.Viper) S3Settings {
	s := S3Settings{
		AccessKeyID:     conf.GetString("storage.s3.access_key"),
		SecretAccessKey: conf.GetString("storage.s3.secret_key"),
		Region:          conf.GetString("storage.s3.region"),
		EndpointURL:     conf.GetString("storage.s3.endpoint"),
		ForcePathStyle:  conf.GetBool("storage.s3.path_style"),
		PoolSize:        conf.GetInt("storage.s3.pool_size"),
		MaxRetries:      conf.GetInt("storage.s3.max_retries"),
		Timeout:         conf.GetDuration("storage.s3.timeout"),
	}

	if s.AccessKeyID == "" || s.SecretAccessKey == "" {
		s.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
		s.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
		s.SessionToken = os.Getenv("AWS_SESSION_TOKEN")
	}
	if env := os.Getenv("AWS_REGION"); env != "" && s.Region == "" {
		s.Region = env
	}
	if env := os.Getenv("S3_ENDPOINT_URL"); env != "" && s.EndpointURL == "" {
		s.EndpointURL = env
	}
	return s
}

// HasStaticCredentials reports whether an explicit key pair is configured.
func (s S3Settings) HasStaticCredentials() bool {
	return s.AccessKeyID != "" && s.SecretAccessKey != ""
}
