package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/schoolgate/apiserver/types"
	"golang.org/x/crypto/bcrypt"
)

type Config struct {
	Env              string
	ServerPort       int
	RequirementsFile string
	Auth             AuthConfig
	Database         DatabaseConfig
	Store            StoreConfig
	Storage          StorageConfig
	MQ               MQConfig
	Log              LogConfig
}

type AuthConfig struct {
	JWTSecret        string
	TokenTTL         time.Duration
	BcryptCost       int
	AutoApproveRoles []types.Role
}

// Validate rejects settings the auth services cannot run with.
func (c AuthConfig) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("BCRYPT_COST must be between %d and %d, got %d", bcrypt.MinCost, bcrypt.MaxCost, c.BcryptCost)
	}
	return nil
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	UseSSL   bool
}

// StoreConfig selects where user records live: "postgres" or "file".
type StoreConfig struct {
	Driver   string
	FilePath string
}

// StorageConfig selects the registration document backend: "minio", "gcs",
// or empty to disable uploads.
type StorageConfig struct {
	Backend string
	Minio   MinioConfig
	GCS     GCSConfig
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type GCSConfig struct {
	Bucket          string
	ProjectID       string
	CredentialsFile string
}

// MQConfig selects the application event backend: "rabbitmq", "pubsub", or
// empty to disable events.
type MQConfig struct {
	Backend  string
	Channel  string
	RabbitMQ RabbitMQConfig
	PubSub   PubSubConfig
}

type RabbitMQConfig struct {
	URL             string
	QueueDurable    bool
	QueueAutoDelete bool
	PrefetchCount   int
}

type PubSubConfig struct {
	ProjectID          string
	CredentialsFile    string
	SubscriptionSuffix string
}

type LogConfig struct {
	Format string
	Level  string
}

func LoadConfig() Config {
	env := getEnv("ENV", "prod")
	if env == "dev" {
		godotenv.Load()
	}

	dbConfig := DatabaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "schoolgate"),
		Password: getEnv("DB_PASSWORD", "password"),
		DBName:   getEnv("DB_NAME", "schoolgate_db"),
		UseSSL:   getEnvBool("DB_USE_SSL", false),
	}

	authConfig := AuthConfig{
		JWTSecret:        strings.TrimSpace(getEnv("JWT_SECRET", "")),
		TokenTTL:         getEnvDuration("TOKEN_TTL", 24*time.Hour),
		BcryptCost:       getEnvInt("BCRYPT_COST", 10),
		AutoApproveRoles: parseRoles(getEnv("AUTO_APPROVE_ROLES", string(types.RoleAdmin))),
	}

	return Config{
		Env:              env,
		ServerPort:       getEnvInt("SERVER_PORT", 8080),
		RequirementsFile: getEnv("REQUIREMENTS_FILE", ""),
		Auth:             authConfig,
		Database:         dbConfig,
		Store: StoreConfig{
			Driver:   strings.ToLower(getEnv("STORE_DRIVER", "postgres")),
			FilePath: getEnv("STORE_FILE", "data/users.json"),
		},
		Storage: StorageConfig{
			Backend: strings.ToLower(getEnv("STORAGE_BACKEND", "")),
			Minio: MinioConfig{
				Endpoint:  getEnv("MINIO_ENDPOINT", ""),
				AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
				SecretKey: getEnv("MINIO_SECRET_KEY", ""),
				Bucket:    getEnv("MINIO_BUCKET", "registration-documents"),
				UseSSL:    getEnvBool("MINIO_USE_SSL", false),
			},
			GCS: GCSConfig{
				Bucket:          getEnv("GCS_BUCKET", ""),
				ProjectID:       getEnv("GCS_PROJECT_ID", ""),
				CredentialsFile: getEnv("GCS_CREDENTIALS_FILE", ""),
			},
		},
		MQ: MQConfig{
			Backend: strings.ToLower(getEnv("MQ_BACKEND", "")),
			Channel: getEnv("MQ_CHANNEL", "applications"),
			RabbitMQ: RabbitMQConfig{
				URL:             getEnv("RABBITMQ_URL", ""),
				QueueDurable:    getEnvBool("RABBITMQ_QUEUE_DURABLE", true),
				QueueAutoDelete: getEnvBool("RABBITMQ_QUEUE_AUTO_DELETE", false),
				PrefetchCount:   getEnvInt("RABBITMQ_PREFETCH", 10),
			},
			PubSub: PubSubConfig{
				ProjectID:          getEnv("PUBSUB_PROJECT_ID", ""),
				CredentialsFile:    getEnv("PUBSUB_CREDENTIALS_FILE", ""),
				SubscriptionSuffix: getEnv("PUBSUB_SUBSCRIPTION_SUFFIX", "-sub"),
			},
		},
		Log: LogConfig{
			Format: getEnv("LOG_FORMAT", "json"),
			Level:  getEnv("LOG_LEVEL", "info"),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		var value int
		if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
			return defaultValue
		}
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	switch strings.ToLower(strings.TrimSpace(valueStr)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return defaultValue
	}
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(key); exists {
		if parsed, err := time.ParseDuration(valueStr); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// parseRoles reads a comma separated role list, skipping unknown names.
func parseRoles(raw string) []types.Role {
	var roles []types.Role
	for _, part := range strings.Split(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		role, err := types.ParseRole(part)
		if err != nil {
			continue
		}
		roles = append(roles, role)
	}
	return roles
}
