package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config aggregates every application setting.
type Config struct {
	AppPort           string
	JWTSecret         string
	JWTExpMinutes     int
	JWTRefreshHours   int
	AESKey            []byte
	DBDriver          string
	DBHost            string
	DBPort            string
	DBUser            string
	DBPassword        string
	DBName            string
	DBPath            string
	AuthMode          string
	LDAPURL           string
	LDAPBaseDN        string
	LDAPBindDN        string
	LDAPBindPass      string
	LDAPDefaultRole   string
	PrometheusURL     string
	PrometheusTimeout time.Duration
	WebhookURL        string
	SlackWebhookURL   string
	SMTPHost          string
	SMTPPort          int
	SMTPUser          string
	SMTPPassword      string
	EmailFrom         string
	EmailTo           []string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	AIModel           string
	AllowedOrigins    []string
	QueueBackend      string
	WorkerPoolSize    int
	MaxAttempts       int
	RetryBase         time.Duration
	RetryCap          time.Duration
	AlertInterval     time.Duration
	ObserveInterval   time.Duration
	LogLevel          string
	LogFormat         string
}

// LoadEnv loads environment variables from a .env file when one exists (dev mode).
func LoadEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

// New builds a Config from environment variables and an optional config.yaml.
func New() *Config {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kdp-orchestrator")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	// config.yaml is optional
	_ = v.ReadInConfig()

	return &Config{
		AppPort:           v.GetString("APP_PORT"),
		JWTSecret:         v.GetString("APP_JWT_SECRET"),
		JWTExpMinutes:     v.GetInt("APP_JWT_EXP_MINUTES"),
		JWTRefreshHours:   v.GetInt("APP_JWT_REFRESH_HOURS"),
		AESKey:            []byte(v.GetString("APP_AES_KEY")),
		DBDriver:          v.GetString("DB_DRIVER"),
		DBHost:            v.GetString("DB_HOST"),
		DBPort:            v.GetString("DB_PORT"),
		DBUser:            v.GetString("DB_USER"),
		DBPassword:        v.GetString("DB_PASSWORD"),
		DBName:            v.GetString("DB_NAME"),
		DBPath:            v.GetString("DB_PATH"),
		AuthMode:          v.GetString("AUTH_MODE"),
		LDAPURL:           v.GetString("LDAP_URL"),
		LDAPBaseDN:        v.GetString("LDAP_BASE_DN"),
		LDAPBindDN:        v.GetString("LDAP_BIND_DN"),
		LDAPBindPass:      v.GetString("LDAP_BIND_PASSWORD"),
		LDAPDefaultRole:   v.GetString("LDAP_DEFAULT_ROLE"),
		PrometheusURL:     v.GetString("PROMETHEUS_BASE_URL"),
		PrometheusTimeout: v.GetDuration("PROMETHEUS_TIMEOUT"),
		WebhookURL:        v.GetString("WEBHOOK_URL"),
		SlackWebhookURL:   v.GetString("SLACK_WEBHOOK_URL"),
		SMTPHost:          v.GetString("SMTP_HOST"),
		SMTPPort:          v.GetInt("SMTP_PORT"),
		SMTPUser:          v.GetString("SMTP_USER"),
		SMTPPassword:      v.GetString("SMTP_PASSWORD"),
		EmailFrom:         v.GetString("EMAIL_FROM"),
		EmailTo:           splitList(v.GetString("EMAIL_TO")),
		OpenAIAPIKey:      v.GetString("OPENAI_API_KEY"),
		OpenAIBaseURL:     v.GetString("OPENAI_BASE_URL"),
		AIModel:           v.GetString("AI_MODEL"),
		AllowedOrigins:    splitList(v.GetString("ALLOWED_ORIGINS")),
		QueueBackend:      v.GetString("QUEUE_BACKEND"),
		WorkerPoolSize:    v.GetInt("WORKER_POOL_SIZE"),
		MaxAttempts:       v.GetInt("ORCH_MAX_ATTEMPTS"),
		RetryBase:         v.GetDuration("ORCH_RETRY_BASE"),
		RetryCap:          v.GetDuration("ORCH_RETRY_CAP"),
		AlertInterval:     time.Duration(v.GetInt("ALERT_INTERVAL_SECONDS")) * time.Second,
		ObserveInterval:   time.Duration(v.GetInt("OBSERVE_INTERVAL_SECONDS")) * time.Second,
		LogLevel:          v.GetString("LOG_LEVEL"),
		LogFormat:         v.GetString("LOG_FORMAT"),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_PORT", "8080")
	v.SetDefault("APP_JWT_SECRET", "change-me-secret")
	v.SetDefault("APP_JWT_EXP_MINUTES", 15)
	v.SetDefault("APP_JWT_REFRESH_HOURS", 168)
	v.SetDefault("APP_AES_KEY", "change-me-32-bytes-key-change-me")

	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "kdp")
	v.SetDefault("DB_PASSWORD", "kdp")
	v.SetDefault("DB_NAME", "kdp")
	v.SetDefault("DB_PATH", "kdp.db")

	v.SetDefault("AUTH_MODE", "local")
	v.SetDefault("LDAP_URL", "ldap://ldap.example.com:389")
	v.SetDefault("LDAP_BASE_DN", "dc=example,dc=com")
	v.SetDefault("LDAP_BIND_DN", "cn=admin,dc=example,dc=com")
	v.SetDefault("LDAP_BIND_PASSWORD", "admin")
	v.SetDefault("LDAP_DEFAULT_ROLE", "viewer")

	v.SetDefault("PROMETHEUS_BASE_URL", "http://127.0.0.1:9090")
	v.SetDefault("PROMETHEUS_TIMEOUT", "10s")

	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("EMAIL_FROM", "noreply@example.local")

	v.SetDefault("AI_MODEL", "gpt-4.1-mini")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173")

	v.SetDefault("QUEUE_BACKEND", "river")
	v.SetDefault("WORKER_POOL_SIZE", 16)
	v.SetDefault("ORCH_MAX_ATTEMPTS", 5)
	v.SetDefault("ORCH_RETRY_BASE", "5s")
	v.SetDefault("ORCH_RETRY_CAP", "5m")
	v.SetDefault("ALERT_INTERVAL_SECONDS", 60)
	v.SetDefault("OBSERVE_INTERVAL_SECONDS", 30)

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
