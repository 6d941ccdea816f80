package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Env         string
	HTTPAddr    string
	DatabaseURL string
	BaseURL     string
	Pelecard    PelecardConfig
	Sumit       SumitConfig
	Form        FormConfig
	Convergence ConvergenceConfig
	Admin       AdminConfig
	S3          S3Config
	Logging     LoggingConfig
}

type PelecardConfig struct {
	GatewayURL  string
	Terminal    string
	User        string
	Password    string
	ShopNo      string
	Currency    string
	MaxPayments string
	MinPayments string
}

type SumitConfig struct {
	BaseURL       string
	CompanyID     int64
	APIKey        string
	FallbackEmail string
}

// FormConfig points the browser-return redirect at the downstream
// registration form.
type FormConfig struct {
	URL        string
	FailureURL string
}

type ConvergenceConfig struct {
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

type AdminConfig struct {
	Login     string
	Password  string
	PassHash  string
	JWTSecret string
}

type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
}

type LoggingConfig struct {
	Level  string
	Format string
	File   string
}

func Load() (*Config, error) {
	companyID, err := getenvInt64("SUMIT_COMPANY_ID")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Env:         getenv("APP_ENV", "dev"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		BaseURL:     strings.TrimRight(os.Getenv("BASE_URL"), "/"),
		Pelecard: PelecardConfig{
			GatewayURL:  getenv("PELE_GATEWAY_URL", "https://gateway21.pelecard.biz"),
			Terminal:    os.Getenv("PELE_TERMINAL"),
			User:        os.Getenv("PELE_USER"),
			Password:    os.Getenv("PELE_PASSWORD"),
			ShopNo:      getenv("PELE_SHOP_NO", "001"),
			Currency:    getenv("PELE_CURRENCY", "1"),
			MaxPayments: getenv("PELE_MAX_PAYMENTS", "10"),
			MinPayments: getenv("PELE_MIN_PAYMENTS", "1"),
		},
		Sumit: SumitConfig{
			BaseURL:       getenv("SUMIT_BASE_URL", "https://app.sumit.co.il"),
			CompanyID:     companyID,
			APIKey:        os.Getenv("SUMIT_API_KEY"),
			FallbackEmail: getenv("SUMIT_FALLBACK_EMAIL", "hd@puah.org.il"),
		},
		Form: FormConfig{
			URL:        getenv("FORM_URL", "https://puah.tfaforms.net/38"),
			FailureURL: getenv("FORM_FAILURE_URL", "https://puah.tfaforms.net/38?Status=failed"),
		},
		Convergence: ConvergenceConfig{
			WaitTimeout:  getenvDuration("CONVERGENCE_WAIT_TIMEOUT", 5*time.Second),
			PollInterval: getenvDuration("CONVERGENCE_POLL_INTERVAL", 200*time.Millisecond),
		},
		Admin: AdminConfig{
			Login:     os.Getenv("ADMIN_LOGIN"),
			Password:  os.Getenv("ADMIN_PASSWORD"),
			PassHash:  os.Getenv("ADMIN_PASSWORD_HASH"),
			JWTSecret: os.Getenv("ADMIN_JWT_SECRET"),
		},
		S3: S3Config{
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			Bucket:    os.Getenv("S3_BUCKET"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			Region:    getenv("S3_REGION", "us-east-1"),
			UseSSL:    getenvBool("S3_USE_SSL", true),
		},
		Logging: LoggingConfig{
			Level:  getenv("LOG_LEVEL", "info"),
			Format: getenv("LOG_FORMAT", "text"),
			File:   os.Getenv("LOG_FILE"),
		},
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("BASE_URL is required")
	}
	if cfg.Pelecard.Terminal == "" || cfg.Pelecard.User == "" || cfg.Pelecard.Password == "" {
		return nil, fmt.Errorf("PELE_TERMINAL, PELE_USER and PELE_PASSWORD are required")
	}
	if cfg.Sumit.CompanyID == 0 || cfg.Sumit.APIKey == "" {
		return nil, fmt.Errorf("SUMIT_COMPANY_ID and SUMIT_API_KEY are required")
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getenvBool(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvInt64(key string) (int64, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return parsed, nil
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
