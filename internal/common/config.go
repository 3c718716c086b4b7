package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	OCR      OCRConfig
	Extract  ExtractConfig
	Twilio   TwilioConfig
	Pipeline PipelineConfig
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	Driver           string // "postgres" | "sqlite"
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr        string
	JournalPath string
}

// OCRConfig selects and configures the recognition engine.
type OCRConfig struct {
	Engine        string // "tesseract" | "paddle" | "azure"
	DPI           int
	Enhance       bool
	Tesseract     string // binary name or absolute path
	TesseractLang string
	TessdataDir   string
	PaddleURL     string
	AzureEndpoint string
	AzureKey      string
	Timeout       time.Duration
}

// ExtractConfig holds extraction and validation thresholds.
type ExtractConfig struct {
	ConfidenceFloor float64
	TieEpsilon      float64
	AmountCeiling   float64
	DueDateGrace    time.Duration
}

// TwilioConfig holds messaging channel credentials.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// PipelineConfig sizes the worker pool.
type PipelineConfig struct {
	Workers     int
	QueueSize   int
	UnitTimeout time.Duration
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:           getEnv("DB_DRIVER", "postgres"),
			DSN:              getEnv("DB_URL", ""),
			MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 10),
			MinConns:         getEnvAsInt32("DB_MIN_CONNS", 2),
			MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
		},
		Server: ServerConfig{
			Addr:        getEnv("HTTP_ADDR", ":8080"),
			JournalPath: getEnv("JOURNAL_PATH", "invoiceflow-journal.db"),
		},
		OCR: OCRConfig{
			Engine:        getEnv("OCR_ENGINE", "tesseract"),
			DPI:           getEnvAsInt("OCR_DPI", 300),
			Enhance:       getEnv("OCR_ENHANCE", "true") == "true",
			Tesseract:     getEnv("TESSERACT_BIN", "tesseract"),
			TesseractLang: getEnv("TESSERACT_LANG", "eng"),
			TessdataDir:   getEnv("TESSDATA_PREFIX", ""),
			PaddleURL:     getEnv("PADDLE_OCR_URL", "http://localhost:8866"),
			AzureEndpoint: getEnv("AZURE_CV_ENDPOINT", ""),
			AzureKey:      getEnv("AZURE_CV_KEY", ""),
			Timeout:       getEnvAsDuration("OCR_TIMEOUT", 60*time.Second),
		},
		Extract: ExtractConfig{
			ConfidenceFloor: getEnvAsFloat64("CONFIDENCE_FLOOR", 0.60),
			TieEpsilon:      getEnvAsFloat64("TIE_EPSILON", 0.05),
			AmountCeiling:   getEnvAsFloat64("AMOUNT_CEILING", 1_000_000),
			DueDateGrace:    getEnvAsDuration("DUE_DATE_GRACE", 30*24*time.Hour),
		},
		Twilio: TwilioConfig{
			AccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
			AuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
			FromNumber: getEnv("TWILIO_PHONE_NUMBER", ""),
		},
		Pipeline: PipelineConfig{
			Workers:     getEnvAsInt("PIPELINE_WORKERS", 4),
			QueueSize:   getEnvAsInt("PIPELINE_QUEUE_SIZE", 64),
			UnitTimeout: getEnvAsDuration("PIPELINE_UNIT_TIMEOUT", 3*time.Minute),
		},
	}
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewPipelineError("CONFIG", "DB_URL is required", nil)
	}
	if c.OCR.Engine == "azure" && (c.OCR.AzureEndpoint == "" || c.OCR.AzureKey == "") {
		return NewPipelineError("CONFIG", "AZURE_CV_ENDPOINT and AZURE_CV_KEY are required for the azure engine", nil)
	}
	return nil
}

// Helper functions for environment variable parsing.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
