package config

import (
	"os"
	"strconv"
	"time"
)

// MpesaConfig carries the gateway-facing settings for the M-Pesa adapters.
// BusinessShortCode gates the pre-settlement validation callback; MinAmount
// rejects dust payments before they ever reach the intake pipeline.
type MpesaConfig struct {
	BusinessShortCode string
	MinAmount         float64
	LockTimeout       time.Duration
	MaxRetries        int
}

func LoadMpesaConfig() *MpesaConfig {
	return &MpesaConfig{
		BusinessShortCode: getEnv("MPESA_BUSINESS_SHORT_CODE", "174379"),
		MinAmount:         getEnvAsFloat("MPESA_MIN_AMOUNT", 1),
		LockTimeout:       getEnvAsDuration("ALLOCATION_LOCK_TIMEOUT", 5*time.Second),
		MaxRetries:        getEnvAsInt("ALLOCATION_MAX_RETRIES", 3),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if floatVal, err := strconv.ParseFloat(val, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}
