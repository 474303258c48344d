package config

import (
	"log"
	"os"
	"strconv"
	"strings"
)

// GetString retrieves an environment variable or returns a fallback when unset.
func GetString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// GetInt retrieves an environment variable as integer or returns fallback.
func GetInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetBool retrieves an environment variable as bool or returns fallback.
func GetBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetFloat retrieves an environment variable as float64 or returns fallback.
func GetFloat(key string, fallback float64) float64 {
	if value, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			log.Printf("invalid value for %s: %v", key, err)
			return fallback
		}
		return parsed
	}
	return fallback
}

// GetStrings retrieves a comma separated environment variable as a slice.
// Empty items are dropped; unset returns the fallback unchanged.
func GetStrings(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
