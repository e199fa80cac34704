package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type config struct {
	network string
	addr    string

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	maxBody int64

	rate  float64
	burst int

	debug bool
}

func loadEnvFile() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}

func parse() (*config, error) {
	readTimeout, err := getenvDuration("SINCERE_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	writeTimeout, err := getenvDuration("SINCERE_WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	idleTimeout, err := getenvDuration("SINCERE_IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, err
	}

	maxBody, err := strconv.ParseInt(getenv("SINCERE_MAX_BODY", "10485760"), 10, 64)
	if err != nil || maxBody <= 0 {
		return nil, fmt.Errorf("invalid SINCERE_MAX_BODY value")
	}

	rps, err := strconv.ParseFloat(getenv("SINCERE_RATE", "0"), 64)
	if err != nil || rps < 0 {
		return nil, fmt.Errorf("invalid SINCERE_RATE value")
	}
	burst, err := strconv.Atoi(getenv("SINCERE_BURST", "20"))
	if err != nil || burst < 1 {
		return nil, fmt.Errorf("invalid SINCERE_BURST value")
	}

	return &config{
		network:      getenv("SINCERE_NETWORK", "tcp"),
		addr:         getenv("SINCERE_ADDR", ":8080"),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		idleTimeout:  idleTimeout,
		maxBody:      maxBody,
		rate:         rps,
		burst:        burst,
		debug:        getenvBool("SINCERE_DEBUG", false),
	}, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val == "true"
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return def, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %w", key, err)
	}
	return d, nil
}
