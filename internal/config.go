package internal

import "time"

// Config is where a client finds the server.
type Config struct {
	Host    string
	Port    int
	Timeout time.Duration // dial timeout, 0 for none
}

const DEFAULT_HOST = "127.0.0.1"
const DEFAULT_PORT = 6969

func DefaultConfig() *Config {
	return &Config{
		Host: DEFAULT_HOST,
		Port: DEFAULT_PORT,
	}
}
