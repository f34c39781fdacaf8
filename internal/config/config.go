// Package config loads the process-wide, immutable configuration from
// the environment, applying the documented defaults from §6.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is frozen at startup; there is no other process-wide mutable
// configuration state.
type Config struct {
	Host string
	Port int

	TLSCertPath string
	TLSKeyPath  string

	VPNSubnet  string // CIDR, e.g. "10.8.0.0/24"
	VPNNetmask string
	VPNGateway string
	VPNDNS     []string
	VPNMTU     int

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	JWTSecret string

	KeepaliveInterval   time.Duration // pushed to clients, CONFIG_PUSH.keepaliveInterval in seconds
	KeepaliveProbeAfter time.Duration // server sends KEEPALIVE after this much idle time
	IdleTimeout         time.Duration // server disconnects after this much idle time
	MaxFramePayload     uint32
	StaleSessionEvery   time.Duration
	StaleSessionMaxIdle time.Duration
	ShutdownGrace       time.Duration
}

// Load reads every documented environment variable, applying defaults
// for everything except DBPassword and JWTSecret, which must be set
// explicitly.
func Load() (*Config, error) {
	c := &Config{
		Host:        getEnv("VPN_HOST", "0.0.0.0"),
		Port:        getEnvInt("VPN_PORT", 1194),
		TLSCertPath: getEnv("TLS_CERT_PATH", "./certs/server.crt"),
		TLSKeyPath:  getEnv("TLS_KEY_PATH", "./certs/server.key"),
		VPNSubnet:   getEnv("VPN_SUBNET", "10.8.0.0/24"),
		VPNNetmask:  getEnv("VPN_NETMASK", "255.255.255.0"),
		VPNGateway:  getEnv("VPN_GATEWAY", "10.8.0.1"),
		VPNDNS:      splitCSV(getEnv("VPN_DNS", "8.8.8.8,8.8.4.4")),
		VPNMTU:      getEnvInt("VPN_MTU", 1400),
		DBHost:      getEnv("DB_HOST", "localhost"),
		DBPort:      getEnvInt("DB_PORT", 5432),
		DBName:      getEnv("DB_NAME", "vpn"),
		DBUser:      getEnv("DB_USER", "vpn"),
		DBPassword:  os.Getenv("DB_PASSWORD"),
		JWTSecret:   os.Getenv("JWT_SECRET"),

		KeepaliveInterval:   10 * time.Second,
		KeepaliveProbeAfter: 30 * time.Second,
		IdleTimeout:         120 * time.Second,
		MaxFramePayload:     64 * 1024,
		StaleSessionEvery:   5 * time.Minute,
		StaleSessionMaxIdle: 5 * time.Minute,
		ShutdownGrace:       2 * time.Second,
	}

	if c.DBPassword == "" {
		return nil, fmt.Errorf("config: DB_PASSWORD must be set")
	}
	if c.JWTSecret == "" {
		return nil, fmt.Errorf("config: JWT_SECRET must be set")
	}

	return c, nil
}

// DSN builds the Postgres connection string consumed by gorm.io/driver/postgres.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword)
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
