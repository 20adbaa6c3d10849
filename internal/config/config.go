package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr    string // e.g. nsqd:4150
	LookupHTTPAddr string // e.g. http://nsqlookupd:4161
	NudgeTopic     string // NSQ topic for delivery nudges
	WorkerChannel  string // NSQ channel name for workers
	Enabled        bool   // when false the worker relies on polling alone
}

type Worker struct {
	PollInterval time.Duration // selector poll cadence
	BatchSize    int           // max deliveries claimed per poll
	Concurrency  int           // concurrent HTTP attempts
	HTTPTimeout  time.Duration // outbound request timeout
	ClaimLease   time.Duration // inflight claims older than this are released
	DrainDelay   time.Duration // push-back for deliveries of disabled endpoints
	HTTPPort     string        // worker metrics/health port
}

type Admin struct {
	HTTPPort     string
	JWTPublicKey string // PEM; empty disables auth (dev only)
	JWTIssuer    string
	JWTAudience  string
}

type FakeReceiver struct {
	FailFirstN      int           // number of requests to fail initially
	EndpointSecret  string        // secret for signature verification
	ResponseDelayMS int           // simulated response delay in milliseconds
	Port            string        // server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	DB           DB
	NSQ          NSQ
	Worker       Worker
	Admin        Admin
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func FromEnv() Config {
	return Config{
		AppName: getenv("APP_NAME", "hookline"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "hookline"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:    getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr: getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			NudgeTopic:     getenv("NSQ_NUDGE_TOPIC", "deliveries"),
			WorkerChannel:  getenv("NSQ_WORKER_CHANNEL", "workers"),
			Enabled:        getenvBool("NSQ_ENABLED", true),
		},
		Worker: Worker{
			PollInterval: getenvDuration("POLL_INTERVAL", 15*time.Second),
			BatchSize:    getenvInt("POLL_BATCH_SIZE", 100),
			Concurrency:  getenvInt("WORKER_CONCURRENCY", 16),
			HTTPTimeout:  getenvDuration("DELIVERY_HTTP_TIMEOUT", 15*time.Second),
			ClaimLease:   getenvDuration("CLAIM_LEASE", 5*time.Minute),
			DrainDelay:   getenvDuration("DRAIN_DELAY", 24*time.Hour),
			HTTPPort:     ":" + getenv("WORKER_HTTP_PORT", "8082"),
		},
		Admin: Admin{
			HTTPPort:     ":" + getenv("ADMIN_HTTP_PORT", "8080"),
			JWTPublicKey: getenv("ADMIN_JWT_PUBLIC_KEY", ""),
			JWTIssuer:    getenv("ADMIN_JWT_ISSUER", "hookline"),
			JWTAudience:  getenv("ADMIN_JWT_AUDIENCE", "hookline-admin"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			EndpointSecret:  getenv("ENDPOINT_SECRET", ""),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
