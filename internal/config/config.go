package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultJWTSecret is the development signing secret. It is refused outside development.
const DefaultJWTSecret = "your-secret-key"

var ErrInsecureSecret = errors.New("JWT_SECRET must be set to a non-default value outside development")

type Config struct {
	ServerAddress  string
	DatabaseURL    string
	JWTSecret      string
	TokenTTL       time.Duration
	Env            string
	AllowedOrigins []string

	// Image storage. An empty NatsURL keeps images in process memory.
	NatsURL       string
	ImageBucket   string
	PublicURL     string
	UploadTimeout time.Duration
	MaxImageBytes int

	// RedisURL enables the cross-instance delivery relay when set.
	RedisURL string
}

func Load() *Config {
	// .env is optional; real environment variables take precedence
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		panic(err)
	}

	dataDir := filepath.Join(cwd, "data")
	os.MkdirAll(dataDir, 0755)

	// Default SQLite database path
	dbPath := filepath.Join(dataDir, "chatrelay.db")

	return &Config{
		ServerAddress:  getEnv("SERVER_ADDRESS", ":8080"),
		DatabaseURL:    getEnv("DATABASE_URL", "sqlite://"+dbPath),
		JWTSecret:      getEnv("JWT_SECRET", DefaultJWTSecret),
		TokenTTL:       getDuration("TOKEN_TTL", 30*24*time.Hour),
		Env:            getEnv("ENV", "development"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:3000")),
		NatsURL:        getEnv("NATS_URL", ""),
		ImageBucket:    getEnv("IMAGE_BUCKET", "chat-images"),
		PublicURL:      strings.TrimRight(getEnv("PUBLIC_URL", "http://localhost:8080"), "/"),
		UploadTimeout:  getDuration("UPLOAD_TIMEOUT", 30*time.Second),
		MaxImageBytes:  getInt("MAX_IMAGE_BYTES", 5<<20),
		RedisURL:       getEnv("REDIS_URL", ""),
	}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Validate rejects settings that are only safe in development.
func (c *Config) Validate() error {
	if !c.IsDevelopment() && (c.JWTSecret == "" || c.JWTSecret == DefaultJWTSecret) {
		return ErrInsecureSecret
	}
	return nil
}

// SecureCookies reports whether session cookies require HTTPS.
func (c *Config) SecureCookies() bool {
	return c.Env == "production"
}

// CleanDatabasePath returns a clean filesystem path from a database URL
func (c *Config) CleanDatabasePath() string {
	dbPath := strings.TrimPrefix(c.DatabaseURL, "sqlite://")

	if !filepath.IsAbs(dbPath) {
		cwd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		dbPath = filepath.Join(cwd, dbPath)
	}

	return dbPath
}

// UpdateDatabasePath updates the database path, maintaining the sqlite:// prefix if it was present
func (c *Config) UpdateDatabasePath(newPath string) {
	if strings.HasPrefix(c.DatabaseURL, "sqlite://") {
		c.DatabaseURL = "sqlite://" + newPath
	} else {
		c.DatabaseURL = newPath
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func getInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
