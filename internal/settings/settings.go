package settings

import (
	"errors"
	"io/fs"
	"log"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

var Settings *AppSettings

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

func NewSettings() *AppSettings {
	settings := AppSettings{
		Port:           getEnvOrDefault("MERGETRAIN_PORT", ":8080"),
		DatabaseDriver: getEnvOrDefault("MERGETRAIN_DB_DRIVER", DriverSQLite),
		SQLiteDatabase: getEnvOrDefault("MERGETRAIN_DB_PATH", "file:.///mergetrain.sqlite"),
		PostgresDSN:    getEnvOrDefault("MERGETRAIN_DB_DSN", ""),
		WebhookKey:     getEnvOrDefault("MERGETRAIN_WEBHOOK_KEY", ""),
		ConfigPath:     getEnvOrDefault("MERGETRAIN_CONFIG_PATH", "config.yml"),
		SSHHost:        getEnvOrDefault("MERGETRAIN_SSH_HOST", "localhost"),
		SSHUser:        getEnvOrDefault("MERGETRAIN_SSH_USER", "git"),
		SSHKeyPath:     getEnvOrDefault("MERGETRAIN_SSH_KEY_PATH", ""),
		SimpleCIURL:    getEnvOrDefault("MERGETRAIN_SIMPLECI_URL", "http://localhost:8080"),
		SimpleCIKey:    getEnvOrDefault("MERGETRAIN_SIMPLECI_KEY", ""),
	}
	if !strings.HasPrefix(settings.Port, ":") {
		settings.Port = ":" + settings.Port
	}
	return &settings
}

func getEnvOrDefault(key, defaultValue string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	return value
}

type AppSettings struct {
	Port           string
	DatabaseDriver string
	SQLiteDatabase string
	PostgresDSN    string
	WebhookKey     string
	ConfigPath     string

	SSHHost    string
	SSHUser    string
	SSHKeyPath string

	SimpleCIURL string
	SimpleCIKey string
}

func (as *AppSettings) UsePostgres() bool {
	return as.DatabaseDriver == DriverPostgres
}

func (as *AppSettings) SQLiteDbString(readonly bool) string {
	params := make(url.Values)
	params.Add("_journal_mode", "WAL")
	params.Add("_busy_timeout", "5000")
	params.Add("_synchronous", "NORMAL")
	params.Add("_cache_size", "-20000")
	params.Add("_foreign_keys", "ON")
	if readonly {
		params.Add("mode", "ro")
	} else {
		params.Add("_txlock", "IMMEDIATE")
		params.Add("mode", "rwc")
	}

	return as.SQLiteDatabase + "?" + params.Encode()
}

// ReadDotenv loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func ReadDotenv(path string) {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return
		}
		log.Fatal("err reading dotenv: ", err)
	}
}
