// Package env reads settings from a .env file with the process environment as
// fallback. Values from the file take precedence.
package env

import (
	"os"

	"github.com/gofiber/fiber/v2/log"
	"github.com/joho/godotenv"
)

// Env holds the values read from the .env file. Tests may replace it.
var Env map[string]string

// searchPaths are tried in order when ENV_FILE is unset. The deeper ones cover
// running from cmd/<binary>.
var searchPaths = []string{".env", "../../.env", "../../../.env"}

// Lookup returns the value for key and whether it was set at all.
func Lookup(key string) (string, bool) {
	if val, ok := Env[key]; ok {
		return val, true
	}
	return os.LookupEnv(key)
}

// GetEnv returns the value for key, or def when it is unset or empty.
func GetEnv(key, def string) string {
	if val, ok := Lookup(key); ok && val != "" {
		return val
	}
	return def
}

// SetupEnvFile loads the first readable .env file and returns its path, or ""
// when only the process environment is available.
func SetupEnvFile() string {
	paths := searchPaths
	if explicit := os.Getenv("ENV_FILE"); explicit != "" {
		paths = []string{explicit}
	}

	for _, path := range paths {
		values, err := godotenv.Read(path)
		if err != nil {
			continue
		}
		Env = values
		log.Infof("[Env] Loaded %d settings from %s", len(values), path)
		return path
	}

	Env = map[string]string{}
	log.Info("[Env] No .env file found, using process environment only")
	return ""
}

// IsDev reports APP_ENV=dev.
func IsDev() bool {
	return GetEnv("APP_ENV", "prod") == "dev"
}
