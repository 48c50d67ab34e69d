package mteam

import (
	"fmt"
	"log"
	"reflect"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	ConfigPath string
	Profile    string `env:"PROFILE" envDefault:"baremetal"`
	LogEnv     string `env:"LOG_ENV" envDefault:"development"`
	ApiGinMode string `env:"GIN_MODE" envDefault:"debug"`

	Port string `env:"PORT" envDefault:"5045"`

	AllowedOrigins []string `env:"ALLOW_ORIGINS" envDefault:"*"`
	AllowedMethods []string `env:"ALLOW_METHODS" envDefault:"GET,POST,PATCH,DELETE,OPTIONS"`
	AllowedHeaders []string `env:"ALLOW_HEADERS" envDefault:"Authorization,Content-Type,X-Request-ID"`

	// storage: memory, postgres or sqlite
	StoreDriver string `env:"STORE_DRIVER" envDefault:"memory"`
	DBAddress   string `env:"DB_ADDRESS" envDefault:"api-db:5432"`
	DBUser      string `env:"DB_USER" envDefault:"postgres"`
	DBPassword  string `env:"DB_PASSWORD" envDefault:"postgres"`
	DBName      string `env:"DB_NAME" envDefault:"teams"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"./data/teams.db"`

	// capacity: static, postgres or http
	OracleDriver        string `env:"ORACLE_DRIVER" envDefault:"static"`
	EventServiceAddress string `env:"EVENT_SERVICE_ADDRESS" envDefault:"http://localhost:5000/api"`
	EventDBName         string `env:"EVENT_DB_NAME" envDefault:"events"`
	StaticEvents        string `env:"STATIC_EVENTS"`

	// identity: keycloak or secret
	AuthMode             string   `env:"AUTH_MODE" envDefault:"keycloak"`
	AuthAddress          string   `env:"AUTH_ADDRESS" envDefault:"localhost:5555"`
	Issuer               string   `env:"KC_ISSUER"`
	Audience             string   `env:"KC_AUDIENCE" envDefault:"teams-api"`
	Realm                string   `env:"KC_REALM" envDefault:"eventteams"`
	ClientID             string   `env:"KC_CLIENT" envDefault:"teams-api"`
	ClientSecret         string   `env:"KC_CLIENT_SECRET"`
	JWTSecret            string   `env:"JWT_SECRET"`
	RequiredRoles        []string `env:"REQUIRED_ROLES"`
	RequireVerifiedEmail bool     `env:"REQUIRE_VERIFIED_EMAIL" envDefault:"false"`

	// invite targets: keycloak or none
	UserDirectory string `env:"USER_DIRECTORY" envDefault:"none"`

	OtelEndpoint string `env:"OTEL_ENDPOINT"`
}

func loadConfig(path string) (Config, error) {
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			log.Printf("Failed to load the config file at %s, using default ones...", path)
		}
	}

	var config Config
	if err := env.Parse(&config); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	s := strings.Split(path, "/")
	config.ConfigPath = s[len(s)-1]

	if err := config.validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

func (cfg *Config) validate() error {
	oneOf := func(key, value string, allowed ...string) error {
		for _, a := range allowed {
			if strings.EqualFold(value, a) {
				return nil
			}
		}
		return fmt.Errorf("%s=%q, want one of %s", key, value, strings.Join(allowed, ", "))
	}

	if err := oneOf("STORE_DRIVER", cfg.StoreDriver, "memory", "postgres", "sqlite"); err != nil {
		return err
	}
	if err := oneOf("ORACLE_DRIVER", cfg.OracleDriver, "static", "postgres", "http"); err != nil {
		return err
	}
	if err := oneOf("AUTH_MODE", cfg.AuthMode, "keycloak", "secret"); err != nil {
		return err
	}
	if err := oneOf("USER_DIRECTORY", cfg.UserDirectory, "keycloak", "none"); err != nil {
		return err
	}
	if strings.EqualFold(cfg.AuthMode, "secret") && cfg.JWTSecret == "" {
		return fmt.Errorf("AUTH_MODE=secret needs JWT_SECRET")
	}
	return nil
}

func (cfg *Config) postgresDSN(dbName string) string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s/%s?sslmode=disable",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBAddress,
		dbName,
	)
}

func (cfg *Config) issuer() string {
	if cfg.Issuer != "" {
		return cfg.Issuer
	}
	if strings.EqualFold(cfg.AuthMode, "secret") {
		return ""
	}
	return fmt.Sprintf("http://%s/realms/%s", cfg.AuthAddress, cfg.Realm)
}

func (cfg *Config) toString() string {
	var strBuilder strings.Builder

	reflectedValues := reflect.ValueOf(cfg).Elem()
	reflectedTypes := reflect.TypeOf(cfg).Elem()

	strBuilder.WriteString(fmt.Sprintf("[CFG]CONFIGURATION: %s\n", cfg.ConfigPath))

	for i := range reflectedValues.NumField() {
		fieldName := reflectedTypes.Field(i).Name
		fieldValue := reflectedValues.Field(i).Interface()

		if isSecret(fieldName) {
			if s, _ := fieldValue.(string); s != "" {
				fieldValue = "****"
			}
		}

		strBuilder.WriteString("[CFG]")
		if i < 9 {
			strBuilder.WriteString(fmt.Sprintf("%d.  ", i+1))
		} else {
			strBuilder.WriteString(fmt.Sprintf("%d. ", i+1))
		}
		if len(fieldName) <= 6 {
			strBuilder.WriteString(fmt.Sprintf("%v\t\t\t\t\t-> %v\n", fieldName, fieldValue))
		} else if len(fieldName) <= 14 {
			strBuilder.WriteString(fmt.Sprintf("%v\t\t\t\t-> %v\n", fieldName, fieldValue))
		} else if len(fieldName) <= 25 {
			strBuilder.WriteString(fmt.Sprintf("%v\t\t\t-> %v\n", fieldName, fieldValue))
		} else {
			strBuilder.WriteString(fmt.Sprintf("%v\t\t-> %v\n", fieldName, fieldValue))
		}
	}

	return strBuilder.String()
}

func isSecret(fieldName string) bool {
	return strings.Contains(fieldName, "Secret") || strings.Contains(fieldName, "Password")
}
