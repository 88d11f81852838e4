package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/rpattn/chronicle/internal/db"
)

// Server holds the HTTP listener configuration.
type Server struct {
	Addr           string
	AllowedOrigins []string
}

// DefaultServer returns the default HTTP configuration.
func DefaultServer() Server {
	return Server{
		Addr:           ":8080",
		AllowedOrigins: []string{"http://localhost:3000"},
	}
}

// Load reads config.yaml from configPath with environment overrides.
func Load(configPath string) (db.Config, Server, error) {
	// Start with defaults
	dbCfg := db.DefaultConfig()
	serverCfg := DefaultServer()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AutomaticEnv()           // allow environment overrides
	v.SetEnvPrefix("CHRONICLE") // map env vars like CHRONICLE_DATABASE.HOST

	v.BindEnv("database.host")
	v.BindEnv("database.port")
	v.BindEnv("database.user")
	v.BindEnv("database.password")
	v.BindEnv("database.dbname")
	v.BindEnv("database.sslmode")
	v.BindEnv("server.addr")

	if err := v.ReadInConfig(); err != nil {
		// Config file not found? Just log it, use defaults + env
		fmt.Println("No config.yaml found, using defaults and env vars")
	} else {
		fmt.Println("Loaded config.yaml")
	}

	// Override defaults if values exist
	if v.IsSet("database.host") {
		dbCfg.Host = v.GetString("database.host")
	}
	if v.IsSet("database.port") {
		dbCfg.Port = v.GetInt("database.port")
	}
	if v.IsSet("database.user") {
		dbCfg.User = v.GetString("database.user")
	}
	if v.IsSet("database.password") {
		dbCfg.Password = v.GetString("database.password")
	}
	if v.IsSet("database.dbname") {
		dbCfg.DBName = v.GetString("database.dbname")
	}
	if v.IsSet("database.sslmode") {
		dbCfg.SSLMode = v.GetString("database.sslmode")
	}
	if v.IsSet("server.addr") {
		serverCfg.Addr = v.GetString("server.addr")
	}
	if v.IsSet("server.allowed_origins") {
		serverCfg.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	}

	return dbCfg, serverCfg, nil
}
