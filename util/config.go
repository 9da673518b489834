package util

import (
	_ "embed"
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const Name = "pavillion"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host                string
		HttpPort            int    `yaml:"httpPort"`
		SslDomain           string `yaml:"sslDomain"`
		DbPath              string `yaml:"dbPath"`
		Production          bool   `yaml:"production"`
		LedgerRetentionDays int    `yaml:"ledgerRetentionDays"`
	}
}

// ReadConf loads the configuration from the config file (or the embedded
// default), then applies .env / environment overrides. The returned config
// is built once in main and passed to every component explicitly.
func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	var buf []byte
	var err error

	buf, err = os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Printf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Printf("Warning: could not write default config to %s: %v", userConfigPath, writeErr)
			} else {
				log.Printf("Created default config file at %s", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	// Optional .env file for local development
	_ = godotenv.Load()

	envHost := os.Getenv("PAVILLION_HOST")
	envHttpPort := os.Getenv("PAVILLION_HTTPPORT")
	envSslDomain := os.Getenv("PAVILLION_SSLDOMAIN")
	envDbPath := os.Getenv("PAVILLION_DBPATH")
	envProduction := os.Getenv("PAVILLION_PRODUCTION")
	envRetention := os.Getenv("PAVILLION_LEDGER_RETENTION_DAYS")

	if envHost != "" {
		c.Conf.Host = envHost
	}

	if envHttpPort != "" {
		v, err := strconv.Atoi(envHttpPort)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.HttpPort = v
	}

	if envSslDomain != "" {
		c.Conf.SslDomain = envSslDomain
	}

	if envDbPath != "" {
		c.Conf.DbPath = envDbPath
	}

	if envProduction == "true" {
		c.Conf.Production = true
	}

	if envRetention != "" {
		v, err := strconv.Atoi(envRetention)
		if err != nil {
			fmt.Println(err)
		}
		c.Conf.LedgerRetentionDays = v
	}

	if c.Conf.LedgerRetentionDays <= 0 {
		c.Conf.LedgerRetentionDays = 90
	}

	return c, nil
}
