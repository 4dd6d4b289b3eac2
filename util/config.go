package util

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"
)

const Name = "fitpub"
const ConfigFileName = "config.yaml"

//go:embed config_default.yaml
var embeddedConfig []byte

type AppConfig struct {
	Conf struct {
		Host             string
		HttpPort         int    `yaml:"httpPort"`
		SslDomain        string `yaml:"sslDomain"`
		AutoAccept       bool   `yaml:"autoAccept"`
		DeliveryWorkers  int    `yaml:"deliveryWorkers"`
		DeliveryQueue    int    `yaml:"deliveryQueue"`
		DeliveryAttempts int    `yaml:"deliveryAttempts"`
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		// If file doesn't exist, use embedded config and create user config file
		log.Info("config file not found, using embedded defaults", "path", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644)
			if writeErr != nil {
				log.Warn("could not write default config", "path", userConfigPath, "err", writeErr)
			} else {
				log.Info("created default config file", "path", userConfigPath)
			}
		}
	}

	err = yaml.Unmarshal(buf, c)
	if err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	if v := os.Getenv("FITPUB_HOST"); v != "" {
		c.Conf.Host = v
	}

	if v := os.Getenv("FITPUB_HTTPPORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			log.Warn("invalid FITPUB_HTTPPORT", "value", v, "err", err)
		} else {
			c.Conf.HttpPort = port
		}
	}

	if v := os.Getenv("FITPUB_SSLDOMAIN"); v != "" {
		c.Conf.SslDomain = v
	}

	if v := os.Getenv("FITPUB_AUTOACCEPT"); v != "" {
		c.Conf.AutoAccept = v == "true"
	}

	if v := os.Getenv("FITPUB_DELIVERYWORKERS"); v != "" {
		workers, err := strconv.Atoi(v)
		if err != nil {
			log.Warn("invalid FITPUB_DELIVERYWORKERS", "value", v, "err", err)
		} else {
			c.Conf.DeliveryWorkers = workers
		}
	}

	if v := os.Getenv("FITPUB_DELIVERYQUEUE"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			log.Warn("invalid FITPUB_DELIVERYQUEUE", "value", v, "err", err)
		} else {
			c.Conf.DeliveryQueue = size
		}
	}

	if v := os.Getenv("FITPUB_DELIVERYATTEMPTS"); v != "" {
		attempts, err := strconv.Atoi(v)
		if err != nil {
			log.Warn("invalid FITPUB_DELIVERYATTEMPTS", "value", v, "err", err)
		} else {
			c.Conf.DeliveryAttempts = attempts
		}
	}

	if c.Conf.DeliveryWorkers <= 0 {
		c.Conf.DeliveryWorkers = 8
	}
	if c.Conf.DeliveryQueue <= 0 {
		c.Conf.DeliveryQueue = 256
	}
	if c.Conf.DeliveryAttempts <= 0 {
		c.Conf.DeliveryAttempts = 4
	}

	return c, nil
}
