package config

import (
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const DATABASE_TYPE = "OFLOW_DATABASE_TYPE"
const DATABASE_URL = "OFLOW_DATABASE_URL"
const DATABASE_SQLLITE_FILE_NAME = "OFLOW_DATABASE_SQLLITE_FILE_NAME"
const SERVER_WEB_PORT = "OFLOW_SERVER_WEB_PORT"
const LOG_LEVEL = "OFLOW_LOG_LEVEL"

const DELIVERY_INTERVAL = "OFLOW_DELIVERY_INTERVAL"
const DELIVERY_BATCH_SIZE = "OFLOW_DELIVERY_BATCH_SIZE" //number of queue rows claimed per cycle
const DELIVERY_MAX_RETRIES = "OFLOW_DELIVERY_MAX_RETRIES"
const DELIVERY_STALE_AFTER = "OFLOW_DELIVERY_STALE_AFTER" //processing rows older than this are reclaimed
const DELIVERY_BACKOFF_BASE = "OFLOW_DELIVERY_BACKOFF_BASE"
const DELIVERY_BACKOFF_CAP = "OFLOW_DELIVERY_BACKOFF_CAP"

const WORKFLOW_POLL_INTERVAL = "OFLOW_WORKFLOW_POLL_INTERVAL"
const WORKFLOW_POLL_BATCH_SIZE = "OFLOW_WORKFLOW_POLL_BATCH_SIZE"

const GRAPH_BASE_URL = "OFLOW_GRAPH_BASE_URL"
const GRAPH_VERSION = "OFLOW_GRAPH_VERSION"
const UPLOADS_DIR = "OFLOW_UPLOADS_DIR"
const DATA_ENCRYPTION_KEY = "OFLOW_DATA_ENCRYPTION_KEY"

const REDIS_ADDR = "OFLOW_REDIS_ADDR"
const REDIS_PASSWORD = "OFLOW_REDIS_PASSWORD"
const REDIS_DB = "OFLOW_REDIS_DB"
const AMQP_URL = "OFLOW_AMQP_URL"
const AMQP_EXCHANGE = "OFLOW_AMQP_EXCHANGE"
const KAFKA_BROKERS = "OFLOW_KAFKA_BROKERS" //comma separated
const KAFKA_TOPIC = "OFLOW_KAFKA_TOPIC"

const SESSION_ENABLED = "OFLOW_SESSION_ENABLED"
const SESSION_STORE_FILE = "OFLOW_SESSION_STORE_FILE" //whatsmeow device store when the main database is not postgres
const SESSION_HEALTH_INTERVAL = "OFLOW_SESSION_HEALTH_INTERVAL"
const WEBHOOK_ALLOW_PRIVATE = "OFLOW_WEBHOOK_ALLOW_PRIVATE"
const CONFIG_FILE = "OFLOW_CONFIG_FILE"

const DATABASE_TYPE_POSTGRES = "POSTGRES"
const DATABASE_TYPE_MYSQL = "MYSQL"
const DATABASE_TYPE_SQLLITE = "SQLLITE"

var defaults = map[string]string{
	DELIVERY_INTERVAL:          "2s",
	DELIVERY_BATCH_SIZE:        "10",
	DELIVERY_MAX_RETRIES:       "5",
	DELIVERY_STALE_AFTER:       "5m",
	DELIVERY_BACKOFF_BASE:      "2s",
	DELIVERY_BACKOFF_CAP:       "5m",
	WORKFLOW_POLL_INTERVAL:     "10s",
	WORKFLOW_POLL_BATCH_SIZE:   "50",
	GRAPH_BASE_URL:             "https://graph.facebook.com",
	GRAPH_VERSION:              "v19.0",
	UPLOADS_DIR:                "storage/uploads",
	SERVER_WEB_PORT:            "8080",
	LOG_LEVEL:                  "info",
	DATABASE_SQLLITE_FILE_NAME: "./outboundflow.db",
	AMQP_EXCHANGE:              "outboundflow.events",
	KAFKA_TOPIC:                "outboundflow.events",
	REDIS_DB:                   "0",
	SESSION_ENABLED:            "true",
	SESSION_STORE_FILE:         "./outboundflow-sessions.db",
	SESSION_HEALTH_INTERVAL:    "5m",
	WEBHOOK_ALLOW_PRIVATE:      "false",
}

// Load reads a .env file when present and an optional YAML/JSON config file
// named by OFLOW_CONFIG_FILE. Environment variables always win.
func Load() error {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "error", err)
	}
	viper.AutomaticEnv()
	file := viper.GetString(CONFIG_FILE)
	if file == "" {
		return nil
	}
	viper.SetConfigFile(file)
	if err := viper.ReadInConfig(); err != nil {
		return err
	}
	slog.Info("loaded config file", "file", viper.ConfigFileUsed())
	return nil
}

func init() {
	viper.AutomaticEnv()
}

func GetSystemSettingInteger(settingKey string) int {
	val := GetSystemSettingString(settingKey)
	if val != "" {
		intValue, _ := strconv.Atoi(val)
		return intValue
	}
	return 0
}

func GetSystemSettingDuration(settingKey string) time.Duration {
	val := GetSystemSettingString(settingKey)
	d, err := time.ParseDuration(val)
	if err != nil {
		d, _ = time.ParseDuration(defaults[settingKey])
	}
	return d
}

func GetSystemSettingBool(settingKey string) bool {
	b, _ := strconv.ParseBool(GetSystemSettingString(settingKey))
	return b
}

func GetSystemSettingList(settingKey string) []string {
	var out []string
	for _, part := range strings.Split(GetSystemSettingString(settingKey), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func GetSystemSettingString(settingKey string) string {
	val := viper.GetString(settingKey)
	if val != "" {
		return val
	}
	return defaults[settingKey]
}
