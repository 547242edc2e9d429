package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port                   string
	AllowedOrigin          string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	KafkaBrokers           []string
	KafkaTopic             string
	AuthSecret             string
	AccessTokenTTLMinutes  int
	ReturnWindowDays       int
	ReturnShippingFeeCents int64
	ReturnSweepSeconds     int
	StatsCacheTTLSeconds   int
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	returnWindow, err := strconv.Atoi(getEnv("RETURN_WINDOW_DAYS", "7"))
	if err != nil || returnWindow < 1 {
		returnWindow = 7
	}
	returnFee, err := strconv.ParseInt(getEnv("RETURN_SHIPPING_FEE_CENTS", "3000"), 10, 64)
	if err != nil || returnFee < 0 {
		returnFee = 3000
	}
	sweep, err := strconv.Atoi(getEnv("RETURN_SWEEP_SECONDS", "300"))
	if err != nil || sweep < 1 {
		sweep = 300
	}
	statsTTL, err := strconv.Atoi(getEnv("STATS_CACHE_TTL_SECONDS", "30"))
	if err != nil || statsTTL < 1 {
		statsTTL = 30
	}

	var brokers []string
	if raw := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); raw != "" {
		for _, broker := range strings.Split(raw, ",") {
			if b := strings.TrimSpace(broker); b != "" {
				brokers = append(brokers, b)
			}
		}
	}

	cfg := Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		KafkaBrokers:           brokers,
		KafkaTopic:             getEnv("KAFKA_TOPIC", "fulfillment-events"),
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  tokenTTL,
		ReturnWindowDays:       returnWindow,
		ReturnShippingFeeCents: returnFee,
		ReturnSweepSeconds:     sweep,
		StatsCacheTTLSeconds:   statsTTL,
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
