package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Problem struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type Config struct {
	Env              string
	ServiceName      string
	HTTPPort         int
	LogLevel         string
	ConfigPath       string
	RequestTimeoutMS int
	RequestTimeout   time.Duration

	AuthEnabled     bool
	OIDCIssuer      string
	OIDCAudience    string
	OIDCJWKSURL     string
	JWKSTTLSeconds  int
	JWTClockSkewSec int

	DatabaseURL      string
	DBMaxConns       int
	DBMinConns       int
	DBConnMaxIdleSec int
	DBConnMaxLifeSec int

	KafkaBrokers  []string
	KafkaClientID string
	KafkaGroupID  string
	KafkaRetryMax int
	KafkaWriteMS  int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AsynqRedisAddr   string
	AsynqRedisPass   string
	AsynqRedisDB     int
	AsynqQueue       string
	AsynqConcurrency int
	AsynqMaxRetry    int

	TaskMaxRetries     int
	TaskRetryBaseMS    int
	TaskRetryMaxMS     int
	SchedulerTickSec   int
	RedriveIntervalSec int
	RedriveMaxAttempts int
	RedriveBatchSize   int
	LockTTLSec         int

	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	InfluxTimeoutMS int

	AgentServiceURL string
	AgentTimeoutMS  int
	AgentRetryMax   int

	WebhookChannelURL   string
	WebhookChannelToken string
	DefaultChannel      string
	KeywordsPath        string
	DefinitionsPath     string

	RateLimitRPS   float64
	RateLimitBurst int

	OtelEnabled     bool
	OtelEndpoint    string
	OtelInsecure    bool
	OtelSampleRatio float64
}

type valueKind int

const (
	kindString valueKind = iota
	kindSecret
	kindInt
	kindBool
	kindFloat
	kindCSV
)

type binding struct {
	key    string
	alias  string
	kind   valueKind
	target any
}

func (cfg *Config) bindings() []binding {
	return []binding{
		{key: "SERVICE_NAME", kind: kindString, target: &cfg.ServiceName},
		{key: "HTTP_PORT", alias: "PORT", kind: kindInt, target: &cfg.HTTPPort},
		{key: "LOG_LEVEL", kind: kindString, target: &cfg.LogLevel},
		{key: "REQUEST_TIMEOUT_MS", kind: kindInt, target: &cfg.RequestTimeoutMS},
		{key: "AUTH_ENABLED", kind: kindBool, target: &cfg.AuthEnabled},
		{key: "OIDC_ISSUER", kind: kindString, target: &cfg.OIDCIssuer},
		{key: "OIDC_AUDIENCE", kind: kindString, target: &cfg.OIDCAudience},
		{key: "OIDC_JWKS_URL", kind: kindString, target: &cfg.OIDCJWKSURL},
		{key: "JWKS_CACHE_TTL_SECONDS", kind: kindInt, target: &cfg.JWKSTTLSeconds},
		{key: "JWT_CLOCK_SKEW_SECONDS", kind: kindInt, target: &cfg.JWTClockSkewSec},
		{key: "DATABASE_URL", kind: kindString, target: &cfg.DatabaseURL},
		{key: "DB_MAX_CONNS", kind: kindInt, target: &cfg.DBMaxConns},
		{key: "DB_MIN_CONNS", kind: kindInt, target: &cfg.DBMinConns},
		{key: "DB_CONN_MAX_IDLE_SECONDS", kind: kindInt, target: &cfg.DBConnMaxIdleSec},
		{key: "DB_CONN_MAX_LIFETIME_SECONDS", kind: kindInt, target: &cfg.DBConnMaxLifeSec},
		{key: "KAFKA_BROKERS", kind: kindCSV, target: &cfg.KafkaBrokers},
		{key: "KAFKA_CLIENT_ID", kind: kindString, target: &cfg.KafkaClientID},
		{key: "KAFKA_CONSUMER_GROUP", kind: kindString, target: &cfg.KafkaGroupID},
		{key: "KAFKA_RETRY_MAX", kind: kindInt, target: &cfg.KafkaRetryMax},
		{key: "KAFKA_WRITE_TIMEOUT_MS", kind: kindInt, target: &cfg.KafkaWriteMS},
		{key: "REDIS_ADDR", kind: kindString, target: &cfg.RedisAddr},
		{key: "REDIS_PASSWORD", kind: kindSecret, target: &cfg.RedisPassword},
		{key: "REDIS_DB", kind: kindInt, target: &cfg.RedisDB},
		{key: "ASYNQ_REDIS_ADDR", kind: kindString, target: &cfg.AsynqRedisAddr},
		{key: "ASYNQ_REDIS_PASSWORD", kind: kindSecret, target: &cfg.AsynqRedisPass},
		{key: "ASYNQ_REDIS_DB", kind: kindInt, target: &cfg.AsynqRedisDB},
		{key: "ASYNQ_QUEUE", kind: kindString, target: &cfg.AsynqQueue},
		{key: "ASYNQ_CONCURRENCY", kind: kindInt, target: &cfg.AsynqConcurrency},
		{key: "ASYNQ_MAX_RETRY", kind: kindInt, target: &cfg.AsynqMaxRetry},
		{key: "TASK_MAX_RETRIES", kind: kindInt, target: &cfg.TaskMaxRetries},
		{key: "TASK_RETRY_BASE_MS", kind: kindInt, target: &cfg.TaskRetryBaseMS},
		{key: "TASK_RETRY_MAX_MS", kind: kindInt, target: &cfg.TaskRetryMaxMS},
		{key: "SCHEDULER_TICK_SECONDS", kind: kindInt, target: &cfg.SchedulerTickSec},
		{key: "REDRIVE_INTERVAL_SECONDS", kind: kindInt, target: &cfg.RedriveIntervalSec},
		{key: "REDRIVE_MAX_ATTEMPTS", kind: kindInt, target: &cfg.RedriveMaxAttempts},
		{key: "REDRIVE_BATCH_SIZE", kind: kindInt, target: &cfg.RedriveBatchSize},
		{key: "LOCK_TTL_SECONDS", kind: kindInt, target: &cfg.LockTTLSec},
		{key: "INFLUX_URL", kind: kindString, target: &cfg.InfluxURL},
		{key: "INFLUX_TOKEN", kind: kindSecret, target: &cfg.InfluxToken},
		{key: "INFLUX_ORG", kind: kindString, target: &cfg.InfluxOrg},
		{key: "INFLUX_BUCKET", kind: kindString, target: &cfg.InfluxBucket},
		{key: "INFLUX_TIMEOUT_MS", kind: kindInt, target: &cfg.InfluxTimeoutMS},
		{key: "AGENT_SERVICE_URL", kind: kindString, target: &cfg.AgentServiceURL},
		{key: "AGENT_TIMEOUT_MS", kind: kindInt, target: &cfg.AgentTimeoutMS},
		{key: "AGENT_RETRY_MAX", kind: kindInt, target: &cfg.AgentRetryMax},
		{key: "WEBHOOK_CHANNEL_URL", kind: kindString, target: &cfg.WebhookChannelURL},
		{key: "WEBHOOK_CHANNEL_TOKEN", kind: kindSecret, target: &cfg.WebhookChannelToken},
		{key: "DEFAULT_CHANNEL", kind: kindString, target: &cfg.DefaultChannel},
		{key: "KEYWORDS_PATH", kind: kindString, target: &cfg.KeywordsPath},
		{key: "DEFINITIONS_PATH", kind: kindString, target: &cfg.DefinitionsPath},
		{key: "RATE_LIMIT_RPS", kind: kindFloat, target: &cfg.RateLimitRPS},
		{key: "RATE_LIMIT_BURST", kind: kindInt, target: &cfg.RateLimitBurst},
		{key: "OTEL_ENABLED", kind: kindBool, target: &cfg.OtelEnabled},
		{key: "OTEL_EXPORTER_OTLP_ENDPOINT", kind: kindString, target: &cfg.OtelEndpoint},
		{key: "OTEL_EXPORTER_OTLP_INSECURE", kind: kindBool, target: &cfg.OtelInsecure},
		{key: "OTEL_SAMPLE_RATIO", kind: kindFloat, target: &cfg.OtelSampleRatio},
	}
}

func defaults(serviceNameDefault string, httpPortDefault int) Config {
	return Config{
		Env:                strings.TrimSpace(os.Getenv("ENV")),
		ServiceName:        serviceNameDefault,
		HTTPPort:           httpPortDefault,
		LogLevel:           "info",
		ConfigPath:         strings.TrimSpace(os.Getenv("CONFIG_PATH")),
		RequestTimeoutMS:   30000,
		JWKSTTLSeconds:     300,
		JWTClockSkewSec:    60,
		DBMaxConns:         10,
		DBMinConns:         1,
		DBConnMaxIdleSec:   300,
		DBConnMaxLifeSec:   1800,
		KafkaRetryMax:      5,
		KafkaWriteMS:       5000,
		AsynqQueue:         "default",
		AsynqConcurrency:   10,
		AsynqMaxRetry:      10,
		TaskMaxRetries:     3,
		TaskRetryBaseMS:    1000,
		TaskRetryMaxMS:     60000,
		SchedulerTickSec:   15,
		RedriveIntervalSec: 30,
		RedriveMaxAttempts: 5,
		RedriveBatchSize:   100,
		LockTTLSec:         30,
		InfluxTimeoutMS:    5000,
		AgentTimeoutMS:     30000,
		AgentRetryMax:      2,
		DefaultChannel:     "log",
		RateLimitRPS:       20,
		RateLimitBurst:     40,
		OtelInsecure:       true,
		OtelSampleRatio:    1.0,
	}
}

func Load(serviceNameDefault string, httpPortDefault int) (Config, []Problem) {
	envRaw := strings.TrimSpace(os.Getenv("ENV"))
	cfg := defaults(serviceNameDefault, httpPortDefault)

	problems := make([]Problem, 0, 4)
	envProvided := envRaw != ""

	if repoRoot, ok := findRepoRoot(); ok && cfg.Env != "" && cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(repoRoot, "configs", cfg.Env+".json")
	}

	fileData, fileProblems, ok := loadConfigFile(cfg.ConfigPath, strings.TrimSpace(os.Getenv("CONFIG_PATH")) != "")
	problems = append(problems, fileProblems...)
	if ok {
		if fileEnv, ok := readStringKey(fileData, "ENV"); ok && strings.TrimSpace(fileEnv) != "" {
			envProvided = true
		}
		applyConfigMap(&cfg, fileData, &problems)
	}

	applyEnv(&cfg, &problems)

	if cfg.OIDCIssuer != "" && strings.TrimSpace(cfg.OIDCJWKSURL) == "" {
		cfg.OIDCJWKSURL = strings.TrimRight(cfg.OIDCIssuer, "/") + "/.well-known/jwks.json"
	}
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	if !envProvided {
		problems = append(problems, Problem{Field: "ENV", Message: "ENV is required"})
	}

	validate(&cfg, httpPortDefault, &problems)
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutMS) * time.Millisecond
	return cfg, problems
}

func validate(cfg *Config, httpPortDefault int, problems *[]Problem) {
	fallback := defaults(cfg.ServiceName, httpPortDefault)
	positive := []struct {
		field string
		value *int
		def   int
	}{
		{"REQUEST_TIMEOUT_MS", &cfg.RequestTimeoutMS, fallback.RequestTimeoutMS},
		{"JWKS_CACHE_TTL_SECONDS", &cfg.JWKSTTLSeconds, fallback.JWKSTTLSeconds},
		{"DB_MAX_CONNS", &cfg.DBMaxConns, fallback.DBMaxConns},
		{"DB_CONN_MAX_IDLE_SECONDS", &cfg.DBConnMaxIdleSec, fallback.DBConnMaxIdleSec},
		{"DB_CONN_MAX_LIFETIME_SECONDS", &cfg.DBConnMaxLifeSec, fallback.DBConnMaxLifeSec},
		{"KAFKA_WRITE_TIMEOUT_MS", &cfg.KafkaWriteMS, fallback.KafkaWriteMS},
		{"ASYNQ_CONCURRENCY", &cfg.AsynqConcurrency, fallback.AsynqConcurrency},
		{"TASK_RETRY_BASE_MS", &cfg.TaskRetryBaseMS, fallback.TaskRetryBaseMS},
		{"TASK_RETRY_MAX_MS", &cfg.TaskRetryMaxMS, fallback.TaskRetryMaxMS},
		{"SCHEDULER_TICK_SECONDS", &cfg.SchedulerTickSec, fallback.SchedulerTickSec},
		{"REDRIVE_INTERVAL_SECONDS", &cfg.RedriveIntervalSec, fallback.RedriveIntervalSec},
		{"REDRIVE_MAX_ATTEMPTS", &cfg.RedriveMaxAttempts, fallback.RedriveMaxAttempts},
		{"REDRIVE_BATCH_SIZE", &cfg.RedriveBatchSize, fallback.RedriveBatchSize},
		{"LOCK_TTL_SECONDS", &cfg.LockTTLSec, fallback.LockTTLSec},
		{"INFLUX_TIMEOUT_MS", &cfg.InfluxTimeoutMS, fallback.InfluxTimeoutMS},
		{"AGENT_TIMEOUT_MS", &cfg.AgentTimeoutMS, fallback.AgentTimeoutMS},
		{"RATE_LIMIT_BURST", &cfg.RateLimitBurst, fallback.RateLimitBurst},
	}
	for _, p := range positive {
		if *p.value <= 0 {
			*problems = append(*problems, Problem{Field: p.field, Message: p.field + " must be > 0"})
			*p.value = p.def
		}
	}
	nonNegative := []struct {
		field string
		value *int
		def   int
	}{
		{"JWT_CLOCK_SKEW_SECONDS", &cfg.JWTClockSkewSec, fallback.JWTClockSkewSec},
		{"DB_MIN_CONNS", &cfg.DBMinConns, fallback.DBMinConns},
		{"KAFKA_RETRY_MAX", &cfg.KafkaRetryMax, fallback.KafkaRetryMax},
		{"REDIS_DB", &cfg.RedisDB, 0},
		{"ASYNQ_REDIS_DB", &cfg.AsynqRedisDB, 0},
		{"ASYNQ_MAX_RETRY", &cfg.AsynqMaxRetry, fallback.AsynqMaxRetry},
		{"TASK_MAX_RETRIES", &cfg.TaskMaxRetries, fallback.TaskMaxRetries},
		{"AGENT_RETRY_MAX", &cfg.AgentRetryMax, fallback.AgentRetryMax},
	}
	for _, p := range nonNegative {
		if *p.value < 0 {
			*problems = append(*problems, Problem{Field: p.field, Message: p.field + " must be >= 0"})
			*p.value = p.def
		}
	}

	if cfg.HTTPPort <= 0 || cfg.HTTPPort > 65535 {
		*problems = append(*problems, Problem{Field: "HTTP_PORT", Message: "HTTP_PORT must be 1-65535"})
		cfg.HTTPPort = httpPortDefault
	}
	if cfg.DBMinConns > cfg.DBMaxConns {
		*problems = append(*problems, Problem{Field: "DB_MIN_CONNS", Message: "DB_MIN_CONNS must be <= DB_MAX_CONNS"})
		cfg.DBMinConns = cfg.DBMaxConns
	}
	if cfg.TaskRetryBaseMS > cfg.TaskRetryMaxMS {
		*problems = append(*problems, Problem{Field: "TASK_RETRY_BASE_MS", Message: "TASK_RETRY_BASE_MS must be <= TASK_RETRY_MAX_MS"})
		cfg.TaskRetryBaseMS = cfg.TaskRetryMaxMS
	}
	if cfg.RateLimitRPS <= 0 {
		*problems = append(*problems, Problem{Field: "RATE_LIMIT_RPS", Message: "RATE_LIMIT_RPS must be > 0"})
		cfg.RateLimitRPS = fallback.RateLimitRPS
	}
	if cfg.OtelSampleRatio < 0 || cfg.OtelSampleRatio > 1 {
		*problems = append(*problems, Problem{Field: "OTEL_SAMPLE_RATIO", Message: "OTEL_SAMPLE_RATIO must be 0-1"})
		cfg.OtelSampleRatio = 1.0
	}
	if cfg.AuthEnabled && (cfg.OIDCIssuer == "" || cfg.OIDCAudience == "") {
		*problems = append(*problems, Problem{Field: "OIDC_ISSUER", Message: "OIDC_ISSUER and OIDC_AUDIENCE are required when AUTH_ENABLED"})
	}
}

func findRepoRoot() (string, bool) {
	start, err := os.Getwd()
	if err != nil {
		return "", false
	}
	dir := start
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, "configs")
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false
}

func loadConfigFile(path string, explicit bool) (map[string]any, []Problem, bool) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, false
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if explicit && errors.Is(err, os.ErrNotExist) {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: "config file not found"}}, false
		}
		if explicit {
			return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("failed to read config file: %v", err)}}, false
		}
		return nil, nil, false
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, []Problem{{Field: "CONFIG_PATH", Message: fmt.Sprintf("invalid json: %v", err)}}, false
	}
	return raw, nil, true
}

func applyEnv(cfg *Config, problems *[]Problem) {
	for _, b := range cfg.bindings() {
		v := strings.TrimSpace(os.Getenv(b.key))
		if v == "" && b.alias != "" {
			v = strings.TrimSpace(os.Getenv(b.alias))
		}
		if v == "" {
			continue
		}
		if b.kind == kindSecret {
			v = os.Getenv(b.key)
		}
		assign(b, v, problems)
	}
}

func applyConfigMap(cfg *Config, raw map[string]any, problems *[]Problem) {
	byKey := make(map[string]binding)
	for _, b := range cfg.bindings() {
		byKey[b.key] = b
	}
	for k, v := range raw {
		key := strings.ToUpper(strings.TrimSpace(k))
		if key == "ENV" {
			if s, ok := v.(string); ok {
				cfg.Env = strings.TrimSpace(s)
			}
			continue
		}
		b, ok := byKey[key]
		if !ok {
			continue
		}
		if b.kind == kindCSV {
			if arr, ok := v.([]any); ok {
				*b.target.(*[]string) = parseAnyCSV(arr)
				continue
			}
		}
		if bv, ok := v.(bool); ok && b.kind == kindBool {
			*b.target.(*bool) = bv
			continue
		}
		assign(b, v, problems)
	}
}

func assign(b binding, v any, problems *[]Problem) {
	switch b.kind {
	case kindString:
		if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
			*b.target.(*string) = strings.TrimSpace(s)
		}
	case kindSecret:
		if s, ok := v.(string); ok {
			*b.target.(*string) = s
		}
	case kindCSV:
		if s, ok := v.(string); ok {
			*b.target.(*[]string) = parseCSV(s)
		}
	case kindInt:
		n, ok := asInt(v)
		if !ok {
			*problems = append(*problems, Problem{Field: b.key, Message: b.key + " must be an integer"})
			return
		}
		*b.target.(*int) = n
	case kindFloat:
		f, ok := asFloat(v)
		if !ok {
			*problems = append(*problems, Problem{Field: b.key, Message: b.key + " must be a number"})
			return
		}
		*b.target.(*float64) = f
	case kindBool:
		s, _ := v.(string)
		bv, ok := asBool(s)
		if !ok {
			*problems = append(*problems, Problem{Field: b.key, Message: b.key + " must be a boolean"})
			return
		}
		*b.target.(*bool) = bv
	}
}

func readStringKey(raw map[string]any, key string) (string, bool) {
	for k, v := range raw {
		if strings.EqualFold(strings.TrimSpace(k), key) {
			s, ok := v.(string)
			return s, ok
		}
	}
	return "", false
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(t))
		return i, err == nil
	default:
		return 0, false
	}
}

func asBool(v string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes", "y":
		return true, true
	case "false", "0", "no", "n":
		return false, true
	default:
		return false, false
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseAnyCSV(raw []any) []string {
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			s = strings.TrimSpace(s)
			if s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}
