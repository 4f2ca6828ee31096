package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

const (
	defaultHTTPListen         = ":8080"
	defaultHealthPath         = "/healthz"
	defaultReadyPath          = "/readyz"
	defaultIngestPath         = "/ingest"
	defaultIngestBatchPath    = "/ingest/batch"
	defaultMetricsPath        = "/metrics"
	defaultNATSSubject        = "permitalert.permits"
	defaultNATSIngestStream   = "PERMITALERT_PERMITS"
	defaultNATSIngestConsumer = "permitalert-ingest"
	defaultNATSIngestGroup    = "permitalert-workers"
	defaultNATSIngestWorkers  = 1
	defaultNATSAckWaitSec     = 30
	defaultNATSNackDelayMS    = 1000
	defaultNATSMaxDeliver     = -1
	defaultNATSMaxAckPending  = 2048
	defaultNATSURL            = "nats://127.0.0.1:4222"
	defaultNATSStoreBucket    = "notifications"
	defaultInAppSubjectPrefix = "permitalert.inapp"
	defaultSQLitePath         = "permitalert.db"
	defaultReloadSeconds      = 5
	defaultSweepSeconds       = 30
	defaultDigestSeconds      = 60
	defaultSweepConcurrency   = 4
	defaultClaimLeaseSeconds  = 300
	defaultEvalWorkers        = 4
	defaultTransportTimeout   = 10
	defaultTransportAttempts  = 3
	defaultEmailAPIBase       = "https://api.brevo.com/v3"
	defaultTelegramAPIBase    = "https://api.telegram.org"

	// EnvPrefix prefixes environment overrides for provider secrets.
	EnvPrefix = "PERMITALERT"

	// ServiceModeNATS enables JetStream ingest, NATS store backend, and in-app publishing.
	ServiceModeNATS = "nats"
	// ServiceModeSingle keeps single-instance mode without NATS dependencies.
	ServiceModeSingle = "single"

	// StoreBackendMemory keeps notifications in process memory.
	StoreBackendMemory = "memory"
	// StoreBackendSQLite keeps notifications in one SQLite file.
	StoreBackendSQLite = "sqlite"
	// StoreBackendNATS keeps notifications in JetStream KV.
	StoreBackendNATS = "nats"

	// ProviderLog writes messages to service log instead of a remote API.
	ProviderLog = "log"
	// ProviderBrevo sends email through Brevo transactional API.
	ProviderBrevo = "brevo"
	// ProviderWebhook posts SMS payloads to configured HTTP endpoint.
	ProviderWebhook = "webhook"
)

var (
	legacyRuleArrayPattern                = regexp.MustCompile(`(?m)^\s*\[\[\s*(?:rule|aoi|user|workspace)\s*\]\]`)
	unsupportedIngestNATSFixedKeysPattern = regexp.MustCompile(`(?mi)^\s*(?:subject|stream|consumer_name|deliver_group)\s*=`)
)

// Config holds service runtime settings, notification channels, and alert subscriptions.
// Params: TOML sections from file or merged directory snapshot.
// Returns: validated runtime configuration.
type Config struct {
	Service   ServiceConfig              `toml:"service"`
	Log       LogConfig                  `toml:"log"`
	Ingest    IngestConfig               `toml:"ingest"`
	Store     StoreConfig                `toml:"store"`
	Notify    NotifyConfig               `toml:"notify"`
	Workspace map[string]WorkspaceConfig `toml:"workspace"`
	User      map[string]UserConfig      `toml:"user"`
	Rule      []RuleConfig               `toml:"rule"`
	AOI       []AOIConfig                `toml:"aoi"`
}

// rawConfig mirrors TOML model before runtime normalization.
// Params: decoded sections from one TOML source.
// Returns: raw rule and AOI maps keyed by id.
type rawConfig struct {
	Service   ServiceConfig              `toml:"service"`
	Log       LogConfig                  `toml:"log"`
	Ingest    IngestConfig               `toml:"ingest"`
	Store     StoreConfig                `toml:"store"`
	Notify    NotifyConfig               `toml:"notify"`
	Workspace map[string]WorkspaceConfig `toml:"workspace"`
	User      map[string]UserConfig      `toml:"user"`
	Rule      map[string]RuleConfig      `toml:"rule"`
	AOI       map[string]AOIConfig       `toml:"aoi"`
}

// ServiceConfig contains process-level settings.
// Params: name, mode, reload, and periodic task intervals.
// Returns: service behavior defaults.
type ServiceConfig struct {
	Name              string `toml:"name"`
	Mode              string `toml:"mode"`
	ReloadEnabled     bool   `toml:"reload_enabled"`
	ReloadIntervalSec int    `toml:"reload_interval_sec"`
	SweepIntervalSec  int    `toml:"sweep_interval_sec"`
	DigestIntervalSec int    `toml:"digest_interval_sec"`
	SweepConcurrency  int    `toml:"sweep_concurrency"`
	ClaimLeaseSec     int    `toml:"claim_lease_sec"`
	EvalWorkers       int    `toml:"eval_workers"`
}

// IngestConfig defines inbound permit interfaces.
type IngestConfig struct {
	HTTP HTTPIngestConfig `toml:"http"`
	NATS NATSIngestConfig `toml:"nats"`
}

// HTTPIngestConfig configures HTTP permit ingestion and health endpoints.
// Params: enable flag, listen/endpoints, and optional body size limit.
// Returns: HTTP ingest behavior.
type HTTPIngestConfig struct {
	Enabled         bool   `toml:"enabled"`
	Listen          string `toml:"listen"`
	HealthPath      string `toml:"health_path"`
	ReadyPath       string `toml:"ready_path"`
	IngestPath      string `toml:"ingest_path"`
	IngestBatchPath string `toml:"ingest_batch_path"`
	MetricsPath     string `toml:"metrics_path"`
	MaxBodyBytes    int64  `toml:"max_body_bytes"`
}

// NATSIngestConfig configures JetStream queue-consumer ingestion.
// Params: connection + worker/ack/redelivery policy; stream routing keys are runtime-fixed.
// Returns: NATS ingest behavior.
type NATSIngestConfig struct {
	Enabled       bool     `toml:"enabled"`
	URL           []string `toml:"url"`
	Subject       string   `toml:"-"`
	Stream        string   `toml:"-"`
	ConsumerName  string   `toml:"-"`
	DeliverGroup  string   `toml:"-"`
	Workers       int      `toml:"workers"`
	AckWaitSec    int      `toml:"ack_wait_sec"`
	NackDelayMS   int      `toml:"nack_delay_ms"`
	MaxDeliver    int      `toml:"max_deliver"`
	MaxAckPending int      `toml:"max_ack_pending"`
}

// StoreConfig selects notification persistence backend.
// Params: backend name, SQLite file path, and KV bucket name.
// Returns: store settings; NATS connection is derived from ingest.nats.url.
type StoreConfig struct {
	Backend    string          `toml:"backend"`
	SQLitePath string          `toml:"sqlite_path"`
	NATSBucket string          `toml:"nats_bucket"`
	NATS       NATSStoreConfig `toml:"-"`
}

// NATSStoreConfig contains JetStream KV controls for notification store.
type NATSStoreConfig struct {
	URL               []string
	Bucket            string
	AllowCreateBucket bool
}

// NotifyConfig defines per-channel delivery behavior.
type NotifyConfig struct {
	Email    EmailNotifier    `toml:"email"`
	SMS      SMSNotifier      `toml:"sms"`
	Telegram TelegramNotifier `toml:"telegram"`
	InApp    InAppNotifier    `toml:"in_app"`
}

// ChannelPolicy holds retry, rate limit, and message template settings shared by channels.
// Params: zero values fall back to per-channel worker defaults.
// Returns: channel policy fields flattened into each channel table.
type ChannelPolicy struct {
	MaxRetries      int             `toml:"max_retries"`
	BaseDelayMS     int             `toml:"base_delay_ms"`
	MaxDelayMS      int             `toml:"max_delay_ms"`
	RateLimit       RateLimitConfig `toml:"rate_limit"`
	SubjectTemplate string          `toml:"subject_template"`
	BodyTemplate    string          `toml:"body_template"`
}

// RateLimitConfig bounds sends per sliding window.
type RateLimitConfig struct {
	MaxRequests int `toml:"max_requests"`
	WindowMS    int `toml:"window_ms"`
}

// EmailNotifier configures email channel and its provider.
type EmailNotifier struct {
	ChannelPolicy
	Enabled     bool   `toml:"enabled"`
	Provider    string `toml:"provider"`
	APIBase     string `toml:"api_base"`
	APIKey      string `toml:"api_key"`
	FromAddress string `toml:"from_address"`
	FromName    string `toml:"from_name"`
	TimeoutSec  int    `toml:"timeout_sec"`
	Attempts    int    `toml:"attempts"`
}

// SMSNotifier configures SMS channel and its webhook provider.
type SMSNotifier struct {
	ChannelPolicy
	Enabled    bool   `toml:"enabled"`
	Provider   string `toml:"provider"`
	URL        string `toml:"url"`
	APIKey     string `toml:"api_key"`
	From       string `toml:"from"`
	TimeoutSec int    `toml:"timeout_sec"`
	Attempts   int    `toml:"attempts"`
}

// TelegramNotifier configures Telegram bot channel.
type TelegramNotifier struct {
	ChannelPolicy
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	APIBase  string `toml:"api_base"`
}

// InAppNotifier configures in-app feed channel.
// Params: Publish mirrors alerts to NATS subject prefix in nats mode.
// Returns: in-app channel behavior.
type InAppNotifier struct {
	Enabled       bool   `toml:"enabled"`
	Publish       bool   `toml:"publish"`
	SubjectPrefix string `toml:"-"`
}

// LogConfig defines logging sinks.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink enable flag, level, format, and path.
// Returns: sink-specific behavior.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// WorkspaceConfig lists users that receive alerts of workspace rules.
type WorkspaceConfig struct {
	Members []string `toml:"members"`
}

// UserConfig stores per-user notification preferences.
type UserConfig struct {
	Timezone        string `toml:"timezone"`
	QuietHoursStart *int   `toml:"quiet_hours_start"`
	QuietHoursEnd   *int   `toml:"quiet_hours_end"`
	EmailEnabled    bool   `toml:"email_enabled"`
	Email           string `toml:"email"`
	SMSEnabled      bool   `toml:"sms_enabled"`
	Phone           string `toml:"phone"`
	InAppEnabled    bool   `toml:"in_app_enabled"`
	TelegramEnabled bool   `toml:"telegram_enabled"`
	TelegramChatID  string `toml:"telegram_chat_id"`
	Digest          string `toml:"digest"`
}

// RuleConfig describes one permit alert rule from `[rule.<id>]` table.
// Params: scope, filters, watchlist, and channels; id comes from table key.
// Returns: runtime rule definition.
type RuleConfig struct {
	ID                string   `toml:"-"`
	Workspace         string   `toml:"workspace"`
	Name              string   `toml:"name"`
	AOIIDs            []string `toml:"aoi_ids"`
	OperatorIDs       []string `toml:"operator_ids"`
	Counties          []string `toml:"counties"`
	Statuses          []string `toml:"statuses"`
	PermitTypes       []string `toml:"permit_types"`
	FiledAfter        string   `toml:"filed_after"`
	OperatorWatchlist []string `toml:"operator_watchlist"`
	NotifyOnAmendment bool     `toml:"notify_on_amendment"`
	Channels          []string `toml:"channels"`
	Active            *bool    `toml:"active"`
}

// AOIConfig describes one area of interest from `[aoi.<id>]` table.
// Params: GeoJSON-like type plus [lon, lat] coordinates and buffer in miles.
// Returns: runtime AOI definition.
type AOIConfig struct {
	ID           string          `toml:"-"`
	Workspace    string          `toml:"workspace"`
	Name         string          `toml:"name"`
	Type         string          `toml:"type"`
	Polygon      [][][]float64   `toml:"polygon"`
	MultiPolygon [][][][]float64 `toml:"multipolygon"`
	BufferMiles  float64         `toml:"buffer_miles"`
}

// secretEnv lists provider secrets that may come from environment.
type secretEnv struct {
	EmailAPIKey      string `envconfig:"EMAIL_API_KEY"`
	SMSAPIKey        string `envconfig:"SMS_API_KEY"`
	TelegramBotToken string `envconfig:"TELEGRAM_BOT_TOKEN"`
}

// ConfigSource describes where configuration snapshot is loaded from.
// Params: exactly one of file path or directory path.
// Returns: normalized source descriptor.
type ConfigSource struct {
	File string
	Dir  string
}

// FromCLI builds normalized source configuration from input paths.
// Params: optional file and directory arguments.
// Returns: source descriptor or validation error.
func FromCLI(filePath, dirPath string) (ConfigSource, error) {
	filePath = strings.TrimSpace(filePath)
	dirPath = strings.TrimSpace(dirPath)

	if filePath == "" && dirPath == "" {
		return ConfigSource{}, errors.New("either --config-file or --config-dir must be provided")
	}
	if filePath != "" && dirPath != "" {
		return ConfigSource{}, errors.New("config source must be either file or dir")
	}

	if filePath != "" {
		return ConfigSource{File: filePath}, nil
	}
	return ConfigSource{Dir: dirPath}, nil
}

// LoadSnapshot loads and validates configuration from one source.
// Params: source selects file or directory mode.
// Returns: validated config or load/validation error.
func LoadSnapshot(src ConfigSource) (Config, error) {
	var cfg Config
	var err error
	if src.File != "" {
		cfg, err = loadFile(src.File)
	} else {
		cfg, err = loadDir(src.Dir)
	}
	if err != nil {
		return Config{}, err
	}
	if err := applyEnvSecrets(&cfg); err != nil {
		return Config{}, err
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvSecrets overrides provider secrets from PERMITALERT_* environment.
// Params: config snapshot pointer.
// Returns: envconfig processing error.
func applyEnvSecrets(cfg *Config) error {
	var env secretEnv
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("read environment overrides: %w", err)
	}
	if env.EmailAPIKey != "" {
		cfg.Notify.Email.APIKey = env.EmailAPIKey
	}
	if env.SMSAPIKey != "" {
		cfg.Notify.SMS.APIKey = env.SMSAPIKey
	}
	if env.TelegramBotToken != "" {
		cfg.Notify.Telegram.BotToken = env.TelegramBotToken
	}
	return nil
}

// notifyMergeHints tracks explicit enabled flags in channel sections.
// Params: sparse values decoded from one TOML fragment.
// Returns: bool-presence markers for merge logic.
type notifyMergeHints struct {
	Notify struct {
		Email    channelMergeHints `toml:"email"`
		SMS      channelMergeHints `toml:"sms"`
		Telegram channelMergeHints `toml:"telegram"`
		InApp    channelMergeHints `toml:"in_app"`
	} `toml:"notify"`
}

// channelMergeHints tracks explicit enabled flag in one channel section.
type channelMergeHints struct {
	Enabled *bool `toml:"enabled"`
}

// normalizeRawConfig converts raw TOML model to runtime config.
// Params: decoded raw config from file fragment.
// Returns: normalized config snapshot with rules and AOIs sorted by id.
func normalizeRawConfig(raw rawConfig) (Config, error) {
	cfg := Config{
		Service:   raw.Service,
		Log:       raw.Log,
		Ingest:    raw.Ingest,
		Store:     raw.Store,
		Notify:    raw.Notify,
		Workspace: raw.Workspace,
		User:      raw.User,
	}

	ruleIDs := sortedKeys(raw.Rule)
	cfg.Rule = make([]RuleConfig, 0, len(ruleIDs))
	for _, id := range ruleIDs {
		rule := raw.Rule[id]
		rule.ID = id
		cfg.Rule = append(cfg.Rule, rule)
	}

	aoiIDs := sortedKeys(raw.AOI)
	cfg.AOI = make([]AOIConfig, 0, len(aoiIDs))
	for _, id := range aoiIDs {
		aoi := raw.AOI[id]
		aoi.ID = id
		cfg.AOI = append(cfg.AOI, aoi)
	}
	return cfg, nil
}

// sortedKeys returns deterministic key order for TOML tables.
func sortedKeys[T any](items map[string]T) []string {
	keys := make([]string, 0, len(items))
	for key := range items {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// rejectUnsupportedSyntax checks forbidden TOML syntax and returns explicit error.
// Params: raw TOML file body.
// Returns: error when unsupported syntax is detected.
func rejectUnsupportedSyntax(body []byte) error {
	if legacyRuleArrayPattern.Match(body) {
		return errors.New("array tables are not supported for rule/aoi/user/workspace; use [<section>.<id>] tables")
	}
	if unsupportedIngestNATSFixedKeysPattern.Match(body) {
		return errors.New("ingest.nats.subject/stream/consumer_name/deliver_group are fixed in runtime and must not be configured")
	}
	return nil
}

// decodeFile reads and decodes one TOML file.
// Params: file path.
// Returns: normalized config, raw body for hint decoding, or read/decode error.
func decodeFile(path string) (Config, []byte, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return Config{}, nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	if err := rejectUnsupportedSyntax(body); err != nil {
		return Config{}, nil, fmt.Errorf("decode config file %q: %w", path, err)
	}
	var raw rawConfig
	if err := toml.Unmarshal(body, &raw); err != nil {
		return Config{}, nil, fmt.Errorf("decode config file %q: %w", path, err)
	}
	cfg, err := normalizeRawConfig(raw)
	if err != nil {
		return Config{}, nil, fmt.Errorf("decode config file %q: %w", path, err)
	}
	return cfg, body, nil
}

// loadFile reads one TOML configuration file.
// Params: file path to config snapshot.
// Returns: decoded config or read/decode error.
func loadFile(path string) (Config, error) {
	cfg, _, err := decodeFile(path)
	return cfg, err
}

// loadFileForMerge reads one TOML file with merge hints.
// Params: file path to config fragment.
// Returns: decoded config plus explicit-bool hints for overlay merge.
func loadFileForMerge(path string) (Config, notifyMergeHints, error) {
	cfg, body, err := decodeFile(path)
	if err != nil {
		return Config{}, notifyMergeHints{}, err
	}
	var hints notifyMergeHints
	if err := toml.Unmarshal(body, &hints); err != nil {
		return Config{}, notifyMergeHints{}, fmt.Errorf("decode merge hints %q: %w", path, err)
	}
	return cfg, hints, nil
}

// loadDir reads and merges TOML files from one directory.
// Params: directory containing config fragments.
// Returns: merged config snapshot or load/decode error.
func loadDir(dir string) (Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Config{}, fmt.Errorf("read config dir %q: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.ToLower(filepath.Ext(name)) != ".toml" {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	if len(files) == 0 {
		return Config{}, fmt.Errorf("no .toml files found in %q", dir)
	}
	sort.Strings(files)

	var merged Config
	for _, file := range files {
		fragment, hints, err := loadFileForMerge(file)
		if err != nil {
			return Config{}, err
		}
		mergeConfig(&merged, fragment, hints)
	}
	return merged, nil
}

// mergeConfig overlays source onto destination.
// Params: destination config, next fragment, and explicit-bool hints.
// Returns: merged configuration side-effect in dst.
func mergeConfig(dst *Config, src Config, hints notifyMergeHints) {
	if src.Service != (ServiceConfig{}) {
		dst.Service = src.Service
	}
	if src.Log != (LogConfig{}) {
		dst.Log = src.Log
	}
	if hasIngestConfig(src.Ingest) {
		dst.Ingest = src.Ingest
	}
	if src.Store.Backend != "" || src.Store.SQLitePath != "" || src.Store.NATSBucket != "" {
		dst.Store = src.Store
	}
	mergeEmailNotifier(&dst.Notify.Email, src.Notify.Email, hints.Notify.Email)
	mergeSMSNotifier(&dst.Notify.SMS, src.Notify.SMS, hints.Notify.SMS)
	mergeTelegramNotifier(&dst.Notify.Telegram, src.Notify.Telegram, hints.Notify.Telegram)
	applyBoolMerge(&dst.Notify.InApp.Enabled, src.Notify.InApp.Enabled, hints.Notify.InApp.Enabled)
	if src.Notify.InApp.Publish {
		dst.Notify.InApp.Publish = true
	}
	dst.Workspace = mergeTable(dst.Workspace, src.Workspace)
	dst.User = mergeTable(dst.User, src.User)
	dst.Rule = append(dst.Rule, src.Rule...)
	dst.AOI = append(dst.AOI, src.AOI...)
}

// mergeEmailNotifier overlays email channel fragment preserving unset fields.
// Params: destination section, fragment, and explicit enabled hint.
// Returns: merged section side-effect in dst.
func mergeEmailNotifier(dst *EmailNotifier, src EmailNotifier, hint channelMergeHints) {
	applyBoolMerge(&dst.Enabled, src.Enabled, hint.Enabled)
	mergeString(&dst.Provider, src.Provider)
	mergeString(&dst.APIBase, src.APIBase)
	mergeString(&dst.APIKey, src.APIKey)
	mergeString(&dst.FromAddress, src.FromAddress)
	mergeString(&dst.FromName, src.FromName)
	mergeInt(&dst.TimeoutSec, src.TimeoutSec)
	mergeInt(&dst.Attempts, src.Attempts)
	mergeChannelPolicy(&dst.ChannelPolicy, src.ChannelPolicy)
}

// mergeSMSNotifier overlays SMS channel fragment preserving unset fields.
func mergeSMSNotifier(dst *SMSNotifier, src SMSNotifier, hint channelMergeHints) {
	applyBoolMerge(&dst.Enabled, src.Enabled, hint.Enabled)
	mergeString(&dst.Provider, src.Provider)
	mergeString(&dst.URL, src.URL)
	mergeString(&dst.APIKey, src.APIKey)
	mergeString(&dst.From, src.From)
	mergeInt(&dst.TimeoutSec, src.TimeoutSec)
	mergeInt(&dst.Attempts, src.Attempts)
	mergeChannelPolicy(&dst.ChannelPolicy, src.ChannelPolicy)
}

// mergeTelegramNotifier overlays Telegram channel fragment preserving unset fields.
func mergeTelegramNotifier(dst *TelegramNotifier, src TelegramNotifier, hint channelMergeHints) {
	applyBoolMerge(&dst.Enabled, src.Enabled, hint.Enabled)
	mergeString(&dst.BotToken, src.BotToken)
	mergeString(&dst.APIBase, src.APIBase)
	mergeChannelPolicy(&dst.ChannelPolicy, src.ChannelPolicy)
}

// mergeChannelPolicy overlays non-zero policy fields.
func mergeChannelPolicy(dst *ChannelPolicy, src ChannelPolicy) {
	mergeInt(&dst.MaxRetries, src.MaxRetries)
	mergeInt(&dst.BaseDelayMS, src.BaseDelayMS)
	mergeInt(&dst.MaxDelayMS, src.MaxDelayMS)
	if src.RateLimit != (RateLimitConfig{}) {
		dst.RateLimit = src.RateLimit
	}
	mergeString(&dst.SubjectTemplate, src.SubjectTemplate)
	mergeString(&dst.BodyTemplate, src.BodyTemplate)
}

// applyBoolMerge merges bool with explicit-value awareness for directory overlays.
// Params: destination bool pointer, source decoded bool, and explicit source marker.
// Returns: merged bool side-effect in dst.
func applyBoolMerge(dst *bool, value bool, explicit *bool) {
	if explicit != nil {
		*dst = *explicit
		return
	}
	if value {
		*dst = true
	}
}

func mergeString(dst *string, value string) {
	if strings.TrimSpace(value) != "" {
		*dst = value
	}
}

func mergeInt(dst *int, value int) {
	if value != 0 {
		*dst = value
	}
}

// mergeTable overlays keyed tables; later fragments replace same keys.
func mergeTable[T any](dst, src map[string]T) map[string]T {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]T, len(src))
	}
	for key, value := range src {
		dst[key] = value
	}
	return dst
}

// applyDefaults fills omitted values and derives fixed runtime settings.
// Params: config snapshot pointer.
// Returns: defaults applied in place.
func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Service.Name) == "" {
		cfg.Service.Name = "permitalert"
	}
	cfg.Service.Mode = NormalizeServiceMode(cfg.Service.Mode)
	if cfg.Service.ReloadIntervalSec <= 0 {
		cfg.Service.ReloadIntervalSec = defaultReloadSeconds
	}
	if cfg.Service.SweepIntervalSec <= 0 {
		cfg.Service.SweepIntervalSec = defaultSweepSeconds
	}
	if cfg.Service.DigestIntervalSec <= 0 {
		cfg.Service.DigestIntervalSec = defaultDigestSeconds
	}
	if cfg.Service.SweepConcurrency <= 0 {
		cfg.Service.SweepConcurrency = defaultSweepConcurrency
	}
	if cfg.Service.ClaimLeaseSec <= 0 {
		cfg.Service.ClaimLeaseSec = defaultClaimLeaseSeconds
	}
	if cfg.Service.EvalWorkers <= 0 {
		cfg.Service.EvalWorkers = defaultEvalWorkers
	}

	if cfg.Log.Console.Level == "" {
		cfg.Log.Console.Level = "info"
	}
	if cfg.Log.Console.Format == "" {
		cfg.Log.Console.Format = "line"
	}
	if cfg.Log.File.Level == "" {
		cfg.Log.File.Level = "info"
	}
	if cfg.Log.File.Format == "" {
		cfg.Log.File.Format = "json"
	}
	if !cfg.Log.Console.Enabled && !cfg.Log.File.Enabled {
		cfg.Log.Console.Enabled = true
	}

	applyIngestDefaults(cfg)
	applyStoreDefaults(cfg)
	applyNotifyDefaults(cfg)
}

// applyIngestDefaults fills HTTP endpoints and fixed JetStream routing.
func applyIngestDefaults(cfg *Config) {
	httpCfg := &cfg.Ingest.HTTP
	if strings.TrimSpace(httpCfg.Listen) == "" {
		httpCfg.Listen = defaultHTTPListen
	}
	if strings.TrimSpace(httpCfg.HealthPath) == "" {
		httpCfg.HealthPath = defaultHealthPath
	}
	if strings.TrimSpace(httpCfg.ReadyPath) == "" {
		httpCfg.ReadyPath = defaultReadyPath
	}
	if strings.TrimSpace(httpCfg.IngestPath) == "" {
		httpCfg.IngestPath = defaultIngestPath
	}
	if strings.TrimSpace(httpCfg.IngestBatchPath) == "" {
		httpCfg.IngestBatchPath = defaultIngestBatchPath
	}
	if strings.TrimSpace(httpCfg.MetricsPath) == "" {
		httpCfg.MetricsPath = defaultMetricsPath
	}
	if httpCfg.MaxBodyBytes <= 0 {
		httpCfg.MaxBodyBytes = 2 << 20
	}

	natsCfg := &cfg.Ingest.NATS
	if cfg.Service.Mode == ServiceModeSingle {
		// Single mode always serves HTTP and disables NATS-dependent paths regardless of user flags.
		cfg.Ingest.HTTP.Enabled = true
		natsCfg.Enabled = false
		cfg.Notify.InApp.Publish = false
		return
	}
	natsCfg.URL = normalizeNATSURLs(natsCfg.URL)
	if len(natsCfg.URL) == 0 {
		natsCfg.URL = []string{defaultNATSURL}
	}
	natsCfg.Subject = defaultNATSSubject
	natsCfg.Stream = defaultNATSIngestStream
	natsCfg.ConsumerName = defaultNATSIngestConsumer
	natsCfg.DeliverGroup = defaultNATSIngestGroup
	if natsCfg.Workers == 0 {
		natsCfg.Workers = defaultNATSIngestWorkers
	}
	if natsCfg.AckWaitSec <= 0 {
		natsCfg.AckWaitSec = defaultNATSAckWaitSec
	}
	if natsCfg.NackDelayMS < 0 {
		natsCfg.NackDelayMS = 0
	}
	if natsCfg.NackDelayMS == 0 {
		natsCfg.NackDelayMS = defaultNATSNackDelayMS
	}
	if natsCfg.MaxDeliver == 0 {
		natsCfg.MaxDeliver = defaultNATSMaxDeliver
	}
	if natsCfg.MaxAckPending <= 0 {
		natsCfg.MaxAckPending = defaultNATSMaxAckPending
	}
	if !cfg.Ingest.HTTP.Enabled && !natsCfg.Enabled {
		cfg.Ingest.HTTP.Enabled = true
	}
}

// applyStoreDefaults normalizes backend and derives KV connection.
func applyStoreDefaults(cfg *Config) {
	cfg.Store.Backend = strings.ToLower(strings.TrimSpace(cfg.Store.Backend))
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreBackendMemory
	}
	if cfg.Store.Backend == StoreBackendSQLite && strings.TrimSpace(cfg.Store.SQLitePath) == "" {
		cfg.Store.SQLitePath = defaultSQLitePath
	}
	if strings.TrimSpace(cfg.Store.NATSBucket) == "" {
		cfg.Store.NATSBucket = defaultNATSStoreBucket
	}
	cfg.Store.NATS = NATSStoreConfig{
		URL:               append([]string(nil), cfg.Ingest.NATS.URL...),
		Bucket:            cfg.Store.NATSBucket,
		AllowCreateBucket: true,
	}
}

// applyNotifyDefaults fills provider endpoints and transport limits.
func applyNotifyDefaults(cfg *Config) {
	email := &cfg.Notify.Email
	email.Provider = strings.ToLower(strings.TrimSpace(email.Provider))
	if email.Provider == "" {
		email.Provider = ProviderLog
	}
	if email.APIBase == "" {
		email.APIBase = defaultEmailAPIBase
	}
	if email.TimeoutSec <= 0 {
		email.TimeoutSec = defaultTransportTimeout
	}
	if email.Attempts <= 0 {
		email.Attempts = defaultTransportAttempts
	}

	sms := &cfg.Notify.SMS
	sms.Provider = strings.ToLower(strings.TrimSpace(sms.Provider))
	if sms.Provider == "" {
		sms.Provider = ProviderLog
	}
	if sms.TimeoutSec <= 0 {
		sms.TimeoutSec = defaultTransportTimeout
	}
	if sms.Attempts <= 0 {
		sms.Attempts = defaultTransportAttempts
	}

	if cfg.Notify.Telegram.APIBase == "" {
		cfg.Notify.Telegram.APIBase = defaultTelegramAPIBase
	}
	cfg.Notify.InApp.SubjectPrefix = defaultInAppSubjectPrefix
}

// hasIngestConfig reports whether ingest section has explicit values.
// Params: ingest configuration fragment.
// Returns: true when section should be merged into destination snapshot.
func hasIngestConfig(cfg IngestConfig) bool {
	return cfg.HTTP != (HTTPIngestConfig{}) || hasNATSIngestConfig(cfg.NATS)
}

// hasNATSIngestConfig reports whether NATS ingest section has explicit values.
func hasNATSIngestConfig(cfg NATSIngestConfig) bool {
	return cfg.Enabled ||
		len(cfg.URL) > 0 ||
		cfg.Workers != 0 ||
		cfg.AckWaitSec != 0 ||
		cfg.NackDelayMS != 0 ||
		cfg.MaxDeliver != 0 ||
		cfg.MaxAckPending != 0
}

// normalizeNATSURLs trims spaces around each configured NATS URL.
// Params: raw URL list from config.
// Returns: normalized URL list preserving element count for validation.
func normalizeNATSURLs(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	out := make([]string, len(urls))
	for i := range urls {
		out[i] = strings.TrimSpace(urls[i])
	}
	return out
}

// NormalizeServiceMode canonicalizes service mode and applies default.
// Params: raw mode value from config.
// Returns: normalized mode (`single` by default).
func NormalizeServiceMode(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return ServiceModeSingle
	}
	return normalized
}

// IsSupportedServiceMode reports whether mode value is supported.
func IsSupportedServiceMode(mode string) bool {
	switch NormalizeServiceMode(mode) {
	case ServiceModeNATS, ServiceModeSingle:
		return true
	default:
		return false
	}
}
