package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"permitalert/internal/domain"
	"permitalert/internal/templatefmt"
)

// validateConfig checks cross-section consistency of one snapshot.
// Params: config with defaults applied.
// Returns: first validation error.
func validateConfig(cfg Config) error {
	mode := NormalizeServiceMode(cfg.Service.Mode)
	if !IsSupportedServiceMode(mode) {
		return fmt.Errorf("service.mode has unsupported value %q", cfg.Service.Mode)
	}
	if err := validateIngest(cfg, mode); err != nil {
		return err
	}
	if err := validateLogSink("log.console", cfg.Log.Console, false); err != nil {
		return err
	}
	if err := validateLogSink("log.file", cfg.Log.File, true); err != nil {
		return err
	}
	if err := validateStore(cfg.Store, mode); err != nil {
		return err
	}
	if err := validateNotify(cfg.Notify); err != nil {
		return err
	}
	if err := validateClaimLease(cfg.Service.ClaimLeaseSec, cfg.Notify); err != nil {
		return err
	}

	for id, user := range cfg.User {
		if err := validateUser(user); err != nil {
			return fmt.Errorf("user %q: %w", id, err)
		}
	}
	for id, workspace := range cfg.Workspace {
		for _, member := range workspace.Members {
			if _, ok := cfg.User[member]; !ok {
				return fmt.Errorf("workspace %q: member %q has no [user.%s] section", id, member, member)
			}
		}
	}

	aoiIDs := make(map[string]struct{}, len(cfg.AOI))
	for _, aoi := range cfg.AOI {
		if _, exists := aoiIDs[aoi.ID]; exists {
			return fmt.Errorf("duplicate aoi id %q", aoi.ID)
		}
		aoiIDs[aoi.ID] = struct{}{}
		if err := validateAOI(aoi); err != nil {
			return fmt.Errorf("aoi %q: %w", aoi.ID, err)
		}
	}

	ruleIDs := make(map[string]struct{}, len(cfg.Rule))
	for _, rule := range cfg.Rule {
		if _, exists := ruleIDs[rule.ID]; exists {
			return fmt.Errorf("duplicate rule id %q", rule.ID)
		}
		ruleIDs[rule.ID] = struct{}{}
		if err := validateRule(rule, cfg.Workspace, aoiIDs); err != nil {
			return fmt.Errorf("rule %q: %w", rule.ID, err)
		}
	}
	return nil
}

// validateIngest checks HTTP endpoints and JetStream consumer policy.
func validateIngest(cfg Config, mode string) error {
	httpCfg := cfg.Ingest.HTTP
	required := map[string]string{
		"ingest.http.listen":            httpCfg.Listen,
		"ingest.http.health_path":       httpCfg.HealthPath,
		"ingest.http.ready_path":        httpCfg.ReadyPath,
		"ingest.http.ingest_path":       httpCfg.IngestPath,
		"ingest.http.ingest_batch_path": httpCfg.IngestBatchPath,
		"ingest.http.metrics_path":      httpCfg.MetricsPath,
	}
	for _, key := range sortedKeys(required) {
		if strings.TrimSpace(required[key]) == "" {
			return fmt.Errorf("%s is required", key)
		}
	}
	if mode != ServiceModeNATS {
		return nil
	}

	natsCfg := cfg.Ingest.NATS
	if len(natsCfg.URL) == 0 {
		return errors.New("ingest.nats.url is required")
	}
	for i, url := range natsCfg.URL {
		if strings.TrimSpace(url) == "" {
			return fmt.Errorf("ingest.nats.url[%d] is empty", i)
		}
	}
	if !natsCfg.Enabled {
		return nil
	}
	if natsCfg.Workers <= 0 {
		return errors.New("ingest.nats.workers must be >0 when ingest.nats.enabled=true")
	}
	if natsCfg.AckWaitSec <= 0 {
		return errors.New("ingest.nats.ack_wait_sec must be >0 when ingest.nats.enabled=true")
	}
	if natsCfg.NackDelayMS < 0 {
		return errors.New("ingest.nats.nack_delay_ms must be >=0")
	}
	if natsCfg.MaxDeliver == 0 || natsCfg.MaxDeliver < -1 {
		return errors.New("ingest.nats.max_deliver must be -1 or >0")
	}
	if natsCfg.MaxAckPending <= 0 {
		return errors.New("ingest.nats.max_ack_pending must be >0 when ingest.nats.enabled=true")
	}
	return nil
}

// validateStore checks backend name and backend-specific settings.
func validateStore(cfg StoreConfig, mode string) error {
	switch cfg.Backend {
	case StoreBackendMemory:
	case StoreBackendSQLite:
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return errors.New("store.sqlite_path is required when store.backend=sqlite")
		}
	case StoreBackendNATS:
		if mode != ServiceModeNATS {
			return errors.New("store.backend=nats requires service.mode=nats")
		}
	default:
		return fmt.Errorf("store.backend has unsupported value %q", cfg.Backend)
	}
	return nil
}

// validateNotify checks enabled channel providers and shared policy values.
func validateNotify(cfg NotifyConfig) error {
	email := cfg.Email
	if email.Enabled {
		switch email.Provider {
		case ProviderLog:
		case ProviderBrevo:
			if strings.TrimSpace(email.APIKey) == "" {
				return errors.New("notify.email.api_key is required when notify.email.provider=brevo")
			}
			if strings.TrimSpace(email.FromAddress) == "" {
				return errors.New("notify.email.from_address is required when notify.email.provider=brevo")
			}
		default:
			return fmt.Errorf("notify.email.provider has unsupported value %q", email.Provider)
		}
	}
	if err := validateChannelPolicy("notify.email", email.ChannelPolicy); err != nil {
		return err
	}

	sms := cfg.SMS
	if sms.Enabled {
		switch sms.Provider {
		case ProviderLog:
		case ProviderWebhook:
			if strings.TrimSpace(sms.URL) == "" {
				return errors.New("notify.sms.url is required when notify.sms.provider=webhook")
			}
		default:
			return fmt.Errorf("notify.sms.provider has unsupported value %q", sms.Provider)
		}
	}
	if err := validateChannelPolicy("notify.sms", sms.ChannelPolicy); err != nil {
		return err
	}

	if cfg.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.BotToken) == "" {
		return errors.New("notify.telegram.bot_token is required when notify.telegram.enabled=true")
	}
	return validateChannelPolicy("notify.telegram", cfg.Telegram.ChannelPolicy)
}

// validateClaimLease rejects a sweep claim lease that one backoff wait could outlive.
// Params: lease seconds and notify section.
// Returns: error naming the first channel whose max delay reaches the lease.
func validateClaimLease(leaseSec int, cfg NotifyConfig) error {
	leaseMS := leaseSec * 1000
	for _, channel := range []struct {
		path   string
		policy ChannelPolicy
	}{
		{"notify.email", cfg.Email.ChannelPolicy},
		{"notify.sms", cfg.SMS.ChannelPolicy},
		{"notify.telegram", cfg.Telegram.ChannelPolicy},
	} {
		if channel.policy.MaxDelayMS >= leaseMS {
			return fmt.Errorf("service.claim_lease_sec must exceed %s.max_delay_ms", channel.path)
		}
	}
	return nil
}

// validateChannelPolicy checks retry/rate limit bounds and template syntax.
func validateChannelPolicy(path string, policy ChannelPolicy) error {
	if policy.MaxRetries < 0 {
		return fmt.Errorf("%s.max_retries must be >=0", path)
	}
	if policy.BaseDelayMS < 0 || policy.MaxDelayMS < 0 {
		return fmt.Errorf("%s.base_delay_ms and max_delay_ms must be >=0", path)
	}
	if policy.MaxDelayMS > 0 && policy.BaseDelayMS > policy.MaxDelayMS {
		return fmt.Errorf("%s.base_delay_ms must be <= max_delay_ms", path)
	}
	if policy.RateLimit.MaxRequests < 0 || policy.RateLimit.WindowMS < 0 {
		return fmt.Errorf("%s.rate_limit values must be >=0", path)
	}
	if err := validateMessageTemplate(path+".subject_template", policy.SubjectTemplate); err != nil {
		return err
	}
	return validateMessageTemplate(path+".body_template", policy.BodyTemplate)
}

// validateMessageTemplate parses one optional text template.
// Params: field path and template body; empty body keeps built-in template.
// Returns: parse error.
func validateMessageTemplate(path, body string) error {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return nil
	}
	if _, err := templatefmt.ParseMessageTemplate(path, trimmed); err != nil {
		return fmt.Errorf("%s is invalid: %w", path, err)
	}
	return nil
}

// validateUser checks quiet hours, timezone, and digest frequency.
func validateUser(user UserConfig) error {
	if (user.QuietHoursStart == nil) != (user.QuietHoursEnd == nil) {
		return errors.New("quiet_hours_start and quiet_hours_end must be set together")
	}
	if user.QuietHoursStart != nil {
		if *user.QuietHoursStart < 0 || *user.QuietHoursStart > 23 || *user.QuietHoursEnd < 0 || *user.QuietHoursEnd > 23 {
			return errors.New("quiet hours must be within 0..23")
		}
	}
	if tz := strings.TrimSpace(user.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("timezone %q is invalid: %w", tz, err)
		}
	}
	switch domain.DigestFrequency(strings.ToLower(strings.TrimSpace(user.Digest))) {
	case "", domain.DigestImmediate, domain.DigestHourly, domain.DigestDaily:
	default:
		return fmt.Errorf("digest has unsupported value %q", user.Digest)
	}
	return nil
}

// validateAOI checks geometry shape and buffer.
func validateAOI(aoi AOIConfig) error {
	if aoi.BufferMiles < 0 {
		return errors.New("buffer_miles must be >=0")
	}
	switch domain.GeometryType(aoi.Type) {
	case domain.GeometryPolygon:
		return validatePolygon("polygon", aoi.Polygon)
	case domain.GeometryMultiPolygon:
		if len(aoi.MultiPolygon) == 0 {
			return errors.New("multipolygon must contain at least one polygon")
		}
		for i, polygon := range aoi.MultiPolygon {
			if err := validatePolygon(fmt.Sprintf("multipolygon[%d]", i), polygon); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("type has unsupported value %q", aoi.Type)
	}
}

// validatePolygon checks ring sizes and coordinate arity.
func validatePolygon(path string, polygon [][][]float64) error {
	if len(polygon) == 0 {
		return fmt.Errorf("%s must contain at least one ring", path)
	}
	for i, ring := range polygon {
		if len(ring) < 3 {
			return fmt.Errorf("%s[%d] must contain at least 3 positions", path, i)
		}
		for j, position := range ring {
			if len(position) != 2 {
				return fmt.Errorf("%s[%d][%d] must be [lon, lat]", path, i, j)
			}
		}
	}
	return nil
}

// validateRule checks rule references, filter syntax, and channels.
func validateRule(rule RuleConfig, workspaces map[string]WorkspaceConfig, aoiIDs map[string]struct{}) error {
	if strings.TrimSpace(rule.Workspace) == "" {
		return errors.New("workspace is required")
	}
	if _, ok := workspaces[rule.Workspace]; !ok {
		return fmt.Errorf("workspace %q is not declared", rule.Workspace)
	}
	for _, id := range rule.AOIIDs {
		if _, ok := aoiIDs[id]; !ok {
			return fmt.Errorf("aoi %q is not declared", id)
		}
	}
	if strings.TrimSpace(rule.FiledAfter) != "" {
		if _, err := ParseFiledAfter(rule.FiledAfter); err != nil {
			return err
		}
	}
	if len(rule.Channels) == 0 {
		return errors.New("channels must not be empty")
	}
	for _, channel := range rule.Channels {
		if !IsSupportedChannel(channel) {
			return fmt.Errorf("channel %q is not supported", channel)
		}
	}
	return nil
}

// ParseFiledAfter parses rule filed_after as RFC3339 timestamp or YYYY-MM-DD date.
// Params: raw config value.
// Returns: UTC time or parse error.
func ParseFiledAfter(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("filed_after %q must be RFC3339 or YYYY-MM-DD", raw)
	}
	return ts.UTC(), nil
}

// IsSupportedChannel reports whether channel key is a known delivery channel.
func IsSupportedChannel(channel string) bool {
	switch domain.Channel(strings.ToLower(strings.TrimSpace(channel))) {
	case domain.ChannelEmail, domain.ChannelSMS, domain.ChannelInApp, domain.ChannelTelegram:
		return true
	default:
		return false
	}
}

// validateLogSink validates one log sink configuration.
// Params: sink name, sink values, and whether path is required.
// Returns: sink validation error.
func validateLogSink(name string, sink LogSinkConfig, requirePath bool) error {
	if !sink.Enabled {
		return nil
	}

	switch strings.ToLower(strings.TrimSpace(sink.Level)) {
	case "debug", "info", "warn", "error", "panic":
	default:
		return fmt.Errorf("%s.level has unsupported value %q", name, sink.Level)
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format has unsupported value %q", name, sink.Format)
	}

	if requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required", name)
	}

	return nil
}
