package domain

import "time"

// Channel identifies one delivery channel.
type Channel string

const (
	// ChannelEmail sends through email provider.
	ChannelEmail Channel = "email"
	// ChannelSMS sends through SMS provider.
	ChannelSMS Channel = "sms"
	// ChannelInApp publishes to in-app feed.
	ChannelInApp Channel = "in_app"
	// ChannelTelegram sends through Telegram bot.
	ChannelTelegram Channel = "telegram"
)

// NotificationStatus is delivery lifecycle state of one notification.
type NotificationStatus string

const (
	// StatusPending means notification is created but not attempted.
	StatusPending NotificationStatus = "pending"
	// StatusProcessing means notification is claimed by one sweep.
	StatusProcessing NotificationStatus = "processing"
	// StatusDelivered means transport accepted the message.
	StatusDelivered NotificationStatus = "delivered"
	// StatusFailed means the last attempt failed.
	StatusFailed NotificationStatus = "failed"
	// StatusDeferred means delivery was postponed until RetryAfter.
	StatusDeferred NotificationStatus = "deferred"
)

// DigestFrequency controls whether events are batched per user.
type DigestFrequency string

const (
	// DigestImmediate dispatches each event as it arrives.
	DigestImmediate DigestFrequency = "immediate"
	// DigestHourly buffers events for one hour.
	DigestHourly DigestFrequency = "hourly"
	// DigestDaily buffers events for one day.
	DigestDaily DigestFrequency = "daily"
)

// Metadata keys written on alert events.
const (
	MetaRuleIDs         = "rule_ids"
	MetaRuleNames       = "rule_names"
	MetaPermitNumber    = "permit_number"
	MetaCounty          = "county"
	MetaOperatorID      = "operator_id"
	MetaCriteria        = "criteria"
	MetaDigestCount     = "digest_count"
	MetaDigestFrequency = "digest_frequency"
	MetaEventIDs        = "event_ids"
	MetaPermitIDs       = "permit_ids"
)

// MatchDetails is per-criterion breakdown of one evaluation.
type MatchDetails struct {
	AOI       bool `json:"aoi_match"`
	Operator  bool `json:"operator_match"`
	County    bool `json:"county_match"`
	Status    bool `json:"status_match"`
	Type      bool `json:"type_match"`
	Date      bool `json:"date_match"`
	Watchlist bool `json:"watchlist_match"`
}

// MatchedRule is one positive rule evaluation.
// Params: rule, permit, per-criterion details, and evaluation time.
// Returns: matcher output value owned by caller.
type MatchedRule struct {
	Rule      AlertRule    `json:"rule"`
	Permit    CleanPermit  `json:"permit"`
	Details   MatchDetails `json:"details"`
	MatchedAt time.Time    `json:"matched_at"`
}

// AlertEvent is one user-facing alert built from matched rules.
type AlertEvent struct {
	ID          string            `json:"id"`
	RuleID      string            `json:"rule_id"`
	PermitID    string            `json:"permit_id"`
	WorkspaceID string            `json:"workspace_id"`
	UserID      string            `json:"user_id"`
	Channels    []Channel         `json:"channels"`
	CreatedAt   time.Time         `json:"created_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// HasChannel reports whether event requests channel.
// Params: channel to look up.
// Returns: true when channel is listed on event.
func (e AlertEvent) HasChannel(channel Channel) bool {
	for _, c := range e.Channels {
		if c == channel {
			return true
		}
	}
	return false
}

// Notification is one per-channel delivery record.
// Params: event copy is stored inline so retries never reconstruct it from metadata.
// Returns: mutable delivery state persisted by notification store.
type Notification struct {
	ID            string             `json:"id"`
	EventID       string             `json:"event_id"`
	UserID        string             `json:"user_id"`
	Channel       Channel            `json:"channel"`
	Status        NotificationStatus `json:"status"`
	Attempts      int                `json:"attempts"`
	LastAttemptAt *time.Time         `json:"last_attempt_at,omitempty"`
	DeliveredAt   *time.Time         `json:"delivered_at,omitempty"`
	RetryAfter    *time.Time         `json:"retry_after,omitempty"`
	Terminal      bool               `json:"terminal"`
	Error         string             `json:"error,omitempty"`
	Event         AlertEvent         `json:"event"`
	Metadata      map[string]string  `json:"metadata,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

// Retryable reports whether sweep may pick this notification at now.
// A processing record holds its claim lease in RetryAfter; once the lease
// passes, the claiming sweep is presumed dead and the record is retryable again.
// Params: current time.
// Returns: true for non-terminal deferred/failed/expired-processing records whose RetryAfter passed.
func (n Notification) Retryable(now time.Time) bool {
	if n.Terminal {
		return false
	}
	switch n.Status {
	case StatusDeferred, StatusFailed, StatusProcessing:
	default:
		return false
	}
	if n.RetryAfter != nil && n.RetryAfter.After(now) {
		return false
	}
	return true
}

// NotificationPreferences holds per-user delivery settings.
type NotificationPreferences struct {
	UserID          string          `json:"user_id"`
	Timezone        string          `json:"timezone,omitempty"`
	QuietHoursStart *int            `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd   *int            `json:"quiet_hours_end,omitempty"`
	EmailEnabled    bool            `json:"email_enabled"`
	EmailAddress    string          `json:"email_address,omitempty"`
	SMSEnabled      bool            `json:"sms_enabled"`
	PhoneNumber     string          `json:"phone_number,omitempty"`
	InAppEnabled    bool            `json:"in_app_enabled"`
	TelegramEnabled bool            `json:"telegram_enabled"`
	TelegramChatID  string          `json:"telegram_chat_id,omitempty"`
	DigestFrequency DigestFrequency `json:"digest_frequency"`
}

// DeliveryResult is outcome of one worker attempt.
// Params: Terminal marks failures that sweep must not retry; Attempted marks a transport call.
// Returns: typed result; expected conditions never surface as Go errors.
type DeliveryResult struct {
	Success    bool               `json:"success"`
	Status     NotificationStatus `json:"status"`
	Error      string             `json:"error,omitempty"`
	RetryAfter *time.Time         `json:"retry_after,omitempty"`
	Terminal   bool               `json:"terminal,omitempty"`
	Attempted  bool               `json:"attempted,omitempty"`
	Metadata   map[string]string  `json:"metadata,omitempty"`
}
