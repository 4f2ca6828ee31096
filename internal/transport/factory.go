package transport

import (
	"log/slog"

	"permitalert/internal/config"
	"permitalert/internal/domain"
	"permitalert/internal/notify"
)

// ForEmail selects email transport by provider.
// Params: email notifier config and logger.
// Returns: transport, or nil when channel is disabled.
func ForEmail(cfg config.EmailNotifier, logger *slog.Logger) notify.Transport {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Provider == config.ProviderBrevo {
		return NewBrevoEmail(cfg, logger)
	}
	return NewLogTransport(string(domain.ChannelEmail), logger)
}

// ForSMS selects SMS transport by provider.
// Params: SMS notifier config and logger.
// Returns: transport, or nil when channel is disabled.
func ForSMS(cfg config.SMSNotifier, logger *slog.Logger) notify.Transport {
	if !cfg.Enabled {
		return nil
	}
	if cfg.Provider == config.ProviderWebhook {
		return NewWebhookSMS(cfg, logger)
	}
	return NewLogTransport(string(domain.ChannelSMS), logger)
}

// ForTelegram builds Telegram transport.
// Params: Telegram notifier config.
// Returns: transport, or nil when channel is disabled.
func ForTelegram(cfg config.TelegramNotifier) notify.Transport {
	if !cfg.Enabled {
		return nil
	}
	return NewTelegram(cfg)
}
