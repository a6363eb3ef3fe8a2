package config

import "time"

func Defaults() *Config {
	return &Config{
		Adapter: AdapterConfig{
			AdapterID:               "connectome",
			Type:                    AdapterShell,
			MaxHistoryLimit:         100,
			MaxPaginationIterations: 5,
			MaxMessageLength:        4000,
			ConnectionCheckInterval: 300,
			RetryDelay:              5,
			RequestConcurrency:      3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Caching: CachingConfig{
			MaxMessageAgeHours:         24,
			MaxTotalMessages:           10000,
			MaxMessagesPerConversation: 100,
			CacheMaintenanceInterval:   3600,
		},
		Attachments: AttachmentsConfig{
			StorageDir:           "~/.connectome/attachments",
			IndexPath:            "~/.connectome/attachments.db",
			MaxFileSizeMB:        50,
			LargeFileThresholdMB: 5,
			MaxAgeDays:           30,
			MaxTotalAttachments:  1000,
			CleanupIntervalHours: 24,
		},
		Socket: SocketConfig{
			Host:               "127.0.0.1",
			Port:               8081,
			CORSAllowedOrigins: FlexStringList{"*"},
			EventHistory:       1000,
			RequestBuffer:      100,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
		RateLimit: RateLimitConfig{
			GlobalRPM:          30,
			PerConversationRPM: 10,
			MessageRPM:         20,
		},
		Telegram: TelegramConfig{
			ParseMode: "Markdown",
		},
		Webhook: WebhookConfig{
			Path: "/webhook",
		},
		Shell: ShellConfig{
			UserID:         "local",
			ConversationID: "shell",
		},
	}
}

func (c AdapterConfig) ConnectionCheck() time.Duration {
	return time.Duration(c.ConnectionCheckInterval) * time.Second
}

func (c AdapterConfig) Retry() time.Duration {
	return time.Duration(c.RetryDelay) * time.Second
}

func (c CachingConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxMessageAgeHours) * time.Hour
}

func (c CachingConfig) MaintenanceInterval() time.Duration {
	return time.Duration(c.CacheMaintenanceInterval) * time.Second
}

func (c AttachmentsConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeDays) * 24 * time.Hour
}

func (c AttachmentsConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalHours) * time.Hour
}

func (c AttachmentsConfig) MaxFileSize() int64 {
	return int64(c.MaxFileSizeMB) << 20
}
