package model

import "time"

type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueSent       QueueStatus = "sent"
	QueueFailed     QueueStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s QueueStatus) Terminal() bool {
	return s == QueueSent || s == QueueFailed
}

type BillingCategory string

const (
	BillingMarketing      BillingCategory = "marketing"
	BillingUtility        BillingCategory = "utility"
	BillingAuthentication BillingCategory = "authentication"
	BillingService        BillingCategory = "service"
)

const DefaultMaxAttempts = 3

// QueueEntry is one admitted outbound send request.
type QueueEntry struct {
	ID        int64  `json:"id"`
	ChannelID int64  `json:"channelId"`
	ContactID *int64 `json:"contactId,omitempty"`
	MessageID *int64 `json:"messageId,omitempty"`
	Recipient string `json:"recipient"`

	TemplateName     string   `json:"templateName"`
	TemplateLanguage string   `json:"templateLanguage"`
	TemplateParams   []string `json:"templateParams"`
	TemplateCategory string   `json:"templateCategory,omitempty"`

	RequestIP        string `json:"requestIp,omitempty"`
	MaskedCredential string `json:"maskedCredential,omitempty"`
	UserAgent        string `json:"userAgent,omitempty"`

	QueueStatus       QueueStatus     `json:"queueStatus"`
	MessageStatus     *MessageStatus  `json:"messageStatus,omitempty"`
	ProviderMessageID *string         `json:"providerMessageId,omitempty"`
	Billable          bool            `json:"billable"`
	BillingCategory   BillingCategory `json:"billingCategory"`

	Attempts         int        `json:"attempts"`
	MaxAttempts      int        `json:"maxAttempts"`
	ScheduledAt      time.Time  `json:"scheduledAt"`
	NextRetryAt      *time.Time `json:"nextRetryAt,omitempty"`
	DispatchJobID    *string    `json:"dispatchJobId,omitempty"`
	LastDispatchedAt *time.Time `json:"lastDispatchedAt,omitempty"`

	ErrorCode    *string `json:"errorCode,omitempty"`
	ErrorMessage *string `json:"errorMessage,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Due reports whether a pending entry may be claimed at now.
func (e *QueueEntry) Due(now time.Time) bool {
	if e.QueueStatus != QueuePending || e.ScheduledAt.After(now) {
		return false
	}
	return e.NextRetryAt == nil || !e.NextRetryAt.After(now)
}
