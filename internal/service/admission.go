package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/LeventeLantos/whatsapp-delivery/internal/model"
	"github.com/LeventeLantos/whatsapp-delivery/internal/repo"
)

const defaultLanguage = "en_US"

var (
	msisdnPattern       = regexp.MustCompile(`^\+?[0-9]{7,15}$`)
	templateNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,512}$`)
)

// SendRequest is a template send as accepted from API callers.
type SendRequest struct {
	ChannelID        int64      `json:"channelId" validate:"required,gt=0"`
	Recipient        string     `json:"recipient" validate:"required,msisdn"`
	TemplateName     string     `json:"templateName" validate:"required,template_name"`
	TemplateLanguage string     `json:"templateLanguage" validate:"omitempty,max=16"`
	TemplateCategory string     `json:"templateCategory" validate:"omitempty,oneof=marketing utility authentication service"`
	Params           []string   `json:"params" validate:"max=50,dive,max=1024"`
	ContactID        *int64     `json:"contactId,omitempty" validate:"omitempty,gt=0"`
	ScheduledAt      *time.Time `json:"scheduledAt,omitempty"`
	MaxAttempts      int        `json:"maxAttempts,omitempty" validate:"omitempty,min=1,max=10"`
}

// Provenance describes who submitted a request.
type Provenance struct {
	IP         string
	Credential string
	UserAgent  string
}

type Admission struct {
	queue       repo.QueueRepository
	validate    *validator.Validate
	maxAttempts int
	now         func() time.Time
	log         *slog.Logger
}

func NewAdmission(queue repo.QueueRepository, defaultMaxAttempts int, log *slog.Logger) *Admission {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = model.DefaultMaxAttempts
	}
	if log == nil {
		log = slog.Default()
	}
	return &Admission{
		queue:       queue,
		validate:    newValidator(),
		maxAttempts: defaultMaxAttempts,
		now:         func() time.Time { return time.Now().UTC() },
		log:         log,
	}
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("msisdn", func(fl validator.FieldLevel) bool {
		return msisdnPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("template_name", func(fl validator.FieldLevel) bool {
		return templateNamePattern.MatchString(fl.Field().String())
	})
	return v
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "msisdn":
		return "must be a phone number of 7 to 15 digits"
	case "template_name":
		return "must match [a-z0-9_]{1,512}"
	case "oneof":
		return "must be one of " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	default:
		return "is invalid"
	}
}

func normalize(req *SendRequest) {
	req.Recipient = strings.TrimSpace(req.Recipient)
	req.TemplateName = strings.TrimSpace(req.TemplateName)
	req.TemplateLanguage = strings.TrimSpace(req.TemplateLanguage)
	req.TemplateCategory = strings.ToLower(strings.TrimSpace(req.TemplateCategory))
}

// Classify maps a template category to its billing flag and category.
// Unset categories bill as utility.
func Classify(category string) (bool, model.BillingCategory) {
	switch model.BillingCategory(category) {
	case model.BillingMarketing, model.BillingAuthentication, model.BillingUtility:
		return true, model.BillingCategory(category)
	case model.BillingService:
		return false, model.BillingService
	default:
		return true, model.BillingUtility
	}
}

// MaskCredential keeps the first and last four characters. Credentials
// too short to keep both ends are masked entirely.
func MaskCredential(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// Admit validates req and stores it as a pending queue entry. It never
// contacts the provider. Validation failures return *model.ValidationError
// and persist nothing.
func (a *Admission) Admit(ctx context.Context, req SendRequest, prov Provenance) (int64, error) {
	normalize(&req)

	if err := a.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return 0, &model.ValidationError{Field: fe.Field(), Reason: reasonFor(fe)}
		}
		return 0, &model.ValidationError{Reason: err.Error()}
	}

	now := a.now()
	billable, billing := Classify(req.TemplateCategory)

	e := &model.QueueEntry{
		ChannelID:        req.ChannelID,
		ContactID:        req.ContactID,
		Recipient:        req.Recipient,
		TemplateName:     req.TemplateName,
		TemplateLanguage: req.TemplateLanguage,
		TemplateParams:   append([]string{}, req.Params...),
		TemplateCategory: req.TemplateCategory,
		RequestIP:        prov.IP,
		MaskedCredential: MaskCredential(prov.Credential),
		UserAgent:        prov.UserAgent,
		QueueStatus:      model.QueuePending,
		Billable:         billable,
		BillingCategory:  billing,
		MaxAttempts:      req.MaxAttempts,
		ScheduledAt:      now,
		CreatedAt:        now,
	}
	if e.TemplateLanguage == "" {
		e.TemplateLanguage = defaultLanguage
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = a.maxAttempts
	}
	if req.ScheduledAt != nil {
		e.ScheduledAt = req.ScheduledAt.UTC()
	}

	id, err := a.queue.InsertEntry(ctx, e)
	if err != nil {
		return 0, fmt.Errorf("admit: %w", err)
	}

	a.log.Info("queue entry admitted",
		"entry_id", id,
		"channel_id", e.ChannelID,
		"template", e.TemplateName,
		"billing_category", e.BillingCategory,
	)
	return id, nil
}
