package messaging

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/telecare/relay/internal/domain/presence"
	"github.com/telecare/relay/internal/platform/apperror"
	"github.com/telecare/relay/internal/platform/auth"
	"github.com/telecare/relay/internal/platform/metrics"
	"github.com/telecare/relay/internal/platform/protocol"
)

// Relay validates, persists and routes message send and read intents.
type Relay struct {
	store       Store
	router      Router
	notifier    Notifier
	accounts    auth.Directory
	notifyRoles map[string]bool
	validate    *validator.Validate
	logger      zerolog.Logger
	now         func() time.Time
}

func NewRelay(store Store, router Router, notifier Notifier, accounts auth.Directory, notifyRoles []string, logger zerolog.Logger) *Relay {
	return &Relay{
		store:       store,
		router:      router,
		notifier:    notifier,
		accounts:    accounts,
		notifyRoles: lo.SliceToMap(notifyRoles, func(r string) (string, bool) { return r, true }),
		validate:    newValidator(),
		logger:      logger.With().Str("component", "relay").Logger(),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidatePayload checks a decoded inbound payload against its struct tags.
func (r *Relay) ValidatePayload(payload interface{}) error {
	return validationError(r.validate.Struct(payload))
}

func validationError(err error) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperror.Validation(err.Error())
	}
	msgs := lo.Map(verrs, func(fe validator.FieldError, _ int) string {
		switch fe.Tag() {
		case "required":
			return fe.Field() + " is required"
		case "max":
			return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
		case "uuid":
			return fe.Field() + " must be a UUID"
		default:
			return fe.Field() + " is invalid"
		}
	})
	return apperror.Validation(strings.Join(msgs, "; "))
}

// Send persists a message and pushes it to the recipient's live connection
// if there is one. A recipient who is offline gets nothing pushed; the
// message stays in the store.
func (r *Relay) Send(ctx context.Context, senderID string, req protocol.SendMessageRequest) (*Message, error) {
	req.RecipientID = strings.TrimSpace(req.RecipientID)
	if strings.TrimSpace(req.Content) == "" {
		req.Content = ""
	}
	if err := r.ValidatePayload(req); err != nil {
		return nil, err
	}

	m := &Message{
		SenderID:    senderID,
		RecipientID: req.RecipientID,
		Content:     req.Content,
		Subject:     req.Subject,
	}
	if err := r.store.Create(ctx, m); err != nil {
		metrics.StoreErrors.WithLabelValues("create").Inc()
		r.logger.Error().Err(err).Str("sender_id", senderID).Msg("persist message failed")
		return nil, apperror.Persistence("could not save message", err)
	}
	metrics.MessagesPersisted.Inc()

	if r.router.DeliverToUser(m.RecipientID, protocol.MustNew(protocol.EventMessageReceived, m.ToWire())) {
		r.logger.Debug().Str("message_id", m.ID).Msg("message delivered live")
	} else {
		r.logger.Debug().Str("message_id", m.ID).Str("recipient_id", m.RecipientID).Msg("recipient offline, no live delivery")
	}

	room := presence.UserRoom(m.RecipientID)
	if r.router.SubscriberCount(room) > 0 {
		r.router.PublishToRoom(room, protocol.MustNew(protocol.EventMessageNew, m.Summary()))
	}

	r.notifyRecipient(ctx, m)
	return m, nil
}

func (r *Relay) notifyRecipient(ctx context.Context, m *Message) {
	if r.notifier == nil || r.accounts == nil {
		return
	}
	recipient, err := r.accounts.GetAccount(ctx, m.RecipientID)
	if err != nil {
		if !errors.Is(err, auth.ErrAccountNotFound) {
			r.logger.Warn().Err(err).Str("recipient_id", m.RecipientID).Msg("recipient lookup failed, skipping notification")
		}
		return
	}
	if !r.notifyRoles[recipient.Role] {
		return
	}

	from := m.SenderID
	if sender, err := r.accounts.GetAccount(ctx, m.SenderID); err == nil && sender.DisplayName != "" {
		from = sender.DisplayName
	}
	body := m.Subject
	if body == "" {
		body = Preview(m.Content)
	}
	r.notifier.Notify(ctx, m.RecipientID, "New message from "+from, body)
}

// MarkRead flips the read receipt. Only the recipient may mark a message
// read; repeating the call succeeds without notifying the sender again.
func (r *Relay) MarkRead(ctx context.Context, readerID, messageID string) (*Message, error) {
	if err := r.ValidatePayload(protocol.ReadMessageRequest{MessageID: messageID}); err != nil {
		return nil, err
	}

	m, err := r.store.Get(ctx, messageID)
	switch {
	case errors.Is(err, ErrMessageNotFound):
		return nil, apperror.NotFound("message not found")
	case err != nil:
		metrics.StoreErrors.WithLabelValues("get").Inc()
		return nil, apperror.Persistence("could not load message", err)
	}
	if m.RecipientID != readerID {
		return nil, apperror.Authorization("only the recipient can mark a message as read")
	}
	if m.ReadReceipt {
		return m, nil
	}

	m, transitioned, err := r.store.MarkRead(ctx, messageID, r.now())
	switch {
	case errors.Is(err, ErrMessageNotFound):
		return nil, apperror.NotFound("message not found")
	case err != nil:
		metrics.StoreErrors.WithLabelValues("mark_read").Inc()
		return nil, apperror.Persistence("could not update message", err)
	}

	if transitioned && m.ReadAt != nil {
		r.router.DeliverToUser(m.SenderID, protocol.MustNew(protocol.EventReadNotification, protocol.ReadNotification{
			MessageID: m.ID,
			ReadBy:    readerID,
			ReadAt:    *m.ReadAt,
		}))
	}
	return m, nil
}
