package config_handler

import (
	"context"

	"courier/internal/logger"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/models"
)

type ConfigReloader interface {
	ReloadRules(ctx context.Context) error
}

// Handler reloads routing rules when another instance announces a change
// on the config update topic.
type Handler struct {
	expectedEventType string
	expectedScope     string
	reloader          ConfigReloader
	logger            logger.Logger
}

func NewHandler(expectedEventType, expectedScope string, log logger.Logger) *Handler {
	if log == nil {
		log = logger.NopLogger()
	}
	return &Handler{
		expectedEventType: expectedEventType,
		expectedScope:     expectedScope,
		logger:            log,
	}
}

func NewHandlerWithReloader(expectedEventType, expectedScope string, reloader ConfigReloader, log logger.Logger) *Handler {
	return NewHandler(expectedEventType, expectedScope, log).WithReloader(reloader)
}

// NewRoutingHandler reacts to routing rule changes.
func NewRoutingHandler(reloader ConfigReloader, log logger.Logger) *Handler {
	return NewHandlerWithReloader(models.EventTypeRoutingRulesUpdated, models.ScopeRouting, reloader, log)
}

func (h *Handler) WithReloader(reloader ConfigReloader) *Handler {
	h.reloader = reloader
	return h
}

// HandleConfigUpdateEvent ignores events of other types and scopes. A
// payload that does not decode is fatal so the consumer does not retry it.
func (h *Handler) HandleConfigUpdateEvent(ctx context.Context, envelope models.Envelope) error {
	var event models.ConfigUpdateEvent
	if len(envelope.Payload) > 0 {
		if err := models.Unmarshal(envelope.Payload, &event); err != nil {
			h.logger.ErrorwCtx(ctx, "Failed to unmarshal config event", "error", err, "id", envelope.ID)
			return pkgerrors.ErrValidation.WithCause(err).WithMessage("malformed config update event")
		}
	}

	eventType := event.EventType
	if eventType == "" {
		eventType = envelope.Type
	}
	if eventType == "" {
		h.logger.WarnwCtx(ctx, "Config event missing event_type", "id", envelope.ID)
		return nil
	}
	if eventType != h.expectedEventType {
		return nil
	}

	scope := event.Scope
	if scope == "" {
		scope, _ = envelope.Attributes["scope"].(string)
	}
	if h.expectedScope != "" && scope != h.expectedScope {
		return nil
	}

	h.logger.InfowCtx(ctx, "Received config update event",
		"event_type", eventType,
		"action", event.Action,
		"rule_id", event.RuleID,
		"changed_by", event.ChangedBy,
	)

	if h.reloader == nil {
		return nil
	}
	if err := h.reloader.ReloadRules(ctx); err != nil {
		h.logger.ErrorwCtx(ctx, "Failed to reload rules after config update", "error", err)
		return err
	}
	h.logger.InfowCtx(ctx, "Rules reloaded successfully after config update", "action", event.Action)
	return nil
}
