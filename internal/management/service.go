package management

import (
	"context"
	"slices"

	"github.com/google/uuid"

	"courier/internal/archive"
	"courier/internal/bus"
	"courier/internal/constants"
	"courier/internal/engine"
	"courier/internal/logger"
	"courier/internal/queue"
	"courier/internal/routing"
	"courier/internal/topic"
	pkgerrors "courier/pkg/errors"
	"courier/pkg/models"
)

type service struct {
	engine              Engine
	audit               AuditStore
	configEventProducer *ConfigEventProducer
	logger              logger.Logger
}

type ServiceOption func(*service)

func WithAudit(audit AuditStore) ServiceOption {
	return func(s *service) {
		s.audit = audit
	}
}

func WithConfigEvents(configEventProducer *ConfigEventProducer) ServiceOption {
	return func(s *service) {
		s.configEventProducer = configEventProducer
	}
}

func WithLogger(log logger.Logger) ServiceOption {
	return func(s *service) {
		s.logger = log
	}
}

func NewService(e Engine, opts ...ServiceOption) Service {
	s := &service{
		engine: e,
		logger: logger.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) Publish(ctx context.Context, busName string, req PublishRequest) (bus.BatchPublishResult, error) {
	if len(req.Entries) == 0 || len(req.Entries) > constants.MaxPublishEntries {
		return bus.BatchPublishResult{}, pkgerrors.ErrValidation.
			WithDetail("field", "entries").
			WithMessage("a publish request carries between 1 and 10 entries")
	}
	envs := make([]models.Envelope, len(req.Entries))
	for i, entry := range req.Entries {
		envs[i] = entry.Envelope()
	}
	return s.engine.PublishBatch(ctx, busName, envs)
}

func (s *service) ListBuses(ctx context.Context) []engine.BusInfo {
	return s.engine.Buses()
}

func (s *service) ListRules(ctx context.Context) RuleSetResponse {
	snap := s.engine.Rules().Snapshot()
	return RuleSetResponse{
		Version:  snap.Version(),
		LoadedAt: snap.LoadedAt(),
		Rules:    snap.Rules(),
	}
}

// GetRule reads from the rule database when there is one, so disabled
// rules are visible too.
func (s *service) GetRule(ctx context.Context, id string) (*routing.Rule, error) {
	if w, ok := s.engine.RuleWriter(); ok {
		return w.GetRule(ctx, id)
	}
	for _, rule := range s.engine.Rules().Snapshot().Rules() {
		if rule.ID == id {
			return &rule, nil
		}
	}
	return nil, pkgerrors.ErrNotFound.WithDetail("rule_id", id)
}

func (s *service) writer() (routing.Writer, error) {
	w, ok := s.engine.RuleWriter()
	if !ok {
		return nil, pkgerrors.ErrConflict.WithMessage("rules are declared in the config file and cannot be changed through the API")
	}
	return w, nil
}

func (s *service) CreateRule(ctx context.Context, req RuleRequest) (*routing.Rule, error) {
	w, err := s.writer()
	if err != nil {
		return nil, err
	}
	if err := s.validateRule(req); err != nil {
		return nil, err
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	} else if _, err := w.GetRule(ctx, req.ID); err == nil {
		return nil, pkgerrors.ErrConflict.WithMessage("rule '"+req.ID+"' already exists").WithDetail("rule_id", req.ID)
	} else if !pkgerrors.IsNotFound(err) {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}

	rule := ruleFromRequest(req)
	if err := w.UpsertRule(ctx, rule); err != nil {
		return nil, wrapWriteError(err)
	}

	s.afterRuleChange(ctx, models.ActionCreate, rule.ID, nil, rule)
	return rule, nil
}

func (s *service) UpdateRule(ctx context.Context, id string, req RuleRequest) (*routing.Rule, error) {
	w, err := s.writer()
	if err != nil {
		return nil, err
	}
	if req.ID != "" && req.ID != id {
		return nil, pkgerrors.ErrValidation.WithDetail("field", "id").WithMessage("rule id in the body does not match the path")
	}
	if err := s.validateRule(req); err != nil {
		return nil, err
	}

	old, err := w.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}

	req.ID = id
	rule := ruleFromRequest(req)
	rule.CreatedAt = old.CreatedAt
	if err := w.UpsertRule(ctx, rule); err != nil {
		return nil, wrapWriteError(err)
	}

	s.afterRuleChange(ctx, models.ActionUpdate, id, old, rule)
	return rule, nil
}

func (s *service) DeleteRule(ctx context.Context, id string) error {
	w, err := s.writer()
	if err != nil {
		return err
	}

	old, err := w.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if err := w.DeleteRule(ctx, id); err != nil {
		return wrapWriteError(err)
	}

	s.afterRuleChange(ctx, models.ActionDelete, id, old, nil)
	return nil
}

func (s *service) GetRuleAuditLogs(ctx context.Context, id string, limit int) ([]AuditLogEntry, error) {
	if s.audit == nil {
		return nil, pkgerrors.ErrServiceUnavailable.WithMessage("audit log is not configured")
	}
	entries, err := s.audit.RuleChanges(ctx, id, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrInternal)
	}
	if entries == nil {
		entries = []AuditLogEntry{}
	}
	return entries, nil
}

func (s *service) ReloadRules(ctx context.Context) (ReloadResponse, error) {
	if err := s.engine.ReloadRules(ctx); err != nil {
		return ReloadResponse{}, err
	}
	s.publishConfigEvent(ctx, models.ActionReload, "")

	snap := s.engine.Rules().Snapshot()
	return ReloadResponse{Version: snap.Version(), ActiveRules: snap.ActiveRules()}, nil
}

func (s *service) validateRule(req RuleRequest) error {
	if err := ValidateRule(req, s.engine.Rules().Evaluator()); err != nil {
		return pkgerrors.ErrValidation.WithCause(err).WithMessage(err.Error())
	}
	known := false
	for _, b := range s.engine.Buses() {
		if b.Name == req.Bus {
			known = true
			break
		}
	}
	if !known {
		return pkgerrors.ErrValidation.WithDetail("bus", req.Bus).WithMessage("unknown bus " + req.Bus)
	}
	for _, t := range req.Targets {
		if _, ok := s.engine.Resolve(t); !ok {
			return pkgerrors.ErrValidation.WithDetail("target", t.String()).WithMessage("unknown target " + t.String())
		}
	}
	return nil
}

// afterRuleChange makes the change visible here right away and tells the
// other instances. Neither failure undoes the write: the periodic reload
// converges every instance on the stored rules.
func (s *service) afterRuleChange(ctx context.Context, action, ruleID string, old, updated *routing.Rule) {
	if err := s.engine.ReloadRules(ctx); err != nil {
		s.logger.WarnwCtx(ctx, "Rule reload after change failed", "rule_id", ruleID, "error", err)
	}
	s.recordAudit(ctx, action, ruleID, old, updated)
	s.publishConfigEvent(ctx, action, ruleID)
}

func (s *service) recordAudit(ctx context.Context, action, ruleID string, old, updated *routing.Rule) {
	if s.audit == nil {
		return
	}
	entry := AuditLogEntry{
		RuleID:    ruleID,
		Action:    action,
		OldValue:  old,
		NewValue:  updated,
		ChangedBy: getChangedBy(ctx),
		IPAddress: getClientIP(ctx),
	}
	if err := s.audit.LogRuleChange(ctx, entry); err != nil {
		s.logger.WarnwCtx(ctx, "Failed to write audit log", "rule_id", ruleID, "error", err)
	}
}

func (s *service) publishConfigEvent(ctx context.Context, action, ruleID string) {
	if s.configEventProducer == nil {
		return
	}
	if err := s.configEventProducer.PublishRoutingRuleEvent(ctx, action, ruleID, getChangedBy(ctx)); err != nil {
		s.logger.WarnwCtx(ctx, "Failed to publish config update event", "action", action, "rule_id", ruleID, "error", err)
	}
}

func (s *service) ListQueues(ctx context.Context) []queue.Stats {
	return s.engine.QueueStats()
}

func (s *service) GetQueue(ctx context.Context, name string) (queue.Stats, error) {
	return s.engine.QueueStat(name)
}

func (s *service) ListMessages(ctx context.Context, queueName string, limit int) ([]queue.Message, error) {
	msgs, err := s.engine.ListMessages(queueName, limit)
	if err != nil {
		return nil, err
	}
	if msgs == nil {
		msgs = []queue.Message{}
	}
	return msgs, nil
}

func (s *service) Redrive(ctx context.Context, queueName string, req RedriveRequest) (RedriveResponse, error) {
	moved, err := s.engine.Redrive(ctx, engine.RedriveRequest{
		Queue:      queueName,
		Target:     req.Target,
		MessageIDs: slices.Clone(req.MessageIDs),
	})
	if err != nil {
		return RedriveResponse{}, err
	}
	return RedriveResponse{Queue: queueName, Moved: moved}, nil
}

func (s *service) ListSubscriptions(ctx context.Context, topicName string) ([]topic.SubscriptionInfo, error) {
	return s.engine.Subscriptions(topicName)
}

func (s *service) SetSubscriptionActive(ctx context.Context, topicName, id string, active bool) error {
	return s.engine.SetSubscriptionActive(topicName, id, active)
}

func (s *service) StartReplay(ctx context.Context, req ReplayRequest) (ReplayResponse, error) {
	if req.From.IsZero() {
		return ReplayResponse{}, pkgerrors.ErrValidation.WithDetail("field", "from").WithMessage("from is required")
	}
	id, err := s.engine.StartReplay(ctx, archive.ReplayRequest{
		Bus:       req.Bus,
		From:      req.From,
		To:        req.To,
		TargetBus: req.TargetBus,
	})
	if err != nil {
		return ReplayResponse{}, err
	}
	return ReplayResponse{ID: id}, nil
}

func (s *service) ListReplays(ctx context.Context) ([]archive.ReplayJob, error) {
	return s.engine.ReplayJobs()
}

func (s *service) GetReplay(ctx context.Context, id string) (archive.ReplayJob, error) {
	return s.engine.ReplayJob(id)
}

func (s *service) CancelReplay(ctx context.Context, id string) error {
	return s.engine.CancelReplay(id)
}

func (s *service) ResumeReplay(ctx context.Context, id string) error {
	return s.engine.ResumeReplay(ctx, id)
}

func ruleFromRequest(req RuleRequest) *routing.Rule {
	name := req.Name
	if name == "" {
		name = req.ID
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	return &routing.Rule{
		ID:      req.ID,
		Bus:     req.Bus,
		Name:    name,
		Clauses: req.Clauses,
		Targets: req.Targets,
		Enabled: enabled,
	}
}

func wrapWriteError(err error) error {
	if pkgerrors.IsConflict(err) || pkgerrors.IsNotFound(err) {
		return err
	}
	return pkgerrors.Wrap(err, pkgerrors.ErrInternal)
}

type contextKey string

const (
	changedByKey contextKey = "changed_by"
	clientIPKey  contextKey = "client_ip"
)

func withActor(ctx context.Context, changedBy, clientIP string) context.Context {
	if changedBy != "" {
		ctx = context.WithValue(ctx, changedByKey, changedBy)
	}
	if clientIP != "" {
		ctx = context.WithValue(ctx, clientIPKey, clientIP)
	}
	return ctx
}

func getChangedBy(ctx context.Context) string {
	if v, ok := ctx.Value(changedByKey).(string); ok && v != "" {
		return v
	}
	return "system"
}

func getClientIP(ctx context.Context) string {
	v, _ := ctx.Value(clientIPKey).(string)
	return v
}
