package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/agentctl/hub/internal/core"
	"github.com/agentctl/hub/internal/protocol"
	"github.com/agentctl/hub/internal/sla"
	"github.com/agentctl/hub/internal/task"

	"github.com/google/uuid"
)

// handlerFunc produces the result fields for one request, or an error
// that dispatch converts to a typed error reply.
type handlerFunc func(account string, req *protocol.Request) (map[string]any, error)

type router struct {
	srv      *Server
	handlers map[string]handlerFunc
	logger   *log.Logger
}

func newRouter(s *Server) *router {
	r := &router{
		srv:    s,
		logger: log.New(log.Writer(), "[ROUTER] ", log.LstdFlags),
	}
	r.handlers = map[string]handlerFunc{
		protocol.TypeSendMessage:         r.sendMessage,
		protocol.TypeReadMessages:        r.readMessages,
		protocol.TypeCountUnread:         r.countUnread,
		protocol.TypeListAccounts:        r.listAccounts,
		protocol.TypeHandoffTask:         r.handoffTask,
		protocol.TypeHandoffAccept:       r.handoffAccept,
		protocol.TypeUpdateTaskStatus:    r.updateTaskStatus,
		protocol.TypeReportProgress:      r.reportProgress,
		protocol.TypeArchiveMessages:     r.archiveMessages,
		protocol.TypeGetTrust:            r.getTrust,
		protocol.TypeSuggestAssignee:     r.suggestAssignee,
		protocol.TypeAdaptiveSLACheck:    r.adaptiveSLACheck,
		protocol.TypeCheckCircuitBreaker: r.checkCircuitBreaker,
		protocol.TypeReinstateAgent:      r.reinstateAgent,
		protocol.TypeConfigReload:        r.configReload,
		protocol.TypeHealthCheck:         r.healthCheck,
		protocol.TypeSearchKnowledge:     r.searchKnowledge,
	}
	return r
}

// dispatch invokes the handler for req.Type and converts panics and
// coded errors into typed error replies.
func (r *router) dispatch(account string, req *protocol.Request) (reply protocol.Reply) {
	start := time.Now()
	ok := true
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Printf("handler %q panicked: %v", req.Type, rec)
			ok = false
			reply = protocol.NewError(req.RequestID, protocol.CodeInternal, "internal error")
		}
		if m := r.srv.deps.Metrics; m != nil {
			m.RecordRequest(req.Type, ok, time.Since(start).Seconds())
		}
	}()

	h, found := r.handlers[req.Type]
	if !found {
		ok = false
		return protocol.NewError(req.RequestID, protocol.CodeUnknownType,
			fmt.Sprintf("unknown request type %q", req.Type))
	}

	fields, err := h(account, req)
	if err != nil {
		ok = false
		var ce *task.CodedError
		if errors.As(err, &ce) {
			return protocol.NewError(req.RequestID, ce.Code, ce.Msg)
		}
		return protocol.NewError(req.RequestID, protocol.CodeInternal, err.Error())
	}
	return protocol.NewResult(req.RequestID, fields)
}

func decode[T any](req *protocol.Request) (*T, error) {
	var params T
	if err := json.Unmarshal(req.Raw, &params); err != nil {
		return nil, &task.CodedError{Code: protocol.CodeValidation, Msg: fmt.Sprintf("bad parameters: %v", err)}
	}
	return &params, nil
}

// ==== MESSAGING ====

func (r *router) sendMessage(account string, req *protocol.Request) (map[string]any, error) {
	p, err := decode[protocol.SendMessageParams](req)
	if err != nil {
		return nil, err
	}
	if p.To == "" || p.Content == "" {
		return nil, &task.CodedError{Code: protocol.CodeValidation, Msg: "to and content are required"}
	}
	if _, ok := r.srv.deps.Config().Account(p.To); !ok {
		return nil, &task.CodedError{Code: protocol.CodeNotFound, Msg: fmt.Sprintf("unknown account %q", p.To)}
	}

	msg := core.Message{
		ID:        uuid.NewString(),
		From:      account,
		To:        p.To,
		Kind:      core.KindMessage,
		Content:   p.Content,
		Timestamp: time.Now().UTC(),
		Context:   p.Context,
	}
	if err := r.srv.deps.Messages.Append(msg); err != nil {
		return nil, err
	}
	connected := r.srv.Connected(p.To)
	return map[string]any{"delivered": connected, "queued": !connected}, nil
}

func (r *router) readMessages(account string, req *protocol.Request) (map[string]any, error) {
	p, err := decode[protocol.ReadMessagesParams](req)
	if err != nil {
		return nil, err
	}
	msgs := r.srv.deps.Messages.GetAll(account, p.Limit, p.Offset)
	if _, err := r.srv.deps.Messages.MarkAllRead(account); err != nil {
		return nil, err
	}
	return map[string]any{"messages": msgs}, nil
}

func (r *router) countUnread(account string, _ *protocol.Request) (map[string]any, error) {
	return map[string]any{"count": r.srv.deps.Messages.CountUnread(account)}, nil
}

func (r *router) listAccounts(_ string, _ *protocol.Request) (map[string]any, error) {
	cfg := r.srv.deps.Config()
	out := make([]map[string]any, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		out = append(out, map[string]any{
			"name":      a.Name,
			"provider":  a.Provider,
			"label":     a.Label,
			"connected": r.srv.Connected(a.Name),
			"unread":    r.srv.deps.Messages.CountUnread(a.Name),
		})
	}
	return map[string]any{"accounts": out}, nil
}

func (r *router) archiveMessages(account string, req *protocol.Request) (map[string]any, error) {
	p, err := decode[protocol.ArchiveMessagesParams](req)
	if err != nil {
		return nil, err
	}
	archived, err := r.srv.deps.Messages.ArchiveOlderThan(account, p.OlderThanDays)
	if err != nil {
		return nil, err
	}
	for _, m := range archived {
		if m.Kind != core.KindHandoff {
			continue
		}
		if err := r.srv.deps.Journal.Archive(m.ID); err != nil {
			r.logger.Printf("journal archive %s: %v", m.ID, err)
		}
	}
	return map[string]any{"archived": len(archived)}, nil
}

// ==== HANDOFFS & TASKS ====

func (r *router) handoffTask(account string, req *protocol.Request) (map[string]any, error) {
	p, err := decode[protocol.HandoffTaskParams](req)
	if err != nil {
		return nil, err
	}
	if _, ok := r.srv.deps.Config().Account(p.To); !ok {
		return nil, &task.CodedError{Code: protocol.CodeNotFound, Msg: fmt.Sprintf("unknown account %q", p.To)}
	}

	res, err := r.srv.deps.Tasks.Handoff(account, p.To, p.Payload, p.Context)
	if err != nil {
		return nil, err
	}

	connected := r.srv.Connected(p.To)
	fields := map[string]any{
		"handoffId": res.HandoffID,
		"taskId":    res.TaskID,
		"delivered": connected,
		"queued":    !connected,
	}
	if len(res.Warnings) > 0 {
		fields["warnings"] = res.Warnings
	}

	// A queued handoff is a launch candidate for the target's agent.
	if !connected && r.srv.deps.Launcher != nil {
		decision := r.srv.deps.Launcher.CanLaunch(account, p.To)
		if decision.Allowed {
			r.srv.deps.Launcher.RecordSpawn(p.To)
		} else if m := r.srv.deps.Metrics; m != nil {
			m.SpawnsDenied.WithLabelValues(decision.Reason).Inc()
		}
		fields["autoLaunch"] = decision
	}
	return fields, nil
}

func (r *router) handoffAccept(account string, req *protocol.Request) (map[string]any, error) {
	p, err := decode[protocol.HandoffAcceptParams](req)
	if err != nil {
		return nil, err
	}
	t, err := r.srv.deps.Tasks.Accept(p.HandoffID, account)
	if err != nil {
		return nil, err
	}
	return map[string]any{"task": t}, nil
}

var statusByName = map[string]core.TaskStatus{
	string(core.StatusTodo):           core.StatusTodo,
	string(core.StatusInProgress):     core.StatusInProgress,
	string(core.StatusReadyForReview): core.StatusReadyForReview,
	string(core.StatusAccepted):       core.StatusAccepted,
	string(core.StatusRejected):       core.StatusRejected,
}

func (r *router) updateTaskStatus(account string, req *protocol.Request) (map[string]any, error) {
	p, err := decode[protocol.UpdateTaskStatusParams](req)
	if err != nil {
		return nil, err
	}
	status, ok := statusByName[p.Status]
	if !ok {
		return nil, &task.CodedError{Code: protocol.CodeValidation, Msg: fmt.Sprintf("unknown status %q", p.Status)}
	}

	var ws *core.Workspace
	if p.WorkspacePath != "" || p.WorkspaceBranch != "" || p.WorkspaceID != "" {
		ws = &core.Workspace{Path: p.WorkspacePath, Branch: p.WorkspaceBranch, ID: p.WorkspaceID}
	}

	res, err := r.srv.deps.Tasks.UpdateStatus(context.Background(), p.TaskID, status, p.Reason, ws, account)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{"task": res.Task}
	if res.Acceptance != "" {
		fields["acceptance"] = res.Acceptance
	}
	if res.Receipt != nil {
		fields["receipt"] = res.Receipt
	}
	return fields, nil
}

func (r *router) reportProgress(account string, req *protocol.Request) (map[string]any, error) {
	p, err := decode[protocol.ReportProgressParams](req)
	if err != nil {
		return nil, err
	}
	if p.Percent < 0 || p.Percent > 100 {
		return nil, &task.CodedError{Code: protocol.CodeValidation, Msg: fmt.Sprintf("percent must be within [0, 100], got %v", p.Percent)}
	}
	if _, ok := r.srv.deps.Tasks.Get(p.TaskID); !ok {
		return nil, &task.CodedError{Code: protocol.CodeNotFound, Msg: fmt.Sprintf("task %s not found", p.TaskID)}
	}
	r.srv.deps.Reports.Record(core.ProgressReport{
		TaskID:                    p.TaskID,
		Agent:                     account,
		Percent:                   p.Percent,
		CurrentStep:               p.CurrentStep,
		Blockers:                  p.Blockers,
		EstimatedRemainingMinutes: p.EstimatedRemainingMinutes,
		ArtifactsProduced:         p.ArtifactsProduced,
	})
	return map[string]any{"recorded": true}, nil
}

// ==== TRUST & SLA ====

func (r *router) getTrust(account string, req *protocol.Request) (map[string]any, error) {
	p, err := decode[protocol.GetTrustParams](req)
	if err != nil {
		return nil, err
	}
	target := p.Account
	if target == "" {
		target = account
	}
	return map[string]any{"reputation": r.srv.deps.Trust.Get(target)}, nil
}

func (r *router) suggestAssignee(account string, req *protocol.Request) (map[string]any, error) {
	p, err := decode[protocol.SuggestAssigneeParams](req)
	if err != nil {
		return nil, err
	}
	// The requester never delegates to itself through suggestion.
	exclude := append([]string{account}, p.Exclude...)
	candidates := r.srv.deps.Trust.Suggest(p.RequiredSkills, exclude, r.srv.deps.Config().Accounts)
	return map[string]any{"candidates": candidates}, nil
}

func (r *router) adaptiveSLACheck(_ string, _ *protocol.Request) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), sla.DefaultCheckDeadline)
	defer cancel()

	recs, err := r.srv.deps.Checker.Check(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &task.CodedError{Code: protocol.CodeTimeout, Msg: "scan deadline exceeded"}
		}
		return nil, err
	}
	for _, rec := range recs {
		if rec.Action == sla.ActionEscalate {
			r.srv.deps.Tasks.MarkEscalated(rec.TaskID)
		}
	}
	return map[string]any{"recommendations": recs}, nil
}

// ==== LAUNCHER ====

func (r *router) checkCircuitBreaker(_ string, req *protocol.Request) (map[string]any, error) {
	p, err := decode[protocol.CheckCircuitBreakerParams](req)
	if err != nil {
		return nil, err
	}
	return map[string]any{"breaker": r.srv.deps.Launcher.State(p.Target)}, nil
}

func (r *router) reinstateAgent(_ string, req *protocol.Request) (map[string]any, error) {
	p, err := decode[protocol.ReinstateAgentParams](req)
	if err != nil {
		return nil, err
	}
	r.srv.deps.Launcher.Reinstate(p.Target)
	if err := r.srv.deps.Trust.Reinstate(p.Target); err != nil {
		return nil, err
	}
	return map[string]any{"reinstated": true}, nil
}

// ==== ADMIN ====

func (r *router) configReload(_ string, _ *protocol.Request) (map[string]any, error) {
	cfg, err := r.srv.deps.Reload()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		names = append(names, a.Name)
	}
	return map[string]any{"reloaded": true, "accounts": names}, nil
}

func (r *router) healthCheck(_ string, _ *protocol.Request) (map[string]any, error) {
	counts := r.srv.deps.Tasks.CountByStatus()
	tasks := make(map[string]int, len(counts))
	for status, n := range counts {
		tasks[string(status)] = n
	}
	return map[string]any{
		"uptime":            time.Since(r.srv.deps.StartedAt).Seconds(),
		"connectedAccounts": r.srv.ConnectedAccounts(),
		"tasks":             tasks,
		"eventRing":         r.srv.deps.Bus.RingSize(),
	}, nil
}

func (r *router) searchKnowledge(_ string, req *protocol.Request) (map[string]any, error) {
	p, err := decode[protocol.SearchKnowledgeParams](req)
	if err != nil {
		return nil, err
	}
	if r.srv.deps.Knowledge == nil {
		return map[string]any{"entries": []any{}}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), sla.DefaultCheckDeadline)
	defer cancel()
	entries, err := r.srv.deps.Knowledge.Search(ctx, p.Query, p.Category, p.Limit)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries}, nil
}
