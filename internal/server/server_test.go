package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentctl/hub/internal/acceptance"
	"github.com/agentctl/hub/internal/auth"
	"github.com/agentctl/hub/internal/config"
	"github.com/agentctl/hub/internal/core"
	"github.com/agentctl/hub/internal/events"
	"github.com/agentctl/hub/internal/launcher"
	"github.com/agentctl/hub/internal/metrics"
	"github.com/agentctl/hub/internal/sla"
	"github.com/agentctl/hub/internal/store"
	"github.com/agentctl/hub/internal/task"
	"github.com/agentctl/hub/internal/trust"
)

type harness struct {
	srv    *Server
	base   string
	bus    *events.Bus
	tokens map[string]string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	base := t.TempDir()

	cfg := config.Default()
	cfg.Accounts = []core.Account{
		{Name: "alice", Provider: "claude", Skills: []string{"go", "api"}},
		{Name: "bob", Provider: "claude", Skills: []string{"go"}},
	}
	cfg.Delegation.MaxDepth = 3

	tokens := make(map[string]string)
	for _, a := range cfg.Accounts {
		tok, err := auth.EnsureToken(base, a.Name)
		require.NoError(t, err)
		tokens[a.Name] = tok
	}

	bus := events.NewBus()
	msgs, err := store.NewMessageStore(base)
	require.NoError(t, err)
	journal, err := store.NewHandoffJournal(base)
	require.NoError(t, err)
	trustStore, err := trust.NewStore(base)
	require.NoError(t, err)

	engine, err := task.NewEngine(task.Config{
		BaseDir:  base,
		Bus:      bus,
		Messages: msgs,
		Journal:  journal,
		Issuer:   acceptance.NewIssuer([]byte("server-test-secret"), "hub"),
		MaxDepth: cfg.Delegation.MaxDepth,
	})
	require.NoError(t, err)

	reports := sla.NewReportStore(bus)
	srv := New(Deps{
		BaseDir:   base,
		Config:    func() *config.Config { return cfg },
		Reload:    func() (*config.Config, error) { return cfg, nil },
		Bus:       bus,
		Messages:  msgs,
		Journal:   journal,
		Tasks:     engine,
		Reports:   reports,
		Checker:   sla.NewChecker(engine, reports, trustStore),
		Trust:     trustStore,
		Launcher:  launcher.New(launcher.DefaultConfig()),
		Metrics:   metrics.NewMetrics(prometheus.NewRegistry()),
		StartedAt: time.Now(),
	})
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	return &harness{srv: srv, base: base, bus: bus, tokens: tokens}
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
	seq  int
}

func (h *harness) dial(t *testing.T) *testClient {
	t.Helper()
	conn, err := net.Dial("unix", SocketPath(h.base))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) send(fields map[string]any) string {
	c.t.Helper()
	c.seq++
	id := fmt.Sprintf("req-%d", c.seq)
	fields["requestId"] = id
	data, err := json.Marshal(fields)
	require.NoError(c.t, err)
	_, err = c.conn.Write(append(data, '\n'))
	require.NoError(c.t, err)
	return id
}

func (c *testClient) recv() map[string]any {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.r.ReadBytes('\n')
	require.NoError(c.t, err)
	var reply map[string]any
	require.NoError(c.t, json.Unmarshal(line, &reply))
	return reply
}

// recvNothing asserts that no reply arrives within the window.
func (c *testClient) recvNothing() {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, err := c.r.ReadBytes('\n')
	require.Error(c.t, err)
}

func (c *testClient) call(fields map[string]any) map[string]any {
	c.t.Helper()
	id := c.send(fields)
	reply := c.recv()
	assert.Equal(c.t, id, reply["requestId"])
	return reply
}

func (c *testClient) auth(h *harness, account string) {
	c.t.Helper()
	reply := c.call(map[string]any{"type": "auth", "account": account, "token": h.tokens[account]})
	require.Equal(c.t, "auth_ok", reply["type"])
}

func validHandoff(to string) map[string]any {
	return map[string]any{
		"type": "handoff_task",
		"to":   to,
		"payload": map[string]any{
			"goal":                "Implement the parser",
			"acceptance_criteria": []string{"tests pass"},
			"run_commands":        []string{"go test ./..."},
			"blocked_by":          []string{"none"},
			"criticality":         "medium",
		},
	}
}

// ============================================================================
// AUTH GATE
// ============================================================================

func TestPingAllowedPreAuth(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	reply := c.call(map[string]any{"type": "ping"})
	assert.Equal(t, "pong", reply["type"])
}

func TestUnauthenticatedRequestsDroppedSilently(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	c.send(map[string]any{"type": "send_message", "to": "bob", "content": "hi"})
	c.recvNothing()

	// The connection is still alive afterwards.
	reply := c.call(map[string]any{"type": "ping"})
	assert.Equal(t, "pong", reply["type"])
}

func TestInvalidTokenFailsAndCloses(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	reply := c.call(map[string]any{"type": "auth", "account": "alice", "token": "wrong"})
	assert.Equal(t, "auth_fail", reply["type"])

	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := c.r.ReadBytes('\n')
	assert.Error(t, err, "socket should be closed after auth_fail")
}

func TestUnknownAccountFailsAuth(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	reply := c.call(map[string]any{"type": "auth", "account": "mallory", "token": "x"})
	assert.Equal(t, "auth_fail", reply["type"])
}

func TestBroadenedTokenPermsRefused(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.Chmod(auth.TokenPath(h.base, "alice"), 0o644))

	c := h.dial(t)
	reply := c.call(map[string]any{"type": "auth", "account": "alice", "token": h.tokens["alice"]})
	assert.Equal(t, "auth_fail", reply["type"])
}

// ============================================================================
// SUPERSESSION
// ============================================================================

func TestSupersession(t *testing.T) {
	h := newHarness(t)

	var superseded []events.Event
	h.bus.Subscribe(events.AccountSuperseded, func(ev events.Event) { superseded = append(superseded, ev) })

	first := h.dial(t)
	first.auth(h, "alice")

	second := h.dial(t)
	second.auth(h, "alice")

	// First connection receives the terminal notice.
	terminal := first.recv()
	assert.Equal(t, "superseded", terminal["type"])
	require.Len(t, superseded, 1)
	assert.Equal(t, "alice", superseded[0].Subject)

	// The second connection keeps working.
	reply := second.call(map[string]any{"type": "count_unread"})
	assert.Equal(t, "result", reply["type"])
}

func TestReauthReleasesPriorAccount(t *testing.T) {
	h := newHarness(t)

	c := h.dial(t)
	c.auth(h, "alice")
	require.True(t, h.srv.Connected("alice"))

	// Same socket re-authenticates as a different account.
	c.auth(h, "bob")
	assert.False(t, h.srv.Connected("alice"), "old mapping must be released on re-auth")
	assert.True(t, h.srv.Connected("bob"))

	// Closing the socket clears the current mapping, and no stale
	// entry for the first account lingers either.
	c.conn.Close()
	require.Eventually(t, func() bool { return !h.srv.Connected("bob") },
		2*time.Second, 10*time.Millisecond)
	assert.False(t, h.srv.Connected("alice"))
}

// ============================================================================
// MESSAGING
// ============================================================================

func TestMessagePersistsAcrossReconnect(t *testing.T) {
	h := newHarness(t)

	alice := h.dial(t)
	alice.auth(h, "alice")
	reply := alice.call(map[string]any{"type": "send_message", "to": "bob", "content": "hello bob"})
	require.Equal(t, "result", reply["type"])
	assert.Equal(t, false, reply["delivered"])
	assert.Equal(t, true, reply["queued"])

	// Bob connects later, disconnects, reconnects: the message is durable.
	bob := h.dial(t)
	bob.auth(h, "bob")
	bob.conn.Close()

	bob2 := h.dial(t)
	bob2.auth(h, "bob")
	reply = bob2.call(map[string]any{"type": "read_messages"})
	msgs := reply["messages"].([]any)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello bob", msgs[0].(map[string]any)["content"])
}

func TestCountUnreadIsNonDestructive(t *testing.T) {
	h := newHarness(t)

	alice := h.dial(t)
	alice.auth(h, "alice")
	alice.call(map[string]any{"type": "send_message", "to": "bob", "content": "one"})
	alice.call(map[string]any{"type": "send_message", "to": "bob", "content": "two"})

	bob := h.dial(t)
	bob.auth(h, "bob")

	for i := 0; i < 3; i++ {
		reply := bob.call(map[string]any{"type": "count_unread"})
		assert.Equal(t, float64(2), reply["count"], "count must not consume unread state")
	}

	bob.call(map[string]any{"type": "read_messages"})
	reply := bob.call(map[string]any{"type": "count_unread"})
	assert.Equal(t, float64(0), reply["count"])
}

func TestDeliveredFlagWhenRecipientConnected(t *testing.T) {
	h := newHarness(t)

	bob := h.dial(t)
	bob.auth(h, "bob")

	alice := h.dial(t)
	alice.auth(h, "alice")
	reply := alice.call(map[string]any{"type": "send_message", "to": "bob", "content": "hi"})
	assert.Equal(t, true, reply["delivered"])
	assert.Equal(t, false, reply["queued"])
}

// ============================================================================
// HANDOFF LIFECYCLE (END TO END)
// ============================================================================

func TestHandoffLifecycleEndToEnd(t *testing.T) {
	h := newHarness(t)

	alice := h.dial(t)
	alice.auth(h, "alice")

	reply := alice.call(validHandoff("bob"))
	require.Equal(t, "result", reply["type"])
	handoffID := reply["handoffId"].(string)
	taskID := reply["taskId"].(string)
	require.NotEmpty(t, handoffID)
	require.NotEmpty(t, taskID)
	assert.Equal(t, true, reply["queued"])

	bob := h.dial(t)
	bob.auth(h, "bob")

	reply = bob.call(map[string]any{"type": "handoff_accept", "handoffId": handoffID})
	require.Equal(t, "result", reply["type"])

	reply = bob.call(map[string]any{"type": "update_task_status", "taskId": taskID, "status": "in_progress"})
	require.Equal(t, "result", reply["type"])

	reply = bob.call(map[string]any{"type": "report_progress", "taskId": taskID,
		"percent": 50.0, "currentStep": "writing tests"})
	require.Equal(t, "result", reply["type"])

	reply = bob.call(map[string]any{"type": "update_task_status", "taskId": taskID, "status": "ready_for_review",
		"workspacePath": "/tmp/ws", "workspaceBranch": "task/parser"})
	require.Equal(t, "result", reply["type"])
	assert.NotEmpty(t, reply["acceptance"])

	reply = alice.call(map[string]any{"type": "update_task_status", "taskId": taskID, "status": "accepted"})
	require.Equal(t, "result", reply["type"])
	receipt := reply["receipt"].(map[string]any)
	assert.Equal(t, taskID, receipt["taskId"])
	assert.Equal(t, "accepted", receipt["verdict"])
	assert.NotEmpty(t, receipt["specHash"])
	assert.NotEmpty(t, receipt["signature"])
	assert.Equal(t, true, receipt["passed"])

	// The verified event landed in the recent ring.
	recent := h.bus.GetRecent(events.RecentFilter{Type: events.TaskVerified})
	require.Len(t, recent, 1)
	assert.Equal(t, taskID, recent[0].Subject)
}

func TestRejectWithoutReasonFails(t *testing.T) {
	h := newHarness(t)

	alice := h.dial(t)
	alice.auth(h, "alice")
	reply := alice.call(validHandoff("bob"))
	taskID := reply["taskId"].(string)

	alice.call(map[string]any{"type": "update_task_status", "taskId": taskID, "status": "in_progress"})
	alice.call(map[string]any{"type": "update_task_status", "taskId": taskID, "status": "ready_for_review"})

	reply = alice.call(map[string]any{"type": "update_task_status", "taskId": taskID, "status": "rejected"})
	require.Equal(t, "error", reply["type"])
	assert.Equal(t, "validation", reply["code"])
}

func TestIllegalTransitionOverWire(t *testing.T) {
	h := newHarness(t)

	alice := h.dial(t)
	alice.auth(h, "alice")
	reply := alice.call(validHandoff("bob"))
	taskID := reply["taskId"].(string)

	reply = alice.call(map[string]any{"type": "update_task_status", "taskId": taskID, "status": "accepted"})
	require.Equal(t, "error", reply["type"])
	assert.Equal(t, "invalid-state-transition", reply["code"])
}

func TestHandoffSanitizationBlockOverWire(t *testing.T) {
	h := newHarness(t)

	alice := h.dial(t)
	alice.auth(h, "alice")

	req := validHandoff("bob")
	req["payload"].(map[string]any)["run_commands"] = []string{"true; rm -rf /"}
	reply := alice.call(req)
	require.Equal(t, "error", reply["type"])
	assert.Equal(t, "sanitization-block", reply["code"])
}

// ============================================================================
// DISPATCH
// ============================================================================

func TestUnknownTypeReturnsTypedError(t *testing.T) {
	h := newHarness(t)

	c := h.dial(t)
	c.auth(h, "alice")
	reply := c.call(map[string]any{"type": "frobnicate"})
	assert.Equal(t, "error", reply["type"])
	assert.Equal(t, "unknown-type", reply["code"])
}

func TestMalformedLineDoesNotKillConnection(t *testing.T) {
	h := newHarness(t)

	c := h.dial(t)
	c.auth(h, "alice")
	_, err := c.conn.Write([]byte("this is not json\n"))
	require.NoError(t, err)

	reply := c.call(map[string]any{"type": "ping"})
	assert.Equal(t, "pong", reply["type"])
}

func TestOversizedLineClosesConnection(t *testing.T) {
	h := newHarness(t)

	c := h.dial(t)
	c.auth(h, "alice")

	big := make([]byte, 2<<20)
	for i := range big {
		big[i] = 'a'
	}
	c.conn.Write(big)

	c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.r.ReadBytes('\n')
	if err == nil {
		var reply map[string]any
		require.NoError(t, json.Unmarshal(line, &reply))
		assert.Equal(t, "error", reply["type"])
	}
	// Either way, the connection must be closed now.
	_, err = c.r.ReadBytes('\n')
	assert.Error(t, err)
}

// ============================================================================
// ADMIN
// ============================================================================

func TestHealthCheck(t *testing.T) {
	h := newHarness(t)

	c := h.dial(t)
	c.auth(h, "alice")
	c.call(validHandoff("bob"))

	reply := c.call(map[string]any{"type": "health_check"})
	require.Equal(t, "result", reply["type"])
	assert.Contains(t, reply["connectedAccounts"], "alice")
	tasks := reply["tasks"].(map[string]any)
	assert.Equal(t, float64(1), tasks["todo"])
}

func TestConfigReloadPreAuth(t *testing.T) {
	h := newHarness(t)

	c := h.dial(t)
	reply := c.call(map[string]any{"type": "config_reload"})
	require.Equal(t, "result", reply["type"])
	assert.Equal(t, true, reply["reloaded"])
	assert.ElementsMatch(t, []any{"alice", "bob"}, reply["accounts"])
}

func TestAdaptiveSLACheckOverWire(t *testing.T) {
	h := newHarness(t)

	c := h.dial(t)
	c.auth(h, "alice")
	reply := c.call(map[string]any{"type": "adaptive_sla_check"})
	require.Equal(t, "result", reply["type"])
	// Fresh tasks yield no recommendations.
	recs, _ := reply["recommendations"].([]any)
	assert.Empty(t, recs)
}

func TestReportProgressRejectsOutOfRangePercent(t *testing.T) {
	h := newHarness(t)

	c := h.dial(t)
	c.auth(h, "bob")

	for _, pct := range []float64{-1, 100.5, 250} {
		reply := c.call(map[string]any{"type": "report_progress", "taskId": "t1", "percent": pct})
		assert.Equal(t, "error", reply["type"])
		assert.Equal(t, "validation", reply["code"])
	}
}

func TestSuggestAssigneeExcludesRequester(t *testing.T) {
	h := newHarness(t)

	c := h.dial(t)
	c.auth(h, "alice")
	reply := c.call(map[string]any{"type": "suggest_assignee", "required_skills": []string{"go"}})
	require.Equal(t, "result", reply["type"])
	candidates := reply["candidates"].([]any)
	require.Len(t, candidates, 1)
	assert.Equal(t, "bob", candidates[0].(map[string]any)["account"])
}
