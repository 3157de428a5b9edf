// hubctl is a thin line-protocol client for the hub daemon, used for
// health checks and manual operations.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentctl/hub/internal/auth"
	"github.com/agentctl/hub/internal/config"
	"github.com/agentctl/hub/internal/core"
	"github.com/agentctl/hub/internal/server"
)

const usage = `usage: hubctl [-account NAME] <command> [args]

commands:
  ping                          liveness probe (pre-auth)
  health                        daemon health summary
  reload                        reload daemon config (pre-auth)
  send <to> <content>           send a message
  read                          read own inbox (marks read)
  unread                        count unread messages
  accounts                      list accounts with connection state
  handoff <to> <goal>           hand off a minimal task
  status <taskId> <status> [reason]
  progress <taskId> <percent> <step>
  trust [account]               reputation for an account (default: self)
  suggest <skill> [skill...]    rank assignee candidates
  sla                           run an adaptive SLA scan
  breaker <target>              circuit-breaker state for a target
  reinstate <target>            clear breaker + quarantine for a target
  search <query...>             full-text knowledge search
`

func main() {
	account := flag.String("account", "", "account to authenticate as")
	timeout := flag.Duration("timeout", 5*time.Second, "per-request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	base := config.BaseDir()
	cl, err := dial(base, *timeout)
	if err != nil {
		fatal("connect: %v", err)
	}
	defer cl.close()

	cmd, rest := args[0], args[1:]
	preAuth := cmd == "ping" || cmd == "reload"
	if !preAuth {
		name := *account
		if name == "" {
			name = os.Getenv("AGENTCTL_ACCOUNT")
		}
		if name == "" {
			fatal("command %q needs -account (or AGENTCTL_ACCOUNT)", cmd)
		}
		if err := cl.authenticate(base, name); err != nil {
			fatal("auth: %v", err)
		}
	}

	reply, err := cl.run(cmd, rest)
	if err != nil {
		fatal("%v", err)
	}
	out, _ := json.MarshalIndent(reply, "", "  ")
	fmt.Println(string(out))
	if reply["type"] == "error" {
		os.Exit(1)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "hubctl: "+format+"\n", args...)
	os.Exit(1)
}

type client struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

func dial(base string, timeout time.Duration) (*client, error) {
	conn, err := net.DialTimeout("unix", server.SocketPath(base), timeout)
	if err != nil {
		return nil, err
	}
	return &client{conn: conn, r: bufio.NewReader(conn), timeout: timeout}, nil
}

func (c *client) close() { c.conn.Close() }

func (c *client) call(fields map[string]any) (map[string]any, error) {
	fields["requestId"] = uuid.NewString()
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	c.conn.SetDeadline(time.Now().Add(c.timeout))
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return nil, err
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	var reply map[string]any
	if err := json.Unmarshal(line, &reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *client) authenticate(base, account string) error {
	token, err := os.ReadFile(auth.TokenPath(base, account))
	if err != nil {
		return err
	}
	reply, err := c.call(map[string]any{
		"type": "auth", "account": account,
		"token": strings.TrimSpace(string(token)),
	})
	if err != nil {
		return err
	}
	if reply["type"] != "auth_ok" {
		return fmt.Errorf("%v", reply["error"])
	}
	return nil
}

func (c *client) run(cmd string, args []string) (map[string]any, error) {
	switch cmd {
	case "ping":
		return c.call(map[string]any{"type": "ping"})
	case "health":
		return c.call(map[string]any{"type": "health_check"})
	case "reload":
		return c.call(map[string]any{"type": "config_reload"})
	case "unread":
		return c.call(map[string]any{"type": "count_unread"})
	case "read":
		return c.call(map[string]any{"type": "read_messages"})
	case "accounts":
		return c.call(map[string]any{"type": "list_accounts"})
	case "sla":
		return c.call(map[string]any{"type": "adaptive_sla_check"})

	case "send":
		if len(args) < 2 {
			return nil, fmt.Errorf("send needs <to> <content>")
		}
		return c.call(map[string]any{
			"type": "send_message", "to": args[0],
			"content": strings.Join(args[1:], " "),
		})

	case "handoff":
		if len(args) < 2 {
			return nil, fmt.Errorf("handoff needs <to> <goal>")
		}
		payload := core.HandoffPayload{
			Goal:               strings.Join(args[1:], " "),
			AcceptanceCriteria: []string{"delegator confirms the result"},
			RunCommands:        []string{"true"},
			BlockedBy:          []string{"none"},
		}
		return c.call(map[string]any{"type": "handoff_task", "to": args[0], "payload": payload})

	case "status":
		if len(args) < 2 {
			return nil, fmt.Errorf("status needs <taskId> <status> [reason]")
		}
		req := map[string]any{"type": "update_task_status", "taskId": args[0], "status": args[1]}
		if len(args) > 2 {
			req["reason"] = strings.Join(args[2:], " ")
		}
		return c.call(req)

	case "progress":
		if len(args) < 3 {
			return nil, fmt.Errorf("progress needs <taskId> <percent> <step>")
		}
		var percent float64
		if _, err := fmt.Sscanf(args[1], "%f", &percent); err != nil {
			return nil, fmt.Errorf("bad percent %q", args[1])
		}
		return c.call(map[string]any{
			"type": "report_progress", "taskId": args[0],
			"percent": percent, "currentStep": strings.Join(args[2:], " "),
		})

	case "trust":
		req := map[string]any{"type": "get_trust"}
		if len(args) > 0 {
			req["account"] = args[0]
		}
		return c.call(req)

	case "suggest":
		return c.call(map[string]any{"type": "suggest_assignee", "required_skills": args})

	case "breaker":
		if len(args) != 1 {
			return nil, fmt.Errorf("breaker needs <target>")
		}
		return c.call(map[string]any{"type": "check_circuit_breaker", "target": args[0]})

	case "reinstate":
		if len(args) != 1 {
			return nil, fmt.Errorf("reinstate needs <target>")
		}
		return c.call(map[string]any{"type": "reinstate_agent", "target": args[0]})

	case "search":
		if len(args) == 0 {
			return nil, fmt.Errorf("search needs a query")
		}
		return c.call(map[string]any{"type": "search_knowledge", "query": strings.Join(args, " ")})
	}
	return nil, fmt.Errorf("unknown command %q", cmd)
}
