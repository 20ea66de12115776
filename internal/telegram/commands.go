package telegram

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mtzanidakis/conductor/internal/control"
	"github.com/mtzanidakis/conductor/internal/orchestrator"
)

const helpText = `Commands:
/submit <caps> <goal>  submit and run a plan (caps comma separated, "-" for none)
/status <plan>         show plan progress
/cancel <plan>         cancel a plan
/plans                 list recent plans
/agents                list registered agents`

// parseCommand turns a chat message into a control command. It returns
// nil for messages that are not commands.
func parseCommand(text string) (*control.Command, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil, nil
	}
	fields := strings.Fields(text)
	name := strings.TrimPrefix(fields[0], "/")
	// Group chats address commands as /status@botname.
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	args := fields[1:]

	payload := func(v any) json.RawMessage {
		data, _ := json.Marshal(v)
		return data
	}

	switch name {
	case "submit":
		if len(args) < 2 {
			return nil, fmt.Errorf("usage: /submit <caps> <goal>")
		}
		var caps []string
		if args[0] != "-" {
			for _, c := range strings.Split(args[0], ",") {
				if c = strings.TrimSpace(c); c != "" {
					caps = append(caps, c)
				}
			}
		}
		req := control.SubmitPayload{PlanRequest: orchestrator.PlanRequest{
			Goal:         strings.Join(args[1:], " "),
			Capabilities: caps,
		}}
		return &control.Command{Type: control.CmdSubmit, Payload: payload(req)}, nil
	case "status", "cancel":
		if len(args) != 1 {
			return nil, fmt.Errorf("usage: /%s <plan>", name)
		}
		return &control.Command{Type: name, Payload: payload(map[string]string{"plan_id": args[0]})}, nil
	case "plans":
		return &control.Command{Type: control.CmdPlans, Payload: payload(map[string]int{"limit": 10})}, nil
	case "agents":
		return &control.Command{Type: control.CmdAgents}, nil
	case "help", "start":
		return &control.Command{Type: "help"}, nil
	default:
		return nil, fmt.Errorf("unknown command /%s, try /help", name)
	}
}

func formatResponse(cmdType string, resp control.Response) string {
	if resp.Error != "" {
		return "Error: " + resp.Error
	}
	switch cmdType {
	case control.CmdSubmit:
		if resp.Plan != nil {
			return fmt.Sprintf("Plan %s submitted with %d tasks (%s).", resp.ID, resp.Plan.Total, resp.Plan.Strategy)
		}
		return fmt.Sprintf("Plan %s submitted.", resp.ID)
	case control.CmdStatus:
		if resp.Plan == nil {
			return "Plan " + resp.ID + " has no status."
		}
		return formatStatus(*resp.Plan)
	case control.CmdCancel:
		return fmt.Sprintf("Plan %s cancelled.", resp.ID)
	case control.CmdPlans:
		if len(resp.Plans) == 0 {
			return "No plans."
		}
		var sb strings.Builder
		for _, p := range resp.Plans {
			fmt.Fprintf(&sb, "%s  %s  %s\n", shortID(p.PlanID), stateLabel(p), p.Goal)
		}
		return strings.TrimRight(sb.String(), "\n")
	case control.CmdAgents:
		if len(resp.Agents) == 0 {
			return "No agents registered."
		}
		var sb strings.Builder
		for _, a := range resp.Agents {
			health := "healthy"
			if !a.Healthy {
				health = "unhealthy"
			}
			fmt.Fprintf(&sb, "%s  %s  load %d  [%s]\n", a.ID, health, a.Load, strings.Join(a.Capabilities, ", "))
		}
		return strings.TrimRight(sb.String(), "\n")
	}
	return "OK"
}

func formatStatus(st orchestrator.PlanStatus) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Plan %s: %s\n", st.PlanID, stateLabel(st))
	if st.Goal != "" {
		fmt.Fprintf(&sb, "Goal: %s\n", st.Goal)
	}
	sb.WriteString(formatCounts(st))
	for _, t := range st.Tasks {
		line := fmt.Sprintf("\n- %s %s", t.ID, t.State)
		if t.AgentID != "" {
			line += " @" + t.AgentID
		}
		if t.Error != "" {
			line += ": " + t.Error
		}
		sb.WriteString(line)
	}
	return sb.String()
}

func formatOutcome(st orchestrator.PlanStatus) string {
	text := fmt.Sprintf("Plan %s finished: %s\n", st.PlanID, st.Outcome)
	if st.Goal != "" {
		text += "Goal: " + st.Goal + "\n"
	}
	text += formatCounts(st)
	if st.Elapsed > 0 {
		text += fmt.Sprintf("\nElapsed: %s", st.Elapsed.Round(time.Second))
	}
	return text
}

func formatCounts(st orchestrator.PlanStatus) string {
	states := make([]string, 0, len(st.Counts))
	for s, n := range st.Counts {
		if n > 0 {
			states = append(states, fmt.Sprintf("%s %d", s, n))
		}
	}
	sort.Strings(states)
	return fmt.Sprintf("Tasks: %d (%s)", st.Total, strings.Join(states, ", "))
}

func stateLabel(st orchestrator.PlanStatus) string {
	if st.Outcome != "" {
		return string(st.Outcome)
	}
	return string(st.State)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
