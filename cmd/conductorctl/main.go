package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mtzanidakis/conductor/internal/control"
	"github.com/mtzanidakis/conductor/internal/orchestrator"
	"github.com/mtzanidakis/conductor/internal/schedule"
	"github.com/mtzanidakis/conductor/internal/store"
	"github.com/nats-io/nats.go"
)

const requestTimeout = 10 * time.Second

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  conductorctl submit --goal "..." [--caps a,b] [--strategy market] [--tasks plan.json] [--execute false] [--wait true]`)
	fmt.Fprintln(os.Stderr, `  conductorctl status --plan <id>`)
	fmt.Fprintln(os.Stderr, `  conductorctl cancel --plan <id>`)
	fmt.Fprintln(os.Stderr, `  conductorctl plans [--limit 20]`)
	fmt.Fprintln(os.Stderr, `  conductorctl agents`)
	fmt.Fprintln(os.Stderr, `  conductorctl schedule create --schedule "..." --goal "..." [--name "..."] [--caps a,b]`)
	fmt.Fprintln(os.Stderr, `  conductorctl schedule list`)
	fmt.Fprintln(os.Stderr, `  conductorctl schedule delete --id <id>`)
	fmt.Fprintln(os.Stderr, `  conductorctl serve --id <agent> --caps a,b [--cost 1]`)
	os.Exit(1)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	if len(os.Args) < 2 {
		usage()
	}

	if os.Args[1] == "serve" {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := runServe(ctx, natsURL, parseArgs(os.Args[2:])); err != nil {
			fatal("%v", err)
		}
		return
	}

	conn, err := nats.Connect(natsURL)
	if err != nil {
		fatal("connect to nats: %v", err)
	}
	defer conn.Close()

	if err := run(context.Background(), conn, os.Stdout, os.Args[1:]); err != nil {
		conn.Close()
		fatal("%v", err)
	}
}

// run executes one control command and prints its result to out.
func run(ctx context.Context, conn *nats.Conn, out io.Writer, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("missing command")
	}
	command, args := argv[0], parseArgs(argv[1:])

	call := func(cmdType string, payload any) (*control.Response, error) {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		return control.Call(ctx, conn, cmdType, payload)
	}

	switch command {
	case "submit":
		req, wait, err := submitPayload(args)
		if err != nil {
			return err
		}
		resp, err := call(control.CmdSubmit, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Plan submitted: %s\n", resp.ID)
		if !wait {
			return nil
		}
		st, err := waitForPlan(ctx, call, resp.ID, time.Second)
		if err != nil {
			return err
		}
		fmt.Fprint(out, formatPlan(st))

	case "status":
		if args["plan"] == "" {
			return fmt.Errorf("--plan is required")
		}
		resp, err := call(control.CmdStatus, map[string]string{"plan_id": args["plan"]})
		if err != nil {
			return err
		}
		if resp.Plan != nil {
			fmt.Fprint(out, formatPlan(*resp.Plan))
		}

	case "cancel":
		if args["plan"] == "" {
			return fmt.Errorf("--plan is required")
		}
		if _, err := call(control.CmdCancel, map[string]string{"plan_id": args["plan"]}); err != nil {
			return err
		}
		fmt.Fprintln(out, "Plan cancelled.")

	case "plans":
		limit := 20
		if v := args["limit"]; v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				return fmt.Errorf("--limit must be a positive number")
			}
			limit = n
		}
		resp, err := call(control.CmdPlans, map[string]int{"limit": limit})
		if err != nil {
			return err
		}
		if len(resp.Plans) == 0 {
			fmt.Fprintln(out, "No plans found.")
		}
		for _, p := range resp.Plans {
			state := string(p.State)
			if p.Outcome != "" {
				state = string(p.Outcome)
			}
			fmt.Fprintf(out, "  %s  %-16s %d tasks  %s\n", p.PlanID, state, p.Total, p.Goal)
		}

	case "agents":
		resp, err := call(control.CmdAgents, nil)
		if err != nil {
			return err
		}
		if len(resp.Agents) == 0 {
			fmt.Fprintln(out, "No agents registered.")
		}
		for _, a := range resp.Agents {
			health := "healthy"
			if !a.Healthy {
				health = "unhealthy"
			}
			fmt.Fprintf(out, "  %s  %s  %s  load %d  [%s]\n", a.ID, a.Source, health, a.Load, strings.Join(a.Capabilities, ", "))
		}

	case "schedule":
		return runSchedule(call, out, argv[1:])

	default:
		return fmt.Errorf("unknown command: %s", command)
	}
	return nil
}

func submitPayload(args map[string]string) (control.SubmitPayload, bool, error) {
	req := control.SubmitPayload{PlanRequest: orchestrator.PlanRequest{
		Goal:         args["goal"],
		Capabilities: splitList(args["caps"]),
		Strategy:     args["strategy"],
	}}
	if path := args["tasks"]; path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return req, false, fmt.Errorf("read tasks: %w", err)
		}
		if err := json.Unmarshal(data, &req.Tasks); err != nil {
			return req, false, fmt.Errorf("parse tasks: %w", err)
		}
	}
	if req.Goal == "" && len(req.Tasks) == 0 {
		return req, false, fmt.Errorf("--goal or --tasks is required")
	}
	if v := args["execute"]; v != "" {
		execute, err := strconv.ParseBool(v)
		if err != nil {
			return req, false, fmt.Errorf("--execute must be true or false")
		}
		req.Execute = &execute
	}
	wait, _ := strconv.ParseBool(args["wait"])
	if wait && req.Execute != nil && !*req.Execute {
		return req, false, fmt.Errorf("--wait needs the plan to execute")
	}
	return req, wait, nil
}

type callFunc func(cmdType string, payload any) (*control.Response, error)

func waitForPlan(ctx context.Context, call callFunc, planID string, every time.Duration) (orchestrator.PlanStatus, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		resp, err := call(control.CmdStatus, map[string]string{"plan_id": planID})
		if err != nil {
			return orchestrator.PlanStatus{}, err
		}
		if resp.Plan != nil && resp.Plan.State == orchestrator.PlanFinished {
			return *resp.Plan, nil
		}
		select {
		case <-ctx.Done():
			return orchestrator.PlanStatus{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func runSchedule(call callFunc, out io.Writer, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("schedule needs create, list or delete")
	}
	args := parseArgs(argv[1:])

	switch argv[0] {
	case "create":
		if args["schedule"] == "" || args["goal"] == "" {
			return fmt.Errorf("--schedule and --goal are required")
		}
		if _, err := schedule.Parse(args["schedule"]); err != nil {
			return err
		}
		resp, err := call(control.CmdScheduleCreate, store.ScheduledGoal{
			Name:         args["name"],
			Schedule:     args["schedule"],
			Goal:         args["goal"],
			Capabilities: splitList(args["caps"]),
			Strategy:     args["strategy"],
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Schedule created: %s\n", resp.ID)

	case "list":
		resp, err := call(control.CmdScheduleList, nil)
		if err != nil {
			return err
		}
		if len(resp.Schedules) == 0 {
			fmt.Fprintln(out, "No schedules found.")
		}
		for _, g := range resp.Schedules {
			desc := g.Schedule
			if s, err := schedule.Parse(g.Schedule); err == nil {
				desc = s.Describe()
			}
			fmt.Fprintf(out, "  %s  %s  %s  [%s]\n", g.ID, g.Status, g.Name, desc)
		}

	case "delete":
		if args["id"] == "" {
			return fmt.Errorf("--id is required")
		}
		if _, err := call(control.CmdScheduleDelete, map[string]string{"id": args["id"]}); err != nil {
			return err
		}
		fmt.Fprintln(out, "Schedule deleted.")

	default:
		return fmt.Errorf("unknown schedule command: %s", argv[0])
	}
	return nil
}

func formatPlan(st orchestrator.PlanStatus) string {
	var sb strings.Builder
	state := string(st.State)
	if st.Outcome != "" {
		state += " (" + string(st.Outcome) + ")"
	}
	fmt.Fprintf(&sb, "Plan:     %s\n", st.PlanID)
	fmt.Fprintf(&sb, "Goal:     %s\n", st.Goal)
	fmt.Fprintf(&sb, "Strategy: %s\n", st.Strategy)
	fmt.Fprintf(&sb, "State:    %s\n", state)
	if st.ElapsedMS > 0 {
		fmt.Fprintf(&sb, "Elapsed:  %s\n", (time.Duration(st.ElapsedMS) * time.Millisecond).Round(time.Millisecond))
	}
	for _, t := range st.Tasks {
		line := fmt.Sprintf("  %-12s %-10s", t.ID, t.State)
		if t.AgentID != "" {
			line += " " + t.AgentID
		}
		if t.Attempts > 1 {
			line += fmt.Sprintf(" (%d attempts)", t.Attempts)
		}
		if t.Error != "" {
			line += ": " + t.Error
		}
		sb.WriteString(line + "\n")
	}
	return sb.String()
}
