package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicAgentDispatch(agentID string) string {
	return fmt.Sprintf("agent.%s.dispatch", agentID)
}

func TopicAgentBid(agentID string) string {
	return fmt.Sprintf("agent.%s.bid", agentID)
}

func TopicAgentVote(agentID string) string {
	return fmt.Sprintf("agent.%s.vote", agentID)
}

func TopicEventsPlan(planID string) string {
	return fmt.Sprintf("events.plan.%s", planID)
}

func TopicEventsAgent(agentID string) string {
	return fmt.Sprintf("events.agent.%s", agentID)
}

func TopicEventsBreaker(key string) string {
	return fmt.Sprintf("events.breaker.%s", key)
}

const (
	TopicAgentsRegister  = "agents.register"
	TopicAgentsHeartbeat = "agents.heartbeat"
	TopicAgentsLeave     = "agents.leave"

	TopicControl = "conductor.control"

	TopicEventsAll      = "events.>"
	TopicEventsPlans    = "events.plan.*"
	TopicEventsSwarm    = "events.swarm"
	TopicEventsSchedule = "events.schedule"
)
