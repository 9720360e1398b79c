package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicAgentInput(agent string) string {
	return fmt.Sprintf("agent.%s.input", agent)
}

func TopicAgentOutput(agent string) string {
	return fmt.Sprintf("agent.%s.output", agent)
}

func TopicAgentControl(agent string) string {
	return fmt.Sprintf("agent.%s.control", agent)
}

func TopicRunEvents(runID string) string {
	return fmt.Sprintf("events.run.%s", runID)
}

func TopicRefreshEvents(refreshID string) string {
	return fmt.Sprintf("events.refresh.%s", refreshID)
}

func TopicIPC(service string) string {
	return fmt.Sprintf("host.ipc.%s", service)
}

const (
	TopicEventsAll     = "events.>"
	TopicEventsRun     = "events.run.*"
	TopicEventsRefresh = "events.refresh.*"
	TopicEventsGraph   = "events.graph"
	TopicEventsSecret  = "events.secret"
)
