package natsbus

import "fmt"

// Subject patterns for NATS pub/sub communication.
//
// Worker pools report agent lifecycle changes on fleet.status.<agentID>;
// the gateway republishes everything it observes on the events.* hierarchy
// for external consumers.

func TopicAgentStatus(agentID string) string {
	return fmt.Sprintf("fleet.status.%s", agentID)
}

func TopicEventsAgent(agentID string) string {
	return fmt.Sprintf("events.agent.%s", agentID)
}

func TopicEventsMission(missionID string) string {
	return fmt.Sprintf("events.mission.%s", missionID)
}

const (
	TopicStatusAll = "fleet.status.*"
	TopicEventsAll = "events.>"
)
