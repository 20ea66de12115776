package audit

import (
	"encoding/json"
	"fmt"

	"github.com/mtzanidakis/conductor/internal/natsbus"
	"github.com/mtzanidakis/conductor/internal/store"
)

// NATSWriter publishes each event on its events.* topic.
type NATSWriter struct {
	client *natsbus.Client
}

func NewNATSWriter(client *natsbus.Client) *NATSWriter {
	return &NATSWriter{client: client}
}

func (w *NATSWriter) Write(events []Event) error {
	for _, e := range events {
		if err := w.client.PublishJSON(Topic(e), e); err != nil {
			return fmt.Errorf("publish %s: %w", e.Type, err)
		}
	}
	return nil
}

// Topic returns the bus subject an event is published on.
func Topic(e Event) string {
	switch {
	case e.PlanID != "":
		return natsbus.TopicEventsPlan(e.PlanID)
	case e.Type == BreakerChanged:
		return natsbus.TopicEventsBreaker(e.AgentID)
	case e.Type == AgentJoined || e.Type == AgentLeft:
		return natsbus.TopicEventsSwarm
	case e.Type == ScheduleFired:
		return natsbus.TopicEventsSchedule
	case e.AgentID != "":
		return natsbus.TopicEventsAgent(e.AgentID)
	default:
		return "events.system"
	}
}

// StoreWriter appends events to the SQLite audit trail.
type StoreWriter struct {
	store *store.Store
}

func NewStoreWriter(s *store.Store) *StoreWriter {
	return &StoreWriter{store: s}
}

func (w *StoreWriter) Write(events []Event) error {
	rows := make([]store.Event, 0, len(events))
	for _, e := range events {
		var data json.RawMessage
		if len(e.Data) > 0 {
			raw, err := json.Marshal(e.Data)
			if err != nil {
				return fmt.Errorf("marshal event data: %w", err)
			}
			data = raw
		}
		rows = append(rows, store.Event{
			Type:      e.Type,
			PlanID:    e.PlanID,
			TaskID:    e.TaskID,
			AgentID:   e.AgentID,
			Data:      data,
			CreatedAt: e.Timestamp,
		})
	}
	return w.store.AppendEvents(rows)
}
