package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mtzanidakis/conductor/internal/natsbus"
	"github.com/nats-io/nats.go"
)

// Call sends a command and decodes the reply. A reply carrying an error
// is returned as a Go error.
func Call(ctx context.Context, conn *nats.Conn, cmdType string, payload any) (*Response, error) {
	cmd := Command{Type: cmdType}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		cmd.Payload = data
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	msg, err := conn.RequestWithContext(ctx, natsbus.TopicControl, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("no conductor gateway is listening on %s", natsbus.TopicControl)
		}
		return nil, fmt.Errorf("control request: %w", err)
	}

	var resp Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.Error != "" {
		return &resp, errors.New(resp.Error)
	}
	return &resp, nil
}
