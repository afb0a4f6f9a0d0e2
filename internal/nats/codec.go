package nats

import (
	"encoding/json"
	"fmt"

	"github.com/crawlodeployer/fleet/internal/core"
)

func encodeWorkItem(item *core.WorkItem) ([]byte, error) {
	if item.CorrelationID == "" {
		return nil, fmt.Errorf("work item without correlation id")
	}
	return json.Marshal(item)
}

func decodeWorkItem(data []byte) (*core.WorkItem, error) {
	var item core.WorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decoding work item: %w", err)
	}
	if item.CorrelationID == "" {
		return nil, fmt.Errorf("decoding work item: missing correlation id")
	}
	return &item, nil
}

func encodeRunEvent(ev *core.RunEvent) ([]byte, error) {
	if ev.CorrelationID == "" {
		return nil, fmt.Errorf("run event without correlation id")
	}
	return json.Marshal(ev)
}

func decodeRunEvent(data []byte) (*core.RunEvent, error) {
	var ev core.RunEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decoding run event: %w", err)
	}
	if ev.CorrelationID == "" {
		return nil, fmt.Errorf("decoding run event: missing correlation id")
	}
	switch ev.Status {
	case core.RunRunning, core.RunSuccess, core.RunFailure:
	default:
		return nil, fmt.Errorf("decoding run event %s: unexpected status %q", ev.CorrelationID, ev.Status)
	}
	return &ev, nil
}

type announcement struct {
	Hostname string `json:"hostname"`
}
