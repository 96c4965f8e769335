package protocol

import (
	"encoding/json"
	"maps"
)

const (
	keyIsNotification      = "is_notification"
	keyNotificationFrom    = "notification_from"
	keyNotificationMessage = "notification_message"
	keyIsDesktopMonitoring = "is_desktop_monitoring"
	keyImageCount          = "image_count"
)

// Metadata carries the fields the core inspects plus opaque passthrough keys.
// On the wire it is a single flat JSON object.
type Metadata struct {
	IsNotification      bool
	NotificationFrom    string
	NotificationMessage string
	IsDesktopMonitoring bool
	ImageCount          int

	Extra map[string]any
}

func (m Metadata) IsZero() bool {
	return !m.IsNotification &&
		m.NotificationFrom == "" &&
		m.NotificationMessage == "" &&
		!m.IsDesktopMonitoring &&
		m.ImageCount == 0 &&
		len(m.Extra) == 0
}

func (m Metadata) Clone() Metadata {
	c := m
	if m.Extra != nil {
		c.Extra = maps.Clone(m.Extra)
	}
	return c
}

func (m *Metadata) Set(key string, value any) {
	if m.Extra == nil {
		m.Extra = make(map[string]any)
	}
	m.Extra[key] = value
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+5)
	for k, v := range m.Extra {
		out[k] = v
	}
	if m.IsNotification {
		out[keyIsNotification] = true
	}
	if m.NotificationFrom != "" {
		out[keyNotificationFrom] = m.NotificationFrom
	}
	if m.NotificationMessage != "" {
		out[keyNotificationMessage] = m.NotificationMessage
	}
	if m.IsDesktopMonitoring {
		out[keyIsDesktopMonitoring] = true
	}
	if m.ImageCount != 0 {
		out[keyImageCount] = m.ImageCount
	}
	return json.Marshal(out)
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Metadata{}
	for k, v := range raw {
		switch k {
		case keyIsNotification:
			if b, ok := v.(bool); ok {
				m.IsNotification = b
				continue
			}
		case keyNotificationFrom:
			if s, ok := v.(string); ok {
				m.NotificationFrom = s
				continue
			}
		case keyNotificationMessage:
			if s, ok := v.(string); ok {
				m.NotificationMessage = s
				continue
			}
		case keyIsDesktopMonitoring:
			if b, ok := v.(bool); ok {
				m.IsDesktopMonitoring = b
				continue
			}
		case keyImageCount:
			if n, ok := v.(float64); ok {
				m.ImageCount = int(n)
				continue
			}
		}
		m.Set(k, v)
	}
	return nil
}
