package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// Notification is the JSON document broadcast to devices that accept
// free-form text, such as display badges and ESP32 sketches.
type Notification struct {
	Title     string    `json:"title"`
	Body      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Priority  string    `json:"priority,omitempty"`
}

// AsMessage encodes the notification as a String message.
func (n Notification) AsMessage() (Message, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return Message{}, fmt.Errorf("message: encode notification: %w", err)
	}
	return String(string(data)), nil
}
