// Package appdata defines the wire/disk representation of an app
// submission (SPEC_FULL.md §4.1) and its strict JSON parsing.
package appdata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// UI carries opaque display hints for an app.
type UI struct {
	Icon string `json:"icon,omitempty"`
}

// Notification is a single ordered notification embedded in an Item.
type Notification struct {
	ID   string           `json:"id"`
	Data NotificationData `json:"data"`
}

// NotificationData is the display payload of a Notification.
type NotificationData struct {
	Title    string `json:"title"`
	Subtitle string `json:"subtitle,omitempty"`
	Icon     string `json:"icon,omitempty"`
}

// ItemData is the display payload of an Item.
type ItemData struct {
	Title    string          `json:"title"`
	Subtitle string          `json:"subtitle,omitempty"`
	Detail   string          `json:"detail,omitempty"`
	URL      string          `json:"url,omitempty"`
	Icon     string          `json:"icon,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// AppItem is one item published by an app submission.
type AppItem struct {
	ID         string         `json:"id"`
	Data       ItemData       `json:"data"`
	StateKey   string         `json:"state_key,omitempty"`
	Persistent bool           `json:"persistent,omitempty"`
	Notify     []Notification `json:"notify,omitempty"`
	Updated    time.Time      `json:"updated"`
}

// Schedule is one cron schedule declared by an app submission.
type Schedule struct {
	Cron      string   `json:"cron"`
	Arguments []string `json:"arguments,omitempty"`
	// TimeoutSeconds is nil when the app didn't specify one; the
	// schedule registry applies the default of 300s (SPEC_FULL §4.7).
	TimeoutSeconds *uint32 `json:"timeout,omitempty"`
}

// AppData is a full submission: the snapshot reconciled atomically by
// the reconciler.
type AppData struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	Items    []AppItem  `json:"items,omitempty"`
	Schedule []Schedule `json:"schedule,omitempty"`
	UI       *UI        `json:"ui,omitempty"`
	Version  uint32     `json:"version,omitempty"`
}

// Parse decodes and validates raw JSON bytes into an AppData, rejecting
// submissions missing a required field. Optional fields default as
// documented on AppData/AppItem/Schedule (SPEC_FULL §4.1).
func Parse(raw []byte) (*AppData, error) {
	var data AppData
	var dec = json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&data); err != nil {
		return nil, fmt.Errorf("decoding AppData: %w", err)
	}
	if err := data.Validate(); err != nil {
		return nil, err
	}
	return &data, nil
}

// Validate checks that every required field of the submission and its
// nested items/schedules is present.
func (d *AppData) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("missing required field: name")
	}
	if d.Path == "" {
		return fmt.Errorf("missing required field: path")
	}
	for i, item := range d.Items {
		if err := item.Validate(); err != nil {
			return fmt.Errorf("items[%d]: %w", i, err)
		}
	}
	for i, sched := range d.Schedule {
		if sched.Cron == "" {
			return fmt.Errorf("schedule[%d]: missing required field: cron", i)
		}
	}
	return nil
}

// Validate checks that an AppItem carries its required fields.
func (a *AppItem) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("missing required field: id")
	}
	if a.Data.Title == "" {
		return fmt.Errorf("missing required field: data.title")
	}
	if a.Updated.IsZero() {
		return fmt.Errorf("missing required field: updated")
	}
	for i, n := range a.Notify {
		if n.ID == "" {
			return fmt.Errorf("notify[%d]: missing required field: id", i)
		}
	}
	return nil
}

// TimeoutOrDefault returns the schedule's declared timeout, or the
// registry default of 300 seconds.
func (s *Schedule) TimeoutOrDefault() uint32 {
	if s.TimeoutSeconds != nil {
		return *s.TimeoutSeconds
	}
	return 300
}
