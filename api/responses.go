package api

import (
	"encoding/json"
	"time"

	"github.com/estuary/glance/schedule"
	"github.com/estuary/glance/store"
)

// appResponse is the wire shape of an App entity (SPEC_FULL §3, §6).
type appResponse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Path      string          `json:"path"`
	UI        json.RawMessage `json:"ui,omitempty"`
	Version   uint32          `json:"version"`
	Error     *string         `json:"error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// itemResponse is the wire shape of an Item entity.
type itemResponse struct {
	AppID      string          `json:"app_id"`
	ID         string          `json:"id"`
	Data       json.RawMessage `json:"data"`
	Persistent bool            `json:"persistent"`
	StateKey   *string         `json:"state_key,omitempty"`
	Notify     json.RawMessage `json:"notify,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
	CreatedAt  time.Time       `json:"created_at"`
	Dismissed  bool            `json:"dismissed"`
}

// eventResponse is the wire shape of an audit-log Event entity.
type eventResponse struct {
	Type      string          `json:"type"`
	ItemID    *string         `json:"item_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type activeAppItemsResponse struct {
	App   appResponse    `json:"app"`
	Items []itemResponse `json:"items"`
}

type appDetailResponse struct {
	App       appResponse     `json:"app"`
	Items     []itemResponse  `json:"items"`
	Events    []eventResponse `json:"events"`
	Schedules []schedule.Job  `json:"schedules,omitempty"`
}

func toAppResponse(a store.AppInfo) appResponse {
	return appResponse{
		ID: a.ID, Name: a.Name, Path: a.Path, UI: a.UI,
		Version: a.Version, Error: a.Error, UpdatedAt: a.UpdatedAt,
	}
}

func toAppsResponse(apps []store.AppInfo) []appResponse {
	var out = make([]appResponse, len(apps))
	for i, a := range apps {
		out[i] = toAppResponse(a)
	}
	return out
}

func toItemResponse(it store.Item) itemResponse {
	return itemResponse{
		AppID: it.AppID, ID: it.ID, Data: it.Data, Persistent: it.Persistent,
		StateKey: it.StateKey, Notify: it.Notify, UpdatedAt: it.UpdatedAt,
		CreatedAt: it.CreatedAt, Dismissed: it.Dismissed,
	}
}

func toItemResponses(items []store.Item) []itemResponse {
	var out = make([]itemResponse, len(items))
	for i, it := range items {
		out[i] = toItemResponse(it)
	}
	return out
}

func toEventResponses(events []store.Event) []eventResponse {
	var out = make([]eventResponse, len(events))
	for i, e := range events {
		out[i] = eventResponse{Type: e.Type, ItemID: e.ItemID, Payload: e.Payload, Timestamp: e.Timestamp}
	}
	return out
}

func toActiveItemsResponse(active []store.ActiveAppItems) []activeAppItemsResponse {
	var out = make([]activeAppItemsResponse, len(active))
	for i, a := range active {
		out[i] = activeAppItemsResponse{App: toAppResponse(a.App), Items: toItemResponses(a.Items)}
	}
	return out
}
