package rpc

import "encoding/json"

// Item is a single parsed element out of an incoming frame: either a call
// (Request, id member present, possibly null), a notification (Notification,
// no id member), or an invalid item recovered only well enough to carry an id.
type Item struct {
	Request      *Request
	Notification *Notification
	Invalid      *Error
	InvalidID    ID
}

// IsCall reports whether this item expects a response.
func (it Item) IsCall() bool { return it.Request != nil }

// IsNotification reports whether this item is a fire-and-forget notification.
func (it Item) IsNotification() bool { return it.Notification != nil }

// IsInvalid reports whether parsing failed for this item.
func (it Item) IsInvalid() bool { return it.Invalid != nil }

// ParseFrame classifies a raw top-level frame into either a single Item or a
// batch of Items, trying in order: single Request, single Notification,
// then batch of Request/Notification. The returned bool is true when the
// frame was a batch.
func ParseFrame(data []byte) (single Item, batch []Item, isBatch bool) {
	if IsBatch(data) {
		return Item{}, parseBatch(data), true
	}
	return parseSingle(data), nil, false
}

// parseSingle decodes one object into a call or notification item,
// recovering an id for diagnostics when the shape is invalid.
func parseSingle(data []byte) Item {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Item{Invalid: NewError(ErrCodeParseError, "Parse error", nil), InvalidID: recoverID(data)}
	}
	if req.JSONRPC != Version || req.Method == "" {
		return Item{Invalid: NewError(ErrCodeInvalidRequest, "Invalid request", nil), InvalidID: recoverID(data)}
	}
	if !rawHasID(data) {
		return Item{Notification: &Notification{JSONRPC: req.JSONRPC, Method: req.Method, Params: req.Params}}
	}
	return Item{Request: &req}
}

// parseBatch decodes a JSON array into a slice of Items, recovering
// diagnostics per-element so one malformed entry doesn't abort the batch.
func parseBatch(data []byte) []Item {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return []Item{{Invalid: NewError(ErrCodeParseError, "Parse error", nil), InvalidID: NullID}}
	}
	items := make([]Item, 0, len(raws))
	for _, raw := range raws {
		if !IsObject(raw) {
			items = append(items, Item{Invalid: NewError(ErrCodeInvalidRequest, "Invalid request", nil), InvalidID: recoverID(raw)})
			continue
		}
		items = append(items, parseSingle(raw))
	}
	return items
}
