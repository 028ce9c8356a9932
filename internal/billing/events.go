// Package billing implements the core of the subscription engine: the
// provider event model, the type-priority table, the winner resolver, and
// the subscription state machine.
package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"voicegate/internal/types"
)

// providerEventJSON is the minimal representation of a provider webhook
// event tailored to extract routing fields. We avoid importing the full
// stripe-go event type to keep parsing decoupled from the vendor library
// and to make testing straightforward.
type providerEventJSON struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

type providerEventData struct {
	Object json.RawMessage `json:"object"`
}

// providerObject covers the union of fields we may need from any event's
// data object. Providers nest device correlation metadata differently per
// event family, so every known location is tried.
type providerObject struct {
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`

	SubscriptionDetails *struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
}

// ParseWebhookEvent converts a verified raw webhook payload into a ledger
// event. Unrecognized event types are returned with Type=EventUnknown and
// the provider's type string preserved in RawType; they are recorded for
// audit but never applied.
//
// The provider's own created timestamp becomes ProviderCreatedAt. Arrival
// time is recorded separately and never used for ordering.
func ParseWebhookEvent(payload []byte, receivedAt time.Time) (*types.ProviderEvent, error) {
	var raw providerEventJSON
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("parsing webhook event JSON: %w", err)
	}
	if raw.ID == "" {
		return nil, fmt.Errorf("webhook event has no id")
	}

	eventType := types.EventType(raw.Type)
	rawType := ""
	if !eventType.Known() {
		eventType = types.EventUnknown
		rawType = raw.Type
	}

	deviceKey := extractDeviceKey(raw.Data)

	return &types.ProviderEvent{
		ProviderEventID:   raw.ID,
		DeviceKey:         deviceKey,
		Type:              eventType,
		RawType:           rawType,
		ProviderCreatedAt: time.Unix(raw.Created, 0).UTC(),
		Payload:           json.RawMessage(payload),
		ReceivedAt:        receivedAt.UTC(),
	}, nil
}

// extractDeviceKey pulls the device correlation key out of the event's data
// object. Checkout sessions carry it as client_reference_id (set when the
// session is created); subscription and invoice events carry it in metadata.
func extractDeviceKey(data json.RawMessage) string {
	var wrapper providerEventData
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return ""
	}
	var obj providerObject
	if err := json.Unmarshal(wrapper.Object, &obj); err != nil {
		return ""
	}

	if obj.ClientReferenceID != "" {
		return obj.ClientReferenceID
	}
	if key := obj.Metadata["device_key"]; key != "" {
		return key
	}
	if obj.SubscriptionDetails != nil {
		if key := obj.SubscriptionDetails.Metadata["device_key"]; key != "" {
			return key
		}
	}
	return ""
}

// eventDetails holds the per-type fields the state machine reads from an
// event payload. Every field is optional; missing fields leave the
// subscription's current values untouched.
type eventDetails struct {
	CustomerID     string
	SubscriptionID string

	// Authoritative status carried by a reconciler.sync event.
	Status types.SubscriptionStatus
}

// reconcilerSyncPayload is the payload of the synthetic event the
// reconciler feeds through the state machine after an authoritative
// provider read.
type reconcilerSyncPayload struct {
	Status         types.SubscriptionStatus `json:"status"`
	CustomerID     string                   `json:"provider_customer_id,omitempty"`
	SubscriptionID string                   `json:"provider_subscription_id,omitempty"`
}

// NewReconcilerSyncEvent builds the synthetic, highest-priority event the
// reconciler injects through the normal state machine entry point.
func NewReconcilerSyncEvent(eventID, deviceKey string, status types.SubscriptionStatus, customerID, subscriptionID string, at time.Time) (*types.ProviderEvent, error) {
	payload, err := json.Marshal(reconcilerSyncPayload{
		Status:         status,
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling reconciler sync payload: %w", err)
	}
	return &types.ProviderEvent{
		ProviderEventID:   eventID,
		DeviceKey:         deviceKey,
		Type:              types.EventReconcilerSync,
		ProviderCreatedAt: at.UTC(),
		Payload:           payload,
		ReceivedAt:        at.UTC(),
	}, nil
}

// decodeDetails extracts the state-machine-relevant fields from an event's
// stored payload. Decoding failures degrade to empty details rather than
// erroring: the event type alone still drives the transition.
func decodeDetails(ev *types.ProviderEvent) eventDetails {
	if ev.Type == types.EventReconcilerSync {
		var p reconcilerSyncPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return eventDetails{}
		}
		return eventDetails{
			CustomerID:     p.CustomerID,
			SubscriptionID: p.SubscriptionID,
			Status:         p.Status,
		}
	}

	var raw providerEventJSON
	if err := json.Unmarshal(ev.Payload, &raw); err != nil {
		return eventDetails{}
	}
	var wrapper providerEventData
	if err := json.Unmarshal(raw.Data, &wrapper); err != nil {
		return eventDetails{}
	}
	var obj providerObject
	if err := json.Unmarshal(wrapper.Object, &obj); err != nil {
		return eventDetails{}
	}

	return eventDetails{
		CustomerID:     obj.Customer,
		SubscriptionID: obj.Subscription,
	}
}
