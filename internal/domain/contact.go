package domain

import "github.com/google/uuid"

// Contact is one human alert recipient.
// Params: identity and timezone used for rule time restrictions.
// Returns: persisted contact record; media/rules live in store sets.
type Contact struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Timezone string `json:"timezone,omitempty"`
}

// NewContact creates a contact with a fresh id.
// Params: display name and IANA timezone (empty means UTC).
// Returns: initialized contact record.
func NewContact(name, timezone string) Contact {
	return Contact{ID: uuid.NewString(), Name: name, Timezone: timezone}
}

// Class returns the store namespace for contacts.
func (Contact) Class() string { return ClassContact }

// EntityID returns the contact id.
func (c Contact) EntityID() string { return c.ID }

// MediumType enumerates delivery channel kinds.
// Params: constants below; the dispatcher maps each to a handler.
// Returns: normalized medium type usage across pipeline.
type MediumType string

const (
	// MediumEmail delivers via SMTP-backed mail (SES handler).
	MediumEmail MediumType = "email"
	// MediumSMS delivers via an SMS vendor gateway.
	MediumSMS MediumType = "sms"
	// MediumSMSNexmo delivers via the Nexmo SMS gateway.
	MediumSMSNexmo MediumType = "sms_nexmo"
	// MediumSNS delivers via AWS SNS topics.
	MediumSNS MediumType = "sns"
	// MediumPagerduty delivers via a PagerDuty events endpoint.
	MediumPagerduty MediumType = "pagerduty"
	// MediumJabber delivers via chat (telegram handler).
	MediumJabber MediumType = "jabber"
	// MediumSlack delivers via a Slack webhook.
	MediumSlack MediumType = "slack"
	// MediumWebhook delivers via a generic HTTP webhook.
	MediumWebhook MediumType = "webhook"
)

// MediumTypes lists the supported delivery channel kinds.
// Params: none.
// Returns: stable ordered type list for queue/worker setup.
func MediumTypes() []MediumType {
	return []MediumType{
		MediumEmail,
		MediumSMS,
		MediumSMSNexmo,
		MediumSNS,
		MediumPagerduty,
		MediumJabber,
		MediumSlack,
		MediumWebhook,
	}
}

// Medium is one delivery channel owned by a contact.
// Params: type, address, rollover interval, and rollup threshold.
// Returns: persisted medium record.
type Medium struct {
	ID        string     `json:"id"`
	ContactID string     `json:"contact_id"`
	Type      MediumType `json:"type"`
	Address   string     `json:"address"`
	// Interval is the minimum seconds between identical alerts on this
	// medium; 0 disables the rollover throttle.
	Interval int `json:"interval,omitempty"`
	// RollupThreshold switches to a digest when more than this many checks
	// alert simultaneously; 0 disables rollup.
	RollupThreshold int `json:"rollup_threshold,omitempty"`
}

// NewMedium creates one delivery channel for a contact.
// Params: owning contact id, type, and destination address.
// Returns: initialized medium record.
func NewMedium(contactID string, mediumType MediumType, address string) Medium {
	return Medium{ID: uuid.NewString(), ContactID: contactID, Type: mediumType, Address: address}
}

// Class returns the store namespace for media.
func (Medium) Class() string { return ClassMedium }

// EntityID returns the medium id.
func (m Medium) EntityID() string { return m.ID }

// Indexes returns the contact index for reverse lookup.
func (m Medium) Indexes() map[string][]string {
	return map[string][]string{"contact": {m.ContactID}}
}
