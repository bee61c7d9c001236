package domain

import "testing"

func TestDecodeEventValid(t *testing.T) {
	t.Parallel()

	raw := []byte(`{
		"entity": "web1",
		"check": "http",
		"type": "service",
		"state": "critical",
		"summary": "connection refused",
		"time": 1739000000,
		"tags": ["prod", "web"]
	}`)
	event, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.CheckName() != "web1:http" {
		t.Fatalf("expected combined check name, got %q", event.CheckName())
	}
	condition, err := event.Condition()
	if err != nil {
		t.Fatalf("condition: %v", err)
	}
	if condition != ConditionCritical {
		t.Fatalf("expected critical, got %q", condition)
	}
	if event.EventTime().Unix() != 1739000000 {
		t.Fatalf("unexpected event time %d", event.EventTime().Unix())
	}
}

func TestDecodeEventWithoutSubCheck(t *testing.T) {
	t.Parallel()

	event, err := DecodeEvent([]byte(`{"entity":"db1","type":"service","state":"ok","summary":"fine","time":1739000001}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.CheckName() != "db1" {
		t.Fatalf("expected bare entity name, got %q", event.CheckName())
	}
}

func TestDecodeEventRejections(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"malformed json":  `{"entity":`,
		"missing entity":  `{"type":"service","state":"ok","summary":"x","time":1}`,
		"missing summary": `{"entity":"a","type":"service","state":"ok","time":1}`,
		"bad type":        `{"entity":"a","type":"probe","state":"ok","summary":"x","time":1}`,
		"bad state":       `{"entity":"a","type":"service","state":"down","summary":"x","time":1}`,
		"zero time":       `{"entity":"a","type":"service","state":"ok","summary":"x","time":0}`,
		"empty tag":       `{"entity":"a","type":"service","state":"ok","summary":"x","time":1,"tags":[""]}`,
		"action no id":    `{"entity":"a","type":"action","state":"ok","summary":"x","time":1}`,
	}
	for name, raw := range cases {
		if _, err := DecodeEvent([]byte(raw)); err == nil {
			t.Fatalf("%s: expected rejection", name)
		}
	}
}

func TestActionEventCarriesAcknowledgement(t *testing.T) {
	t.Parallel()

	event, err := DecodeEvent([]byte(`{
		"entity": "web1",
		"type": "action",
		"state": "critical",
		"summary": "acked by ops",
		"time": 1739000002,
		"acknowledgement_id": "5a913b01",
		"duration": 3600
	}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if event.AcknowledgementID != "5a913b01" || event.Duration != 3600 {
		t.Fatalf("unexpected ack fields %q/%d", event.AcknowledgementID, event.Duration)
	}
}
