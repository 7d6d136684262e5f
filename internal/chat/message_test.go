package chat

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestEventTypeKnown(t *testing.T) {
	if !MessageSent.Known() || !SystemMessage.Known() {
		t.Fatalf("CHAT and SYSTEM must be subscribable")
	}
	if VisibilityUpdate.Known() {
		t.Fatalf("VISIBILITY-UPDATE is outbound-only, not subscribable")
	}
	if EventType("BOGUS").Known() {
		t.Fatalf("unknown type accepted")
	}
}

func TestScopeKnown(t *testing.T) {
	if !ScopeSendSystemMessages.Known() {
		t.Fatalf("system message scope must be known")
	}
	if Scope("CAN_DO_ANYTHING").Known() {
		t.Fatalf("unknown scope accepted")
	}
}

func TestMessageValidate(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		want error
	}{
		{"valid", Message{Author: "a", RawBody: "hi", Type: MessageSent}, nil},
		{"no author", Message{RawBody: "hi", Type: MessageSent}, ErrMissingAuthor},
		{"blank author", Message{Author: "   ", RawBody: "hi", Type: MessageSent}, ErrMissingAuthor},
		{"no body", Message{Author: "a", Type: MessageSent}, ErrMissingBody},
		{"blank body", Message{Author: "a", RawBody: " \t ", Type: MessageSent}, ErrMissingBody},
		{"rendered body only", Message{Author: "a", Body: "<p>hi</p>", Type: SystemMessage}, nil},
		{"unknown type", Message{Author: "a", RawBody: "hi", Type: "BOGUS"}, ErrUnknownType},
		{"empty type", Message{Author: "a", RawBody: "hi"}, ErrUnknownType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.msg.Validate(); !errors.Is(err, tc.want) {
				t.Fatalf("Validate() = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestSetDefaults(t *testing.T) {
	m := Message{Author: "a", RawBody: "hi", Type: MessageSent}
	m.SetDefaults()
	if m.ID == "" {
		t.Fatalf("id not assigned")
	}
	if m.Timestamp.IsZero() {
		t.Fatalf("timestamp not assigned")
	}

	// Client-supplied values survive.
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	m2 := Message{ID: "keep", Timestamp: ts}
	m2.SetDefaults()
	if m2.ID != "keep" || !m2.Timestamp.Equal(ts) {
		t.Fatalf("defaults overwrote supplied fields: %+v", m2)
	}
}

func TestRawBodyNeverSerialized(t *testing.T) {
	m := Message{
		ID:      "x",
		Author:  "a",
		Body:    "<p>safe</p>",
		RawBody: "<script>alert(1)</script>",
		Type:    MessageSent,
		Visible: true,
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(b), "script") {
		t.Fatalf("raw body leaked into wire form: %s", b)
	}
}
