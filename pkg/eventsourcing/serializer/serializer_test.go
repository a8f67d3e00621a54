package serializer

import (
	"testing"

	"github.com/acarpe/sequent/pkg/eventsourcing/domain"
)

type invoiceCreated struct {
	RecipientID string      `es:"recipient_id,string"`
	IssuedOn    domain.Date `es:"issued_on,date"`
	AmountCents int         `es:"amount_cents,integer"`
	Rush        bool        `es:"rush,boolean"`
	Status      domain.Symbol `es:"status,symbol"`
	Tags        []string    `es:"tags,string[]"`
	InternalTTL int         `es:"internal_ttl,integer" payload:"-"`
}

func (invoiceCreated) EventType() string { return "InvoiceCreated" }

func newInvoiceCreated() domain.Event { return &invoiceCreated{} }

func TestAttributes_ProjectsTaggedFields(t *testing.T) {
	ev := invoiceCreated{
		RecipientID: "cust-1",
		IssuedOn:    domain.NewDate(2026, 3, 5),
		AmountCents: 1999,
		Rush:        true,
		Status:      domain.NewSymbol("draft"),
		Tags:        []string{"a", "b"},
		InternalTTL: 30,
	}

	attrs, err := Attributes(&ev)
	if err != nil {
		t.Fatalf("Attributes: %v", err)
	}

	if attrs["recipient_id"] != "cust-1" {
		t.Errorf("recipient_id = %v", attrs["recipient_id"])
	}
	if attrs["issued_on"] != "05-03-2026" {
		t.Errorf("issued_on = %v", attrs["issued_on"])
	}
	if attrs["amount_cents"] != int64(1999) {
		t.Errorf("amount_cents = %v", attrs["amount_cents"])
	}
	if attrs["status"] != "draft" {
		t.Errorf("status = %v", attrs["status"])
	}
	tags, ok := attrs["tags"].([]interface{})
	if !ok || len(tags) != 2 {
		t.Fatalf("tags = %v", attrs["tags"])
	}
	if _, present := attrs["internal_ttl"]; present {
		t.Error("payload:\"-\" field leaked into attributes()")
	}
}

func TestPayload_IncludesEventType(t *testing.T) {
	ev := invoiceCreated{RecipientID: "cust-1"}
	payload, err := Payload(&ev)
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if payload["event_type"] != "InvoiceCreated" {
		t.Errorf("event_type = %v", payload["event_type"])
	}
}

func TestRegistry_DeserializeRoundTrip(t *testing.T) {
	reg := NewRegistry()
	reg.Register("InvoiceCreated", newInvoiceCreated)

	original := invoiceCreated{
		RecipientID: "cust-1",
		IssuedOn:    domain.NewDate(2026, 3, 5),
		AmountCents: 1999,
		Rush:        true,
		Status:      domain.NewSymbol("draft"),
		Tags:        []string{"a", "b"},
	}

	tree, err := Attributes(&original)
	if err != nil {
		t.Fatalf("Attributes: %v", err)
	}

	out, err := reg.Deserialize("InvoiceCreated", tree)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	got, ok := out.(*invoiceCreated)
	if !ok {
		t.Fatalf("expected *invoiceCreated, got %T", out)
	}

	if got.RecipientID != original.RecipientID {
		t.Errorf("RecipientID = %v", got.RecipientID)
	}
	if !got.IssuedOn.Equal(original.IssuedOn) {
		t.Errorf("IssuedOn = %v", got.IssuedOn)
	}
	if got.AmountCents != original.AmountCents {
		t.Errorf("AmountCents = %v", got.AmountCents)
	}
	if !got.Status.Equal(original.Status) {
		t.Errorf("Status = %v", got.Status)
	}
	if len(got.Tags) != 2 || got.Tags[0] != "a" {
		t.Errorf("Tags = %v", got.Tags)
	}
}

func TestRegistry_DeserializeUnknownEventType(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Deserialize("Nope", map[string]interface{}{})
	if err == nil {
		t.Fatal("expected error for unregistered event type")
	}
	if _, ok := err.(*domain.SerializationError); !ok {
		t.Errorf("expected *domain.SerializationError, got %T", err)
	}
}

func TestRegistry_RegisterDuplicatePanics(t *testing.T) {
	reg := NewRegistry()
	reg.Register("InvoiceCreated", newInvoiceCreated)

	defer func() {
		if recover() == nil {
			t.Error("expected panic registering a duplicate event type")
		}
	}()
	reg.Register("InvoiceCreated", newInvoiceCreated)
}

func TestDeserialize_MalformedDateFails(t *testing.T) {
	reg := NewRegistry()
	reg.Register("InvoiceCreated", newInvoiceCreated)

	_, err := reg.Deserialize("InvoiceCreated", map[string]interface{}{
		"issued_on": "2026-03-05",
	})
	if err == nil {
		t.Fatal("expected SerializationError for malformed date")
	}
}

type testTenantEvent struct {
	OrganizationID string          `es:"organization_id,string" tenant:"true"`
	Name           string          `es:"name,string"`
	DateTime       domain.DateTime `es:"date_time,datetime"`
	Owner          *lineItem       `es:"owner,object"`
}

func (testTenantEvent) EventType() string { return "TestTenantEvent" }

func TestEqualityProjection_ExcludesTenantScopingField(t *testing.T) {
	ev := testTenantEvent{OrganizationID: "b", Name: "foo"}

	payload, err := EqualityProjection(&ev)
	if err != nil {
		t.Fatalf("EqualityProjection: %v", err)
	}

	if _, present := payload["organization_id"]; present {
		t.Error("tenant-scoping field leaked into payload()")
	}
	if payload["name"] != "foo" {
		t.Errorf("name = %v", payload["name"])
	}
	if payload["date_time"] != nil {
		t.Errorf("date_time = %v, want nil for unset field", payload["date_time"])
	}
	if payload["owner"] != nil {
		t.Errorf("owner = %v, want nil for unset field", payload["owner"])
	}
	if payload["event_type"] != "TestTenantEvent" {
		t.Errorf("event_type = %v", payload["event_type"])
	}
}

func TestEqual_SameAttributesDifferentTenantScope(t *testing.T) {
	a := testTenantEvent{OrganizationID: "b", Name: "foo"}
	b := testTenantEvent{OrganizationID: "other-org", Name: "foo"}

	equal, err := Equal(&a, &b)
	if err != nil {
		t.Fatalf("Equal: %v", err)
	}
	if !equal {
		t.Error("expected events to compare equal once tenant scope is excluded")
	}
}

func TestEqual_DifferingAttributesNotEqual(t *testing.T) {
	a := testTenantEvent{OrganizationID: "b", Name: "foo"}
	b := testTenantEvent{OrganizationID: "b", Name: "bar"}

	equal, err := Equal(&a, &b)
	if err != nil {
		t.Fatalf("Equal: %v", err)
	}
	if equal {
		t.Error("expected events with different attributes to compare unequal")
	}
}

func TestEqual_EventWithSliceFieldDoesNotPanic(t *testing.T) {
	a := invoiceCreated{RecipientID: "cust-1", Tags: []string{"a", "b"}}
	b := invoiceCreated{RecipientID: "cust-1", Tags: []string{"a", "b"}}

	equal, err := Equal(&a, &b)
	if err != nil {
		t.Fatalf("Equal: %v", err)
	}
	if !equal {
		t.Error("expected identical slice-bearing events to compare equal")
	}
}

func TestDecode_BlankDateCoercesToNil(t *testing.T) {
	reg := NewRegistry()
	reg.Register("InvoiceCreated", newInvoiceCreated)

	out, err := reg.Deserialize("InvoiceCreated", map[string]interface{}{
		"issued_on": " ",
	})
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	got := out.(*invoiceCreated)
	if !got.IssuedOn.IsZero() {
		t.Errorf("IssuedOn = %v, want zero value for blank input", got.IssuedOn)
	}
}

type lineItem struct {
	domain.BaseValueObject
	SKU    string `es:"sku,string"`
	Amount int    `es:"amount,integer"`
}

type invoiceWithLines struct {
	RecipientID string    `es:"recipient_id,string"`
	Primary     lineItem  `es:"primary,object"`
}

func (invoiceWithLines) EventType() string { return "InvoiceWithLines" }

func TestNestedValueObject_RoundTrip(t *testing.T) {
	reg := NewRegistry()
	reg.Register("InvoiceWithLines", func() domain.Event { return &invoiceWithLines{} })

	original := invoiceWithLines{
		RecipientID: "cust-1",
		Primary:     lineItem{SKU: "sku-1", Amount: 500},
	}

	tree, err := Attributes(&original)
	if err != nil {
		t.Fatalf("Attributes: %v", err)
	}

	out, err := reg.Deserialize("InvoiceWithLines", tree)
	if err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	got := out.(*invoiceWithLines)
	if got.Primary.SKU != "sku-1" || got.Primary.Amount != 500 {
		t.Errorf("Primary = %+v", got.Primary)
	}
}
