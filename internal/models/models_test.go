package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestParseStatusRoundTrip(t *testing.T) {
	statuses := []Status{
		StatusNotStarted,
		StatusAwaitingAllData,
		StatusValidatingData,
		Collecting(FieldCURP),
		Collecting(FieldEnrollmentLevel),
		StatusAwaitingIneFront,
		StatusAwaitingIneBack,
		StatusAwaitingPaymentMethod,
		StatusPendingImplementation,
		StatusAwaitingPaymentProof,
		StatusAwaitingCajaSchedule,
		StatusCompleted,
	}
	for _, s := range statuses {
		got := ParseStatus(s.String())
		if got != s {
			t.Errorf("ParseStatus(%q) = %+v, want %+v", s.String(), got, s)
		}
	}
}

func TestParseStatusUnknownIsNotStarted(t *testing.T) {
	for _, tag := range []string{"", "bogus", "collecting_", "collecting_shoeSize", "COMPLETED"} {
		if got := ParseStatus(tag); got != StatusNotStarted {
			t.Errorf("ParseStatus(%q) = %v, want not_started", tag, got)
		}
	}
}

func TestCollectingTag(t *testing.T) {
	if got := Collecting(FieldEmail).String(); got != "collecting_email" {
		t.Errorf("Collecting(email).String() = %q", got)
	}
}

func TestStatusRankFollowsFlow(t *testing.T) {
	flow := []Status{
		StatusNotStarted,
		StatusAwaitingAllData,
		StatusValidatingData,
		Collecting(FieldFullName),
		StatusAwaitingIneFront,
		StatusAwaitingIneBack,
		StatusAwaitingPaymentMethod,
		StatusPendingImplementation,
		StatusAwaitingPaymentProof,
		StatusCompleted,
	}
	for i := 1; i < len(flow); i++ {
		if flow[i].Rank() <= flow[i-1].Rank() {
			t.Errorf("rank(%v)=%d not above rank(%v)=%d", flow[i], flow[i].Rank(), flow[i-1], flow[i-1].Rank())
		}
	}
	if StatusAwaitingCajaSchedule.Rank() != StatusAwaitingPaymentProof.Rank() {
		t.Error("payment sub-flows should share a rank")
	}
}

func TestInEnrollment(t *testing.T) {
	if StatusNotStarted.InEnrollment() || StatusCompleted.InEnrollment() {
		t.Error("not_started and completed are outside the flow")
	}
	if !Collecting(FieldPhone).InEnrollment() || !StatusAwaitingIneBack.InEnrollment() {
		t.Error("intermediate statuses are inside the flow")
	}
}

func TestOrderFields(t *testing.T) {
	got := OrderFields([]CanonicalField{FieldEmail, "unknown", FieldFullName, FieldEmail})
	want := []CanonicalField{FieldFullName, FieldEmail}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("OrderFields mismatch (-want +got):\n%s", diff)
	}
}

func TestInscriptionDataMergeIsAdditive(t *testing.T) {
	d := InscriptionData{Fields: map[CanonicalField]string{FieldFullName: "Juan Pérez"}}
	merged := d.Merge(map[CanonicalField]string{
		FieldFullName: "  ",
		FieldEmail:    "juan@example.com",
		"shoeSize":    "42",
	})
	want := map[CanonicalField]string{
		FieldFullName: "Juan Pérez",
		FieldEmail:    "juan@example.com",
	}
	if diff := cmp.Diff(want, merged.Fields); diff != "" {
		t.Errorf("Merge mismatch (-want +got):\n%s", diff)
	}
	if _, ok := d.Fields[FieldEmail]; ok {
		t.Error("Merge must not mutate the receiver")
	}
}

func TestInscriptionDataMissing(t *testing.T) {
	d := InscriptionData{Fields: map[CanonicalField]string{}}
	for _, f := range CanonicalFields {
		d.Fields[f] = "x"
	}
	if m := d.Missing(); len(m) != 0 {
		t.Fatalf("Missing() = %v, want empty", m)
	}
	d.Fields[FieldCURP] = ""
	d.Fields[FieldPhone] = " "
	if diff := cmp.Diff([]CanonicalField{FieldCURP, FieldPhone}, d.Missing()); diff != "" {
		t.Errorf("Missing mismatch (-want +got):\n%s", diff)
	}
}

func TestEnrollmentJSON(t *testing.T) {
	received := time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC)
	e := Enrollment{
		Status: Collecting(FieldCURP),
		Data: InscriptionData{
			Fields:        map[CanonicalField]string{FieldFullName: "Juan Pérez"},
			IneFrontImage: []byte{0xff, 0xd8},
		},
		Payment: &Payment{Method: PaymentTransfer, Status: PaymentProofReceived, ReceivedAt: &received},
	}
	raw, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var flat map[string]any
	if err := json.Unmarshal(raw, &flat); err != nil {
		t.Fatalf("unmarshal flat: %v", err)
	}
	if flat["inscriptionStatus"] != "collecting_curp" {
		t.Errorf("inscriptionStatus = %v", flat["inscriptionStatus"])
	}
	data := flat["inscriptionData"].(map[string]any)
	if data["nombreCompleto"] != "Juan Pérez" || data["ineFrontImage"] != "/9g=" {
		t.Errorf("inscriptionData = %v", data)
	}

	var back Enrollment
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if diff := cmp.Diff(e, back); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestInscriptionDataDropsUnknownKeys(t *testing.T) {
	var d InscriptionData
	if err := json.Unmarshal([]byte(`{"curp":"ABC","favoriteColor":"red"}`), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if diff := cmp.Diff(map[CanonicalField]string{FieldCURP: "ABC"}, d.Fields); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	e := Enrollment{
		Status:  StatusCompleted,
		Data:    InscriptionData{Fields: map[CanonicalField]string{FieldFullName: "Juan"}, IneFrontImage: []byte{1}},
		Payment: &Payment{Method: PaymentCashDesk, Status: PaymentScheduled, ScheduledAt: "11/06/2025 09:30"},
	}
	snap := NewSnapshot("folio-1", "p1", PlatformWhatsApp, e, time.Now())
	e.Data.Fields[FieldFullName] = "Pedro"
	e.Data.IneFrontImage[0] = 9
	e.Payment.ScheduledAt = "never"

	if snap.Fields[FieldFullName] != "Juan" || snap.IneFrontImage[0] != 1 || snap.Payment.ScheduledAt != "11/06/2025 09:30" {
		t.Errorf("snapshot shares state with the live enrollment: %+v", snap)
	}
}

func TestAPIResponses(t *testing.T) {
	if r := Error("boom"); r.Status != "error" || r.Message != "boom" {
		t.Errorf("Error() = %+v", r)
	}
	if r := Success(nil); r.Status != "ok" {
		t.Errorf("Success() = %+v", r)
	}
}
