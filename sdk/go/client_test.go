package dealdesksdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCounterSendsActionAndAuth(t *testing.T) {
	var gotPath, gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"session_id":"s1","agent_response":"ok","round":2,"remaining_rounds":3,"status":"active","offer":{"offer_price":160000,"discount_amount":5000,"payment_method":"cash"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/")
	c.APIKey = "k"
	price := 150000.0
	reply, err := c.Counter(context.Background(), "s1", "lower please", &CounterOffer{OfferPrice: &price})
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	if gotPath != "/v0/negotiations/s1/message" || gotKey != "k" {
		t.Fatalf("unexpected request %s key=%q", gotPath, gotKey)
	}
	if gotBody["action"] != "counter" || gotBody["counter_offer"] == nil {
		t.Fatalf("unexpected body %v", gotBody)
	}
	if reply.Round != 2 || reply.Offer == nil || reply.Offer.OfferPrice != 160000 {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"status_conflict","message":"cannot accept a negotiation in status completed"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Accept(context.Background(), "s1", "")
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.Code != "status_conflict" {
		t.Fatalf("unexpected code %q", apiErr.Code)
	}
}

func TestDeleteReportsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/v0/negotiations/s1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"session_id":"s1","success":true}`))
	}))
	defer srv.Close()
	ok, err := New(srv.URL).Delete(context.Background(), "s1")
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
}
