package wsstream

import "testing"

// TestNew_Validation ensures the constructor rejects an empty endpoint.
func TestNew_Validation(t *testing.T) {
	if _, err := New("", ""); err == nil {
		t.Fatal("expected error for empty endpoint")
	}
}

// TestDeriveVoicesURL checks ws→http scheme conversion for the voices catalogue.
func TestDeriveVoicesURL(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"wss://tts.internal:8443/synthesize", "https://tts.internal:8443/voices"},
		{"ws://localhost:5002/synthesize", "http://localhost:5002/voices"},
		{"ws://localhost:5002", "http://localhost:5002/voices"},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			if got := deriveVoicesURL(tt.endpoint); got != tt.want {
				t.Errorf("deriveVoicesURL(%q) = %q, want %q", tt.endpoint, got, tt.want)
			}
		})
	}
}

// TestParseVoicesResponse checks catalogue parsing.
func TestParseVoicesResponse(t *testing.T) {
	data := []byte(`{"voices":[
		{"id":"clara","name":"Clara","language":"en-US"},
		{"id":"jonas","name":"Jonas","language":"de-DE"}]}`)
	got, err := parseVoicesResponse(data)
	if err != nil {
		t.Fatalf("parseVoicesResponse() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "clara" || got[0].Language != "en-US" {
		t.Errorf("got[0] = %+v, want clara/en-US", got[0])
	}
	if got[1].Provider != "wsstream" {
		t.Errorf("Provider = %q, want wsstream", got[1].Provider)
	}
}

// TestParseVoicesResponse_Malformed checks that invalid JSON is rejected.
func TestParseVoicesResponse_Malformed(t *testing.T) {
	if _, err := parseVoicesResponse([]byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}
