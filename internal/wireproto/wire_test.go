package wireproto

import "testing"

func TestDecodeRequest(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"id":"req_1","method":"GET","path":"/a?b=1","headers":{"x-foo":"bar"},"body":"hi"}`)
	dec, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Request == nil {
		t.Fatal("expected a decoded Request")
	}
	if dec.Request.ID != "req_1" || dec.Request.Method != "GET" || dec.Request.Path != "/a?b=1" {
		t.Fatalf("unexpected request: %+v", dec.Request)
	}
	if dec.Request.Headers["x-foo"] != "bar" {
		t.Fatalf("unexpected headers: %+v", dec.Request.Headers)
	}
}

func TestDecodeResponse(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"id":"req_1","status":200,"headers":{"content-type":"text/plain"},"body":"hello"}`)
	dec, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Response == nil {
		t.Fatal("expected a decoded Response")
	}
	if dec.Response.Status != 200 || dec.Response.Body != "hello" {
		t.Fatalf("unexpected response: %+v", dec.Response)
	}
}

func TestDecodeConnected(t *testing.T) {
	t.Parallel()

	raw := []byte(`{"type":"connected","subdomain":"abc123def456"}`)
	dec, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Connected == nil || dec.Connected.Subdomain != "abc123def456" {
		t.Fatalf("unexpected connected notice: %+v", dec.Connected)
	}
}

func TestDecodeRejectsUnparseableFrame(t *testing.T) {
	t.Parallel()

	if _, err := Decode([]byte(`{"foo":"bar"}`)); err == nil {
		t.Fatal("expected an error for a frame matching no known message kind")
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected an error for invalid json")
	}
}

func TestDecodeRejectsMissingID(t *testing.T) {
	t.Parallel()

	if _, err := Decode([]byte(`{"method":"GET","path":"/"}`)); err == nil {
		t.Fatal("expected an error for a request missing id")
	}
	if _, err := Decode([]byte(`{"status":200}`)); err == nil {
		t.Fatal("expected an error for a response missing id")
	}
}

func TestEncodeConnectedSetsType(t *testing.T) {
	t.Parallel()

	raw, err := EncodeConnected(&ConnectedNotice{Subdomain: "xyz"})
	if err != nil {
		t.Fatal(err)
	}
	dec, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Connected == nil || dec.Connected.Subdomain != "xyz" {
		t.Fatalf("round trip failed: %s", raw)
	}
}

func TestRelayFrameRoundTrip(t *testing.T) {
	t.Parallel()

	raw, err := EncodeRelay(&RelayFrame{ClientID: "c1", Binary: true, Data: "aGVsbG8="})
	if err != nil {
		t.Fatal(err)
	}
	dec, err := Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if dec.Relay == nil || dec.Relay.ClientID != "c1" || !dec.Relay.Binary || dec.Relay.Data != "aGVsbG8=" {
		t.Fatalf("unexpected relay frame: %+v", dec.Relay)
	}
}

func TestDecodeRejectsRelayFrameMissingClientID(t *testing.T) {
	t.Parallel()

	if _, err := Decode([]byte(`{"type":"relay","data":"aGk="}`)); err == nil {
		t.Fatal("expected an error for a relay frame missing client_id")
	}
}

func TestLowercaseHeadersCollapsesCaseCollisions(t *testing.T) {
	t.Parallel()

	in := map[string]string{"X-Foo": "1", "x-foo": "2"}
	out := LowercaseHeaders(in)
	if len(out) != 1 {
		t.Fatalf("expected one key after lowercasing, got %v", out)
	}
}
