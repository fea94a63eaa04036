package commsutil

import (
	"testing"
)

func TestEncodePayload(t *testing.T) {
	type errorDetail struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	type reply struct {
		ID    string       `json:"id,omitempty"`
		Ok    bool         `json:"ok"`
		Error *errorDetail `json:"error,omitempty"`
	}

	cases := map[string]struct {
		in      interface{}
		out     string
		failing bool
	}{
		"success reply":         {in: reply{ID: "a1", Ok: true}, out: `{"id":"a1","ok":true}`},
		"failure reply":         {in: reply{Error: &errorDetail{Code: "NOT_FOUND", Message: "gone"}}, out: `{"ok":false,"error":{"code":"NOT_FOUND","message":"gone"}}`},
		"params":                {in: map[string]interface{}{"path": "/tmp", "recursive": true}, out: `{"path":"/tmp","recursive":true}`},
		"argv":                  {in: []string{"ls", "-la"}, out: `["ls","-la"]`},
		"absent payload":        {in: nil, out: "null"},
		"func is not encodable": {in: func() {}, failing: true},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			data, err := EncodePayload(tc.in)
			if tc.failing {
				if err == nil {
					t.Fatalf("commsutil:codec_test - EncodePayload(%s) should fail", name)
				}
				return
			}
			if err != nil {
				t.Fatalf("commsutil:codec_test - EncodePayload(%s): %v", name, err)
			}
			if string(data) != tc.out {
				t.Errorf("commsutil:codec_test - EncodePayload(%s) = %s, want %s", name, data, tc.out)
			}
		})
	}
}

func TestDecodePayload(t *testing.T) {
	var req struct {
		ID      string                 `json:"id"`
		Command string                 `json:"command"`
		Params  map[string]interface{} `json:"params"`
	}
	err := DecodePayload([]byte(`{"id":"r9","command":"file.read","params":{"path":"/etc/hosts","maxBytes":64}}`), &req)
	if err != nil {
		t.Fatalf("commsutil:codec_test - DecodePayload: %v", err)
	}
	if req.ID != "r9" || req.Command != "file.read" || req.Params["path"] != "/etc/hosts" {
		t.Errorf("commsutil:codec_test - decoded request = %+v", req)
	}
	if n, _ := req.Params["maxBytes"].(float64); n != 64 {
		t.Errorf("commsutil:codec_test - maxBytes = %v", req.Params["maxBytes"])
	}

	for _, bad := range []string{"", "{command:", `["file.read"]`} {
		var target struct {
			Command string `json:"command"`
		}
		if err := DecodePayload([]byte(bad), &target); err == nil {
			t.Errorf("commsutil:codec_test - DecodePayload(%q) should fail", bad)
		}
	}
}

func TestCBORDecodesMapsWithStringKeys(t *testing.T) {
	data, err := EncodeCBOR(map[string]interface{}{
		"command": "file.exists",
		"params":  map[string]interface{}{"path": "/", "nested": map[string]interface{}{"n": 1}},
	})
	if err != nil {
		t.Fatalf("commsutil:codec_test - encode failed: %v", err)
	}

	var decoded interface{}
	if err := DecodeCBOR(data, &decoded); err != nil {
		t.Fatalf("commsutil:codec_test - decode failed: %v", err)
	}
	top, ok := decoded.(map[string]interface{})
	if !ok {
		t.Fatalf("commsutil:codec_test - expected map[string]interface{}, got %T", decoded)
	}
	params, ok := top["params"].(map[string]interface{})
	if !ok {
		t.Fatalf("commsutil:codec_test - nested params decoded as %T", top["params"])
	}
	if params["path"] != "/" {
		t.Errorf("commsutil:codec_test - path = %v", params["path"])
	}
	if _, ok := params["nested"].(map[string]interface{}); !ok {
		t.Errorf("commsutil:codec_test - deeper maps decoded as %T", params["nested"])
	}
}

func TestCBORUsesJSONTags(t *testing.T) {
	type envelope struct {
		ID string `json:"id"`
		Ok bool   `json:"ok"`
	}
	data, err := EncodeCBOR(envelope{ID: "r1", Ok: true})
	if err != nil {
		t.Fatalf("commsutil:codec_test - encode failed: %v", err)
	}
	var m map[string]interface{}
	if err := DecodeCBOR(data, &m); err != nil {
		t.Fatalf("commsutil:codec_test - decode failed: %v", err)
	}
	if m["id"] != "r1" || m["ok"] != true {
		t.Errorf("commsutil:codec_test - unexpected keys %v", m)
	}
}

func TestCBORDeterministic(t *testing.T) {
	a, _ := EncodeCBOR(map[string]int{"b": 2, "a": 1, "c": 3})
	b, _ := EncodeCBOR(map[string]int{"c": 3, "a": 1, "b": 2})
	if string(a) != string(b) {
		t.Error("commsutil:codec_test - CBOR encoding should be deterministic")
	}
}

func TestCodecFor(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"", ContentTypeJSON, false},
		{"application/json", ContentTypeJSON, false},
		{"application/json; charset=utf-8", ContentTypeJSON, false},
		{"application/cbor", ContentTypeCBOR, false},
		{"*/*", ContentTypeJSON, false},
		{"text/xml", ContentTypeJSON, true},
		{";;;", ContentTypeJSON, true},
	}
	for _, tt := range tests {
		c, err := CodecFor(tt.header)
		if (err != nil) != tt.wantErr {
			t.Errorf("commsutil:codec_test - CodecFor(%q) err = %v, wantErr %v", tt.header, err, tt.wantErr)
		}
		if c.ContentType != tt.want {
			t.Errorf("commsutil:codec_test - CodecFor(%q) = %s, want %s", tt.header, c.ContentType, tt.want)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	type TestPayload struct {
		ResourceID string   `json:"resourceId"`
		MimeType   string   `json:"mimeType"`
		Size       int      `json:"size"`
		Tags       []string `json:"tags"`
	}

	original := TestPayload{
		ResourceID: "0b7c",
		MimeType:   "image/png",
		Size:       3,
		Tags:       []string{"screen", "capture"},
	}

	for _, codec := range []Codec{JSON, CBOR} {
		data, err := codec.Encode(original)
		if err != nil {
			t.Fatalf("commsutil:codec_test - %s encode failed: %v", codec.ContentType, err)
		}

		var decoded TestPayload
		if err := codec.Decode(data, &decoded); err != nil {
			t.Fatalf("commsutil:codec_test - %s decode failed: %v", codec.ContentType, err)
		}

		if decoded.ResourceID != original.ResourceID || decoded.MimeType != original.MimeType {
			t.Errorf("commsutil:codec_test - %s mismatch: %+v", codec.ContentType, decoded)
		}
		if decoded.Size != original.Size || len(decoded.Tags) != len(original.Tags) {
			t.Errorf("commsutil:codec_test - %s mismatch: %+v", codec.ContentType, decoded)
		}
	}
}
