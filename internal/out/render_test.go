package out

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ggonzalez94/defi-custody/internal/config"
	"github.com/ggonzalez94/defi-custody/internal/model"
)

func TestRenderJSONSelectResultsOnly(t *testing.T) {
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: true,
		Data: []map[string]any{{
			"id":         "t1",
			"status":     "built",
			"tx_payload": map[string]any{"to": "0xabc", "value": "0"},
		}},
		Meta: model.EnvelopeMeta{Timestamp: time.Now()},
	}
	opts := Options{Mode: ModeJSON, Select: []string{"id", "tx_payload.to"}, ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, opts); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var decoded []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(decoded) != 1 || decoded[0]["id"] != "t1" || decoded[0]["tx_payload.to"] != "0xabc" {
		t.Fatalf("unexpected output: %s", buf.String())
	}
	if _, ok := decoded[0]["status"]; ok {
		t.Fatalf("field projection failed: %s", buf.String())
	}
}

func TestRenderPlainFlattensNestedObjects(t *testing.T) {
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: true,
		Data:    map[string]any{"id": "t1", "receipt": map[string]any{"outcome": "mined"}},
	}
	var buf bytes.Buffer
	if err := Render(&buf, env, Options{Mode: ModePlain, ResultsOnly: true}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != "id=t1 receipt.outcome=mined" {
		t.Fatalf("unexpected plain output: %q", got)
	}
}

func TestRenderEnvelopeCarriesError(t *testing.T) {
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Error:   &model.ErrorBody{Code: 6, Type: "destination_not_allowed", Message: "nope"},
	}
	var buf bytes.Buffer
	if err := Render(&buf, env, OptionsFrom(config.Settings{})); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	body, _ := decoded["error"].(map[string]any)
	if decoded["success"] != false || body["type"] != "destination_not_allowed" {
		t.Fatalf("unexpected envelope %s", buf.String())
	}
}
