package media

import "testing"

func TestParseWebhookEvent_Rejects(t *testing.T) {
	for name, body := range map[string]string{
		"missing event": `{"id":"EV_2"}`,
		"bad json":      `not json`,
	} {
		if _, err := ParseWebhookEvent([]byte(body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if err := VerifyWebhook("key", "secret", "", []byte(`{}`)); err == nil {
		t.Fatalf("expected missing header to fail")
	}
}
