package httputil

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestNewProblemDetail(t *testing.T) {
	p := NewProblemDetail(http.StatusConflict, "Conflict", "record status changed")
	if p.Type != "about:blank" {
		t.Errorf("Type: got %q, want about:blank", p.Type)
	}
	if p.Status != http.StatusConflict {
		t.Errorf("Status: got %d, want 409", p.Status)
	}
	if p.Title != "Conflict" {
		t.Errorf("Title: got %q", p.Title)
	}
}

func TestProblemConstructors(t *testing.T) {
	tests := []struct {
		name   string
		p      *ProblemDetail
		status int
		title  string
	}{
		{"BadRequest", BadRequest("x"), 400, "Bad Request"},
		{"NotFound", NotFound("x"), 404, "Not Found"},
		{"Conflict", Conflict("x"), 409, "Conflict"},
		{"InternalServerError", InternalServerError("x"), 500, "Internal Server Error"},
		{"BadGateway", BadGateway("x"), 502, "Bad Gateway"},
		{"ServiceUnavailable", ServiceUnavailable("x"), 503, "Service Unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.p.Status != tt.status {
				t.Errorf("Status: got %d, want %d", tt.p.Status, tt.status)
			}
			if tt.p.Title != tt.title {
				t.Errorf("Title: got %q, want %q", tt.p.Title, tt.title)
			}
		})
	}
}

func TestProblemDetailJSON(t *testing.T) {
	p := BadRequest("identity must be a MAC or IP address")
	data, err := p.JSON()
	if err != nil {
		t.Fatalf("JSON failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded["status"] != float64(400) {
		t.Errorf("status: got %v, want 400", decoded["status"])
	}
	if decoded["detail"] != "identity must be a MAC or IP address" {
		t.Errorf("detail: got %v", decoded["detail"])
	}
}

func TestProblemDetailJSONOmitsEmptyDetail(t *testing.T) {
	p := NewProblemDetail(http.StatusNotFound, "Not Found", "")
	data, err := p.JSON()
	if err != nil {
		t.Fatalf("JSON failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if _, ok := decoded["detail"]; ok {
		t.Error("detail should be omitted when empty")
	}
}
