package hass

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestRegistry(t *testing.T, handler http.HandlerFunc) *Registry {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(server.URL, "test-token")
}

func TestRegistryDiscoverPopulatesEntities(t *testing.T) {
	r := newTestRegistry(t, func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if req.URL.Path != "/api/states" {
			t.Errorf("unexpected path %s", req.URL.Path)
		}
		json.NewEncoder(w).Encode([]Entity{
			{EntityID: "light.living_room", State: "off"},
			{EntityID: "switch.fan", State: "on"},
		})
	})

	if err := r.Discover(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(r.entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(r.entities))
	}

	tools := r.BuildTools()
	if len(tools) != 1 || tools[0].Name != "hass_control" {
		t.Fatalf("expected one hass_control tool, got %+v", tools)
	}
	schema := tools[0].InputSchema["properties"].(map[string]interface{})
	entityIDProp := schema["entity_id"].(map[string]interface{})
	enum := entityIDProp["enum"].([]string)
	if len(enum) != 2 {
		t.Fatalf("expected 2 entity ids in enum, got %v", enum)
	}
}

func TestRegistryDiscoverNon2xx(t *testing.T) {
	r := newTestRegistry(t, func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("forbidden"))
	})

	if err := r.Discover(context.Background()); err == nil {
		t.Fatal("expected error on non-2xx status")
	}
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	r := newTestRegistry(t, func(w http.ResponseWriter, req *http.Request) {})

	out, err := r.Execute(context.Background(), "not_a_tool", map[string]interface{}{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "unknown tool") {
		t.Fatalf("expected unknown-tool error result, got %s", out)
	}
}

func TestRegistryExecuteUnknownEntity(t *testing.T) {
	r := newTestRegistry(t, func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode([]Entity{{EntityID: "light.kitchen", State: "on"}})
	})
	if err := r.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	out, err := r.Execute(context.Background(), "hass_control", map[string]interface{}{
		"entity_id": "light.bedroom",
		"action":    "turn_on",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "unknown entity_id") {
		t.Fatalf("expected unknown-entity error result, got %s", out)
	}
}

func TestRegistryExecuteGetState(t *testing.T) {
	r := newTestRegistry(t, func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/api/states":
			json.NewEncoder(w).Encode([]Entity{{EntityID: "light.kitchen", State: "on"}})
		case "/api/states/light.kitchen":
			json.NewEncoder(w).Encode(Entity{EntityID: "light.kitchen", State: "on"})
		default:
			t.Errorf("unexpected path %s", req.URL.Path)
		}
	})
	if err := r.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	out, err := r.Execute(context.Background(), "hass_control", map[string]interface{}{
		"entity_id": "light.kitchen",
		"action":    "get_state",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Entity
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("expected JSON entity body, got %q: %v", out, err)
	}
	if got.EntityID != "light.kitchen" {
		t.Fatalf("expected light.kitchen, got %s", got.EntityID)
	}
}

func TestRegistryExecuteCallServiceWithColorAndBrightness(t *testing.T) {
	var capturedPath string
	var capturedBody map[string]interface{}

	r := newTestRegistry(t, func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/api/states":
			json.NewEncoder(w).Encode([]Entity{{EntityID: "light.living_room", State: "off"}})
		case "/api/services/light/turn_on":
			capturedPath = req.URL.Path
			json.NewDecoder(req.Body).Decode(&capturedBody)
			w.Write([]byte(`{"result":"ok"}`))
		default:
			t.Errorf("unexpected path %s", req.URL.Path)
		}
	})
	if err := r.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	brightness := 128
	out, err := r.Execute(context.Background(), "hass_control", map[string]interface{}{
		"entity_id":  "light.living_room",
		"action":     "turn_on",
		"color":      "red",
		"brightness": brightness,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "success") {
		t.Fatalf("expected success result, got %s", out)
	}
	if capturedPath != "/api/services/light/turn_on" {
		t.Fatalf("expected dispatch to light/turn_on, got %s", capturedPath)
	}
	if capturedBody["brightness"].(float64) != 128 {
		t.Fatalf("expected brightness 128, got %v", capturedBody["brightness"])
	}
	rgb, ok := capturedBody["rgb_color"].([]interface{})
	if !ok || len(rgb) != 3 {
		t.Fatalf("expected rgb_color triple, got %v", capturedBody["rgb_color"])
	}
}

func TestRegistryExecuteColorTempTakesPriorityOverColor(t *testing.T) {
	var capturedBody map[string]interface{}

	r := newTestRegistry(t, func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/api/states":
			json.NewEncoder(w).Encode([]Entity{{EntityID: "light.office", State: "off"}})
		case "/api/services/light/turn_on":
			json.NewDecoder(req.Body).Decode(&capturedBody)
			w.Write([]byte(`{"result":"ok"}`))
		default:
			t.Errorf("unexpected path %s", req.URL.Path)
		}
	})
	if err := r.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	kelvin := 4000
	_, err := r.Execute(context.Background(), "hass_control", map[string]interface{}{
		"entity_id":         "light.office",
		"action":            "turn_on",
		"color":             "blue",
		"color_temp_kelvin": kelvin,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := capturedBody["rgb_color"]; ok {
		t.Fatalf("expected rgb_color to be absent when color_temp_kelvin is set, got %v", capturedBody)
	}
	if capturedBody["color_temp_kelvin"].(float64) != 4000 {
		t.Fatalf("expected color_temp_kelvin 4000, got %v", capturedBody["color_temp_kelvin"])
	}
}

func TestRegistryExecuteServiceError(t *testing.T) {
	r := newTestRegistry(t, func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/api/states":
			json.NewEncoder(w).Encode([]Entity{{EntityID: "light.attic", State: "off"}})
		default:
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("boom"))
		}
	})
	if err := r.Discover(context.Background()); err != nil {
		t.Fatalf("discover: %v", err)
	}

	out, err := r.Execute(context.Background(), "hass_control", map[string]interface{}{
		"entity_id": "light.attic",
		"action":    "toggle",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "status 500") {
		t.Fatalf("expected status-500 error result, got %s", out)
	}
}
