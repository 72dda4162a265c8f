// Package hass is the Home Assistant tool backend: entity
// auto-discovery, JSON-schema generation, and execute-by-name dispatch
// against the Home Assistant REST API.
package hass

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lokutor-ai/lokutor-orchestrator/pkg/orchestrator"
)

// Entity is one controllable/queryable Home Assistant entity as reported
// by the /api/states endpoint.
type Entity struct {
	EntityID   string                 `json:"entity_id"`
	State      string                 `json:"state"`
	Attributes map[string]interface{} `json:"attributes"`
}

// Registry discovers entities and dispatches tool calls to the Home
// Assistant REST API.
type Registry struct {
	baseURL string
	token   string
	client  *http.Client

	entities []Entity
}

func New(baseURL, token string) *Registry {
	return &Registry{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  http.DefaultClient,
	}
}

// Discover fetches the current entity set from /api/states.
func (r *Registry) Discover(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/api/states", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+r.token)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("hass discover: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("hass discover: status %d: %s", resp.StatusCode, body)
	}

	var entities []Entity
	if err := json.NewDecoder(resp.Body).Decode(&entities); err != nil {
		return fmt.Errorf("hass discover: decode: %w", err)
	}
	r.entities = entities
	return nil
}

func (r *Registry) entityIDs() []string {
	ids := make([]string, 0, len(r.entities))
	for _, e := range r.entities {
		ids = append(ids, e.EntityID)
	}
	return ids
}

// BuildTools generates a constrained JSON schema for the control tool:
// entity-id enum from discovery, action enum, and bounded integer ranges
// for brightness and color temperature.
func (r *Registry) BuildTools() []orchestrator.ToolDefinition {
	return []orchestrator.ToolDefinition{
		{
			Name:        "hass_control",
			Description: "Control or query a Home Assistant entity.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"entity_id": map[string]interface{}{
						"type": "string",
						"enum": r.entityIDs(),
					},
					"action": map[string]interface{}{
						"type": "string",
						"enum": []string{"turn_on", "turn_off", "toggle", "get_state"},
					},
					"brightness": map[string]interface{}{
						"type": "integer", "minimum": 0, "maximum": 255,
					},
					"color_temp_kelvin": map[string]interface{}{
						"type": "integer", "minimum": 2000, "maximum": 6500,
					},
					"color": map[string]interface{}{
						"type":        "string",
						"description": "Named color, #RRGGBB, rgb(r,g,b), or hsl(h,s,l)",
					},
				},
				"required": []string{"entity_id", "action"},
			},
		},
	}
}

type controlInput struct {
	EntityID        string `json:"entity_id"`
	Action          string `json:"action"`
	Brightness      *int   `json:"brightness"`
	ColorTempKelvin *int   `json:"color_temp_kelvin"`
	Color           string `json:"color"`
}

func decodeInput(raw interface{}) (controlInput, error) {
	var in controlInput
	b, err := json.Marshal(raw)
	if err != nil {
		return in, err
	}
	if err := json.Unmarshal(b, &in); err != nil {
		return in, err
	}
	return in, nil
}

// Execute dispatches one tool call by name. Invalid entity ids, unknown
// tool names, and non-2xx HTTP responses all surface as a stringified
// {error: ...} result rather than a Go error — these are reported
// to the LLM as a tool_result, never fatal to the turn. Execute still
// returns a Go error for input-decoding failures (caller wraps it as
// is_error on the tool_result).
func (r *Registry) Execute(ctx context.Context, name string, input interface{}) (string, error) {
	if name != "hass_control" {
		return errorResult(fmt.Sprintf("unknown tool %q", name)), nil
	}
	in, err := decodeInput(input)
	if err != nil {
		return "", err
	}
	if !r.knownEntity(in.EntityID) {
		return errorResult(fmt.Sprintf("unknown entity_id %q", in.EntityID)), nil
	}

	if in.Action == "get_state" {
		return r.getState(ctx, in.EntityID)
	}
	return r.callService(ctx, in)
}

func (r *Registry) knownEntity(id string) bool {
	for _, e := range r.entities {
		if e.EntityID == id {
			return true
		}
	}
	return false
}

func errorResult(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}

func (r *Registry) getState(ctx context.Context, entityID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/api/states/"+entityID, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+r.token)

	resp, err := r.client.Do(req)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errorResult(fmt.Sprintf("status %d: %s", resp.StatusCode, body)), nil
	}
	return string(body), nil
}

// domainOf extracts "light" from "light.living_room".
func domainOf(entityID string) string {
	if i := strings.Index(entityID, "."); i >= 0 {
		return entityID[:i]
	}
	return entityID
}

func (r *Registry) callService(ctx context.Context, in controlInput) (string, error) {
	payload := map[string]interface{}{"entity_id": in.EntityID}
	// color_temp_kelvin takes priority over color when both are supplied.
	if in.ColorTempKelvin != nil {
		payload["color_temp_kelvin"] = *in.ColorTempKelvin
	} else if in.Color != "" {
		rgb, err := ParseColor(in.Color)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		payload["rgb_color"] = []int{rgb.R, rgb.G, rgb.B}
	}
	if in.Brightness != nil {
		payload["brightness"] = *in.Brightness
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/api/services/%s/%s", r.baseURL, domainOf(in.EntityID), in.Action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errorResult(fmt.Sprintf("status %d: %s", resp.StatusCode, respBody)), nil
	}
	return `{"success":true}`, nil
}
