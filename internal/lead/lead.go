// Package lead defines the lead call request accepted by the call-initiation
// webhook. Payloads are validated once, at call-initiation time; the
// resulting value is read-only for the lifetime of the call.
package lead

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// CallRequest is the validated input for one outbound qualification call.
type CallRequest struct {
	LeadID           string `json:"lead_id"`
	FirstName        string `json:"first_name"`
	LastName         string `json:"last_name"`
	PhoneNumber      string `json:"phone_number"`
	Email            string `json:"email"`
	CallLanguageCode string `json:"call_language_code"`
	ProductInterest  string `json:"product_interest,omitempty"`
}

const requestSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["lead_id", "first_name", "last_name", "phone_number", "email"],
	"properties": {
		"lead_id":            {"type": "string", "minLength": 1},
		"first_name":         {"type": "string", "minLength": 1},
		"last_name":          {"type": "string", "minLength": 1},
		"phone_number":       {"type": "string", "pattern": "^\\+[1-9][0-9]{6,14}$"},
		"email":              {"type": "string", "pattern": "^[^@\\s]+@[^@\\s]+\\.[^@\\s]+$"},
		"call_language_code": {"type": "string", "pattern": "^[a-z]{2}(-[A-Z]{2})?$", "default": "en-US"},
		"product_interest":   {"type": "string"}
	},
	"additionalProperties": false
}`

var schemaOnce = struct {
	once    sync.Once
	schema  *jsonschema.Schema
	initErr error
}{}

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.once.Do(func() {
		schemaOnce.schema, schemaOnce.initErr = jsonschema.CompileString("lead_call_request", requestSchema)
	})
	return schemaOnce.schema, schemaOnce.initErr
}

// ParseRequest validates a raw webhook payload against the request schema
// and decodes it. Validation happens exactly once here; downstream code
// trusts the result.
func ParseRequest(data []byte) (*CallRequest, error) {
	schema, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("lead schema unavailable: %w", err)
	}

	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("invalid lead payload: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("invalid lead payload: %w", err)
	}

	var req CallRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid lead payload: %w", err)
	}
	if req.CallLanguageCode == "" {
		req.CallLanguageCode = "en-US"
	}
	return &req, nil
}

// EncodeContext packs the lead as a urlsafe-base64 JSON string suitable for
// a Twilio stream custom parameter.
func EncodeContext(req *CallRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode lead context: %w", err)
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

// DecodeContext reverses EncodeContext. Used when the telephony stream's
// start event delivers the lead back to the media bridge.
func DecodeContext(encoded string) (*CallRequest, error) {
	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode lead context: %w", err)
	}
	var req CallRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode lead context: %w", err)
	}
	return &req, nil
}

// InitialPrompt renders the instruction sent to the agent backend when the
// call is answered.
func (r *CallRequest) InitialPrompt() string {
	info, _ := json.Marshal(r)
	return fmt.Sprintf(
		"The phone call has just been answered. Your goal is to qualify the lead. "+
			"The lead's info is: %s. Please begin by confirming that you are speaking to %s.",
		info, r.FirstName)
}
