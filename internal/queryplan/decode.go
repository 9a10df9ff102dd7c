package queryplan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// MaxBodyBytes caps how much of an untrusted request body is read. Plans are
// small; anything near this size is malformed or hostile.
const MaxBodyBytes = 1 << 20

// BatchEnvelope is the request body for batch execution. TenantID is only
// honored when request authentication is disabled; with auth enabled the
// tenant comes from the verified token.
type BatchEnvelope struct {
	TenantID   string      `json:"tenantId,omitempty"`
	Primary    *QueryPlan  `json:"primary"`
	Contextual []QueryPlan `json:"contextual,omitempty"`
	Connection *QueryPlan  `json:"connection,omitempty"`
}

// QueryEnvelope is the request body for single plan execution.
type QueryEnvelope struct {
	TenantID string     `json:"tenantId,omitempty"`
	Plan     *QueryPlan `json:"plan"`
}

// DecodeBatch reads and decodes a batch envelope. Unknown fields are
// tolerated (planner payloads drift), the size cap is not.
func DecodeBatch(r io.Reader) (BatchEnvelope, error) {
	var env BatchEnvelope
	body, err := readBody(r)
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("malformed batch request: %w", err)
	}
	if env.Primary != nil {
		env.Primary.Normalize()
	}
	for i := range env.Contextual {
		env.Contextual[i].Normalize()
	}
	if env.Connection != nil {
		env.Connection.Normalize()
	}
	return env, nil
}

// DecodeQuery reads and decodes a single plan envelope.
func DecodeQuery(r io.Reader) (QueryEnvelope, error) {
	var env QueryEnvelope
	body, err := readBody(r)
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return env, fmt.Errorf("malformed query request: %w", err)
	}
	if env.Plan != nil {
		env.Plan.Normalize()
	}
	return env, nil
}

func readBody(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("request body is empty")
	}
	body, err := io.ReadAll(io.LimitReader(r, MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}
	if len(body) > MaxBodyBytes {
		return nil, fmt.Errorf("request body exceeds %d bytes", MaxBodyBytes)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("request body is empty")
	}
	return body, nil
}
