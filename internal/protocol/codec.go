package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// WireResponse is the JSON envelope returned to testboxes.
type WireResponse struct {
	Result   Result         `json:"result"`
	Error    ErrorKind      `json:"error,omitempty"`
	Message  string         `json:"message,omitempty"`
	Location string         `json:"location,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Wire converts an outcome to its JSON envelope.
func (o Outcome) Wire() WireResponse {
	return WireResponse{
		Result:   o.Result,
		Error:    o.Error,
		Message:  o.Message,
		Location: o.Location,
		Payload:  o.Payload,
	}
}

// EncodeOutcome serializes an outcome as JSON to w.
func EncodeOutcome(w io.Writer, o Outcome) error {
	if err := json.NewEncoder(w).Encode(o.Wire()); err != nil {
		return fmt.Errorf("failed to encode outcome: %w", err)
	}
	return nil
}

// DecodeOutcome reads a JSON envelope back into an outcome. Used by clients.
func DecodeOutcome(r io.Reader) (Outcome, error) {
	var wr WireResponse
	if err := json.NewDecoder(r).Decode(&wr); err != nil {
		return Outcome{}, fmt.Errorf("failed to decode outcome: %w", err)
	}
	if wr.Result == "" {
		return Outcome{}, fmt.Errorf("response missing required field: result")
	}
	return Outcome{
		Result:   wr.Result,
		Error:    wr.Error,
		Message:  wr.Message,
		Location: wr.Location,
		Payload:  wr.Payload,
	}, nil
}

// DecodeParams reads a flat JSON object of string, number or boolean values.
// Numbers keep their literal text so integer parameters survive untouched.
// Objects and arrays under keys no command accepts are ignored like any other
// unknown key.
func DecodeParams(r io.Reader) (map[string]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read parameters: %w", err)
	}
	out := make(map[string]string)
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parameters must be a JSON object: %w", err)
	}
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case json.Number:
			out[k] = val.String()
		case bool:
			out[k] = strconv.FormatBool(val)
		case nil:
		default:
			if knownParam(k) {
				return nil, fmt.Errorf("parameter %q must be a string or number", k)
			}
		}
	}
	return out, nil
}

// HTTPStatus maps an outcome to the HTTP status used by the transport.
func HTTPStatus(o Outcome) int {
	switch o.Result {
	case ResultOK, ResultNoWork:
		return http.StatusOK
	case ResultRedirect:
		return http.StatusTemporaryRedirect
	case ResultProtocolError:
		switch o.Error {
		case ErrUnknownTestBox:
			return http.StatusNotFound
		case ErrInvalidState, ErrStaleReport:
			return http.StatusConflict
		default:
			return http.StatusBadRequest
		}
	default:
		return http.StatusInternalServerError
	}
}
