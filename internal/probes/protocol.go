package probes

import (
	"encoding/json"
	"fmt"
)

// RequestKind tags the Request union carried over the guest agent channel.
type RequestKind string

const (
	RequestPing       RequestKind = "ping"
	RequestCheckProbe RequestKind = "check_probe"
	RequestCheckAll   RequestKind = "check_all"
)

// NamedSpec pairs a probe id with its spec, preserving declaration order
// (a plain map would not) for check_all requests.
type NamedSpec struct {
	ID   string
	Spec Spec
}

// Request is a host->guest agent message.
type Request struct {
	Kind   RequestKind
	ID     string
	Spec   Spec
	Probes []NamedSpec
}

type requestWire struct {
	Type   RequestKind  `json:"type"`
	ID     string       `json:"id,omitempty"`
	Spec   *Spec        `json:"spec,omitempty"`
	Probes [][2]any     `json:"probes,omitempty"`
}

// MarshalJSON encodes Request per the NDJSON wire format in the external
// interfaces section: check_all's probes are [id, spec] pairs, not an object,
// so that declaration order survives the round trip.
func (r Request) MarshalJSON() ([]byte, error) {
	w := requestWire{Type: r.Kind}
	switch r.Kind {
	case RequestCheckProbe:
		w.ID = r.ID
		w.Spec = &r.Spec
	case RequestCheckAll:
		w.Probes = make([][2]any, len(r.Probes))
		for i, p := range r.Probes {
			w.Probes[i] = [2]any{p.ID, p.Spec}
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a Request, reconstructing the [id, spec] pairs for
// check_all.
func (r *Request) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type   RequestKind       `json:"type"`
		ID     string            `json:"id"`
		Spec   Spec              `json:"spec"`
		Probes []json.RawMessage `json:"probes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Kind = raw.Type
	r.ID = raw.ID
	r.Spec = raw.Spec
	r.Probes = nil
	for _, rm := range raw.Probes {
		var pair [2]json.RawMessage
		if err := json.Unmarshal(rm, &pair); err != nil {
			return fmt.Errorf("decode probe pair: %w", err)
		}
		var id string
		var spec Spec
		if err := json.Unmarshal(pair[0], &id); err != nil {
			return fmt.Errorf("decode probe id: %w", err)
		}
		if err := json.Unmarshal(pair[1], &spec); err != nil {
			return fmt.Errorf("decode probe spec: %w", err)
		}
		r.Probes = append(r.Probes, NamedSpec{ID: id, Spec: spec})
	}
	return nil
}

// NewPing builds a ping request.
func NewPing() Request { return Request{Kind: RequestPing} }

// NewCheckProbe builds a check_probe request.
func NewCheckProbe(id string, spec Spec) Request {
	return Request{Kind: RequestCheckProbe, ID: id, Spec: spec}
}

// NewCheckAll builds a check_all request.
func NewCheckAll(probes []NamedSpec) Request {
	return Request{Kind: RequestCheckAll, Probes: probes}
}

// ResponseKind tags the Response union.
type ResponseKind string

const (
	ResponsePong        ResponseKind = "pong"
	ResponseProbeResult ResponseKind = "probe_result"
	ResponseAllResults  ResponseKind = "all_results"
	ResponseError       ResponseKind = "error"
)

// Result is the outcome of evaluating a single probe.
type Result struct {
	ID      string `json:"id"`
	Passed  bool   `json:"passed"`
	Message string `json:"message"`
}

// Pass builds a passing Result.
func Pass(id, message string) Result { return Result{ID: id, Passed: true, Message: message} }

// Fail builds a failing Result.
func Fail(id, message string) Result { return Result{ID: id, Passed: false, Message: message} }

// Response is a guest agent->host message.
type Response struct {
	Kind       ResponseKind
	ID         string
	Passed     bool
	Message    string
	Results    []Result
	UptimeSecs uint64
}

type responseWire struct {
	Type       ResponseKind `json:"type"`
	ID         string       `json:"id,omitempty"`
	Passed     bool         `json:"passed,omitempty"`
	Message    string       `json:"message,omitempty"`
	Results    []Result     `json:"results,omitempty"`
	UptimeSecs uint64       `json:"uptime_secs,omitempty"`
}

// MarshalJSON encodes Response per the NDJSON wire format.
func (r Response) MarshalJSON() ([]byte, error) {
	w := responseWire{
		Type:       r.Kind,
		ID:         r.ID,
		Passed:     r.Passed,
		Message:    r.Message,
		Results:    r.Results,
		UptimeSecs: r.UptimeSecs,
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a Response.
func (r *Response) UnmarshalJSON(data []byte) error {
	var w responseWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.Kind = w.Type
	r.ID = w.ID
	r.Passed = w.Passed
	r.Message = w.Message
	r.Results = w.Results
	r.UptimeSecs = w.UptimeSecs
	return nil
}

// NewPong builds a pong response.
func NewPong(uptimeSecs uint64) Response {
	return Response{Kind: ResponsePong, UptimeSecs: uptimeSecs}
}

// NewProbeResult builds a probe_result response from a Result.
func NewProbeResult(r Result) Response {
	return Response{Kind: ResponseProbeResult, ID: r.ID, Passed: r.Passed, Message: r.Message}
}

// NewAllResults builds an all_results response.
func NewAllResults(results []Result) Response {
	return Response{Kind: ResponseAllResults, Results: results}
}

// NewErrorResponse builds an error response.
func NewErrorResponse(message string) Response {
	return Response{Kind: ResponseError, Message: message}
}
