package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/warden/internal/decision"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

type MessageType string

// Outbound.
const (
	TypePlanRequest        MessageType = "plan_request"
	TypePaymentRequest     MessageType = "payment_request"
	TypeGuardrailViolation MessageType = "guardrail_violation"
	TypeStatus             MessageType = "status"
	TypeError              MessageType = "error"
)

// Inbound.
const (
	TypePlanResponse    MessageType = "plan_response"
	TypePaymentResponse MessageType = "payment_response"
)

var (
	// ErrMalformed means an inbound frame was not valid JSON.
	ErrMalformed = errors.New("malformed message")
	// ErrInvalid means an inbound frame was JSON but not a message we accept.
	ErrInvalid = errors.New("invalid message")
)

// Reply texts sent back to the client for rejected frames.
const (
	ReplyInvalidJSON    = "Invalid JSON format."
	ReplyInvalidMessage = "Invalid message format."
)

// Message is an outbound envelope.
type Message struct {
	Type MessageType `json:"type"`
	Data any         `json:"data"`
}

type PlanRequest struct {
	Plan string `json:"plan"`
}

// PaymentRequest carries the two offers the task wants to choose between.
type PaymentRequest struct {
	Amount           float64 `json:"amount"`
	Currency         string  `json:"currency"`
	Item             string  `json:"item"`
	Link             string  `json:"link"`
	Site1            string  `json:"site1"`
	Site1Domain      string  `json:"site1Domain"`
	Site2            string  `json:"site2"`
	Site2Domain      string  `json:"site2Domain"`
	ApprovalRequired bool    `json:"approval_required"`
	ApprovalLabel    string  `json:"approval_label"`
}

type Notice struct {
	Message string `json:"message"`
}

func PlanRequestMessage(plan string) Message {
	return Message{Type: TypePlanRequest, Data: PlanRequest{Plan: plan}}
}

func PaymentRequestMessage(p PaymentRequest) Message {
	return Message{Type: TypePaymentRequest, Data: p}
}

func GuardrailViolationMessage(text string) Message {
	return Message{Type: TypeGuardrailViolation, Data: Notice{Message: text}}
}

func StatusMessage(text string) Message {
	return Message{Type: TypeStatus, Data: Notice{Message: text}}
}

func ErrorMessage(text string) Message {
	return Message{Type: TypeError, Data: Notice{Message: text}}
}

// Inbound is a validated client frame.
type Inbound struct {
	Type     MessageType
	Decision decision.Decision
}

// Kind maps a response type to the checkpoint it answers.
func (in Inbound) Kind() (decision.Kind, bool) {
	switch in.Type {
	case TypePlanResponse:
		return decision.KindPlan, true
	case TypePaymentResponse:
		return decision.KindPayment, true
	default:
		return "", false
	}
}

const inboundSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"data": {"type": "object"}
	},
	"if": {
		"properties": {"type": {"enum": ["plan_response", "payment_response"]}}
	},
	"then": {
		"required": ["data"],
		"properties": {
			"data": {
				"required": ["decision"],
				"properties": {
					"decision": {"type": "string", "enum": ["approved", "denied"]}
				}
			}
		}
	}
}`

var inboundSchema = mustCompile("inbound.json", inboundSchemaJSON)

func mustCompile(name, src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("dispatch: unmarshal %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("dispatch: add %s: %v", name, err))
	}
	schema, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("dispatch: compile %s: %v", name, err))
	}
	return schema
}

type inboundEnvelope struct {
	Type MessageType `json:"type"`
	Data struct {
		Decision string `json:"decision"`
	} `json:"data"`
}

// Decode parses and validates one inbound frame.
func Decode(raw []byte) (Inbound, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := inboundSchema.Validate(doc); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	in := Inbound{Type: env.Type}
	if _, ok := in.Kind(); ok {
		d, ok := decision.Parse(env.Data.Decision)
		if !ok {
			return Inbound{}, fmt.Errorf("%w: decision %q", ErrInvalid, env.Data.Decision)
		}
		in.Decision = d
	}
	return in, nil
}

// ReplyFor returns the text sent back to a client whose frame was rejected.
func ReplyFor(err error) string {
	if errors.Is(err, ErrMalformed) {
		return ReplyInvalidJSON
	}
	return ReplyInvalidMessage
}
