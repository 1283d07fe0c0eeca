package protocol

import "fmt"

type InputKind string

const (
	TokenInput       InputKind = "TOKEN"
	HiddenStateInput InputKind = "HIDDEN_STATE"
)

type OutputKind string

const (
	HiddenStateOutput OutputKind = "HIDDEN_STATE"
	TokenOutput       OutputKind = "TOKEN"
	// EmptyOutput means the segment consumed a prompt token and nothing
	// further needs to run for it.
	EmptyOutput OutputKind = "EMPTY"
)

// WorkInput is either a token or an Arrow-encoded hidden state.
type WorkInput struct {
	Kind        InputKind `json:"kind"`
	Token       int       `json:"token"`
	HiddenState []byte    `json:"hidden_state,omitempty"`
}

func NewTokenInput(token int) WorkInput {
	return WorkInput{Kind: TokenInput, Token: token}
}

func NewHiddenStateInput(h []float32) (WorkInput, error) {
	b, err := EncodeHiddenState(h)
	if err != nil {
		return WorkInput{}, err
	}
	return WorkInput{Kind: HiddenStateInput, HiddenState: b}, nil
}

// Hidden decodes the hidden state of a HiddenStateInput.
func (in WorkInput) Hidden() ([]float32, error) {
	if in.Kind != HiddenStateInput {
		return nil, fmt.Errorf("work input is %s, not %s", in.Kind, HiddenStateInput)
	}
	return DecodeHiddenState(in.HiddenState)
}

func (in WorkInput) Validate() error {
	switch in.Kind {
	case TokenInput:
		if in.Token < 0 {
			return fmt.Errorf("invalid token: %d", in.Token)
		}
	case HiddenStateInput:
		if len(in.HiddenState) == 0 {
			return fmt.Errorf("hidden state input has no data")
		}
	default:
		return fmt.Errorf("unknown input kind: %q", in.Kind)
	}
	return nil
}

// WorkOutput is a hidden state for the next segment, a generated token, or
// nothing.
type WorkOutput struct {
	Kind        OutputKind `json:"kind"`
	Token       int        `json:"token"`
	HiddenState []byte     `json:"hidden_state,omitempty"`
}

func NewTokenOutput(token int) WorkOutput {
	return WorkOutput{Kind: TokenOutput, Token: token}
}

func NewHiddenStateOutput(h []float32) (WorkOutput, error) {
	b, err := EncodeHiddenState(h)
	if err != nil {
		return WorkOutput{}, err
	}
	return WorkOutput{Kind: HiddenStateOutput, HiddenState: b}, nil
}

func NewEmptyOutput() WorkOutput {
	return WorkOutput{Kind: EmptyOutput}
}

// Input turns a hidden-state output into the next segment's input without
// decoding it.
func (out WorkOutput) Input() (WorkInput, error) {
	if out.Kind != HiddenStateOutput {
		return WorkInput{}, fmt.Errorf("work output is %s, not %s", out.Kind, HiddenStateOutput)
	}
	return WorkInput{Kind: HiddenStateInput, HiddenState: out.HiddenState}, nil
}

func (out WorkOutput) Hidden() ([]float32, error) {
	if out.Kind != HiddenStateOutput {
		return nil, fmt.Errorf("work output is %s, not %s", out.Kind, HiddenStateOutput)
	}
	return DecodeHiddenState(out.HiddenState)
}
