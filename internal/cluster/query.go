package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-mesh/internal/metrics"
	"github.com/23skdu/longbow-mesh/internal/protocol"
)

// DefaultMaxLength bounds generation when a query does not set a limit.
const DefaultMaxLength = 25

// SubmitQuery encodes the query text and starts generating in the
// background. It returns the query id to poll.
func (o *Orchestrator) SubmitQuery(req protocol.QueryRequest) (string, error) {
	m, err := o.state.activeModel(req.ModelID)
	if err != nil {
		return "", err
	}
	if req.TopK < 0 {
		return "", fmt.Errorf("invalid top k: %d (must not be negative)", req.TopK)
	}
	if req.MaxLength < 0 {
		return "", fmt.Errorf("invalid max length: %d (must not be negative)", req.MaxLength)
	}
	if req.MaxLength == 0 {
		req.MaxLength = DefaultMaxLength
	}

	input := m.tokenizer.Encode(req.Text)
	if len(input) == 0 {
		input = []int{m.tokenizer.EndOfText()}
	}
	q := &queryState{
		id:        uuid.NewString(),
		modelID:   req.ModelID,
		sessionID: req.SessionID,
		input:     input,
		topK:      req.TopK,
		maxLength: req.MaxLength,
	}
	o.state.addQuery(q)
	o.log.Info("Query accepted", "model", req.ModelID, "query", q.id, "session", req.SessionID, "prompt_tokens", len(input))

	go o.runQuery(m, q)
	return q.id, nil
}

// StartSession returns a new session id. Queries that share it continue
// one KV cache on the workers.
func (o *Orchestrator) StartSession() string {
	return uuid.NewString()
}

// PollQuery returns the query's progress. Only the first attempt logs.
func (o *Orchestrator) PollQuery(queryID string, attempt int) (protocol.QueryResult, error) {
	res, err := o.state.PollQuery(queryID)
	if attempt == 0 {
		o.log.Debug("Poll query", "query", queryID, "ready", res.Ready)
	}
	return res, err
}

// runQuery generates tokens for one query. Queries on the same model wait
// for each other since they share the workers' KV caches.
func (o *Orchestrator) runQuery(m *modelState, q *queryState) {
	m.queryMu.Lock()
	defer m.queryMu.Unlock()
	start := time.Now()
	log := o.log.With("query", q.id)

	// a new session clears the caches of every segment that holds layers;
	// a continued one appends after the positions already cached
	resets := make([]bool, len(m.segments))
	if q.sessionID == "" || q.sessionID != m.session {
		for i, seg := range m.segments {
			resets[i] = seg.Type.HasLayers()
		}
		m.session, m.cached = q.sessionID, 0
	}

	generated, err := o.generate(m, q, resets, m.cached)
	o.state.finishQuery(q.id, err)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		// the caches are in an unknown state
		m.session, m.cached = "", 0
		log.Error("Query failed", "model", m.id, "generated", generated, "error", err)
	} else {
		// the last generated token is never fed back
		m.cached += len(q.input) + generated - 1
		log.Info("Query finished", "model", m.id, "generated", generated, "duration", time.Since(start).String())
	}
	if o.observer != nil {
		o.observer.RecordInference("query", generated, time.Since(start), err)
	}
	metrics.RecordQuery(m.id, outcome, time.Since(start))
	metrics.RecordTokens(m.id, len(q.input), generated)
}

// generate walks the segment chain once per token. Prompt tokens stop at the
// model's last attention layer with an empty output; every other token runs
// to the tail, which returns the next token. Positions start at base.
func (o *Orchestrator) generate(m *modelState, q *queryState, resets []bool, base int) (int, error) {
	segments := m.segments
	eot := m.tokenizer.EndOfText()

	processed := 0
	var generated, text []int
	idx := 0
	input := protocol.NewTokenInput(q.input[0])

	for {
		seg := segments[idx]
		inputOnly := len(q.input)-1 > processed
		req := protocol.WorkRequest{
			WorkID:       uuid.NewString(),
			ModelID:      m.id,
			Input:        input,
			Segment:      seg,
			Position:     base + processed + len(generated),
			TopK:         q.topK,
			InputOnly:    inputOnly,
			ClearSession: resets[idx],
		}
		res, err := o.work(seg.WorkerAddress, req)
		if err != nil {
			return len(generated), err
		}
		resets[idx] = false
		out := res.Output

		if out.Kind == protocol.HiddenStateOutput {
			next := idx + 1
			// the tail has nothing to add to a prompt token
			if next < len(segments) && !(inputOnly && segments[next].Type == protocol.TailOnly) {
				if input, err = out.Input(); err != nil {
					return len(generated), err
				}
				idx = next
				continue
			}
			if !inputOnly {
				return len(generated), fmt.Errorf("segment %s returned a hidden state with no segment after it", seg)
			}
			out = protocol.NewEmptyOutput()
		}

		switch out.Kind {
		case protocol.EmptyOutput:
			if !inputOnly {
				return len(generated), fmt.Errorf("segment %s returned no token for the last prompt token", seg)
			}
			processed++
			input = protocol.NewTokenInput(q.input[processed])
			idx = 0

		case protocol.TokenOutput:
			generated = append(generated, out.Token)
			if out.Token != eot {
				text = append(text, out.Token)
			}
			o.state.recordToken(q.id, out.Token, m.tokenizer.Decode(text))
			if out.Token == eot || len(generated) >= q.maxLength {
				return len(generated), nil
			}
			input = protocol.NewTokenInput(out.Token)
			idx = 0

		default:
			return len(generated), fmt.Errorf("unknown output kind: %q", out.Kind)
		}
	}
}

func (o *Orchestrator) work(addr string, req protocol.WorkRequest) (protocol.WorkResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.node.RequestTimeout)
	defer cancel()
	if req.ClearSession {
		if err := o.probe(ctx, addr); err != nil {
			return protocol.WorkResult{}, err
		}
	}
	res, err := o.client.Work(ctx, addr, req)
	if err != nil {
		return res, fmt.Errorf("work %s on %s: %w", req.Segment.Type, addr, err)
	}
	return res, nil
}
