// Package agents implements the workflow roles (architect, plan validator,
// developer, reviewer, evaluator, oracle) as thin stateless layers over the
// driver abstraction. Each agent builds its prompt from typed inputs, runs
// the driver, and returns a typed result for the pipeline to merge into
// state. Agents hold no mutable state between calls.
package agents

import (
	"context"
	"fmt"

	"github.com/amelia-dev/amelia/pkg/driver"
)

// Sink receives every streamed driver message live, before the agent's
// result is assembled. A nil Sink discards the stream.
type Sink func(agent string, msg driver.Message)

// sessionCarrier is implemented by drivers that track a backend session id
// across calls.
type sessionCarrier interface {
	SessionID() string
}

// RunOutcome is the collected tail of one agentic driver run.
type RunOutcome struct {
	ToolCalls   []driver.Message
	ToolResults []driver.Message
	Final       string
	SessionID   string
	Usage       *driver.Usage
}

// collectAgentic drains an agentic stream, forwarding every message to the
// sink and accumulating tool traffic, the final response, and usage.
func collectAgentic(ctx context.Context, d driver.Driver, agent string, req driver.AgenticRequest, sink Sink) (*RunOutcome, error) {
	stream, err := d.ExecuteAgentic(ctx, req)
	if err != nil {
		return nil, err
	}

	out := &RunOutcome{}
	for {
		msg, ok := stream.Next()
		if !ok {
			break
		}
		if sink != nil {
			sink(agent, msg)
		}
		switch msg.Kind {
		case driver.KindToolCall:
			out.ToolCalls = append(out.ToolCalls, msg)
		case driver.KindToolResult:
			out.ToolResults = append(out.ToolResults, msg)
		case driver.KindResult:
			out.Final = msg.Content
		case driver.KindUsage:
			if msg.Usage != nil {
				if out.Usage == nil {
					out.Usage = &driver.Usage{}
				}
				out.Usage.Add(*msg.Usage)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("%s run: %w", agent, err)
	}

	if sc, ok := d.(sessionCarrier); ok {
		out.SessionID = sc.SessionID()
	}
	return out, nil
}
