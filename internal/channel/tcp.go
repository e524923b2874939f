package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/testhive/testhive/internal/events"
	"github.com/testhive/testhive/internal/model"
)

// Message types of the loopback JSON protocol. One JSON object per
// message, host connects to 127.0.0.1 on the port handed to it at
// launch.
const (
	MsgInitializeDiscovery = "initialize.discovery"
	MsgInitializeExecution = "initialize.execution"
	MsgDiscoveryStart      = "discovery.start"
	MsgDiscoveryTests      = "discovery.tests"
	MsgDiscoveryComplete   = "discovery.complete"
	MsgExecutionStart      = "execution.start"
	MsgExecutionResults    = "execution.results"
	MsgExecutionStats      = "execution.stats"
	MsgExecutionComplete   = "execution.complete"
	MsgLog                 = "log"
	MsgAbort               = "abort"
)

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type LogPayload struct {
	Severity int    `json:"severity"`
	Message  string `json:"message"`
}

// TCP is a Session over a loopback TCP connection the test host dials
// back to. It listens before the host is launched, so the port can be
// part of the host start info.
type TCP struct {
	mu      sync.Mutex
	ln      *net.TCPListener
	conn    net.Conn
	enc     *json.Encoder
	dec     *json.Decoder
	aborted bool
}

var _ Session = (*TCP)(nil)

func NewTCP() *TCP {
	return &TCP{}
}

// TCPFactory is a channel.Factory over NewTCP.
func TCPFactory() (Session, error) {
	return NewTCP(), nil
}

func (t *TCP) InitializeCommunication() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ln != nil {
		return t.ln.Addr().(*net.TCPAddr).Port, nil
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("channel listen: %w", err)
	}
	t.ln = ln.(*net.TCPListener)
	return t.ln.Addr().(*net.TCPAddr).Port, nil
}

func (t *TCP) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	t.mu.Lock()
	ln := t.ln
	t.mu.Unlock()
	if ln == nil {
		return errors.New("channel not listening")
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ln.SetDeadline(deadline); err != nil {
		return err
	}

	// a canceled ctx unblocks the accept via the listener deadline,
	// same as pump does for reads
	stop := context.AfterFunc(ctx, func() {
		_ = ln.SetDeadline(time.Now())
	})
	defer stop()

	// an Abort racing the SetDeadline above is caught here, one that
	// lands later kicks the listener itself
	t.mu.Lock()
	aborted := t.aborted
	t.mu.Unlock()
	if aborted {
		return model.ErrAborted
	}

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		t.mu.Lock()
		aborted = t.aborted
		t.mu.Unlock()
		if aborted {
			return model.ErrAborted
		}
		if os.IsTimeout(err) {
			return fmt.Errorf("waited %v: %w", timeout, model.ErrConnectTimeout)
		}
		return fmt.Errorf("channel accept: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.enc = json.NewEncoder(conn)
	t.dec = json.NewDecoder(conn)
	t.mu.Unlock()
	return nil
}

func (t *TCP) InitializeDiscovery(adapterPaths []string) error {
	return t.send(MsgInitializeDiscovery, adapterPaths)
}

func (t *TCP) InitializeExecution(adapterPaths []string) error {
	return t.send(MsgInitializeExecution, adapterPaths)
}

func (t *TCP) DiscoverTests(ctx context.Context, criteria model.DiscoveryCriteria, sink events.DiscoverySink) error {
	if err := t.send(MsgDiscoveryStart, criteria); err != nil {
		return err
	}
	return t.pump(ctx, func(env Envelope, raw []byte) (done bool, err error) {
		switch env.Type {
		case MsgDiscoveryTests:
			var tests []model.TestCase
			if err := json.Unmarshal(env.Payload, &tests); err != nil {
				return false, err
			}
			sink.HandleDiscoveredTests(tests)
		case MsgDiscoveryComplete:
			var complete events.DiscoveryComplete
			if err := json.Unmarshal(env.Payload, &complete); err != nil {
				return false, err
			}
			sink.HandleDiscoveryComplete(complete)
			return true, nil
		case MsgLog:
			var p LogPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return false, err
			}
			sink.HandleLogMessage(events.Severity(p.Severity), p.Message)
		default:
			sink.HandleRawMessage(raw)
		}
		return false, nil
	})
}

func (t *TCP) StartExecution(ctx context.Context, criteria model.RunCriteria, sink events.RunSink) error {
	if err := t.send(MsgExecutionStart, criteria); err != nil {
		return err
	}
	return t.pump(ctx, func(env Envelope, raw []byte) (done bool, err error) {
		switch env.Type {
		case MsgExecutionResults:
			var results []model.TestResult
			if err := json.Unmarshal(env.Payload, &results); err != nil {
				return false, err
			}
			sink.HandleTestResults(results)
		case MsgExecutionStats:
			var stats model.RunStats
			if err := json.Unmarshal(env.Payload, &stats); err != nil {
				return false, err
			}
			sink.HandleRunStatsChange(stats)
		case MsgExecutionComplete:
			var complete events.RunComplete
			if err := json.Unmarshal(env.Payload, &complete); err != nil {
				return false, err
			}
			sink.HandleRunComplete(complete)
			return true, nil
		case MsgLog:
			var p LogPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return false, err
			}
			sink.HandleLogMessage(events.Severity(p.Severity), p.Message)
		default:
			sink.HandleRawMessage(raw)
		}
		return false, nil
	})
}

// pump reads envelopes until handle reports done or the conduit
// breaks. A canceled ctx unblocks the read via a read deadline.
func (t *TCP) pump(ctx context.Context, handle func(env Envelope, raw []byte) (bool, error)) error {
	t.mu.Lock()
	conn, dec := t.conn, t.dec
	t.mu.Unlock()
	if conn == nil {
		return model.ErrHostNotRunning
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		var env Envelope
		if err := dec.Decode(&env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("channel receive: %w", err)
		}
		raw, _ := json.Marshal(env)
		done, err := handle(env, raw)
		if err != nil {
			return fmt.Errorf("channel decode %q: %w", env.Type, err)
		}
		if done {
			return nil
		}
	}
}

// Abort asks a connected host to stop. Before any host has connected
// it kicks the listener instead, so a pending WaitForConnection
// returns right away.
func (t *TCP) Abort() error {
	t.mu.Lock()
	t.aborted = true
	ln, connected := t.ln, t.enc != nil
	t.mu.Unlock()
	if !connected {
		if ln != nil {
			_ = ln.SetDeadline(time.Now())
		}
		return nil
	}
	return t.send(MsgAbort, nil)
}

func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	if t.conn != nil {
		errs = append(errs, t.conn.Close())
		t.conn = nil
	}
	if t.ln != nil {
		errs = append(errs, t.ln.Close())
		t.ln = nil
	}
	return errors.Join(errs...)
}

func (t *TCP) send(msgType string, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enc == nil {
		return model.ErrHostNotRunning
	}
	env := Envelope{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		env.Payload = raw
	}
	if err := t.enc.Encode(env); err != nil {
		return fmt.Errorf("channel send %q: %w", msgType, err)
	}
	return nil
}
