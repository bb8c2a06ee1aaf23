package netx

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	helloType   = "bus.hello"
	welcomeType = "bus.welcome"

	HelloStatusAccepted = "accepted"
	HelloStatusRejected = "rejected"

	maxControlLine = 64 * 1024
)

var (
	ErrInvalidHello           = errors.New("netx: invalid hello")
	ErrInvalidWelcome         = errors.New("netx: invalid welcome")
	ErrHelloRejected          = errors.New("netx: hello rejected")
	ErrControlMessageTooLarge = errors.New("netx: control message too large")
)

// Hello is the dialer's identity announcement, sent before any frame.
type Hello struct {
	Identity string `json:"identity"`
}

func (h Hello) Validate() error {
	if strings.TrimSpace(h.Identity) == "" {
		return fmt.Errorf("%w: missing identity", ErrInvalidHello)
	}
	return nil
}

// Welcome is the listener's handshake response.
type Welcome struct {
	Identity string `json:"identity"`
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
}

func (w Welcome) Validate() error {
	if strings.TrimSpace(w.Identity) == "" {
		return fmt.Errorf("%w: missing identity", ErrInvalidWelcome)
	}
	if w.Status != HelloStatusAccepted && w.Status != HelloStatusRejected {
		return fmt.Errorf("%w: invalid status %q", ErrInvalidWelcome, w.Status)
	}
	return nil
}

type controlEnvelope struct {
	Type    string   `json:"type"`
	Hello   *Hello   `json:"hello,omitempty"`
	Welcome *Welcome `json:"welcome,omitempty"`
}

func WriteHello(w io.Writer, hello Hello) error {
	if err := hello.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: helloType, Hello: &hello})
}

func ReadHello(r *bufio.Reader) (Hello, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Hello{}, err
	}
	if env.Type != helloType || env.Hello == nil {
		return Hello{}, fmt.Errorf("%w: unexpected control type", ErrInvalidHello)
	}
	if err := env.Hello.Validate(); err != nil {
		return Hello{}, err
	}
	return *env.Hello, nil
}

func WriteWelcome(w io.Writer, welcome Welcome) error {
	if err := welcome.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: welcomeType, Welcome: &welcome})
}

func ReadWelcome(r *bufio.Reader) (Welcome, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Welcome{}, err
	}
	if env.Type != welcomeType || env.Welcome == nil {
		return Welcome{}, fmt.Errorf("%w: unexpected control type", ErrInvalidWelcome)
	}
	if err := env.Welcome.Validate(); err != nil {
		return Welcome{}, err
	}
	return *env.Welcome, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return controlEnvelope{}, err
	}
	if len(line) > maxControlLine {
		return controlEnvelope{}, ErrControlMessageTooLarge
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
