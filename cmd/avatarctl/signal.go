package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/antoniostano/avatarcast/internal/protocol"
	"github.com/antoniostano/avatarcast/internal/reliability"
)

const (
	reconnectBase = 500 * time.Millisecond
	reconnectCap  = 10 * time.Second
)

// errTerminal marks a server rejection that reconnecting would only repeat.
var errTerminal = errors.New("terminal signaling error")

var signalCmd = &cobra.Command{
	Use:   "signal",
	Short: "Register on /v1/signal/ws as a role and print relayed messages",
	Long: "Registers as the given role and prints every relayed message as one JSON line.\n" +
		"With --stdin, each JSON line read from stdin is sent to the counterpart.\n" +
		"Dropped connections are retried with capped exponential backoff.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		sessionID, _ := cmd.Flags().GetString("session")
		role, _ := cmd.Flags().GetString("role")
		fromStdin, _ := cmd.Flags().GetBool("stdin")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
		if strings.TrimSpace(sessionID) == "" {
			return errors.New("--session is required")
		}
		endpoint, err := wsURL(viper.GetString("server"), "/v1/signal/ws")
		if err != nil {
			return err
		}

		var outbound chan []byte
		if fromStdin {
			outbound = make(chan []byte, 16)
			go scanLines(os.Stdin, outbound)
		}

		p := &signalPeer{
			endpoint:  endpoint,
			sessionID: sessionID,
			role:      role,
			out:       cmd.OutOrStdout(),
			outbound:  outbound,
			logger:    newLogger(),
		}
		return p.run(cmd.Context(), maxAttempts)
	},
}

func init() {
	rootCmd.AddCommand(signalCmd)

	signalCmd.Flags().String("session", "", "session id to join")
	signalCmd.Flags().String("role", "client", "client|media-peer")
	signalCmd.Flags().Bool("stdin", false, "forward JSON lines from stdin")
	signalCmd.Flags().Int("max-attempts", 0, "give up after this many consecutive failed connections (0 = never)")
}

type signalPeer struct {
	endpoint  string
	sessionID string
	role      string
	out       io.Writer
	outbound  <-chan []byte
	logger    zerolog.Logger
}

func (p *signalPeer) run(ctx context.Context, maxAttempts int) error {
	failures := 0
	for {
		registered, err := p.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errTerminal) {
			return err
		}
		if registered {
			failures = 0
		}
		failures++
		if maxAttempts > 0 && failures >= maxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", failures, err)
		}
		wait := reliability.ExponentialBackoff(failures-1, reconnectBase, reconnectCap)
		p.logger.Warn().Err(err).Dur("retry_in", wait).Msg("signaling connection lost")
		if err := reliability.Sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// session runs one connection until it drops. registered reports whether the
// server acknowledged the registration.
func (p *signalPeer) session(ctx context.Context) (registered bool, err error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, p.endpoint, nil)
	if err != nil {
		if resp != nil && !reliability.IsRetryableHTTPStatus(resp.StatusCode) {
			return false, fmt.Errorf("%w: handshake status %d", errTerminal, resp.StatusCode)
		}
		return false, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteJSON(protocol.Register{
		Type:      protocol.TypeRegister,
		PeerType:  p.role,
		SessionID: p.sessionID,
	}); err != nil {
		return false, err
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return false, err
	}
	if err := checkAck(raw); err != nil {
		return false, err
	}
	p.logger.Info().Str("session_id", p.sessionID).Str("role", p.role).Msg("registered")

	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if e, ok := asError(data); ok {
				readErr <- signalError(e)
				return
			}
			fmt.Fprintln(p.out, string(data))
		}
	}()

	for {
		select {
		case err := <-readErr:
			return true, err
		case line, ok := <-p.outbound:
			if !ok {
				p.outbound = nil
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, line); err != nil {
				return true, err
			}
		}
	}
}

func checkAck(raw []byte) error {
	if e, ok := asError(raw); ok {
		return signalError(e)
	}
	var ack protocol.Registered
	if err := json.Unmarshal(raw, &ack); err != nil {
		return err
	}
	if ack.Type != protocol.TypeRegistered {
		return fmt.Errorf("unexpected %q before registered", ack.Type)
	}
	return nil
}

// signalError classifies a server error envelope. Coded errors (bad role,
// replaced, rejected duplicate) would only repeat on reconnect.
func signalError(e protocol.ErrorMessage) error {
	if !reliability.IsRetryableSignalCode(e.Code) {
		return fmt.Errorf("%w: %s: %s", errTerminal, e.Code, e.Message)
	}
	return fmt.Errorf("server error: %s", e.Message)
}

func asError(raw []byte) (protocol.ErrorMessage, bool) {
	var e protocol.ErrorMessage
	if err := json.Unmarshal(raw, &e); err != nil || e.Type != protocol.TypeError {
		return protocol.ErrorMessage{}, false
	}
	return e, true
}

func scanLines(r io.Reader, out chan<- []byte) {
	defer close(out)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if !json.Valid([]byte(line)) {
			fmt.Fprintf(os.Stderr, "avatarctl: skipping invalid JSON line\n")
			continue
		}
		out <- []byte(line)
	}
}
