package drivers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
)

// netconfEOM is the RFC 4742 end-of-message delimiter for the base:1.0
// framing both sides negotiate in the hello exchange.
const netconfEOM = "]]>]]>"

const netconfHello = `<?xml version="1.0" encoding="UTF-8"?>
<hello xmlns="urn:ietf:params:xml:ns:netconf:base:1.0">
  <capabilities>
    <capability>urn:ietf:params:netconf:base:1.0</capability>
  </capabilities>
</hello>]]>]]>`

// netconfSession frames RPCs over a NETCONF subsystem stream. Calls are
// strictly request/reply; the session is not safe for concurrent use.
type netconfSession struct {
	stream io.ReadWriteCloser
	nextID int
}

// newNetconfSession performs the hello exchange and returns a session
// ready for RPCs.
func newNetconfSession(ctx context.Context, stream io.ReadWriteCloser) (*netconfSession, error) {
	s := &netconfSession{stream: stream, nextID: 1}
	if _, err := io.WriteString(stream, netconfHello); err != nil {
		return nil, fmt.Errorf("failed to send netconf hello: %w", err)
	}
	if _, err := s.readFrame(ctx); err != nil {
		return nil, fmt.Errorf("failed to read server hello: %w", err)
	}
	return s, nil
}

// RPC wraps inner in an <rpc> envelope with the next message id, sends it,
// and returns the reply with framing stripped. A reply carrying
// <rpc-error> without <ok/> is an error.
func (s *netconfSession) RPC(ctx context.Context, inner string) (string, error) {
	id := s.nextID
	s.nextID++
	payload := fmt.Sprintf(
		`<?xml version="1.0" encoding="UTF-8"?><rpc message-id="%d" xmlns="urn:ietf:params:xml:ns:netconf:base:1.0">%s</rpc>%s`,
		id, inner, netconfEOM,
	)
	if _, err := io.WriteString(s.stream, payload); err != nil {
		return "", fmt.Errorf("failed to write netconf rpc: %w", err)
	}

	reply, err := s.readFrame(ctx)
	if err != nil {
		return "", err
	}
	if strings.Contains(reply, "<rpc-error>") && !strings.Contains(reply, "<ok/>") {
		return "", fmt.Errorf("netconf error: %s", summarize(reply))
	}
	return reply, nil
}

// readFrame accumulates stream data until the end-of-message delimiter.
// The read loop runs in its own goroutine so cancellation can abandon it;
// closing the stream unblocks the pending read.
func (s *netconfSession) readFrame(ctx context.Context) (string, error) {
	type result struct {
		frame string
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		var buf []byte
		chunk := make([]byte, 4096)
		for {
			n, err := s.stream.Read(chunk)
			if n > 0 {
				buf = append(buf, chunk[:n]...)
				if idx := bytes.Index(buf, []byte(netconfEOM)); idx >= 0 {
					ch <- result{frame: string(buf[:idx])}
					return
				}
			}
			if err != nil {
				if err == io.EOF {
					err = fmt.Errorf("netconf stream closed")
				}
				ch <- result{err: err}
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.frame, r.err
	}
}

// extractElement returns the text inside the first <name>...</name> pair,
// or the whole reply when the element is absent. Junos wraps command
// output in <output>; falling back to the raw reply keeps diagnostics
// visible when the shape surprises us.
func extractElement(reply, name string) string {
	open := "<" + name + ">"
	close := "</" + name + ">"
	start := strings.Index(reply, open)
	if start < 0 {
		return reply
	}
	start += len(open)
	end := strings.Index(reply[start:], close)
	if end < 0 {
		return reply
	}
	return reply[start : start+end]
}

// escapeXMLText escapes text destined for an XML element body.
func escapeXMLText(s string) string {
	return xmlTextReplacer.Replace(s)
}

var xmlTextReplacer = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
