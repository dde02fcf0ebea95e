package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is the generic shape of a relay frame.
type Frame struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	T       int64           `json:"t,omitempty"`
	Source  string          `json:"source,omitempty"`
	Text    string          `json:"text,omitempty"`
	IsFinal bool            `json:"isFinal,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Client is a voice relay WebSocket client.
type Client struct {
	conn *websocket.Conn
	done chan struct{}
}

// voiceURL adds the credentials the relay expects to addr.
func voiceURL(addr, token, orgID string) (string, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("invalid address: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("orgId", orgID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NewClient connects to the relay.
func NewClient(addr, token, orgID string) (*Client, error) {
	target, err := voiceURL(addr, token, orgID)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}

	return &Client{
		conn: conn,
		done: make(chan struct{}),
	}, nil
}

// Close sends a normal close frame and closes the connection.
func (c *Client) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}

// Done is closed when the read loop ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// SendPing sends an application-level ping.
func (c *Client) SendPing() error {
	return c.conn.WriteJSON(map[string]string{"type": "ping"})
}

// SendAudio sends one PCM chunk. tools is attached when non-empty.
func (c *Client) SendAudio(pcm []byte, tools json.RawMessage) error {
	msg := map[string]any{
		"type": "audio_chunk",
		"data": base64.StdEncoding.EncodeToString(pcm),
	}
	if len(tools) > 0 {
		msg["tools"] = tools
	}
	return c.conn.WriteJSON(msg)
}

// ReadFrames reads frames until the connection closes, calling handle for
// each one.
func (c *Client) ReadFrames(handle func(Frame, []byte)) {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				log.Printf("Connection closed: %d %s", ce.Code, ce.Text)
			} else {
				log.Printf("Read error: %v", err)
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Printf("Unmarshal error: %v", err)
			continue
		}
		handle(f, data)
	}
}

// printFrame writes a frame for humans. Model audio goes to out instead.
func printFrame(w io.Writer, out io.Writer, f Frame, raw []byte) {
	switch f.Type {
	case "audio_chunk":
		var b64 string
		if err := json.Unmarshal(f.Data, &b64); err != nil {
			fmt.Fprintf(w, "[audio_chunk] invalid data: %v\n", err)
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			fmt.Fprintf(w, "[audio_chunk] invalid base64: %v\n", err)
			return
		}
		if out != nil {
			_, _ = out.Write(pcm)
		}
		fmt.Fprintf(w, "[audio_chunk] %d bytes\n", len(pcm))
	case "transcription_update":
		marker := ""
		if f.IsFinal {
			marker = " (final)"
		}
		fmt.Fprintf(w, "[%s] %s%s\n", f.Source, f.Text, marker)
	case "pong":
		fmt.Fprintf(w, "[pong] t=%d\n", f.T)
	case "error":
		fmt.Fprintf(w, "[error] %s\n", f.Message)
	default:
		var pretty map[string]interface{}
		_ = json.Unmarshal(raw, &pretty)
		formatted, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Fprintf(w, "[%s]\n%s\n", f.Type, string(formatted))
	}
}
