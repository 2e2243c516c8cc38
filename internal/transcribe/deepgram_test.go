package transcribe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/LastBotInc/coralie-captions-worker/internal/language"
)

func TestParseDeepgramMessage(t *testing.T) {
	tests := []struct {
		name     string
		data     string
		wantOK   bool
		wantType EventType
		wantText string
	}{
		{
			name:     "interim",
			data:     `{"type":"Results","is_final":false,"start":1.5,"duration":0.5,"channel":{"alternatives":[{"transcript":"bon","confidence":0.7}]}}`,
			wantOK:   true,
			wantType: Interim,
			wantText: "bon",
		},
		{
			name:     "final",
			data:     `{"type":"Results","is_final":true,"speech_final":true,"start":1.5,"duration":1.0,"channel":{"alternatives":[{"transcript":"bonjour","confidence":0.98}]}}`,
			wantOK:   true,
			wantType: Final,
			wantText: "bonjour",
		},
		{
			name: "empty transcript",
			data: `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`,
		},
		{
			name: "metadata",
			data: `{"type":"Metadata","request_id":"abc"}`,
		},
		{
			name: "no alternatives",
			data: `{"type":"Results","channel":{"alternatives":[]}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok, err := parseDeepgramMessage([]byte(tt.data), "fr-FR")
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if ev.Type != tt.wantType || ev.Text != tt.wantText {
				t.Fatalf("event = %s %q, want %s %q", ev.Type, ev.Text, tt.wantType, tt.wantText)
			}
			if ev.Language != "fr-FR" {
				t.Fatalf("language = %q", ev.Language)
			}
			if ev.Start != 1500*time.Millisecond {
				t.Fatalf("start = %s, want 1.5s", ev.Start)
			}
		})
	}

	if _, _, err := parseDeepgramMessage([]byte("{"), "en-US"); err == nil {
		t.Fatal("expected error for malformed message")
	}
}

func TestDeepgramListenURLUsesBareTag(t *testing.T) {
	d := NewDeepgramRecognizer("key", "nova-2")
	raw, err := d.listenURL(StreamConfig{
		Language:   language.MustLookup("fr").Dialect(d.Name()),
		SampleRate: 16000,
		Channels:   1,
		Interim:    true,
	})
	if err != nil {
		t.Fatalf("listenURL: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	q := u.Query()
	if got := q.Get("language"); got != "fr" {
		t.Fatalf("language = %q, want fr", got)
	}
	if q.Get("model") != "nova-2" || q.Get("sample_rate") != "16000" || q.Get("encoding") != "linear16" {
		t.Fatalf("unexpected query %s", u.RawQuery)
	}
	if u.Scheme != "wss" || u.Host != "api.deepgram.com" {
		t.Fatalf("unexpected endpoint %s", raw)
	}
}

func TestDeepgramStreamRoundTrip(t *testing.T) {
	var (
		mu       sync.Mutex
		query    string
		auth     string
		received int
		control  []string
	)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		query = r.URL.RawQuery
		auth = r.Header.Get("Authorization")
		mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				mu.Lock()
				received += len(data)
				mu.Unlock()
				conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"start":0,"duration":0.02,"channel":{"alternatives":[{"transcript":"hello","confidence":0.9}]}}`))
				continue
			}
			mu.Lock()
			control = append(control, string(data))
			mu.Unlock()
			if strings.Contains(string(data), "CloseStream") {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}))
	defer srv.Close()

	rec := NewDeepgramRecognizer("secret", "nova-2")
	rec.baseURL = "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := rec.Open(ctx, StreamConfig{Language: "en-US", SampleRate: 16000, Channels: 1, Interim: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Close()

	if err := stream.Push(AudioFrame{Samples: make([]int16, 320), SampleRate: 16000, Channels: 1}); err != nil {
		t.Fatalf("push: %v", err)
	}

	select {
	case ev := <-stream.Events():
		if ev.Type != Final || ev.Text != "hello" || ev.Language != "en-US" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("no event received")
	}

	if err := stream.CloseSend(); err != nil {
		t.Fatalf("close send: %v", err)
	}
	for range stream.Events() {
	}

	mu.Lock()
	defer mu.Unlock()
	if auth != "Token secret" {
		t.Fatalf("authorization = %q", auth)
	}
	for _, want := range []string{"encoding=linear16", "sample_rate=16000", "language=en-US", "model=nova-2", "interim_results=true"} {
		if !strings.Contains(query, want) {
			t.Fatalf("query %q missing %s", query, want)
		}
	}
	if received != 640 {
		t.Fatalf("received %d audio bytes, want 640", received)
	}
	if len(control) == 0 || !strings.Contains(control[len(control)-1], "CloseStream") {
		t.Fatalf("control messages = %v, want CloseStream last", control)
	}
}
