package srt

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"github.com/zsiec/tsclock/internal/ingest"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestStreamKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		streamID string
		want     string
	}{
		{name: "simple key", streamID: "camera1", want: "camera1"},
		{name: "leading slash", streamID: "/camera1", want: "camera1"},
		{name: "live prefix", streamID: "live/camera1", want: "camera1"},
		{name: "slash and live prefix", streamID: "/live/camera1", want: "camera1"},
		{name: "empty returns default", streamID: "", want: "default"},
		{name: "just slash returns default", streamID: "/", want: "default"},
		{name: "just live/ returns default", streamID: "live/", want: "default"},
		{name: "nested path preserved", streamID: "studio/camera1", want: "studio/camera1"},
		{name: "live in name preserved", streamID: "liveshow", want: "liveshow"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := streamKey(tc.streamID)
			if got != tc.want {
				t.Errorf("streamKey(%q) = %q, want %q", tc.streamID, got, tc.want)
			}
		})
	}
}

func TestIsListener(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want bool
	}{
		{raw: "srt://:6000", want: true},
		{raw: "srt://0.0.0.0:6000?mode=listener", want: true},
		{raw: "srt://10.0.0.5:6000", want: false},
		{raw: "srt://10.0.0.5:6000?streamid=live/cam1", want: false},
	}
	for _, tc := range tests {
		u, err := url.Parse(tc.raw)
		if err != nil {
			t.Fatal(err)
		}
		if got := IsListener(u); got != tc.want {
			t.Errorf("IsListener(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestOpenRejectsListenerURL(t *testing.T) {
	t.Parallel()

	_, err := ingest.Open(context.Background(), "srt://:6000?mode=listener", nil)
	if err == nil || errors.Is(err, ingest.ErrUnsupportedScheme) {
		t.Fatalf("err = %v, want listener-mode error from the srt scheme", err)
	}
}

func TestPumpFeedsSession(t *testing.T) {
	t.Parallel()

	got := make(chan int, 1)
	r := ingest.NewRegistry(func(_ *ingest.Stream, input io.Reader) {
		n, _ := io.Copy(io.Discard, input)
		got <- int(n)
	})
	stream, err := r.Register("cam1", "srt", "")
	if err != nil {
		t.Fatal(err)
	}
	src := bytes.NewReader(bytes.Repeat([]byte{0x47}, 1316*3))

	pump(context.Background(), src, stream, quiet)
	r.Unregister(stream)

	select {
	case n := <-got:
		if n != 1316*3 {
			t.Fatalf("session read %d bytes, want %d", n, 1316*3)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
	if got := stream.Stats().BytesReceived; got != 1316*3 {
		t.Fatalf("BytesReceived = %d, want %d", got, 1316*3)
	}
}

func TestPumpStopsWhenSessionGone(t *testing.T) {
	t.Parallel()

	r := ingest.NewRegistry(nil)
	stream, _ := r.Register("cam1", "srt", "")
	r.Unregister(stream)

	done := make(chan struct{})
	go func() {
		pump(context.Background(), bytes.NewReader(make([]byte, 1316)), stream, quiet)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump kept running after the session ended")
	}
}

func TestCallerValidation(t *testing.T) {
	t.Parallel()

	c := NewCaller(ingest.NewRegistry(nil), quiet)
	tests := []struct {
		name string
		req  PullRequest
	}{
		{name: "no address", req: PullRequest{StreamKey: "cam1"}},
		{name: "no key", req: PullRequest{Address: "10.0.0.5:6000"}},
	}
	for _, tc := range tests {
		if err := c.Pull(context.Background(), tc.req); err == nil {
			t.Errorf("%s: Pull accepted %+v", tc.name, tc.req)
		}
	}
	if err := c.Stop("cam1"); err == nil {
		t.Error("Stop of unknown pull succeeded")
	}
	if got := c.ActivePulls(); len(got) != 0 {
		t.Errorf("ActivePulls = %v, want none", got)
	}
}

func TestDialCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Dial(ctx, "127.0.0.1:1", "live/x"); err == nil {
		t.Fatal("Dial with cancelled context succeeded")
	}
}
