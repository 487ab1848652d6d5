package atproto

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestEventDecode(t *testing.T) {
	frame := `{
		"did": "did:plc:alice",
		"time_us": 1717200000000000,
		"kind": "commit",
		"commit": {
			"rev": "abc",
			"operation": "create",
			"collection": "app.bsky.feed.post",
			"rkey": "3kabc",
			"record": {
				"$type": "app.bsky.feed.post",
				"text": "look at this",
				"createdAt": "2025-05-30T10:00:00.123Z",
				"embed": {
					"$type": "app.bsky.embed.images",
					"images": [{"alt": "a red bicycle", "image": {"ref": {"$link": "bafyimg1"}}}]
				}
			},
			"cid": "bafyrec"
		}
	}`
	var event Event
	if err := json.Unmarshal([]byte(frame), &event); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if event.DID != "did:plc:alice" || event.Kind != KindCommit {
		t.Fatalf("event = %+v", event)
	}
	if event.Commit == nil || event.Commit.Operation != OpCreate || event.Commit.RKey != "3kabc" {
		t.Fatalf("commit = %+v", event.Commit)
	}
	post, err := event.Commit.DecodePost()
	if err != nil {
		t.Fatalf("DecodePost: %v", err)
	}
	images := post.Images()
	if len(images) != 1 || images[0].Alt != "a red bicycle" || images[0].Image.Ref.Link != "bafyimg1" {
		t.Fatalf("images = %+v", images)
	}
	if post.CreatedAt.IsZero() {
		t.Fatal("createdAt should parse")
	}
}

func TestTimestampTolerant(t *testing.T) {
	cases := []struct {
		in   string
		zero bool
	}{
		{`"2025-05-30T10:00:00Z"`, false},
		{`"2025-05-30T10:00:00.999999999Z"`, false},
		{`"2025-05-30T10:00:00"`, false},
		{`"2025-05-30T10:00:00.000+0000"`, false},
		{`"yesterday"`, true},
		{`42`, true},
	}
	for _, tc := range cases {
		var ts Timestamp
		if err := json.Unmarshal([]byte(tc.in), &ts); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.in, err)
		}
		if ts.IsZero() != tc.zero {
			t.Fatalf("timestamp %s: zero = %v, want %v", tc.in, ts.IsZero(), tc.zero)
		}
	}
}

func TestImagesIgnoresOtherEmbeds(t *testing.T) {
	post := PostRecord{Embed: &PostEmbed{Type: "app.bsky.embed.external", Images: []EmbedImage{{Alt: "x"}}}}
	if got := post.Images(); got != nil {
		t.Fatalf("Images() = %+v, want nil for non-image embed", got)
	}
	post.Embed.Type = "app.bsky.embed.images#main"
	if got := post.Images(); len(got) != 1 {
		t.Fatalf("Images() = %+v, want the images of an images embed", got)
	}
	if got := (PostRecord{}).Images(); got != nil {
		t.Fatalf("Images() = %+v, want nil without embed", got)
	}
}

func TestStrongRefSubject(t *testing.T) {
	ref := StrongRef{URI: "at://did:plc:service/app.bsky.labeler.service/self"}
	if got := ref.SubjectDID(); got != "did:plc:service" {
		t.Fatalf("SubjectDID = %q", got)
	}
	if got := ref.SubjectRKey(); got != "self" {
		t.Fatalf("SubjectRKey = %q", got)
	}
	bad := StrongRef{URI: "https://example.com/not-at"}
	if bad.SubjectDID() != "" || bad.SubjectRKey() != "" {
		t.Fatalf("non-at URI must yield empty parts")
	}
}

// scriptedConn serves fixed frames and then fails the read.
type scriptedConn struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (c *scriptedConn) Read(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil, c.err
	}
	frame := c.frames[0]
	c.frames = c.frames[1:]
	return frame, nil
}

func (c *scriptedConn) Close() error { return nil }

type scriptedDialer struct {
	mu    sync.Mutex
	conns []StreamConn
	errs  []error
	urls  []string
}

func (d *scriptedDialer) dial(ctx context.Context, url string) (StreamConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(d.conns) == 0 {
		return nil, errors.New("no more conns")
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

func (d *scriptedDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func frame(did, rkey string) []byte {
	return []byte(`{"did":"` + did + `","kind":"commit","commit":{"operation":"create","collection":"app.bsky.feed.like","rkey":"` + rkey + `"}}`)
}

func collectEvents(events <-chan Event, n int, t *testing.T) []Event {
	t.Helper()
	var out []Event
	deadline := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case event := <-events:
			out = append(out, event)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestSessionDeliversEvents(t *testing.T) {
	readErr := errors.New("stream closed")
	dialer := &scriptedDialer{
		conns: []StreamConn{&scriptedConn{frames: [][]byte{frame("did:plc:alice", "r1"), frame("did:plc:bob", "r2")}, err: readErr}},
	}
	fatal := make(chan struct{})
	session := NewSession(SessionOptions{
		URL:           "wss://example.test",
		Collections:   []string{CollectionPosts, CollectionLikes},
		RetryInterval: time.Millisecond,
		MaxRetries:    1,
		Dial:          dialer.dial,
		OnFatal:       func(err error) { close(fatal) },
	})
	events := make(chan Event, 8)
	if err := session.Open(context.Background(), func(e Event) { events <- e }); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer session.Close()

	got := collectEvents(events, 2, t)
	dids := map[string]bool{got[0].DID: true, got[1].DID: true}
	if !dids["did:plc:alice"] || !dids["did:plc:bob"] {
		t.Fatalf("events = %+v", got)
	}

	select {
	case <-fatal:
	case <-time.After(5 * time.Second):
		t.Fatal("expected fatal after reconnect budget exhausted")
	}
	if session.State() != StateFatallyFailed {
		t.Fatalf("state = %s, want fatally_failed", session.State())
	}
	if dialer.urls[0] != "wss://example.test/subscribe?wantedCollections=app.bsky.feed.post&wantedCollections=app.bsky.feed.like" {
		t.Fatalf("dialed %q", dialer.urls[0])
	}
}

func TestSessionRetryBudgetResetsOnSuccess(t *testing.T) {
	readErr := errors.New("stream closed")
	dialer := &scriptedDialer{
		conns: []StreamConn{
			&scriptedConn{frames: [][]byte{frame("did:plc:alice", "r1")}, err: readErr},
			&scriptedConn{frames: [][]byte{frame("did:plc:bob", "r2")}, err: readErr},
		},
		// initial ok, one failed reconnect, then ok, then two failures = budget spent
		errs: []error{nil, errors.New("refused"), nil, errors.New("refused"), errors.New("refused")},
	}
	fatal := make(chan error, 1)
	session := NewSession(SessionOptions{
		RetryInterval: time.Millisecond,
		MaxRetries:    2,
		Dial:          dialer.dial,
		OnFatal:       func(err error) { fatal <- err },
	})
	events := make(chan Event, 8)
	if err := session.Open(context.Background(), func(e Event) { events <- e }); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer session.Close()

	collectEvents(events, 2, t)
	select {
	case err := <-fatal:
		if err == nil {
			t.Fatal("fatal error should carry the dial failure")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected fatal")
	}
	if got := dialer.dialCount(); got != 5 {
		t.Fatalf("dial count = %d, want 5 (budget reset after the mid-stream success)", got)
	}
}

func TestSessionDiscardsBadFrames(t *testing.T) {
	readErr := errors.New("stream closed")
	dialer := &scriptedDialer{
		conns: []StreamConn{&scriptedConn{frames: [][]byte{[]byte("{not json"), frame("did:plc:alice", "r1")}, err: readErr}},
	}
	session := NewSession(SessionOptions{
		RetryInterval: time.Millisecond,
		MaxRetries:    1,
		Dial:          dialer.dial,
	})
	events := make(chan Event, 8)
	if err := session.Open(context.Background(), func(e Event) { events <- e }); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer session.Close()

	got := collectEvents(events, 1, t)
	if got[0].DID != "did:plc:alice" {
		t.Fatalf("event = %+v", got[0])
	}
}

func TestSessionOpenFailsFast(t *testing.T) {
	dialer := &scriptedDialer{errs: []error{errors.New("refused")}}
	session := NewSession(SessionOptions{Dial: dialer.dial})
	if err := session.Open(context.Background(), func(Event) {}); err == nil {
		t.Fatal("expected dial error from Open")
	}
	if session.State() != StateDisconnected {
		t.Fatalf("state = %s, want disconnected", session.State())
	}
}
