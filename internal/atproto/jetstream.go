package atproto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

const (
	KindCommit = "commit"

	OpCreate = "create"
	OpDelete = "delete"

	CollectionPosts = "app.bsky.feed.post"
	CollectionLikes = "app.bsky.feed.like"
)

// Event is one decoded jetstream frame.
type Event struct {
	DID    string  `json:"did"`
	Kind   string  `json:"kind"`
	TimeUS int64   `json:"time_us"`
	Commit *Commit `json:"commit"`
}

type Commit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	CID        string          `json:"cid"`
	Record     json.RawMessage `json:"record"`
}

// Timestamp tolerates the malformed createdAt values that show up on the
// firehose; unparseable input decodes to the zero time instead of failing
// the whole record.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999999-0700", "2006-01-02T15:04:05"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return nil
}

type PostRecord struct {
	Text      string     `json:"text"`
	CreatedAt Timestamp  `json:"createdAt"`
	Embed     *PostEmbed `json:"embed"`
}

type PostEmbed struct {
	Type   string       `json:"$type"`
	Images []EmbedImage `json:"images"`
}

type EmbedImage struct {
	Alt   string  `json:"alt"`
	Image BlobRef `json:"image"`
}

type BlobRef struct {
	Ref CIDLink `json:"ref"`
}

type CIDLink struct {
	Link string `json:"$link"`
}

// Images returns the image attachments of an images embed, or nil when the
// post embeds something else.
func (p PostRecord) Images() []EmbedImage {
	if p.Embed == nil || !strings.HasPrefix(p.Embed.Type, "app.bsky.embed.images") {
		return nil
	}
	return p.Embed.Images
}

type LikeRecord struct {
	Subject   StrongRef `json:"subject"`
	CreatedAt Timestamp `json:"createdAt"`
}

type StrongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// SubjectDID returns the authority of the referenced at:// URI.
func (r StrongRef) SubjectDID() string {
	did, _, _ := splitATURI(r.URI)
	return did
}

// SubjectRKey returns the record key of the referenced at:// URI.
func (r StrongRef) SubjectRKey() string {
	_, _, rkey := splitATURI(r.URI)
	return rkey
}

func splitATURI(uri string) (did, collection, rkey string) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(uri), "at://")
	if trimmed == uri {
		return "", "", ""
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) > 0 {
		did = parts[0]
	}
	if len(parts) > 1 {
		collection = parts[1]
	}
	if len(parts) > 2 {
		rkey = parts[2]
	}
	return did, collection, rkey
}

func (c *Commit) DecodePost() (PostRecord, error) {
	var post PostRecord
	if c == nil || len(c.Record) == 0 {
		return post, errors.New("commit has no record")
	}
	err := json.Unmarshal(c.Record, &post)
	return post, err
}

func (c *Commit) DecodeLike() (LikeRecord, error) {
	var like LikeRecord
	if c == nil || len(c.Record) == 0 {
		return like, errors.New("commit has no record")
	}
	err := json.Unmarshal(c.Record, &like)
	return like, err
}

type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnected
	StateReconnecting
	StateFatallyFailed
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFatallyFailed:
		return "fatally_failed"
	default:
		return "disconnected"
	}
}

type Logger interface {
	Printf(format string, args ...any)
}

// StreamConn is the piece of a websocket connection the session needs;
// injected in tests the same way the store injects its open function.
type StreamConn interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

type DialFunc func(ctx context.Context, url string) (StreamConn, error)

type SessionOptions struct {
	URL           string   // jetstream endpoint, e.g. wss://jetstream2.us-east.bsky.network
	Collections   []string // wantedCollections filters
	RetryInterval time.Duration
	MaxRetries    int
	Logger        Logger
	OnFatal       func(err error)
	Dial          DialFunc
}

// Session keeps one logical firehose subscription open. Reconnects are
// attempted on a fixed interval; after MaxRetries consecutive failures the
// OnFatal hook fires and the session stays down. The retry budget is fresh
// for every disconnect that follows a successful connection.
type Session struct {
	url           string
	retryInterval time.Duration
	maxRetries    int
	logger        Logger
	onFatal       func(err error)
	dial          DialFunc

	mu     sync.Mutex
	conn   StreamConn
	state  atomic.Int32
	closed atomic.Bool
}

func NewSession(opts SessionOptions) *Session {
	endpoint := strings.TrimRight(strings.TrimSpace(opts.URL), "/")
	if endpoint == "" {
		endpoint = "wss://jetstream2.us-east.bsky.network"
	}
	q := url.Values{}
	for _, collection := range opts.Collections {
		if strings.TrimSpace(collection) != "" {
			q.Add("wantedCollections", strings.TrimSpace(collection))
		}
	}
	full := endpoint + "/subscribe"
	if encoded := q.Encode(); encoded != "" {
		full += "?" + encoded
	}
	retryInterval := opts.RetryInterval
	if retryInterval <= 0 {
		retryInterval = 5 * time.Second
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 10
	}
	dial := opts.Dial
	if dial == nil {
		dial = dialWebsocket
	}
	return &Session{
		url:           full,
		retryInterval: retryInterval,
		maxRetries:    maxRetries,
		logger:        opts.Logger,
		onFatal:       opts.OnFatal,
		dial:          dial,
	}
}

// Open establishes the initial connection and starts the read loop. It
// returns once the first dial succeeds or fails; recovery from later
// disconnects is the session's own business.
func (s *Session) Open(ctx context.Context, handler func(Event)) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	conn, err := s.dial(ctx, s.url)
	if err != nil {
		return err
	}
	s.setConn(conn)
	s.state.Store(int32(StateConnected))
	go s.readLoop(ctx, handler)
	return nil
}

func (s *Session) Close() error {
	s.closed.Store(true)
	s.state.Store(int32(StateDisconnected))
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setConn(conn StreamConn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Session) currentConn() StreamConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) readLoop(ctx context.Context, handler func(Event)) {
	for {
		conn := s.currentConn()
		if conn == nil {
			return
		}
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || s.closed.Load() {
				s.state.Store(int32(StateDisconnected))
				return
			}
			s.logf("jetstream read failed: %v", err)
			if !s.reconnect(ctx) {
				return
			}
			continue
		}
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			s.logf("jetstream frame discarded: %v", err)
			continue
		}
		go handler(event)
	}
}

func (s *Session) reconnect(ctx context.Context) bool {
	s.state.Store(int32(StateReconnecting))
	for attempt := 1; ; attempt++ {
		conn, err := s.dial(ctx, s.url)
		if err == nil {
			s.setConn(conn)
			s.state.Store(int32(StateConnected))
			s.logf("jetstream reconnected after %d attempt(s)", attempt)
			return true
		}
		s.logf("jetstream reconnect attempt %d/%d failed: %v", attempt, s.maxRetries, err)
		if attempt >= s.maxRetries {
			s.state.Store(int32(StateFatallyFailed))
			if s.onFatal != nil {
				s.onFatal(fmt.Errorf("failed to reconnect after %d attempts: %w", attempt, err))
			}
			return false
		}
		if sleepContext(ctx, s.retryInterval) != nil {
			s.state.Store(int32(StateDisconnected))
			return false
		}
	}
}

func (s *Session) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

func dialWebsocket(ctx context.Context, endpoint string) (StreamConn, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 22)
	return &wsStreamConn{conn: conn}, nil
}

type wsStreamConn struct {
	conn *websocket.Conn
}

func (c *wsStreamConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *wsStreamConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
