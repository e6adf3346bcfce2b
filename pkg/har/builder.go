package har

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/browserperf/pkg/browser"
	"github.com/google/uuid"
)

// Version is the HAR format version written by Builder.
const Version = "1.2"

// Builder assembles a HAR document from network events of one capture
// window. It is safe for concurrent use.
type Builder struct {
	mu      sync.Mutex
	pageID  string
	title   string
	started time.Time
	creator Creator

	pending map[string]*pendingEntry
	order   []*pendingEntry
}

type pendingEntry struct {
	entry     *Entry
	wall      time.Time
	startMono float64
	endMono   float64
	timing    *browser.ResourceTiming
	finished  bool
}

// NewBuilder starts a document for a capture window titled title.
func NewBuilder(title string, started time.Time, creator Creator) *Builder {
	return &Builder{
		pageID:  "page_" + uuid.NewString(),
		title:   title,
		started: started,
		creator: creator,
		pending: make(map[string]*pendingEntry, 64),
	}
}

// Add applies one network event.
func (b *Builder) Add(ev browser.NetworkEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch ev.Type {
	case browser.NetworkRequest:
		b.addRequest(ev)
	case browser.NetworkResponse:
		if p, ok := b.pending[ev.RequestID]; ok {
			p.entry.Response = newResponse(ev)
			p.entry.ServerIPAddress = ev.RemoteIP
			p.timing = ev.Timing
		}
	case browser.NetworkFinished:
		if p, ok := b.pending[ev.RequestID]; ok {
			p.endMono = ev.Monotonic
			p.finished = true

			if p.entry.Response != nil && ev.EncodedBytes > 0 {
				p.entry.Response.BodySize = int(ev.EncodedBytes)
			}
		}
	case browser.NetworkFailed:
		if p, ok := b.pending[ev.RequestID]; ok {
			p.endMono = ev.Monotonic
			p.finished = true

			if p.entry.Response == nil {
				p.entry.Response = emptyResponse()
			}

			p.entry.Response.StatusText = ev.ErrorText
		}
	}
}

// addRequest records a new request. A repeated request id is a redirect:
// the previous hop is closed at the new request's timestamp.
func (b *Builder) addRequest(ev browser.NetworkEvent) {
	if prev, ok := b.pending[ev.RequestID]; ok && !prev.finished {
		prev.endMono = ev.Monotonic
		prev.finished = true
	}

	entry := &Entry{
		PageRef:         b.pageID,
		StartedDateTime: ev.WallTime.UTC().Format(time.RFC3339Nano),
		Request:         newRequest(ev),
		Cache:           &Cache{},
	}

	p := &pendingEntry{
		entry:     entry,
		wall:      ev.WallTime,
		startMono: ev.Monotonic,
	}

	b.pending[ev.RequestID] = p
	b.order = append(b.order, p)
}

// HAR returns the document built so far. Requests that never finished are
// included with the timings known at this point.
func (b *Builder) HAR() *HAR {
	b.mu.Lock()
	defer b.mu.Unlock()

	ordered := make([]*pendingEntry, len(b.order))
	copy(ordered, b.order)

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].wall.Before(ordered[j].wall)
	})

	entries := make([]*Entry, 0, len(ordered))

	for _, p := range ordered {
		e := *p.entry
		if e.Response == nil {
			e.Response = emptyResponse()
		}

		e.Timings, e.Time = timings(p)
		entries = append(entries, &e)
	}

	creator := b.creator

	return &HAR{
		Log: &Log{
			Version: Version,
			Creator: &creator,
			Pages: []*Page{{
				ID:              b.pageID,
				StartedDateTime: b.started.UTC().Format(time.RFC3339Nano),
				Title:           b.title,
				PageTimings:     &PageTimings{},
			}},
			Entries: entries,
		},
	}
}

// timings derives the HAR phases of p and its total time in milliseconds.
func timings(p *pendingEntry) (*Timings, float64) {
	total := 0.0
	if p.finished && p.endMono >= p.startMono {
		total = (p.endMono - p.startMono) * 1000
	}

	t := p.timing
	if t == nil {
		return &Timings{Blocked: 0, DNS: -1, Connect: -1, SSL: -1, Send: 0, Wait: 0, Receive: total}, total
	}

	span := func(start, end float64) float64 {
		if start < 0 || end < 0 {
			return -1
		}

		return end - start
	}

	blocked := 0.0
	for _, v := range []float64{t.DNSStart, t.ConnectStart, t.SendStart} {
		if v >= 0 {
			blocked = v

			break
		}
	}

	out := &Timings{
		Blocked: blocked,
		DNS:     span(t.DNSStart, t.DNSEnd),
		Connect: span(t.ConnectStart, t.ConnectEnd),
		SSL:     span(t.SSLStart, t.SSLEnd),
		Send:    max(span(t.SendStart, t.SendEnd), 0),
		Wait:    max(span(t.SendEnd, t.ReceiveHeadersEnd), 0),
	}

	if p.finished && t.RequestTime > 0 {
		out.Receive = max((p.endMono-t.RequestTime)*1000-t.ReceiveHeadersEnd, 0)
		total = max(total, (p.endMono-t.RequestTime)*1000)
	}

	return out, total
}

func newRequest(ev browser.NetworkEvent) *Request {
	req := &Request{
		Method:      ev.Method,
		URL:         ev.URL,
		HTTPVersion: "HTTP/1.1",
		Headers:     headers(ev.RequestHeaders),
		QueryString: queryString(ev.URL),
		Cookies:     []*Cookie{},
		HeadersSize: -1,
		BodySize:    len(ev.PostData),
	}

	if ev.PostData != "" {
		req.PostData = &PostData{
			MimeType: headerValue(ev.RequestHeaders, "Content-Type"),
			Text:     ev.PostData,
		}
	}

	return req
}

func newResponse(ev browser.NetworkEvent) *Response {
	resp := emptyResponse()
	resp.Status = ev.Status
	resp.StatusText = ev.StatusText
	resp.Headers = headers(ev.ResponseHeaders)
	resp.Content.MimeType = ev.MimeType
	resp.RedirectURL = headerValue(ev.ResponseHeaders, "Location")

	if ev.Protocol != "" {
		resp.HTTPVersion = strings.ToUpper(ev.Protocol)
	}

	return resp
}

func emptyResponse() *Response {
	return &Response{
		HTTPVersion: "HTTP/1.1",
		Headers:     []*Header{},
		Cookies:     []*Cookie{},
		Content:     &Content{},
		HeadersSize: -1,
		BodySize:    -1,
	}
}

func headers(h map[string]string) []*Header {
	out := make([]*Header, 0, len(h))
	for name, value := range h {
		out = append(out, &Header{Name: name, Value: value})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

func headerValue(h map[string]string, name string) string {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}

	return ""
}

func queryString(raw string) []*QueryString {
	out := []*QueryString{}

	u, err := url.Parse(raw)
	if err != nil {
		return out
	}

	query := u.Query()

	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		for _, v := range query[k] {
			out = append(out, &QueryString{Name: k, Value: v})
		}
	}

	return out
}

// FormatMillis renders a millisecond value with three decimals.
func FormatMillis(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
