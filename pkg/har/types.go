// Package har reads and writes HTTP Archive 1.2 documents and extracts
// per-request waterfall timings from them.
package har

// HAR is the root of an HTTP Archive document.
type HAR struct {
	Log *Log `json:"log"`
}

// Log contains the archived requests of one capture window.
type Log struct {
	Version string   `json:"version"`
	Creator *Creator `json:"creator"`
	Browser *Browser `json:"browser,omitempty"`
	Pages   []*Page  `json:"pages,omitempty"`
	Entries []*Entry `json:"entries"`
	Comment string   `json:"comment,omitempty"`
}

// Creator names the tool that wrote the archive.
type Creator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Comment string `json:"comment,omitempty"`
}

// Browser names the browser the archive was captured from.
type Browser struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Comment string `json:"comment,omitempty"`
}

// Page is one capture window. Every entry references it by id.
type Page struct {
	ID              string       `json:"id"`
	StartedDateTime string       `json:"startedDateTime"`
	Title           string       `json:"title"`
	PageTimings     *PageTimings `json:"pageTimings"`
	Comment         string       `json:"comment,omitempty"`
}

// PageTimings holds page level load timings in milliseconds.
type PageTimings struct {
	OnContentLoad float64 `json:"onContentLoad,omitempty"`
	OnLoad        float64 `json:"onLoad,omitempty"`
	Comment       string  `json:"comment,omitempty"`
}

// Entry is one request/response pair.
type Entry struct {
	PageRef         string    `json:"pageref,omitempty"`
	StartedDateTime string    `json:"startedDateTime"`
	Time            float64   `json:"time"`
	Request         *Request  `json:"request"`
	Response        *Response `json:"response"`
	Cache           *Cache    `json:"cache"`
	Timings         *Timings  `json:"timings"`
	ServerIPAddress string    `json:"serverIPAddress,omitempty"`
	Connection      string    `json:"connection,omitempty"`
	Comment         string    `json:"comment,omitempty"`
}

// Request is the archived request.
type Request struct {
	Method      string         `json:"method"`
	URL         string         `json:"url"`
	HTTPVersion string         `json:"httpVersion"`
	Headers     []*Header      `json:"headers"`
	QueryString []*QueryString `json:"queryString"`
	Cookies     []*Cookie      `json:"cookies"`
	PostData    *PostData      `json:"postData,omitempty"`
	HeadersSize int            `json:"headersSize"`
	BodySize    int            `json:"bodySize"`
	Comment     string         `json:"comment,omitempty"`
}

// Response is the archived response. Bodies are never captured.
type Response struct {
	Status      int       `json:"status"`
	StatusText  string    `json:"statusText"`
	HTTPVersion string    `json:"httpVersion"`
	Headers     []*Header `json:"headers"`
	Cookies     []*Cookie `json:"cookies"`
	Content     *Content  `json:"content"`
	RedirectURL string    `json:"redirectURL"`
	HeadersSize int       `json:"headersSize"`
	BodySize    int       `json:"bodySize"`
	Comment     string    `json:"comment,omitempty"`
}

// Header is a name/value pair.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// QueryString is one query parameter.
type QueryString struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Cookie is an archived cookie.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Path     string `json:"path,omitempty"`
	Domain   string `json:"domain,omitempty"`
	Expires  string `json:"expires,omitempty"`
	HTTPOnly bool   `json:"httpOnly,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
}

// PostData is the request body.
type PostData struct {
	MimeType string `json:"mimeType"`
	Text     string `json:"text,omitempty"`
}

// Content describes the response body.
type Content struct {
	Size     int    `json:"size"`
	MimeType string `json:"mimeType"`
}

// Cache is left empty; the browser cache state is not archived.
type Cache struct{}

// Timings are the phases of one request in milliseconds. -1 marks a phase
// that does not apply.
type Timings struct {
	Blocked float64 `json:"blocked"`
	DNS     float64 `json:"dns"`
	Connect float64 `json:"connect"`
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
	SSL     float64 `json:"ssl"`
}
