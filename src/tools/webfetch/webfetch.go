// Package webfetch provides the fetch_url local tool, which lets the model
// read a web page as text or markdown.
package webfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/gabriel-vasile/mimetype"

	"github.com/elee1766/threadloom/src/agent"
)

const Name = "fetch_url"

const description = `Fetch a web page over HTTP(S) and return its content.
HTML is converted to markdown by default, or to plain text when format is "text".
Other text responses are returned as-is. Binary responses are rejected.`

const (
	DefaultMaxBytes  = 2 << 20
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "threadloom/1.0"
)

var (
	ErrUnsupportedScheme  = errors.New("only http and https URLs can be fetched")
	ErrUnsupportedContent = errors.New("response is not text")
)

// Input is the argument schema offered to the model
type Input struct {
	URL    string `json:"url" required:"true" description:"Absolute http or https URL"`
	Format string `json:"format,omitempty" enum:"markdown,text" description:"Output format for HTML pages (default markdown)"`
}

// Options configures the tool
type Options struct {
	HTTPClient *http.Client
	MaxBytes   int64
	Timeout    time.Duration
	UserAgent  string
	Logger     *slog.Logger
}

type fetcher struct {
	client    *http.Client
	maxBytes  int64
	timeout   time.Duration
	userAgent string
	logger    *slog.Logger
}

// Tool builds the fetch_url tool
func Tool(o Options) (agent.Tool, error) {
	f := &fetcher{
		client:    o.HTTPClient,
		maxBytes:  o.MaxBytes,
		timeout:   o.Timeout,
		userAgent: o.UserAgent,
		logger:    o.Logger,
	}
	if f.client == nil {
		f.client = &http.Client{}
	}
	if f.maxBytes <= 0 {
		f.maxBytes = DefaultMaxBytes
	}
	if f.timeout <= 0 {
		f.timeout = DefaultTimeout
	}
	if f.userAgent == "" {
		f.userAgent = DefaultUserAgent
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	f.logger = f.logger.With("component", "tool", "tool", Name)
	return agent.NewGenericTool(Name, description, f.fetch)
}

func (f *fetcher) fetch(ctx context.Context, in Input) (string, error) {
	u, err := url.Parse(in.URL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, in.URL)
	}
	format := strings.ToLower(in.Format)
	if format == "" {
		format = "markdown"
	}
	if format != "markdown" && format != "text" {
		return "", fmt.Errorf("format must be markdown or text, got %q", in.Format)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("fetch %s: unexpected status %s", u, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = mimetype.Detect(body).String()
	}
	f.logger.Debug("fetched", "url", u.String(), "status", resp.StatusCode, "bytes", len(body), "mime", mime)

	switch {
	case strings.Contains(mime, "html"):
		if format == "text" {
			return htmlText(body)
		}
		return htmlMarkdown(body)
	case strings.HasPrefix(mime, "text/"), strings.Contains(mime, "json"), strings.Contains(mime, "xml"):
		return string(body), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedContent, mime)
	}
}

func htmlText(body []byte) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("failed to parse html: %w", err)
	}
	doc.Find("script, style, noscript").Remove()

	var lines []string
	for _, line := range strings.Split(doc.Text(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}

func htmlMarkdown(body []byte) (string, error) {
	converter := md.NewConverter("", true, nil)
	converter.Remove("script", "style", "noscript")
	out, err := converter.ConvertString(string(body))
	if err != nil {
		return "", fmt.Errorf("failed to convert html: %w", err)
	}
	out = strings.TrimSpace(out)
	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return out, nil
}
