package segment

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"cast-proxy-go/pkg/logging"
)

type fakeCall struct {
	method string
	url    string
}

type fakeClient struct {
	// statuses are consumed per GET in order; the last repeats.
	statuses []int
	headOK   bool
	calls    []fakeCall
	gets     int
	body     string
}

func (f *fakeClient) Get(ctx context.Context, urlStr, referer string) (*http.Response, error) {
	f.calls = append(f.calls, fakeCall{"GET", urlStr})
	status := f.statuses[len(f.statuses)-1]
	if f.gets < len(f.statuses) {
		status = f.statuses[f.gets]
	}
	f.gets++
	body := f.body
	if body == "" {
		body = "segmentdata"
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"video/MP2T"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}, nil
}

func (f *fakeClient) Head(ctx context.Context, urlStr, referer string) (*http.Response, error) {
	f.calls = append(f.calls, fakeCall{"HEAD", urlStr})
	status := http.StatusNotFound
	if f.headOK {
		status = http.StatusOK
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader("")),
	}, nil
}

func newTestFetcher(client Client) *Fetcher {
	f := NewFetcher(client, logging.New("error", false, io.Discard), 10, time.Millisecond, 4*time.Millisecond, time.Hour)
	// Virtual clock: sleeping advances time instead of waiting.
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }
	f.sleep = func(ctx context.Context, d time.Duration) error {
		now = now.Add(d)
		return nil
	}
	return f
}

func TestIsSegmentURL(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://cdn/x/seg01.ts", true},
		{"https://cdn/x/seg01.ts?token=abc", true},
		{"https://cdn/x/chunk.m4s", true},
		{"https://cdn/x/init.mp4", true},
		{"https://cdn/x/live.m3u8", false},
		{"https://cdn/x/subtitles.vtt", false},
	}
	for _, tt := range tests {
		if got := IsSegmentURL(tt.url); got != tt.want {
			t.Errorf("IsSegmentURL(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestContentTypeFor(t *testing.T) {
	if got := ContentTypeFor("https://cdn/seg.ts?x=1"); got != "video/MP2T" {
		t.Errorf("ts content type = %q", got)
	}
	if got := ContentTypeFor("https://cdn/chunk.m4s"); got != "video/mp4" {
		t.Errorf("m4s content type = %q", got)
	}
}

func TestNextSegmentURL(t *testing.T) {
	tests := []struct {
		url    string
		want   string
		wantOK bool
	}{
		{"https://cdn/x/seg0042.ts", "https://cdn/x/seg0043.ts", true},
		{"https://cdn/x/seg9.ts", "https://cdn/x/seg10.ts", true},
		{"https://cdn/x/seg099.ts?tok=a", "https://cdn/x/seg100.ts?tok=a", true},
		{"https://cdn/x/segment.ts", "", false},
	}
	for _, tt := range tests {
		got, ok := nextSegmentURL(tt.url)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("nextSegmentURL(%q) = (%q, %v), want (%q, %v)", tt.url, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestFetchRetriesUntilSuccess(t *testing.T) {
	client := &fakeClient{statuses: []int{503, 503, 200}}
	f := newTestFetcher(client)

	res, err := f.Fetch(context.Background(), "https://cdn/x/segment.ts", "")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Response.Body.Close()

	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
	if res.Response.StatusCode != 200 {
		t.Errorf("status = %d, want 200", res.Response.StatusCode)
	}
}

func TestFetchSkipsAheadAfterFirst404(t *testing.T) {
	client := &fakeClient{statuses: []int{404, 200}, headOK: true}
	f := newTestFetcher(client)

	res, err := f.Fetch(context.Background(), "https://cdn/x/seg0042.ts", "")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Response.Body.Close()

	if !res.Skipped {
		t.Error("skip-ahead not reported")
	}
	if res.Response.StatusCode != 200 {
		t.Errorf("status = %d, want 200", res.Response.StatusCode)
	}

	// The probe must be a HEAD on the next index, then a GET for it.
	var probed, refetched bool
	for _, c := range client.calls {
		if c.method == "HEAD" && c.url == "https://cdn/x/seg0043.ts" {
			probed = true
		}
		if c.method == "GET" && c.url == "https://cdn/x/seg0043.ts" {
			refetched = true
		}
	}
	if !probed || !refetched {
		t.Errorf("calls = %+v", client.calls)
	}
}

func TestFetchNo404SkipWithoutNumericIndex(t *testing.T) {
	client := &fakeClient{statuses: []int{404, 200}, headOK: true}
	f := newTestFetcher(client)

	res, err := f.Fetch(context.Background(), "https://cdn/x/segment.ts", "")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Response.Body.Close()

	if res.Skipped {
		t.Error("skip-ahead on non-indexed segment name")
	}
	for _, c := range client.calls {
		if c.method == "HEAD" {
			t.Error("probe issued for non-indexed segment name")
		}
	}
}

func TestFetchGiveUpReturnsEmptySegment(t *testing.T) {
	client := &fakeClient{statuses: []int{503}}
	f := newTestFetcher(client)
	f.giveUpAfter = 3 * time.Millisecond

	res, err := f.Fetch(context.Background(), "https://cdn/x/seg01.ts", "")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Response.Body.Close()

	if !res.GaveUp {
		t.Error("give-up not reported")
	}
	if res.Response.StatusCode != 200 {
		t.Errorf("status = %d, want 200", res.Response.StatusCode)
	}
	if res.Response.ContentType != "video/MP2T" {
		t.Errorf("content type = %q, want video/MP2T", res.Response.ContentType)
	}
	body, _ := io.ReadAll(res.Response.Body)
	if len(body) != 0 {
		t.Errorf("body = %q, want empty", body)
	}
}

func TestFetchExhaustedAttemptsPropagateStatus(t *testing.T) {
	client := &fakeClient{statuses: []int{500}}
	f := newTestFetcher(client)
	f.maxAttempts = 3

	res, err := f.Fetch(context.Background(), "https://cdn/x/seg01.ts", "")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Response.Body.Close()

	if res.GaveUp {
		t.Error("reported give-up instead of exhausted attempts")
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}
	if res.Response.StatusCode != 500 {
		t.Errorf("status = %d, want 500", res.Response.StatusCode)
	}
}

func TestFetchNonSegmentSingleAttempt(t *testing.T) {
	client := &fakeClient{statuses: []int{403}}
	f := newTestFetcher(client)

	res, err := f.Fetch(context.Background(), "https://cdn/x/subtitles.vtt", "")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Response.Body.Close()

	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
	if res.Response.StatusCode != 403 {
		t.Errorf("status = %d, want 403 passed through", res.Response.StatusCode)
	}
}

func TestBackoffCapped(t *testing.T) {
	f := NewFetcher(nil, logging.New("error", false, io.Discard), 10, 200*time.Millisecond, 800*time.Millisecond, time.Hour)

	if got := f.backoff(1); got != 200*time.Millisecond {
		t.Errorf("backoff(1) = %v", got)
	}
	if got := f.backoff(2); got != 300*time.Millisecond {
		t.Errorf("backoff(2) = %v", got)
	}
	if got := f.backoff(8); got != 800*time.Millisecond {
		t.Errorf("backoff(8) = %v, want capped at 800ms", got)
	}
}

func TestCountBodyReportsOnce(t *testing.T) {
	var reported []int64
	body := CountBody(io.NopCloser(strings.NewReader("hello world")), func(n int64) {
		reported = append(reported, n)
	})

	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatal(err)
	}
	body.Close()

	if string(data) != "hello world" {
		t.Errorf("data = %q", data)
	}
	if len(reported) != 1 || reported[0] != 11 {
		t.Errorf("reported = %v, want one callback with 11", reported)
	}
}
