package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zoom/arlo/internal/protocol"
	"github.com/zoom/arlo/internal/webhook"
)

type options struct {
	baseURL       string
	secret        string
	meetingKey    string
	streamKey     string
	serverURLs    string
	operatorID    string
	hold          time.Duration
	statusTimeout time.Duration
	verbose       bool
}

type webhookBody struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

type segmentsPage struct {
	Segments []protocol.TranscriptSegment `json:"segments"`
	Cursor   *string                      `json:"cursor"`
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "rtmsprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "rtmsprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var holdMS int
	var statusTimeoutMS int

	fs := flag.NewFlagSet("rtmsprobe", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:3002", "relay base URL")
	fs.StringVar(&cfg.secret, "secret", os.Getenv("ZOOM_WEBHOOK_SECRET"), "webhook secret used to sign deliveries")
	fs.StringVar(&cfg.meetingKey, "meeting", "", "meeting uuid (random when empty)")
	fs.StringVar(&cfg.streamKey, "stream", "", "rtms stream id (random when empty)")
	fs.StringVar(&cfg.serverURLs, "server-urls", "wss://rtms.invalid/signaling", "server_urls sent in the started webhook")
	fs.StringVar(&cfg.operatorID, "operator", "rtmsprobe", "operator_id sent in the started webhook")
	fs.IntVar(&holdMS, "hold-ms", 3000, "how long to keep the meeting open and print live frames")
	fs.IntVar(&statusTimeoutMS, "status-timeout-ms", 5000, "timeout waiting for each status frame")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print live frames")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if holdMS < 0 {
		return options{}, fmt.Errorf("hold-ms must be >= 0")
	}
	if statusTimeoutMS <= 0 {
		return options{}, fmt.Errorf("status-timeout-ms must be > 0")
	}
	if strings.TrimSpace(cfg.meetingKey) == "" {
		cfg.meetingKey = uuid.NewString()
	}
	if strings.TrimSpace(cfg.streamKey) == "" {
		cfg.streamKey = uuid.NewString()
	}
	cfg.hold = time.Duration(holdMS) * time.Millisecond
	cfg.statusTimeout = time.Duration(statusTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.hold+4*cfg.statusTimeout+30*time.Second)
	defer cancel()
	httpClient := &http.Client{Timeout: 15 * time.Second}

	liveURL, err := liveURLForMeeting(cfg.baseURL, cfg.meetingKey)
	if err != nil {
		return fmt.Errorf("build live URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, liveURL, nil)
	if err != nil {
		return fmt.Errorf("open live feed: %w", err)
	}
	defer conn.Close()

	frames := make(chan protocol.LiveFrame, 64)
	readErrCh := make(chan error, 1)
	go readLoop(conn, frames, readErrCh)

	fmt.Printf("rtmsprobe: meeting=%s stream=%s\n", cfg.meetingKey, cfg.streamKey)

	started := time.Now()
	if err := postWebhook(ctx, httpClient, cfg, webhook.EventRTMSStarted, map[string]any{
		"meeting_uuid":   cfg.meetingKey,
		"rtms_stream_id": cfg.streamKey,
		"server_urls":    cfg.serverURLs,
		"operator_id":    cfg.operatorID,
	}); err != nil {
		return fmt.Errorf("post started webhook: %w", err)
	}
	if err := awaitStatus(frames, readErrCh, protocol.StatusStarted, cfg.statusTimeout, cfg.verbose); err != nil {
		return err
	}
	fmt.Printf("rtmsprobe: rtms_started after %s\n", time.Since(started).Round(time.Millisecond))

	segments := drainFor(frames, cfg.hold, cfg.verbose)

	stopped := time.Now()
	if err := postWebhook(ctx, httpClient, cfg, webhook.EventRTMSStopped, map[string]any{
		"meeting_uuid": cfg.meetingKey,
	}); err != nil {
		return fmt.Errorf("post stopped webhook: %w", err)
	}
	if err := awaitStatus(frames, readErrCh, protocol.StatusStopped, cfg.statusTimeout, cfg.verbose); err != nil {
		return err
	}
	fmt.Printf("rtmsprobe: rtms_stopped after %s\n", time.Since(stopped).Round(time.Millisecond))

	page, err := fetchSegments(ctx, httpClient, cfg.baseURL, cfg.meetingKey)
	if err != nil {
		return fmt.Errorf("fetch segments: %w", err)
	}
	fmt.Printf("rtmsprobe: live_segments=%d stored_segments=%d\n", segments, len(page.Segments))
	return nil
}

func postWebhook(ctx context.Context, client *http.Client, cfg options, event string, payload map[string]any) error {
	body, err := json.Marshal(webhookBody{Event: event, Payload: payload})
	if err != nil {
		return err
	}
	req, err := signedRequest(ctx, cfg.baseURL, cfg.secret, body, time.Now())
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}

func signedRequest(ctx context.Context, baseURL, secret string, body []byte, now time.Time) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/webhook", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		ts := strconv.FormatInt(now.Unix(), 10)
		req.Header.Set(webhook.HeaderTimestamp, ts)
		req.Header.Set(webhook.HeaderSignature, webhook.Sign(secret, ts, body))
	}
	return req, nil
}

func fetchSegments(ctx context.Context, client *http.Client, baseURL, meetingKey string) (segmentsPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/meetings/"+url.PathEscape(meetingKey)+"/segments", nil)
	if err != nil {
		return segmentsPage{}, err
	}
	res, err := client.Do(req)
	if err != nil {
		return segmentsPage{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return segmentsPage{}, err
	}
	if res.StatusCode != http.StatusOK {
		return segmentsPage{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var page segmentsPage
	if err := json.Unmarshal(body, &page); err != nil {
		return segmentsPage{}, err
	}
	return page, nil
}

func liveURLForMeeting(baseURL, meetingKey string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/meetings/" + meetingKey + "/live"
	u.RawPath = strings.TrimRight(u.RawPath, "/")
	if u.RawPath != "" {
		u.RawPath += "/v1/meetings/" + url.PathEscape(meetingKey) + "/live"
	}
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, frames chan<- protocol.LiveFrame, readErrCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var frame protocol.LiveFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		select {
		case frames <- frame:
		default:
		}
	}
}

func awaitStatus(frames <-chan protocol.LiveFrame, readErrCh <-chan error, want protocol.Status, timeout time.Duration, verbose bool) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case frame := <-frames:
			printFrame(frame, verbose)
			if frame.Type == protocol.TypeStatus && frame.Status == want {
				return nil
			}
		case err := <-readErrCh:
			return fmt.Errorf("live feed read: %w", err)
		case <-timer.C:
			return fmt.Errorf("timed out after %s waiting for %s", timeout, want)
		}
	}
}

func drainFor(frames <-chan protocol.LiveFrame, d time.Duration, verbose bool) int {
	segments := 0
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case frame := <-frames:
			printFrame(frame, verbose)
			if frame.Type == protocol.TypeSegment {
				segments++
			}
		case <-timer.C:
			return segments
		}
	}
}

func printFrame(frame protocol.LiveFrame, verbose bool) {
	if !verbose {
		return
	}
	switch frame.Type {
	case protocol.TypeSegment:
		if frame.Segment != nil {
			fmt.Printf("rtmsprobe: segment seq=%d speaker=%q text=%q\n", frame.Segment.SeqNo, frame.Segment.SpeakerLabel, frame.Segment.Text)
		}
	case protocol.TypeParticipantEvents:
		for _, ev := range frame.Events {
			fmt.Printf("rtmsprobe: participant %s id=%s name=%q\n", ev.EventType, ev.ParticipantID, ev.ParticipantName)
		}
	case protocol.TypeStatus:
		fmt.Printf("rtmsprobe: status %s\n", frame.Status)
	}
}
