package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"transcript-relay-service/internal/models"
)

var rootCmd = &cobra.Command{
	Use:   "audioclient",
	Short: "Stream WAV files to the transcript relay and print the transcripts",
	Long: `audioclient streams one or two 16-bit PCM WAV files to the relay, the
first as the mic source and the second as the system source, paced like live
capture. Transcripts are printed as they arrive.`,
	SilenceUsage: true,
	RunE:         runStream,
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check that the relay is up and can open both speech sessions",
	RunE:  runProbe,
}

func init() {
	rootCmd.PersistentFlags().String("server", "ws://localhost:3000/listen", "Relay websocket URL")
	rootCmd.PersistentFlags().Duration("timeout", 10*time.Second, "How long to wait for the relay to respond")

	rootCmd.Flags().String("mic", "", "WAV file streamed as the mic source")
	rootCmd.Flags().String("system", "", "WAV file streamed as the system source")
	rootCmd.Flags().Duration("chunk", 100*time.Millisecond, "Audio per frame")
	rootCmd.Flags().Bool("realtime", true, "Pace frames at capture speed")
	rootCmd.Flags().Duration("linger", 5*time.Second, "How long to wait for trailing transcripts after stop")

	rootCmd.AddCommand(probeCmd)
}

// serverEvent is any event the relay sends.
type serverEvent struct {
	Type       string  `json:"type"`
	Message    string  `json:"message,omitempty"`
	Source     string  `json:"source,omitempty"`
	Text       string  `json:"text,omitempty"`
	IsFinal    bool    `json:"is_final,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

// relayClient serialises writes to the websocket and fans status and error
// events out to waiters.
type relayClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	status  chan serverEvent
	done    chan struct{}
}

func dialRelay(server string, timeout time.Duration) (*relayClient, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = timeout
	conn, _, err := dialer.Dial(server, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", server, err)
	}
	c := &relayClient{
		conn:   conn,
		status: make(chan serverEvent, 16),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *relayClient) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("Connection closed: %v", err)
			}
			return
		}
		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("Unreadable event: %s", data)
			continue
		}
		switch ev.Type {
		case models.TypeTranscript:
			kind := "interim"
			if ev.IsFinal {
				kind = fmt.Sprintf("final %.2f", ev.Confidence)
			}
			fmt.Printf("[%-6s] (%s) %s\n", ev.Source, kind, ev.Text)
		case models.TypeError:
			log.Printf("Relay error: %s", ev.Message)
			c.notify(ev)
		default:
			log.Printf("Relay status: %s", ev.Message)
			c.notify(ev)
		}
	}
}

func (c *relayClient) notify(ev serverEvent) {
	select {
	case c.status <- ev:
	default:
	}
}

func (c *relayClient) send(msg models.ClientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

// await waits for the given status messages. An error event fails the wait.
func (c *relayClient) await(timeout time.Duration, messages ...string) error {
	pending := make(map[string]bool, len(messages))
	for _, m := range messages {
		pending[m] = true
	}
	deadline := time.After(timeout)
	for len(pending) > 0 {
		select {
		case ev := <-c.status:
			if ev.Type == models.TypeError {
				return errors.New(ev.Message)
			}
			delete(pending, ev.Message)
		case <-c.done:
			return errors.New("connection closed")
		case <-deadline:
			return fmt.Errorf("timed out waiting for %v", keys(pending))
		}
	}
	return nil
}

func (c *relayClient) close() {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	_ = c.conn.Close()
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func runStream(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	server, _ := flags.GetString("server")
	timeout, _ := flags.GetDuration("timeout")
	chunk, _ := flags.GetDuration("chunk")
	realtime, _ := flags.GetBool("realtime")
	linger, _ := flags.GetDuration("linger")

	files := map[models.Source]string{}
	if p, _ := flags.GetString("mic"); p != "" {
		files[models.SourceMic] = p
	}
	if p, _ := flags.GetString("system"); p != "" {
		files[models.SourceSystem] = p
	}
	if len(files) == 0 {
		return errors.New("at least one of --mic or --system is required")
	}

	c, err := dialRelay(server, timeout)
	if err != nil {
		return err
	}
	defer c.close()
	log.Printf("Connected to %s", server)

	if err := c.send(models.ClientMessage{Type: models.MessageStart}); err != nil {
		return err
	}
	var ready []string
	for source := range files {
		ready = append(ready, models.ReadyStatus(source).Message)
	}
	if err := c.await(timeout, ready...); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	for source, path := range files {
		g.Go(func() error {
			return streamFile(ctx, c, source, path, chunk, realtime)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	log.Println("Audio sent, stopping and waiting for final transcripts...")
	if err := c.send(models.ClientMessage{Type: models.MessageStop}); err != nil {
		return err
	}
	if err := c.await(linger, models.StatusStopped); err != nil {
		log.Printf("Stop not acknowledged: %v", err)
	}
	// Trailing results may still be in flight after the acknowledgement.
	time.Sleep(linger / 5)
	return nil
}

func streamFile(ctx context.Context, c *relayClient, source models.Source, path string, chunk time.Duration, realtime bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s audio: %w", source, err)
	}
	defer f.Close()

	format, pcm, err := readWAV(f)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	log.Printf("%s: %s format=%d channels=%d sampleRate=%d bitsPerSample=%d",
		source, path, format.AudioFormat, format.Channels, format.SampleRate, format.BitsPerSample)
	if format.SampleRate != 16000 || format.Channels != 1 {
		log.Printf("Warning: %s is %d Hz with %d channels, the relay expects 16000 Hz mono", path, format.SampleRate, format.Channels)
	}

	size := format.bytesPerSecond() * int(chunk.Milliseconds()) / 1000
	if size <= 0 {
		size = 3200
	}
	buf := make([]byte, size)

	ticker := time.NewTicker(chunk)
	defer ticker.Stop()

	var frames, total int
	start := time.Now()
	for {
		n, err := io.ReadFull(pcm, buf)
		if n > 0 {
			msg := models.ClientMessage{
				Type:   models.MessageAudio,
				Source: source.String(),
				Audio:  base64.StdEncoding.EncodeToString(buf[:n]),
			}
			if err := c.send(msg); err != nil {
				return fmt.Errorf("send %s audio: %w", source, err)
			}
			frames++
			total += n
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read %s audio: %w", source, err)
		}
		if realtime {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	log.Printf("%s: sent %d frames, %d bytes in %v", source, frames, total, time.Since(start).Round(time.Millisecond))
	return nil
}

func runProbe(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	server, _ := flags.GetString("server")
	timeout, _ := flags.GetDuration("timeout")

	healthURL, err := healthURLFor(server)
	if err != nil {
		return err
	}
	httpClient := &http.Client{Timeout: timeout}
	resp, err := httpClient.Get(healthURL)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check: %s", resp.Status)
	}
	log.Printf("Health: %s", strings.TrimSpace(string(body)))

	c, err := dialRelay(server, timeout)
	if err != nil {
		return err
	}
	defer c.close()

	if err := c.send(models.ClientMessage{Type: models.MessageStart}); err != nil {
		return err
	}
	if err := c.await(timeout, models.ReadyStatus(models.SourceMic).Message, models.ReadyStatus(models.SourceSystem).Message); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if err := c.send(models.ClientMessage{Type: models.MessageStop}); err != nil {
		return err
	}
	if err := c.await(timeout, models.StatusStopped); err != nil {
		return fmt.Errorf("stop: %w", err)
	}

	fmt.Println("OK: relay opened and closed both speech sessions")
	return nil
}

// healthURLFor maps ws://host/listen to http://host/health.
func healthURLFor(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/health"
	u.RawQuery = ""
	return u.String(), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
