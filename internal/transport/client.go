package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/danmuck/sensorsync/internal/producer"
	"github.com/danmuck/sensorsync/internal/protocol"
	"github.com/danmuck/sensorsync/internal/retransmit"
)

var (
	_ producer.Sender = (*ReceiverClient)(nil)
	_ retransmit.Peer = (*ProducerClient)(nil)
)

// StatusError is a non-2xx answer from a peer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: peer answered %d: %s", e.Code, e.Body)
}

// ReceiverClient uploads chunks and manifests to a receiver.
type ReceiverClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewReceiverClient(baseURL string, timeout time.Duration) *ReceiverClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ReceiverClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// WithToken sets the bearer token sent on every request.
func (c *ReceiverClient) WithToken(token string) *ReceiverClient {
	c.token = strings.TrimSpace(token)
	return c
}

// WithTLS replaces the client transport with one using cfg.
func (c *ReceiverClient) WithTLS(cfg *tls.Config) *ReceiverClient {
	c.http.Transport = tlsTransport(cfg)
	return c
}

// SendChunk uploads the chunk file at path with its metadata.
func (c *ReceiverClient) SendChunk(ctx context.Context, meta protocol.ChunkMetadata, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return c.upload(ctx, meta, meta.FileName, f)
}

// SendManifest uploads m as a manifest transfer.
func (c *ReceiverClient) SendManifest(ctx context.Context, m protocol.Manifest) error {
	var buf bytes.Buffer
	if err := protocol.WriteManifest(&buf, m); err != nil {
		return err
	}
	meta := protocol.ChunkMetadata{
		WorkoutID:        m.WorkoutID,
		TotalChunks:      m.TotalChunks,
		StartDate:        m.StartDate,
		TotalSampleCount: m.TotalSampleCount,
		IsManifest:       true,
	}
	return c.upload(ctx, meta, m.WorkoutID+"_manifest.json", &buf)
}

func (c *ReceiverClient) upload(ctx context.Context, meta protocol.ChunkMetadata, fileName string, blob io.Reader) error {
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeTransfer(mw, rawMeta, fileName, blob)
		if cerr := mw.Close(); err == nil {
			err = cerr
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/transfers", pr)
	if err != nil {
		pr.Close()
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	setToken(req, c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

func writeTransfer(mw *multipart.Writer, rawMeta []byte, fileName string, blob io.Reader) error {
	if err := mw.WriteField(FieldMetadata, string(rawMeta)); err != nil {
		return err
	}
	part, err := mw.CreateFormFile(FieldBlob, fileName)
	if err != nil {
		return err
	}
	_, err = io.Copy(part, blob)
	return err
}

// ProducerClient reaches a producer's retransmission endpoint.
type ProducerClient struct {
	baseURL      string
	token        string
	http         *http.Client
	probeTimeout time.Duration
}

func NewProducerClient(baseURL string, timeout time.Duration) *ProducerClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ProducerClient{
		baseURL:      strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:         &http.Client{Timeout: timeout},
		probeTimeout: timeout,
	}
}

// WithToken sets the bearer token sent with retransmission requests.
func (c *ProducerClient) WithToken(token string) *ProducerClient {
	c.token = strings.TrimSpace(token)
	return c
}

// WithTLS replaces the client transport with one using cfg.
func (c *ProducerClient) WithTLS(cfg *tls.Config) *ProducerClient {
	c.http.Transport = tlsTransport(cfg)
	return c
}

// Reachable probes the producer's health endpoint.
func (c *ProducerClient) Reachable(ctx context.Context) bool {
	if c.baseURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK
}

// RequestChunks sends one request and decodes exactly one reply.
func (c *ProducerClient) RequestChunks(ctx context.Context, r protocol.RetransmitRequest) (protocol.RetransmitReply, error) {
	var buf bytes.Buffer
	if err := protocol.WriteJSON(&buf, r); err != nil {
		return protocol.RetransmitReply{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/retransmit", &buf)
	if err != nil {
		return protocol.RetransmitReply{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	setToken(req, c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return protocol.RetransmitReply{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return protocol.RetransmitReply{}, checkStatus(resp)
	}
	return protocol.ReadRetransmitReply(resp.Body)
}

func tlsTransport(cfg *tls.Config) http.RoundTripper {
	if cfg == nil {
		return http.DefaultTransport
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.TLSClientConfig = cfg
	return t
}

func setToken(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
