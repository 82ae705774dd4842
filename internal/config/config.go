// Package config loads receiver and producer settings from TOML files.
// Keys absent from a file keep their defaults.
package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// TLSFiles names PEM files. Cert and key enable HTTPS on the listener; the
// CA is trusted when dialing the peer.
type TLSFiles struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

type ReceiverConfig struct {
	ID               string
	Addr             string
	CORSOrigins      []string
	DataDir          string
	MaxUploadBytes   int64
	ProducerURL      string
	ProducerTimeout  time.Duration
	ProgressInterval int
	// AuthToken guards /v1 and is presented to the producer.
	AuthToken string
	TLS       TLSFiles
}

// BlobDir is where chunk, merged and summary files live.
func (c ReceiverConfig) BlobDir() string {
	return filepath.Join(c.DataDir, "blobs")
}

// TablePath is the persisted record table.
func (c ReceiverConfig) TablePath() string {
	return filepath.Join(c.DataDir, "records.json")
}

func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		ID:               "receiver.local",
		Addr:             ":9300",
		CORSOrigins:      []string{"http://localhost:3000"},
		DataDir:          filepath.Join("local", "receiver"),
		MaxUploadBytes:   256 << 20,
		ProducerURL:      "",
		ProducerTimeout:  5 * time.Second,
		ProgressInterval: 10000,
	}
}

type ProducerConfig struct {
	ID                 string
	Addr               string
	CORSOrigins        []string
	ReceiverURL        string
	OutboxDir          string
	FlushInterval      time.Duration
	MaxSamplesPerChunk int
	SendTimeout        time.Duration
	SendAttempts       int
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
	AuthToken          string
	TLS                TLSFiles
}

func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		ID:                 "producer.local",
		Addr:               ":9310",
		CORSOrigins:        []string{"http://localhost:3000"},
		ReceiverURL:        "http://127.0.0.1:9300",
		OutboxDir:          filepath.Join("local", "outbox"),
		FlushInterval:      30 * time.Second,
		MaxSamplesPerChunk: 50000,
		SendTimeout:        30 * time.Second,
		SendAttempts:       3,
		BackoffInitial:     250 * time.Millisecond,
		BackoffMax:         5 * time.Second,
	}
}

type receiverFile struct {
	ID               string   `toml:"id"`
	Addr             string   `toml:"addr"`
	CORSOrigins      []string `toml:"cors_origins"`
	DataDir          string   `toml:"data_dir"`
	MaxUploadBytes   int64    `toml:"max_upload_bytes"`
	ProducerURL      string   `toml:"producer_url"`
	ProducerTimeout  string   `toml:"producer_timeout"`
	ProgressInterval int      `toml:"progress_interval"`
	AuthToken        string   `toml:"auth_token"`
	TLSCertFile      string   `toml:"tls_cert_file"`
	TLSKeyFile       string   `toml:"tls_key_file"`
	TLSCAFile        string   `toml:"tls_ca_file"`
}

type producerFile struct {
	ID                 string   `toml:"id"`
	Addr               string   `toml:"addr"`
	CORSOrigins        []string `toml:"cors_origins"`
	ReceiverURL        string   `toml:"receiver_url"`
	OutboxDir          string   `toml:"outbox_dir"`
	FlushInterval      string   `toml:"flush_interval"`
	MaxSamplesPerChunk int      `toml:"max_samples_per_chunk"`
	SendTimeout        string   `toml:"send_timeout"`
	SendAttempts       int      `toml:"send_attempts"`
	BackoffInitial     string   `toml:"backoff_initial"`
	BackoffMax         string   `toml:"backoff_max"`
	AuthToken          string   `toml:"auth_token"`
	TLSCertFile        string   `toml:"tls_cert_file"`
	TLSKeyFile         string   `toml:"tls_key_file"`
	TLSCAFile          string   `toml:"tls_ca_file"`
}

func LoadReceiverConfig(path string) (ReceiverConfig, error) {
	cfg := DefaultReceiverConfig()
	var raw receiverFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ReceiverConfig{}, fmt.Errorf("load receiver config: %w", err)
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.ID = id
		}
	}
	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("data_dir") {
		cfg.DataDir = strings.TrimSpace(raw.DataDir)
	}
	if meta.IsDefined("max_upload_bytes") {
		cfg.MaxUploadBytes = raw.MaxUploadBytes
	}
	if meta.IsDefined("producer_url") {
		cfg.ProducerURL = strings.TrimSpace(raw.ProducerURL)
	}
	if meta.IsDefined("producer_timeout") {
		if cfg.ProducerTimeout, err = parseDuration("producer_timeout", raw.ProducerTimeout); err != nil {
			return ReceiverConfig{}, err
		}
	}
	if meta.IsDefined("progress_interval") {
		cfg.ProgressInterval = raw.ProgressInterval
	}
	if meta.IsDefined("auth_token") {
		cfg.AuthToken = strings.TrimSpace(raw.AuthToken)
	}
	cfg.TLS = applyTLS(meta, cfg.TLS, raw.TLSCertFile, raw.TLSKeyFile, raw.TLSCAFile)

	if err := ValidateReceiverConfig(cfg); err != nil {
		return ReceiverConfig{}, err
	}
	return cfg, nil
}

func LoadProducerConfig(path string) (ProducerConfig, error) {
	cfg := DefaultProducerConfig()
	var raw producerFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ProducerConfig{}, fmt.Errorf("load producer config: %w", err)
	}

	if meta.IsDefined("id") {
		if id := strings.TrimSpace(raw.ID); id != "" {
			cfg.ID = id
		}
	}
	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("receiver_url") {
		cfg.ReceiverURL = strings.TrimSpace(raw.ReceiverURL)
	}
	if meta.IsDefined("outbox_dir") {
		cfg.OutboxDir = strings.TrimSpace(raw.OutboxDir)
	}
	if meta.IsDefined("flush_interval") {
		if cfg.FlushInterval, err = parseDuration("flush_interval", raw.FlushInterval); err != nil {
			return ProducerConfig{}, err
		}
	}
	if meta.IsDefined("max_samples_per_chunk") {
		cfg.MaxSamplesPerChunk = raw.MaxSamplesPerChunk
	}
	if meta.IsDefined("send_timeout") {
		if cfg.SendTimeout, err = parseDuration("send_timeout", raw.SendTimeout); err != nil {
			return ProducerConfig{}, err
		}
	}
	if meta.IsDefined("send_attempts") {
		cfg.SendAttempts = raw.SendAttempts
	}
	if meta.IsDefined("backoff_initial") {
		if cfg.BackoffInitial, err = parseDuration("backoff_initial", raw.BackoffInitial); err != nil {
			return ProducerConfig{}, err
		}
	}
	if meta.IsDefined("backoff_max") {
		if cfg.BackoffMax, err = parseDuration("backoff_max", raw.BackoffMax); err != nil {
			return ProducerConfig{}, err
		}
	}
	if meta.IsDefined("auth_token") {
		cfg.AuthToken = strings.TrimSpace(raw.AuthToken)
	}
	cfg.TLS = applyTLS(meta, cfg.TLS, raw.TLSCertFile, raw.TLSKeyFile, raw.TLSCAFile)

	if err := ValidateProducerConfig(cfg); err != nil {
		return ProducerConfig{}, err
	}
	return cfg, nil
}

func ValidateReceiverConfig(cfg ReceiverConfig) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("receiver config missing addr")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("receiver config missing data_dir")
	}
	if cfg.MaxUploadBytes <= 0 {
		return fmt.Errorf("receiver config max_upload_bytes must be > 0")
	}
	if cfg.ProgressInterval <= 0 {
		return fmt.Errorf("receiver config progress_interval must be > 0")
	}
	if cfg.ProducerURL != "" {
		if err := validateURL("producer_url", cfg.ProducerURL); err != nil {
			return err
		}
	}
	return validateTLS("receiver", cfg.TLS)
}

func ValidateProducerConfig(cfg ProducerConfig) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("producer config missing addr")
	}
	if err := validateURL("receiver_url", cfg.ReceiverURL); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.OutboxDir) == "" {
		return fmt.Errorf("producer config missing outbox_dir")
	}
	if cfg.FlushInterval <= 0 {
		return fmt.Errorf("producer config flush_interval must be > 0")
	}
	if cfg.MaxSamplesPerChunk < 0 {
		return fmt.Errorf("producer config max_samples_per_chunk must be >= 0")
	}
	if cfg.SendAttempts < 1 {
		return fmt.Errorf("producer config send_attempts must be >= 1")
	}
	return validateTLS("producer", cfg.TLS)
}

func validateTLS(kind string, files TLSFiles) error {
	if (files.CertFile == "") != (files.KeyFile == "") {
		return fmt.Errorf("%s config tls_cert_file and tls_key_file must be set together", kind)
	}
	return nil
}

func applyTLS(meta toml.MetaData, files TLSFiles, cert, key, ca string) TLSFiles {
	if meta.IsDefined("tls_cert_file") {
		files.CertFile = strings.TrimSpace(cert)
	}
	if meta.IsDefined("tls_key_file") {
		files.KeyFile = strings.TrimSpace(key)
	}
	if meta.IsDefined("tls_ca_file") {
		files.CAFile = strings.TrimSpace(ca)
	}
	return files
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func validateURL(key, raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http(s) url", key)
	}
	if u.Host == "" {
		return fmt.Errorf("%s missing host", key)
	}
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
