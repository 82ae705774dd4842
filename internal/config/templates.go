package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "receiver":
		return receiverTemplate, nil
	case "producer":
		return producerTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const receiverTemplate = `id = "receiver.local"
addr = ":9300"
cors_origins = ["http://localhost:3000"]
data_dir = "local/receiver"
max_upload_bytes = 268435456
producer_url = "http://127.0.0.1:9310"
producer_timeout = "5s"
progress_interval = 10000
auth_token = ""
tls_cert_file = ""
tls_key_file = ""
tls_ca_file = ""
`

const producerTemplate = `id = "producer.local"
addr = ":9310"
cors_origins = ["http://localhost:3000"]
receiver_url = "http://127.0.0.1:9300"
outbox_dir = "local/outbox"
flush_interval = "30s"
max_samples_per_chunk = 50000
send_timeout = "30s"
send_attempts = 3
backoff_initial = "250ms"
backoff_max = "5s"
auth_token = ""
tls_cert_file = ""
tls_key_file = ""
tls_ca_file = ""
`
