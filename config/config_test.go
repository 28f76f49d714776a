package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tattoo.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("TATTOO_CONFIG", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue != "main" {
		t.Errorf("queue = %q", cfg.Queue)
	}
	if cfg.Broker.Kind != "amqp" || cfg.Broker.Attempts != 3 {
		t.Errorf("broker = %+v", cfg.Broker)
	}
	if cfg.Broker.AMQP.Port != 5672 || cfg.Broker.AMQP.User != "guest" {
		t.Errorf("amqp = %+v", cfg.Broker.AMQP)
	}
	if cfg.API.Listen != ":8000" {
		t.Errorf("api.listen = %q", cfg.API.Listen)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	p := writeFile(t, `
queue: jobs
broker:
  kind: redis
  redis:
    addr: redis:6379
    poll_block: 500ms
worker:
  command: /usr/bin/python3
  args: ["run.py", "--fp16"]
`)
	t.Setenv("TATTOO_BROKER_REDIS_DB", "4")
	t.Setenv("TATTOO_API_STANDALONE", "true")

	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue != "jobs" || cfg.Broker.Kind != "redis" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Broker.Redis.Addr != "redis:6379" || cfg.Broker.Redis.DB != 4 {
		t.Errorf("redis = %+v", cfg.Broker.Redis)
	}
	if cfg.Broker.Redis.PollBlock != 500*time.Millisecond {
		t.Errorf("poll_block = %v", cfg.Broker.Redis.PollBlock)
	}
	if cfg.Broker.Redis.Group != "tattoo-workers" {
		t.Errorf("group default lost: %q", cfg.Broker.Redis.Group)
	}
	if strings.Join(cfg.Worker.Args, " ") != "run.py --fp16" {
		t.Errorf("args = %v", cfg.Worker.Args)
	}
	if !cfg.API.Standalone {
		t.Error("standalone not set from env")
	}
}

func TestRabbitEnvAliases(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("TATTOO_CONFIG", "")
	t.Setenv("RABBITMQ_DEFAULT_USER", "tattoo")
	t.Setenv("RABBITMQ_DEFAULT_PASS", "s3cret")
	t.Setenv("RABBITMQ_HOST", "rabbit")
	t.Setenv("RABBITMQ_PORT", "5673")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	a := cfg.Broker.AMQP
	if a.User != "tattoo" || a.Password != "s3cret" || a.Host != "rabbit" || a.Port != 5673 {
		t.Fatalf("amqp = %+v", a)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"kind":     "broker:\n  kind: kafka\n",
		"level":    "log:\n  level: loud\n",
		"attempts": "broker:\n  attempts: 0\n",
		"storage":  "broker:\n  nats:\n    storage: tape\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeFile(t, body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestMustLoad(t *testing.T) {
	cfg := MustLoad(writeFile(t, "queue: gpu\n"))
	if cfg.Queue != "gpu" {
		t.Fatalf("queue = %q", cfg.Queue)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("MustLoad did not panic on an invalid file")
		}
	}()
	MustLoad(writeFile(t, "broker:\n  kind: kafka\n"))
}

func TestDump(t *testing.T) {
	var buf bytes.Buffer
	if err := Dump(&buf, Default()); err != nil {
		t.Fatalf("dump: %v", err)
	}
	var back map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back["queue"] != "main" {
		t.Fatalf("queue = %v", back["queue"])
	}
	b, ok := back["broker"].(map[string]any)
	if !ok || b["kind"] != "amqp" {
		t.Fatalf("broker = %v", back["broker"])
	}
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup (equivalent of testing.T.Chdir, added in Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatal(err)
		}
	})
}
