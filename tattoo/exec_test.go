package tattoo

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// shRunner runs script with sh; the task and flags arrive as $1...
func shRunner(script string) *ExecRunner {
	return &ExecRunner{Command: "/bin/sh", Args: []string{"-c", script, "model"}}
}

func TestExecRunnerPassesFlagsAndReadsPaths(t *testing.T) {
	r := shRunner(`echo "$*" >&2; printf '/out/a.png\n\n  /out/b.png  \n'`)
	got, err := r.Train(context.Background(), TrainParams{
		ModelDir:   "/s/content_Lora/ivan",
		Prompt:     "wolf",
		ModelName:  ModelLora,
		TypePerson: Men,
	})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if want := []string{"/out/a.png", "/out/b.png"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("paths = %v, want %v", got, want)
	}
}

func TestExecRunnerArguments(t *testing.T) {
	r := shRunner(`echo "$*"`)
	got, err := r.Infer(context.Background(), InferParams{ModelDir: "/m", Prompt: "rose", TypePerson: Women})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	want := "model_inference --model-dir /m --prompt rose --type-person women"
	if len(got) != 1 || got[0] != want {
		t.Fatalf("argv = %q, want %q", got, want)
	}
}

func TestExecRunnerRelativePaths(t *testing.T) {
	dir := t.TempDir()
	r := shRunner(`echo result/tatto0.png`)
	r.Dir = dir
	got, err := r.Infer(context.Background(), InferParams{ModelDir: "m", TypePerson: Men})
	if err != nil {
		t.Fatalf("infer: %v", err)
	}
	if len(got) != 1 || got[0] != filepath.Join(dir, "result", "tatto0.png") {
		t.Fatalf("paths = %v", got)
	}
}

func TestExecRunnerFailureCarriesStderr(t *testing.T) {
	r := shRunner(`echo "CUDA out of memory" >&2; exit 3`)
	_, err := r.Infer(context.Background(), InferParams{ModelDir: "m", TypePerson: Men})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "CUDA out of memory") || !strings.Contains(err.Error(), "exit status 3") {
		t.Fatalf("err = %v", err)
	}
}

func TestExecRunnerTimeout(t *testing.T) {
	r := shRunner(`exec sleep 5`)
	r.Timeout = 100 * time.Millisecond
	start := time.Now()
	_, err := r.Infer(context.Background(), InferParams{ModelDir: "m", TypePerson: Men})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Fatal("timeout did not stop the command")
	}
}

func TestExecRunnerWithoutCommand(t *testing.T) {
	if _, err := (&ExecRunner{}).Infer(context.Background(), InferParams{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestTailBufferKeepsEnd(t *testing.T) {
	tb := &tailBuffer{max: 8}
	_, _ = tb.Write([]byte("0123456789"))
	_, _ = tb.Write([]byte("ab"))
	if got := tb.String(); got != "456789ab" {
		t.Fatalf("tail = %q", got)
	}
}
