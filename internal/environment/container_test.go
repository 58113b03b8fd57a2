package environment

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"ivory/internal/shared/logging"
)

type fakeDockerCLI struct {
	mu    sync.Mutex
	calls [][]string
	// respond maps the first docker arg ("ps", "exec", ...) to a handler.
	respond map[string]func(args []string) (string, error)
}

func (f *fakeDockerCLI) LookPath(string) (string, error) { return "/usr/bin/docker", nil }

func (f *fakeDockerCLI) Run(_ context.Context, args ...string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, args)
	handler := f.respond[args[0]]
	f.mu.Unlock()

	if handler == nil {
		return "", nil
	}
	return handler(args)
}

func (f *fakeDockerCLI) callCount(verb string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.calls {
		if call[0] == verb {
			n++
		}
	}
	return n
}

func demuxPayload(stdout, stderr string, code int) string {
	return base64.StdEncoding.EncodeToString([]byte(stdout)) +
		"\n---IVORY-STREAM---\n" +
		base64.StdEncoding.EncodeToString([]byte(stderr)) +
		fmt.Sprintf("\n---IVORY-STREAM---\n%d\n", code)
}

func newTestContainer(cli *fakeDockerCLI) *ContainerAdapter {
	a := &ContainerAdapter{
		cli:    cli,
		guard:  newPathGuard(containerWorkdir),
		status: newStatusEmitter(KindContainer),
		image:  defaultContainerImage,
		name:   defaultContainerName,
	}
	a.logger = logging.Nop()
	a.status.emit(StatusConnected, "")
	return a
}

func TestContainerExecuteCommandDemux(t *testing.T) {
	cli := &fakeDockerCLI{respond: map[string]func([]string) (string, error){
		"exec": func([]string) (string, error) {
			return demuxPayload("out line\n", "err line\n", 7), nil
		},
	}}
	a := newTestContainer(cli)

	result, err := a.ExecuteCommand(context.Background(), "true", "")
	if err != nil {
		t.Fatalf("ExecuteCommand failed: %v", err)
	}
	if result.Stdout != "out line\n" || result.Stderr != "err line\n" || result.ExitCode != 7 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestContainerRestartsOnceWhenGone(t *testing.T) {
	var execCalls int
	var mu sync.Mutex

	cli := &fakeDockerCLI{}
	cli.respond = map[string]func([]string) (string, error){
		"exec": func([]string) (string, error) {
			mu.Lock()
			execCalls++
			n := execCalls
			mu.Unlock()
			if n == 1 {
				return "Error: No such container: ivory-workspace", errors.New("exit status 1")
			}
			return demuxPayload("recovered\n", "", 0), nil
		},
		"ps": func(args []string) (string, error) {
			// A running container exists once restart kicks in.
			return "abc123\n", nil
		},
	}
	a := newTestContainer(cli)

	result, err := a.ExecuteCommand(context.Background(), "echo recovered", "")
	if err != nil {
		t.Fatalf("ExecuteCommand after restart failed: %v", err)
	}
	if result.Stdout != "recovered\n" {
		t.Fatalf("unexpected stdout %q", result.Stdout)
	}
	if got := a.Status().Status; got != StatusConnected {
		t.Fatalf("expected connected after recovery, got %v", got)
	}
}

func TestContainerDoesNotRestartTwicePerOutage(t *testing.T) {
	cli := &fakeDockerCLI{}
	cli.respond = map[string]func([]string) (string, error){
		"exec": func([]string) (string, error) {
			return "Error: No such container: ivory-workspace", errors.New("exit status 1")
		},
		"ps":  func([]string) (string, error) { return "", nil },
		"run": func([]string) (string, error) { return "", errors.New("image missing") },
	}
	a := newTestContainer(cli)

	if _, err := a.ExecuteCommand(context.Background(), "true", ""); err == nil {
		t.Fatal("expected failure when restart cannot recover")
	}
	runsAfterFirst := cli.callCount("run")

	if _, err := a.ExecuteCommand(context.Background(), "true", ""); err == nil {
		t.Fatal("expected failure on second attempt")
	}
	if cli.callCount("run") != runsAfterFirst {
		t.Fatal("restart should be attempted at most once per outage")
	}
}

func TestContainerReadWriteRoundTrip(t *testing.T) {
	var stored string
	cli := &fakeDockerCLI{}
	cli.respond = map[string]func([]string) (string, error){
		"exec": func(args []string) (string, error) {
			script := args[len(args)-1]
			switch {
			case strings.Contains(script, "base64 -d >"):
				// Extract the payload between the single quotes after printf.
				start := strings.Index(script, "printf '%s' '") + len("printf '%s' '")
				end := strings.Index(script[start:], "'")
				raw, err := base64.StdEncoding.DecodeString(script[start : start+end])
				if err != nil {
					return "decode failed", errors.New("exit status 1")
				}
				stored = string(raw)
				return fmt.Sprintf("%d\n", len(stored)), nil
			case strings.Contains(script, "base64 -w0 <"):
				return base64.StdEncoding.EncodeToString([]byte(stored)), nil
			}
			return "", errors.New("unexpected script: " + script)
		},
	}
	a := newTestContainer(cli)
	ctx := context.Background()

	content := "binary-ish \x00\x01 content\n"
	wrote, err := a.WriteFile(ctx, "data.bin", content)
	if err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if wrote.BytesWritten != int64(len(content)) {
		t.Fatalf("expected %d bytes, got %d", len(content), wrote.BytesWritten)
	}

	read, err := a.ReadFile(ctx, ReadFileRequest{Path: "data.bin"})
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if read.Content != content {
		t.Fatalf("round trip mismatch: %q", read.Content)
	}
}

func TestContainerEnsureRunningReusesLiveContainer(t *testing.T) {
	cli := &fakeDockerCLI{respond: map[string]func([]string) (string, error){
		"ps": func([]string) (string, error) { return "abc123\n", nil },
	}}
	a := newTestContainer(cli)

	if err := a.ensureRunning(context.Background()); err != nil {
		t.Fatalf("ensureRunning failed: %v", err)
	}
	if cli.callCount("run") != 0 {
		t.Fatal("live container should be reused, not re-run")
	}
}

func TestContainerEditFilePreservesContentBeyondReadWindow(t *testing.T) {
	// Larger than both the default line window and the default size cap, so
	// a paginated read path would corrupt the tail.
	var b strings.Builder
	for i := 1; i <= 3000; i++ {
		fmt.Fprintf(&b, "line %d padding-%s\n", i, strings.Repeat("x", 400))
	}
	original := b.String()

	stored := original
	cli := &fakeDockerCLI{}
	cli.respond = map[string]func([]string) (string, error){
		"exec": func(args []string) (string, error) {
			script := args[len(args)-1]
			switch {
			case strings.Contains(script, "base64 -d >"):
				start := strings.Index(script, "printf '%s' '") + len("printf '%s' '")
				end := strings.Index(script[start:], "'")
				raw, err := base64.StdEncoding.DecodeString(script[start : start+end])
				if err != nil {
					return "decode failed", errors.New("exit status 1")
				}
				stored = string(raw)
				return fmt.Sprintf("%d\n", len(stored)), nil
			case strings.Contains(script, "base64 -w0 <"):
				return base64.StdEncoding.EncodeToString([]byte(stored)), nil
			}
			return "", errors.New("unexpected script: " + script)
		},
	}
	a := newTestContainer(cli)

	search := "line 1 padding-" + strings.Repeat("x", 400) + "\n"
	replace := "line one\n"
	result, err := a.EditFile(context.Background(), EditFileRequest{
		Path: "big.txt", SearchCode: search, ReplaceCode: replace,
	})
	if err != nil {
		t.Fatalf("EditFile failed: %v", err)
	}

	want := strings.Replace(original, search, replace, 1)
	if stored != want {
		t.Fatalf("edit corrupted bytes outside the match: wrote %d bytes, want %d",
			len(stored), len(want))
	}
	if got := strings.Count(stored, "\n"); got != 3000 {
		t.Fatalf("edited file has %d lines, want 3000", got)
	}
	if result.NewContent != want {
		t.Fatal("result content does not match the written file")
	}
}
