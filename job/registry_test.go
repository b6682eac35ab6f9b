package job_test

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"

	"github.com/conveyorhq/conveyor/job"
)

type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
}

func rawJob(queue string, payload []byte) *job.Job {
	return &job.Job{Queue: queue, Payload: payload}
}

func noProgress(_ int) {}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := job.NewRegistry()

	var got emailPayload
	def := job.NewDefinition("emails", func(_ context.Context, p emailPayload, _ job.ProgressFunc) (any, error) {
		got = p
		return nil, nil
	})

	job.RegisterDefinition(r, def)

	h, ok := r.Get("emails")
	if !ok {
		t.Fatal("expected processor to be registered")
	}

	payload, _ := json.Marshal(emailPayload{To: "alice@example.com", Subject: "Hello"})
	_, err := h(context.Background(), rawJob("emails", payload), noProgress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.To != "alice@example.com" {
		t.Errorf("To = %q, want %q", got.To, "alice@example.com")
	}
	if got.Subject != "Hello" {
		t.Errorf("Subject = %q, want %q", got.Subject, "Hello")
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := job.NewRegistry()
	_, ok := r.Get("nonexistent")
	if ok {
		t.Fatal("expected no processor for unregistered queue")
	}
}

func TestRegistry_Queues(t *testing.T) {
	r := job.NewRegistry()

	for _, q := range []string{"queue-a", "queue-b", "queue-c"} {
		job.RegisterDefinition(r, job.NewDefinition(q, func(_ context.Context, _ struct{}, _ job.ProgressFunc) (any, error) {
			return nil, nil
		}))
	}

	names := r.Queues()
	sort.Strings(names)
	expected := []string{"queue-a", "queue-b", "queue-c"}
	if len(names) != len(expected) {
		t.Fatalf("expected %d queues, got %d", len(expected), len(names))
	}
	for i, want := range expected {
		if names[i] != want {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want)
		}
	}
}

func TestRegistry_InvalidJSON(t *testing.T) {
	r := job.NewRegistry()
	job.RegisterDefinition(r, job.NewDefinition("typed", func(_ context.Context, _ emailPayload, _ job.ProgressFunc) (any, error) {
		t.Fatal("handler should not be called with invalid JSON")
		return nil, nil
	}))

	h, _ := r.Get("typed")
	_, err := h(context.Background(), rawJob("typed", []byte(`{invalid json`)), noProgress)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestRegistry_EmptyPayload(t *testing.T) {
	r := job.NewRegistry()
	called := false
	job.RegisterDefinition(r, job.NewDefinition("no-payload", func(_ context.Context, _ struct{}, _ job.ProgressFunc) (any, error) {
		called = true
		return nil, nil
	}))

	h, _ := r.Get("no-payload")
	if _, err := h(context.Background(), rawJob("no-payload", nil), noProgress); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called with empty payload")
	}
}

func TestRegistry_HandlerError(t *testing.T) {
	r := job.NewRegistry()
	want := errors.New("handler failed")
	job.RegisterDefinition(r, job.NewDefinition("failing", func(_ context.Context, _ struct{}, _ job.ProgressFunc) (any, error) {
		return nil, want
	}))

	h, _ := r.Get("failing")
	_, err := h(context.Background(), rawJob("failing", nil), noProgress)
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func TestRegistry_ResultMarshaled(t *testing.T) {
	r := job.NewRegistry()
	job.RegisterDefinition(r, job.NewDefinition("render", func(_ context.Context, _ struct{}, _ job.ProgressFunc) (any, error) {
		return map[string]string{"url": "https://example.com/out.png"}, nil
	}))

	h, _ := r.Get("render")
	result, err := h(context.Background(), rawJob("render", nil), noProgress)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var decoded map[string]string
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("result is not valid JSON: %v", err)
	}
	if decoded["url"] != "https://example.com/out.png" {
		t.Errorf("url = %q", decoded["url"])
	}
}

func TestRegistry_OverwriteHandler(t *testing.T) {
	r := job.NewRegistry()

	job.RegisterDefinition(r, job.NewDefinition("overwrite", func(_ context.Context, _ struct{}, _ job.ProgressFunc) (any, error) {
		return nil, errors.New("old")
	}))
	job.RegisterDefinition(r, job.NewDefinition("overwrite", func(_ context.Context, _ struct{}, _ job.ProgressFunc) (any, error) {
		return nil, errors.New("new")
	}))

	h, _ := r.Get("overwrite")
	_, err := h(context.Background(), rawJob("overwrite", nil), noProgress)
	if err == nil || err.Error() != "new" {
		t.Fatalf("expected 'new' error, got %v", err)
	}
}
