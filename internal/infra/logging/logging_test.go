package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestWith_CarriesContextFields(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithTraceID(context.Background(), "t-1")
	ctx = WithSender(ctx, "alice")
	ctx = WithRunID(ctx, "r-1")
	ctx = WithJobID(ctx, "j-1")
	With(ctx, &base).Info().Msg("hello")

	out := buf.String()
	for _, want := range []string{`"trace_id":"t-1"`, `"sender":"alice"`, `"run_id":"r-1"`, `"job_id":"j-1"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %q missing %s", out, want)
		}
	}
}

func TestWith_BareContextAddsNothing(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)
	With(context.Background(), &base).Info().Msg("hello")
	out := buf.String()
	for _, field := range []string{"trace_id", "sender", "run_id", "job_id"} {
		if strings.Contains(out, field) {
			t.Errorf("log line %q carries unexpected field %s", out, field)
		}
	}
}
