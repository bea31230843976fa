package audit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type failingSink struct{}

func (failingSink) Write(context.Context, Record) error { return errors.New("disk full") }

type capturingAppender struct {
	got    []Record
	ctxErr error
}

func (c *capturingAppender) AppendAudit(ctx context.Context, r Record) error {
	c.got = append(c.got, r)
	c.ctxErr = ctx.Err()
	return nil
}

func TestAuditor_EmitStampsAndFansOut(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2026, 1, 19, 14, 0, 0, 0, time.FixedZone("X", 3600))
	ring := NewRing(10)
	app := &capturingAppender{}
	a := New([]Sink{failingSink{}, ring, StoreSink{Store: app}}, WithClock(func() time.Time { return fixed }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := a.Emit(ctx, Record{Kind: KindDispatch, Tool: "create_expense", Variant: "success"})

	if rec.ID == "" {
		t.Error("ID not stamped")
	}
	if !rec.Time.Equal(fixed) || rec.Time.Location() != time.UTC {
		t.Errorf("Time = %v, want %v in UTC", rec.Time, fixed)
	}
	recent, _ := ring.Recent(context.Background(), 0)
	if len(recent) != 1 || recent[0].ID != rec.ID {
		t.Errorf("ring = %+v, want the emitted record", recent)
	}
	if len(app.got) != 1 {
		t.Fatalf("store got %d records, want 1", len(app.got))
	}
	if app.ctxErr != nil {
		t.Errorf("store sink ctx err = %v, want detached context", app.ctxErr)
	}
}

func TestRing_NewestFirstAndWraps(t *testing.T) {
	t.Parallel()

	r := NewRing(3)
	for _, tool := range []string{"a", "b", "c", "d"} {
		_ = r.Write(context.Background(), Record{Tool: tool})
	}
	got, _ := r.Recent(context.Background(), 10)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	want := []string{"d", "c", "b"}
	for i, w := range want {
		if got[i].Tool != w {
			t.Errorf("got[%d] = %q, want %q", i, got[i].Tool, w)
		}
	}
	two, _ := r.Recent(context.Background(), 2)
	if len(two) != 2 || two[0].Tool != "d" {
		t.Errorf("Recent(2) = %+v", two)
	}
}

func TestLogSink(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	s := LogSink{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	_ = s.Write(context.Background(), Record{Kind: KindSafetyBlock, Stage: "pattern", Reason: "jailbreak"})
	out := buf.String()
	for _, want := range []string{"kind=safety_block", "stage=pattern"} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %q missing %q", out, want)
		}
	}
}
