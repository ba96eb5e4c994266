package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/tipledger/tipledger/internal/settlement"
	"github.com/tipledger/tipledger/internal/tasks"
)

func TestRunMain_ReconcileShorthand(t *testing.T) {
	t.Parallel()

	var out, report bytes.Buffer
	err := runMain([]string{
		"-queue-driver", "stdio",
		"-op", tasks.OpReconcile,
		"-id", "wd-1",
		"-outcome", "refund",
	}, nil, &out, &report)
	if err != nil {
		t.Fatalf("runMain: %v", err)
	}

	task, err := tasks.Decode(bytes.TrimSpace(out.Bytes()))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if task.Op != tasks.OpReconcile {
		t.Fatalf("op: got %q want %q", task.Op, tasks.OpReconcile)
	}
	var p tasks.ReconcilePayload
	if err := task.Unmarshal(&p); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if p.ID != "wd-1" || p.Outcome != "refund" {
		t.Fatalf("payload: %+v", p)
	}

	var summary output
	if err := json.Unmarshal(report.Bytes(), &summary); err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Key != task.Key || summary.Topic != "tipledger.tasks.v1" {
		t.Fatalf("summary: got %+v want key %s", summary, task.Key)
	}
}

func TestRunMain_PayloadFromStdinKeyIsDeterministic(t *testing.T) {
	t.Parallel()

	payload := `{"id":"sw-1","user_id":"u1","address":"0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1","amount":"2.5"}`
	keys := make([]string, 0, 2)
	for i := 0; i < 2; i++ {
		var out, report bytes.Buffer
		if err := runMain([]string{"-queue-driver", "stdio", "-op", tasks.OpSweep}, strings.NewReader(payload+"\n"), &out, &report); err != nil {
			t.Fatalf("runMain: %v", err)
		}
		task, err := tasks.Decode(bytes.TrimSpace(out.Bytes()))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		keys = append(keys, task.Key)
	}
	if keys[0] != keys[1] {
		t.Fatalf("keys differ: %q vs %q", keys[0], keys[1])
	}
	if want := tasks.Key(tasks.OpSweep, payload); keys[0] != want {
		t.Fatalf("key: got %q want %q", keys[0], want)
	}
}

func TestRunMain_ExplicitKey(t *testing.T) {
	t.Parallel()

	var out, report bytes.Buffer
	err := runMain([]string{
		"-queue-driver", "stdio",
		"-op", tasks.OpProvisionComplete,
		"-key", "provision-u1",
		"-payload", `{"user_id":"u1","address":"0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1"}`,
	}, nil, &out, &report)
	if err != nil {
		t.Fatalf("runMain: %v", err)
	}
	task, err := tasks.Decode(bytes.TrimSpace(out.Bytes()))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if task.Key != "provision-u1" {
		t.Fatalf("key: got %q want provision-u1", task.Key)
	}
}

func TestRunMain_Rejects(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		args  []string
		stdin string
	}{
		{name: "missing op", args: []string{"-payload", `{}`}},
		{name: "unknown op", args: []string{"-op", "ledger.credit", "-payload", `{}`}},
		{name: "unknown field", args: []string{"-op", tasks.OpSweep, "-payload", `{"id":"x","extra":1}`}},
		{name: "trailing data", args: []string{"-op", tasks.OpSweep, "-payload", `{"id":"x"} {}`}},
		{name: "shorthand on wrong op", args: []string{"-op", tasks.OpSweep, "-id", "x"}},
		{name: "shorthand with payload", args: []string{"-op", tasks.OpReconcile, "-id", "x", "-outcome", "spent", "-payload", `{}`}},
		{name: "reconcile without id", args: []string{"-op", tasks.OpReconcile, "-outcome", "spent"}},
		{name: "empty stdin", args: []string{"-op", tasks.OpSweep}, stdin: "  \n"},
		{name: "unsupported driver", args: []string{"-queue-driver", "carrier-pigeon", "-op", tasks.OpReconcile, "-id", "x", "-outcome", "spent"}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var out, report bytes.Buffer
			args := append([]string{"-queue-driver", "stdio"}, tc.args...)
			if err := runMain(args, strings.NewReader(tc.stdin), &out, &report); err == nil {
				t.Fatalf("expected error")
			}
			if out.Len() != 0 {
				t.Fatalf("nothing must be published, got %q", out.String())
			}
		})
	}

	var out, report bytes.Buffer
	err := runMain([]string{"-queue-driver", "stdio", "-op", tasks.OpReconcile, "-id", "x", "-outcome", "burn"}, nil, &out, &report)
	if !errors.Is(err, settlement.ErrInvalidRequest) {
		t.Fatalf("bad outcome: got %v want %v", err, settlement.ErrInvalidRequest)
	}
}
