package kfmt

import (
	"bytes"
	"testing"
)

func TestPrefixWriter(t *testing.T) {
	specs := []struct {
		writes []string
		exp    string
	}{
		{
			[]string{"initialized\n"},
			"[hal] initialized\n",
		},
		{
			[]string{"line 1\nline 2\n"},
			"[hal] line 1\n[hal] line 2\n",
		},
		{
			[]string{"partial ", "line\n", "next"},
			"[hal] partial line\n[hal] next",
		},
		{
			[]string{"", "\n"},
			"[hal] \n",
		},
	}

	for specIndex, spec := range specs {
		var (
			buf bytes.Buffer
			w   = PrefixWriter{Sink: &buf, Prefix: []byte("[hal] ")}
		)

		total := 0
		for _, s := range spec.writes {
			n, err := w.Write([]byte(s))
			if err != nil {
				t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
			}
			total += n
		}

		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected output %q; got %q", specIndex, spec.exp, got)
		}

		expLen := 0
		for _, s := range spec.writes {
			expLen += len(s)
		}
		if total != expLen {
			t.Errorf("[spec %d] expected Write to report %d bytes; got %d", specIndex, expLen, total)
		}
	}
}
