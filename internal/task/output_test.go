package task

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrinter(t *testing.T) {
	t.Parallel()

	type given struct {
		prefix string
		chunks []string
	}
	var testCases = []struct {
		scenario string
		given    given
		then     string
	}{
		{"empty stream", given{"OUT", nil}, ""},
		{"empty stream no prefix", given{"", nil}, ""},
		{"two lines", given{"OUT", []string{"A\nB\n"}}, "OUT A\nOUT B\n"},
		{"two lines no prefix", given{"", []string{"A\nB\n"}}, "A\nB\n"},
		{"unterminated", given{"OUT", []string{"A\nB"}}, "OUT A\nOUT B\n"},
		{"unterminated no prefix", given{"", []string{"A"}}, "A\n"},
		{"split line", given{"OUT", []string{"hel", "lo\nwor", "ld\n"}}, "OUT hello\nOUT world\n"},
		{"split at newline", given{"OUT", []string{"A\n", "B\n"}}, "OUT A\nOUT B\n"},
		{"empty lines", given{"OUT", []string{"\n\n"}}, "OUT \nOUT \n"},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			s := Print(&buf, tc.given.prefix).newSink()
			for _, c := range tc.given.chunks {
				s.write([]byte(c), false)
			}
			s.write([]byte{}, true)
			require.Equal(t, tc.then, buf.String())
		})
	}
}

type countingWriter struct {
	writes [][]byte
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.writes = append(w.writes, bytes.Clone(p))
	return len(p), nil
}

func TestPrinterSingleWrite(t *testing.T) {
	t.Parallel()
	var w countingWriter
	s := Print(&w, "ERR").newSink()
	s.write([]byte("a\nb\nc"), false)
	s.write(nil, true)
	require.Equal(t, [][]byte{
		[]byte("ERR a\nERR b\nERR c"),
		[]byte("\n"),
	}, w.writes)
}

func TestHandleNil(t *testing.T) {
	t.Parallel()
	require.Panics(t, func() { Handle(nil) })
}
