package chunker

import (
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitShortTextUnchanged(t *testing.T) {
	text := "  Hello there.\n"
	got := Split(text, 100)
	if len(got) != 1 || got[0] != text {
		t.Fatalf("expected input returned as-is, got %q", got)
	}
}

func TestSplitBlank(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t"} {
		if got := Split(text, 10); got != nil {
			t.Fatalf("Split(%q) = %q, want nil", text, got)
		}
	}
}

func TestSplitCases(t *testing.T) {
	tests := []struct {
		name string
		text string
		max  int
		want []string
	}{
		{
			name: "sentences packed",
			text: "One two. Three four! Five six? Seven.",
			max:  20,
			want: []string{"One two. Three four!", "Five six? Seven."},
		},
		{
			name: "clause fallback",
			text: "Alpha beta gamma, delta epsilon; zeta eta theta.",
			max:  20,
			want: []string{"Alpha beta gamma,", "delta epsilon;", "zeta eta theta."},
		},
		{
			name: "word fallback",
			text: "aaa bbb ccc ddd eee fff ggg",
			max:  11,
			want: []string{"aaa bbb ccc", "ddd eee fff", "ggg"},
		},
		{
			name: "oversized word kept whole",
			text: "tiny supercalifragilistic word",
			max:  8,
			want: []string{"tiny", "supercalifragilistic", "word"},
		},
		{
			name: "hyphenated word not split",
			text: "a well-known fact - really",
			max:  12,
			want: []string{"a well-known", "fact -", "really"},
		},
		{
			name: "quoted terminator",
			text: `He said "Stop!" and left quietly.`,
			max:  16,
			want: []string{`He said "Stop!"`, "and left", "quietly."},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Split(tt.text, tt.max)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Fatalf("Split(%q, %d)\n got %q\nwant %q", tt.text, tt.max, got, tt.want)
			}
		})
	}
}

func TestSplitPreservesWordsProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	vocab := []string{"the", "quick", "brown", "fox.", "jumps,", "over", "a", "lazy", "dog!", "really?",
		"well-known", "x", "extraordinarily-long-compound-word", "héllo;", "naïve:", "-", "end."}
	for trial := 0; trial < 300; trial++ {
		n := 1 + rng.Intn(60)
		words := make([]string, n)
		for i := range words {
			words[i] = vocab[rng.Intn(len(vocab))]
		}
		text := strings.Join(words, strings.Repeat(" ", 1+rng.Intn(2)))
		limit := 5 + rng.Intn(60)

		got := Split(text, limit)
		if len(got) == 0 {
			t.Fatalf("no chunks for %q", text)
		}
		if strings.Join(strings.Fields(strings.Join(got, " ")), " ") != strings.Join(strings.Fields(text), " ") {
			t.Fatalf("words not preserved for limit=%d\ntext %q\ngot  %q", limit, text, got)
		}
		for _, c := range got {
			if strings.TrimSpace(c) == "" {
				t.Fatalf("empty chunk in %q", got)
			}
			if utf8.RuneCountInString(c) > limit && strings.ContainsRune(strings.TrimSpace(c), ' ') {
				t.Fatalf("chunk %q exceeds %d runes", c, limit)
			}
		}
	}
}
