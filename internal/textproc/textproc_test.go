package textproc_test

import (
	"testing"

	"telegram-forwarder/internal/textproc"
)

func TestMatchesKeywords(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		text     string
		keywords []string
		want     bool
	}{
		{name: "empty keywords pass everything", text: "anything", keywords: nil, want: true},
		{name: "exact match", text: "breaking news today", keywords: []string{"news"}, want: true},
		{name: "case insensitive", text: "Breaking NEWS today", keywords: []string{"news"}, want: true},
		{name: "any of several", text: "only sports here", keywords: []string{"news", "sports"}, want: true},
		{name: "no match", text: "nothing here", keywords: []string{"foo", "bar"}, want: false},
		{name: "substring match", text: "newsletter", keywords: []string{"news"}, want: true},
		{name: "blank keywords ignored", text: "plain text", keywords: []string{"", "  "}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := textproc.MatchesKeywords(tt.text, tt.keywords); got != tt.want {
				t.Fatalf("MatchesKeywords(%q, %v) = %v, want %v", tt.text, tt.keywords, got, tt.want)
			}
		})
	}
}

func TestApplyRules(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		text         string
		rules        []textproc.Rule
		want         string
		wantReplaced bool
	}{
		{
			name:         "single replacement",
			text:         "foo bar",
			rules:        []textproc.Rule{{From: "foo", To: "FOO"}},
			want:         "FOO bar",
			wantReplaced: true,
		},
		{
			name:         "no rule fires",
			text:         "plain",
			rules:        []textproc.Rule{{From: "xyz", To: "abc"}},
			want:         "plain",
			wantReplaced: false,
		},
		{
			name: "user order applies",
			text: "aaa",
			rules: []textproc.Rule{
				{From: "aa", To: "b"},
				{From: "ba", To: "c"},
			},
			want:         "c",
			wantReplaced: true,
		},
		{
			name:         "deletion via empty replacement",
			text:         "spam and ham",
			rules:        []textproc.Rule{{From: "spam and ", To: ""}},
			want:         "ham",
			wantReplaced: true,
		},
		{
			name:         "empty pattern skipped",
			text:         "text",
			rules:        []textproc.Rule{{From: "", To: "oops"}},
			want:         "text",
			wantReplaced: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, replaced := textproc.ApplyRules(tt.text, tt.rules)
			if got != tt.want || replaced != tt.wantReplaced {
				t.Fatalf("ApplyRules(%q) = %q, %v, want %q, %v", tt.text, got, replaced, tt.want, tt.wantReplaced)
			}
		})
	}
}

func TestProcess(t *testing.T) {
	t.Parallel()

	policy := textproc.Policy{
		Keywords: []string{"foo", "bar"},
		Rules:    []textproc.Rule{{From: "foo", To: "FOO"}},
	}

	// Подпись без ключевых слов отсеивается до замен.
	got := textproc.Process("nothing here", policy)
	if !got.Filtered {
		t.Fatalf("Process(%q) = %+v, want filtered", "nothing here", got)
	}
	if got.Caption != "nothing here" {
		t.Fatalf("filtered caption mutated: %q", got.Caption)
	}

	// Подходящая подпись проходит и переписывается.
	got = textproc.Process("foo bar", policy)
	if got.Filtered {
		t.Fatal("Process(\"foo bar\") filtered, want pass")
	}
	if got.Caption != "FOO bar" || !got.Replaced {
		t.Fatalf("Process(\"foo bar\") = %+v, want caption FOO bar, replaced", got)
	}
}

func TestProcessRemovesCaptionAfterFiltering(t *testing.T) {
	t.Parallel()

	policy := textproc.Policy{
		Keywords:      []string{"keep"},
		RemoveCaption: true,
	}

	// Фильтр видит исходный текст, снятие подписи происходит после.
	got := textproc.Process("keep this", policy)
	if got.Filtered {
		t.Fatal("caption with keyword filtered out")
	}
	if got.Caption != "" {
		t.Fatalf("caption = %q, want empty after removal", got.Caption)
	}

	// Без ключевого слова группа отсеивается, а не доставляется без подписи.
	got = textproc.Process("drop this", policy)
	if !got.Filtered {
		t.Fatal("caption without keyword passed the filter")
	}
}
